// Package deepseek adapts DeepSeek's OpenAI-compatible API, which adds
// reasoning_content deltas and prompt cache token counters.
package deepseek

import (
	"fmt"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/provider"
	"github.com/felipepmaragno/channel-gateway/internal/provider/openai"
	"github.com/goccy/go-json"
)

const defaultBaseURL = "https://api.deepseek.com"

type Adapter struct {
	openai.Adapter
}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Family() string {
	return "deepseek"
}

func (a *Adapter) DefaultBaseURL() string {
	return defaultBaseURL
}

func (a *Adapter) DecodeResponse(body []byte, model string) (*domain.ChatResponse, error) {
	var resp openai.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error: %s (%s)", resp.Error.Message, resp.Error.Type)
	}
	return resp.ToDomain(model, true), nil
}

func (a *Adapter) NewStreamDecoder(model string) provider.StreamDecoder {
	return openai.NewStreamDecoder(model, true)
}
