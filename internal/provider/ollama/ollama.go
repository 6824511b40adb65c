// Package ollama implements Ollama's native /api/chat wire.
package ollama

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/provider"
	"github.com/goccy/go-json"
)

const defaultBaseURL = "http://localhost:11434"

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Family() string {
	return "ollama"
}

func (a *Adapter) DefaultBaseURL() string {
	return defaultBaseURL
}

func (a *Adapter) Endpoint(baseURL string, req *domain.ChatRequest, stream bool) string {
	return provider.JoinURL(baseURL, "/api/chat")
}

// BuildAuthHeaders only sets a bearer token for proxied deployments.
func (a *Adapter) BuildAuthHeaders(h http.Header, secret string) {
	if secret != "" {
		h.Set("Authorization", "Bearer "+secret)
	}
}

func (a *Adapter) EncodeRequest(req *domain.ChatRequest, stream bool) ([]byte, error) {
	body, err := json.Marshal(toOllamaRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (a *Adapter) DecodeResponse(body []byte, model string) (*domain.ChatResponse, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("upstream error: %s", resp.Error)
	}
	return toOpenAIResponse(resp, model), nil
}

func (a *Adapter) NewStreamDecoder(model string) provider.StreamDecoder {
	return &streamDecoder{
		id:    fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		model: model,
	}
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  *options         `json:"options,omitempty"`
}

type options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatResponse struct {
	Model           string         `json:"model"`
	CreatedAt       string         `json:"created_at"`
	Message         domain.Message `json:"message"`
	Done            bool           `json:"done"`
	DoneReason      string         `json:"done_reason,omitempty"`
	PromptEvalCount int            `json:"prompt_eval_count,omitempty"`
	EvalCount       int            `json:"eval_count,omitempty"`
	Error           string         `json:"error,omitempty"`
}

func toOllamaRequest(req *domain.ChatRequest, stream bool) chatRequest {
	r := chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		r.Options = &options{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			TopP:        req.TopP,
			Stop:        req.Stop,
		}
	}

	return r
}

func finishReason(resp chatResponse) string {
	if !resp.Done {
		return ""
	}
	if resp.DoneReason == "length" {
		return "length"
	}
	return "stop"
}

func usageOf(resp chatResponse) domain.Usage {
	return domain.Usage{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}.Normalize()
}

func toOpenAIResponse(resp chatResponse, model string) *domain.ChatResponse {
	role := resp.Message.Role
	if role == "" {
		role = "assistant"
	}

	return &domain.ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    role,
					Content: resp.Message.Content,
				},
				FinishReason: finishReason(resp),
			},
		},
		Usage: usageOf(resp),
	}
}

// streamDecoder reads NDJSON objects; the one with "done": true is last.
type streamDecoder struct {
	id    string
	model string
}

func (d *streamDecoder) DecodeStreamChunk(frame []byte) (*domain.StreamChunk, bool, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, false, nil
	}

	var resp chatResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, false, fmt.Errorf("decode stream chunk: %w", err)
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("upstream stream error: %s", resp.Error)
	}

	chunk := &domain.StreamChunk{
		ID:      d.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   d.model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Delta:        &domain.Delta{Role: resp.Message.Role, Content: resp.Message.Content},
				FinishReason: finishReason(resp),
			},
		},
	}
	if resp.Done {
		u := usageOf(resp)
		chunk.Usage = &u
	}

	return chunk, resp.Done, nil
}
