// Package openai implements the OpenAI-compatible chat completions wire.
package openai

import (
	"fmt"
	"net/http"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/provider"
	"github.com/goccy/go-json"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Family() string {
	return "openai"
}

func (a *Adapter) DefaultBaseURL() string {
	return defaultBaseURL
}

func (a *Adapter) Endpoint(baseURL string, req *domain.ChatRequest, stream bool) string {
	return provider.JoinURL(baseURL, "/chat/completions")
}

func (a *Adapter) BuildAuthHeaders(h http.Header, secret string) {
	if secret != "" {
		h.Set("Authorization", "Bearer "+secret)
	}
}

func (a *Adapter) EncodeRequest(req *domain.ChatRequest, stream bool) ([]byte, error) {
	body, err := json.Marshal(ToRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (a *Adapter) DecodeResponse(body []byte, model string) (*domain.ChatResponse, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error: %s (%s)", resp.Error.Message, resp.Error.Type)
	}
	return resp.ToDomain(model, false), nil
}

func (a *Adapter) NewStreamDecoder(model string) provider.StreamDecoder {
	return NewStreamDecoder(model, false)
}

// Request is the chat completions request body.
type Request struct {
	Model         string           `json:"model"`
	Messages      []domain.Message `json:"messages"`
	Temperature   *float64         `json:"temperature,omitempty"`
	MaxTokens     *int             `json:"max_tokens,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	Stop          []string         `json:"stop,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *StreamOptions   `json:"stream_options,omitempty"`
	User          string           `json:"user,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ToRequest asks for usage on the final stream chunk so token quotas can be
// committed without estimating.
func ToRequest(req *domain.ChatRequest, stream bool) Request {
	r := Request{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
		User:        req.User,
	}
	if stream {
		r.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	return r
}

type Response struct {
	ID      string    `json:"id"`
	Object  string    `json:"object"`
	Created int64     `json:"created"`
	Model   string    `json:"model"`
	Choices []choice  `json:"choices"`
	Usage   *Usage    `json:"usage"`
	Error   *apiError `json:"error,omitempty"`
}

type choice struct {
	Index        int      `json:"index"`
	Message      *message `json:"message,omitempty"`
	Delta        *message `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
}

type message struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

func (m *message) text(foldReasoning bool) string {
	if foldReasoning && m.Content == "" {
		return m.ReasoningContent
	}
	return m.Content
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type Usage struct {
	PromptTokens          int `json:"prompt_tokens"`
	CompletionTokens      int `json:"completion_tokens"`
	TotalTokens           int `json:"total_tokens"`
	PromptCacheHitTokens  int `json:"prompt_cache_hit_tokens,omitempty"`
	PromptCacheMissTokens int `json:"prompt_cache_miss_tokens,omitempty"`
}

func (u *Usage) toDomain() domain.Usage {
	prompt := u.PromptTokens
	if prompt == 0 {
		prompt = u.PromptCacheHitTokens + u.PromptCacheMissTokens
	}
	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}.Normalize()
}

// ToDomain converts a non-streaming response. model is used when the
// provider does not echo one.
func (r *Response) ToDomain(model string, foldReasoning bool) *domain.ChatResponse {
	out := &domain.ChatResponse{
		ID:      r.ID,
		Object:  "chat.completion",
		Created: r.Created,
		Model:   r.Model,
		Choices: make([]domain.Choice, 0, len(r.Choices)),
	}
	if out.Model == "" {
		out.Model = model
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	if r.Usage != nil {
		out.Usage = r.Usage.toDomain()
	}

	for _, c := range r.Choices {
		dc := domain.Choice{Index: c.Index}
		if c.Message != nil {
			dc.Message = &domain.Message{Role: c.Message.Role, Content: c.Message.text(foldReasoning)}
		}
		if c.FinishReason != nil {
			dc.FinishReason = *c.FinishReason
		}
		out.Choices = append(out.Choices, dc)
	}
	return out
}

// StreamDecoder decodes "data: {...}" lines terminated by "data: [DONE]".
type StreamDecoder struct {
	model         string
	foldReasoning bool
}

// NewStreamDecoder returns a decoder for one stream. With foldReasoning,
// reasoning_content is emitted as content for deltas that carry no content.
func NewStreamDecoder(model string, foldReasoning bool) *StreamDecoder {
	return &StreamDecoder{model: model, foldReasoning: foldReasoning}
}

func (d *StreamDecoder) DecodeStreamChunk(frame []byte) (*domain.StreamChunk, bool, error) {
	data, ok := provider.SSEData(frame)
	if !ok || len(data) == 0 {
		return nil, false, nil
	}
	if string(data) == "[DONE]" {
		return nil, true, nil
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("decode stream chunk: %w", err)
	}
	if resp.Error != nil {
		return nil, false, fmt.Errorf("upstream stream error: %s (%s)", resp.Error.Message, resp.Error.Type)
	}

	chunk := &domain.StreamChunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]domain.Choice, 0, len(resp.Choices)),
	}
	if chunk.Model == "" {
		chunk.Model = d.model
	}
	if resp.Usage != nil {
		u := resp.Usage.toDomain()
		chunk.Usage = &u
	}

	for _, c := range resp.Choices {
		dc := domain.Choice{Index: c.Index, Delta: &domain.Delta{}}
		if c.Delta != nil {
			dc.Delta.Role = c.Delta.Role
			dc.Delta.Content = c.Delta.text(d.foldReasoning)
		}
		if c.FinishReason != nil {
			dc.FinishReason = *c.FinishReason
		}
		chunk.Choices = append(chunk.Choices, dc)
	}

	return chunk, false, nil
}
