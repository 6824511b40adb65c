// Package anthropic implements the Anthropic Messages API wire.
package anthropic

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/provider"
	"github.com/goccy/go-json"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Family() string {
	return "anthropic"
}

func (a *Adapter) DefaultBaseURL() string {
	return defaultBaseURL
}

func (a *Adapter) Endpoint(baseURL string, req *domain.ChatRequest, stream bool) string {
	return provider.JoinURL(baseURL, "/messages")
}

func (a *Adapter) BuildAuthHeaders(h http.Header, secret string) {
	h.Set("x-api-key", secret)
	h.Set("anthropic-version", anthropicVersion)
}

func (a *Adapter) EncodeRequest(req *domain.ChatRequest, stream bool) ([]byte, error) {
	r := ToRequest(req)
	r.Stream = stream

	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

func (a *Adapter) DecodeResponse(body []byte, model string) (*domain.ChatResponse, error) {
	return DecodeResponse(body, model)
}

func (a *Adapter) NewStreamDecoder(model string) provider.StreamDecoder {
	return NewStreamDecoder(model)
}

// Request is the Messages API body. Bedrock reuses it with Model empty and
// AnthropicVersion set.
type Request struct {
	AnthropicVersion string    `json:"anthropic_version,omitempty"`
	Model            string    `json:"model,omitempty"`
	Messages         []message `json:"messages"`
	System           string    `json:"system,omitempty"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	StopSequences    []string  `json:"stop_sequences,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToRequest hoists every system message into the system field.
func ToRequest(req *domain.ChatRequest) Request {
	var system []string
	messages := make([]message, 0, len(req.Messages))

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	return Request{
		Model:         req.Model,
		Messages:      messages,
		System:        strings.Join(system, "\n\n"),
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
}

type response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
	Error      *apiError      `json:"error,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func DecodeResponse(body []byte, model string) (*domain.ChatResponse, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Type == "error" && resp.Error != nil {
		return nil, fmt.Errorf("upstream error: %s (%s)", resp.Error.Message, resp.Error.Type)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    "assistant",
					Content: content.String(),
				},
				FinishReason: mapStopReason(resp.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		}.Normalize(),
	}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

type streamEvent struct {
	Type    string    `json:"type"`
	Message *response `json:"message,omitempty"`
	Delta   *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *usage    `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// StreamDecoder accepts SSE "data:" lines and bare JSON event payloads, the
// latter being what Bedrock's event stream carries.
type StreamDecoder struct {
	model   string
	id      string
	created int64
	usage   domain.Usage
}

func NewStreamDecoder(model string) *StreamDecoder {
	return &StreamDecoder{
		model:   model,
		created: time.Now().Unix(),
	}
}

func (d *StreamDecoder) DecodeStreamChunk(frame []byte) (*domain.StreamChunk, bool, error) {
	data, ok := provider.SSEData(frame)
	if !ok {
		data = bytes.TrimSpace(frame)
		if len(data) == 0 || data[0] != '{' {
			return nil, false, nil
		}
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false, fmt.Errorf("decode stream event: %w", err)
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			d.id = ev.Message.ID
			d.usage.PromptTokens = ev.Message.Usage.InputTokens
			d.usage.CompletionTokens = ev.Message.Usage.OutputTokens
		}
		return nil, false, nil

	case "content_block_delta":
		if ev.Delta == nil || ev.Delta.Type != "text_delta" {
			return nil, false, nil
		}
		return d.chunk(&domain.Delta{Content: ev.Delta.Text}, ""), false, nil

	case "message_delta":
		if ev.Usage != nil {
			if ev.Usage.InputTokens > 0 {
				d.usage.PromptTokens = ev.Usage.InputTokens
			}
			d.usage.CompletionTokens = ev.Usage.OutputTokens
		}
		var reason string
		if ev.Delta != nil {
			reason = mapStopReason(ev.Delta.StopReason)
		}
		c := d.chunk(&domain.Delta{}, reason)
		u := d.usage
		u.TotalTokens = 0
		u = u.Normalize()
		c.Usage = &u
		return c, false, nil

	case "message_stop":
		return nil, true, nil

	case "error":
		if ev.Error != nil {
			return nil, false, fmt.Errorf("upstream stream error: %s (%s)", ev.Error.Message, ev.Error.Type)
		}
		return nil, false, errors.New("upstream stream error")

	default:
		return nil, false, nil
	}
}

func (d *StreamDecoder) chunk(delta *domain.Delta, finishReason string) *domain.StreamChunk {
	return &domain.StreamChunk{
		ID:      d.id,
		Object:  "chat.completion.chunk",
		Created: d.created,
		Model:   d.model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Delta:        delta,
				FinishReason: finishReason,
			},
		},
	}
}
