package anthropic

import (
	"strings"
	"testing"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/goccy/go-json"
)

func TestEncodeRequest_HoistsSystemMessages(t *testing.T) {
	req := &domain.ChatRequest{
		Model: "claude-3-5-sonnet",
		Messages: []domain.Message{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: "Hi"},
			{Role: "system", Content: "Answer in English."},
			{Role: "assistant", Content: "Hello"},
		},
		Stop: []string{"END"},
	}

	body, err := New().EncodeRequest(req, true)
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}

	var got Request
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.System != "Be brief.\n\nAnswer in English." {
		t.Errorf("system = %q", got.System)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	for _, m := range got.Messages {
		if m.Role == "system" {
			t.Error("system message left in messages")
		}
	}
	if got.MaxTokens != defaultMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", got.MaxTokens, defaultMaxTokens)
	}
	if !got.Stream {
		t.Error("expected stream=true")
	}
	if len(got.StopSequences) != 1 || got.StopSequences[0] != "END" {
		t.Errorf("stop_sequences = %v", got.StopSequences)
	}
}

func TestDecodeResponse(t *testing.T) {
	body := []byte(`{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"content": [{"type": "text", "text": "Hello"}, {"type": "text", "text": " there"}],
		"stop_reason": "max_tokens",
		"usage": {"input_tokens": 9, "output_tokens": 3}
	}`)

	resp, err := DecodeResponse(body, "claude-3-5-sonnet")
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if resp.Choices[0].Message.Content != "Hello there" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "length" {
		t.Errorf("finish_reason = %q, want length", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 9 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestDecodeResponse_Error(t *testing.T) {
	_, err := DecodeResponse([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`), "m")
	if err == nil || !strings.Contains(err.Error(), "Overloaded") {
		t.Errorf("expected overloaded error, got %v", err)
	}
}

func TestStreamDecoder_SSE(t *testing.T) {
	d := NewStreamDecoder("claude-3-5-sonnet")

	frames := []string{
		"event: message_start",
		`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":1}}}`,
		"",
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`data: {"type":"ping"}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"!"}}`,
		`data: {"type":"content_block_stop","index":0}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
	}

	var chunks []*domain.StreamChunk
	for _, f := range frames {
		c, done, err := d.DecodeStreamChunk([]byte(f))
		if err != nil {
			t.Fatalf("DecodeStreamChunk(%q) failed: %v", f, err)
		}
		if done {
			t.Fatalf("unexpected done at %q", f)
		}
		if c != nil {
			chunks = append(chunks, c)
		}
	}

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if chunks[0].Content()+chunks[1].Content() != "Hi!" {
		t.Errorf("text = %q", chunks[0].Content()+chunks[1].Content())
	}
	if chunks[0].ID != "msg_1" {
		t.Errorf("id = %q", chunks[0].ID)
	}

	last := chunks[2]
	if last.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", last.Choices[0].FinishReason)
	}
	if last.Usage == nil || last.Usage.PromptTokens != 10 || last.Usage.CompletionTokens != 5 || last.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", last.Usage)
	}

	c, done, err := d.DecodeStreamChunk([]byte(`data: {"type":"message_stop"}`))
	if err != nil || !done || c != nil {
		t.Errorf("message_stop = %v, %v, %v", c, done, err)
	}
}

func TestStreamDecoder_BareJSON(t *testing.T) {
	d := NewStreamDecoder("m")

	c, _, err := d.DecodeStreamChunk([]byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"raw"}}`))
	if err != nil {
		t.Fatalf("DecodeStreamChunk failed: %v", err)
	}
	if c == nil || c.Content() != "raw" {
		t.Errorf("chunk = %+v", c)
	}
}

func TestStreamDecoder_ErrorEvent(t *testing.T) {
	d := NewStreamDecoder("m")
	_, _, err := d.DecodeStreamChunk([]byte(`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestMapStopReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "tool_use",
	}
	for in, want := range tests {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}
