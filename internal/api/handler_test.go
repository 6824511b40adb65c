package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/auth"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/gateway"
	"github.com/goccy/go-json"
)

// MockChatService implements ChatService for testing
type MockChatService struct {
	ChatCompletionFunc       func(ctx context.Context, tenantID string, req *domain.ChatRequest) (*domain.ChatResponse, error)
	ChatCompletionStreamFunc func(ctx context.Context, tenantID string, req *domain.ChatRequest) (ChunkStream, error)
	ListModelsFunc           func(ctx context.Context, tenantID string) ([]domain.Model, error)
	ChannelStatusesFunc      func(ctx context.Context, tenantID string) ([]domain.ChannelStatusView, error)
}

func (m *MockChatService) ChatCompletion(ctx context.Context, tenantID string, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.ChatCompletionFunc != nil {
		return m.ChatCompletionFunc(ctx, tenantID, req)
	}
	return nil, errors.New("not implemented")
}

func (m *MockChatService) ChatCompletionStream(ctx context.Context, tenantID string, req *domain.ChatRequest) (ChunkStream, error) {
	if m.ChatCompletionStreamFunc != nil {
		return m.ChatCompletionStreamFunc(ctx, tenantID, req)
	}
	return nil, errors.New("not implemented")
}

func (m *MockChatService) ListModels(ctx context.Context, tenantID string) ([]domain.Model, error) {
	if m.ListModelsFunc != nil {
		return m.ListModelsFunc(ctx, tenantID)
	}
	return nil, nil
}

func (m *MockChatService) ChannelStatuses(ctx context.Context, tenantID string) ([]domain.ChannelStatusView, error) {
	if m.ChannelStatusesFunc != nil {
		return m.ChannelStatusesFunc(ctx, tenantID)
	}
	return nil, nil
}

// mockStream replays chunks, then returns io.EOF.
type mockStream struct {
	chunks []domain.StreamChunk
	closed bool
}

func (m *mockStream) Recv() (domain.StreamChunk, error) {
	if len(m.chunks) == 0 {
		return domain.StreamChunk{}, io.EOF
	}
	c := m.chunks[0]
	m.chunks = m.chunks[1:]
	return c, nil
}

func (m *mockStream) Close() error {
	m.closed = true
	return nil
}

func (m *mockStream) Gateway() domain.Gateway {
	return domain.Gateway{ChannelID: "ch-1", Provider: "openai", Attempts: 1, RequestID: "req-1"}
}

func newTestHandler(svc ChatService) *Handler {
	return NewHandler(HandlerConfig{
		Gateway: svc,
		Tenants: auth.NewHeaderResolver(),
	})
}

func chatBody(stream bool) *bytes.Buffer {
	body, _ := json.Marshal(domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
		Stream:   stream,
	})
	return bytes.NewBuffer(body)
}

func chatPost(stream bool) *http.Request {
	req := httptest.NewRequest("POST", "/v1/chat/completions", chatBody(stream))
	req.Header.Set(auth.TenantHeader, "tenant-1")
	return req
}

func textChunk(content string) domain.StreamChunk {
	return domain.StreamChunk{
		ID:      "s1",
		Object:  "chat.completion.chunk",
		Choices: []domain.Choice{{Delta: &domain.Delta{Content: content}}},
	}
}

// sseEvents returns the payload of every data: line.
func sseEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
	}
	return events
}

func TestChatCompletions_Success(t *testing.T) {
	var gotTenant, gotRequestID string
	svc := &MockChatService{
		ChatCompletionFunc: func(ctx context.Context, tenantID string, req *domain.ChatRequest) (*domain.ChatResponse, error) {
			gotTenant = tenantID
			gotRequestID = gateway.RequestIDFromContext(ctx)
			return &domain.ChatResponse{
				ID:    "resp-1",
				Model: req.Model,
				Choices: []domain.Choice{{
					Message:      &domain.Message{Role: "assistant", Content: "hello"},
					FinishReason: "stop",
				}},
				Usage:   domain.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
				Gateway: &domain.Gateway{ChannelID: "ch-1", Attempts: 1},
			}, nil
		},
	}

	req := chatPost(false)
	req.Header.Set("X-Request-ID", "req-abc")
	rr := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	if gotTenant != "tenant-1" {
		t.Errorf("tenant = %q, want tenant-1", gotTenant)
	}
	if gotRequestID != "req-abc" || rr.Header().Get("X-Request-ID") != "req-abc" {
		t.Errorf("request id ctx=%q header=%q", gotRequestID, rr.Header().Get("X-Request-ID"))
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Gateway == nil || resp.Gateway.ChannelID != "ch-1" {
		t.Errorf("x_gateway = %+v", resp.Gateway)
	}
}

func TestChatCompletions_GeneratesRequestID(t *testing.T) {
	svc := &MockChatService{
		ChatCompletionFunc: func(ctx context.Context, tenantID string, req *domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{ID: "resp-1"}, nil
		},
	}

	rr := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rr, chatPost(false))

	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be generated")
	}
}

func TestChatCompletions_ErrorMapping(t *testing.T) {
	resetAt := time.Now().Add(time.Hour)

	tests := []struct {
		name     string
		err      error
		status   int
		errType  string
		quotaHdr string
	}{
		{
			name:     "quota exceeded",
			err:      &domain.QuotaExceededError{QuotaType: domain.QuotaDailyRequests, ResetAt: resetAt},
			status:   http.StatusTooManyRequests,
			errType:  "quota_exceeded",
			quotaHdr: "daily_requests",
		},
		{
			name:    "no available channel",
			err:     domain.ErrNoAvailableChannel,
			status:  http.StatusServiceUnavailable,
			errType: "no_available_channel",
		},
		{
			name:    "all channels failed",
			err:     &domain.AllChannelsFailedError{Attempts: 2, Last: &domain.UpstreamError{StatusCode: 500}},
			status:  http.StatusBadGateway,
			errType: "upstream_error",
		},
		{
			name:    "invalid request",
			err:     domain.ErrInvalidRequest,
			status:  http.StatusBadRequest,
			errType: "invalid_request",
		},
		{
			name:    "anything else",
			err:     domain.ErrCredentialUnavailable,
			status:  http.StatusInternalServerError,
			errType: "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockChatService{
				ChatCompletionFunc: func(ctx context.Context, tenantID string, req *domain.ChatRequest) (*domain.ChatResponse, error) {
					return nil, tt.err
				},
			}

			rr := httptest.NewRecorder()
			newTestHandler(svc).ServeHTTP(rr, chatPost(false))

			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}

			var body errorBody
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Type != tt.errType || body.Error.Code != tt.status {
				t.Errorf("error = %+v, want type %s code %d", body.Error, tt.errType, tt.status)
			}

			if got := rr.Header().Get("X-Quota-Type"); got != tt.quotaHdr {
				t.Errorf("X-Quota-Type = %q, want %q", got, tt.quotaHdr)
			}
			if tt.quotaHdr != "" {
				if rr.Header().Get("X-Quota-Reset") != resetAt.UTC().Format(time.RFC3339) {
					t.Errorf("X-Quota-Reset = %q", rr.Header().Get("X-Quota-Reset"))
				}
				if rr.Header().Get("Retry-After") == "" {
					t.Error("Retry-After missing")
				}
			}
		})
	}
}

func TestChatCompletions_UpstreamBodyNotExposed(t *testing.T) {
	svc := &MockChatService{
		ChatCompletionFunc: func(ctx context.Context, tenantID string, req *domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, &domain.AllChannelsFailedError{
				Attempts:  2,
				ChannelID: "ch-b",
				Last:      &domain.UpstreamError{StatusCode: 500, Body: `{"error":"internal key sk-live-123 rejected"}`},
			}
		},
	}

	rr := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rr, chatPost(false))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "sk-live-123") {
		t.Errorf("upstream body leaked: %s", rr.Body.String())
	}

	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Message != "upstream provider error (channel ch-b)" {
		t.Errorf("message = %q", body.Error.Message)
	}
}

func TestChatCompletions_MissingTenant(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/chat/completions", chatBody(false))
	rr := httptest.NewRecorder()
	newTestHandler(&MockChatService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestChatCompletions_InvalidAPIKey(t *testing.T) {
	h := NewHandler(HandlerConfig{
		Gateway: &MockChatService{},
		Tenants: auth.NewAPIKeyResolver(map[string]string{"sk-good": "tenant-1"}),
	})

	req := httptest.NewRequest("POST", "/v1/chat/completions", chatBody(false))
	req.Header.Set("Authorization", "Bearer sk-bad")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "invalid API key") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader("{not json"))
	req.Header.Set(auth.TenantHeader, "tenant-1")
	rr := httptest.NewRecorder()
	newTestHandler(&MockChatService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestChatCompletions_Stream(t *testing.T) {
	stream := &mockStream{chunks: []domain.StreamChunk{textChunk("Hel"), textChunk("lo")}}
	svc := &MockChatService{
		ChatCompletionStreamFunc: func(ctx context.Context, tenantID string, req *domain.ChatRequest) (ChunkStream, error) {
			return stream, nil
		},
	}

	rr := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rr, chatPost(true))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !stream.closed {
		t.Error("stream should be closed")
	}

	events := sseEvents(rr.Body.String())
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4: %q", len(events), events)
	}
	if !strings.Contains(events[0], `"Hel"`) || !strings.Contains(events[1], `"lo"`) {
		t.Errorf("chunk events = %q", events[:2])
	}
	if !strings.Contains(events[2], `"x_gateway"`) {
		t.Errorf("third event = %q, want x_gateway", events[2])
	}
	if events[3] != "[DONE]" {
		t.Errorf("last event = %q, want [DONE]", events[3])
	}
}

func TestChatCompletions_StreamMidStreamError(t *testing.T) {
	stream := &mockStream{chunks: []domain.StreamChunk{
		textChunk("a"),
		{Error: &domain.ErrorDetail{Message: "upstream stream interrupted (connection)", Type: "stream_error", Code: 502}},
	}}
	svc := &MockChatService{
		ChatCompletionStreamFunc: func(ctx context.Context, tenantID string, req *domain.ChatRequest) (ChunkStream, error) {
			return stream, nil
		},
	}

	rr := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rr, chatPost(true))

	events := sseEvents(rr.Body.String())
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3: %q", len(events), events)
	}

	var body errorBody
	if err := json.Unmarshal([]byte(events[1]), &body); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if body.Error.Type != "stream_error" || body.Error.Code != 502 {
		t.Errorf("error event = %+v", body.Error)
	}
	if strings.Contains(rr.Body.String(), `"x_gateway"`) {
		t.Errorf("x_gateway written after an error event: %q", events)
	}
	if events[2] != "[DONE]" {
		t.Errorf("last event = %q, want [DONE]", events[2])
	}
}

func TestChatCompletions_StreamPreflightError(t *testing.T) {
	svc := &MockChatService{
		ChatCompletionStreamFunc: func(ctx context.Context, tenantID string, req *domain.ChatRequest) (ChunkStream, error) {
			return nil, &domain.QuotaExceededError{QuotaType: domain.QuotaMonthlyTokens, ResetAt: time.Now().Add(time.Hour)}
		},
	}

	rr := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rr, chatPost(true))

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("X-Quota-Type") != "monthly_tokens" {
		t.Errorf("X-Quota-Type = %q", rr.Header().Get("X-Quota-Type"))
	}

	events := sseEvents(rr.Body.String())
	if len(events) != 2 || events[1] != "[DONE]" {
		t.Fatalf("events = %q, want error then [DONE]", events)
	}
	var body errorBody
	if err := json.Unmarshal([]byte(events[0]), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Type != "quota_exceeded" {
		t.Errorf("error type = %q", body.Error.Type)
	}
}

func TestListModels(t *testing.T) {
	svc := &MockChatService{
		ListModelsFunc: func(ctx context.Context, tenantID string) ([]domain.Model, error) {
			if tenantID != "tenant-1" {
				t.Errorf("tenant = %q", tenantID)
			}
			return []domain.Model{
				{ID: "claude-3", Object: "model", OwnedBy: "anthropic"},
				{ID: "gpt-4o", Object: "model", OwnedBy: "openai"},
			}, nil
		},
	}

	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set(auth.TenantHeader, "tenant-1")
	rr := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp domain.ModelsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestListModels_EmptyIsArray(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set(auth.TenantHeader, "tenant-1")
	rr := httptest.NewRecorder()
	newTestHandler(&MockChatService{}).ServeHTTP(rr, req)

	if !strings.Contains(rr.Body.String(), `"data":[]`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestChannelStatus(t *testing.T) {
	svc := &MockChatService{
		ChannelStatusesFunc: func(ctx context.Context, tenantID string) ([]domain.ChannelStatusView, error) {
			return []domain.ChannelStatusView{{
				Channel: &domain.Channel{ID: "ch-1", TenantID: tenantID, Credentials: "sk-secret"},
				Metrics: domain.ChannelMetrics{ChannelID: "ch-1", HealthStatus: domain.HealthHealthy},
			}}, nil
		},
	}

	req := httptest.NewRequest("GET", "/v1/channels/status", nil)
	req.Header.Set(auth.TenantHeader, "tenant-1")
	rr := httptest.NewRecorder()
	newTestHandler(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "sk-secret") {
		t.Error("credentials leaked into status view")
	}
	if !strings.Contains(rr.Body.String(), `"count":1`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestHealthLive(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestHandler(&MockChatService{}).ServeHTTP(rr, httptest.NewRequest("GET", "/health/live", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name       string
		checkErr   error
		wantStatus int
		wantState  string
	}{
		{"all ok", nil, http.StatusOK, "ready"},
		{"dependency down", errors.New("connection refused"), http.StatusServiceUnavailable, "not_ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(HandlerConfig{
				Gateway: &MockChatService{},
				Checkers: []HealthChecker{
					CheckerFunc{CheckName: "registry", Fn: func(ctx context.Context) error { return nil }},
					CheckerFunc{CheckName: "redis", Fn: func(ctx context.Context) error { return tt.checkErr }},
				},
			})

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest("GET", "/health/ready", nil))

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}

			var status HealthStatus
			if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if status.Status != tt.wantState || len(status.Checks) != 2 {
				t.Errorf("status = %+v", status)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestHandler(&MockChatService{}).ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d", rr.Code)
	}
}
