package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/auth"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/gateway"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 10 << 20

// ChunkStream is the caller side of a streaming completion.
type ChunkStream interface {
	Recv() (domain.StreamChunk, error)
	Close() error
	Gateway() domain.Gateway
}

type ChatService interface {
	ChatCompletion(ctx context.Context, tenantID string, req *domain.ChatRequest) (*domain.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, tenantID string, req *domain.ChatRequest) (ChunkStream, error)
	ListModels(ctx context.Context, tenantID string) ([]domain.Model, error)
	ChannelStatuses(ctx context.Context, tenantID string) ([]domain.ChannelStatusView, error)
}

type gatewayService struct {
	*gateway.Service
}

// FromGateway adapts the orchestrator to ChatService.
func FromGateway(svc *gateway.Service) ChatService {
	return gatewayService{svc}
}

func (g gatewayService) ChatCompletionStream(ctx context.Context, tenantID string, req *domain.ChatRequest) (ChunkStream, error) {
	s, err := g.Service.ChatCompletionStream(ctx, tenantID, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type HandlerConfig struct {
	Gateway ChatService
	Tenants auth.TenantResolver

	// Admin is mounted under /admin/ when set.
	Admin http.Handler

	Checkers     []HealthChecker
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

type Handler struct {
	gateway ChatService
	tenants auth.TenantResolver
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}

	h := &Handler{
		gateway: cfg.Gateway,
		tenants: cfg.Tenants,
		logger:  cfg.Logger,
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/channels/status", h.handleChannelStatus)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, cfg.ReadyTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)
	ctx := gateway.WithRequestID(r.Context(), requestID)

	tenantID, ok := h.resolveTenant(w, r, requestID)
	if !ok {
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if req.Stream {
		h.handleStream(ctx, w, tenantID, &req)
		return
	}

	resp, err := h.gateway.ChatCompletion(ctx, tenantID, &req)
	if err != nil {
		h.logFailure(err, requestID, tenantID)
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleStream(ctx context.Context, w http.ResponseWriter, tenantID string, req *domain.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	requestID := gateway.RequestIDFromContext(ctx)

	stream, err := h.gateway.ChatCompletionStream(ctx, tenantID, req)
	if err != nil {
		h.logFailure(err, requestID, tenantID)
		status, detail := classify(err)
		setQuotaHeaders(w, err)
		w.WriteHeader(status)
		writeEvent(w, errorBody{Error: detail})
		writeDone(w)
		flusher.Flush()
		return
	}
	defer stream.Close()

	w.WriteHeader(http.StatusOK)
	failed := false
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.logger.Info("stream ended early", "request_id", requestID, "tenant_id", tenantID, "error", err)
			return
		}

		if chunk.Error != nil {
			failed = true
			err = writeEvent(w, errorBody{Error: *chunk.Error})
		} else {
			err = writeEvent(w, chunk)
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}

	// The error event is the last one before [DONE] on a failed stream.
	if !failed {
		writeEvent(w, map[string]domain.Gateway{"x_gateway": stream.Gateway()})
	}
	writeDone(w)
	flusher.Flush()
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.resolveTenant(w, r, "")
	if !ok {
		return
	}

	models, err := h.gateway.ListModels(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("list models failed", "tenant_id", tenantID, "error", err)
		writeGatewayError(w, err)
		return
	}
	if models == nil {
		models = []domain.Model{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(domain.ModelsResponse{
		Object: "list",
		Data:   models,
	})
}

func (h *Handler) handleChannelStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.resolveTenant(w, r, "")
	if !ok {
		return
	}

	views, err := h.gateway.ChannelStatuses(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("channel status failed", "tenant_id", tenantID, "error", err)
		writeGatewayError(w, err)
		return
	}
	if views == nil {
		views = []domain.ChannelStatusView{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tenant_id": tenantID,
		"channels":  views,
		"count":     len(views),
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) resolveTenant(w http.ResponseWriter, r *http.Request, requestID string) (string, bool) {
	if h.tenants == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "tenant resolution not configured")
		return "", false
	}

	tenantID, err := h.tenants.ResolveTenant(r)
	switch {
	case err == nil:
		return tenantID, true
	case errors.Is(err, auth.ErrNoCredentials):
		writeError(w, http.StatusUnauthorized, "authentication_error", "missing tenant credentials")
	case errors.Is(err, domain.ErrInvalidAPIKey):
		h.logger.Warn("invalid API key", "request_id", requestID)
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
	default:
		h.logger.Error("tenant resolution failed", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
	return "", false
}

func (h *Handler) logFailure(err error, requestID, tenantID string) {
	status, _ := classify(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(context.Background(), level, "chat completion failed",
		"request_id", requestID,
		"tenant_id", tenantID,
		"status", status,
		"error", err,
	)
}

type errorBody struct {
	Error domain.ErrorDetail `json:"error"`
}

// classify maps a gateway error onto the HTTP status and error payload
// returned to the caller.
func classify(err error) (int, domain.ErrorDetail) {
	var quotaErr *domain.QuotaExceededError

	status, typ, msg := http.StatusInternalServerError, "internal_error", "internal error"
	switch {
	case errors.As(err, &quotaErr):
		status, typ, msg = http.StatusTooManyRequests, "quota_exceeded", quotaErr.Error()
	case errors.Is(err, domain.ErrQuotaExceeded):
		status, typ, msg = http.StatusTooManyRequests, "quota_exceeded", err.Error()
	case errors.Is(err, domain.ErrAllChannelsFailed):
		status, typ, msg = http.StatusBadGateway, "upstream_error", upstreamMessage(err)
	case errors.Is(err, domain.ErrNoAvailableChannel):
		status, typ, msg = http.StatusServiceUnavailable, "no_available_channel", err.Error()
	case errors.Is(err, domain.ErrInvalidRequest):
		status, typ, msg = http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, domain.ErrInvalidAPIKey):
		status, typ, msg = http.StatusUnauthorized, "authentication_error", "invalid API key"
	}

	return status, domain.ErrorDetail{Message: msg, Type: typ, Code: status}
}

// upstreamMessage hides provider response bodies from the caller; the full
// error is logged by logFailure.
func upstreamMessage(err error) string {
	var failed *domain.AllChannelsFailedError
	if errors.As(err, &failed) && failed.ChannelID != "" {
		return "upstream provider error (channel " + failed.ChannelID + ")"
	}
	return "upstream provider error"
}

func setQuotaHeaders(w http.ResponseWriter, err error) {
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		return
	}

	w.Header().Set("X-Quota-Type", string(quotaErr.QuotaType))
	w.Header().Set("X-Quota-Reset", quotaErr.ResetAt.UTC().Format(time.RFC3339))

	retry := max(int64(math.Ceil(time.Until(quotaErr.ResetAt).Seconds())), 1)
	w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
}

func writeGatewayError(w http.ResponseWriter, err error) {
	status, detail := classify(err)
	setQuotaHeaders(w, err)
	writeError(w, status, detail.Type, detail.Message)
}

func writeError(w http.ResponseWriter, status int, typ, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: domain.ErrorDetail{
		Message: message,
		Type:    typ,
		Code:    status,
	}})
}

func writeEvent(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

func writeDone(w io.Writer) {
	w.Write([]byte("data: [DONE]\n\n"))
}
