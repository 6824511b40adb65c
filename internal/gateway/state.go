package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/metrics"
	"github.com/felipepmaragno/channel-gateway/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// State is a request's position in the dispatch lifecycle.
type State int

const (
	StateInit State = iota
	StateQuotaChecked
	StateChannelSelected
	StateDispatched
	StateSucceeded
	StateFailedRetryable
	StateFailedTerminal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateQuotaChecked:
		return "quota_checked"
	case StateChannelSelected:
		return "channel_selected"
	case StateDispatched:
		return "dispatched"
	case StateSucceeded:
		return "succeeded"
	case StateFailedRetryable:
		return "failed_retryable"
	case StateFailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}

type requestIDKey struct{}

// WithRequestID attaches the caller's request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// run carries the per-request bookkeeping shared by the sync and stream paths.
type run struct {
	ctx         context.Context
	span        trace.Span
	logger      *slog.Logger
	tenantID    string
	requestID   string
	model       string
	stream      bool
	start       time.Time
	state       State
	attempts    int
	lastErr     error
	lastChannel string
}

func (s *Service) begin(ctx context.Context, tenantID, model string, stream bool) *run {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = WithRequestID(ctx, requestID)
	}

	ctx, span := telemetry.StartSpan(ctx, "gateway.chat_completion")
	telemetry.AddRequestAttributes(span, tenantID, model, requestID, stream)

	r := &run{
		ctx:       ctx,
		span:      span,
		tenantID:  tenantID,
		requestID: requestID,
		model:     model,
		stream:    stream,
		start:     time.Now(),
		logger: s.logger.With(
			"request_id", requestID,
			"tenant_id", tenantID,
			"model", model,
		),
	}
	r.enter(StateInit)
	return r
}

func (r *run) enter(state State) {
	r.state = state
	r.logger.Debug("request state", "state", state.String(), "attempt", r.attempts)
	telemetry.AddStateAttribute(r.span, state.String())
}

// end closes the request span and records the request outcome.
func (r *run) end(status, channelID string, err error) {
	if err != nil {
		telemetry.AddErrorAttribute(r.span, err)
	}
	metrics.RecordRequest(r.tenantID, channelID, r.model, status, r.stream, time.Since(r.start).Seconds())
	r.span.End()
}
