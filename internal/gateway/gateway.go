// Package gateway routes a tenant's chat completion through quota checks,
// channel selection and at most one failover before any output reaches the
// caller.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/channelmetrics"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/healthcheck"
	"github.com/felipepmaragno/channel-gateway/internal/metrics"
	"github.com/felipepmaragno/channel-gateway/internal/queue"
	"github.com/felipepmaragno/channel-gateway/internal/quota"
	"github.com/felipepmaragno/channel-gateway/internal/quotaalert"
	"github.com/felipepmaragno/channel-gateway/internal/ratelimit"
	"github.com/felipepmaragno/channel-gateway/internal/registry"
	"github.com/felipepmaragno/channel-gateway/internal/selector"
	"github.com/felipepmaragno/channel-gateway/internal/telemetry"
	"github.com/felipepmaragno/channel-gateway/internal/upstream"
	"github.com/google/uuid"
)

const (
	DefaultRequestTimeout = 30 * time.Second

	commitTimeout = 5 * time.Second
)

var tokenQuotas = []domain.QuotaType{domain.QuotaDailyTokens, domain.QuotaMonthlyTokens}

type Config struct {
	Registry registry.Registry
	Upstream *upstream.Client
	Ledger   quota.Ledger
	Metrics  channelmetrics.Store

	// Optional collaborators.
	Limiter  ratelimit.ChannelLimiter
	Reporter *healthcheck.Reporter
	Alerts   *quotaalert.Monitor
	Usage    queue.UsagePublisher
	Logger   *slog.Logger

	SelectorOptions []selector.Option
	RequestTimeout  time.Duration

	// MaxFailovers is how many further channels are tried after a retryable
	// failure. Zero disables failover.
	MaxFailovers int
}

type Service struct {
	registry       registry.Registry
	selector       *selector.Selector
	upstream       *upstream.Client
	ledger         quota.Ledger
	metrics        channelmetrics.Store
	limiter        ratelimit.ChannelLimiter
	reporter       *healthcheck.Reporter
	alerts         *quotaalert.Monitor
	usage          queue.UsagePublisher
	logger         *slog.Logger
	requestTimeout time.Duration
	maxFailovers   int
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxFailovers < 0 {
		cfg.MaxFailovers = 0
	}
	if cfg.Reporter == nil {
		cfg.Reporter = healthcheck.NewReporter(nil, cfg.Logger)
	}

	return &Service{
		registry:       cfg.Registry,
		selector:       selector.New(cfg.Registry, cfg.Metrics, cfg.SelectorOptions...),
		upstream:       cfg.Upstream,
		ledger:         cfg.Ledger,
		metrics:        cfg.Metrics,
		limiter:        cfg.Limiter,
		reporter:       cfg.Reporter,
		alerts:         cfg.Alerts,
		usage:          cfg.Usage,
		logger:         cfg.Logger,
		requestTimeout: cfg.RequestTimeout,
		maxFailovers:   cfg.MaxFailovers,
	}
}

func validateRequest(req *domain.ChatRequest) error {
	if req == nil || req.Model == "" {
		return fmt.Errorf("%w: model is required", domain.ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", domain.ErrInvalidRequest)
	}
	return nil
}

// ChatCompletion dispatches req to one of the tenant's channels. Retryable
// upstream failures move on to another channel while the failover budget
// lasts; every other failure is returned as is.
func (s *Service) ChatCompletion(ctx context.Context, tenantID string, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	model := ""
	if req != nil {
		model = req.Model
	}
	r := s.begin(ctx, tenantID, model, false)

	if err := validateRequest(req); err != nil {
		r.enter(StateFailedTerminal)
		r.end("invalid", "", err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(r.ctx, s.requestTimeout)
	defer cancel()

	if err := s.admit(ctx, r); err != nil {
		r.enter(StateFailedTerminal)
		r.end(outcome(err), "", err)
		return nil, err
	}
	r.enter(StateQuotaChecked)

	exclude := make(map[string]struct{})
	var lastChannel string

	for {
		ch, err := s.pick(ctx, r, exclude)
		if err != nil {
			err = s.exhausted(r, err)
			r.end(outcome(err), lastChannel, err)
			return nil, err
		}
		r.attempts++
		lastChannel = ch.ID
		r.enter(StateChannelSelected)

		resp, latency, err := s.attempt(ctx, r, ch, req)
		if err != nil {
			if err := s.failed(ctx, r, ch, latency, err, exclude); err != nil {
				r.end(outcome(err), ch.ID, err)
				return nil, err
			}
			continue
		}

		r.enter(StateSucceeded)
		usage := resp.Usage.Normalize()
		resp.Usage = usage
		s.settle(ctx, r, ch, usage, false, latency, "success", nil)

		resp.Gateway = &domain.Gateway{
			ChannelID: ch.ID,
			Provider:  ch.ProviderID,
			LatencyMs: time.Since(r.start).Milliseconds(),
			Attempts:  r.attempts,
			RequestID: r.requestID,
			TraceID:   telemetry.GetTraceID(r.ctx),
		}

		r.logger.Info("request completed",
			"channel_id", ch.ID,
			"provider", ch.ProviderID,
			"attempt", r.attempts,
			"latency_ms", resp.Gateway.LatencyMs,
			"total_tokens", usage.TotalTokens,
		)
		r.end("success", ch.ID, nil)
		return resp, nil
	}
}

// failed handles an attempt that produced no output. It returns nil when
// another channel should be tried and the terminal error otherwise.
func (s *Service) failed(ctx context.Context, r *run, ch *domain.Channel, latency time.Duration, err error, exclude map[string]struct{}) error {
	if errors.Is(err, context.Canceled) {
		r.enter(StateFailedTerminal)
		r.logger.Info("request canceled by caller", "channel_id", ch.ID)
		return err
	}

	if !domain.IsRetryable(err) {
		r.enter(StateFailedTerminal)
		r.logger.Error("request failed", "channel_id", ch.ID, "error", err)
		return err
	}

	r.enter(StateFailedRetryable)
	s.recordFailure(ctx, r, ch, latency, err)
	exclude[ch.ID] = struct{}{}
	r.lastErr = err
	r.lastChannel = ch.ID

	if r.attempts > s.maxFailovers || ctx.Err() != nil {
		r.enter(StateFailedTerminal)
		r.logger.Error("all channels failed", "attempt", r.attempts, "error", err)
		return &domain.AllChannelsFailedError{Attempts: r.attempts, ChannelID: ch.ID, Last: err}
	}

	metrics.RecordFailover()
	return nil
}

// attempt makes one upstream call under its own span.
func (s *Service) attempt(ctx context.Context, r *run, ch *domain.Channel, req *domain.ChatRequest) (*domain.ChatResponse, time.Duration, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.attempt")
	defer span.End()
	telemetry.AddChannelAttributes(span, ch.ID, ch.ProviderID, r.attempts)

	r.enter(StateDispatched)
	start := time.Now()
	resp, err := s.upstream.Send(ctx, ch, req)
	latency := time.Since(start)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, latency, err
	}
	telemetry.AddTokenAttributes(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, latency, nil
}

// exhausted turns a selection failure into the terminal error. Running out of
// channels after a failed attempt is reported as AllChannelsFailed.
func (s *Service) exhausted(r *run, selectErr error) error {
	r.enter(StateFailedTerminal)
	if r.lastErr != nil && errors.Is(selectErr, domain.ErrNoAvailableChannel) {
		r.logger.Error("all channels failed", "attempt", r.attempts, "error", r.lastErr)
		return &domain.AllChannelsFailedError{Attempts: r.attempts, ChannelID: r.lastChannel, Last: r.lastErr}
	}
	r.logger.Warn("no channel selected", "error", selectErr)
	return selectErr
}

// admit reserves one request on the daily and monthly counters and peeks the
// token counters. Nothing stays reserved when admission fails.
func (s *Service) admit(ctx context.Context, r *run) error {
	var reserved []domain.QuotaType
	rollback := func() {
		for _, qt := range reserved {
			if err := s.ledger.Release(context.WithoutCancel(ctx), r.tenantID, qt, 1); err != nil {
				r.logger.Error("release request quota", "quota_type", qt, "error", err)
			}
		}
	}

	for _, qt := range []domain.QuotaType{domain.QuotaDailyRequests, domain.QuotaMonthlyRequests} {
		d, err := s.ledger.CheckAndReserve(ctx, r.tenantID, qt, 1)
		if err != nil {
			rollback()
			return fmt.Errorf("reserve %s: %w", qt, err)
		}
		if !d.Allowed {
			rollback()
			return s.rejected(r, qt, d)
		}
		reserved = append(reserved, qt)
	}

	for _, qt := range tokenQuotas {
		d, err := s.ledger.CheckAndReserve(ctx, r.tenantID, qt, 0)
		if err != nil {
			rollback()
			return fmt.Errorf("check %s: %w", qt, err)
		}
		if !d.Allowed {
			rollback()
			return s.rejected(r, qt, d)
		}
	}
	return nil
}

func (s *Service) rejected(r *run, qt domain.QuotaType, d domain.QuotaDecision) error {
	metrics.RecordQuotaRejection(string(qt))
	r.logger.Warn("quota exceeded", "quota_type", qt, "reset_at", d.ResetAt)
	return &domain.QuotaExceededError{QuotaType: qt, Remaining: d.Remaining, ResetAt: d.ResetAt}
}

// pick selects a channel, skipping channels over their per-minute cap.
// Throttled channels join the exclusion set without spending failover budget.
func (s *Service) pick(ctx context.Context, r *run, exclude map[string]struct{}) (*domain.Channel, error) {
	for {
		ch, err := s.selector.Select(ctx, r.tenantID, r.model, exclude)
		if err != nil {
			return nil, err
		}
		if s.limiter == nil || ch.MaxRequestsPerMinute <= 0 {
			return ch, nil
		}

		ok, err := s.limiter.Allow(ctx, ch.ID, ch.MaxRequestsPerMinute)
		if err != nil {
			r.logger.Warn("channel rate limiter unavailable", "channel_id", ch.ID, "error", err)
			return ch, nil
		}
		if ok {
			return ch, nil
		}

		metrics.RecordThrottled(ch.ID)
		r.logger.Debug("channel throttled", "channel_id", ch.ID, "max_rpm", ch.MaxRequestsPerMinute)
		exclude[ch.ID] = struct{}{}
	}
}

func (s *Service) recordFailure(ctx context.Context, r *run, ch *domain.Channel, latency time.Duration, cause error) {
	ctx = context.WithoutCancel(ctx)
	metrics.RecordUpstreamError(ch.ID, domain.ErrorKind(cause))

	t, err := s.metrics.RecordFailure(ctx, ch.ID, latency)
	if err != nil {
		r.logger.Error("record channel failure", "channel_id", ch.ID, "error", err)
		return
	}
	s.reporter.Report(ctx, ch, t)

	r.logger.Warn("channel attempt failed",
		"channel_id", ch.ID,
		"provider", ch.ProviderID,
		"attempt", r.attempts,
		"latency_ms", latency.Milliseconds(),
		"error", cause,
	)
}

// settle commits usage once a channel has produced output: channel metrics,
// token quotas, Prometheus counters, the usage event and quota alerts. A nil
// cause records a success; context.Canceled records nothing against the
// channel.
func (s *Service) settle(ctx context.Context, r *run, ch *domain.Channel, usage domain.Usage, estimated bool, latency time.Duration, status string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	total := int64(usage.TotalTokens)

	switch {
	case cause == nil:
		t, err := s.metrics.RecordSuccess(ctx, ch.ID, latency, total)
		if err != nil {
			r.logger.Error("record channel success", "channel_id", ch.ID, "error", err)
		} else {
			s.reporter.Report(ctx, ch, t)
		}
	case errors.Is(cause, context.Canceled):
	default:
		s.recordFailure(ctx, r, ch, latency, cause)
	}

	if total > 0 {
		for _, qt := range tokenQuotas {
			ok, err := s.ledger.Consume(ctx, r.tenantID, qt, total)
			if err != nil {
				r.logger.Error("commit token usage", "quota_type", qt, "tokens", total, "error", err)
				continue
			}
			if !ok {
				r.logger.Warn("token usage exceeds quota, marking exhausted", "quota_type", qt, "tokens", total)
				if err := s.ledger.Exhaust(ctx, r.tenantID, qt); err != nil {
					r.logger.Error("exhaust token quota", "quota_type", qt, "error", err)
				}
			}
		}
	}

	metrics.RecordTokens(usage.PromptTokens, usage.CompletionTokens)
	s.observeQuotas(ctx, r)

	if s.usage != nil {
		err := s.usage.Publish(ctx, queue.UsageEvent{
			ID:               uuid.NewString(),
			RequestID:        r.requestID,
			TenantID:         r.tenantID,
			ChannelID:        ch.ID,
			Provider:         ch.ProviderID,
			Model:            r.model,
			Stream:           r.stream,
			Status:           status,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
			Estimated:        estimated,
			LatencyMs:        latency.Milliseconds(),
			Attempts:         r.attempts,
			CreatedAt:        time.Now().UTC(),
		})
		if err != nil {
			r.logger.Error("publish usage event", "error", err)
		}
	}
}

// observeQuotas refreshes the usage gauges and runs threshold alerts.
func (s *Service) observeQuotas(ctx context.Context, r *run) {
	quotas, err := s.ledger.List(ctx, r.tenantID)
	if err != nil {
		r.logger.Error("list quotas", "error", err)
		return
	}
	for _, q := range quotas {
		metrics.SetQuotaUsage(r.tenantID, string(q.QuotaType), quota.UsageRatio(q))
		if s.alerts != nil {
			s.alerts.Evaluate(ctx, q)
		}
	}
}

// outcome is the status label recorded for a finished request.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, domain.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, domain.ErrNoAvailableChannel):
		return "no_channel"
	case errors.Is(err, domain.ErrAllChannelsFailed):
		return "failed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
