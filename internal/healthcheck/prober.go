// Package healthcheck probes every active channel in the background and
// feeds the outcomes into the same metrics store live traffic uses.
package healthcheck

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/channelmetrics"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/metrics"
	"github.com/felipepmaragno/channel-gateway/internal/registry"
	"github.com/felipepmaragno/channel-gateway/internal/telemetry"
)

var ErrAlreadyRunning = errors.New("prober already running")

// Sender is the upstream call a probe makes.
type Sender interface {
	Send(ctx context.Context, ch *domain.Channel, req *domain.ChatRequest) (*domain.ChatResponse, error)
}

type Config struct {
	Enabled     bool
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Concurrency: 4,
	}
}

type Result struct {
	ChannelID  string
	OK         bool
	Latency    time.Duration
	Err        error
	Transition channelmetrics.Transition
}

type Prober struct {
	cfg      Config
	registry registry.Registry
	sender   Sender
	store    channelmetrics.Store
	reporter *Reporter
	logger   *slog.Logger
	running  atomic.Bool
	done     chan struct{}
}

func New(cfg Config, reg registry.Registry, sender Sender, store channelmetrics.Store, reporter *Reporter, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = NewReporter(nil, logger)
	}
	return &Prober{
		cfg:      cfg,
		registry: reg,
		sender:   sender,
		store:    store,
		reporter: reporter,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start probes once immediately and then every Interval until ctx is done.
func (p *Prober) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		p.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("health prober stopped")
				return
			case <-ticker.C:
				p.RunOnce(ctx)
			}
		}
	}()

	p.logger.Info("health prober started", "interval", p.cfg.Interval, "timeout", p.cfg.Timeout)
	return nil
}

// Done is closed when a started prober exits.
func (p *Prober) Done() <-chan struct{} {
	return p.done
}

// RunOnce probes every active channel with bounded concurrency.
func (p *Prober) RunOnce(ctx context.Context) []Result {
	channels, err := p.registry.ListActive(ctx)
	if err != nil {
		p.logger.Error("list channels for probing", "error", err)
		return nil
	}

	results := make([]Result, len(channels))
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, ch := range channels {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.Probe(ctx, ch)
		}()
	}
	wg.Wait()

	return results
}

// Probe sends a one-token request to ch and records the outcome.
func (p *Prober) Probe(ctx context.Context, ch *domain.Channel) Result {
	ctx, span := telemetry.StartSpan(ctx, "healthcheck.probe")
	defer span.End()
	telemetry.AddChannelAttributes(span, ch.ID, ch.ProviderID, 0)

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if len(ch.Models) == 0 {
		return Result{ChannelID: ch.ID, Err: domain.ErrInvalidChannel}
	}

	maxTokens := 1
	req := &domain.ChatRequest{
		Model:     ch.Models[0],
		Messages:  []domain.Message{{Role: "user", Content: "ping"}},
		MaxTokens: &maxTokens,
	}

	start := time.Now()
	_, err := p.sender.Send(probeCtx, ch, req)
	res := Result{ChannelID: ch.ID, OK: err == nil, Latency: time.Since(start), Err: err}

	// Shutdown is not a channel failure.
	if ctx.Err() != nil {
		return res
	}

	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		p.logger.Debug("probe failed", "channel_id", ch.ID, "provider", ch.ProviderID, "error", err)
	}
	metrics.RecordProbe(ch.ID, res.OK)

	tr, recErr := p.store.RecordProbe(ctx, ch.ID, res.OK, res.Latency)
	if recErr != nil {
		p.logger.Error("record probe", "channel_id", ch.ID, "error", recErr)
		return res
	}
	res.Transition = tr
	p.reporter.Report(ctx, ch, tr)

	return res
}
