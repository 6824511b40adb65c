package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AsyncPublisher hands events to a background worker so request paths never
// wait on the queue. Events are dropped when the buffer is full.
type AsyncPublisher struct {
	inner   UsagePublisher
	events  chan UsageEvent
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once
}

func NewAsyncPublisher(inner UsagePublisher, buffer int, logger *slog.Logger) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &AsyncPublisher{
		inner:   inner,
		events:  make(chan UsageEvent, buffer),
		timeout: 5 * time.Second,
		logger:  logger,
	}

	p.wg.Add(1)
	go p.run()
	return p
}

func (p *AsyncPublisher) run() {
	defer p.wg.Done()
	for ev := range p.events {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.inner.Publish(ctx, ev); err != nil {
			p.logger.Error("publish usage event", "request_id", ev.RequestID, "tenant_id", ev.TenantID, "error", err)
		}
		cancel()
	}
}

// Publish never blocks.
func (p *AsyncPublisher) Publish(ctx context.Context, event UsageEvent) error {
	select {
	case p.events <- event:
	default:
		p.logger.Warn("usage event buffer full, dropping event", "request_id", event.RequestID, "tenant_id", event.TenantID)
	}
	return nil
}

// Close flushes buffered events. Publish must not be called afterwards.
func (p *AsyncPublisher) Close() {
	p.once.Do(func() {
		close(p.events)
		p.wg.Wait()
	})
}
