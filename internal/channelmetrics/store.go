// Package channelmetrics tracks per-channel request counters, latency and
// health status. Live traffic and health probes feed the same counters, so a
// channel has exactly one health signal regardless of where samples come from.
//
// Health is evaluated over a tumbling window of recent samples:
//
//   - once the window holds MinSamples samples, an error rate at or above
//     UnhealthyErrorRate marks the channel unhealthy and starts a fresh window;
//   - an unhealthy channel is re-qualified only by a success that completes a
//     fresh window of MinSamples samples with an error rate below the threshold,
//     so a single success never restores it;
//   - before MinSamples is reached, the first success moves unknown to healthy.
package channelmetrics

import (
	"context"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
)

// Store records channel outcomes. Every Record call returns the health
// transition it caused so callers can log or notify on flips.
type Store interface {
	RecordSuccess(ctx context.Context, channelID string, latency time.Duration, tokens int64) (Transition, error)
	RecordFailure(ctx context.Context, channelID string, latency time.Duration) (Transition, error)
	RecordProbe(ctx context.Context, channelID string, ok bool, latency time.Duration) (Transition, error)
	Get(ctx context.Context, channelID string) (domain.ChannelMetrics, error)
	Health(ctx context.Context, channelID string) domain.HealthStatus
	Delete(ctx context.Context, channelID string) error
}

type Transition struct {
	From domain.HealthStatus
	To   domain.HealthStatus
}

func (t Transition) Changed() bool {
	return t.From != t.To
}

type HealthPolicy struct {
	MinSamples         int64
	UnhealthyErrorRate float64
	DegradedErrorRate  float64
	WindowSize         int64
	LatencyAlpha       float64
}

func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		MinSamples:         5,
		UnhealthyErrorRate: 0.2,
		DegradedErrorRate:  0.05,
		WindowSize:         20,
		LatencyAlpha:       0.2,
	}
}

// evaluate computes the status after a sample has been added to the window.
func (p HealthPolicy) evaluate(current domain.HealthStatus, success bool, windowRequests, windowErrors int64) (next domain.HealthStatus, resetWindow bool) {
	if current == "" {
		current = domain.HealthUnknown
	}

	if windowRequests < p.MinSamples {
		if current == domain.HealthUnknown && success {
			return domain.HealthHealthy, false
		}
		return current, false
	}

	rate := float64(windowErrors) / float64(windowRequests)
	if rate >= p.UnhealthyErrorRate {
		return domain.HealthUnhealthy, true
	}

	next = current
	if current != domain.HealthUnhealthy || success {
		next = domain.HealthHealthy
		if rate >= p.DegradedErrorRate {
			next = domain.HealthDegraded
		}
	}

	return next, windowRequests >= p.WindowSize
}

func (p HealthPolicy) ema(prev, sample float64, hasPrev bool) float64 {
	if !hasPrev {
		return sample
	}
	return p.LatencyAlpha*sample + (1-p.LatencyAlpha)*prev
}

func successRate(requests, errors int64) float64 {
	if requests == 0 {
		return 1
	}
	return 1 - float64(errors)/float64(requests)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
