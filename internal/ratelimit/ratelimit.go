// Package ratelimit enforces each channel's max_requests_per_minute.
// A throttled channel is skipped by the orchestrator, not failed.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// ChannelLimiter reports whether one more request may be sent to a channel.
// rpm <= 0 means unlimited.
type ChannelLimiter interface {
	Allow(ctx context.Context, channelID string, rpm int) (bool, error)
}

// InMemoryLimiter keeps a token bucket per channel refilled at rpm/60 per
// second with a burst of rpm. Suitable for single-instance deployments.
type InMemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*bucket
}

type bucket struct {
	rpm     int
	limiter *rate.Limiter
}

func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{
		limiters: make(map[string]*bucket),
	}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, channelID string, rpm int) (bool, error) {
	if rpm <= 0 {
		return true, nil
	}

	l.mu.Lock()
	b, ok := l.limiters[channelID]
	if !ok || b.rpm != rpm {
		b = &bucket{
			rpm:     rpm,
			limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		}
		l.limiters[channelID] = b
	}
	l.mu.Unlock()

	return b.limiter.Allow(), nil
}

// Forget drops a channel's bucket, e.g. after the channel is deleted.
func (l *InMemoryLimiter) Forget(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, channelID)
}
