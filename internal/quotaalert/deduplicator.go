package quotaalert

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator makes each alert level fire once per key, across
// gateway instances when backed by Redis.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this key and level were not alerted yet,
	// and marks them as alerted.
	ShouldAlert(ctx context.Context, key string, level AlertLevel) bool

	// ClearAlert forgets every level for key, e.g. after a refund drops usage
	// below the warning threshold.
	ClearAlert(ctx context.Context, key string)
}

var allLevels = []AlertLevel{AlertLevelWarning, AlertLevelCritical, AlertLevelExceeded}

// InMemoryDeduplicator is suitable for single-instance deployments.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]struct{}
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[string]struct{}),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, key string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := key + ":" + string(level)
	if _, ok := d.sent[k]; ok {
		return false
	}
	d.sent[k] = struct{}{}
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, level := range allLevels {
		delete(d.sent, key+":"+string(level))
	}
}

type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator marks alerts as sent for lockTTL. Keys already embed
// the quota period, so the TTL only bounds storage.
func NewRedisDeduplicator(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(key string, level AlertLevel) string {
	return "quota:alert:" + key + ":" + string(level)
}

// ShouldAlert uses SETNX so only one instance wins. Redis errors fail open.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, key string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(key, level), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, key string) {
	keys := make([]string, 0, len(allLevels))
	for _, level := range allLevels {
		keys = append(keys, d.alertKey(key, level))
	}
	d.client.Del(ctx, keys...)
}
