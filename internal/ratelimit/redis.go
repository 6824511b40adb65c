package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the window, admits the request only if the
// window has room, and refreshes the key's TTL.
// Keys: [window_key]
// Args: [now_ns, window_start_ns, limit, member, ttl_ms]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
if count >= tonumber(ARGV[3]) then
    return 0
end
redis.call('ZADD', key, ARGV[1], ARGV[4])
redis.call('PEXPIRE', key, ARGV[5])
return 1
`)

// RedisLimiter is a sliding one-minute window shared by every gateway
// instance.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		window: time.Minute,
		now:    time.Now,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, channelID string, rpm int) (bool, error) {
	if rpm <= 0 {
		return true, nil
	}

	now := r.now()
	res, err := slidingWindowScript.Run(ctx, r.client, []string{"ratelimit:channel:" + channelID},
		now.UnixNano(),
		now.Add(-r.window).UnixNano(),
		rpm,
		fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
		r.window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("channel rate limit: %w", err)
	}
	return res == 1, nil
}
