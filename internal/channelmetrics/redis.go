package channelmetrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// recordScript applies one sample to a channel hash and re-evaluates health
// in a single atomic step, so counters stay exact across gateway instances.
// Keys: [metrics_key]
// Args: [success, latency_ms, tokens, now_ms, probe, min_samples, unhealthy_rate, degraded_rate, window_size, alpha]
// Returns: {previous_health, new_health}
var recordScript = redis.NewScript(`
local key = KEYS[1]
local success = ARGV[1] == '1'
local latency = tonumber(ARGV[2])
local tokens = tonumber(ARGV[3])
local now = ARGV[4]
local probe = ARGV[5] == '1'
local minSamples = tonumber(ARGV[6])
local unhealthyRate = tonumber(ARGV[7])
local degradedRate = tonumber(ARGV[8])
local windowSize = tonumber(ARGV[9])
local alpha = tonumber(ARGV[10])

redis.call('HINCRBY', key, 'requests', 1)
local wreq = redis.call('HINCRBY', key, 'window_requests', 1)
local werr = tonumber(redis.call('HGET', key, 'window_errors') or '0')

if success then
    if tokens > 0 then
        redis.call('HINCRBY', key, 'tokens', tokens)
    end
    redis.call('HSET', key, 'last_success_at', now)
else
    redis.call('HINCRBY', key, 'errors', 1)
    werr = redis.call('HINCRBY', key, 'window_errors', 1)
    redis.call('HSET', key, 'last_error_at', now)
end

if probe then
    redis.call('HSET', key, 'last_check_at', now)
else
    redis.call('HSET', key, 'last_used_at', now)
end

local prev = redis.call('HGET', key, 'latency_ms')
local avg = latency
if prev then
    avg = alpha * latency + (1 - alpha) * tonumber(prev)
end
redis.call('HSET', key, 'latency_ms', tostring(avg))

local current = redis.call('HGET', key, 'health') or 'unknown'
local nextHealth = current
local reset = false

if wreq >= minSamples then
    local rate = werr / wreq
    if rate >= unhealthyRate then
        nextHealth = 'unhealthy'
        reset = true
    else
        if current ~= 'unhealthy' or success then
            if rate >= degradedRate then
                nextHealth = 'degraded'
            else
                nextHealth = 'healthy'
            end
        end
        if wreq >= windowSize then
            reset = true
        end
    end
elseif current == 'unknown' and success then
    nextHealth = 'healthy'
end

if reset then
    redis.call('HSET', key, 'window_requests', 0, 'window_errors', 0)
end
redis.call('HSET', key, 'health', nextHealth)

return {current, nextHealth}
`)

// RedisStore implements Store on Redis hashes, one per channel.
type RedisStore struct {
	client    *redis.Client
	policy    HealthPolicy
	keyPrefix string
	now       func() time.Time
}

func NewRedisStore(client *redis.Client, policy HealthPolicy) *RedisStore {
	return &RedisStore{
		client:    client,
		policy:    policy,
		keyPrefix: "chmetrics:",
		now:       time.Now,
	}
}

func (s *RedisStore) key(channelID string) string {
	return s.keyPrefix + channelID
}

func (s *RedisStore) RecordSuccess(ctx context.Context, channelID string, latency time.Duration, tokens int64) (Transition, error) {
	return s.record(ctx, channelID, true, false, latency, tokens)
}

func (s *RedisStore) RecordFailure(ctx context.Context, channelID string, latency time.Duration) (Transition, error) {
	return s.record(ctx, channelID, false, false, latency, 0)
}

func (s *RedisStore) RecordProbe(ctx context.Context, channelID string, ok bool, latency time.Duration) (Transition, error) {
	return s.record(ctx, channelID, ok, true, latency, 0)
}

func (s *RedisStore) record(ctx context.Context, channelID string, success, probe bool, latency time.Duration, tokens int64) (Transition, error) {
	args := []interface{}{
		boolArg(success),
		formatFloat(durationMs(latency)),
		tokens,
		s.now().UnixMilli(),
		boolArg(probe),
		s.policy.MinSamples,
		formatFloat(s.policy.UnhealthyErrorRate),
		formatFloat(s.policy.DegradedErrorRate),
		s.policy.WindowSize,
		formatFloat(s.policy.LatencyAlpha),
	}

	res, err := recordScript.Run(ctx, s.client, []string{s.key(channelID)}, args...).StringSlice()
	if err != nil {
		return Transition{}, fmt.Errorf("record channel metrics: %w", err)
	}
	if len(res) != 2 {
		return Transition{}, fmt.Errorf("record channel metrics: unexpected reply %v", res)
	}

	return Transition{
		From: domain.HealthStatus(res[0]),
		To:   domain.HealthStatus(res[1]),
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, channelID string) (domain.ChannelMetrics, error) {
	m := domain.ChannelMetrics{
		ChannelID:    channelID,
		SuccessRate:  1,
		HealthStatus: domain.HealthUnknown,
	}

	fields, err := s.client.HGetAll(ctx, s.key(channelID)).Result()
	if err != nil {
		return m, fmt.Errorf("get channel metrics: %w", err)
	}
	if len(fields) == 0 {
		return m, nil
	}

	m.RequestCount = parseInt(fields["requests"])
	m.ErrorCount = parseInt(fields["errors"])
	m.SuccessRate = successRate(m.RequestCount, m.ErrorCount)
	m.TokensUsed = parseInt(fields["tokens"])
	m.AvgResponseTimeMs, _ = strconv.ParseFloat(fields["latency_ms"], 64)
	m.WindowRequests = parseInt(fields["window_requests"])
	m.WindowErrors = parseInt(fields["window_errors"])
	m.LastUsedAt = unixMilliPtr(fields["last_used_at"])
	m.LastSuccessAt = unixMilliPtr(fields["last_success_at"])
	m.LastErrorAt = unixMilliPtr(fields["last_error_at"])
	m.LastHealthCheckAt = unixMilliPtr(fields["last_check_at"])
	if h := fields["health"]; h != "" {
		m.HealthStatus = domain.HealthStatus(h)
	}

	return m, nil
}

// Health returns unknown when Redis cannot be reached, which keeps the
// channel selectable.
func (s *RedisStore) Health(ctx context.Context, channelID string) domain.HealthStatus {
	h, err := s.client.HGet(ctx, s.key(channelID), "health").Result()
	if err != nil || h == "" {
		return domain.HealthUnknown
	}
	return domain.HealthStatus(h)
}

func (s *RedisStore) Delete(ctx context.Context, channelID string) error {
	return s.client.Del(ctx, s.key(channelID)).Err()
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func unixMilliPtr(s string) *time.Time {
	n := parseInt(s)
	if n == 0 {
		return nil
	}
	t := time.UnixMilli(n).UTC()
	return &t
}
