package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// quotaScript provisions, lazily resets and then applies one operation to a
// quota hash. Reset boundaries are computed by the caller.
// Keys: [quota_key]
// Args: [op, amount, default_limit, now_unix, next_reset_unix, active]
// Returns: {allowed, limit, used, reset_at_unix, active}
var quotaScript = redis.NewScript(`
local key = KEYS[1]
local op = ARGV[1]
local amount = tonumber(ARGV[2])
local now = tonumber(ARGV[4])
local nextReset = tonumber(ARGV[5])

if redis.call('EXISTS', key) == 0 then
    redis.call('HSET', key, 'limit', ARGV[3], 'used', 0, 'reset_at', nextReset, 'active', 1)
end

local resetAt = tonumber(redis.call('HGET', key, 'reset_at'))
if now >= resetAt then
    redis.call('HSET', key, 'used', 0, 'reset_at', nextReset)
    resetAt = nextReset
end

local limit = tonumber(redis.call('HGET', key, 'limit'))
local used = tonumber(redis.call('HGET', key, 'used'))
local active = redis.call('HGET', key, 'active') == '1'
local allowed = 1

if op == 'reserve' then
    if amount <= 0 then
        if active and used >= limit then
            allowed = 0
        end
    elseif active and used + amount > limit then
        allowed = 0
    else
        used = redis.call('HINCRBY', key, 'used', amount)
    end
elseif op == 'release' then
    used = math.max(used - amount, 0)
    redis.call('HSET', key, 'used', used)
elseif op == 'exhaust' then
    if used < limit then
        used = limit
        redis.call('HSET', key, 'used', used)
    end
elseif op == 'set' then
    limit = amount
    active = ARGV[6] == '1'
    redis.call('HSET', key, 'limit', limit, 'active', ARGV[6])
end

local activeFlag = 0
if active then
    activeFlag = 1
end
return {allowed, limit, used, resetAt, activeFlag}
`)

// RedisLedger keeps one hash per tenant+type so every gateway instance
// shares the same counters.
type RedisLedger struct {
	client    *redis.Client
	defaults  Limits
	keyPrefix string
	now       func() time.Time
}

func NewRedisLedger(client *redis.Client, defaults Limits) *RedisLedger {
	if defaults == nil {
		defaults = DefaultLimits()
	}
	return &RedisLedger{
		client:    client,
		defaults:  defaults,
		keyPrefix: "quota:",
		now:       time.Now,
	}
}

func (l *RedisLedger) key(tenantID string, quotaType domain.QuotaType) string {
	return l.keyPrefix + tenantID + ":" + string(quotaType)
}

func (l *RedisLedger) run(ctx context.Context, op, tenantID string, quotaType domain.QuotaType, amount int64, active bool) (*domain.TenantQuota, bool, error) {
	if err := validate(tenantID, quotaType); err != nil {
		return nil, false, err
	}

	now := l.now().UTC()
	activeArg := "0"
	if active {
		activeArg = "1"
	}

	res, err := quotaScript.Run(ctx, l.client, []string{l.key(tenantID, quotaType)},
		op,
		amount,
		l.defaults.limit(quotaType),
		now.Unix(),
		quotaType.NextReset(now).Unix(),
		activeArg,
	).Int64Slice()
	if err != nil {
		return nil, false, fmt.Errorf("quota %s: %w", op, err)
	}
	if len(res) != 5 {
		return nil, false, fmt.Errorf("quota %s: unexpected reply %v", op, res)
	}

	q := &domain.TenantQuota{
		TenantID:   tenantID,
		QuotaType:  quotaType,
		QuotaLimit: res[1],
		UsedAmount: res[2],
		ResetAt:    time.Unix(res[3], 0).UTC(),
		IsActive:   res[4] == 1,
	}
	return q, res[0] == 1, nil
}

func (l *RedisLedger) CheckAndReserve(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) (domain.QuotaDecision, error) {
	q, allowed, err := l.run(ctx, "reserve", tenantID, quotaType, amount, false)
	if err != nil {
		return domain.QuotaDecision{}, err
	}
	return decide(q, allowed), nil
}

func (l *RedisLedger) Consume(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) (bool, error) {
	_, allowed, err := l.run(ctx, "reserve", tenantID, quotaType, amount, false)
	return allowed, err
}

func (l *RedisLedger) Release(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) error {
	_, _, err := l.run(ctx, "release", tenantID, quotaType, amount, false)
	return err
}

func (l *RedisLedger) Exhaust(ctx context.Context, tenantID string, quotaType domain.QuotaType) error {
	_, _, err := l.run(ctx, "exhaust", tenantID, quotaType, 0, false)
	return err
}

func (l *RedisLedger) Get(ctx context.Context, tenantID string, quotaType domain.QuotaType) (*domain.TenantQuota, error) {
	q, _, err := l.run(ctx, "get", tenantID, quotaType, 0, false)
	return q, err
}

func (l *RedisLedger) List(ctx context.Context, tenantID string) ([]*domain.TenantQuota, error) {
	out := make([]*domain.TenantQuota, 0, len(domain.AllQuotaTypes))
	for _, qt := range domain.AllQuotaTypes {
		q, err := l.Get(ctx, tenantID, qt)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (l *RedisLedger) SetLimit(ctx context.Context, tenantID string, quotaType domain.QuotaType, limit int64, active bool) error {
	_, _, err := l.run(ctx, "set", tenantID, quotaType, limit, active)
	return err
}
