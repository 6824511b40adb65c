// Package quota implements the per-tenant usage ledger.
//
// Every quota row is keyed by tenant and quota type. Rows are provisioned with
// default limits on first access and reset lazily: any access that observes
// now >= reset_at zeroes the usage and advances reset_at before evaluating.
// The check and the increment are one atomic step per key in every backend.
package quota

import (
	"context"
	"fmt"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
)

type Ledger interface {
	// CheckAndReserve increments usage by amount iff it fits under the limit.
	// An amount <= 0 only reports whether any quota remains.
	CheckAndReserve(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) (domain.QuotaDecision, error)

	// Consume is CheckAndReserve reduced to whether the increment was applied.
	Consume(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) (bool, error)

	// Release refunds a reservation. Usage never drops below zero.
	Release(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) error

	// Exhaust pins usage to the limit.
	Exhaust(ctx context.Context, tenantID string, quotaType domain.QuotaType) error

	Get(ctx context.Context, tenantID string, quotaType domain.QuotaType) (*domain.TenantQuota, error)
	List(ctx context.Context, tenantID string) ([]*domain.TenantQuota, error)
	SetLimit(ctx context.Context, tenantID string, quotaType domain.QuotaType, limit int64, active bool) error
}

// Limits are the defaults applied when a tenant's quota row is provisioned.
type Limits map[domain.QuotaType]int64

func DefaultLimits() Limits {
	return Limits{
		domain.QuotaDailyRequests:   1000,
		domain.QuotaDailyTokens:     1_000_000,
		domain.QuotaMonthlyRequests: 30000,
		domain.QuotaMonthlyTokens:   30_000_000,
	}
}

func (l Limits) limit(quotaType domain.QuotaType) int64 {
	if v, ok := l[quotaType]; ok {
		return v
	}
	return DefaultLimits()[quotaType]
}

func validate(tenantID string, quotaType domain.QuotaType) error {
	if tenantID == "" {
		return fmt.Errorf("%w: empty tenant id", domain.ErrInvalidRequest)
	}
	if !quotaType.Valid() {
		return fmt.Errorf("%w: unknown quota type %q", domain.ErrInvalidRequest, quotaType)
	}
	return nil
}

func decide(q *domain.TenantQuota, allowed bool) domain.QuotaDecision {
	return domain.QuotaDecision{
		Allowed:   allowed,
		Remaining: q.Remaining(),
		ResetAt:   q.ResetAt,
	}
}

// UsageRatio returns used/limit, or 0 for inactive or unlimited rows.
func UsageRatio(q *domain.TenantQuota) float64 {
	if !q.IsActive || q.QuotaLimit <= 0 {
		return 0
	}
	return float64(q.UsedAmount) / float64(q.QuotaLimit)
}
