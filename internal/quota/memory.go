package quota

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
)

// InMemoryLedger serializes each tenant+type key on its own mutex.
// Suitable for single-instance deployments.
type InMemoryLedger struct {
	defaults Limits
	entries  sync.Map // tenant|type -> *entry
	now      func() time.Time
}

type entry struct {
	mu    sync.Mutex
	quota domain.TenantQuota
}

func NewInMemoryLedger(defaults Limits) *InMemoryLedger {
	if defaults == nil {
		defaults = DefaultLimits()
	}
	return &InMemoryLedger{
		defaults: defaults,
		now:      time.Now,
	}
}

// lock returns the key's entry locked, provisioned and lazily reset.
func (l *InMemoryLedger) lock(tenantID string, quotaType domain.QuotaType) *entry {
	key := tenantID + "|" + string(quotaType)
	now := l.now().UTC()

	v, ok := l.entries.Load(key)
	if !ok {
		v, _ = l.entries.LoadOrStore(key, &entry{
			quota: domain.TenantQuota{
				TenantID:   tenantID,
				QuotaType:  quotaType,
				QuotaLimit: l.defaults.limit(quotaType),
				ResetAt:    quotaType.NextReset(now),
				IsActive:   true,
			},
		})
	}

	e := v.(*entry)
	e.mu.Lock()
	if !now.Before(e.quota.ResetAt) {
		e.quota.UsedAmount = 0
		e.quota.ResetAt = quotaType.NextReset(now)
	}
	return e
}

func (l *InMemoryLedger) CheckAndReserve(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) (domain.QuotaDecision, error) {
	if err := validate(tenantID, quotaType); err != nil {
		return domain.QuotaDecision{}, err
	}

	e := l.lock(tenantID, quotaType)
	defer e.mu.Unlock()

	q := &e.quota
	if amount <= 0 {
		return decide(q, !q.IsActive || q.UsedAmount < q.QuotaLimit), nil
	}
	if q.IsActive && q.UsedAmount+amount > q.QuotaLimit {
		return decide(q, false), nil
	}
	q.UsedAmount += amount
	return decide(q, true), nil
}

func (l *InMemoryLedger) Consume(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) (bool, error) {
	d, err := l.CheckAndReserve(ctx, tenantID, quotaType, amount)
	return d.Allowed, err
}

func (l *InMemoryLedger) Release(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) error {
	if err := validate(tenantID, quotaType); err != nil {
		return err
	}

	e := l.lock(tenantID, quotaType)
	defer e.mu.Unlock()

	e.quota.UsedAmount = max(e.quota.UsedAmount-amount, 0)
	return nil
}

func (l *InMemoryLedger) Exhaust(ctx context.Context, tenantID string, quotaType domain.QuotaType) error {
	if err := validate(tenantID, quotaType); err != nil {
		return err
	}

	e := l.lock(tenantID, quotaType)
	defer e.mu.Unlock()

	if e.quota.UsedAmount < e.quota.QuotaLimit {
		e.quota.UsedAmount = e.quota.QuotaLimit
	}
	return nil
}

func (l *InMemoryLedger) Get(ctx context.Context, tenantID string, quotaType domain.QuotaType) (*domain.TenantQuota, error) {
	if err := validate(tenantID, quotaType); err != nil {
		return nil, err
	}

	e := l.lock(tenantID, quotaType)
	defer e.mu.Unlock()

	q := e.quota
	return &q, nil
}

func (l *InMemoryLedger) List(ctx context.Context, tenantID string) ([]*domain.TenantQuota, error) {
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

func (l *InMemoryLedger) SetLimit(ctx context.Context, tenantID string, quotaType domain.QuotaType, limit int64, active bool) error {
	if err := validate(tenantID, quotaType); err != nil {
		return err
	}

	e := l.lock(tenantID, quotaType)
	defer e.mu.Unlock()

	e.quota.QuotaLimit = limit
	e.quota.IsActive = active
	return nil
}
