package quota

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newLedgers(t *testing.T, clock *fakeClock) map[string]Ledger {
	t.Helper()

	mem := NewInMemoryLedger(DefaultLimits())
	mem.now = clock.Now

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rl := NewRedisLedger(client, DefaultLimits())
	rl.now = clock.Now

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	sl := NewSQLLedger(db, DialectSQLite, DefaultLimits())
	sl.now = clock.Now
	require.NoError(t, sl.Migrate(context.Background()))

	return map[string]Ledger{
		"memory": mem,
		"redis":  rl,
		"sqlite": sl,
	}
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func TestLedger_ProvisionsDefaults(t *testing.T) {
	for name, ledger := range newLedgers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			quotas, err := ledger.List(ctx, "tenant-1")
			require.NoError(t, err)
			require.Len(t, quotas, len(domain.AllQuotaTypes))

			for _, q := range quotas {
				require.Equal(t, DefaultLimits()[q.QuotaType], q.QuotaLimit, q.QuotaType)
				require.Equal(t, int64(0), q.UsedAmount)
				require.True(t, q.IsActive)
			}

			daily, err := ledger.Get(ctx, "tenant-1", domain.QuotaDailyRequests)
			require.NoError(t, err)
			require.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), daily.ResetAt)

			monthly, err := ledger.Get(ctx, "tenant-1", domain.QuotaMonthlyTokens)
			require.NoError(t, err)
			require.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), monthly.ResetAt)
		})
	}
}

func TestLedger_ReserveUpToLimit(t *testing.T) {
	for name, ledger := range newLedgers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ledger.SetLimit(ctx, "t", domain.QuotaDailyRequests, 3, true))

			for i := 0; i < 3; i++ {
				d, err := ledger.CheckAndReserve(ctx, "t", domain.QuotaDailyRequests, 1)
				require.NoError(t, err)
				require.True(t, d.Allowed)
				require.Equal(t, int64(2-i), d.Remaining)
			}

			d, err := ledger.CheckAndReserve(ctx, "t", domain.QuotaDailyRequests, 1)
			require.NoError(t, err)
			require.False(t, d.Allowed)
			require.Equal(t, int64(0), d.Remaining)

			q, err := ledger.Get(ctx, "t", domain.QuotaDailyRequests)
			require.NoError(t, err)
			require.Equal(t, int64(3), q.UsedAmount, "denied reservation must not write")
		})
	}
}

func TestLedger_RejectsAmountThatDoesNotFit(t *testing.T) {
	for name, ledger := range newLedgers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ledger.SetLimit(ctx, "t", domain.QuotaDailyTokens, 100, true))

			ok, err := ledger.Consume(ctx, "t", domain.QuotaDailyTokens, 60)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = ledger.Consume(ctx, "t", domain.QuotaDailyTokens, 41)
			require.NoError(t, err)
			require.False(t, ok)

			ok, err = ledger.Consume(ctx, "t", domain.QuotaDailyTokens, 40)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestLedger_PeekDoesNotWrite(t *testing.T) {
	for name, ledger := range newLedgers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ledger.SetLimit(ctx, "t", domain.QuotaDailyTokens, 10, true))

			d, err := ledger.CheckAndReserve(ctx, "t", domain.QuotaDailyTokens, 0)
			require.NoError(t, err)
			require.True(t, d.Allowed)
			require.Equal(t, int64(10), d.Remaining)

			_, err = ledger.Consume(ctx, "t", domain.QuotaDailyTokens, 10)
			require.NoError(t, err)

			d, err = ledger.CheckAndReserve(ctx, "t", domain.QuotaDailyTokens, 0)
			require.NoError(t, err)
			require.False(t, d.Allowed)

			q, err := ledger.Get(ctx, "t", domain.QuotaDailyTokens)
			require.NoError(t, err)
			require.Equal(t, int64(10), q.UsedAmount)
		})
	}
}

func TestLedger_InactiveQuotaAllowsButCounts(t *testing.T) {
	for name, ledger := range newLedgers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ledger.SetLimit(ctx, "t", domain.QuotaMonthlyRequests, 1, false))

			for i := 0; i < 3; i++ {
				d, err := ledger.CheckAndReserve(ctx, "t", domain.QuotaMonthlyRequests, 5)
				require.NoError(t, err)
				require.True(t, d.Allowed)
			}

			q, err := ledger.Get(ctx, "t", domain.QuotaMonthlyRequests)
			require.NoError(t, err)
			require.False(t, q.IsActive)
			require.Equal(t, int64(15), q.UsedAmount)
		})
	}
}

func TestLedger_ReleaseNeverGoesNegative(t *testing.T) {
	for name, ledger := range newLedgers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := ledger.Consume(ctx, "t", domain.QuotaDailyRequests, 2)
			require.NoError(t, err)
			require.NoError(t, ledger.Release(ctx, "t", domain.QuotaDailyRequests, 1))

			q, err := ledger.Get(ctx, "t", domain.QuotaDailyRequests)
			require.NoError(t, err)
			require.Equal(t, int64(1), q.UsedAmount)

			require.NoError(t, ledger.Release(ctx, "t", domain.QuotaDailyRequests, 100))
			q, err = ledger.Get(ctx, "t", domain.QuotaDailyRequests)
			require.NoError(t, err)
			require.Equal(t, int64(0), q.UsedAmount)
		})
	}
}

func TestLedger_Exhaust(t *testing.T) {
	for name, ledger := range newLedgers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ledger.SetLimit(ctx, "t", domain.QuotaDailyTokens, 50, true))
			require.NoError(t, ledger.Exhaust(ctx, "t", domain.QuotaDailyTokens))

			q, err := ledger.Get(ctx, "t", domain.QuotaDailyTokens)
			require.NoError(t, err)
			require.Equal(t, int64(50), q.UsedAmount)

			d, err := ledger.CheckAndReserve(ctx, "t", domain.QuotaDailyTokens, 0)
			require.NoError(t, err)
			require.False(t, d.Allowed)
		})
	}
}

func TestLedger_LazyReset(t *testing.T) {
	clock := newClock()
	for name, ledger := range newLedgers(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

			require.NoError(t, ledger.SetLimit(ctx, "t-"+name, domain.QuotaDailyRequests, 2, true))
			require.NoError(t, ledger.SetLimit(ctx, "t-"+name, domain.QuotaMonthlyRequests, 2, true))
			for i := 0; i < 2; i++ {
				_, _ = ledger.Consume(ctx, "t-"+name, domain.QuotaDailyRequests, 1)
				_, _ = ledger.Consume(ctx, "t-"+name, domain.QuotaMonthlyRequests, 1)
			}

			d, err := ledger.CheckAndReserve(ctx, "t-"+name, domain.QuotaDailyRequests, 1)
			require.NoError(t, err)
			require.False(t, d.Allowed)

			// Exactly at the boundary the daily row resets, the monthly one does not.
			clock.Set(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC))

			d, err = ledger.CheckAndReserve(ctx, "t-"+name, domain.QuotaDailyRequests, 1)
			require.NoError(t, err)
			require.True(t, d.Allowed)
			require.Equal(t, time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), d.ResetAt)

			d, err = ledger.CheckAndReserve(ctx, "t-"+name, domain.QuotaMonthlyRequests, 1)
			require.NoError(t, err)
			require.False(t, d.Allowed)

			clock.Set(time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC))

			q, err := ledger.Get(ctx, "t-"+name, domain.QuotaMonthlyRequests)
			require.NoError(t, err)
			require.Equal(t, int64(0), q.UsedAmount)
			require.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), q.ResetAt)
		})
	}
}

func TestLedger_ConcurrentReservationsNeverOversell(t *testing.T) {
	for name, ledger := range newLedgers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const limit = 25
			require.NoError(t, ledger.SetLimit(ctx, "t", domain.QuotaDailyRequests, limit, true))

			var allowed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := ledger.CheckAndReserve(ctx, "t", domain.QuotaDailyRequests, 1)
					if err != nil {
						t.Errorf("CheckAndReserve: %v", err)
						return
					}
					if d.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			require.Equal(t, int64(limit), allowed.Load())

			q, err := ledger.Get(ctx, "t", domain.QuotaDailyRequests)
			require.NoError(t, err)
			require.Equal(t, int64(limit), q.UsedAmount)
		})
	}
}

func TestLedger_TenantsAreIsolated(t *testing.T) {
	for name, ledger := range newLedgers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, ledger.SetLimit(ctx, "a", domain.QuotaDailyRequests, 1, true))

			ok, _ := ledger.Consume(ctx, "a", domain.QuotaDailyRequests, 1)
			require.True(t, ok)
			ok, _ = ledger.Consume(ctx, "a", domain.QuotaDailyRequests, 1)
			require.False(t, ok)

			ok, _ = ledger.Consume(ctx, "b", domain.QuotaDailyRequests, 1)
			require.True(t, ok)
		})
	}
}

func TestLedger_Validation(t *testing.T) {
	for name, ledger := range newLedgers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := ledger.CheckAndReserve(ctx, "", domain.QuotaDailyRequests, 1)
			require.True(t, errors.Is(err, domain.ErrInvalidRequest))

			_, err = ledger.Get(ctx, "t", domain.QuotaType("hourly_requests"))
			require.True(t, errors.Is(err, domain.ErrInvalidRequest))
		})
	}
}

func TestSQLLedger_Rebind(t *testing.T) {
	pg := &SQLLedger{dialect: DialectPostgres}
	lite := &SQLLedger{dialect: DialectSQLite}
	query := "UPDATE t SET a = ? WHERE b = ? AND c = ?"

	if got := pg.rebind(query); got != "UPDATE t SET a = $1 WHERE b = $2 AND c = $3" {
		t.Errorf("postgres rebind = %q", got)
	}
	if got := lite.rebind(query); got != query {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestUsageRatio(t *testing.T) {
	tests := []struct {
		name string
		q    domain.TenantQuota
		want float64
	}{
		{"half", domain.TenantQuota{QuotaLimit: 100, UsedAmount: 50, IsActive: true}, 0.5},
		{"inactive", domain.TenantQuota{QuotaLimit: 100, UsedAmount: 50}, 0},
		{"zero limit", domain.TenantQuota{UsedAmount: 5, IsActive: true}, 0},
		{"over", domain.TenantQuota{QuotaLimit: 10, UsedAmount: 12, IsActive: true}, 1.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UsageRatio(&tt.q); got != tt.want {
				t.Errorf("UsageRatio() = %v, want %v", got, tt.want)
			}
		})
	}
}
