package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenant_quotas (
	tenant_id   TEXT    NOT NULL,
	quota_type  TEXT    NOT NULL,
	quota_limit BIGINT  NOT NULL,
	used_amount BIGINT  NOT NULL DEFAULT 0,
	reset_at    BIGINT  NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, quota_type)
)`

// SQLLedger stores quota rows in Postgres or SQLite. The reservation is a
// single guarded UPDATE, so concurrent callers can never oversell a row.
type SQLLedger struct {
	db       *sql.DB
	dialect  Dialect
	defaults Limits
	now      func() time.Time
}

func NewSQLLedger(db *sql.DB, dialect Dialect, defaults Limits) *SQLLedger {
	if defaults == nil {
		defaults = DefaultLimits()
	}
	return &SQLLedger{
		db:       db,
		dialect:  dialect,
		defaults: defaults,
		now:      time.Now,
	}
}

func (l *SQLLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate tenant_quotas: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (l *SQLLedger) rebind(query string) string {
	if l.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// inTx provisions and lazily resets the row, then runs fn in the same
// transaction.
func (l *SQLLedger) inTx(ctx context.Context, tenantID string, quotaType domain.QuotaType, fn func(tx *sql.Tx) error) error {
	if err := validate(tenantID, quotaType); err != nil {
		return err
	}

	now := l.now().UTC()
	nextReset := quotaType.NextReset(now).Unix()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quota tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, l.rebind(`
		INSERT INTO tenant_quotas (tenant_id, quota_type, quota_limit, used_amount, reset_at, is_active)
		VALUES (?, ?, ?, 0, ?, TRUE)
		ON CONFLICT (tenant_id, quota_type) DO NOTHING
	`), tenantID, string(quotaType), l.defaults.limit(quotaType), nextReset)
	if err != nil {
		return fmt.Errorf("provision quota: %w", err)
	}

	_, err = tx.ExecContext(ctx, l.rebind(`
		UPDATE tenant_quotas SET used_amount = 0, reset_at = ?
		WHERE tenant_id = ? AND quota_type = ? AND reset_at <= ?
	`), nextReset, tenantID, string(quotaType), now.Unix())
	if err != nil {
		return fmt.Errorf("reset quota: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit quota tx: %w", err)
	}
	return nil
}

func (l *SQLLedger) selectRow(ctx context.Context, tx *sql.Tx, tenantID string, quotaType domain.QuotaType) (*domain.TenantQuota, error) {
	q := &domain.TenantQuota{TenantID: tenantID, QuotaType: quotaType}
	var resetAt int64

	err := tx.QueryRowContext(ctx, l.rebind(`
		SELECT quota_limit, used_amount, reset_at, is_active
		FROM tenant_quotas
		WHERE tenant_id = ? AND quota_type = ?
	`), tenantID, string(quotaType)).Scan(&q.QuotaLimit, &q.UsedAmount, &resetAt, &q.IsActive)
	if err != nil {
		return nil, fmt.Errorf("query quota: %w", err)
	}

	q.ResetAt = time.Unix(resetAt, 0).UTC()
	return q, nil
}

func (l *SQLLedger) CheckAndReserve(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) (domain.QuotaDecision, error) {
	var decision domain.QuotaDecision

	err := l.inTx(ctx, tenantID, quotaType, func(tx *sql.Tx) error {
		if amount <= 0 {
			q, err := l.selectRow(ctx, tx, tenantID, quotaType)
			if err != nil {
				return err
			}
			decision = decide(q, !q.IsActive || q.UsedAmount < q.QuotaLimit)
			return nil
		}

		q := &domain.TenantQuota{TenantID: tenantID, QuotaType: quotaType, IsActive: true}
		var resetAt int64

		err := tx.QueryRowContext(ctx, l.rebind(`
			UPDATE tenant_quotas SET used_amount = used_amount + ?
			WHERE tenant_id = ? AND quota_type = ?
			  AND (NOT is_active OR used_amount + ? <= quota_limit)
			RETURNING quota_limit, used_amount, reset_at, is_active
		`), amount, tenantID, string(quotaType), amount).Scan(&q.QuotaLimit, &q.UsedAmount, &resetAt, &q.IsActive)

		if errors.Is(err, sql.ErrNoRows) {
			q, err := l.selectRow(ctx, tx, tenantID, quotaType)
			if err != nil {
				return err
			}
			decision = decide(q, false)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reserve quota: %w", err)
		}

		q.ResetAt = time.Unix(resetAt, 0).UTC()
		decision = decide(q, true)
		return nil
	})

	return decision, err
}

func (l *SQLLedger) Consume(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) (bool, error) {
	d, err := l.CheckAndReserve(ctx, tenantID, quotaType, amount)
	return d.Allowed, err
}

func (l *SQLLedger) Release(ctx context.Context, tenantID string, quotaType domain.QuotaType, amount int64) error {
	return l.inTx(ctx, tenantID, quotaType, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, l.rebind(`
			UPDATE tenant_quotas
			SET used_amount = CASE WHEN used_amount > ? THEN used_amount - ? ELSE 0 END
			WHERE tenant_id = ? AND quota_type = ?
		`), amount, amount, tenantID, string(quotaType))
		if err != nil {
			return fmt.Errorf("release quota: %w", err)
		}
		return nil
	})
}

func (l *SQLLedger) Exhaust(ctx context.Context, tenantID string, quotaType domain.QuotaType) error {
	return l.inTx(ctx, tenantID, quotaType, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, l.rebind(`
			UPDATE tenant_quotas SET used_amount = quota_limit
			WHERE tenant_id = ? AND quota_type = ? AND used_amount < quota_limit
		`), tenantID, string(quotaType))
		if err != nil {
			return fmt.Errorf("exhaust quota: %w", err)
		}
		return nil
	})
}

func (l *SQLLedger) Get(ctx context.Context, tenantID string, quotaType domain.QuotaType) (*domain.TenantQuota, error) {
	var q *domain.TenantQuota
	err := l.inTx(ctx, tenantID, quotaType, func(tx *sql.Tx) error {
		var err error
		q, err = l.selectRow(ctx, tx, tenantID, quotaType)
		return err
	})
	return q, err
}

func (l *SQLLedger) List(ctx context.Context, tenantID string) ([]*domain.TenantQuota, error) {
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

func (l *SQLLedger) SetLimit(ctx context.Context, tenantID string, quotaType domain.QuotaType, limit int64, active bool) error {
	return l.inTx(ctx, tenantID, quotaType, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, l.rebind(`
			UPDATE tenant_quotas SET quota_limit = ?, is_active = ?
			WHERE tenant_id = ? AND quota_type = ?
		`), limit, active, tenantID, string(quotaType))
		if err != nil {
			return fmt.Errorf("set quota limit: %w", err)
		}
		return nil
	})
}
