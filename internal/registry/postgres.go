package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const channelsSchema = `
CREATE TABLE IF NOT EXISTS channels (
	id                      TEXT PRIMARY KEY,
	tenant_id               TEXT        NOT NULL,
	provider_id             TEXT        NOT NULL,
	name                    TEXT        NOT NULL DEFAULT '',
	base_url                TEXT        NOT NULL DEFAULT '',
	credentials             TEXT        NOT NULL DEFAULT '',
	models                  TEXT[]      NOT NULL,
	status                  TEXT        NOT NULL,
	priority                INTEGER     NOT NULL DEFAULT 0,
	weight                  INTEGER     NOT NULL DEFAULT 1,
	max_requests_per_minute INTEGER     NOT NULL DEFAULT 0,
	created_at              TIMESTAMPTZ NOT NULL,
	updated_at              TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS channels_tenant_status_idx ON channels (tenant_id, status);
`

const channelColumns = `id, tenant_id, provider_id, name, base_url, credentials, models,
	status, priority, weight, max_requests_per_minute, created_at, updated_at`

const uniqueViolation = "23505"

type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, channelsSchema); err != nil {
		return fmt.Errorf("migrate channels: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*domain.Channel, error) {
	var ch domain.Channel
	var models pq.StringArray
	var status string

	err := row.Scan(
		&ch.ID,
		&ch.TenantID,
		&ch.ProviderID,
		&ch.Name,
		&ch.BaseURL,
		&ch.Credentials,
		&models,
		&status,
		&ch.Priority,
		&ch.Weight,
		&ch.MaxRequestsPerMinute,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ch.Models = []string(models)
	ch.Status = domain.ChannelStatus(status)
	return &ch, nil
}

func (r *PostgresRegistry) Create(ctx context.Context, ch *domain.Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if err := Validate(ch); err != nil {
		return err
	}

	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now

	query := `
		INSERT INTO channels (` + channelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		ch.ID,
		ch.TenantID,
		ch.ProviderID,
		ch.Name,
		ch.BaseURL,
		ch.Credentials,
		pq.Array(ch.Models),
		string(ch.Status),
		ch.Priority,
		ch.Weight,
		ch.MaxRequestsPerMinute,
		ch.CreatedAt,
		ch.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrChannelExists, ch.ID)
	}
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}

	return nil
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (*domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`

	ch, err := scanChannel(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return ch, nil
}

func (r *PostgresRegistry) Update(ctx context.Context, ch *domain.Channel) error {
	if err := Validate(ch); err != nil {
		return err
	}

	ch.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE channels
		SET tenant_id = $2, provider_id = $3, name = $4, base_url = $5, credentials = $6,
		    models = $7, status = $8, priority = $9, weight = $10,
		    max_requests_per_minute = $11, updated_at = $12
		WHERE id = $1
		RETURNING created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		ch.ID,
		ch.TenantID,
		ch.ProviderID,
		ch.Name,
		ch.BaseURL,
		ch.Credentials,
		pq.Array(ch.Models),
		string(ch.Status),
		ch.Priority,
		ch.Weight,
		ch.MaxRequestsPerMinute,
		ch.UpdatedAt,
	).Scan(&ch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrChannelNotFound
	}
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}

	return nil
}

func (r *PostgresRegistry) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if n == 0 {
		return domain.ErrChannelNotFound
	}
	return nil
}

func (r *PostgresRegistry) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE tenant_id = $1 ORDER BY priority, id`
	return r.query(ctx, query, tenantID)
}

func (r *PostgresRegistry) FindByModel(ctx context.Context, tenantID, model string) ([]*domain.Channel, error) {
	query := `
		SELECT ` + channelColumns + `
		FROM channels
		WHERE tenant_id = $1 AND status = 'active' AND $2 = ANY(models)
		ORDER BY priority, id
	`
	return r.query(ctx, query, tenantID, model)
}

func (r *PostgresRegistry) ListActive(ctx context.Context) ([]*domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE status = 'active' ORDER BY priority, id`
	return r.query(ctx, query)
}

func (r *PostgresRegistry) query(ctx context.Context, query string, args ...any) ([]*domain.Channel, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []*domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}

	return channels, rows.Err()
}
