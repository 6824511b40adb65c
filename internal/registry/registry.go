// Package registry stores channel definitions and answers routing lookups.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"net/url"
	"slices"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
)

type Registry interface {
	Create(ctx context.Context, ch *domain.Channel) error
	Get(ctx context.Context, id string) (*domain.Channel, error)
	Update(ctx context.Context, ch *domain.Channel) error
	Delete(ctx context.Context, id string) error
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.Channel, error)

	// FindByModel returns the tenant's active channels serving model,
	// ordered by priority then id.
	FindByModel(ctx context.Context, tenantID, model string) ([]*domain.Channel, error)

	ListActive(ctx context.Context) ([]*domain.Channel, error)
}

// Validate normalizes defaults and rejects malformed channels.
func Validate(ch *domain.Channel) error {
	if ch.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", domain.ErrInvalidChannel)
	}
	if ch.ProviderID == "" {
		return fmt.Errorf("%w: provider_id is required", domain.ErrInvalidChannel)
	}
	if len(ch.Models) == 0 {
		return fmt.Errorf("%w: at least one model is required", domain.ErrInvalidChannel)
	}
	if slices.Contains(ch.Models, "") {
		return fmt.Errorf("%w: empty model name", domain.ErrInvalidChannel)
	}
	if ch.Status == "" {
		ch.Status = domain.ChannelStatusActive
	}
	if !ch.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidChannel, ch.Status)
	}
	if ch.Priority < 0 || ch.Weight < 0 || ch.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("%w: priority, weight and max_requests_per_minute must be >= 0", domain.ErrInvalidChannel)
	}
	if ch.BaseURL != "" {
		u, err := url.Parse(ch.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: base_url must be an absolute http(s) URL", domain.ErrInvalidChannel)
		}
	}
	return nil
}

func sortChannels(chs []*domain.Channel) {
	slices.SortFunc(chs, func(a, b *domain.Channel) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
