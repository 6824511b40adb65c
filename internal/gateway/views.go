package gateway

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
)

// ListModels returns the distinct models served by the tenant's active
// channels, sorted by id. OwnedBy is the provider of the highest priority
// channel serving the model.
func (s *Service) ListModels(ctx context.Context, tenantID string) ([]domain.Model, error) {
	channels, err := s.registry.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	slices.SortStableFunc(channels, func(a, b *domain.Channel) int {
		return cmp.Compare(a.Priority, b.Priority)
	})

	seen := make(map[string]string)
	for _, ch := range channels {
		if !ch.IsActive() {
			continue
		}
		for _, m := range ch.Models {
			if _, ok := seen[m]; !ok {
				seen[m] = ch.ProviderID
			}
		}
	}

	models := make([]domain.Model, 0, len(seen))
	for id, owner := range seen {
		models = append(models, domain.Model{ID: id, Object: "model", OwnedBy: owner})
	}
	slices.SortFunc(models, func(a, b domain.Model) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return models, nil
}

// ChannelStatuses pairs each of the tenant's channels with its metrics
// snapshot. Credentials are stripped.
func (s *Service) ChannelStatuses(ctx context.Context, tenantID string) ([]domain.ChannelStatusView, error) {
	channels, err := s.registry.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	views := make([]domain.ChannelStatusView, 0, len(channels))
	for _, ch := range channels {
		m, err := s.metrics.Get(ctx, ch.ID)
		if err != nil {
			return nil, fmt.Errorf("channel %s metrics: %w", ch.ID, err)
		}
		cp := ch.Clone()
		cp.Credentials = ""
		views = append(views, domain.ChannelStatusView{Channel: cp, Metrics: m})
	}
	return views, nil
}
