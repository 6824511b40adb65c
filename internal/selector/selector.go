// Package selector picks the channel that serves a request.
//
// Eligible channels are the tenant's active channels for the model, minus the
// exclusion set. Unhealthy channels are dropped unless none would remain. The
// lowest priority value wins; ties are broken by weighted random choice, or by
// round robin when every weight in the group is equal.
package selector

import (
	"cmp"
	"context"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/registry"
)

// HealthSource reports a channel's current health. channelmetrics.Store
// satisfies it.
type HealthSource interface {
	Health(ctx context.Context, channelID string) domain.HealthStatus
}

type Selector struct {
	registry registry.Registry
	health   HealthSource

	mu  sync.Mutex
	rng *rand.Rand

	cursors sync.Map // group key -> *atomic.Uint64
}

type Option func(*Selector)

// WithRandSource makes weighted choices reproducible.
func WithRandSource(src rand.Source) Option {
	return func(s *Selector) {
		s.rng = rand.New(src)
	}
}

func New(reg registry.Registry, health HealthSource, opts ...Option) *Selector {
	now := uint64(time.Now().UnixNano())
	s := &Selector{
		registry: reg,
		health:   health,
		rng:      rand.New(rand.NewPCG(now, now>>1)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Candidates returns every eligible channel ordered by priority then id.
func (s *Selector) Candidates(ctx context.Context, tenantID, model string, exclude map[string]struct{}) ([]*domain.Channel, error) {
	channels, err := s.registry.FindByModel(ctx, tenantID, model)
	if err != nil {
		return nil, err
	}

	eligible := channels[:0:0]
	for _, ch := range channels {
		if _, skip := exclude[ch.ID]; skip {
			continue
		}
		if ch.TenantID != tenantID || !ch.IsActive() || !ch.Serves(model) {
			continue
		}
		eligible = append(eligible, ch)
	}
	if len(eligible) == 0 {
		return nil, domain.ErrNoAvailableChannel
	}

	healthy := make([]*domain.Channel, 0, len(eligible))
	for _, ch := range eligible {
		if s.health == nil || s.health.Health(ctx, ch.ID) != domain.HealthUnhealthy {
			healthy = append(healthy, ch)
		}
	}
	if len(healthy) > 0 {
		eligible = healthy
	}

	slices.SortFunc(eligible, func(a, b *domain.Channel) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return eligible, nil
}

// Select returns one channel, or domain.ErrNoAvailableChannel.
func (s *Selector) Select(ctx context.Context, tenantID, model string, exclude map[string]struct{}) (*domain.Channel, error) {
	candidates, err := s.Candidates(ctx, tenantID, model, exclude)
	if err != nil {
		return nil, err
	}

	group := topPriorityGroup(candidates)
	if len(group) == 1 {
		return group[0], nil
	}

	if equalWeights(group) {
		return s.roundRobin(tenantID, model, group), nil
	}
	return s.weighted(group), nil
}

// topPriorityGroup expects candidates ordered by priority.
func topPriorityGroup(candidates []*domain.Channel) []*domain.Channel {
	n := 1
	for n < len(candidates) && candidates[n].Priority == candidates[0].Priority {
		n++
	}
	return candidates[:n]
}

func equalWeights(group []*domain.Channel) bool {
	w := group[0].EffectiveWeight()
	for _, ch := range group[1:] {
		if ch.EffectiveWeight() != w {
			return false
		}
	}
	return true
}

func (s *Selector) weighted(group []*domain.Channel) *domain.Channel {
	total := 0
	for _, ch := range group {
		total += ch.EffectiveWeight()
	}

	s.mu.Lock()
	n := s.rng.IntN(total)
	s.mu.Unlock()

	for _, ch := range group {
		n -= ch.EffectiveWeight()
		if n < 0 {
			return ch
		}
	}
	return group[len(group)-1]
}

func (s *Selector) roundRobin(tenantID, model string, group []*domain.Channel) *domain.Channel {
	key := groupKey(tenantID, model, group)

	v, ok := s.cursors.Load(key)
	if !ok {
		v, _ = s.cursors.LoadOrStore(key, new(atomic.Uint64))
	}
	next := v.(*atomic.Uint64).Add(1) - 1

	return group[next%uint64(len(group))]
}

// groupKey identifies a priority group by its members, so a membership
// change starts a new rotation.
func groupKey(tenantID, model string, group []*domain.Channel) string {
	var b strings.Builder
	b.WriteString(tenantID)
	b.WriteByte('|')
	b.WriteString(model)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(group[0].Priority))
	for _, ch := range group {
		b.WriteByte('|')
		b.WriteString(ch.ID)
	}
	return b.String()
}
