package registry

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/google/uuid"
)

// InMemoryRegistry serves reads from an immutable snapshot. Writers copy the
// snapshot under a mutex and swap it in.
type InMemoryRegistry struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[string]*domain.Channel]
	now  func() time.Time
}

func NewInMemoryRegistry() *InMemoryRegistry {
	r := &InMemoryRegistry{now: time.Now}
	empty := make(map[string]*domain.Channel)
	r.snap.Store(&empty)
	return r
}

func (r *InMemoryRegistry) load() map[string]*domain.Channel {
	return *r.snap.Load()
}

// Replace swaps the whole channel set, validating every entry first.
func (r *InMemoryRegistry) Replace(channels []*domain.Channel) error {
	next := make(map[string]*domain.Channel, len(channels))
	now := r.now().UTC()
	for _, ch := range channels {
		cp := ch.Clone()
		if cp.ID == "" {
			return fmt.Errorf("%w: id is required", domain.ErrInvalidChannel)
		}
		if err := Validate(cp); err != nil {
			return fmt.Errorf("channel %s: %w", cp.ID, err)
		}
		if _, dup := next[cp.ID]; dup {
			return fmt.Errorf("%w: %s", domain.ErrChannelExists, cp.ID)
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		next[cp.ID] = cp
	}

	r.mu.Lock()
	r.snap.Store(&next)
	r.mu.Unlock()
	return nil
}

func (r *InMemoryRegistry) Create(ctx context.Context, ch *domain.Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if err := Validate(ch); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	if _, ok := cur[ch.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrChannelExists, ch.ID)
	}

	now := r.now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now

	next := maps.Clone(cur)
	next[ch.ID] = ch.Clone()
	r.snap.Store(&next)
	return nil
}

func (r *InMemoryRegistry) Get(ctx context.Context, id string) (*domain.Channel, error) {
	ch, ok := r.load()[id]
	if !ok {
		return nil, domain.ErrChannelNotFound
	}
	return ch.Clone(), nil
}

func (r *InMemoryRegistry) Update(ctx context.Context, ch *domain.Channel) error {
	if err := Validate(ch); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	existing, ok := cur[ch.ID]
	if !ok {
		return domain.ErrChannelNotFound
	}

	ch.CreatedAt = existing.CreatedAt
	ch.UpdatedAt = r.now().UTC()

	next := maps.Clone(cur)
	next[ch.ID] = ch.Clone()
	r.snap.Store(&next)
	return nil
}

func (r *InMemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	if _, ok := cur[id]; !ok {
		return domain.ErrChannelNotFound
	}

	next := maps.Clone(cur)
	delete(next, id)
	r.snap.Store(&next)
	return nil
}

func (r *InMemoryRegistry) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Channel, error) {
	return r.filter(func(ch *domain.Channel) bool {
		return ch.TenantID == tenantID
	}), nil
}

func (r *InMemoryRegistry) FindByModel(ctx context.Context, tenantID, model string) ([]*domain.Channel, error) {
	return r.filter(func(ch *domain.Channel) bool {
		return ch.TenantID == tenantID && ch.IsActive() && ch.Serves(model)
	}), nil
}

func (r *InMemoryRegistry) ListActive(ctx context.Context) ([]*domain.Channel, error) {
	return r.filter(func(ch *domain.Channel) bool {
		return ch.IsActive()
	}), nil
}

func (r *InMemoryRegistry) filter(keep func(*domain.Channel) bool) []*domain.Channel {
	var out []*domain.Channel
	for _, ch := range r.load() {
		if keep(ch) {
			out = append(out, ch.Clone())
		}
	}
	sortChannels(out)
	return out
}
