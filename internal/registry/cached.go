package registry

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedRegistry memoizes FindByModel, the lookup on every request path.
// Any write purges the whole cache. A lookup that overlapped a write is
// returned but not cached.
type CachedRegistry struct {
	Registry
	lookups *expirable.LRU[string, []*domain.Channel]

	mu  sync.Mutex
	gen uint64
}

func NewCachedRegistry(inner Registry, size int, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		Registry: inner,
		lookups:  expirable.NewLRU[string, []*domain.Channel](size, nil, ttl),
	}
}

func (r *CachedRegistry) FindByModel(ctx context.Context, tenantID, model string) ([]*domain.Channel, error) {
	key := tenantID + ":" + model
	if chs, ok := r.lookups.Get(key); ok {
		return cloneAll(chs), nil
	}

	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()

	chs, err := r.Registry.FindByModel(ctx, tenantID, model)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.gen == gen {
		r.lookups.Add(key, cloneAll(chs))
	}
	r.mu.Unlock()
	return chs, nil
}

func (r *CachedRegistry) Create(ctx context.Context, ch *domain.Channel) error {
	defer r.Invalidate()
	return r.Registry.Create(ctx, ch)
}

func (r *CachedRegistry) Update(ctx context.Context, ch *domain.Channel) error {
	defer r.Invalidate()
	return r.Registry.Update(ctx, ch)
}

func (r *CachedRegistry) Delete(ctx context.Context, id string) error {
	defer r.Invalidate()
	return r.Registry.Delete(ctx, id)
}

// Invalidate drops cached lookups after the inner registry changed behind
// the decorator, e.g. a file reload.
func (r *CachedRegistry) Invalidate() {
	r.mu.Lock()
	r.gen++
	r.lookups.Purge()
	r.mu.Unlock()
}

func cloneAll(chs []*domain.Channel) []*domain.Channel {
	out := make([]*domain.Channel, len(chs))
	for i, ch := range chs {
		out[i] = ch.Clone()
	}
	return out
}
