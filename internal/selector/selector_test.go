package selector

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
	"github.com/felipepmaragno/channel-gateway/internal/registry"
)

type healthMap map[string]domain.HealthStatus

func (h healthMap) Health(ctx context.Context, channelID string) domain.HealthStatus {
	if s, ok := h[channelID]; ok {
		return s
	}
	return domain.HealthUnknown
}

func ch(id string, priority, weight int) *domain.Channel {
	return &domain.Channel{
		ID:         id,
		TenantID:   "t1",
		ProviderID: "openai",
		Models:     []string{"gpt-4o"},
		Status:     domain.ChannelStatusActive,
		Priority:   priority,
		Weight:     weight,
	}
}

func newSelector(t *testing.T, health healthMap, channels ...*domain.Channel) *Selector {
	t.Helper()
	reg := registry.NewInMemoryRegistry()
	if err := reg.Replace(channels); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	return New(reg, health, WithRandSource(rand.NewPCG(42, 7)))
}

func set(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestSelect_NoChannels(t *testing.T) {
	s := newSelector(t, nil)

	_, err := s.Select(context.Background(), "t1", "gpt-4o", nil)
	if !errors.Is(err, domain.ErrNoAvailableChannel) {
		t.Errorf("Select() error = %v, want ErrNoAvailableChannel", err)
	}
}

func TestSelect_ExcludingEverythingReturnsNone(t *testing.T) {
	s := newSelector(t, nil, ch("a", 0, 1), ch("b", 0, 1), ch("c", 1, 1))

	_, err := s.Select(context.Background(), "t1", "gpt-4o", set("a", "b", "c"))
	if !errors.Is(err, domain.ErrNoAvailableChannel) {
		t.Errorf("Select() error = %v, want ErrNoAvailableChannel", err)
	}
}

func TestSelect_FiltersTenantModelAndStatus(t *testing.T) {
	other := ch("other-tenant", 0, 1)
	other.TenantID = "t2"
	wrongModel := ch("wrong-model", 0, 1)
	wrongModel.Models = []string{"claude-3"}
	disabled := ch("disabled", 0, 1)
	disabled.Status = domain.ChannelStatusDisabled

	s := newSelector(t, nil, other, wrongModel, disabled, ch("ok", 5, 1))

	for i := 0; i < 20; i++ {
		got, err := s.Select(context.Background(), "t1", "gpt-4o", nil)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if got.ID != "ok" {
			t.Fatalf("Select() = %s, want ok", got.ID)
		}
	}
}

func TestSelect_PriorityIsStrict(t *testing.T) {
	s := newSelector(t, nil, ch("primary", 0, 1), ch("backup", 1, 100))

	for i := 0; i < 100; i++ {
		got, _ := s.Select(context.Background(), "t1", "gpt-4o", nil)
		if got.ID != "primary" {
			t.Fatalf("Select() = %s, want primary", got.ID)
		}
	}

	got, err := s.Select(context.Background(), "t1", "gpt-4o", set("primary"))
	if err != nil || got.ID != "backup" {
		t.Errorf("Select(exclude primary) = %v, %v; want backup", got, err)
	}
}

func TestSelect_SkipsUnhealthy(t *testing.T) {
	s := newSelector(t, healthMap{"primary": domain.HealthUnhealthy}, ch("primary", 0, 1), ch("backup", 1, 1))

	got, err := s.Select(context.Background(), "t1", "gpt-4o", nil)
	if err != nil || got.ID != "backup" {
		t.Errorf("Select() = %v, %v; want backup", got, err)
	}
}

func TestSelect_AllUnhealthyDegradesGracefully(t *testing.T) {
	health := healthMap{"primary": domain.HealthUnhealthy, "backup": domain.HealthUnhealthy}
	s := newSelector(t, health, ch("primary", 0, 1), ch("backup", 1, 1))

	got, err := s.Select(context.Background(), "t1", "gpt-4o", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if got.ID != "primary" {
		t.Errorf("Select() = %s, want primary", got.ID)
	}
}

func TestSelect_DegradedStillEligible(t *testing.T) {
	s := newSelector(t, healthMap{"primary": domain.HealthDegraded}, ch("primary", 0, 1), ch("backup", 1, 1))

	got, _ := s.Select(context.Background(), "t1", "gpt-4o", nil)
	if got.ID != "primary" {
		t.Errorf("Select() = %s, want primary", got.ID)
	}
}

func TestSelect_WeightedDistribution(t *testing.T) {
	s := newSelector(t, nil, ch("a", 0, 3), ch("b", 0, 1))

	const trials = 10000
	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		got, err := s.Select(context.Background(), "t1", "gpt-4o", nil)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		counts[got.ID]++
	}

	share := float64(counts["a"]) / trials
	if share < 0.72 || share > 0.78 {
		t.Errorf("share of a = %.3f, want 0.75 +/- 0.03 (counts %v)", share, counts)
	}
}

func TestSelect_EqualWeightsRoundRobin(t *testing.T) {
	s := newSelector(t, nil, ch("c", 0, 2), ch("a", 0, 2), ch("b", 0, 2))

	var got []string
	for i := 0; i < 6; i++ {
		c, _ := s.Select(context.Background(), "t1", "gpt-4o", nil)
		got = append(got, c.ID)
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestSelect_RoundRobinIsEvenUnderConcurrency(t *testing.T) {
	s := newSelector(t, nil, ch("a", 0, 1), ch("b", 0, 1), ch("c", 0, 1), ch("d", 0, 1))

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c, err := s.Select(context.Background(), "t1", "gpt-4o", nil)
				if err != nil {
					t.Errorf("Select() error = %v", err)
					return
				}
				mu.Lock()
				counts[c.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c", "d"} {
		if counts[id] != 200 {
			t.Errorf("counts[%s] = %d, want 200 (%v)", id, counts[id], counts)
		}
	}
}

func TestCandidates_Ordered(t *testing.T) {
	s := newSelector(t, nil, ch("z", 2, 1), ch("y", 0, 1), ch("x", 0, 1))

	got, err := s.Candidates(context.Background(), "t1", "gpt-4o", set("y"))
	if err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "x" || got[1].ID != "z" {
		t.Errorf("Candidates() = %v", got)
	}
}
