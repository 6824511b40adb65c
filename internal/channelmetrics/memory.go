package channelmetrics

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/channel-gateway/internal/domain"
)

// InMemoryStore keeps channel metrics in process memory.
// Suitable for single-instance deployments.
type InMemoryStore struct {
	policy   HealthPolicy
	channels sync.Map // channel id -> *channelState
	now      func() time.Time
}

type channelState struct {
	requests    atomic.Int64
	errors      atomic.Int64
	tokens      atomic.Int64
	latencyBits atomic.Uint64
	hasLatency  atomic.Bool

	lastUsed    atomic.Int64
	lastSuccess atomic.Int64
	lastError   atomic.Int64
	lastCheck   atomic.Int64

	// mu guards the evaluation window and health status.
	mu             sync.Mutex
	health         domain.HealthStatus
	windowRequests int64
	windowErrors   int64
}

func NewInMemoryStore(policy HealthPolicy) *InMemoryStore {
	return &InMemoryStore{
		policy: policy,
		now:    time.Now,
	}
}

func (s *InMemoryStore) state(channelID string) *channelState {
	if v, ok := s.channels.Load(channelID); ok {
		return v.(*channelState)
	}
	v, _ := s.channels.LoadOrStore(channelID, &channelState{health: domain.HealthUnknown})
	return v.(*channelState)
}

func (s *InMemoryStore) RecordSuccess(ctx context.Context, channelID string, latency time.Duration, tokens int64) (Transition, error) {
	st := s.state(channelID)
	now := s.now().UnixNano()
	st.lastUsed.Store(now)
	st.lastSuccess.Store(now)
	if tokens > 0 {
		st.tokens.Add(tokens)
	}
	return s.record(st, true, latency), nil
}

func (s *InMemoryStore) RecordFailure(ctx context.Context, channelID string, latency time.Duration) (Transition, error) {
	st := s.state(channelID)
	now := s.now().UnixNano()
	st.lastUsed.Store(now)
	st.lastError.Store(now)
	return s.record(st, false, latency), nil
}

func (s *InMemoryStore) RecordProbe(ctx context.Context, channelID string, ok bool, latency time.Duration) (Transition, error) {
	st := s.state(channelID)
	now := s.now().UnixNano()
	st.lastCheck.Store(now)
	if ok {
		st.lastSuccess.Store(now)
	} else {
		st.lastError.Store(now)
	}
	return s.record(st, ok, latency), nil
}

func (s *InMemoryStore) record(st *channelState, success bool, latency time.Duration) Transition {
	st.requests.Add(1)
	if !success {
		st.errors.Add(1)
	}
	s.observeLatency(st, durationMs(latency))

	st.mu.Lock()
	defer st.mu.Unlock()

	st.windowRequests++
	if !success {
		st.windowErrors++
	}

	from := st.health
	next, reset := s.policy.evaluate(from, success, st.windowRequests, st.windowErrors)
	st.health = next
	if reset {
		st.windowRequests = 0
		st.windowErrors = 0
	}

	return Transition{From: from, To: next}
}

// observeLatency folds a sample into the moving average. Concurrent samples
// may overwrite each other; the counters above are what health depends on.
func (s *InMemoryStore) observeLatency(st *channelState, ms float64) {
	for {
		old := st.latencyBits.Load()
		next := s.policy.ema(math.Float64frombits(old), ms, st.hasLatency.Load())
		if st.latencyBits.CompareAndSwap(old, math.Float64bits(next)) {
			st.hasLatency.Store(true)
			return
		}
	}
}

func (s *InMemoryStore) Get(ctx context.Context, channelID string) (domain.ChannelMetrics, error) {
	m := domain.ChannelMetrics{
		ChannelID:    channelID,
		SuccessRate:  1,
		HealthStatus: domain.HealthUnknown,
	}

	v, ok := s.channels.Load(channelID)
	if !ok {
		return m, nil
	}
	st := v.(*channelState)

	m.RequestCount = st.requests.Load()
	m.ErrorCount = st.errors.Load()
	m.SuccessRate = successRate(m.RequestCount, m.ErrorCount)
	m.TokensUsed = st.tokens.Load()
	m.AvgResponseTimeMs = math.Float64frombits(st.latencyBits.Load())
	m.LastUsedAt = unixNanoPtr(st.lastUsed.Load())
	m.LastSuccessAt = unixNanoPtr(st.lastSuccess.Load())
	m.LastErrorAt = unixNanoPtr(st.lastError.Load())
	m.LastHealthCheckAt = unixNanoPtr(st.lastCheck.Load())

	st.mu.Lock()
	m.HealthStatus = st.health
	m.WindowRequests = st.windowRequests
	m.WindowErrors = st.windowErrors
	st.mu.Unlock()

	return m, nil
}

func (s *InMemoryStore) Health(ctx context.Context, channelID string) domain.HealthStatus {
	v, ok := s.channels.Load(channelID)
	if !ok {
		return domain.HealthUnknown
	}
	st := v.(*channelState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.health
}

func (s *InMemoryStore) Delete(ctx context.Context, channelID string) error {
	s.channels.Delete(channelID)
	return nil
}

func unixNanoPtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
