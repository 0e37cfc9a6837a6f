package ratelimit_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/tokengate/internal/audit"
	"github.com/AlexKimmel/tokengate/internal/bucket"
	"github.com/AlexKimmel/tokengate/internal/ratelimit"
	"github.com/AlexKimmel/tokengate/internal/ratelimit/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type mockMetrics struct{ mock.Mock }

func (m *mockMetrics) IncrementCheck(clientID, status string) error {
	return m.Called(clientID, status).Error(0)
}
func (m *mockMetrics) ObserveCheck(time.Duration) {}
func (m *mockMetrics) StoreError(op string)       { m.Called(op) }

type mockAudit struct{ mock.Mock }

func (m *mockAudit) Publish(ctx context.Context, e audit.Event) error {
	return m.Called(ctx, e).Error(0)
}

// plainStore has no Update, so the service must use get then set.
type plainStore struct {
	mu     sync.Mutex
	data   map[string]bucket.State
	ttls   map[string]time.Duration
	getErr error
	setErr error
	delay  time.Duration
	sets   int
}

func newPlainStore() *plainStore {
	return &plainStore{data: map[string]bucket.State{}, ttls: map[string]time.Duration{}}
}

func (s *plainStore) Get(ctx context.Context, clientID, resource string) (bucket.State, bool, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return bucket.State{}, false, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return bucket.State{}, false, s.getErr
	}
	st, ok := s.data[ratelimit.StorageKey(clientID, resource)]
	return st, ok, nil
}

func (s *plainStore) Set(_ context.Context, clientID, resource string, st bucket.State, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	key := ratelimit.StorageKey(clientID, resource)
	s.data[key] = st
	s.ttls[key] = ttl
	s.sets++
	return nil
}

var t0 = time.UnixMilli(1_700_000_000_000)

func newService(t *testing.T, store ratelimit.StateStore, cfg bucket.Config, opts ...ratelimit.Option) (*ratelimit.Service, *clock) {
	t.Helper()
	clk := &clock{t: t0}
	p, err := ratelimit.Single(cfg)
	require.NoError(t, err)
	svc, err := ratelimit.New(store, p, append([]ratelimit.Option{ratelimit.WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	return svc, clk
}

func TestService_ScenarioDrainDenyRefill(t *testing.T) {
	for name, store := range map[string]ratelimit.StateStore{
		"atomic": memory.New(),
		"plain":  newPlainStore(),
	} {
		t.Run(name, func(t *testing.T) {
			svc, clk := newService(t, store, bucket.Config{Capacity: 10, RefillRate: 1})
			ctx := context.Background()

			res, err := svc.CheckN(ctx, "c1", "/api", 10)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, int64(0), res.Remaining)
			assert.Equal(t, int64(10), res.Limit)
			assert.Equal(t, t0.Unix()+10, res.ResetAt)

			res, err = svc.Check(ctx, "c1", "/api")
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, int64(1), res.RetryAfter)

			clk.Advance(time.Second)
			res, err = svc.Check(ctx, "c1", "/api")
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, int64(0), res.Remaining)
		})
	}
}

func TestService_FreshBucketPerClientAndResource(t *testing.T) {
	svc, _ := newService(t, memory.New(), bucket.Config{Capacity: 3, RefillRate: 1})
	ctx := context.Background()

	res, err := svc.CheckN(ctx, "c1", "/a", 3)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, _ = svc.Check(ctx, "c1", "/b")
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Remaining)

	res, _ = svc.Check(ctx, "c2", "/a")
	assert.True(t, res.Allowed)
}

func TestService_PersistsDeniedState(t *testing.T) {
	store := newPlainStore()
	svc, clk := newService(t, store, bucket.Config{Capacity: 2, RefillRate: 1})
	ctx := context.Background()

	_, _ = svc.CheckN(ctx, "c1", "/a", 2)
	clk.Advance(500 * time.Millisecond)
	res, _ := svc.CheckN(ctx, "c1", "/a", 1)
	require.False(t, res.Allowed)

	assert.Equal(t, 2, store.sets, "denied check is written too")
	st := store.data[ratelimit.StorageKey("c1", "/a")]
	assert.InDelta(t, 0.5, st.Tokens, 1e-9)
	assert.Equal(t, clk.Now().UnixMilli(), st.LastRefill)
	assert.Equal(t, ratelimit.DefaultTTL, store.ttls[ratelimit.StorageKey("c1", "/a")])
}

func TestService_ExpiredBucketStartsFull(t *testing.T) {
	clk := &clock{t: t0}
	store := memory.New(memory.WithClock(clk.Now))
	p, _ := ratelimit.Single(bucket.Config{Capacity: 5, RefillRate: 0.001})
	svc, err := ratelimit.New(store, p, ratelimit.WithClock(clk.Now))
	require.NoError(t, err)
	ctx := context.Background()

	res, _ := svc.CheckN(ctx, "c1", "/a", 5)
	require.True(t, res.Allowed)

	clk.Advance(ratelimit.DefaultTTL)
	res, _ = svc.CheckN(ctx, "c1", "/a", 5)
	assert.True(t, res.Allowed, "idle bucket expired and came back full")
}

func TestService_InvalidRequests(t *testing.T) {
	store := newPlainStore()
	svc, _ := newService(t, store, bucket.Config{Capacity: 5, RefillRate: 1})
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		cost     float64
	}{
		{"empty client", "", 1},
		{"zero cost", "c1", 0},
		{"negative cost", "c1", -1},
		{"infinite cost", "c1", math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CheckN(ctx, tt.clientID, "/a", tt.cost)
			assert.ErrorIs(t, err, ratelimit.ErrInvalidRequest)
		})
	}
	assert.Zero(t, store.sets, "invalid requests never touch the store")
}

func TestService_CostAboveCapacityIsDenied(t *testing.T) {
	store := newPlainStore()
	m := &mockMetrics{}
	a := &mockAudit{}
	m.On("IncrementCheck", "c1", ratelimit.StatusBlocked).Return(nil).Once()
	a.On("Publish", mock.Anything, mock.MatchedBy(func(e audit.Event) bool {
		return e.ClientID == "c1" && !e.Allowed
	})).Return(nil).Once()

	svc, _ := newService(t, store, bucket.Config{Capacity: 10, RefillRate: 1},
		ratelimit.WithMetrics(m), ratelimit.WithAudit(a))

	res, err := svc.CheckN(context.Background(), "c1", "/a", 11)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, int64(10), res.Limit)
	assert.Equal(t, int64(1), res.RetryAfter)

	assert.Equal(t, 1, store.sets)
	assert.Equal(t, 10.0, store.data[ratelimit.StorageKey("c1", "/a")].Tokens)
	m.AssertExpectations(t)
	a.AssertExpectations(t)
}

func TestService_BlankClientIDIsAClient(t *testing.T) {
	svc, _ := newService(t, memory.New(), bucket.Config{Capacity: 1, RefillRate: 1})

	res, err := svc.Check(context.Background(), "  ", "/a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = svc.Check(context.Background(), " ", "/a")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a different id gets its own bucket")
}

func TestService_ReportsMetricsAndAudit(t *testing.T) {
	m := &mockMetrics{}
	a := &mockAudit{}
	m.On("IncrementCheck", "c1", ratelimit.StatusAllowed).Return(nil).Once()
	m.On("IncrementCheck", "c1", ratelimit.StatusBlocked).Return(nil).Once()
	a.On("Publish", mock.Anything, mock.MatchedBy(func(e audit.Event) bool {
		return e.ClientID == "c1" && e.Resource == "/a" && e.Allowed && e.Timestamp == t0.UnixMilli()
	})).Return(nil).Once()
	a.On("Publish", mock.Anything, mock.MatchedBy(func(e audit.Event) bool {
		return !e.Allowed
	})).Return(nil).Once()

	svc, _ := newService(t, memory.New(), bucket.Config{Capacity: 1, RefillRate: 1},
		ratelimit.WithMetrics(m), ratelimit.WithAudit(a))

	_, _ = svc.Check(context.Background(), "c1", "/a")
	_, _ = svc.Check(context.Background(), "c1", "/a")

	m.AssertExpectations(t)
	a.AssertExpectations(t)
}

func TestService_SinkFailuresDoNotChangeDecision(t *testing.T) {
	m := &mockMetrics{}
	a := &mockAudit{}
	m.On("IncrementCheck", mock.Anything, mock.Anything).Return(errors.New("metrics down"))
	a.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	svc, _ := newService(t, memory.New(), bucket.Config{Capacity: 2, RefillRate: 1},
		ratelimit.WithMetrics(m), ratelimit.WithAudit(a))

	res, err := svc.Check(context.Background(), "c1", "/a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Remaining)
	assert.False(t, res.Degraded)
}

func TestService_FailurePolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      ratelimit.FailurePolicy
		getErr      error
		setErr      error
		wantAllowed bool
		wantOp      string
	}{
		{name: "closed on read", policy: ratelimit.FailClosed, getErr: errors.New("down"), wantOp: "get"},
		{name: "closed on write", policy: ratelimit.FailClosed, setErr: errors.New("down"), wantOp: "set"},
		{name: "open on read", policy: ratelimit.FailOpen, getErr: errors.New("down"), wantAllowed: true, wantOp: "get"},
		{name: "open on write", policy: ratelimit.FailOpen, setErr: errors.New("down"), wantAllowed: true, wantOp: "set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newPlainStore()
			store.getErr, store.setErr = tt.getErr, tt.setErr

			m := &mockMetrics{}
			m.On("StoreError", tt.wantOp).Once()
			m.On("IncrementCheck", "c1", mock.Anything).Return(nil)

			svc, _ := newService(t, store, bucket.Config{Capacity: 10, RefillRate: 1},
				ratelimit.WithFailurePolicy(tt.policy), ratelimit.WithMetrics(m))

			res, err := svc.Check(context.Background(), "c1", "/a")
			require.NoError(t, err)
			assert.True(t, res.Degraded)
			assert.Equal(t, tt.wantAllowed, res.Allowed)
			assert.Equal(t, int64(10), res.Limit)
			if !tt.wantAllowed {
				assert.Equal(t, int64(1), res.RetryAfter)
			}
			m.AssertExpectations(t)
		})
	}
}

func TestService_StoreTimeoutAppliesPolicy(t *testing.T) {
	store := newPlainStore()
	store.delay = time.Second

	svc, _ := newService(t, store, bucket.Config{Capacity: 10, RefillRate: 1},
		ratelimit.WithStoreTimeout(10*time.Millisecond))

	start := time.Now()
	res, err := svc.Check(context.Background(), "c1", "/a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestService_CallerCancellationIsAnError(t *testing.T) {
	store := newPlainStore()
	store.delay = time.Second
	svc, _ := newService(t, store, bucket.Config{Capacity: 10, RefillRate: 1},
		ratelimit.WithStoreTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Check(ctx, "c1", "/a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_AtomicModeNeverOverAdmits(t *testing.T) {
	svc, _ := newService(t, memory.New(), bucket.Config{Capacity: 100, RefillRate: 0.0001})

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				res, err := svc.Check(context.Background(), "c1", "/a")
				assert.NoError(t, err)
				if res.Allowed {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), admitted.Load())
}

func TestService_RelaxedModeUsesGetThenSet(t *testing.T) {
	store := memory.New()
	svc, _ := newService(t, store, bucket.Config{Capacity: 3, RefillRate: 1}, ratelimit.WithRelaxedConsistency())

	res, err := svc.Check(context.Background(), "c1", "/a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	st, ok, err := store.Get(context.Background(), "c1", "/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, st.Tokens)
}

func TestNew_RejectsBadOptions(t *testing.T) {
	p, _ := ratelimit.Single(bucket.Config{Capacity: 1, RefillRate: 1})

	_, err := ratelimit.New(nil, p)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidPolicy)

	_, err = ratelimit.New(memory.New(), p, ratelimit.WithTTL(0))
	assert.ErrorIs(t, err, ratelimit.ErrInvalidPolicy)

	_, err = ratelimit.New(memory.New(), p, ratelimit.WithStoreTimeout(-time.Second))
	assert.ErrorIs(t, err, ratelimit.ErrInvalidPolicy)
}
