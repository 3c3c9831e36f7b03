package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-automation/internal/config"
	"trades-automation/internal/provider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubVenue struct {
	name  string
	mu    sync.Mutex
	calls int
	err   error
	block bool
}

func (s *stubVenue) Name() string { return s.name }

func (s *stubVenue) PlaceOrder(ctx context.Context, _ provider.OrderSpec, _ string) (provider.Order, error) {
	s.mu.Lock()
	s.calls++
	err, block := s.err, s.block
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return provider.Order{}, ctx.Err()
	}
	return provider.Order{ID: "o1", Status: provider.OrderFilled}, err
}

func (s *stubVenue) GetOrderStatus(context.Context, string, string) (provider.Order, error) {
	return provider.Order{}, nil
}

func (s *stubVenue) LookupOrder(context.Context, string, string) (provider.Order, bool, error) {
	return provider.Order{}, false, nil
}

func (s *stubVenue) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubVenue) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestSet(clock *fakeClock) *Set {
	return NewSet(config.BreakerConfig{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}, nil, WithClock(clock.Now))
}

func TestBreakerOpensAfterThresholdWithoutCallingProvider(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	set := newTestSet(clock)
	inner := &stubVenue{name: "venue", err: provider.Transient("venue", "network", nil)}
	v := WrapVenue(inner, set, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := v.PlaceOrder(ctx, provider.OrderSpec{}, "k")
		require.Error(t, err)
	}
	require.Equal(t, 3, inner.callCount())

	_, err := v.PlaceOrder(ctx, provider.OrderSpec{}, "k")
	require.ErrorIs(t, err, provider.ErrBreakerOpen)
	assert.Equal(t, provider.KindTransient, provider.KindOf(err))
	assert.Equal(t, 3, inner.callCount())

	state, _ := set.Get("venue").State()
	assert.Equal(t, Open, state)
}

func TestBreakerHalfOpenAllowsSingleProbe(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	set := newTestSet(clock)
	b := set.Get("router")
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.Record(provider.Transient("router", "timeout", nil))
	}
	require.ErrorIs(t, b.Allow(), provider.ErrBreakerOpen)

	clock.Advance(31 * time.Second)
	require.NoError(t, b.Allow(), "first call after cooldown is the probe")
	require.ErrorIs(t, b.Allow(), provider.ErrBreakerOpen, "second concurrent call must be rejected")

	state, _ := b.State()
	assert.Equal(t, HalfOpen, state)

	b.Record(nil)
	state, _ = b.State()
	assert.Equal(t, Closed, state)
	assert.NoError(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	set := newTestSet(clock)
	b := set.Get("router")
	for i := 0; i < 3; i++ {
		b.Record(provider.Fatal("router", "auth", nil))
	}
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	b.Record(provider.Transient("router", "timeout", nil))

	state, _ := b.State()
	assert.Equal(t, Open, state)
	assert.ErrorIs(t, b.Allow(), provider.ErrBreakerOpen)
}

func TestBreakerIgnoresRejectedAndPrunesWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	set := newTestSet(clock)
	b := set.Get("venue")

	for i := 0; i < 5; i++ {
		b.Record(provider.Rejected("venue", "insufficient balance", nil))
	}
	state, _ := b.State()
	assert.Equal(t, Closed, state)

	b.Record(provider.Transient("venue", "x", nil))
	b.Record(provider.Transient("venue", "x", nil))
	clock.Advance(2 * time.Minute)
	b.Record(provider.Transient("venue", "x", nil))
	state, _ = b.State()
	assert.Equal(t, Closed, state, "failures outside the window must not count")
}

func TestBreakersAreIsolatedPerProvider(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	set := newTestSet(clock)
	for i := 0; i < 3; i++ {
		set.Get("x").Record(provider.Transient("x", "down", nil))
	}
	assert.ErrorIs(t, set.Get("x").Allow(), provider.ErrBreakerOpen)
	assert.NoError(t, set.Get("y").Allow())

	states := set.States()
	assert.Equal(t, Open, states["x"])
	assert.Equal(t, Closed, states["y"])
}

func TestCallTimeoutIsTransient(t *testing.T) {
	set := NewSet(config.BreakerConfig{FailureThreshold: 5, Window: time.Minute, Cooldown: time.Second}, nil)
	inner := &stubVenue{name: "slow", block: true}
	v := WrapVenue(inner, set, 10*time.Millisecond)

	_, err := v.PlaceOrder(context.Background(), provider.OrderSpec{}, "k")
	require.Error(t, err)
	assert.Equal(t, provider.KindTransient, provider.KindOf(err))
}

func TestCallerCancellationDoesNotCountAsFailure(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	set := newTestSet(clock)
	inner := &stubVenue{name: "venue", block: true}
	v := WrapVenue(inner, set, time.Minute)

	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := v.PlaceOrder(ctx, provider.OrderSpec{}, "k")
		require.True(t, errors.Is(err, context.Canceled))
	}
	state, _ := set.Get("venue").State()
	assert.Equal(t, Closed, state)
}

func TestStateListenerReceivesTransitions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var got []State
	set := NewSet(config.BreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Second}, nil,
		WithClock(clock.Now),
		WithStateListener(func(_ string, _, to State) { got = append(got, to) }),
	)
	b := set.Get("p")
	b.Record(provider.Transient("p", "x", nil))
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	b.Record(nil)

	assert.Equal(t, []State{Open, HalfOpen, Closed}, got)
}
