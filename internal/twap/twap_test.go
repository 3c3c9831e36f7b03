package twap

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-automation/internal/automation"
	"trades-automation/internal/provider"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestSliceEvenSplit(t *testing.T) {
	specs, err := Slice(Plan{Total: d("1000"), Slices: 4, Window: time.Hour, Start: start, Precision: 8})
	require.NoError(t, err)
	require.Len(t, specs, 4)
	for i, s := range specs {
		assert.True(t, s.Size.Equal(d("250")), "slice %d size %s", i, s.Size)
		assert.Equal(t, start.Add(time.Duration(i)*20*time.Minute), s.ScheduledAt)
		assert.Equal(t, i, s.Index)
	}
}

func TestSliceRemainderGoesToLast(t *testing.T) {
	specs, err := Slice(Plan{Total: d("100"), Slices: 3, Window: time.Minute, Start: start, Precision: 2})
	require.NoError(t, err)
	assert.True(t, specs[0].Size.Equal(d("33.33")))
	assert.True(t, specs[1].Size.Equal(d("33.33")))
	assert.True(t, specs[2].Size.Equal(d("33.34")))
}

func TestSliceRejectsInvalidPlans(t *testing.T) {
	cases := []Plan{
		{Total: d("0"), Slices: 2, Precision: 2},
		{Total: d("10"), Slices: 0, Precision: 2},
		{Total: d("10"), Slices: 2, Window: -time.Second, Precision: 2},
		{Total: d("0.01"), Slices: 5, Precision: 2},
	}
	for _, p := range cases {
		_, err := Slice(p)
		assert.Error(t, err, "plan %+v", p)
	}
}

func TestSliceProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("sizes sum to total, count and window hold", prop.ForAll(
		func(cents int64, n int, windowSec int64) bool {
			total := decimal.New(cents, -2)
			window := time.Duration(windowSec) * time.Second
			specs, err := Slice(Plan{Total: total, Slices: n, Window: window, Start: start, Precision: 8})
			if err != nil || len(specs) != n {
				return false
			}
			sum := decimal.Zero
			for i, s := range specs {
				if !s.Size.IsPositive() {
					return false
				}
				if i > 0 && s.ScheduledAt.Before(specs[i-1].ScheduledAt) {
					return false
				}
				sum = sum.Add(s.Size)
			}
			if !specs[0].ScheduledAt.Equal(start) {
				return false
			}
			if n > 1 && !specs[n-1].ScheduledAt.Equal(start.Add(window)) {
				return false
			}
			return sum.Equal(total)
		},
		gen.Int64Range(1, 1_000_000_000),
		gen.IntRange(1, 500),
		gen.Int64Range(0, 86400),
	))

	properties.TestingRun(t)
}

func filled(size, price string) *automation.Result {
	return &automation.Result{FilledSize: d(size), AvgPrice: d(price)}
}

func TestReconcileWeightedAverage(t *testing.T) {
	order := automation.TWAPOrder{SliceCount: 4}
	slices := []automation.Execution{
		{State: automation.StateConfirmed, Result: filled("2", "100")},
		{State: automation.StateConfirmed, Result: filled("1", "130")},
		{State: automation.StateConfirmed, Result: filled("1", "120")},
		{State: automation.StateConfirmed, Result: filled("1", "130")},
	}
	sum := Reconcile(order, slices)
	assert.Equal(t, automation.TWAPConfirmed, sum.Status)
	assert.True(t, sum.FilledSize.Equal(d("5")))
	assert.True(t, sum.AvgPrice.Equal(d("116")), "avg %s", sum.AvgPrice)
}

func TestReconcileStates(t *testing.T) {
	failed := automation.Execution{State: automation.StateFailed, Failure: &automation.Failure{Reason: automation.ReasonRejected}}
	pending := automation.Execution{State: automation.StateSubmitted}
	ok := automation.Execution{State: automation.StateConfirmed, Result: filled("1", "10")}
	partial := automation.Execution{State: automation.StateConfirmed, Result: &automation.Result{FilledSize: d("0.5"), AvgPrice: d("10"), Partial: true}}

	assert.Equal(t, automation.TWAPActive, Reconcile(automation.TWAPOrder{SliceCount: 2}, []automation.Execution{ok, pending}).Status)
	assert.Equal(t, automation.TWAPPartiallyFilled, Reconcile(automation.TWAPOrder{SliceCount: 2}, []automation.Execution{ok, failed}).Status)
	assert.Equal(t, automation.TWAPPartiallyFilled, Reconcile(automation.TWAPOrder{SliceCount: 2}, []automation.Execution{ok, partial}).Status)
	assert.Equal(t, automation.TWAPFailed, Reconcile(automation.TWAPOrder{SliceCount: 2}, []automation.Execution{failed, failed}).Status)
	assert.Equal(t, automation.TWAPCancelled, Reconcile(automation.TWAPOrder{SliceCount: 1, CancelRequested: true}, []automation.Execution{failed}).Status)
}

func twapRule() automation.Rule {
	return automation.Rule{
		ID:     "rule-twap",
		Owner:  "owner-1",
		Active: true,
		Config: automation.TWAPConfig{
			Symbol:      "BTC/USDT",
			Side:        provider.SideBuy,
			TotalAmount: d("1000"),
			Slices:      4,
			Window:      time.Hour,
			Slippage:    d("0.01"),
		},
	}
}

func settle(t *testing.T, store automation.Store, id string, state automation.State, result *automation.Result, failure *automation.Failure) {
	t.Helper()
	exec, err := store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	exec.State = state
	exec.Result = result
	exec.Failure = failure
	require.NoError(t, store.SaveExecution(context.Background(), &exec))
}

func TestCoordinatorOpenAndConfirm(t *testing.T) {
	ctx := context.Background()
	store := automation.NewMemoryStore()
	c := NewCoordinator(store, 8, nil)

	order, slices, err := c.Open(ctx, twapRule(), start)
	require.NoError(t, err)
	require.Len(t, slices, 4)
	for i, s := range slices {
		assert.Equal(t, order.ID, s.ParentID)
		assert.True(t, s.Snapshot.Amount.Equal(d("250")))
		assert.Equal(t, start.Add(time.Duration(i)*20*time.Minute), s.NextAttemptAt)
		assert.NotEmpty(t, s.IdempotencyKey)
	}

	_, _, err = c.Open(ctx, twapRule(), start)
	assert.ErrorIs(t, err, automation.ErrDuplicateSlot)

	prices := []string{"100", "130", "120", "130"}
	sizes := []string{"2", "1", "1", "1"}
	for i, s := range slices {
		settle(t, store, s.ID, automation.StateConfirmed, filled(sizes[i], prices[i]), nil)
	}

	got, err := c.Sync(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.TWAPConfirmed, got.Status)
	assert.True(t, got.AvgPrice.Equal(d("116")))
	assert.True(t, got.FilledSize.Equal(d("5")))
}

func TestCoordinatorCancelsRemainingAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := automation.NewMemoryStore()
	c := NewCoordinator(store, 8, nil)
	order, slices, err := c.Open(ctx, twapRule(), start)
	require.NoError(t, err)

	settle(t, store, slices[0].ID, automation.StateConfirmed, filled("0.01", "25000"), nil)
	settle(t, store, slices[1].ID, automation.StateFailed, nil, &automation.Failure{Reason: automation.ReasonRejected})

	got, err := c.Sync(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.TWAPPartiallyFilled, got.Status)
	assert.True(t, got.FilledSize.Equal(d("0.01")))

	remaining, err := store.ListSlices(ctx, order.ID)
	require.NoError(t, err)
	for _, s := range remaining[2:] {
		assert.Equal(t, automation.StateFailed, s.State)
		require.NotNil(t, s.Failure)
		assert.Equal(t, automation.ReasonCancelled, s.Failure.Reason)
	}
}

func TestCoordinatorCancelKeepsDispatchedSlices(t *testing.T) {
	ctx := context.Background()
	store := automation.NewMemoryStore()
	c := NewCoordinator(store, 8, nil)
	order, slices, err := c.Open(ctx, twapRule(), start)
	require.NoError(t, err)

	settle(t, store, slices[0].ID, automation.StateSubmitted, nil, nil)

	got, err := c.RequestCancel(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, automation.TWAPActive, got.Status)

	first, err := store.GetExecution(ctx, slices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, automation.StateSubmitted, first.State)

	settle(t, store, slices[0].ID, automation.StateConfirmed, filled("0.01", "25000"), nil)
	got, err = c.Sync(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.TWAPPartiallyFilled, got.Status)
}

func TestCoordinatorCancelBeforeDispatch(t *testing.T) {
	ctx := context.Background()
	store := automation.NewMemoryStore()
	c := NewCoordinator(store, 8, nil)
	order, _, err := c.Open(ctx, twapRule(), start)
	require.NoError(t, err)

	got, err := c.RequestCancel(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, automation.TWAPCancelled, got.Status)
	assert.True(t, got.FilledSize.IsZero())
}

func TestCoordinatorUnsettled(t *testing.T) {
	ctx := context.Background()
	store := automation.NewMemoryStore()
	c := NewCoordinator(store, 8, nil)

	done, doneSlices, err := c.Open(ctx, twapRule(), start)
	require.NoError(t, err)
	for _, s := range doneSlices {
		settle(t, store, s.ID, automation.StateConfirmed, filled("0.005", "50000"), nil)
	}

	running := twapRule()
	running.ID = "rule-running"
	_, runningSlices, err := c.Open(ctx, running, start)
	require.NoError(t, err)
	settle(t, store, runningSlices[0].ID, automation.StateConfirmed, filled("0.005", "50000"), nil)

	halted := twapRule()
	halted.ID = "rule-halted"
	haltedOrder, haltedSlices, err := c.Open(ctx, halted, start)
	require.NoError(t, err)
	settle(t, store, haltedSlices[0].ID, automation.StateFailed, nil, &automation.Failure{Reason: automation.ReasonRejected})

	got, err := c.Unsettled(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, o := range got {
		ids = append(ids, o.ID)
	}
	assert.ElementsMatch(t, []string{done.ID, haltedOrder.ID}, ids)

	for _, id := range ids {
		_, err := c.Sync(ctx, id)
		require.NoError(t, err)
	}
	got, err = c.Unsettled(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
