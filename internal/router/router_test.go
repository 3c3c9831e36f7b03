package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-automation/internal/automation"
	"trades-automation/internal/config"
	"trades-automation/internal/execution"
	"trades-automation/internal/provider"
	"trades-automation/internal/risk"
)

var now0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

type fakeRouter struct {
	name     string
	quote    provider.Quote
	quoteErr error
	block    bool
	failStep int
	pending  int

	mu       sync.Mutex
	executed []int
	polls    map[string]int
}

func newFakeRouter(name string, quote provider.Quote) *fakeRouter {
	quote.Provider = name
	return &fakeRouter{name: name, quote: quote, failStep: -1, polls: make(map[string]int)}
}

func (f *fakeRouter) Name() string { return f.name }

func (f *fakeRouter) GetQuote(ctx context.Context, _ provider.QuoteRequest) (provider.Quote, error) {
	if f.block {
		<-ctx.Done()
		return provider.Quote{}, provider.Transient(f.name, "quote timeout", ctx.Err())
	}
	return f.quote, f.quoteErr
}

func (f *fakeRouter) ExecuteStep(_ context.Context, q provider.Quote, i int) (provider.StepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, i)
	return provider.StepResult{Ref: fmt.Sprintf("%s:%d", q.RouteID, i), State: provider.StepPending}, nil
}

func (f *fakeRouter) GetStepStatus(_ context.Context, ref string) (provider.StepStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[ref]++
	if f.polls[ref] <= f.pending {
		return provider.StepStatus{Ref: ref, State: provider.StepPending}, nil
	}
	i, err := strconv.Atoi(ref[strings.LastIndex(ref, ":")+1:])
	if err != nil {
		return provider.StepStatus{}, err
	}
	if i == f.failStep {
		return provider.StepStatus{Ref: ref, State: provider.StepFailed, Message: "destination reverted"}, nil
	}
	return provider.StepStatus{Ref: ref, State: provider.StepSucceeded, TxHash: "0xabc"}, nil
}

func (f *fakeRouter) executedSteps() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.executed...)
}

func quote(routeID string, out, fee string, expires time.Time, steps ...string) provider.Quote {
	return provider.Quote{
		RouteID:     routeID,
		FromChain:   "ethereum",
		ToChain:     "arbitrum",
		FromAsset:   "USDC",
		ToAsset:     "USDC",
		AmountIn:    decimal.NewFromInt(1000),
		ExpectedOut: decimal.RequireFromString(out),
		Fee:         decimal.RequireFromString(fee),
		Steps:       steps,
		ExpiresAt:   expires,
	}
}

func execConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        10 * time.Second,
		QuoteTimeout:    50 * time.Millisecond,
		PollInterval:    time.Second,
		PollMaxInterval: 8 * time.Second,
		PollTimeout:     time.Minute,
	}
}

type limits struct{}

func (limits) Snapshot(context.Context) (risk.Limits, risk.Exposure, error) {
	return risk.Limits{MaxNotional: decimal.NewFromInt(5000)}, risk.Exposure{}, nil
}

func newCrossChainExecution(t *testing.T, store automation.Store) *automation.Execution {
	t.Helper()
	exec := automation.NewExecution(automation.Rule{ID: "rule-cc", Owner: "owner"}, automation.ExecutionCrossChain, "slot", now0,
		automation.Snapshot{
			FromChain: "ethereum", ToChain: "arbitrum",
			FromAsset: "USDC", ToAsset: "USDC",
			Amount:    decimal.NewFromInt(1000),
			Recipient: "0x52908400098527886E0F7030069857D2E4169EE7",
		})
	require.NoError(t, store.CreateExecution(context.Background(), exec))
	return exec
}

func TestSelectPolicy(t *testing.T) {
	priority := func(name string) int {
		return map[string]int{"a": 0, "b": 1, "c": 2}[name]
	}
	later := now0.Add(time.Minute)

	withProvider := func(q provider.Quote, name string) provider.Quote {
		q.Provider = name
		return q
	}

	cases := []struct {
		name   string
		quotes []provider.Quote
		want   string
	}{
		{"max net output", []provider.Quote{
			withProvider(quote("1", "990", "5", later), "a"),
			withProvider(quote("2", "995", "3", later), "b"),
		}, "b"},
		{"lower fee on equal net", []provider.Quote{
			withProvider(quote("1", "995", "5", later), "a"),
			withProvider(quote("2", "993", "3", later), "b"),
		}, "b"},
		{"priority on full tie", []provider.Quote{
			withProvider(quote("1", "990", "5", later), "c"),
			withProvider(quote("2", "990", "5", later), "a"),
		}, "a"},
		{"expired never selected", []provider.Quote{
			withProvider(quote("1", "2000", "0", now0), "a"),
			withProvider(quote("2", "990", "5", later), "b"),
		}, "b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Select(tc.quotes, now0, priority)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Provider)
		})
	}

	_, err := Select([]provider.Quote{withProvider(quote("1", "990", "5", now0.Add(-time.Second)), "a")}, now0, priority)
	assert.Equal(t, provider.KindNoRoute, provider.KindOf(err))
	_, err = Select(nil, now0, priority)
	assert.Equal(t, provider.KindNoRoute, provider.KindOf(err))
}

func TestFetchQuotesDropsErrorsAndTimeouts(t *testing.T) {
	reg := provider.NewRegistry()
	ok := newFakeRouter("ok", quote("r-ok", "990", "1", now0.Add(time.Minute)))
	broken := newFakeRouter("broken", provider.Quote{})
	broken.quoteErr = provider.Rejected("broken", "unsupported pair", nil)
	slow := newFakeRouter("slow", provider.Quote{})
	slow.block = true
	require.NoError(t, reg.Register(slow))
	require.NoError(t, reg.Register(broken))
	require.NoError(t, reg.Register(ok))

	r := New(reg, automation.NewMemoryStore(), execConfig(), nil)
	quotes := r.FetchQuotes(context.Background(), provider.QuoteRequest{})
	require.Len(t, quotes, 1)
	assert.Equal(t, "ok", quotes[0].Provider)
}

func TestExpiredQuoteSkippedAndStepFailureRecorded(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: now0}
	store := automation.NewMemoryStore()

	x := newFakeRouter("x", quote("route-x", "1000", "0", now0.Add(-time.Second), "lock", "bridge", "settle"))
	y := newFakeRouter("y", quote("route-y", "990", "5", now0.Add(5*time.Minute), "lock", "bridge", "settle"))
	y.failStep = 1
	y.pending = 1

	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(x))
	require.NoError(t, reg.Register(y))

	r := New(reg, store, execConfig(), nil, WithClock(clk.Now), WithSleep(clk.Sleep))
	m := execution.NewMachine(execConfig(), store, limits{},
		map[automation.ExecutionKind]execution.Submitter{automation.ExecutionCrossChain: r}, nil,
		execution.WithClock(clk.Now), execution.WithSleep(clk.Sleep))

	exec := newCrossChainExecution(t, store)
	got, err := m.Run(ctx, *exec)
	require.NoError(t, err)

	assert.Equal(t, automation.StateFailed, got.State)
	require.NotNil(t, got.Failure)
	assert.Equal(t, automation.ReasonRejected, got.Failure.Reason)
	assert.Equal(t, 2, got.Failure.Step)
	assert.Equal(t, 1, got.Failure.CompletedSteps)
	assert.Equal(t, automation.OutcomePartiallyFilled, got.Outcome())

	assert.Empty(t, x.executedSteps())
	assert.Equal(t, []int{0, 1}, y.executedSteps())

	transfer, err := store.GetTransferByExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "y", transfer.Route.Provider)
	assert.Equal(t, automation.TransferFailed, transfer.Status)
	assert.Equal(t, provider.StepSucceeded, transfer.Steps[0].State)
	assert.Equal(t, provider.StepFailed, transfer.Steps[1].State)
	assert.Equal(t, provider.StepPending, transfer.Steps[2].State)
}

func TestTransferCompletesInOrder(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: now0}
	store := automation.NewMemoryStore()
	y := newFakeRouter("y", quote("route-y", "990", "10", now0.Add(5*time.Minute), "lock", "bridge"))
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(y))

	r := New(reg, store, execConfig(), nil, WithClock(clk.Now), WithSleep(clk.Sleep))
	exec := newCrossChainExecution(t, store)

	res, err := r.Submit(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, "route-y", res.ExternalID)
	assert.True(t, res.FilledSize.Equal(decimal.NewFromInt(1000)))
	assert.True(t, res.AvgPrice.Equal(decimal.RequireFromString("0.98")))
	assert.Equal(t, []int{0, 1}, y.executedSteps())

	// 完成后再次恢复不会触发任何步骤。
	again, found, err := r.Recover(ctx, exec)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, res.ExternalID, again.ExternalID)
	assert.Equal(t, []int{0, 1}, y.executedSteps())
}

func TestRecoverRequotesUnstartedExpiredTransfer(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: now0}
	store := automation.NewMemoryStore()
	reg := provider.NewRegistry()
	r := New(reg, store, execConfig(), nil, WithClock(clk.Now), WithSleep(clk.Sleep))
	exec := newCrossChainExecution(t, store)

	_, found, err := r.Recover(ctx, exec)
	require.NoError(t, err)
	assert.False(t, found)

	transfer := newTransfer(exec.ID, quote("route-z", "990", "1", now0.Add(-time.Second), "lock"), now0)
	transfer.Route.Provider = "z"
	require.NoError(t, store.SaveTransfer(ctx, &transfer))

	_, found, err = r.Recover(ctx, exec)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecoverReportsFailedTransfer(t *testing.T) {
	ctx := context.Background()
	store := automation.NewMemoryStore()
	r := New(provider.NewRegistry(), store, execConfig(), nil)
	exec := newCrossChainExecution(t, store)

	transfer := newTransfer(exec.ID, quote("route-z", "990", "1", now0, "lock", "bridge"), now0)
	transfer.Route.Provider = "z"
	transfer.Steps[0].State = provider.StepSucceeded
	transfer.Steps[1].State = provider.StepFailed
	transfer.Status = automation.TransferFailed
	require.NoError(t, store.SaveTransfer(ctx, &transfer))

	_, found, err := r.Recover(ctx, exec)
	assert.True(t, found)
	var stepErr *provider.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 2, stepErr.Step)
	assert.Equal(t, 1, stepErr.Completed)
	assert.Equal(t, provider.KindRejected, provider.KindOf(err))
}
