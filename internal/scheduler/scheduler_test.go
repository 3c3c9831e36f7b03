package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-automation/internal/automation"
	"trades-automation/internal/config"
	"trades-automation/internal/provider"
	"trades-automation/internal/trigger"
	"trades-automation/internal/twap"
)

var now = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type fakeMarket struct {
	candles []provider.Candle
	err     error
}

func (f *fakeMarket) Name() string { return "fake" }

func (f *fakeMarket) LastPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not used")
}

func (f *fakeMarket) Candles(context.Context, string, string, int) ([]provider.Candle, error) {
	return f.candles, f.err
}

func rising(n int) []provider.Candle {
	out := make([]provider.Candle, n)
	for i := range out {
		p := float64(i + 1)
		out[i] = provider.Candle{
			Timestamp: now.Add(time.Duration(i-n) * time.Hour),
			Open:      p, High: p + 0.5, Low: p - 0.5, Close: p, Volume: 10,
		}
	}
	return out
}

func schedCfg() config.SchedulerConfig {
	return config.SchedulerConfig{Workers: 4, BatchSize: 50}
}

func newScheduler(t *testing.T, store automation.Store, market provider.MarketData) *Scheduler {
	t.Helper()
	eval, err := trigger.NewEvaluator()
	require.NoError(t, err)
	return New(schedCfg(), store, twap.NewCoordinator(store, 8, nil), market, eval, nil,
		WithClock(func() time.Time { return now }))
}

func addRule(t *testing.T, store automation.Store, id string, cfg automation.RuleConfig, next time.Time) {
	t.Helper()
	rule := automation.Rule{ID: id, Owner: "alice", Config: cfg, Active: true, NextRunAt: next}
	require.NoError(t, store.CreateRule(context.Background(), &rule))
}

func recurring(schedule string) automation.RecurringBuyConfig {
	return automation.RecurringBuyConfig{
		Symbol: "BTC/USDT", Side: provider.SideBuy, Amount: decimal.NewFromInt(100), Schedule: schedule,
	}
}

func TestRecurringCreatesExecutionAndAdvances(t *testing.T) {
	ctx := context.Background()
	store := automation.NewMemoryStore()
	slot := now.Add(-time.Minute)
	addRule(t, store, "r1", recurring("@every 1h"), slot)

	s := newScheduler(t, store, nil)
	n, err := s.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	execs, err := store.ListExecutions(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, automation.SlotKey(slot), execs[0].SlotKey)
	assert.Equal(t, automation.StateCreated, execs[0].State)
	assert.Equal(t, "BTC/USDT", execs[0].Snapshot.Symbol)

	rule, err := store.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, rule.Active)
	assert.Equal(t, now.Add(time.Hour), rule.NextRunAt)

	n, err = s.Pass(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNotDueRuleIsIgnored(t *testing.T) {
	store := automation.NewMemoryStore()
	addRule(t, store, "r1", recurring("@daily"), now.Add(time.Minute))

	n, err := newScheduler(t, store, nil).Pass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentPassesCreateExactlyOneExecution(t *testing.T) {
	ctx := context.Background()
	store := automation.NewMemoryStore()
	addRule(t, store, "r1", recurring("@every 1h"), now.Add(-time.Second))

	shared := newScheduler(t, store, nil)
	schedulers := []*Scheduler{shared, shared, shared, shared}
	for i := 0; i < 4; i++ {
		schedulers = append(schedulers, newScheduler(t, store, nil))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, s := range schedulers {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			n, err := s.Pass(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	execs, err := store.ListExecutions(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
	assert.Equal(t, 1, total)
}

func TestOneShotTWAPOpensSlicesAndDeactivates(t *testing.T) {
	ctx := context.Background()
	store := automation.NewMemoryStore()
	addRule(t, store, "tw", automation.TWAPConfig{
		Symbol: "ETH/USDT", Side: provider.SideBuy, TotalAmount: decimal.NewFromInt(1000),
		Slices: 4, Window: time.Hour,
	}, now)

	n, err := newScheduler(t, store, nil).Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	execs, err := store.ListExecutions(ctx, "tw", 0)
	require.NoError(t, err)
	require.Len(t, execs, 4)
	sum := decimal.Zero
	for _, e := range execs {
		assert.NotEmpty(t, e.ParentID)
		sum = sum.Add(e.Snapshot.Amount)
	}
	assert.True(t, sum.Equal(decimal.NewFromInt(1000)))

	rule, err := store.GetRule(ctx, "tw")
	require.NoError(t, err)
	assert.False(t, rule.Active)
}

func TestCrossChainSnapshot(t *testing.T) {
	ctx := context.Background()
	store := automation.NewMemoryStore()
	addRule(t, store, "cc", automation.CrossChainConfig{
		FromChain: "ethereum", ToChain: "base", FromAsset: "USDC", ToAsset: "USDC",
		Amount: decimal.NewFromInt(50), Recipient: "0x52908400098527886E0F7030069857D2E4169EE7",
	}, now)

	_, err := newScheduler(t, store, nil).Pass(ctx)
	require.NoError(t, err)

	execs, err := store.ListExecutions(ctx, "cc", 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, automation.ExecutionCrossChain, execs[0].Kind)
	assert.Equal(t, "base", execs[0].Snapshot.ToChain)
	assert.Equal(t, "USDC", execs[0].Snapshot.Asset())
}

func threshold(condition string) automation.ThresholdConfig {
	return automation.ThresholdConfig{
		Symbol: "BTC/USDT", Side: provider.SideBuy, Amount: decimal.NewFromInt(20),
		Condition: condition, Timeframe: "1h",
		CheckInterval: 5 * time.Minute, Cooldown: 2 * time.Hour,
	}
}

func TestThresholdRule(t *testing.T) {
	cases := []struct {
		name      string
		condition string
		market    *fakeMarket
		created   int
		next      time.Time
	}{
		{"matched enters cooldown", "price > 25.0 && sma > 10.0", &fakeMarket{candles: rising(30)}, 1, now.Add(2 * time.Hour)},
		{"unmatched rechecks", "price > 100.0", &fakeMarket{candles: rising(30)}, 0, now.Add(5 * time.Minute)},
		{"market error rechecks", "price > 1.0", &fakeMarket{err: provider.Transient("fake", "down", nil)}, 0, now.Add(5 * time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := automation.NewMemoryStore()
			addRule(t, store, "th", threshold(tc.condition), now)

			n, err := newScheduler(t, store, tc.market).Pass(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.created, n)

			rule, err := store.GetRule(ctx, "th")
			require.NoError(t, err)
			assert.True(t, rule.Active)
			assert.Equal(t, tc.next, rule.NextRunAt)
		})
	}
}

func TestUnschedulableRulesAreDeactivated(t *testing.T) {
	cases := map[string]automation.RuleConfig{
		"bad cron":      recurring("every tuesday"),
		"bad condition": threshold("price >"),
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := automation.NewMemoryStore()
			addRule(t, store, "bad", cfg, now)

			n, err := newScheduler(t, store, &fakeMarket{candles: rising(30)}).Pass(ctx)
			assert.Error(t, err)
			assert.Zero(t, n)

			rule, err := store.GetRule(ctx, "bad")
			require.NoError(t, err)
			assert.False(t, rule.Active)
		})
	}
}

func TestNextRunAndFirstRun(t *testing.T) {
	next, err := NextRun("0 9 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), next)

	_, err = NextRun("61 * * * *", now)
	assert.Error(t, err)

	first, err := FirstRun(recurring("@every 30m"), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Minute), first)

	first, err = FirstRun(threshold("price > 1.0"), now)
	require.NoError(t, err)
	assert.Equal(t, now, first)
}
