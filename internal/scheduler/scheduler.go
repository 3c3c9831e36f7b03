package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-automation/internal/automation"
	"trades-automation/internal/config"
	"trades-automation/internal/indicator"
	"trades-automation/internal/metrics"
	"trades-automation/internal/provider"
	"trades-automation/internal/trigger"
	"trades-automation/internal/twap"
)

const candleLimit = 100

// Option 定制调度器。
type Option func(*Scheduler)

// WithClock 替换时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler 周期性扫描到期规则并为每个到期槽位创建执行记录。
//
// 同一进程内按规则加锁；跨进程依靠 (rule_id, slot_key) 唯一约束与 next_run_at 条件更新，
// 保证同一槽位只会产生一条执行记录。
type Scheduler struct {
	store       automation.Store
	coordinator *twap.Coordinator
	market      provider.MarketData
	indicators  *indicator.Calculator
	evaluator   *trigger.Evaluator
	cfg         config.SchedulerConfig
	now         func() time.Time
	locks       *keyedMutex
	logger      *zap.Logger
}

// New 创建调度器。market 与 evaluator 仅用于条件触发规则，可为 nil。
func New(cfg config.SchedulerConfig, store automation.Store, coordinator *twap.Coordinator, market provider.MarketData, evaluator *trigger.Evaluator, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		store:       store,
		coordinator: coordinator,
		market:      market,
		indicators:  indicator.NewCalculator(),
		evaluator:   evaluator,
		cfg:         cfg,
		now:         time.Now,
		locks:       newKeyedMutex(),
		logger:      logger.With(zap.String("component", "scheduler")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pass 执行一轮调度，返回本轮新建的执行记录数（TWAP 按父单计1）。
// 单条规则失败不影响其他规则，所有错误合并返回。
func (s *Scheduler) Pass(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.SchedulerPassDuration.Observe(time.Since(start).Seconds())
	}()

	now := s.now().UTC()
	rules, err := s.store.ListDueRules(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("scheduler: 读取到期规则失败: %w", err)
	}
	if len(rules) == 0 {
		return 0, nil
	}

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	var (
		g       errgroup.Group
		created atomic.Int64
		mu      sync.Mutex
		errs    error
	)
	g.SetLimit(workers)
	for _, rule := range rules {
		rule := rule
		g.Go(func() error {
			n, err := s.fire(ctx, rule, now)
			created.Add(int64(n))
			if err != nil {
				s.logger.Warn("规则调度失败",
					zap.String("rule_id", rule.ID),
					zap.String("kind", string(rule.Kind())),
					zap.Error(err),
				)
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(created.Load()), errs
}

// fire 处理单条到期规则：先按槽位幂等创建，再条件推进 next_run_at。
// 创建后、推进前崩溃时，下一轮会重试同一槽位并被唯一约束吸收。
func (s *Scheduler) fire(ctx context.Context, due automation.Rule, now time.Time) (int, error) {
	unlock := s.locks.Lock(due.ID)
	defer unlock()

	rule, err := s.store.GetRule(ctx, due.ID)
	if errors.Is(err, automation.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scheduler: 读取规则 %s 失败: %w", due.ID, err)
	}
	if !rule.Active || !rule.NextRunAt.Equal(due.NextRunAt) || rule.NextRunAt.After(now) {
		return 0, nil
	}
	slot := rule.NextRunAt

	switch cfg := rule.Config.(type) {
	case automation.RecurringBuyConfig:
		return s.fireRecurring(ctx, rule, cfg, slot, now)
	case automation.TWAPConfig:
		return s.fireTWAP(ctx, rule, cfg, slot, now)
	case automation.CrossChainConfig:
		return s.fireCrossChain(ctx, rule, cfg, slot, now)
	case automation.ThresholdConfig:
		return s.fireThreshold(ctx, rule, cfg, slot, now)
	default:
		return 0, s.disable(ctx, rule, slot, fmt.Errorf("scheduler: 规则 %s 类型未知 %q", rule.ID, rule.Kind()))
	}
}

func (s *Scheduler) fireRecurring(ctx context.Context, rule automation.Rule, cfg automation.RecurringBuyConfig, slot, now time.Time) (int, error) {
	next, err := NextRun(cfg.Schedule, now)
	if err != nil {
		return 0, s.disable(ctx, rule, slot, err)
	}
	n, err := s.create(ctx, rule, automation.ExecutionTrade, slot, automation.Snapshot{
		Symbol:   cfg.Symbol,
		Side:     cfg.Side,
		Amount:   cfg.Amount,
		Slippage: cfg.Slippage,
	})
	if err != nil {
		return 0, err
	}
	return n, s.advance(ctx, rule, slot, next, true)
}

func (s *Scheduler) fireTWAP(ctx context.Context, rule automation.Rule, cfg automation.TWAPConfig, slot, now time.Time) (int, error) {
	var (
		next   = slot
		active = cfg.Schedule != ""
	)
	if active {
		var err error
		if next, err = NextRun(cfg.Schedule, now); err != nil {
			return 0, s.disable(ctx, rule, slot, err)
		}
	}
	if s.coordinator == nil {
		return 0, s.disable(ctx, rule, slot, errors.New("scheduler: 未配置 TWAP 协调器"))
	}

	n := 0
	order, slices, err := s.coordinator.Open(ctx, rule, slot)
	switch {
	case errors.Is(err, automation.ErrDuplicateSlot):
		s.logger.Debug("TWAP 槽位已创建", zap.String("rule_id", rule.ID), zap.Time("slot", slot))
	case err != nil:
		return 0, fmt.Errorf("scheduler: 创建 TWAP 父单失败 (rule=%s): %w", rule.ID, err)
	default:
		n = 1
		metrics.ExecutionsCreated.WithLabelValues(string(automation.KindTWAP)).Add(float64(len(slices)))
		s.logger.Info("TWAP 槽位已触发",
			zap.String("rule_id", rule.ID),
			zap.String("order_id", order.ID),
			zap.Int("slices", len(slices)),
		)
	}
	return n, s.advance(ctx, rule, slot, next, active)
}

func (s *Scheduler) fireCrossChain(ctx context.Context, rule automation.Rule, cfg automation.CrossChainConfig, slot, now time.Time) (int, error) {
	var (
		next   = slot
		active = cfg.Schedule != ""
	)
	if active {
		var err error
		if next, err = NextRun(cfg.Schedule, now); err != nil {
			return 0, s.disable(ctx, rule, slot, err)
		}
	}
	n, err := s.create(ctx, rule, automation.ExecutionCrossChain, slot, automation.Snapshot{
		Amount:    cfg.Amount,
		Slippage:  cfg.Slippage,
		FromChain: cfg.FromChain,
		ToChain:   cfg.ToChain,
		FromAsset: cfg.FromAsset,
		ToAsset:   cfg.ToAsset,
		Recipient: cfg.Recipient,
	})
	if err != nil {
		return 0, err
	}
	return n, s.advance(ctx, rule, slot, next, active)
}

// fireThreshold 条件不满足或行情不可用时在 check_interval 后复查；满足时下单并进入冷却。
func (s *Scheduler) fireThreshold(ctx context.Context, rule automation.Rule, cfg automation.ThresholdConfig, slot, now time.Time) (int, error) {
	if s.market == nil || s.evaluator == nil {
		return 0, s.disable(ctx, rule, slot, errors.New("scheduler: 未配置行情或条件求值器"))
	}

	recheck := now.Add(cfg.CheckInterval)
	candles, err := s.market.Candles(ctx, cfg.Symbol, cfg.Timeframe, candleLimit)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		s.logger.Warn("拉取K线失败，稍后复查",
			zap.String("rule_id", rule.ID),
			zap.String("symbol", cfg.Symbol),
			zap.Error(err),
		)
		return 0, s.advance(ctx, rule, slot, recheck, true)
	}

	values, err := s.indicators.Compute(cfg.Symbol, cfg.Timeframe, candles)
	if err != nil {
		s.logger.Warn("指标计算失败，稍后复查", zap.String("rule_id", rule.ID), zap.Error(err))
		return 0, s.advance(ctx, rule, slot, recheck, true)
	}

	matched, err := s.evaluator.Evaluate(cfg.Condition, values.Vars())
	if err != nil {
		return 0, s.disable(ctx, rule, slot, fmt.Errorf("scheduler: 条件求值失败 (rule=%s): %w", rule.ID, err))
	}
	if !matched {
		return 0, s.advance(ctx, rule, slot, recheck, true)
	}

	s.logger.Info("条件已满足",
		zap.String("rule_id", rule.ID),
		zap.String("condition", cfg.Condition),
		zap.Float64("price", values.Price),
	)
	n, err := s.create(ctx, rule, automation.ExecutionTrade, slot, automation.Snapshot{
		Symbol:   cfg.Symbol,
		Side:     cfg.Side,
		Amount:   cfg.Amount,
		Slippage: cfg.Slippage,
	})
	if err != nil {
		return 0, err
	}
	wait := cfg.Cooldown
	if wait < cfg.CheckInterval {
		wait = cfg.CheckInterval
	}
	return n, s.advance(ctx, rule, slot, now.Add(wait), true)
}

// create 幂等创建执行记录，槽位已存在视为已创建。
func (s *Scheduler) create(ctx context.Context, rule automation.Rule, kind automation.ExecutionKind, slot time.Time, snap automation.Snapshot) (int, error) {
	exec := automation.NewExecution(rule, kind, automation.SlotKey(slot), slot, snap)
	err := s.store.CreateExecution(ctx, exec)
	if errors.Is(err, automation.ErrDuplicateSlot) {
		s.logger.Debug("槽位已创建", zap.String("rule_id", rule.ID), zap.Time("slot", slot))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scheduler: 创建执行记录失败 (rule=%s): %w", rule.ID, err)
	}

	metrics.ExecutionsCreated.WithLabelValues(string(rule.Kind())).Inc()
	s.logger.Info("已创建执行记录",
		zap.String("rule_id", rule.ID),
		zap.String("execution_id", exec.ID),
		zap.String("kind", string(kind)),
		zap.String("slot", exec.SlotKey),
	)
	return 1, nil
}

func (s *Scheduler) advance(ctx context.Context, rule automation.Rule, slot, next time.Time, active bool) error {
	err := s.store.AdvanceRule(ctx, rule.ID, slot, next, active)
	if errors.Is(err, automation.ErrConflict) {
		s.logger.Debug("规则已被其他流程推进", zap.String("rule_id", rule.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduler: 推进规则 %s 失败: %w", rule.ID, err)
	}
	return nil
}

// disable 停用配置无法调度的规则，避免每轮重复报错。
func (s *Scheduler) disable(ctx context.Context, rule automation.Rule, slot time.Time, cause error) error {
	s.logger.Error("规则无法调度，已停用", zap.String("rule_id", rule.ID), zap.Error(cause))
	if err := s.advance(ctx, rule, slot, slot, false); err != nil {
		return multierr.Append(cause, err)
	}
	return cause
}
