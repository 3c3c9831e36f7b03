package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-automation/internal/automation"
	"trades-automation/internal/config"
	"trades-automation/internal/execution"
	"trades-automation/internal/metrics"
	"trades-automation/internal/notify"
	"trades-automation/internal/scheduler"
	"trades-automation/internal/twap"
)

// recorder 为监控事件的写入方，*monitor.Service 实现它。
type recorder interface {
	RecordExecution(ctx context.Context, exec automation.Execution)
	RecordTransfer(ctx context.Context, t automation.Transfer)
	RecordTWAP(ctx context.Context, order automation.TWAPOrder)
	RecordBreaker(ctx context.Context, name, from, to string)
	RecordRule(ctx context.Context, rule automation.Rule, cause string)
	RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{})
}

type notifier interface {
	Notify(ev notify.Event)
}

// invalidator 在执行终结后使敞口缓存失效。
type invalidator interface {
	Invalidate()
}

type orchestrator struct {
	store       automation.Store
	scheduler   *scheduler.Scheduler
	machine     *execution.Machine
	coordinator *twap.Coordinator
	limits      invalidator
	monitor     recorder
	notifier    notifier
	cfg         config.SchedulerConfig
	logger      *zap.Logger
	now         func() time.Time

	workers *errgroup.Group

	mu       sync.Mutex
	inflight map[string]struct{}

	// twapMu 串行化父单汇总，保证终态只处理一次。
	twapMu sync.Mutex

	lastPrune time.Time
}

type orchestratorDeps struct {
	store       automation.Store
	scheduler   *scheduler.Scheduler
	machine     *execution.Machine
	coordinator *twap.Coordinator
	limits      invalidator
	monitor     recorder
	notifier    notifier
}

func newOrchestrator(cfg config.SchedulerConfig, deps orchestratorDeps, logger *zap.Logger) *orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	g := &errgroup.Group{}
	g.SetLimit(workers)

	return &orchestrator{
		store:       deps.store,
		scheduler:   deps.scheduler,
		machine:     deps.machine,
		coordinator: deps.coordinator,
		limits:      deps.limits,
		monitor:     deps.monitor,
		notifier:    deps.notifier,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		workers:     g,
		inflight:    make(map[string]struct{}),
	}
}

// Tick 执行一轮调度：为到期规则创建执行，再把可运行的执行交给工作池。
// 工作池已满时剩余执行留待下一轮，Tick 本身不等待执行结束。
func (o *orchestrator) Tick(ctx context.Context) error {
	created, passErr := o.scheduler.Pass(ctx)
	if passErr != nil {
		o.monitor.RecordError(ctx, "调度规则失败", passErr, nil)
	}

	now := o.now().UTC()
	batch := o.cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	o.reconcileTWAPs(ctx, batch)

	pending, err := o.store.ListActiveExecutions(ctx, now, batch)
	if err != nil {
		o.monitor.RecordError(ctx, "读取待执行记录失败", err, nil)
		return multierr.Append(passErr, fmt.Errorf("读取待执行记录失败: %w", err))
	}

	dispatched := 0
	for _, exec := range pending {
		if !o.claim(exec.ID) {
			continue
		}
		exec := exec
		if !o.workers.TryGo(func() error {
			defer o.release(exec.ID)
			o.drive(ctx, exec)
			return nil
		}) {
			o.release(exec.ID)
			break
		}
		dispatched++
	}

	if created > 0 || dispatched > 0 {
		o.logger.Debug("调度轮次完成",
			zap.Int("created", created),
			zap.Int("dispatched", dispatched),
			zap.Int("pending", len(pending)),
		)
	}

	o.prune(ctx, now)
	return passErr
}

// Wait 等待所有在途执行返回，退出前调用。
func (o *orchestrator) Wait() {
	_ = o.workers.Wait()
}

func (o *orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[id]; busy {
		return false
	}
	o.inflight[id] = struct{}{}
	metrics.InflightExecutions.Inc()
	return true
}

func (o *orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
	metrics.InflightExecutions.Dec()
}

func (o *orchestrator) drive(ctx context.Context, exec automation.Execution) {
	final, err := o.machine.Run(ctx, exec)
	if err != nil {
		if ctx.Err() != nil {
			o.logger.Info("执行被中断，重启后从已保存状态继续",
				zap.String("execution_id", exec.ID),
				zap.String("state", string(final.State)),
			)
			return
		}
		o.logger.Error("推进执行失败", zap.String("execution_id", exec.ID), zap.Error(err))
		o.monitor.RecordError(ctx, "推进执行失败", err, map[string]interface{}{"execution_id": exec.ID})
		return
	}
	if final.State.Terminal() {
		o.finish(context.WithoutCancel(ctx), final)
	}
}

// finish 处理终态：通知、更新规则连续失败计数、汇总 TWAP 父单。
func (o *orchestrator) finish(ctx context.Context, exec automation.Execution) {
	o.notifier.Notify(notify.FromExecution(exec))
	if o.limits != nil {
		o.limits.Invalidate()
	}

	if exec.ParentID != "" {
		o.syncTWAP(ctx, exec.ParentID)
		return
	}

	success := exec.State == automation.StateConfirmed
	rule, err := o.store.RecordRuleOutcome(ctx, exec.RuleID, success, o.cfg.DeactivateAfterFailures)
	if err != nil {
		o.logger.Warn("更新规则结果失败", zap.String("rule_id", exec.RuleID), zap.Error(err))
		return
	}
	if !success && o.deactivatedByFailures(rule) {
		o.logger.Warn("规则连续失败已停用",
			zap.String("rule_id", rule.ID),
			zap.Int("consecutive_failures", rule.ConsecutiveFailures),
		)
		o.monitor.RecordRule(ctx, rule, "consecutive failures")
	}
}

func (o *orchestrator) syncTWAP(ctx context.Context, orderID string) {
	o.twapMu.Lock()
	defer o.twapMu.Unlock()

	before, err := o.store.GetTWAPOrder(ctx, orderID)
	if err != nil {
		o.logger.Warn("读取 TWAP 父单失败", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	if before.Status.Terminal() {
		return
	}

	order, err := o.coordinator.Sync(ctx, orderID)
	if err != nil {
		o.logger.Warn("汇总 TWAP 父单失败", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	o.settleTWAP(ctx, order)
}

// reconcileTWAPs 汇总未在子单终结时完成收尾的父单，放在下发之前以便先取消应停止的子单。
func (o *orchestrator) reconcileTWAPs(ctx context.Context, limit int) {
	orders, err := o.coordinator.Unsettled(ctx, limit)
	if err != nil {
		o.monitor.RecordError(ctx, "读取待汇总 TWAP 父单失败", err, nil)
	}
	for _, order := range orders {
		o.logger.Info("补做 TWAP 父单汇总", zap.String("order_id", order.ID))
		o.syncTWAP(ctx, order.ID)
	}
}

// CancelTWAP 请求撤销父单，尚未下发的子单立即取消。
func (o *orchestrator) CancelTWAP(ctx context.Context, orderID string) (automation.TWAPOrder, error) {
	o.twapMu.Lock()
	defer o.twapMu.Unlock()

	before, err := o.store.GetTWAPOrder(ctx, orderID)
	if err != nil {
		return automation.TWAPOrder{}, err
	}
	order, err := o.coordinator.RequestCancel(ctx, orderID)
	if err != nil {
		return order, err
	}
	if !before.Status.Terminal() {
		o.settleTWAP(ctx, order)
	}
	return order, nil
}

// DeactivateRule 停用规则，已创建的执行不受影响。
func (o *orchestrator) DeactivateRule(ctx context.Context, ruleID string) (automation.Rule, error) {
	if err := o.store.DeactivateRule(ctx, ruleID); err != nil {
		return automation.Rule{}, err
	}
	rule, err := o.store.GetRule(ctx, ruleID)
	if err != nil {
		return automation.Rule{}, err
	}
	o.monitor.RecordRule(ctx, rule, "manual")
	return rule, nil
}

// settleTWAP 记录父单进度，父单终结时通知并更新规则结果。调用方持有 twapMu。
func (o *orchestrator) settleTWAP(ctx context.Context, order automation.TWAPOrder) {
	o.monitor.RecordTWAP(ctx, order)
	if !order.Status.Terminal() {
		return
	}
	o.notifier.Notify(notify.FromTWAP(order))
	// 主动撤单不计入规则成败。
	if order.CancelRequested {
		return
	}

	success := order.Status == automation.TWAPConfirmed
	rule, err := o.store.RecordRuleOutcome(ctx, order.RuleID, success, o.cfg.DeactivateAfterFailures)
	if err != nil {
		o.logger.Warn("更新规则结果失败", zap.String("rule_id", order.RuleID), zap.Error(err))
		return
	}
	if !success && o.deactivatedByFailures(rule) {
		o.monitor.RecordRule(ctx, rule, "consecutive failures")
	}
}

func (o *orchestrator) deactivatedByFailures(rule automation.Rule) bool {
	limit := o.cfg.DeactivateAfterFailures
	return !rule.Active && limit > 0 && rule.ConsecutiveFailures >= limit
}

// prune 按保留期清理已终结的执行记录，每小时至多一次。
func (o *orchestrator) prune(ctx context.Context, now time.Time) {
	if o.cfg.Retention <= 0 || now.Sub(o.lastPrune) < time.Hour {
		return
	}
	o.lastPrune = now
	n, err := o.store.PruneExecutions(ctx, now.Add(-o.cfg.Retention))
	if err != nil {
		o.logger.Warn("清理历史执行失败", zap.Error(err))
		return
	}
	if n > 0 {
		o.logger.Info("已清理历史执行", zap.Int64("count", n))
	}
}
