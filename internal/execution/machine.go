package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-automation/internal/automation"
	"trades-automation/internal/config"
	"trades-automation/internal/metrics"
	"trades-automation/internal/provider"
	"trades-automation/internal/risk"
)

// Submitter 按执行类型对接外部提供方。
type Submitter interface {
	// Recover 按幂等键查询此前的提交，found=false 表示提供方确认从未受理。
	Recover(ctx context.Context, exec *automation.Execution) (automation.Result, bool, error)
	Submit(ctx context.Context, exec *automation.Execution) (automation.Result, error)
}

// LimitSource 提供风控上限与敞口快照。
type LimitSource interface {
	Snapshot(ctx context.Context) (risk.Limits, risk.Exposure, error)
}

// Pricer 提供最新价格，用于把跨链金额换算为计价资产。
type Pricer interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Option 调整 Machine 的可注入依赖。
type Option func(*Machine)

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithSleep 替换退避等待函数。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Machine) { m.sleep = sleep }
}

// WithBackoff 替换退避策略。
func WithBackoff(b Backoff) Option {
	return func(m *Machine) { m.backoff = b }
}

// WithPricer 设置跨链风控的计价来源。未设置时跨链金额按源资产数量直接比较上限。
func WithPricer(prices Pricer, quoteAssets []string) Option {
	return func(m *Machine) {
		m.prices = prices
		m.quoteAssets = quoteAssets
	}
}

// WithListener 注册状态落盘后的回调，用于记录迁移历史。回调不得阻塞。
func WithListener(fn func(ctx context.Context, exec automation.Execution)) Option {
	return func(m *Machine) { m.listener = fn }
}

// Machine 驱动单个执行从 Created 走到终态。每次外部调用前先持久化状态。
type Machine struct {
	store       automation.Store
	limits      LimitSource
	submitters  map[automation.ExecutionKind]Submitter
	backoff     Backoff
	maxAttempts int
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	listener    func(ctx context.Context, exec automation.Execution)
	prices      Pricer
	quoteAssets []string
	logger      *zap.Logger
}

// NewMachine 创建状态机。
func NewMachine(cfg config.ExecutionConfig, store automation.Store, limits LimitSource, submitters map[automation.ExecutionKind]Submitter, logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	m := &Machine{
		store:       store,
		limits:      limits,
		submitters:  submitters,
		backoff:     NewBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
		maxAttempts: maxAttempts,
		now:         time.Now,
		sleep:       sleepCtx,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run 推进执行直至终态。ctx 取消时立即返回，已持久化的状态保持不变，后续可从该状态恢复。
func (m *Machine) Run(ctx context.Context, exec automation.Execution) (automation.Execution, error) {
	started := time.Now()
	defer func() {
		metrics.ExecutionDuration.WithLabelValues(string(exec.Kind)).Observe(time.Since(started).Seconds())
	}()

	// 从 Submitted 恢复说明上次提交结果未知，必须先按幂等键查询。
	resumed := exec.State == automation.StateSubmitted

	for !exec.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return exec, err
		}

		var err error
		switch exec.State {
		case automation.StateCreated:
			err = m.checkRisk(ctx, &exec)
		case automation.StateRiskChecked:
			err = m.dispatch(ctx, &exec, false)
		case automation.StateSubmitted:
			err = m.dispatch(ctx, &exec, resumed)
			resumed = false
		case automation.StateRetrying:
			if wait := exec.NextAttemptAt.Sub(m.now()); wait > 0 {
				if err := m.sleep(ctx, wait); err != nil {
					return exec, err
				}
			}
			err = m.dispatch(ctx, &exec, true)
		default:
			err = fmt.Errorf("execution: 未知状态 %q", exec.State)
		}
		if err != nil {
			return exec, err
		}
	}
	return exec, nil
}

func (m *Machine) checkRisk(ctx context.Context, exec *automation.Execution) error {
	limits, exposure, err := m.limits.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("execution: 获取风控快照失败: %w", err)
	}

	op, err := m.operationFor(ctx, *exec)
	if err != nil {
		if provider.IsRetryable(err) {
			return fmt.Errorf("execution: 跨链金额计价失败: %w", err)
		}
		return m.fail(ctx, exec, automation.Failure{
			Reason:  automation.ReasonRiskRejected,
			Message: "cannot price " + exec.Snapshot.FromAsset + ": " + err.Error(),
		})
	}

	decision := risk.Check(op, exposure, limits)
	if !decision.Pass() {
		m.logger.Warn("风控拒绝执行",
			zap.String("execution_id", exec.ID),
			zap.String("violation", string(decision.Violation)),
			zap.String("detail", decision.Message),
		)
		return m.fail(ctx, exec, automation.Failure{
			Reason:  automation.ReasonRiskRejected,
			Message: string(decision.Violation) + ": " + decision.Message,
		})
	}

	if err := exec.Transition(automation.StateRiskChecked, m.now().UTC()); err != nil {
		return err
	}
	return m.persist(ctx, exec)
}

// dispatch 进入 Submitted 并调用提供方。lookup 为 true 时先按幂等键查询，避免重复下单。
func (m *Machine) dispatch(ctx context.Context, exec *automation.Execution, lookup bool) error {
	submitter, ok := m.submitters[exec.Kind]
	if !ok {
		return m.fail(ctx, exec, automation.Failure{
			Reason:  automation.ReasonFatal,
			Message: fmt.Sprintf("no submitter for kind %s", exec.Kind),
		})
	}

	if exec.State != automation.StateSubmitted {
		if exec.Attempt >= m.maxAttempts {
			return m.fail(ctx, exec, automation.Failure{
				Reason:  automation.ReasonTransient,
				Message: "retry attempts exhausted",
			})
		}
		if err := exec.Transition(automation.StateSubmitted, m.now().UTC()); err != nil {
			return err
		}
		exec.Attempt++
		if err := m.persist(ctx, exec); err != nil {
			return err
		}
	}

	if lookup {
		res, found, err := submitter.Recover(ctx, exec)
		if err != nil {
			return m.handleError(ctx, exec, err)
		}
		if found {
			m.logger.Info("按幂等键找回此前提交",
				zap.String("execution_id", exec.ID),
				zap.String("external_id", res.ExternalID),
			)
			return m.confirm(ctx, exec, res)
		}
	}

	res, err := submitter.Submit(ctx, exec)
	if err != nil {
		return m.handleError(ctx, exec, err)
	}
	return m.confirm(ctx, exec, res)
}

func (m *Machine) handleError(ctx context.Context, exec *automation.Execution, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	kind := provider.KindOf(err)
	failure := automation.Failure{
		Reason:  automation.ReasonFor(kind),
		Message: err.Error(),
	}
	var stepErr *provider.StepError
	if errors.As(err, &stepErr) {
		failure.Step = stepErr.Step
		failure.CompletedSteps = stepErr.Completed
	}

	if kind == provider.KindTransient && exec.Attempt < m.maxAttempts {
		delay := m.backoff.Delay(exec.Attempt)
		now := m.now().UTC()
		if err := exec.Transition(automation.StateRetrying, now); err != nil {
			return err
		}
		exec.NextAttemptAt = now.Add(delay)
		metrics.ExecutionRetries.WithLabelValues(string(exec.Kind)).Inc()
		m.logger.Warn("外部调用失败，准备重试",
			zap.String("execution_id", exec.ID),
			zap.Int("attempt", exec.Attempt),
			zap.Duration("wait", delay),
			zap.Error(err),
		)
		return m.persist(ctx, exec)
	}

	return m.fail(ctx, exec, failure)
}

func (m *Machine) confirm(ctx context.Context, exec *automation.Execution, res automation.Result) error {
	now := m.now().UTC()
	if err := exec.Transition(automation.StateConfirmed, now); err != nil {
		return err
	}
	if res.CompletedAt.IsZero() {
		res.CompletedAt = now
	}
	exec.Result = &res
	exec.Failure = nil
	if err := m.persist(ctx, exec); err != nil {
		return err
	}
	m.observeTerminal(exec)
	return nil
}

func (m *Machine) fail(ctx context.Context, exec *automation.Execution, failure automation.Failure) error {
	if err := exec.Transition(automation.StateFailed, m.now().UTC()); err != nil {
		return err
	}
	exec.Failure = &failure
	if err := m.persist(ctx, exec); err != nil {
		return err
	}
	m.observeTerminal(exec)
	return nil
}

// persist 不受调用方取消影响，外部调用的结果必须落盘。
func (m *Machine) persist(ctx context.Context, exec *automation.Execution) error {
	ctx = context.WithoutCancel(ctx)
	if err := m.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("execution: 保存执行 %s 失败: %w", exec.ID, err)
	}
	if m.listener != nil {
		m.listener(ctx, *exec)
	}
	return nil
}

func (m *Machine) observeTerminal(exec *automation.Execution) {
	reason := ""
	if exec.Failure != nil {
		reason = string(exec.Failure.Reason)
	}
	outcome := exec.Outcome()
	metrics.ExecutionsTerminal.WithLabelValues(string(exec.Kind), string(outcome), reason).Inc()

	fields := []zap.Field{
		zap.String("execution_id", exec.ID),
		zap.String("rule_id", exec.RuleID),
		zap.String("outcome", string(outcome)),
		zap.Int("attempt", exec.Attempt),
	}
	if exec.Failure != nil {
		fields = append(fields,
			zap.String("reason", reason),
			zap.String("message", exec.Failure.Message),
			zap.Int("step", exec.Failure.Step),
		)
		m.logger.Warn("执行失败", fields...)
		return
	}
	m.logger.Info("执行完成", fields...)
}

// operationFor 构造风控操作。交易金额本身以计价资产计；跨链金额以源资产计，需按最新价换算。
func (m *Machine) operationFor(ctx context.Context, exec automation.Execution) (risk.Operation, error) {
	snap := exec.Snapshot
	op := risk.Operation{
		Asset:     snap.Asset(),
		Notional:  snap.Amount,
		Increases: exec.Kind == automation.ExecutionTrade && snap.Side == provider.SideBuy,
	}
	if exec.Kind != automation.ExecutionCrossChain || m.prices == nil || len(m.quoteAssets) == 0 {
		return op, nil
	}
	for _, q := range m.quoteAssets {
		if strings.EqualFold(q, snap.FromAsset) {
			return op, nil
		}
	}
	price, err := m.prices.LastPrice(ctx, strings.ToUpper(snap.FromAsset)+"/"+m.quoteAssets[0])
	if err != nil {
		return op, err
	}
	if !price.IsPositive() {
		return op, provider.Rejected("pricer", "non-positive price for "+snap.FromAsset, nil)
	}
	op.Notional = snap.Amount.Mul(price)
	return op, nil
}
