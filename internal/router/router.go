package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-automation/internal/automation"
	"trades-automation/internal/config"
	"trades-automation/internal/metrics"
	"trades-automation/internal/provider"
)

// Router 向全部跨链提供方询价，按确定性策略选出报价，并逐步推进转账。
type Router struct {
	registry        *provider.Registry
	store           automation.Store
	quoteTimeout    time.Duration
	pollInterval    time.Duration
	pollMaxInterval time.Duration
	pollTimeout     time.Duration
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error
	listener        func(ctx context.Context, transfer automation.Transfer)
	logger          *zap.Logger
}

// Option 调整 Router 的可注入依赖。
type Option func(*Router)

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithSleep 替换轮询等待函数。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Router) { r.sleep = sleep }
}

// WithListener 注册转账记录落盘后的回调。
func WithListener(fn func(ctx context.Context, transfer automation.Transfer)) Option {
	return func(r *Router) { r.listener = fn }
}

// New 创建路由器，registry 的登记顺序即优先级。
func New(registry *provider.Registry, store automation.Store, cfg config.ExecutionConfig, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	r := &Router{
		registry:        registry,
		store:           store,
		quoteTimeout:    cfg.QuoteTimeout,
		pollInterval:    interval,
		pollMaxInterval: cfg.PollMaxInterval,
		pollTimeout:     cfg.PollTimeout,
		now:             time.Now,
		sleep:           sleepCtx,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FetchQuotes 并发询价，单个提供方失败或超时只会使其报价被丢弃。
func (r *Router) FetchQuotes(ctx context.Context, req provider.QuoteRequest) []provider.Quote {
	routers := r.registry.Routers()
	if len(routers) == 0 {
		return nil
	}

	if r.quoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.quoteTimeout)
		defer cancel()
	}

	results := make([]*provider.Quote, len(routers))
	var g errgroup.Group
	for i, rt := range routers {
		g.Go(func() error {
			q, err := rt.GetQuote(ctx, req)
			if err != nil {
				metrics.QuotesReceived.WithLabelValues(rt.Name(), "error").Inc()
				r.logger.Warn("获取跨链报价失败",
					zap.String("provider", rt.Name()),
					zap.Error(err),
				)
				return nil
			}
			if q.Provider == "" {
				q.Provider = rt.Name()
			}
			results[i] = &q
			return nil
		})
	}
	_ = g.Wait()

	quotes := make([]provider.Quote, 0, len(results))
	for _, q := range results {
		if q != nil {
			quotes = append(quotes, *q)
		}
	}
	return quotes
}

// Select 丢弃已过期或无净产出的报价，按净到账量降序、费用升序、提供方优先级升序选出最优报价。
func Select(quotes []provider.Quote, now time.Time, priority func(string) int) (provider.Quote, error) {
	valid := make([]provider.Quote, 0, len(quotes))
	for _, q := range quotes {
		switch {
		case q.Expired(now):
			metrics.QuotesReceived.WithLabelValues(q.Provider, "expired").Inc()
		case !q.NetOutput().IsPositive():
			metrics.QuotesReceived.WithLabelValues(q.Provider, "invalid").Inc()
		default:
			metrics.QuotesReceived.WithLabelValues(q.Provider, "valid").Inc()
			valid = append(valid, q)
		}
	}
	if len(valid) == 0 {
		return provider.Quote{}, provider.NoRoute(fmt.Sprintf("no valid quote among %d received", len(quotes)))
	}

	sort.SliceStable(valid, func(i, j int) bool {
		a, b := valid[i], valid[j]
		if c := a.NetOutput().Cmp(b.NetOutput()); c != 0 {
			return c > 0
		}
		if c := a.Fee.Cmp(b.Fee); c != 0 {
			return c < 0
		}
		if pa, pb := priority(a.Provider), priority(b.Provider); pa != pb {
			return pa < pb
		}
		return a.Provider < b.Provider
	})
	return valid[0], nil
}

// Submit 询价选路后创建转账记录并推进全部步骤。
func (r *Router) Submit(ctx context.Context, exec *automation.Execution) (automation.Result, error) {
	snap := exec.Snapshot
	quotes := r.FetchQuotes(ctx, provider.QuoteRequest{
		FromChain: snap.FromChain,
		ToChain:   snap.ToChain,
		FromAsset: snap.FromAsset,
		ToAsset:   snap.ToAsset,
		Amount:    snap.Amount,
		Recipient: snap.Recipient,
		Slippage:  snap.Slippage,
	})
	if err := ctx.Err(); err != nil {
		return automation.Result{}, err
	}

	best, err := Select(quotes, r.now(), r.registry.Priority)
	if err != nil {
		return automation.Result{}, err
	}

	r.logger.Info("已选定跨链路由",
		zap.String("execution_id", exec.ID),
		zap.String("provider", best.Provider),
		zap.String("route_id", best.RouteID),
		zap.String("net_output", best.NetOutput().String()),
		zap.Int("candidates", len(quotes)),
	)

	transfer := newTransfer(exec.ID, best, r.now().UTC())
	if err := r.save(ctx, &transfer); err != nil {
		return automation.Result{}, err
	}
	return r.drive(ctx, &transfer)
}

// Recover 查找此前的转账：已完成直接返回结果，进行中则继续推进；尚未提交任何步骤且报价已过期时返回 found=false 以重新询价。
func (r *Router) Recover(ctx context.Context, exec *automation.Execution) (automation.Result, bool, error) {
	transfer, err := r.store.GetTransferByExecution(ctx, exec.ID)
	if errors.Is(err, automation.ErrNotFound) {
		return automation.Result{}, false, nil
	}
	if err != nil {
		return automation.Result{}, false, fmt.Errorf("router: 读取转账记录失败: %w", err)
	}

	switch transfer.Status {
	case automation.TransferCompleted:
		return resultOf(transfer), true, nil
	case automation.TransferFailed:
		return automation.Result{}, true, failedStepError(transfer)
	}

	if !transfer.Started() && transfer.Route.Expired(r.now()) {
		return automation.Result{}, false, nil
	}

	res, err := r.drive(ctx, &transfer)
	return res, true, err
}

// drive 严格按顺序推进步骤，前一步成功后才开始下一步，每次变化都会落盘。
func (r *Router) drive(ctx context.Context, transfer *automation.Transfer) (automation.Result, error) {
	rt, ok := r.registry.Get(transfer.Route.Provider)
	if !ok {
		return automation.Result{}, provider.Fatal("router", fmt.Sprintf("provider %q not registered", transfer.Route.Provider), nil)
	}

	for i := range transfer.Steps {
		step := &transfer.Steps[i]
		switch step.State {
		case provider.StepSucceeded:
			continue
		case provider.StepFailed:
			return automation.Result{}, failedStepError(*transfer)
		}

		if step.Ref == "" {
			res, err := rt.ExecuteStep(ctx, transfer.Route, i)
			if err != nil {
				return automation.Result{}, r.stepFailed(ctx, transfer, i, err)
			}
			step.Ref = res.Ref
			step.State = res.State
			step.TxHash = res.TxHash
			step.UpdatedAt = r.now().UTC()
			if step.State == "" {
				step.State = provider.StepPending
			}
			if err := r.save(ctx, transfer); err != nil {
				return automation.Result{}, err
			}
			r.logger.Info("跨链步骤已提交",
				zap.String("transfer_id", transfer.ID),
				zap.Int("step", i+1),
				zap.String("name", step.Name),
				zap.String("ref", step.Ref),
			)
		}

		if err := r.awaitStep(ctx, rt, transfer, i); err != nil {
			return automation.Result{}, err
		}
	}

	transfer.Status = automation.TransferCompleted
	transfer.UpdatedAt = r.now().UTC()
	if err := r.save(ctx, transfer); err != nil {
		return automation.Result{}, err
	}
	return resultOf(*transfer), nil
}

// awaitStep 轮询步骤直至终结，间隔翻倍至 pollMaxInterval，超过 pollTimeout 视为 Transient。
func (r *Router) awaitStep(ctx context.Context, rt provider.Router, transfer *automation.Transfer, i int) error {
	step := &transfer.Steps[i]
	deadline := r.now().Add(r.pollTimeout)
	interval := r.pollInterval

	for !step.State.Terminal() {
		if r.pollTimeout > 0 && !r.now().Before(deadline) {
			return &provider.StepError{
				Step:      i + 1,
				Completed: transfer.CompletedSteps(),
				Err:       provider.Transient(rt.Name(), fmt.Sprintf("step %d not final after %s", i+1, r.pollTimeout), nil),
			}
		}
		if err := r.sleep(ctx, interval); err != nil {
			return err
		}
		if interval *= 2; r.pollMaxInterval > 0 && interval > r.pollMaxInterval {
			interval = r.pollMaxInterval
		}

		status, err := rt.GetStepStatus(ctx, step.Ref)
		if err != nil {
			if provider.IsRetryable(err) {
				return &provider.StepError{Step: i + 1, Completed: transfer.CompletedSteps(), Err: err}
			}
			return r.stepFailed(ctx, transfer, i, err)
		}
		if status.State == step.State && status.TxHash == step.TxHash {
			continue
		}
		step.State = status.State
		step.TxHash = status.TxHash
		step.Message = status.Message
		step.UpdatedAt = r.now().UTC()
		if err := r.save(ctx, transfer); err != nil {
			return err
		}
	}

	if step.State == provider.StepFailed {
		msg := step.Message
		if msg == "" {
			msg = "step reported failed"
		}
		return r.stepFailed(ctx, transfer, i, provider.Rejected(rt.Name(), msg, nil))
	}
	return nil
}

// stepFailed 对不可重试的错误将步骤与转账标记为失败；可重试错误保持进度以便恢复。
func (r *Router) stepFailed(ctx context.Context, transfer *automation.Transfer, i int, cause error) error {
	stepErr := &provider.StepError{Step: i + 1, Completed: transfer.CompletedSteps(), Err: cause}
	if provider.IsRetryable(cause) || ctx.Err() != nil {
		return stepErr
	}

	now := r.now().UTC()
	step := &transfer.Steps[i]
	step.State = provider.StepFailed
	if step.Message == "" {
		step.Message = cause.Error()
	}
	step.UpdatedAt = now
	transfer.Status = automation.TransferFailed
	transfer.UpdatedAt = now
	if err := r.save(ctx, transfer); err != nil {
		return err
	}

	r.logger.Warn("跨链步骤失败",
		zap.String("transfer_id", transfer.ID),
		zap.Int("step", i+1),
		zap.Int("completed_steps", stepErr.Completed),
		zap.Error(cause),
	)
	return stepErr
}

func (r *Router) save(ctx context.Context, transfer *automation.Transfer) error {
	ctx = context.WithoutCancel(ctx)
	if err := r.store.SaveTransfer(ctx, transfer); err != nil {
		return fmt.Errorf("router: 保存转账记录失败: %w", err)
	}
	if r.listener != nil {
		r.listener(ctx, *transfer)
	}
	return nil
}

func newTransfer(executionID string, quote provider.Quote, now time.Time) automation.Transfer {
	names := quote.Steps
	if len(names) == 0 {
		names = []string{"transfer"}
	}
	steps := make([]automation.TransferStep, len(names))
	for i, name := range names {
		steps[i] = automation.TransferStep{
			Index:     i,
			Name:      name,
			State:     provider.StepPending,
			UpdatedAt: now,
		}
	}
	return automation.Transfer{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Route:       quote,
		Steps:       steps,
		Status:      automation.TransferPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func resultOf(t automation.Transfer) automation.Result {
	res := automation.Result{
		ExternalID:  t.Route.RouteID,
		FilledSize:  t.Route.AmountIn,
		CompletedAt: t.UpdatedAt,
	}
	if t.Route.AmountIn.IsPositive() {
		res.AvgPrice = t.Route.NetOutput().Div(t.Route.AmountIn)
	} else {
		res.AvgPrice = decimal.Zero
	}
	return res
}

func failedStepError(t automation.Transfer) error {
	step := 0
	msg := "transfer failed"
	for _, s := range t.Steps {
		if s.State == provider.StepFailed {
			step = s.Index + 1
			if s.Message != "" {
				msg = s.Message
			}
			break
		}
	}
	return &provider.StepError{
		Step:      step,
		Completed: t.CompletedSteps(),
		Err:       provider.Rejected(t.Route.Provider, msg, nil),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
