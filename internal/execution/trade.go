package execution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-automation/internal/automation"
	"trades-automation/internal/config"
	"trades-automation/internal/provider"
)

// TradeSubmitter 通过交易场所下市价单，并轮询至订单终结。
type TradeSubmitter struct {
	venue           provider.Venue
	pollInterval    time.Duration
	pollMaxInterval time.Duration
	pollTimeout     time.Duration
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error
	logger          *zap.Logger
}

// NewTradeSubmitter 创建交易提交器。
func NewTradeSubmitter(venue provider.Venue, cfg config.ExecutionConfig, logger *zap.Logger) *TradeSubmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &TradeSubmitter{
		venue:           venue,
		pollInterval:    interval,
		pollMaxInterval: cfg.PollMaxInterval,
		pollTimeout:     cfg.PollTimeout,
		now:             time.Now,
		sleep:           sleepCtx,
		logger:          logger,
	}
}

var _ Submitter = (*TradeSubmitter)(nil)

// Submit 以执行的幂等键下单。
func (t *TradeSubmitter) Submit(ctx context.Context, exec *automation.Execution) (automation.Result, error) {
	spec := provider.OrderSpec{
		Symbol:      exec.Snapshot.Symbol,
		Side:        exec.Snapshot.Side,
		QuoteAmount: exec.Snapshot.Amount,
		Slippage:    exec.Snapshot.Slippage,
	}
	order, err := t.venue.PlaceOrder(ctx, spec, exec.IdempotencyKey)
	if err != nil {
		return automation.Result{}, err
	}
	t.logger.Info("订单已提交",
		zap.String("execution_id", exec.ID),
		zap.String("order_id", order.ID),
		zap.String("symbol", spec.Symbol),
		zap.String("side", string(spec.Side)),
		zap.String("quote_amount", spec.QuoteAmount.String()),
	)
	return t.settle(ctx, exec, order)
}

// Recover 按幂等键查找此前的订单。
func (t *TradeSubmitter) Recover(ctx context.Context, exec *automation.Execution) (automation.Result, bool, error) {
	order, found, err := t.venue.LookupOrder(ctx, exec.IdempotencyKey, exec.Snapshot.Symbol)
	if err != nil || !found {
		return automation.Result{}, false, err
	}
	res, err := t.settle(ctx, exec, order)
	if err != nil {
		return automation.Result{}, true, err
	}
	return res, true, nil
}

// settle 轮询订单状态，间隔翻倍直至 pollMaxInterval，总时长不超过 pollTimeout。
func (t *TradeSubmitter) settle(ctx context.Context, exec *automation.Execution, order provider.Order) (automation.Result, error) {
	deadline := t.now().Add(t.pollTimeout)
	interval := t.pollInterval

	for !order.Status.Final() {
		if t.pollTimeout > 0 && !t.now().Before(deadline) {
			return automation.Result{}, provider.Transient(t.venue.Name(),
				fmt.Sprintf("order %s not final after %s", order.ID, t.pollTimeout), nil)
		}
		if err := t.sleep(ctx, interval); err != nil {
			return automation.Result{}, err
		}
		if interval *= 2; t.pollMaxInterval > 0 && interval > t.pollMaxInterval {
			interval = t.pollMaxInterval
		}

		next, err := t.venue.GetOrderStatus(ctx, order.ID, exec.Snapshot.Symbol)
		if err != nil {
			return automation.Result{}, err
		}
		order = next
	}

	result := automation.Result{
		ExternalID:  order.ID,
		FilledSize:  order.FilledSize,
		AvgPrice:    order.AvgPrice,
		CompletedAt: order.UpdatedAt,
	}
	if order.Status == provider.OrderFilled {
		return result, nil
	}
	if order.FilledSize.IsPositive() {
		result.Partial = true
		return result, nil
	}
	return automation.Result{}, provider.Rejected(t.venue.Name(),
		fmt.Sprintf("order %s %s without fill", order.ID, order.Status), nil)
}
