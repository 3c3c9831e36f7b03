package twap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-automation/internal/automation"
)

const maxSaveRetries = 3

// Summary 为按子单汇总后的父单进度。
type Summary struct {
	Status     automation.TWAPStatus
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
	Pending    int
	Failed     int
}

// Reconcile 汇总子单成交，成交均价按成交量加权。存在未终结子单时父单保持 active。
func Reconcile(order automation.TWAPOrder, slices []automation.Execution) Summary {
	var (
		sum      Summary
		notional = decimal.Zero
		complete = len(slices) > 0
	)
	sum.FilledSize = decimal.Zero

	for _, s := range slices {
		if !s.State.Terminal() {
			sum.Pending++
			continue
		}
		if s.State == automation.StateFailed {
			sum.Failed++
			complete = false
		}
		if s.Result == nil || !s.Result.FilledSize.IsPositive() {
			continue
		}
		if s.Result.Partial {
			complete = false
		}
		sum.FilledSize = sum.FilledSize.Add(s.Result.FilledSize)
		notional = notional.Add(s.Result.FilledSize.Mul(s.Result.AvgPrice))
	}
	if sum.FilledSize.IsPositive() {
		sum.AvgPrice = notional.Div(sum.FilledSize)
	}

	switch {
	case sum.Pending > 0:
		sum.Status = automation.TWAPActive
	case complete && len(slices) == order.SliceCount:
		sum.Status = automation.TWAPConfirmed
	case sum.FilledSize.IsPositive():
		sum.Status = automation.TWAPPartiallyFilled
	case order.CancelRequested:
		sum.Status = automation.TWAPCancelled
	default:
		sum.Status = automation.TWAPFailed
	}
	return sum
}

// Coordinator 负责创建 TWAP 父单及子单，并在子单终结后同步父单状态。
type Coordinator struct {
	store     automation.Store
	precision int32
	now       func() time.Time
	logger    *zap.Logger
}

// NewCoordinator 创建协调器。
func NewCoordinator(store automation.Store, precision int32, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:     store,
		precision: precision,
		now:       time.Now,
		logger:    logger,
	}
}

// Open 为规则的某个槽位创建父单与全部子单，槽位重复时返回 automation.ErrDuplicateSlot。
func (c *Coordinator) Open(ctx context.Context, rule automation.Rule, slot time.Time) (automation.TWAPOrder, []*automation.Execution, error) {
	cfg, ok := rule.Config.(automation.TWAPConfig)
	if !ok {
		return automation.TWAPOrder{}, nil, fmt.Errorf("twap: 规则 %s 不是 TWAP 类型", rule.ID)
	}

	specs, err := Slice(Plan{
		Total:     cfg.TotalAmount,
		Slices:    cfg.Slices,
		Window:    cfg.Window,
		Start:     slot,
		Precision: c.precision,
	})
	if err != nil {
		return automation.TWAPOrder{}, nil, err
	}

	slotKey := automation.SlotKey(slot)
	order := automation.TWAPOrder{
		ID:         uuid.NewString(),
		RuleID:     rule.ID,
		Owner:      rule.Owner,
		SlotKey:    slotKey,
		Symbol:     cfg.Symbol,
		Side:       cfg.Side,
		Total:      cfg.TotalAmount,
		SliceCount: cfg.Slices,
		Window:     cfg.Window,
		StartAt:    slot.UTC(),
		Status:     automation.TWAPActive,
		FilledSize: decimal.Zero,
	}

	slices := make([]*automation.Execution, 0, len(specs))
	for _, spec := range specs {
		exec := automation.NewExecution(rule, automation.ExecutionTrade,
			fmt.Sprintf("%s/slice-%d", slotKey, spec.Index), spec.ScheduledAt,
			automation.Snapshot{
				Symbol:   cfg.Symbol,
				Side:     cfg.Side,
				Amount:   spec.Size,
				Slippage: cfg.Slippage,
			})
		exec.ParentID = order.ID
		exec.SliceIndex = spec.Index
		slices = append(slices, exec)
	}

	if err := c.store.CreateTWAPOrder(ctx, &order, slices); err != nil {
		return automation.TWAPOrder{}, nil, err
	}

	c.logger.Info("已创建 TWAP 父单",
		zap.String("order_id", order.ID),
		zap.String("rule_id", rule.ID),
		zap.String("total", cfg.TotalAmount.String()),
		zap.Int("slices", cfg.Slices),
		zap.Duration("window", cfg.Window),
	)
	return order, slices, nil
}

// Sync 在子单失败或收到撤单请求时取消尚未下发的子单，然后汇总并保存父单。
func (c *Coordinator) Sync(ctx context.Context, orderID string) (automation.TWAPOrder, error) {
	for attempt := 0; ; attempt++ {
		order, err := c.sync(ctx, orderID)
		if errors.Is(err, automation.ErrConflict) && attempt < maxSaveRetries {
			continue
		}
		return order, err
	}
}

func (c *Coordinator) sync(ctx context.Context, orderID string) (automation.TWAPOrder, error) {
	order, err := c.store.GetTWAPOrder(ctx, orderID)
	if err != nil {
		return automation.TWAPOrder{}, fmt.Errorf("twap: 读取父单失败: %w", err)
	}
	if order.Status.Terminal() {
		return order, nil
	}

	slices, err := c.store.ListSlices(ctx, orderID)
	if err != nil {
		return order, fmt.Errorf("twap: 读取子单失败: %w", err)
	}

	halt := order.CancelRequested
	for _, s := range slices {
		if s.State == automation.StateFailed && !isCancelled(s) {
			halt = true
			break
		}
	}
	if halt {
		for i := range slices {
			if slices[i].State != automation.StateCreated {
				continue
			}
			if err := c.cancelSlice(ctx, &slices[i]); err != nil {
				return order, err
			}
		}
	}

	sum := Reconcile(order, slices)
	order.Status = sum.Status
	order.FilledSize = sum.FilledSize
	order.AvgPrice = sum.AvgPrice
	if err := c.store.SaveTWAPOrder(ctx, &order); err != nil {
		return order, fmt.Errorf("twap: 保存父单失败: %w", err)
	}

	if order.Status.Terminal() {
		c.logger.Info("TWAP 父单已终结",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
			zap.String("filled", order.FilledSize.String()),
			zap.String("avg_price", order.AvgPrice.String()),
			zap.Int("failed_slices", sum.Failed),
		)
	}
	return order, nil
}

// Unsettled 返回需要补做汇总的 active 父单：子单已全部终结，或已决定停止但仍有未下发的子单。
// 子单终结与父单汇总之间进程退出、或汇总失败时，父单依赖它收尾。
func (c *Coordinator) Unsettled(ctx context.Context, limit int) ([]automation.TWAPOrder, error) {
	orders, err := c.store.ListActiveTWAPOrders(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("twap: 读取父单失败: %w", err)
	}
	out := make([]automation.TWAPOrder, 0, len(orders))
	for _, order := range orders {
		slices, err := c.store.ListSlices(ctx, order.ID)
		if err != nil {
			return out, fmt.Errorf("twap: 读取子单失败: %w", err)
		}
		if needsSync(order, slices) {
			out = append(out, order)
		}
	}
	return out, nil
}

func needsSync(order automation.TWAPOrder, slices []automation.Execution) bool {
	if len(slices) == 0 {
		return false
	}
	halt := order.CancelRequested
	pending, undispatched := 0, 0
	for _, s := range slices {
		switch {
		case s.State == automation.StateCreated:
			undispatched++
			pending++
		case !s.State.Terminal():
			pending++
		case s.State == automation.StateFailed && !isCancelled(s):
			halt = true
		}
	}
	return pending == 0 || (halt && undispatched > 0)
}

// cancelSlice 取消尚未下发的子单；若执行器已抢先推进则跳过。
func (c *Coordinator) cancelSlice(ctx context.Context, exec *automation.Execution) error {
	if err := exec.Transition(automation.StateFailed, c.now().UTC()); err != nil {
		return err
	}
	exec.Failure = &automation.Failure{
		Reason:  automation.ReasonCancelled,
		Message: "cancelled before dispatch",
	}
	err := c.store.SaveExecution(ctx, exec)
	if errors.Is(err, automation.ErrConflict) {
		latest, getErr := c.store.GetExecution(ctx, exec.ID)
		if getErr != nil {
			return fmt.Errorf("twap: 读取子单失败: %w", getErr)
		}
		*exec = latest
		return nil
	}
	if err != nil {
		return fmt.Errorf("twap: 取消子单失败: %w", err)
	}
	return nil
}

// RequestCancel 标记父单撤单，已下发的子单不受影响。
func (c *Coordinator) RequestCancel(ctx context.Context, orderID string) (automation.TWAPOrder, error) {
	for attempt := 0; ; attempt++ {
		order, err := c.store.GetTWAPOrder(ctx, orderID)
		if err != nil {
			return automation.TWAPOrder{}, fmt.Errorf("twap: 读取父单失败: %w", err)
		}
		if order.Status.Terminal() || order.CancelRequested {
			return order, nil
		}
		order.CancelRequested = true
		err = c.store.SaveTWAPOrder(ctx, &order)
		if errors.Is(err, automation.ErrConflict) && attempt < maxSaveRetries {
			continue
		}
		if err != nil {
			return order, fmt.Errorf("twap: 保存撤单请求失败: %w", err)
		}
		c.logger.Info("收到 TWAP 撤单请求", zap.String("order_id", orderID))
		return c.Sync(ctx, orderID)
	}
}

func isCancelled(exec automation.Execution) bool {
	return exec.Failure != nil && exec.Failure.Reason == automation.ReasonCancelled
}
