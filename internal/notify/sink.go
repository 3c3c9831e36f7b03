package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trades-automation/internal/automation"
	"trades-automation/internal/metrics"
)

// EventType 区分通知来源。
type EventType string

const (
	EventExecution EventType = "execution"
	EventTWAP      EventType = "twap"
)

// Event 为终态通知内容，序列化为 JSON 投递到外部渠道。
type Event struct {
	Type           EventType       `json:"type"`
	ID             string          `json:"id"`
	RuleID         string          `json:"rule_id"`
	Owner          string          `json:"owner"`
	ParentID       string          `json:"parent_id,omitempty"`
	SlotKey        string          `json:"slot_key,omitempty"`
	Status         string          `json:"status"`
	Outcome        string          `json:"outcome"`
	Reason         string          `json:"reason,omitempty"`
	Message        string          `json:"message,omitempty"`
	Attempt        int             `json:"attempt"`
	FilledSize     decimal.Decimal `json:"filled_size"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	CompletedSteps int             `json:"completed_steps,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// FromExecution 由终态执行记录构造通知。
func FromExecution(exec automation.Execution) Event {
	ev := Event{
		Type:       EventExecution,
		ID:         exec.ID,
		RuleID:     exec.RuleID,
		Owner:      exec.Owner,
		ParentID:   exec.ParentID,
		SlotKey:    exec.SlotKey,
		Status:     string(exec.State),
		Outcome:    string(exec.Outcome()),
		Attempt:    exec.Attempt,
		FilledSize: decimal.Zero,
		AvgPrice:   decimal.Zero,
		OccurredAt: exec.UpdatedAt,
	}
	if exec.Result != nil {
		ev.FilledSize = exec.Result.FilledSize
		ev.AvgPrice = exec.Result.AvgPrice
	}
	if exec.Failure != nil {
		ev.Reason = string(exec.Failure.Reason)
		ev.Message = exec.Failure.Message
		ev.CompletedSteps = exec.Failure.CompletedSteps
	}
	return ev
}

// FromTWAP 由终态 TWAP 父单构造通知。
func FromTWAP(order automation.TWAPOrder) Event {
	outcome := automation.OutcomeFailed
	switch order.Status {
	case automation.TWAPConfirmed:
		outcome = automation.OutcomeFilled
	case automation.TWAPPartiallyFilled:
		outcome = automation.OutcomePartiallyFilled
	}
	return Event{
		Type:       EventTWAP,
		ID:         order.ID,
		RuleID:     order.RuleID,
		Owner:      order.Owner,
		SlotKey:    order.SlotKey,
		Status:     string(order.Status),
		Outcome:    string(outcome),
		FilledSize: order.FilledSize,
		AvgPrice:   order.AvgPrice,
		OccurredAt: order.UpdatedAt,
	}
}

// Sink 为通知渠道。投递失败只记录，不影响执行结果。
type Sink interface {
	Name() string
	Notify(ctx context.Context, event Event) error
	Close() error
}

// LogSink 将通知写入日志。
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink 创建日志通道。
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(_ context.Context, ev Event) error {
	s.logger.Info("执行结果通知",
		zap.String("type", string(ev.Type)),
		zap.String("id", ev.ID),
		zap.String("rule_id", ev.RuleID),
		zap.String("owner", ev.Owner),
		zap.String("status", ev.Status),
		zap.String("outcome", ev.Outcome),
		zap.String("reason", ev.Reason),
		zap.String("filled", ev.FilledSize.String()),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }

// Fanout 依次投递到全部通道，单个通道失败不影响其余通道。
type Fanout []Sink

func (f Fanout) Name() string { return "fanout" }

func (f Fanout) Notify(ctx context.Context, ev Event) error {
	var errs error
	for _, sink := range f {
		if err := sink.Notify(ctx, ev); err != nil {
			metrics.NotificationsDropped.WithLabelValues(sink.Name()).Inc()
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (f Fanout) Close() error {
	var errs error
	for _, sink := range f {
		errs = multierr.Append(errs, sink.Close())
	}
	return errs
}
