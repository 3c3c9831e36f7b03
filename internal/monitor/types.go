package monitor

import (
	"time"

	"trades-automation/internal/automation"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventExecution    EventType = "execution_transition"
	EventTransferStep EventType = "transfer_step"
	EventTWAP         EventType = "twap_reconcile"
	EventBreaker      EventType = "breaker_state"
	EventRule         EventType = "rule_update"
	EventError        EventType = "error"
)

// ParseEventType 校验查询参数中的事件类型，空串表示全部。
func ParseEventType(s string) (EventType, bool) {
	switch t := EventType(s); t {
	case "", EventExecution, EventTransferStep, EventTWAP, EventBreaker, EventRule, EventError:
		return t, true
	default:
		return "", false
	}
}

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ExecutionPayload 记录一次状态落盘。
type ExecutionPayload struct {
	ExecutionID string           `json:"execution_id"`
	RuleID      string           `json:"rule_id"`
	ParentID    string           `json:"parent_id,omitempty"`
	State       automation.State `json:"state"`
	Attempt     int              `json:"attempt"`
	Reason      string           `json:"reason,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// TransferStepPayload 记录跨链转账的步骤进度。
type TransferStepPayload struct {
	ExecutionID string                    `json:"execution_id"`
	TransferID  string                    `json:"transfer_id"`
	Provider    string                    `json:"provider"`
	Status      automation.TransferStatus `json:"status"`
	Completed   int                       `json:"completed"`
	Steps       []automation.TransferStep `json:"steps"`
}

// TWAPPayload 记录父单汇总结果。
type TWAPPayload struct {
	OrderID    string                `json:"order_id"`
	RuleID     string                `json:"rule_id"`
	Status     automation.TWAPStatus `json:"status"`
	FilledSize string                `json:"filled_size"`
	AvgPrice   string                `json:"avg_price"`
	Cancelled  bool                  `json:"cancel_requested"`
}

// BreakerPayload 记录熔断状态变化。
type BreakerPayload struct {
	Provider string `json:"provider"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// RulePayload 记录规则启停。
type RulePayload struct {
	RuleID              string `json:"rule_id"`
	Active              bool   `json:"active"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Cause               string `json:"cause"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
