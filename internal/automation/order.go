package automation

import (
	"time"

	"github.com/shopspring/decimal"

	"trades-automation/internal/provider"
)

// TWAPStatus 为 TWAP 父单状态。
type TWAPStatus string

const (
	TWAPActive          TWAPStatus = "active"
	TWAPConfirmed       TWAPStatus = "confirmed"
	TWAPPartiallyFilled TWAPStatus = "partially_filled"
	TWAPFailed          TWAPStatus = "failed"
	TWAPCancelled       TWAPStatus = "cancelled"
)

// Terminal 是否终态。
func (s TWAPStatus) Terminal() bool {
	return s != TWAPActive
}

// TWAPOrder 为 TWAP 父单，子单以 Execution 形式存在。
type TWAPOrder struct {
	ID              string          `json:"id"`
	RuleID          string          `json:"rule_id"`
	Owner           string          `json:"owner"`
	SlotKey         string          `json:"slot_key"`
	Symbol          string          `json:"symbol"`
	Side            provider.Side   `json:"side"`
	Total           decimal.Decimal `json:"total"`
	SliceCount      int             `json:"slice_count"`
	Window          time.Duration   `json:"window"`
	StartAt         time.Time       `json:"start_at"`
	Status          TWAPStatus      `json:"status"`
	FilledSize      decimal.Decimal `json:"filled_size"`
	AvgPrice        decimal.Decimal `json:"avg_price"`
	CancelRequested bool            `json:"cancel_requested"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TransferStatus 为跨链转账整体状态。
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// TransferStep 为单个步骤的记录。
type TransferStep struct {
	Index     int                `json:"index"`
	Name      string             `json:"name"`
	Ref       string             `json:"ref,omitempty"`
	State     provider.StepState `json:"state"`
	TxHash    string             `json:"tx_hash,omitempty"`
	Message   string             `json:"message,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Transfer 为选中报价的多步骤执行记录。
type Transfer struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Route       provider.Quote `json:"route"`
	Steps       []TransferStep `json:"steps"`
	Status      TransferStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CompletedSteps 返回从头开始连续成功的步骤数。
func (t Transfer) CompletedSteps() int {
	n := 0
	for _, s := range t.Steps {
		if s.State != provider.StepSucceeded {
			break
		}
		n++
	}
	return n
}

// Started 是否已有步骤提交给提供方。
func (t Transfer) Started() bool {
	for _, s := range t.Steps {
		if s.Ref != "" || s.State != provider.StepPending {
			return true
		}
	}
	return false
}
