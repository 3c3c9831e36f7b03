package automation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trades-automation/internal/provider"
)

// ExecutionKind 区分普通交易与跨链转账。
type ExecutionKind string

const (
	ExecutionTrade      ExecutionKind = "trade"
	ExecutionCrossChain ExecutionKind = "cross_chain"
)

// State 为执行状态。
type State string

const (
	StateCreated     State = "created"
	StateRiskChecked State = "risk_checked"
	StateSubmitted   State = "submitted"
	StateRetrying    State = "retrying"
	StateConfirmed   State = "confirmed"
	StateFailed      State = "failed"
)

// Terminal 是否终态。
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

var transitions = map[State][]State{
	StateCreated:     {StateRiskChecked, StateFailed},
	StateRiskChecked: {StateSubmitted, StateFailed},
	StateSubmitted:   {StateConfirmed, StateRetrying, StateFailed},
	StateRetrying:    {StateSubmitted, StateFailed},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason 为终态失败的分类原因。
type Reason string

const (
	ReasonTransient    Reason = "transient"
	ReasonRejected     Reason = "rejected"
	ReasonFatal        Reason = "fatal"
	ReasonRiskRejected Reason = "risk_rejected"
	ReasonNoRoute      Reason = "no_route_available"
	ReasonCancelled    Reason = "cancelled"
)

// ReasonFor 将提供方错误分类映射为失败原因。
func ReasonFor(kind provider.Kind) Reason {
	switch kind {
	case provider.KindTransient:
		return ReasonTransient
	case provider.KindRejected:
		return ReasonRejected
	case provider.KindRiskRejected:
		return ReasonRiskRejected
	case provider.KindNoRoute:
		return ReasonNoRoute
	default:
		return ReasonFatal
	}
}

// Outcome 为面向用户的执行结果。
type Outcome string

const (
	OutcomePending         Outcome = "pending"
	OutcomeFilled          Outcome = "filled"
	OutcomePartiallyFilled Outcome = "partially_filled"
	OutcomeFailed          Outcome = "failed"
)

// Snapshot 为创建时冻结的输入，之后不再修改。
type Snapshot struct {
	Symbol    string          `json:"symbol,omitempty"`
	Side      provider.Side   `json:"side,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Slippage  decimal.Decimal `json:"slippage"`
	FromChain string          `json:"from_chain,omitempty"`
	ToChain   string          `json:"to_chain,omitempty"`
	FromAsset string          `json:"from_asset,omitempty"`
	ToAsset   string          `json:"to_asset,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
}

// Asset 返回风控使用的资产代码。
func (s Snapshot) Asset() string {
	if s.FromAsset != "" {
		return s.FromAsset
	}
	return BaseAsset(s.Symbol)
}

// Result 为成功后的成交结果，FilledSize 以基础资产计。
type Result struct {
	ExternalID  string          `json:"external_id"`
	FilledSize  decimal.Decimal `json:"filled_size"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	Partial     bool            `json:"partial,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Failure 记录失败原因，跨链失败时附带步骤进度。
type Failure struct {
	Reason         Reason `json:"reason"`
	Message        string `json:"message"`
	Step           int    `json:"step,omitempty"`
	CompletedSteps int    `json:"completed_steps,omitempty"`
}

// Execution 为规则某一槽位（或 TWAP 子单）的一次执行。
type Execution struct {
	ID             string        `json:"id"`
	RuleID         string        `json:"rule_id"`
	Owner          string        `json:"owner"`
	Kind           ExecutionKind `json:"kind"`
	SlotKey        string        `json:"slot_key"`
	ParentID       string        `json:"parent_id,omitempty"`
	SliceIndex     int           `json:"slice_index"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	State          State         `json:"state"`
	Attempt        int           `json:"attempt"`
	NextAttemptAt  time.Time     `json:"next_attempt_at"`
	IdempotencyKey string        `json:"idempotency_key"`
	Snapshot       Snapshot      `json:"snapshot"`
	Result         *Result       `json:"result,omitempty"`
	Failure        *Failure      `json:"failure,omitempty"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewExecution 创建处于 Created 状态的执行记录。幂等键为 0x 加 32 位十六进制，创建后不再变化。
func NewExecution(rule Rule, kind ExecutionKind, slotKey string, scheduledAt time.Time, snap Snapshot) *Execution {
	id := uuid.NewString()
	return &Execution{
		ID:             id,
		RuleID:         rule.ID,
		Owner:          rule.Owner,
		Kind:           kind,
		SlotKey:        slotKey,
		ScheduledAt:    scheduledAt.UTC(),
		State:          StateCreated,
		NextAttemptAt:  scheduledAt.UTC(),
		IdempotencyKey: "0x" + strings.ReplaceAll(id, "-", ""),
		Snapshot:       snap,
	}
}

// Transition 校验并执行状态迁移。
func (e *Execution) Transition(to State, now time.Time) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("automation: 非法状态迁移 %s -> %s (execution=%s)", e.State, to, e.ID)
	}
	e.State = to
	e.UpdatedAt = now
	return nil
}

// Outcome 区分完全成交、部分成交与失败。
func (e Execution) Outcome() Outcome {
	switch e.State {
	case StateConfirmed:
		if e.Result != nil && e.Result.Partial {
			return OutcomePartiallyFilled
		}
		return OutcomeFilled
	case StateFailed:
		if e.Failure != nil && e.Failure.CompletedSteps > 0 {
			return OutcomePartiallyFilled
		}
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

// BaseAsset 从 BTC/USDT 或 BTC/USDT:USDT 中取出 BTC。
func BaseAsset(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i]
		}
	}
	return symbol
}
