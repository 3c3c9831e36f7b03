package automation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound 记录不存在。
	ErrNotFound = errors.New("automation: not found")
	// ErrConflict 版本或条件更新冲突，说明记录已被其他流程修改。
	ErrConflict = errors.New("automation: conflict")
	// ErrDuplicateSlot 同一规则的同一槽位已存在执行记录。
	ErrDuplicateSlot = errors.New("automation: duplicate slot")
)

// Store 抽象了规则与执行记录的持久化接口。
type Store interface {
	CreateRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, id string) (Rule, error)
	ListDueRules(ctx context.Context, now time.Time, limit int) ([]Rule, error)
	// AdvanceRule 仅当 next_run_at 仍等于 expected 且规则有效时推进，否则返回 ErrConflict。
	AdvanceRule(ctx context.Context, id string, expected, next time.Time, active bool) error
	// RecordRuleOutcome 更新连续失败计数，达到阈值后停用规则；阈值为0表示不自动停用。
	RecordRuleOutcome(ctx context.Context, id string, success bool, deactivateAfter int) (Rule, error)
	DeactivateRule(ctx context.Context, id string) error

	// CreateExecution 同一 (rule_id, slot_key) 只能创建一次，重复返回 ErrDuplicateSlot。
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (Execution, error)
	// SaveExecution 按版本号乐观更新，不改写输入快照。
	SaveExecution(ctx context.Context, exec *Execution) error
	ListActiveExecutions(ctx context.Context, now time.Time, limit int) ([]Execution, error)
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]Execution, error)
	ListSlices(ctx context.Context, parentID string) ([]Execution, error)
	PruneExecutions(ctx context.Context, before time.Time) (int64, error)

	// CreateTWAPOrder 原子地写入父单及全部子单。
	CreateTWAPOrder(ctx context.Context, order *TWAPOrder, slices []*Execution) error
	GetTWAPOrder(ctx context.Context, id string) (TWAPOrder, error)
	ListActiveTWAPOrders(ctx context.Context, limit int) ([]TWAPOrder, error)
	SaveTWAPOrder(ctx context.Context, order *TWAPOrder) error

	// SaveTransfer 按 execution_id 覆盖写入。
	SaveTransfer(ctx context.Context, transfer *Transfer) error
	GetTransferByExecution(ctx context.Context, executionID string) (Transfer, error)
}

// SlotKey 将槽位时间格式化为稳定键。
func SlotKey(slot time.Time) string {
	return slot.UTC().Format(time.RFC3339Nano)
}
