package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存规则与执行记录，主要用于测试与模拟运行。
type MemoryStore struct {
	mu         sync.RWMutex
	rules      map[string]*Rule
	executions map[string]*Execution
	slots      map[string]string
	orders     map[string]*TWAPOrder
	orderSlots map[string]string
	transfers  map[string]*Transfer
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:      make(map[string]*Rule),
		executions: make(map[string]*Execution),
		slots:      make(map[string]string),
		orders:     make(map[string]*TWAPOrder),
		orderSlots: make(map[string]string),
		transfers:  make(map[string]*Transfer),
	}
}

var _ Store = (*MemoryStore)(nil)

func slotIndex(ruleID, slot string) string {
	return ruleID + "|" + slot
}

// CreateRule 实现 Store 接口。
func (m *MemoryStore) CreateRule(_ context.Context, rule *Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("automation: 规则 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; ok {
		return ErrConflict
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.Version = 1
	clone := *rule
	m.rules[rule.ID] = &clone
	return nil
}

// GetRule 实现 Store 接口。
func (m *MemoryStore) GetRule(_ context.Context, id string) (Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[id]
	if !ok {
		return Rule{}, ErrNotFound
	}
	return *rule, nil
}

// ListDueRules 实现 Store 接口。
func (m *MemoryStore) ListDueRules(_ context.Context, now time.Time, limit int) ([]Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, 0)
	for _, rule := range m.rules {
		if rule.Active && !rule.NextRunAt.After(now) {
			out = append(out, *rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRunAt.Equal(out[j].NextRunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRunAt.Before(out[j].NextRunAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AdvanceRule 实现 Store 接口。
func (m *MemoryStore) AdvanceRule(_ context.Context, id string, expected, next time.Time, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	if !rule.Active || !rule.NextRunAt.Equal(expected) {
		return ErrConflict
	}
	rule.NextRunAt = next
	rule.Active = active
	rule.Version++
	rule.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordRuleOutcome 实现 Store 接口。
func (m *MemoryStore) RecordRuleOutcome(_ context.Context, id string, success bool, deactivateAfter int) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return Rule{}, ErrNotFound
	}
	if success {
		rule.ConsecutiveFailures = 0
	} else {
		rule.ConsecutiveFailures++
		if deactivateAfter > 0 && rule.ConsecutiveFailures >= deactivateAfter {
			rule.Active = false
		}
	}
	rule.Version++
	rule.UpdatedAt = time.Now().UTC()
	return *rule, nil
}

// DeactivateRule 实现 Store 接口。
func (m *MemoryStore) DeactivateRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	rule.Active = false
	rule.Version++
	rule.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateExecution 实现 Store 接口。
func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertExecutionLocked(exec)
}

func (m *MemoryStore) insertExecutionLocked(exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("automation: 执行 ID 不能为空")
	}
	key := slotIndex(exec.RuleID, exec.SlotKey)
	if _, ok := m.slots[key]; ok {
		return ErrDuplicateSlot
	}
	if _, ok := m.executions[exec.ID]; ok {
		return ErrConflict
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	exec.Version = 1
	m.executions[exec.ID] = cloneExecution(exec)
	m.slots[key] = exec.ID
	return nil
}

// GetExecution 实现 Store 接口。
func (m *MemoryStore) GetExecution(_ context.Context, id string) (Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return Execution{}, ErrNotFound
	}
	return *cloneExecution(exec), nil
}

// SaveExecution 实现 Store 接口。
func (m *MemoryStore) SaveExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.executions[exec.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != exec.Version {
		return ErrConflict
	}
	exec.Version++
	exec.UpdatedAt = time.Now().UTC()
	saved := cloneExecution(exec)
	saved.Snapshot = current.Snapshot
	saved.IdempotencyKey = current.IdempotencyKey
	m.executions[exec.ID] = saved
	return nil
}

// ListActiveExecutions 实现 Store 接口。
func (m *MemoryStore) ListActiveExecutions(_ context.Context, now time.Time, limit int) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Execution, 0)
	for _, exec := range m.executions {
		if exec.State.Terminal() || exec.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *cloneExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
		}
		if out[i].SliceIndex != out[j].SliceIndex {
			return out[i].SliceIndex < out[j].SliceIndex
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListExecutions 按创建时间倒序返回规则的执行历史。
func (m *MemoryStore) ListExecutions(_ context.Context, ruleID string, limit int) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Execution, 0)
	for _, exec := range m.executions {
		if exec.RuleID == ruleID {
			out = append(out, *cloneExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].SliceIndex > out[j].SliceIndex
		}
		return out[i].ScheduledAt.After(out[j].ScheduledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSlices 按子单序号返回 TWAP 子单。
func (m *MemoryStore) ListSlices(_ context.Context, parentID string) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Execution, 0)
	for _, exec := range m.executions {
		if exec.ParentID == parentID {
			out = append(out, *cloneExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SliceIndex < out[j].SliceIndex })
	return out, nil
}

// PruneExecutions 删除早于 before 的终态执行记录；槽位占用保留，防止重复调度。
func (m *MemoryStore) PruneExecutions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, exec := range m.executions {
		if exec.State.Terminal() && exec.UpdatedAt.Before(before) {
			delete(m.executions, id)
			delete(m.transfers, id)
			n++
		}
	}
	return n, nil
}

// CreateTWAPOrder 实现 Store 接口。
func (m *MemoryStore) CreateTWAPOrder(_ context.Context, order *TWAPOrder, slices []*Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slotIndex(order.RuleID, order.SlotKey)
	if _, ok := m.orderSlots[key]; ok {
		return ErrDuplicateSlot
	}
	for _, s := range slices {
		if _, ok := m.slots[slotIndex(s.RuleID, s.SlotKey)]; ok {
			return ErrDuplicateSlot
		}
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.Version = 1
	clone := *order
	m.orders[order.ID] = &clone
	m.orderSlots[key] = order.ID
	for _, s := range slices {
		if err := m.insertExecutionLocked(s); err != nil {
			return err
		}
	}
	return nil
}

// GetTWAPOrder 实现 Store 接口。
func (m *MemoryStore) GetTWAPOrder(_ context.Context, id string) (TWAPOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[id]
	if !ok {
		return TWAPOrder{}, ErrNotFound
	}
	return *order, nil
}

// ListActiveTWAPOrders 实现 Store 接口。
func (m *MemoryStore) ListActiveTWAPOrders(_ context.Context, limit int) ([]TWAPOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TWAPOrder, 0)
	for _, order := range m.orders {
		if order.Status == TWAPActive {
			out = append(out, *order)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveTWAPOrder 实现 Store 接口。
func (m *MemoryStore) SaveTWAPOrder(_ context.Context, order *TWAPOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.orders[order.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != order.Version {
		return ErrConflict
	}
	order.Version++
	order.UpdatedAt = time.Now().UTC()
	clone := *order
	m.orders[order.ID] = &clone
	return nil
}

// SaveTransfer 实现 Store 接口。
func (m *MemoryStore) SaveTransfer(_ context.Context, transfer *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = now
	}
	transfer.UpdatedAt = now
	m.transfers[transfer.ExecutionID] = cloneTransfer(transfer)
	return nil
}

// GetTransferByExecution 实现 Store 接口。
func (m *MemoryStore) GetTransferByExecution(_ context.Context, executionID string) (Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[executionID]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return *cloneTransfer(t), nil
}

func cloneExecution(exec *Execution) *Execution {
	clone := *exec
	if exec.Result != nil {
		r := *exec.Result
		clone.Result = &r
	}
	if exec.Failure != nil {
		f := *exec.Failure
		clone.Failure = &f
	}
	return &clone
}

func cloneTransfer(t *Transfer) *Transfer {
	clone := *t
	clone.Steps = append([]TransferStep(nil), t.Steps...)
	clone.Route.Steps = append([]string(nil), t.Route.Steps...)
	return &clone
}
