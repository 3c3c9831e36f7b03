package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-automation/internal/automation"
	"trades-automation/internal/provider"
)

// Repository 基于 database/sql 实现 automation.Store，SQLite 与 MySQL 共用同一套语句。
type Repository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
	logger *zap.Logger
}

var _ automation.Store = (*Repository)(nil)

// NewRepository 创建仓储并初始化表结构。
func NewRepository(ctx context.Context, d *DB, logger *zap.Logger) (*Repository, error) {
	if d == nil || d.db == nil {
		return nil, errors.New("store: db 不能为空")
	}
	r := newRepository(d.db, d.driver, logger)
	if err := r.initSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func newRepository(db *sql.DB, driver string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		db:     db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 开启事务失败: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Warn("事务回滚失败", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: 提交事务失败: %w", err)
	}
	return nil
}

// ---- rules ----

const ruleColumns = `id, owner, kind, config, active, next_run_at, consecutive_failures, version, created_at, updated_at`

// CreateRule 实现 automation.Store。
func (r *Repository) CreateRule(ctx context.Context, rule *automation.Rule) error {
	if rule == nil || rule.ID == "" {
		return errors.New("store: 规则 ID 不能为空")
	}
	cfg, err := automation.EncodeConfig(rule.Config)
	if err != nil {
		return err
	}
	now := r.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.Version = 1

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO automation_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Owner, string(rule.Kind()), string(cfg), boolInt(rule.Active),
		ts(rule.NextRunAt), rule.ConsecutiveFailures, rule.Version, ts(rule.CreatedAt), ts(rule.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return automation.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: 写入规则失败: %w", err)
	}
	return nil
}

// GetRule 实现 automation.Store。
func (r *Repository) GetRule(ctx context.Context, id string) (automation.Rule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return automation.Rule{}, automation.ErrNotFound
	}
	return rule, err
}

// ListDueRules 实现 automation.Store。
func (r *Repository) ListDueRules(ctx context.Context, now time.Time, limit int) ([]automation.Rule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE active = 1 AND next_run_at <= ? ORDER BY next_run_at, id`+limitClause(limit),
		ts(now),
	)
	if err != nil {
		return nil, fmt.Errorf("store: 查询到期规则失败: %w", err)
	}
	defer rows.Close()

	out := make([]automation.Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// AdvanceRule 实现 automation.Store。
func (r *Repository) AdvanceRule(ctx context.Context, id string, expected, next time.Time, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE automation_rules SET next_run_at = ?, active = ?, version = version + 1, updated_at = ?
WHERE id = ? AND active = 1 AND next_run_at = ?`,
		ts(next), boolInt(active), ts(r.now()), id, ts(expected),
	)
	if err != nil {
		return fmt.Errorf("store: 推进规则失败: %w", err)
	}
	return r.checkAffected(ctx, res, "automation_rules", id)
}

// RecordRuleOutcome 实现 automation.Store。
func (r *Repository) RecordRuleOutcome(ctx context.Context, id string, success bool, deactivateAfter int) (automation.Rule, error) {
	var (
		res sql.Result
		err error
	)
	if success {
		res, err = r.db.ExecContext(ctx,
			`UPDATE automation_rules SET consecutive_failures = 0, version = version + 1, updated_at = ? WHERE id = ?`,
			ts(r.now()), id,
		)
	} else {
		// active 必须写在计数自增之前：MySQL 按顺序使用已更新的列值。
		res, err = r.db.ExecContext(ctx,
			`UPDATE automation_rules SET
	active = CASE WHEN ? > 0 AND consecutive_failures + 1 >= ? THEN 0 ELSE active END,
	consecutive_failures = consecutive_failures + 1,
	version = version + 1,
	updated_at = ?
WHERE id = ?`,
			deactivateAfter, deactivateAfter, ts(r.now()), id,
		)
	}
	if err != nil {
		return automation.Rule{}, fmt.Errorf("store: 记录规则结果失败: %w", err)
	}
	if err := r.checkAffected(ctx, res, "automation_rules", id); err != nil {
		return automation.Rule{}, err
	}
	return r.GetRule(ctx, id)
}

// DeactivateRule 实现 automation.Store。
func (r *Repository) DeactivateRule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE automation_rules SET active = 0, version = version + 1, updated_at = ? WHERE id = ?`,
		ts(r.now()), id,
	)
	if err != nil {
		return fmt.Errorf("store: 停用规则失败: %w", err)
	}
	return r.checkAffected(ctx, res, "automation_rules", id)
}

func scanRule(s scanner) (automation.Rule, error) {
	var (
		rule                      automation.Rule
		kind, cfg                 string
		active                    int
		nextRun, created, updated int64
	)
	if err := s.Scan(&rule.ID, &rule.Owner, &kind, &cfg, &active, &nextRun,
		&rule.ConsecutiveFailures, &rule.Version, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return automation.Rule{}, err
		}
		return automation.Rule{}, fmt.Errorf("store: 读取规则失败: %w", err)
	}
	config, err := automation.DecodeConfig(automation.Kind(kind), []byte(cfg))
	if err != nil {
		return automation.Rule{}, err
	}
	rule.Config = config
	rule.Active = active != 0
	rule.NextRunAt = fromTS(nextRun)
	rule.CreatedAt = fromTS(created)
	rule.UpdatedAt = fromTS(updated)
	return rule, nil
}

// ---- executions ----

const executionColumns = `id, rule_id, owner, kind, slot_key, parent_id, slice_index, scheduled_at, state, attempt,
next_attempt_at, idempotency_key, snapshot, result, failure, version, created_at, updated_at`

// CreateExecution 实现 automation.Store。
func (r *Repository) CreateExecution(ctx context.Context, exec *automation.Execution) error {
	return r.insertExecution(ctx, r.db, exec)
}

func (r *Repository) insertExecution(ctx context.Context, db execer, exec *automation.Execution) error {
	if exec == nil || exec.ID == "" {
		return errors.New("store: 执行 ID 不能为空")
	}
	snapshot, err := json.Marshal(exec.Snapshot)
	if err != nil {
		return fmt.Errorf("store: 序列化输入快照失败: %w", err)
	}
	result, failure, err := encodeOutcome(exec)
	if err != nil {
		return err
	}

	now := r.now()
	created := exec.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.RuleID, exec.Owner, string(exec.Kind), exec.SlotKey, exec.ParentID, exec.SliceIndex,
		ts(exec.ScheduledAt), string(exec.State), exec.Attempt, ts(exec.NextAttemptAt), exec.IdempotencyKey,
		string(snapshot), result, failure, int64(1), ts(created), ts(now),
	)
	if isUniqueViolation(err) {
		return automation.ErrDuplicateSlot
	}
	if err != nil {
		return fmt.Errorf("store: 写入执行记录失败: %w", err)
	}

	exec.CreatedAt = created
	exec.UpdatedAt = now
	exec.Version = 1
	return nil
}

// GetExecution 实现 automation.Store。
func (r *Repository) GetExecution(ctx context.Context, id string) (automation.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return automation.Execution{}, automation.ErrNotFound
	}
	return exec, err
}

// SaveExecution 实现 automation.Store，快照与幂等键列不在更新范围内。
func (r *Repository) SaveExecution(ctx context.Context, exec *automation.Execution) error {
	result, failure, err := encodeOutcome(exec)
	if err != nil {
		return err
	}
	now := r.now()
	next := exec.Version + 1

	res, err := r.db.ExecContext(ctx,
		`UPDATE executions SET state = ?, attempt = ?, next_attempt_at = ?, result = ?, failure = ?, version = ?, updated_at = ?
WHERE id = ? AND version = ?`,
		string(exec.State), exec.Attempt, ts(exec.NextAttemptAt), result, failure, next, ts(now),
		exec.ID, exec.Version,
	)
	if err != nil {
		return fmt.Errorf("store: 更新执行记录失败: %w", err)
	}
	if err := r.checkAffected(ctx, res, "executions", exec.ID); err != nil {
		return err
	}
	exec.Version = next
	exec.UpdatedAt = now
	return nil
}

// ListActiveExecutions 实现 automation.Store。
func (r *Repository) ListActiveExecutions(ctx context.Context, now time.Time, limit int) ([]automation.Execution, error) {
	return r.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE state NOT IN (?, ?) AND next_attempt_at <= ?
ORDER BY next_attempt_at, slice_index, id`+limitClause(limit),
		string(automation.StateConfirmed), string(automation.StateFailed), ts(now),
	)
}

// ListExecutions 按计划时间倒序返回规则的执行历史。
func (r *Repository) ListExecutions(ctx context.Context, ruleID string, limit int) ([]automation.Execution, error) {
	return r.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE rule_id = ? ORDER BY scheduled_at DESC, slice_index DESC`+limitClause(limit),
		ruleID,
	)
}

// ListSlices 实现 automation.Store。
func (r *Repository) ListSlices(ctx context.Context, parentID string) ([]automation.Execution, error) {
	return r.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE parent_id = ? ORDER BY slice_index`,
		parentID,
	)
}

// PruneExecutions 删除早于 before 的终态执行记录及其转账记录。
func (r *Repository) PruneExecutions(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM transfers WHERE execution_id IN (
	SELECT id FROM executions WHERE state IN (?, ?) AND updated_at < ?)`,
			string(automation.StateConfirmed), string(automation.StateFailed), ts(before),
		); err != nil {
			return fmt.Errorf("store: 清理转账记录失败: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM executions WHERE state IN (?, ?) AND updated_at < ?`,
			string(automation.StateConfirmed), string(automation.StateFailed), ts(before),
		)
		if err != nil {
			return fmt.Errorf("store: 清理执行记录失败: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (r *Repository) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]automation.Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询执行记录失败: %w", err)
	}
	defer rows.Close()

	out := make([]automation.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(s scanner) (automation.Execution, error) {
	var (
		exec                                     automation.Execution
		kind, state, snapshot                    string
		result, failure                          sql.NullString
		scheduled, nextAttempt, created, updated int64
	)
	if err := s.Scan(&exec.ID, &exec.RuleID, &exec.Owner, &kind, &exec.SlotKey, &exec.ParentID, &exec.SliceIndex,
		&scheduled, &state, &exec.Attempt, &nextAttempt, &exec.IdempotencyKey, &snapshot, &result, &failure,
		&exec.Version, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return automation.Execution{}, err
		}
		return automation.Execution{}, fmt.Errorf("store: 读取执行记录失败: %w", err)
	}

	exec.Kind = automation.ExecutionKind(kind)
	exec.State = automation.State(state)
	exec.ScheduledAt = fromTS(scheduled)
	exec.NextAttemptAt = fromTS(nextAttempt)
	exec.CreatedAt = fromTS(created)
	exec.UpdatedAt = fromTS(updated)

	if err := json.Unmarshal([]byte(snapshot), &exec.Snapshot); err != nil {
		return automation.Execution{}, fmt.Errorf("store: 解析输入快照失败 (execution=%s): %w", exec.ID, err)
	}
	if result.Valid && result.String != "" {
		exec.Result = &automation.Result{}
		if err := json.Unmarshal([]byte(result.String), exec.Result); err != nil {
			return automation.Execution{}, fmt.Errorf("store: 解析执行结果失败 (execution=%s): %w", exec.ID, err)
		}
	}
	if failure.Valid && failure.String != "" {
		exec.Failure = &automation.Failure{}
		if err := json.Unmarshal([]byte(failure.String), exec.Failure); err != nil {
			return automation.Execution{}, fmt.Errorf("store: 解析失败原因失败 (execution=%s): %w", exec.ID, err)
		}
	}
	return exec, nil
}

func encodeOutcome(exec *automation.Execution) (result, failure sql.NullString, err error) {
	if exec.Result != nil {
		data, err := json.Marshal(exec.Result)
		if err != nil {
			return result, failure, fmt.Errorf("store: 序列化执行结果失败: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}
	if exec.Failure != nil {
		data, err := json.Marshal(exec.Failure)
		if err != nil {
			return result, failure, fmt.Errorf("store: 序列化失败原因失败: %w", err)
		}
		failure = sql.NullString{String: string(data), Valid: true}
	}
	return result, failure, nil
}

// ---- twap ----

const twapColumns = `id, rule_id, owner, slot_key, symbol, side, total, slice_count, window_ns, start_at, status,
filled_size, avg_price, cancel_requested, version, created_at, updated_at`

// CreateTWAPOrder 在同一事务内写入父单与全部子单。
func (r *Repository) CreateTWAPOrder(ctx context.Context, order *automation.TWAPOrder, slices []*automation.Execution) error {
	now := r.now()
	created := order.CreatedAt
	if created.IsZero() {
		created = now
	}

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO twap_orders (`+twapColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.RuleID, order.Owner, order.SlotKey, order.Symbol, string(order.Side),
			order.Total.String(), order.SliceCount, int64(order.Window), ts(order.StartAt), string(order.Status),
			order.FilledSize.String(), order.AvgPrice.String(), boolInt(order.CancelRequested),
			int64(1), ts(created), ts(now),
		)
		if isUniqueViolation(err) {
			return automation.ErrDuplicateSlot
		}
		if err != nil {
			return fmt.Errorf("store: 写入 TWAP 父单失败: %w", err)
		}
		for _, s := range slices {
			if err := r.insertExecution(ctx, tx, s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	order.CreatedAt = created
	order.UpdatedAt = now
	order.Version = 1
	return nil
}

// GetTWAPOrder 实现 automation.Store。
func (r *Repository) GetTWAPOrder(ctx context.Context, id string) (automation.TWAPOrder, error) {
	order, err := scanTWAPOrder(r.db.QueryRowContext(ctx, `SELECT `+twapColumns+` FROM twap_orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return automation.TWAPOrder{}, automation.ErrNotFound
	}
	return order, err
}

// ListActiveTWAPOrders 按创建时间返回仍为 active 的父单。
func (r *Repository) ListActiveTWAPOrders(ctx context.Context, limit int) ([]automation.TWAPOrder, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+twapColumns+` FROM twap_orders WHERE status = ? ORDER BY created_at, id`+limitClause(limit),
		string(automation.TWAPActive),
	)
	if err != nil {
		return nil, fmt.Errorf("store: 查询 TWAP 父单失败: %w", err)
	}
	defer rows.Close()

	out := make([]automation.TWAPOrder, 0)
	for rows.Next() {
		order, err := scanTWAPOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func scanTWAPOrder(s scanner) (automation.TWAPOrder, error) {
	var (
		order                           automation.TWAPOrder
		side, total, status             string
		filled, avg                     string
		window, start, created, updated int64
		cancel                          int
	)
	err := s.Scan(
		&order.ID, &order.RuleID, &order.Owner, &order.SlotKey, &order.Symbol, &side, &total, &order.SliceCount,
		&window, &start, &status, &filled, &avg, &cancel, &order.Version, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return automation.TWAPOrder{}, err
	}
	if err != nil {
		return automation.TWAPOrder{}, fmt.Errorf("store: 读取 TWAP 父单失败: %w", err)
	}

	order.Side = provider.Side(side)
	order.Status = automation.TWAPStatus(status)
	order.Window = time.Duration(window)
	order.StartAt = fromTS(start)
	order.CreatedAt = fromTS(created)
	order.UpdatedAt = fromTS(updated)
	order.CancelRequested = cancel != 0
	if order.Total, err = parseDecimal(total); err != nil {
		return automation.TWAPOrder{}, err
	}
	if order.FilledSize, err = parseDecimal(filled); err != nil {
		return automation.TWAPOrder{}, err
	}
	if order.AvgPrice, err = parseDecimal(avg); err != nil {
		return automation.TWAPOrder{}, err
	}
	return order, nil
}

// SaveTWAPOrder 实现 automation.Store。
func (r *Repository) SaveTWAPOrder(ctx context.Context, order *automation.TWAPOrder) error {
	now := r.now()
	next := order.Version + 1
	res, err := r.db.ExecContext(ctx,
		`UPDATE twap_orders SET status = ?, filled_size = ?, avg_price = ?, cancel_requested = ?, version = ?, updated_at = ?
WHERE id = ? AND version = ?`,
		string(order.Status), order.FilledSize.String(), order.AvgPrice.String(), boolInt(order.CancelRequested),
		next, ts(now), order.ID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("store: 更新 TWAP 父单失败: %w", err)
	}
	if err := r.checkAffected(ctx, res, "twap_orders", order.ID); err != nil {
		return err
	}
	order.Version = next
	order.UpdatedAt = now
	return nil
}

// ---- transfers ----

// SaveTransfer 按 execution_id 覆盖写入。
func (r *Repository) SaveTransfer(ctx context.Context, transfer *automation.Transfer) error {
	route, err := json.Marshal(transfer.Route)
	if err != nil {
		return fmt.Errorf("store: 序列化路由失败: %w", err)
	}
	steps, err := json.Marshal(transfer.Steps)
	if err != nil {
		return fmt.Errorf("store: 序列化步骤失败: %w", err)
	}
	now := r.now()
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = now
	}
	transfer.UpdatedAt = now

	res, err := r.db.ExecContext(ctx,
		`UPDATE transfers SET id = ?, status = ?, route = ?, steps = ?, updated_at = ? WHERE execution_id = ?`,
		transfer.ID, string(transfer.Status), string(route), string(steps), ts(now), transfer.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("store: 更新转账记录失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO transfers (execution_id, id, status, route, steps, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		transfer.ExecutionID, transfer.ID, string(transfer.Status), string(route), string(steps),
		ts(transfer.CreatedAt), ts(now),
	)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("store: 写入转账记录失败: %w", err)
	}
	return nil
}

// GetTransferByExecution 实现 automation.Store。
func (r *Repository) GetTransferByExecution(ctx context.Context, executionID string) (automation.Transfer, error) {
	var (
		transfer         automation.Transfer
		status           string
		route, steps     string
		created, updated int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT execution_id, id, status, route, steps, created_at, updated_at FROM transfers WHERE execution_id = ?`,
		executionID,
	).Scan(&transfer.ExecutionID, &transfer.ID, &status, &route, &steps, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return automation.Transfer{}, automation.ErrNotFound
	}
	if err != nil {
		return automation.Transfer{}, fmt.Errorf("store: 读取转账记录失败: %w", err)
	}

	transfer.Status = automation.TransferStatus(status)
	transfer.CreatedAt = fromTS(created)
	transfer.UpdatedAt = fromTS(updated)
	if err := json.Unmarshal([]byte(route), &transfer.Route); err != nil {
		return automation.Transfer{}, fmt.Errorf("store: 解析路由失败: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &transfer.Steps); err != nil {
		return automation.Transfer{}, fmt.Errorf("store: 解析步骤失败: %w", err)
	}
	return transfer, nil
}

// ---- helpers ----

// checkAffected 条件更新未命中时区分记录不存在与版本冲突。
func (r *Repository) checkAffected(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: 读取影响行数失败: %w", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return automation.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: 查询 %s 失败: %w", table, err)
	}
	return automation.ErrConflict
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func ts(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromTS(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: 解析数值 %q 失败: %w", s, err)
	}
	return d, nil
}
