package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-automation/internal/automation"
	"trades-automation/internal/provider"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := newRepository(db, DriverMySQL, nil)
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

func sampleExecution() *automation.Execution {
	rule := automation.Rule{ID: "rule-1", Owner: "alice"}
	slot := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return automation.NewExecution(rule, automation.ExecutionTrade, automation.SlotKey(slot), slot, automation.Snapshot{
		Symbol: "BTC/USDT",
		Side:   provider.SideBuy,
		Amount: decimal.NewFromInt(100),
	})
}

func TestCreateExecutionDuplicateSlot(t *testing.T) {
	repo, mock := newMockRepo(t)
	exec := sampleExecution()

	mock.ExpectExec("INSERT INTO executions").
		WillReturnError(&mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry"})

	err := repo.CreateExecution(context.Background(), exec)
	assert.ErrorIs(t, err, automation.ErrDuplicateSlot)
	assert.Equal(t, int64(0), exec.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateExecutionSetsVersion(t *testing.T) {
	repo, mock := newMockRepo(t)
	exec := sampleExecution()

	mock.ExpectExec("INSERT INTO executions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateExecution(context.Background(), exec))
	assert.Equal(t, int64(1), exec.Version)
	assert.Equal(t, fixedNow, exec.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveExecutionConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	exec := sampleExecution()
	exec.Version = 3
	exec.State = automation.StateRiskChecked

	mock.ExpectExec("UPDATE executions SET").
		WithArgs("risk_checked", 0, sqlmock.AnyArg(), nil, nil, int64(4), fixedNow.UnixNano(), exec.ID, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM executions").
		WithArgs(exec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	err := repo.SaveExecution(context.Background(), exec)
	assert.ErrorIs(t, err, automation.ErrConflict)
	assert.Equal(t, int64(3), exec.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveExecutionNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	exec := sampleExecution()
	exec.Version = 1

	mock.ExpectExec("UPDATE executions SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM executions").WillReturnRows(sqlmock.NewRows([]string{"1"}))

	assert.ErrorIs(t, repo.SaveExecution(context.Background(), exec), automation.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveExecutionIncrementsVersion(t *testing.T) {
	repo, mock := newMockRepo(t)
	exec := sampleExecution()
	exec.Version = 1
	exec.State = automation.StateFailed
	exec.Failure = &automation.Failure{Reason: automation.ReasonRejected, Message: "insufficient"}

	mock.ExpectExec("UPDATE executions SET").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SaveExecution(context.Background(), exec))
	assert.Equal(t, int64(2), exec.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceRuleCompareAndSwap(t *testing.T) {
	repo, mock := newMockRepo(t)
	expected := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	next := expected.Add(24 * time.Hour)

	mock.ExpectExec("UPDATE automation_rules SET next_run_at").
		WithArgs(next.UnixNano(), 1, fixedNow.UnixNano(), "rule-1", expected.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM automation_rules").
		WithArgs("rule-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	err := repo.AdvanceRule(context.Background(), "rule-1", expected, next, true)
	assert.ErrorIs(t, err, automation.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRuleDecodesConfig(t *testing.T) {
	repo, mock := newMockRepo(t)
	cfg, err := json.Marshal(automation.RecurringBuyConfig{
		Symbol: "ETH/USDT", Side: provider.SideBuy, Amount: decimal.NewFromInt(50), Schedule: "0 9 * * *",
	})
	require.NoError(t, err)

	next := fixedNow.Add(time.Hour)
	mock.ExpectQuery("SELECT .* FROM automation_rules WHERE id").
		WithArgs("rule-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner", "kind", "config", "active", "next_run_at",
			"consecutive_failures", "version", "created_at", "updated_at"}).
			AddRow("rule-1", "alice", "recurring_buy", string(cfg), 1, next.UnixNano(), 2, 7, fixedNow.UnixNano(), fixedNow.UnixNano()))

	rule, err := repo.GetRule(context.Background(), "rule-1")
	require.NoError(t, err)
	assert.True(t, rule.Active)
	assert.Equal(t, automation.KindRecurringBuy, rule.Kind())
	assert.Equal(t, next, rule.NextRunAt)
	assert.Equal(t, 2, rule.ConsecutiveFailures)
	rb, ok := rule.Config.(automation.RecurringBuyConfig)
	require.True(t, ok)
	assert.True(t, rb.Amount.Equal(decimal.NewFromInt(50)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRuleNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT .* FROM automation_rules").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetRule(context.Background(), "missing")
	assert.ErrorIs(t, err, automation.ErrNotFound)
}

func TestCreateTWAPOrderRollsBackOnDuplicateSlice(t *testing.T) {
	repo, mock := newMockRepo(t)
	order := &automation.TWAPOrder{
		ID: "twap-1", RuleID: "rule-1", Owner: "alice", SlotKey: "slot", Symbol: "BTC/USDT",
		Side: provider.SideBuy, Total: decimal.NewFromInt(1000), SliceCount: 2, Window: time.Hour,
		StartAt: fixedNow, Status: automation.TWAPActive,
	}
	first, second := sampleExecution(), sampleExecution()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO twap_orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO executions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO executions").
		WillReturnError(&mysql.MySQLError{Number: mysqlDuplicateEntry})
	mock.ExpectRollback()

	err := repo.CreateTWAPOrder(context.Background(), order, []*automation.Execution{first, second})
	assert.ErrorIs(t, err, automation.ErrDuplicateSlot)
	assert.Equal(t, int64(0), order.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveTWAPOrders(t *testing.T) {
	repo, mock := newMockRepo(t)
	cols := []string{"id", "rule_id", "owner", "slot_key", "symbol", "side", "total", "slice_count", "window_ns", "start_at",
		"status", "filled_size", "avg_price", "cancel_requested", "version", "created_at", "updated_at"}
	mock.ExpectQuery("FROM twap_orders WHERE status = \\? ORDER BY created_at, id LIMIT 10").
		WithArgs(string(automation.TWAPActive)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"twap-1", "rule-1", "alice", "slot", "BTC/USDT", "buy", "1000", 4, int64(time.Hour), ts(fixedNow),
			"active", "0.01", "50000", 1, int64(3), ts(fixedNow), ts(fixedNow),
		))

	orders, err := repo.ListActiveTWAPOrders(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	got := orders[0]
	assert.Equal(t, "twap-1", got.ID)
	assert.Equal(t, automation.TWAPActive, got.Status)
	assert.Equal(t, time.Hour, got.Window)
	assert.True(t, got.CancelRequested)
	assert.True(t, got.FilledSize.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, int64(3), got.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRuleOutcomeFailure(t *testing.T) {
	repo, mock := newMockRepo(t)
	cfg, _ := json.Marshal(automation.CrossChainConfig{FromChain: "ethereum", ToChain: "base", FromAsset: "USDC", ToAsset: "USDC", Amount: decimal.NewFromInt(10)})

	mock.ExpectExec("UPDATE automation_rules SET").
		WithArgs(3, 3, fixedNow.UnixNano(), "rule-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM automation_rules WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner", "kind", "config", "active", "next_run_at",
			"consecutive_failures", "version", "created_at", "updated_at"}).
			AddRow("rule-1", "alice", "cross_chain", string(cfg), 0, 0, 3, 4, 0, 0))

	rule, err := repo.RecordRuleOutcome(context.Background(), "rule-1", false, 3)
	require.NoError(t, err)
	assert.False(t, rule.Active)
	assert.Equal(t, 3, rule.ConsecutiveFailures)
	assert.True(t, rule.NextRunAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLimitClause(t *testing.T) {
	assert.Equal(t, "", limitClause(0))
	assert.Equal(t, " LIMIT 10", limitClause(10))
}
