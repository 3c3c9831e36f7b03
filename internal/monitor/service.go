package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-automation/internal/automation"
	"trades-automation/internal/store"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
)`,
	`CREATE INDEX idx_monitor_events_type ON monitor_events(event_type)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS monitor_events (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	event_type VARCHAR(64) NOT NULL,
	payload TEXT NOT NULL,
	created_at VARCHAR(40) NOT NULL
)`,
	`CREATE INDEX idx_monitor_events_type ON monitor_events(event_type)`,
}

// Service 负责持久化监控事件，事件只追加不修改。
type Service struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(ctx context.Context, db *store.DB, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("monitor: db 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stmts := sqliteSchema
	if db.Driver() == store.DriverMySQL {
		stmts = mysqlSchema
	}
	if err := db.Migrate(ctx, stmts); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}

	return newService(db.SQL(), logger), nil
}

func newService(db *sql.DB, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, now: time.Now, logger: logger}
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(ctx context.Context, typ EventType, payload interface{}) {
	if err := s.Record(ctx, Event{Type: typ, Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RecordExecution 记录执行状态落盘。
func (s *Service) RecordExecution(ctx context.Context, exec automation.Execution) {
	payload := ExecutionPayload{
		ExecutionID: exec.ID,
		RuleID:      exec.RuleID,
		ParentID:    exec.ParentID,
		State:       exec.State,
		Attempt:     exec.Attempt,
	}
	if exec.Failure != nil {
		payload.Reason = string(exec.Failure.Reason)
		payload.Message = exec.Failure.Message
	}
	s.record(ctx, EventExecution, payload)
}

// RecordTransfer 记录转账步骤进度。
func (s *Service) RecordTransfer(ctx context.Context, t automation.Transfer) {
	s.record(ctx, EventTransferStep, TransferStepPayload{
		ExecutionID: t.ExecutionID,
		TransferID:  t.ID,
		Provider:    t.Route.Provider,
		Status:      t.Status,
		Completed:   t.CompletedSteps(),
		Steps:       t.Steps,
	})
}

// RecordTWAP 记录父单汇总。
func (s *Service) RecordTWAP(ctx context.Context, order automation.TWAPOrder) {
	s.record(ctx, EventTWAP, TWAPPayload{
		OrderID:    order.ID,
		RuleID:     order.RuleID,
		Status:     order.Status,
		FilledSize: order.FilledSize.String(),
		AvgPrice:   order.AvgPrice.String(),
		Cancelled:  order.CancelRequested,
	})
}

// RecordBreaker 记录熔断状态变化。
func (s *Service) RecordBreaker(ctx context.Context, name, from, to string) {
	s.record(ctx, EventBreaker, BreakerPayload{Provider: name, From: from, To: to})
}

// RecordRule 记录规则启停。
func (s *Service) RecordRule(ctx context.Context, rule automation.Rule, cause string) {
	s.record(ctx, EventRule, RulePayload{
		RuleID:              rule.ID,
		Active:              rule.Active,
		ConsecutiveFailures: rule.ConsecutiveFailures,
		Cause:               cause,
	})
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	s.record(ctx, EventError, ErrorPayload{
		Message: msg,
		Error:   err.Error(),
		Context: ctxMap,
	})
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Time{}
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
