package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// 时间列统一存 UTC 纳秒时间戳，0 表示空。
var schema = []string{
	`CREATE TABLE IF NOT EXISTS automation_rules (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	owner VARCHAR(128) NOT NULL,
	kind VARCHAR(32) NOT NULL,
	config TEXT NOT NULL,
	active INTEGER NOT NULL,
	next_run_at BIGINT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	version BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX idx_rules_due ON automation_rules(active, next_run_at)`,
	`CREATE TABLE IF NOT EXISTS executions (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	rule_id VARCHAR(64) NOT NULL,
	owner VARCHAR(128) NOT NULL,
	kind VARCHAR(32) NOT NULL,
	slot_key VARCHAR(128) NOT NULL,
	parent_id VARCHAR(64) NOT NULL DEFAULT '',
	slice_index INTEGER NOT NULL DEFAULT 0,
	scheduled_at BIGINT NOT NULL,
	state VARCHAR(32) NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	next_attempt_at BIGINT NOT NULL,
	idempotency_key VARCHAR(128) NOT NULL,
	snapshot TEXT NOT NULL,
	result TEXT,
	failure TEXT,
	version BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	UNIQUE (rule_id, slot_key)
)`,
	`CREATE INDEX idx_executions_active ON executions(state, next_attempt_at)`,
	`CREATE INDEX idx_executions_parent ON executions(parent_id, slice_index)`,
	`CREATE TABLE IF NOT EXISTS twap_orders (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	rule_id VARCHAR(64) NOT NULL,
	owner VARCHAR(128) NOT NULL,
	slot_key VARCHAR(128) NOT NULL,
	symbol VARCHAR(64) NOT NULL,
	side VARCHAR(8) NOT NULL,
	total VARCHAR(64) NOT NULL,
	slice_count INTEGER NOT NULL,
	window_ns BIGINT NOT NULL,
	start_at BIGINT NOT NULL,
	status VARCHAR(32) NOT NULL,
	filled_size VARCHAR(64) NOT NULL,
	avg_price VARCHAR(64) NOT NULL,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	version BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	UNIQUE (rule_id, slot_key)
)`,
	`CREATE INDEX idx_twap_status ON twap_orders(status, created_at)`,
	`CREATE TABLE IF NOT EXISTS transfers (
	execution_id VARCHAR(64) NOT NULL PRIMARY KEY,
	id VARCHAR(64) NOT NULL,
	status VARCHAR(32) NOT NULL,
	route TEXT NOT NULL,
	steps TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`,
}

func (r *Repository) initSchema(ctx context.Context) error {
	return migrate(ctx, r.db, r.driver, schema)
}

// Migrate 执行建表语句，供其他模块在同一数据库中建表。
func (d *DB) Migrate(ctx context.Context, stmts []string) error {
	return migrate(ctx, d.db, d.driver, stmts)
}

// migrate 逐条执行 DDL；MySQL 不支持 CREATE INDEX IF NOT EXISTS，重复建索引的错误被忽略。
func migrate(ctx context.Context, db *sql.DB, driver string, stmts []string) error {
	for _, stmt := range stmts {
		if strings.HasPrefix(stmt, "CREATE INDEX ") && driver == DriverSQLite {
			stmt = strings.Replace(stmt, "CREATE INDEX ", "CREATE INDEX IF NOT EXISTS ", 1)
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if driver == DriverMySQL && isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("store: 初始化表失败: %w", err)
		}
	}
	return nil
}
