package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"trades-automation/internal/config"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// DB 封装数据库连接及驱动名，驱动决定建表语句的方言。
type DB struct {
	db     *sql.DB
	driver string
}

// Open 根据配置打开 SQLite 或 MySQL。
func Open(cfg config.DatabaseConfig) (*DB, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return openSQLite(cfg)
	case DriverMySQL:
		return openMySQL(cfg)
	default:
		return nil, fmt.Errorf("store: 不支持的数据库驱动 %q", cfg.Driver)
	}
}

func openSQLite(cfg config.DatabaseConfig) (*DB, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		// 内存库每个连接独立，共享缓存保证多连接看到同一份数据。
		dsn = "file::memory:?cache=shared"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	conn, err := sql.Open(DriverSQLite, dsn+sep+"_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: 打开 SQLite 数据库失败: %w", err)
	}
	applyPool(conn, cfg)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: 设置 SQLite WAL 模式失败: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: 设置 SQLite 同步级别失败: %w", err)
	}

	return &DB{db: conn, driver: DriverSQLite}, nil
}

func openMySQL(cfg config.DatabaseConfig) (*DB, error) {
	conn, err := sql.Open(DriverMySQL, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: 打开 MySQL 数据库失败: %w", err)
	}
	applyPool(conn, cfg)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: 连接 MySQL 失败: %w", err)
	}
	return &DB{db: conn, driver: DriverMySQL}, nil
}

func applyPool(conn *sql.DB, cfg config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
}

// Wrap 使用已有连接，主要用于测试。
func Wrap(db *sql.DB, driver string) *DB {
	return &DB{db: db, driver: driver}
}

// SQL 返回底层 *sql.DB。
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Driver 返回驱动名。
func (d *DB) Driver() string {
	return d.driver
}

// Close 关闭数据库连接。
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("store: 创建目录 %q 失败: %w", path, err)
	}
	return nil
}
