package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// 错误定义
var (
	ErrNotFound         = errors.New("session mapping not found")
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Pool 仓库使用的连接池方法集合，*pgxpool.Pool 与 pgxmock 均满足
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// DB 数据库连接池封装
type DB struct {
	Pool Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// NewWithPool 使用已有连接池（测试时传入 pgxmock）
func NewWithPool(pool Pool) *DB {
	return &DB{Pool: pool}
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Health 检查数据库连接
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateSessionMappings,
		migrationAddSubjectIndex,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL
const migrationCreateSessionMappings = `
CREATE TABLE IF NOT EXISTS session_mappings (
    voice_user_id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL DEFAULT '',
    vehicle_session_token TEXT,
    expires_at TIMESTAMP WITH TIME ZONE,
    default_device_id TEXT,
    default_vehicle_name TEXT,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    CONSTRAINT session_token_has_expiry CHECK (vehicle_session_token IS NULL OR expires_at IS NOT NULL)
);
`

// 按身份主体查找映射（审计和失效处理）
const migrationAddSubjectIndex = `
CREATE INDEX IF NOT EXISTS idx_session_mappings_subject_id ON session_mappings(subject_id);
`
