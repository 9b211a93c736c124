package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/langchou/viperbridge/internal/config"
	"github.com/langchou/viperbridge/internal/repository"
	"github.com/langchou/viperbridge/internal/service"
)

// sessionStore 按配置选择的会话存储及其生命周期
type sessionStore struct {
	Cache  service.SessionCache
	Health func(ctx context.Context) error
	Close  func()
}

// openSessionStore 根据 SESSION_STORE 创建会话存储
func openSessionStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*sessionStore, error) {
	switch cfg.SessionStore {
	case config.StorePostgres:
		// 连接数据库
		db, err := repository.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}

		// 执行数据库迁移
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.Info("Database migrated successfully")

		return &sessionStore{
			Cache:  repository.NewSessionRepository(db),
			Health: db.Health,
			Close:  db.Close,
		}, nil

	case config.StoreRedis:
		client, err := repository.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("Redis session store connected")

		return &sessionStore{
			Cache:  repository.NewRedisSessionRepository(client),
			Health: func(ctx context.Context) error { return client.Ping(ctx).Err() },
			Close:  func() { client.Close() },
		}, nil

	case config.StoreMemory:
		logger.Warn("Using in-memory session store, sessions are lost on restart")
		return &sessionStore{
			Cache:  repository.NewMemorySessionRepository(),
			Health: func(context.Context) error { return nil },
			Close:  func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
}
