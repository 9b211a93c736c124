package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/langchou/viperbridge/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "viperbridge:session:"
	redisMaxTxRetry = 5
)

// RedisSessionRepository 会话映射仓库（Redis）
// 每个语音用户一个 JSON 值，键不设过期，令牌过期由 ExpiresAt 判定
type RedisSessionRepository struct {
	client *redis.Client
}

// NewRedisSessionRepository 创建 Redis 会话仓库
func NewRedisSessionRepository(client *redis.Client) *RedisSessionRepository {
	return &RedisSessionRepository{client: client}
}

// NewRedisClient 从 URL 创建 Redis 客户端并检查连接
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func redisKey(voiceUserID string) string {
	return redisKeyPrefix + voiceUserID
}

// Get 按语音用户获取映射，不存在时返回 nil, nil
func (r *RedisSessionRepository) Get(ctx context.Context, voiceUserID string) (*models.SessionMapping, error) {
	raw, err := r.client.Get(ctx, redisKey(voiceUserID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get session mapping: %w", ErrStoreUnavailable, err)
	}

	var m models.SessionMapping
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: decode session mapping: %w", ErrStoreUnavailable, err)
	}
	return &m, nil
}

// Put 整体写入映射
func (r *RedisSessionRepository) Put(ctx context.Context, m *models.SessionMapping) error {
	if m == nil || m.VoiceUserID == "" {
		return fmt.Errorf("%w: voice user id is required", ErrStoreUnavailable)
	}

	stored := *m
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	if !stored.HasToken() {
		stored.VehicleSessionToken = ""
		stored.ExpiresAt = time.Time{}
	}

	raw, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("%w: encode session mapping: %w", ErrStoreUnavailable, err)
	}
	if err := r.client.Set(ctx, redisKey(m.VoiceUserID), raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: set session mapping: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// UpdateDefaultVehicle 乐观事务更新默认车辆，冲突时重试
func (r *RedisSessionRepository) UpdateDefaultVehicle(ctx context.Context, voiceUserID string, v models.DefaultVehicle) error {
	key := redisKey(voiceUserID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: voice user %s", ErrNotFound, voiceUserID)
			}
			return err
		}

		var m models.SessionMapping
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode session mapping: %w", err)
		}
		dv := v
		m.DefaultVehicle = &dv
		m.UpdatedAt = time.Now()

		updated, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("encode session mapping: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxTxRetry; i++ {
		err := r.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound):
			return err
		default:
			return fmt.Errorf("%w: update default vehicle: %w", ErrStoreUnavailable, err)
		}
	}
	return fmt.Errorf("%w: update default vehicle: too many concurrent writers", ErrStoreUnavailable)
}
