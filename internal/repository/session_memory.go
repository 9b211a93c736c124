package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/langchou/viperbridge/internal/models"
)

// MemorySessionRepository 进程内会话仓库，用于单实例部署和测试
// 存储的记录不可变，更新时整体替换
type MemorySessionRepository struct {
	records sync.Map // voiceUserID -> *models.SessionMapping
	now     func() time.Time
}

// NewMemorySessionRepository 创建内存会话仓库
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{now: time.Now}
}

// Get 返回记录副本，不存在时返回 nil, nil
func (r *MemorySessionRepository) Get(_ context.Context, voiceUserID string) (*models.SessionMapping, error) {
	v, ok := r.records.Load(voiceUserID)
	if !ok {
		return nil, nil
	}
	return cloneMapping(v.(*models.SessionMapping)), nil
}

// Put 整体写入映射
func (r *MemorySessionRepository) Put(_ context.Context, m *models.SessionMapping) error {
	if m == nil || m.VoiceUserID == "" {
		return fmt.Errorf("%w: voice user id is required", ErrStoreUnavailable)
	}
	stored := cloneMapping(m)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = r.now()
	}
	if !stored.HasToken() {
		stored.VehicleSessionToken = ""
		stored.ExpiresAt = time.Time{}
	}
	r.records.Store(m.VoiceUserID, stored)
	return nil
}

// UpdateDefaultVehicle 比较交换更新默认车辆
func (r *MemorySessionRepository) UpdateDefaultVehicle(_ context.Context, voiceUserID string, v models.DefaultVehicle) error {
	for {
		cur, ok := r.records.Load(voiceUserID)
		if !ok {
			return fmt.Errorf("%w: voice user %s", ErrNotFound, voiceUserID)
		}
		next := cloneMapping(cur.(*models.SessionMapping))
		dv := v
		next.DefaultVehicle = &dv
		next.UpdatedAt = r.now()
		if r.records.CompareAndSwap(voiceUserID, cur, next) {
			return nil
		}
	}
}

func cloneMapping(m *models.SessionMapping) *models.SessionMapping {
	c := *m
	if m.DefaultVehicle != nil {
		dv := *m.DefaultVehicle
		c.DefaultVehicle = &dv
	}
	return &c
}
