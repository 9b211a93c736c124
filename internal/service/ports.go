package service

import (
	"context"

	"github.com/langchou/viperbridge/internal/api/identity"
	"github.com/langchou/viperbridge/internal/api/viper"
	"github.com/langchou/viperbridge/internal/models"
)

// IdentityResolver 解析访问令牌
type IdentityResolver interface {
	Resolve(ctx context.Context, accessToken string) (*identity.Subject, error)
}

// VehicleAPI 车辆 API 客户端
type VehicleAPI interface {
	Login(ctx context.Context, username, password string) (*viper.LoginResult, error)
	ListVehicles(ctx context.Context, token string) ([]viper.Vehicle, error)
	SendCommand(ctx context.Context, token, deviceID string, command viper.Command) (*viper.CommandAck, error)
}

// SessionCache 会话映射存储
// Get 在记录不存在时返回 nil, nil
type SessionCache interface {
	Get(ctx context.Context, voiceUserID string) (*models.SessionMapping, error)
	Put(ctx context.Context, m *models.SessionMapping) error
	UpdateDefaultVehicle(ctx context.Context, voiceUserID string, v models.DefaultVehicle) error
}

var (
	_ IdentityResolver = (*identity.Resolver)(nil)
	_ VehicleAPI       = (*viper.Client)(nil)
)
