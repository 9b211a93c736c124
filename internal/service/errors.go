package service

import (
	"errors"
	"fmt"

	"github.com/langchou/viperbridge/internal/api/identity"
	"github.com/langchou/viperbridge/internal/api/viper"
	"github.com/langchou/viperbridge/internal/repository"
)

// 桥接层错误分类，调用方用 errors.Is 判断
var (
	// ErrIdentity 访问令牌无效、过期或被拒绝
	ErrIdentity = errors.New("identity rejected")
	// ErrIdentityUnavailable 身份提供方不可达
	ErrIdentityUnavailable = errors.New("identity provider unavailable")
	// ErrCredentialsMissing 身份属性中没有车辆账户凭据，需要线下开通
	ErrCredentialsMissing = errors.New("vehicle credentials missing")
	// ErrVehicleAuthFailed 车辆 API 拒绝登录或令牌失效，需要重新绑定
	ErrVehicleAuthFailed = errors.New("vehicle authentication failed")
	// ErrUpstreamUnavailable 车辆 API 暂时不可用
	ErrUpstreamUnavailable = errors.New("vehicle api unavailable")
	// ErrStoreUnavailable 会话存储暂时不可用
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrInvalidTarget 指令目标设备无效
	ErrInvalidTarget = errors.New("invalid target device")
	// ErrNotFound 会话映射不存在
	ErrNotFound = errors.New("session mapping not found")
	// ErrInvalidCommand 不支持的指令
	ErrInvalidCommand = errors.New("unsupported command")
)

// wrap 同时保留分类错误和原始错误
func wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

func identityError(err error) error {
	if errors.Is(err, identity.ErrUnavailable) {
		return wrap(ErrIdentityUnavailable, err)
	}
	return wrap(ErrIdentity, err)
}

func upstreamError(err error) error {
	if errors.Is(err, viper.ErrAuthRejected) {
		return wrap(ErrVehicleAuthFailed, err)
	}
	return wrap(ErrUpstreamUnavailable, err)
}

func commandError(err error) error {
	switch {
	case errors.Is(err, viper.ErrAuthRejected):
		return wrap(ErrVehicleAuthFailed, err)
	case errors.Is(err, viper.ErrInvalidTarget):
		return wrap(ErrInvalidTarget, err)
	case errors.Is(err, viper.ErrInvalidCommand):
		return wrap(ErrInvalidCommand, err)
	default:
		return wrap(ErrUpstreamUnavailable, err)
	}
}

func storeError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return wrap(ErrNotFound, err)
	}
	return wrap(ErrStoreUnavailable, err)
}
