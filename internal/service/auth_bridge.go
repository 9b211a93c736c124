package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/langchou/viperbridge/internal/api/identity"
	"github.com/langchou/viperbridge/internal/api/viper"
	"github.com/langchou/viperbridge/internal/metrics"
	"github.com/langchou/viperbridge/internal/models"
	"github.com/langchou/viperbridge/internal/state"
)

// DefaultSessionTTL 会话令牌的保守有效期，上游不返回真实过期时间
const DefaultSessionTTL = 12 * time.Hour

// DefaultRefreshTimeout 一次合并刷新（登录、取车辆、写缓存）的总时限
const DefaultRefreshTimeout = 30 * time.Second

// Session 可直接使用的车辆会话
type Session struct {
	VehicleToken   string                 `json:"-"`
	DefaultVehicle *models.DefaultVehicle `json:"default_vehicle"`
	FromCache      bool                   `json:"from_cache"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.DefaultVehicle != nil {
		dv := *s.DefaultVehicle
		c.DefaultVehicle = &dv
	}
	return &c
}

// AuthBridge 语音用户到车辆 API 会话的桥接
type AuthBridge struct {
	identity IdentityResolver
	vehicles VehicleAPI
	cache    SessionCache
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mapping        CredentialMapping
	ttl            time.Duration
	refreshTimeout time.Duration
	now            func() time.Time

	refreshes singleflight.Group
}

// AuthOption 桥接选项
type AuthOption func(*AuthBridge)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) AuthOption {
	return func(b *AuthBridge) {
		if now != nil {
			b.now = now
		}
	}
}

// WithSessionTTL 设置会话有效期
func WithSessionTTL(ttl time.Duration) AuthOption {
	return func(b *AuthBridge) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithRefreshTimeout 设置合并刷新的时限
func WithRefreshTimeout(d time.Duration) AuthOption {
	return func(b *AuthBridge) {
		if d > 0 {
			b.refreshTimeout = d
		}
	}
}

// WithCredentialMapping 设置凭据映射
func WithCredentialMapping(m CredentialMapping) AuthOption {
	return func(b *AuthBridge) {
		b.mapping = m
	}
}

// WithMetrics 启用指标
func WithMetrics(m *metrics.Metrics) AuthOption {
	return func(b *AuthBridge) {
		b.metrics = m
	}
}

// NewAuthBridge 创建认证桥接
func NewAuthBridge(
	resolver IdentityResolver,
	vehicles VehicleAPI,
	cache SessionCache,
	logger *zap.Logger,
	opts ...AuthOption,
) *AuthBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &AuthBridge{
		identity: resolver,
		vehicles: vehicles,
		cache:    cache,
		logger:   logger,
		mapping:  credentialMappings[DefaultCredentialMappingVersion],
		ttl:      DefaultSessionTTL,
		now:      time.Now,

		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ResolveSession 返回可用的车辆会话令牌和默认车辆
// 缓存写入失败时仍返回已登录的会话，同时返回包装了 ErrStoreUnavailable 的错误
func (b *AuthBridge) ResolveSession(ctx context.Context, accessToken, voiceUserID string) (*Session, error) {
	subject, err := b.identity.Resolve(ctx, accessToken)
	if err != nil {
		b.metrics.ObserveResolution(false, "identity_error")
		return nil, identityError(err)
	}

	existing, err := b.cache.Get(ctx, voiceUserID)
	if err != nil {
		// 读失败按未命中处理，慢路径仍可能成功
		b.metrics.ObserveStoreError("get")
		b.logger.Warn("Session cache read failed, falling back to login",
			zap.String("voice_user", voiceUserID), zap.Error(err))
		existing = nil
	}

	if existing.IsValidAt(b.now()) {
		b.metrics.ObserveResolution(true, "ok")
		b.logger.Debug("Session cache hit", zap.String("voice_user", voiceUserID))
		return &Session{
			VehicleToken:   existing.VehicleSessionToken,
			DefaultVehicle: existing.DefaultVehicle,
			FromCache:      true,
		}, nil
	}

	// 同一用户的并发刷新合并为一次登录，刷新不受单个请求取消影响
	key := voiceUserID + "\x00" + subject.SubjectID
	ch := b.refreshes.DoChan(key, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.refreshTimeout)
		defer cancel()
		return b.provision(refreshCtx, subject, voiceUserID, existing)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		b.metrics.ObserveResolution(false, "upstream_unavailable")
		b.logger.Warn("Session refresh abandoned by caller",
			zap.String("voice_user", voiceUserID), zap.Error(ctx.Err()))
		return nil, wrap(ErrUpstreamUnavailable, ctx.Err())
	}
	if res.Shared {
		b.logger.Debug("Joined in-flight session refresh", zap.String("voice_user", voiceUserID))
	}

	session, _ := res.Val.(*Session)
	b.metrics.ObserveResolution(false, outcomeOf(res.Err))
	return session.clone(), res.Err
}

// provision 慢路径：登录、首次选择默认车辆、写入缓存
func (b *AuthBridge) provision(ctx context.Context, subject *identity.Subject, voiceUserID string, existing *models.SessionMapping) (*Session, error) {
	machine := state.NewSessionMachine(voiceUserID, state.InitialState(existing, b.now()), b.now, b.onStateChange)
	b.trigger(ctx, machine, state.EventProvision)

	creds, err := b.mapping.Extract(subject)
	if err != nil {
		b.trigger(ctx, machine, state.EventReject)
		b.logger.Warn("Vehicle credentials missing",
			zap.String("voice_user", voiceUserID), zap.Int("mapping_version", b.mapping.Version))
		return nil, err
	}

	login, err := b.vehicles.Login(ctx, creds.Username, creds.Password)
	if err != nil {
		b.trigger(ctx, machine, state.EventReject)
		mapped := upstreamError(err)
		b.metrics.ObserveLogin(outcomeOf(mapped))
		b.logger.Warn("Vehicle login failed", zap.String("voice_user", voiceUserID), zap.Error(err))
		return nil, mapped
	}
	b.metrics.ObserveLogin("ok")

	var defaultVehicle *models.DefaultVehicle
	if existing != nil && existing.DefaultVehicle != nil {
		dv := *existing.DefaultVehicle
		defaultVehicle = &dv
	} else {
		defaultVehicle, err = b.firstVehicle(ctx, login.Token)
		if err != nil {
			b.trigger(ctx, machine, state.EventReject)
			b.logger.Warn("List vehicles failed", zap.String("voice_user", voiceUserID), zap.Error(err))
			return nil, wrap(ErrUpstreamUnavailable, err)
		}
		if defaultVehicle == nil {
			b.logger.Info("No vehicles on account", zap.String("voice_user", voiceUserID))
		}
	}

	now := b.now()
	mapping := &models.SessionMapping{
		VoiceUserID:         voiceUserID,
		SubjectID:           subject.SubjectID,
		VehicleSessionToken: login.Token,
		ExpiresAt:           now.Add(b.ttl),
		DefaultVehicle:      defaultVehicle,
		UpdatedAt:           now,
	}
	session := &Session{VehicleToken: login.Token, DefaultVehicle: defaultVehicle}
	b.trigger(ctx, machine, state.EventActivate)

	if err := b.cache.Put(ctx, mapping); err != nil {
		b.metrics.ObserveStoreError("put")
		b.logger.Error("Persist session mapping failed, returning uncached session",
			zap.String("voice_user", voiceUserID), zap.Error(err))
		return session, wrap(ErrStoreUnavailable, err)
	}

	b.logger.Info("Vehicle session established",
		zap.String("voice_user", voiceUserID),
		zap.Time("expires_at", mapping.ExpiresAt),
		zap.Bool("has_default_vehicle", defaultVehicle != nil))
	return session, nil
}

// firstVehicle 取车辆列表第一项作为默认车辆，列表为空返回 nil
func (b *AuthBridge) firstVehicle(ctx context.Context, token string) (*models.DefaultVehicle, error) {
	vehicles, err := b.vehicles.ListVehicles(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(vehicles) == 0 {
		return nil, nil
	}
	return &models.DefaultVehicle{DeviceID: vehicles[0].DeviceID, Name: vehicles[0].Name}, nil
}

// ListVehicles 解析会话后获取车辆列表
// 缓存令牌被上游拒绝时清除令牌并重新登录一次
func (b *AuthBridge) ListVehicles(ctx context.Context, accessToken, voiceUserID string) ([]viper.Vehicle, *Session, error) {
	vehicles, session, err := b.listVehicles(ctx, accessToken, voiceUserID)
	if err == nil || session == nil || !session.FromCache || !errors.Is(err, ErrVehicleAuthFailed) {
		return vehicles, session, err
	}

	b.logger.Info("Cached vehicle token rejected, logging in again", zap.String("voice_user", voiceUserID))
	if ierr := b.InvalidateSession(ctx, voiceUserID); ierr != nil {
		b.logger.Warn("Invalidate session failed", zap.String("voice_user", voiceUserID), zap.Error(ierr))
		return nil, session, err
	}
	return b.listVehicles(ctx, accessToken, voiceUserID)
}

func (b *AuthBridge) listVehicles(ctx context.Context, accessToken, voiceUserID string) ([]viper.Vehicle, *Session, error) {
	session, err := b.ResolveSession(ctx, accessToken, voiceUserID)
	if session == nil {
		return nil, nil, err
	}
	if err != nil {
		b.logger.Warn("Continuing with uncached session", zap.String("voice_user", voiceUserID), zap.Error(err))
	}

	vehicles, err := b.vehicles.ListVehicles(ctx, session.VehicleToken)
	if err != nil {
		return nil, session, upstreamError(err)
	}
	return vehicles, session, nil
}

// SetDefaultVehicle 将账户下的指定设备设为默认车辆
func (b *AuthBridge) SetDefaultVehicle(ctx context.Context, accessToken, voiceUserID, deviceID string) (*models.DefaultVehicle, error) {
	vehicles, _, err := b.ListVehicles(ctx, accessToken, voiceUserID)
	if err != nil {
		return nil, err
	}

	var target *models.DefaultVehicle
	for _, v := range vehicles {
		if v.DeviceID == deviceID {
			target = &models.DefaultVehicle{DeviceID: v.DeviceID, Name: v.Name}
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: device %s is not on this account", ErrInvalidTarget, deviceID)
	}

	if err := b.cache.UpdateDefaultVehicle(ctx, voiceUserID, *target); err != nil {
		b.metrics.ObserveStoreError("update_default")
		return nil, storeError(err)
	}

	b.logger.Info("Default vehicle updated",
		zap.String("voice_user", voiceUserID), zap.String("device_id", target.DeviceID))
	return target, nil
}

// InvalidateSession 清除已失效的令牌，保留默认车辆
// 映射不存在时什么都不做
func (b *AuthBridge) InvalidateSession(ctx context.Context, voiceUserID string) error {
	existing, err := b.cache.Get(ctx, voiceUserID)
	if err != nil {
		b.metrics.ObserveStoreError("get")
		return storeError(err)
	}
	if existing == nil || !existing.HasToken() {
		return nil
	}

	machine := state.NewSessionMachine(voiceUserID, state.StateActive, b.now, b.onStateChange)
	b.trigger(ctx, machine, state.EventExpire)

	if err := b.cache.Put(ctx, existing.WithoutToken(b.now())); err != nil {
		b.metrics.ObserveStoreError("put")
		return storeError(err)
	}
	b.logger.Info("Vehicle session invalidated", zap.String("voice_user", voiceUserID))
	return nil
}

// trigger 推进状态机，非法转换只记录日志
func (b *AuthBridge) trigger(ctx context.Context, machine *state.SessionMachine, event string) {
	if err := machine.Trigger(ctx, event); err != nil {
		b.logger.Debug("Session state transition skipped", zap.String("event", event), zap.Error(err))
	}
}

// onStateChange 状态变化回调
func (b *AuthBridge) onStateChange(voiceUserID, from, to string) {
	b.metrics.ObserveTransition(from, to)
	b.logger.Debug("Session state changed",
		zap.String("voice_user", voiceUserID), zap.String("from", from), zap.String("to", to))
}

// outcomeOf 指标标签
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrIdentity), errors.Is(err, ErrIdentityUnavailable):
		return "identity_error"
	case errors.Is(err, ErrCredentialsMissing):
		return "credentials_missing"
	case errors.Is(err, ErrVehicleAuthFailed):
		return "rejected"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid_command"
	default:
		return "upstream_unavailable"
	}
}
