package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/viperbridge/internal/api/viper"
	"github.com/langchou/viperbridge/internal/models"
	"github.com/langchou/viperbridge/internal/service"
)

// SessionBridge 会话桥接
type SessionBridge interface {
	ResolveSession(ctx context.Context, accessToken, voiceUserID string) (*service.Session, error)
	ListVehicles(ctx context.Context, accessToken, voiceUserID string) ([]viper.Vehicle, *service.Session, error)
	SetDefaultVehicle(ctx context.Context, accessToken, voiceUserID, deviceID string) (*models.DefaultVehicle, error)
	InvalidateSession(ctx context.Context, voiceUserID string) error
}

// CommandExecutor 指令桥接
type CommandExecutor interface {
	Execute(ctx context.Context, vehicleToken, deviceID string, kind service.CommandKind) (*viper.CommandAck, error)
}

// HealthFunc 依赖健康检查
type HealthFunc func(ctx context.Context) error

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	sessions SessionBridge
	commands CommandExecutor
	health   HealthFunc
}

// NewHandler 创建处理器，health 可以为 nil
func NewHandler(
	logger *zap.Logger,
	sessions SessionBridge,
	commands CommandExecutor,
	health HealthFunc,
) *Handler {
	return &Handler{
		logger:   logger,
		sessions: sessions,
		commands: commands,
		health:   health,
	}
}

// voiceRequest 语音平台转发的请求
type voiceRequest struct {
	AccessToken string `json:"access_token"`
	VoiceUserID string `json:"voice_user_id"`
	DeviceID    string `json:"device_id,omitempty"`
}

// bindVoiceRequest 解析请求，未绑定账户时直接返回 401，不进入桥接层
func (h *Handler) bindVoiceRequest(c *gin.Context) (*voiceRequest, bool) {
	var req voiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return nil, false
	}
	if req.AccessToken == "" {
		c.JSON(http.StatusUnauthorized, linkAccountBody)
		return nil, false
	}
	if req.VoiceUserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "voice_user_id is required"})
		return nil, false
	}
	return &req, true
}

// resolve 获取会话，缓存写入失败时继续使用本轮会话
func (h *Handler) resolve(c *gin.Context, req *voiceRequest) (*service.Session, bool) {
	session, err := h.sessions.ResolveSession(c.Request.Context(), req.AccessToken, req.VoiceUserID)
	if session == nil {
		h.writeError(c, "Resolve session failed", req.VoiceUserID, err)
		return nil, false
	}
	if err != nil {
		h.logger.Warn("Session not cached, continuing", zap.String("voice_user", req.VoiceUserID), zap.Error(err))
	}
	return session, true
}

// writeError 记录日志并返回映射后的错误
func (h *Handler) writeError(c *gin.Context, msg, voiceUserID string, err error) {
	status, body := mapServiceError(err)
	fields := []zap.Field{zap.String("voice_user", voiceUserID), zap.Int("status", status), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, fields...)
	} else {
		h.logger.Warn(msg, fields...)
	}
	c.JSON(status, body)
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.logger.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
