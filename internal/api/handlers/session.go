package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ResolveSession 解析会话
// POST /api/session/resolve
// 账户绑定检查和预热会话，令牌不返回给调用方
func (h *Handler) ResolveSession(c *gin.Context) {
	req, ok := h.bindVoiceRequest(c)
	if !ok {
		return
	}

	session, err := h.sessions.ResolveSession(c.Request.Context(), req.AccessToken, req.VoiceUserID)
	if session == nil {
		h.writeError(c, "Resolve session failed", req.VoiceUserID, err)
		return
	}

	cached := err == nil
	if err != nil {
		h.logger.Warn("Session resolved but not cached", zap.String("voice_user", req.VoiceUserID), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"default_vehicle": session.DefaultVehicle,
			"has_vehicle":     session.DefaultVehicle != nil,
			"from_cache":      session.FromCache,
			"persisted":       cached,
		},
	})
}
