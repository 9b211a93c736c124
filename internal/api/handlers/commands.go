package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/viperbridge/internal/service"
)

// ExecuteCommand 发送车辆指令
// POST /api/commands/:command
// 未指定 device_id 时使用默认车辆
func (h *Handler) ExecuteCommand(c *gin.Context) {
	kind, err := service.ParseCommandKind(c.Param("command"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported command"})
		return
	}

	req, ok := h.bindVoiceRequest(c)
	if !ok {
		return
	}

	session, ok := h.resolve(c, req)
	if !ok {
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		if session.DefaultVehicle == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no vehicles found on this account"})
			return
		}
		deviceID = session.DefaultVehicle.DeviceID
	}

	ack, err := h.commands.Execute(c.Request.Context(), session.VehicleToken, deviceID, kind)
	if err != nil {
		if errors.Is(err, service.ErrVehicleAuthFailed) {
			// 令牌已失效，下次请求重新登录
			if ierr := h.sessions.InvalidateSession(c.Request.Context(), req.VoiceUserID); ierr != nil {
				h.logger.Warn("Invalidate session failed", zap.String("voice_user", req.VoiceUserID), zap.Error(ierr))
			}
		}
		h.writeError(c, "Vehicle command failed", req.VoiceUserID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"command":   kind,
			"device_id": deviceID,
			"ack":       ack,
		},
	})
}
