package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ListVehicles 获取账户下的车辆
// POST /api/vehicles/list
func (h *Handler) ListVehicles(c *gin.Context) {
	req, ok := h.bindVoiceRequest(c)
	if !ok {
		return
	}

	vehicles, session, err := h.sessions.ListVehicles(c.Request.Context(), req.AccessToken, req.VoiceUserID)
	if err != nil {
		h.writeError(c, "List vehicles failed", req.VoiceUserID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":            vehicles,
		"default_vehicle": session.DefaultVehicle,
	})
}

// SetDefaultVehicle 设置默认车辆
// POST /api/vehicles/default
func (h *Handler) SetDefaultVehicle(c *gin.Context) {
	req, ok := h.bindVoiceRequest(c)
	if !ok {
		return
	}
	if req.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
		return
	}

	dv, err := h.sessions.SetDefaultVehicle(c.Request.Context(), req.AccessToken, req.VoiceUserID, req.DeviceID)
	if err != nil {
		h.writeError(c, "Set default vehicle failed", req.VoiceUserID, err)
		return
	}

	h.logger.Info("Default vehicle set via API",
		zap.String("voice_user", req.VoiceUserID), zap.String("device_id", dv.DeviceID))
	c.JSON(http.StatusOK, gin.H{"data": dv})
}
