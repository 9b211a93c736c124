package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 会话
		api.POST("/session/resolve", h.ResolveSession)

		// 车辆
		api.POST("/vehicles/list", h.ListVehicles)
		api.POST("/vehicles/default", h.SetDefaultVehicle)

		// 指令
		api.POST("/commands/:command", h.ExecuteCommand)
	}

	// 指标
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 健康检查
	r.GET("/health", h.HealthCheck)
}
