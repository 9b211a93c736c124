package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/viperbridge/internal/api/handlers"
	"github.com/langchou/viperbridge/internal/api/identity"
	"github.com/langchou/viperbridge/internal/api/viper"
	"github.com/langchou/viperbridge/internal/config"
	"github.com/langchou/viperbridge/internal/metrics"
	"github.com/langchou/viperbridge/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting ViperBridge",
		zap.String("port", cfg.ServerPort),
		zap.String("session_store", cfg.SessionStore),
		zap.Duration("session_ttl", cfg.SessionTTL))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 会话存储
	store, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open session store", zap.Error(err))
	}
	defer store.Close()

	// 凭据映射
	mapping, err := service.CredentialMappingFor(cfg.CredentialMappingVersion)
	if err != nil {
		logger.Fatal("Invalid credential mapping", zap.Error(err))
	}

	// 外部客户端
	resolver := identity.NewResolver(cfg.IdentityUserInfoURL, cfg.IdentityTimeout)
	viperClient := viper.NewClient(cfg.ViperAPIHost, cfg.ViperTimeout)

	// 桥接服务
	m := metrics.New(nil)
	authBridge := service.NewAuthBridge(resolver, viperClient, store.Cache, logger,
		service.WithSessionTTL(cfg.SessionTTL),
		service.WithRefreshTimeout(cfg.RefreshTimeout),
		service.WithCredentialMapping(mapping),
		service.WithMetrics(m),
	)
	commandBridge := service.NewCommandBridge(viperClient, logger, m)

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, authBridge, commandBridge, store.Health)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// requestLogger 请求日志中间件，不记录请求体（含访问令牌）
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
