package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/langchou/viperbridge/internal/api/viper"
	"github.com/langchou/viperbridge/internal/metrics"
)

// CommandKind 语音指令类型
type CommandKind string

const (
	CommandLock   CommandKind = "LOCK"
	CommandUnlock CommandKind = "UNLOCK"
	CommandStart  CommandKind = "START"
	CommandStop   CommandKind = "STOP"
	CommandTrunk  CommandKind = "TRUNK"
	CommandPanic  CommandKind = "PANIC"
)

// 上游没有独立的启动和熄火指令，remote 为切换
var commandTable = map[CommandKind]viper.Command{
	CommandLock:   viper.CommandArm,
	CommandUnlock: viper.CommandDisarm,
	CommandStart:  viper.CommandRemote,
	CommandStop:   viper.CommandRemote,
	CommandTrunk:  viper.CommandTrunk,
	CommandPanic:  viper.CommandPanic,
}

// ParseCommandKind 解析指令名，大小写不敏感
func ParseCommandKind(s string) (CommandKind, error) {
	kind := CommandKind(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := commandTable[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidCommand, s)
	}
	return kind, nil
}

// Upstream 返回对应的上游指令
func (k CommandKind) Upstream() (viper.Command, bool) {
	c, ok := commandTable[k]
	return c, ok
}

// CommandBridge 指令透传
type CommandBridge struct {
	vehicles VehicleAPI
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewCommandBridge 创建指令桥接，m 可以为 nil
func NewCommandBridge(vehicles VehicleAPI, logger *zap.Logger, m *metrics.Metrics) *CommandBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandBridge{vehicles: vehicles, logger: logger, metrics: m}
}

// Execute 发送一次指令，不缓存不重试
func (c *CommandBridge) Execute(ctx context.Context, vehicleToken, deviceID string, kind CommandKind) (*viper.CommandAck, error) {
	label := strings.ToLower(string(kind))
	upstream, ok := kind.Upstream()
	if !ok {
		c.metrics.ObserveCommand("unknown", "invalid_command")
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, kind)
	}

	ack, err := c.vehicles.SendCommand(ctx, vehicleToken, deviceID, upstream)
	if err != nil {
		mapped := commandError(err)
		c.metrics.ObserveCommand(label, outcomeOf(mapped))
		c.logger.Warn("Vehicle command failed",
			zap.String("device_id", deviceID), zap.String("command", string(upstream)), zap.Error(err))
		return nil, mapped
	}

	c.metrics.ObserveCommand(label, "ok")
	c.logger.Info("Vehicle command sent",
		zap.String("device_id", deviceID), zap.String("command", string(upstream)))
	return ack, nil
}
