package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 会话桥接相关的 Prometheus 指标
// 方法对 nil 接收者安全，未启用指标时可直接传 nil
type Metrics struct {
	SessionResolutions *prometheus.CounterVec
	VehicleLogins      *prometheus.CounterVec
	CommandsSent       *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	StoreErrors        *prometheus.CounterVec
}

// New 创建并注册指标，reg 为 nil 时使用默认注册表
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viperbridge_session_resolutions_total",
			Help: "Session resolutions by path (cache or login) and outcome",
		}, []string{"path", "outcome"}),
		VehicleLogins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viperbridge_vehicle_logins_total",
			Help: "Vehicle API login attempts by outcome",
		}, []string{"outcome"}),
		CommandsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viperbridge_commands_total",
			Help: "Vehicle commands by kind and outcome",
		}, []string{"kind", "outcome"}),
		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viperbridge_session_transitions_total",
			Help: "Session state machine transitions",
		}, []string{"from", "to"}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "viperbridge_store_errors_total",
			Help: "Session store failures by operation",
		}, []string{"op"}),
	}
}

// ObserveResolution 记录一次会话解析
func (m *Metrics) ObserveResolution(fromCache bool, outcome string) {
	if m == nil {
		return
	}
	path := "login"
	if fromCache {
		path = "cache"
	}
	m.SessionResolutions.WithLabelValues(path, outcome).Inc()
}

// ObserveLogin 记录一次登录
func (m *Metrics) ObserveLogin(outcome string) {
	if m == nil {
		return
	}
	m.VehicleLogins.WithLabelValues(outcome).Inc()
}

// ObserveCommand 记录一次指令
func (m *Metrics) ObserveCommand(kind, outcome string) {
	if m == nil {
		return
	}
	m.CommandsSent.WithLabelValues(kind, outcome).Inc()
}

// ObserveTransition 记录状态机转换
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}

// ObserveStoreError 记录存储失败
func (m *Metrics) ObserveStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}
