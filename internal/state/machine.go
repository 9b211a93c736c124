package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/langchou/viperbridge/internal/models"
	"github.com/looplab/fsm"
)

// 会话状态常量
const (
	StateNoMapping    = "no_mapping"
	StateProvisioning = "provisioning"
	StateActive       = "active"
	StateExpired      = "expired"
)

// 事件常量
const (
	EventProvision = "provision"
	EventActivate  = "activate"
	EventExpire    = "expire"
	EventReject    = "reject"
)

// SessionState 会话状态快照
type SessionState struct {
	VoiceUserID  string    `json:"voice_user_id"`
	CurrentState string    `json:"state"`
	Since        time.Time `json:"since"`
}

// ChangeFunc 状态变化回调
type ChangeFunc func(voiceUserID, from, to string)

// SessionMachine 单次请求内的会话生命周期状态机
type SessionMachine struct {
	mu          sync.RWMutex
	voiceUserID string
	fsm         *fsm.FSM
	since       time.Time
	now         func() time.Time
	onChange    ChangeFunc
}

// InitialState 根据已有映射推导初始状态
func InitialState(m *models.SessionMapping, now time.Time) string {
	switch {
	case m == nil:
		return StateNoMapping
	case m.IsValidAt(now):
		return StateActive
	default:
		return StateExpired
	}
}

// NewSessionMachine 创建状态机
func NewSessionMachine(voiceUserID, initialState string, now func() time.Time, onChange ChangeFunc) *SessionMachine {
	if initialState == "" {
		initialState = StateNoMapping
	}
	if now == nil {
		now = time.Now
	}

	m := &SessionMachine{
		voiceUserID: voiceUserID,
		since:       now(),
		now:         now,
		onChange:    onChange,
	}

	m.fsm = fsm.NewFSM(
		initialState,
		fsm.Events{
			// 无映射或令牌过期时开始登录
			{Name: EventProvision, Src: []string{StateNoMapping, StateExpired}, Dst: StateProvisioning},

			// 登录结果
			{Name: EventActivate, Src: []string{StateProvisioning}, Dst: StateActive},
			{Name: EventReject, Src: []string{StateProvisioning}, Dst: StateNoMapping},

			// 令牌失效
			{Name: EventExpire, Src: []string{StateActive}, Dst: StateExpired},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				if m.onChange != nil && e.Src != e.Dst {
					m.onChange(m.voiceUserID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *SessionMachine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Snapshot 获取状态快照
func (m *SessionMachine) Snapshot() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return SessionState{
		VoiceUserID:  m.voiceUserID,
		CurrentState: m.fsm.Current(),
		Since:        m.since,
	}
}

// Trigger 触发事件
func (m *SessionMachine) Trigger(ctx context.Context, event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(ctx, event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.since = m.now()
	return nil
}

// CanTransition 检查是否可以转换
func (m *SessionMachine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}
