package models

import "time"

// DefaultVehicle 语音指令默认操作的车辆
type DefaultVehicle struct {
	DeviceID string `json:"device_id" db:"default_device_id"`
	Name     string `json:"name" db:"default_vehicle_name"`
}

// SessionMapping 语音用户到 Viper 会话的映射记录
// 以 VoiceUserID 为主键，写入一律为 upsert
type SessionMapping struct {
	VoiceUserID         string          `json:"voice_user_id" db:"voice_user_id"`
	SubjectID           string          `json:"subject_id" db:"subject_id"`
	VehicleSessionToken string          `json:"vehicle_session_token,omitempty" db:"vehicle_session_token"`
	ExpiresAt           time.Time       `json:"expires_at,omitempty" db:"expires_at"` // 零值表示未设置
	DefaultVehicle      *DefaultVehicle `json:"default_vehicle,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// HasToken 是否持有会话令牌
func (m *SessionMapping) HasToken() bool {
	return m != nil && m.VehicleSessionToken != "" && !m.ExpiresAt.IsZero()
}

// IsValidAt 令牌在 now 时刻是否仍可使用
func (m *SessionMapping) IsValidAt(now time.Time) bool {
	return m.HasToken() && now.Before(m.ExpiresAt)
}

// WithoutToken 返回清除令牌后的副本，保留默认车辆
func (m *SessionMapping) WithoutToken(now time.Time) *SessionMapping {
	cleared := *m
	cleared.VehicleSessionToken = ""
	cleared.ExpiresAt = time.Time{}
	cleared.UpdatedAt = now
	if m.DefaultVehicle != nil {
		dv := *m.DefaultVehicle
		cleared.DefaultVehicle = &dv
	}
	return &cleared
}
