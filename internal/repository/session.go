package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/langchou/viperbridge/internal/models"
)

// SessionRepository 会话映射仓库（PostgreSQL）
type SessionRepository struct {
	db *DB
}

// NewSessionRepository 创建会话映射仓库
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Get 按语音用户获取映射，不存在时返回 nil, nil
func (r *SessionRepository) Get(ctx context.Context, voiceUserID string) (*models.SessionMapping, error) {
	query := `
		SELECT voice_user_id, subject_id, vehicle_session_token, expires_at, default_device_id, default_vehicle_name, updated_at
		FROM session_mappings WHERE voice_user_id = $1
	`
	var (
		m           models.SessionMapping
		token       pgtype.Text
		expiresAt   pgtype.Timestamptz
		deviceID    pgtype.Text
		vehicleName pgtype.Text
		updatedAt   pgtype.Timestamptz
	)
	err := r.db.Pool.QueryRow(ctx, query, voiceUserID).Scan(
		&m.VoiceUserID,
		&m.SubjectID,
		&token,
		&expiresAt,
		&deviceID,
		&vehicleName,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get session mapping: %w", ErrStoreUnavailable, err)
	}

	if token.Valid && expiresAt.Valid {
		m.VehicleSessionToken = token.String
		m.ExpiresAt = expiresAt.Time
	}
	if deviceID.Valid && deviceID.String != "" {
		m.DefaultVehicle = &models.DefaultVehicle{
			DeviceID: deviceID.String,
			Name:     vehicleName.String,
		}
	}
	if updatedAt.Valid {
		m.UpdatedAt = updatedAt.Time
	}
	return &m, nil
}

// Put 整体写入映射，令牌与过期时间在同一条语句内更新
func (r *SessionRepository) Put(ctx context.Context, m *models.SessionMapping) error {
	if m == nil || m.VoiceUserID == "" {
		return fmt.Errorf("%w: voice user id is required", ErrStoreUnavailable)
	}

	query := `
		INSERT INTO session_mappings (voice_user_id, subject_id, vehicle_session_token, expires_at, default_device_id, default_vehicle_name, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (voice_user_id) DO UPDATE SET
			subject_id = EXCLUDED.subject_id,
			vehicle_session_token = EXCLUDED.vehicle_session_token,
			expires_at = EXCLUDED.expires_at,
			default_device_id = EXCLUDED.default_device_id,
			default_vehicle_name = EXCLUDED.default_vehicle_name,
			updated_at = EXCLUDED.updated_at
	`
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.Pool.Exec(ctx, query,
		m.VoiceUserID,
		m.SubjectID,
		tokenArg(m),
		expiresArg(m),
		deviceIDArg(m.DefaultVehicle),
		vehicleNameArg(m.DefaultVehicle),
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert session mapping: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// UpdateDefaultVehicle 只更新默认车辆
func (r *SessionRepository) UpdateDefaultVehicle(ctx context.Context, voiceUserID string, v models.DefaultVehicle) error {
	query := `
		UPDATE session_mappings SET default_device_id = $2, default_vehicle_name = $3, updated_at = NOW()
		WHERE voice_user_id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, voiceUserID, v.DeviceID, v.Name)
	if err != nil {
		return fmt.Errorf("%w: update default vehicle: %w", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: voice user %s", ErrNotFound, voiceUserID)
	}
	return nil
}

func tokenArg(m *models.SessionMapping) *string {
	if !m.HasToken() {
		return nil
	}
	return &m.VehicleSessionToken
}

func expiresArg(m *models.SessionMapping) *time.Time {
	if !m.HasToken() {
		return nil
	}
	return &m.ExpiresAt
}

func deviceIDArg(v *models.DefaultVehicle) *string {
	if v == nil || v.DeviceID == "" {
		return nil
	}
	return &v.DeviceID
}

func vehicleNameArg(v *models.DefaultVehicle) *string {
	if v == nil || v.DeviceID == "" {
		return nil
	}
	return &v.Name
}
