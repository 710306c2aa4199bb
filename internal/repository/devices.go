package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rideguard/internal/models"
)

// DeviceRepository 设备仓库
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertDevice 确保设备存在并返回（幂等；并发创建由 ON CONFLICT 吸收）
func (r *DeviceRepository) UpsertDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		INSERT INTO devices (device_id, created_at)
		VALUES ($1, $2)
		ON CONFLICT (device_id) DO UPDATE SET device_id = EXCLUDED.device_id
		RETURNING device_id, user_id, last_seen, created_at
	`

	var device models.Device
	var userID sql.NullString
	var lastSeen sql.NullTime

	err := r.db.QueryRowContext(ctx, query, deviceID, time.Now()).Scan(
		&device.DeviceID,
		&userID,
		&lastSeen,
		&device.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}

	if userID.Valid {
		device.UserID = &userID.String
	}
	if lastSeen.Valid {
		device.LastSeen = &lastSeen.Time
	}

	return &device, nil
}

// UpdateLastSeen 更新设备最近上报时间
func (r *DeviceRepository) UpdateLastSeen(ctx context.Context, deviceID string, ts time.Time) error {
	query := `UPDATE devices SET last_seen = $2 WHERE device_id = $1`

	if _, err := r.db.ExecContext(ctx, query, deviceID, ts); err != nil {
		return fmt.Errorf("failed to update last_seen: %w", err)
	}
	return nil
}

// GetDevice 按 ID 获取设备
func (r *DeviceRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `
		SELECT device_id, user_id, last_seen, created_at
		FROM devices
		WHERE device_id = $1
	`

	var device models.Device
	var userID sql.NullString
	var lastSeen sql.NullTime

	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&device.DeviceID,
		&userID,
		&lastSeen,
		&device.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	if userID.Valid {
		device.UserID = &userID.String
	}
	if lastSeen.Valid {
		device.LastSeen = &lastSeen.Time
	}

	return &device, nil
}
