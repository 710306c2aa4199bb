package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rideguard/internal/models"
)

// AlertRepository 报警仓库
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// InsertAlert 写入一条报警（只追加），返回带 ID 的完整记录
func (r *AlertRepository) InsertAlert(ctx context.Context, a *models.Alert) (*models.Alert, error) {
	if a.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	if !models.ValidAlertTypes[a.AlertType] {
		return nil, fmt.Errorf("unknown alert_type: %s", a.AlertType)
	}
	if !models.ValidSeverities[a.Severity] {
		return nil, fmt.Errorf("unknown severity: %s", a.Severity)
	}

	a.AlertID = uuid.New().String()
	a.CreatedAt = time.Now()

	payloadJSON := []byte("{}")
	if a.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(a.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal alert payload: %w", err)
		}
	}

	query := `
		INSERT INTO alerts (
			alert_id, device_id, user_id, trip_id, ts,
			alert_type, severity, message, payload, resolved, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		a.AlertID, a.DeviceID, a.UserID, a.TripID, a.TS,
		a.AlertType, a.Severity, a.Message, payloadJSON, a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert alert: %w", err)
	}

	r.logger.Info("Alert inserted",
		zap.String("alert_id", a.AlertID),
		zap.String("device_id", a.DeviceID),
		zap.String("alert_type", a.AlertType),
		zap.String("severity", a.Severity),
	)
	return a, nil
}

// GetAlertByID 按 ID 获取报警
func (r *AlertRepository) GetAlertByID(ctx context.Context, alertID string) (*models.Alert, error) {
	query := `
		SELECT alert_id, device_id, user_id, trip_id, ts,
		       alert_type, severity, message, payload, resolved, resolved_at, created_at
		FROM alerts
		WHERE alert_id = $1
	`

	var a models.Alert
	var userID, tripID sql.NullString
	var resolvedAt sql.NullTime
	var payload []byte

	err := r.db.QueryRowContext(ctx, query, alertID).Scan(
		&a.AlertID, &a.DeviceID, &userID, &tripID, &a.TS,
		&a.AlertType, &a.Severity, &a.Message, &payload, &a.Resolved, &resolvedAt, &a.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert not found: %s", alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	if userID.Valid {
		a.UserID = &userID.String
	}
	if tripID.Valid {
		a.TripID = &tripID.String
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert payload: %w", err)
		}
	}

	return &a, nil
}

// ResolveAlert 外部处理人标记报警已解决（唯一允许的事后修改）
func (r *AlertRepository) ResolveAlert(ctx context.Context, alertID string) error {
	query := `
		UPDATE alerts
		SET resolved = TRUE, resolved_at = $2
		WHERE alert_id = $1 AND resolved = FALSE
	`

	result, err := r.db.ExecContext(ctx, query, alertID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("alert not found or already resolved: %s", alertID)
	}
	return nil
}
