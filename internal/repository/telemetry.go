package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"rideguard/internal/models"
)

// TelemetryRepository 遥测采样仓库
type TelemetryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTelemetryRepository 创建遥测仓库
func NewTelemetryRepository(db *sql.DB, logger *zap.Logger) *TelemetryRepository {
	return &TelemetryRepository{
		db:     db,
		logger: logger,
	}
}

// InsertTripPoint 追加一条遥测采样（只追加，不更新）
func (r *TelemetryRepository) InsertTripPoint(ctx context.Context, p *models.TripPoint) error {
	if p.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if p.TripID == "" {
		return fmt.Errorf("trip_id is required")
	}

	query := `
		INSERT INTO trip_data (
			device_id, trip_id, timestamp, lat, lng, speed_kmh,
			acc_x, acc_y, acc_z, gyro_x, gyro_y, gyro_z, heart_rate
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		p.DeviceID, p.TripID, p.Timestamp, p.Lat, p.Lng, p.SpeedKMH,
		p.AccX, p.AccY, p.AccZ, p.GyroX, p.GyroY, p.GyroZ, p.HeartRate,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trip data: %w", err)
	}
	return nil
}

// GetPointsForTrip 按时间升序获取行程的全部采样（收尾统计用）
func (r *TelemetryRepository) GetPointsForTrip(ctx context.Context, tripID string) ([]models.TripPoint, error) {
	query := `
		SELECT id, device_id, trip_id, timestamp, lat, lng, speed_kmh,
		       acc_x, acc_y, acc_z, gyro_x, gyro_y, gyro_z, heart_rate
		FROM trip_data
		WHERE trip_id = $1
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, query, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trip data: %w", err)
	}
	defer rows.Close()

	var points []models.TripPoint
	for rows.Next() {
		var p models.TripPoint
		var lat, lng, speed sql.NullFloat64
		var ax, ay, az, gx, gy, gz sql.NullFloat64
		var hr sql.NullInt64

		err := rows.Scan(
			&p.ID, &p.DeviceID, &p.TripID, &p.Timestamp,
			&lat, &lng, &speed, &ax, &ay, &az, &gx, &gy, &gz, &hr,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trip data row: %w", err)
		}

		if lat.Valid {
			p.Lat = &lat.Float64
		}
		if lng.Valid {
			p.Lng = &lng.Float64
		}
		if speed.Valid {
			p.SpeedKMH = &speed.Float64
		}
		if ax.Valid {
			p.AccX = &ax.Float64
		}
		if ay.Valid {
			p.AccY = &ay.Float64
		}
		if az.Valid {
			p.AccZ = &az.Float64
		}
		if gx.Valid {
			p.GyroX = &gx.Float64
		}
		if gy.Valid {
			p.GyroY = &gy.Float64
		}
		if gz.Valid {
			p.GyroZ = &gz.Float64
		}
		if hr.Valid {
			h := int(hr.Int64)
			p.HeartRate = &h
		}

		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trip data rows: %w", err)
	}

	return points, nil
}

// GetLastKnownLocation 获取行程最后一个有效定位（没有返回 nil, nil）
func (r *TelemetryRepository) GetLastKnownLocation(ctx context.Context, tripID string) (*float64, *float64, error) {
	query := `
		SELECT lat, lng
		FROM trip_data
		WHERE trip_id = $1 AND lat IS NOT NULL AND lng IS NOT NULL
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var lat, lng float64
	err := r.db.QueryRowContext(ctx, query, tripID).Scan(&lat, &lng)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to get last known location: %w", err)
	}
	return &lat, &lng, nil
}
