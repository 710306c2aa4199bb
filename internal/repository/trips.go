package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"rideguard/internal/models"
	"rideguard/internal/tripstats"
)

// TripRepository 行程仓库
type TripRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTripRepository 创建行程仓库
func NewTripRepository(db *sql.DB, logger *zap.Logger) *TripRepository {
	return &TripRepository{
		db:     db,
		logger: logger,
	}
}

const tripColumns = `
	trip_id, user_id, device_id, status, start_time, end_time,
	start_lat, start_lng, end_lat, end_lng, crash_detected,
	total_distance, average_speed, max_speed,
	average_heart_rate, max_heart_rate, created_at, updated_at
`

// CreateTrip 创建行程（状态 recording）。
// trips.active_key 上的唯一约束保证同一设备最多一个 recording 行程；
// 并发创建触发唯一冲突时改为返回已有的活跃行程，而不是报错。
func (r *TripRepository) CreateTrip(
	ctx context.Context,
	userID *string,
	deviceID string,
	startTime time.Time,
	startLat, startLng *float64,
) (*models.Trip, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	tripID := uuid.New().String()
	now := time.Now()

	query := `
		INSERT INTO trips (
			trip_id, user_id, device_id, active_key, status,
			start_time, start_lat, start_lng, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		tripID, userID, deviceID, deviceID, models.TripStatusRecording,
		startTime, startLat, startLng, now,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// 并发创建竞争：另一个生产者赢了，取回已有活跃行程
			r.logger.Warn("Trip creation raced, fetching existing active trip",
				zap.String("device_id", deviceID),
			)
			existing, fetchErr := r.GetActiveTripForDevice(ctx, deviceID)
			if fetchErr != nil {
				return nil, fmt.Errorf("failed to fetch trip after unique violation: %w", fetchErr)
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create trip: %w", err)
	}

	r.logger.Info("Trip created",
		zap.String("trip_id", tripID),
		zap.String("device_id", deviceID),
	)

	return r.GetTripByID(ctx, tripID)
}

// GetTripByID 按 ID 获取行程
func (r *TripRepository) GetTripByID(ctx context.Context, tripID string) (*models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE trip_id = $1`
	trip, err := r.scanTrip(r.db.QueryRowContext(ctx, query, tripID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get trip: %w", err)
	}
	return trip, nil
}

// GetActiveTripForDevice 获取设备当前 recording 状态的行程（没有返回 nil）
func (r *TripRepository) GetActiveTripForDevice(ctx context.Context, deviceID string) (*models.Trip, error) {
	query := `
		SELECT ` + tripColumns + `
		FROM trips
		WHERE device_id = $1 AND status = $2
		ORDER BY start_time DESC
		LIMIT 1
	`
	trip, err := r.scanTrip(r.db.QueryRowContext(ctx, query, deviceID, models.TripStatusRecording))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active trip: %w", err)
	}
	return trip, nil
}

// CloseTrip 结束行程：写入收尾统计、清空 active_key、状态置 completed
func (r *TripRepository) CloseTrip(
	ctx context.Context,
	tripID string,
	endTime time.Time,
	endLat, endLng *float64,
	crashDetected *bool,
	stats tripstats.Stats,
) error {
	query := `
		UPDATE trips
		SET status = $2,
		    end_time = $3,
		    end_lat = $4,
		    end_lng = $5,
		    crash_detected = $6,
		    total_distance = $7,
		    average_speed = $8,
		    max_speed = $9,
		    average_heart_rate = $10,
		    max_heart_rate = $11,
		    active_key = NULL,
		    updated_at = $12
		WHERE trip_id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		tripID, models.TripStatusCompleted, endTime, endLat, endLng, crashDetected,
		stats.TotalDistanceKM, stats.AverageSpeedKMH, stats.MaxSpeedKMH,
		stats.AverageHeartRate, stats.MaxHeartRate, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to close trip: %w", err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("trip not found: %s", tripID)
	}

	r.logger.Info("Trip closed",
		zap.String("trip_id", tripID),
		zap.Float64("total_distance_km", stats.TotalDistanceKM),
		zap.Float64("max_speed_kmh", stats.MaxSpeedKMH),
	)
	return nil
}

// CancelTrip 强制取消行程（异常中止）
func (r *TripRepository) CancelTrip(ctx context.Context, tripID string, endTime time.Time) error {
	query := `
		UPDATE trips
		SET status = $2, end_time = $3, active_key = NULL, updated_at = $4
		WHERE trip_id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, tripID, models.TripStatusCancelled, endTime, time.Now()); err != nil {
		return fmt.Errorf("failed to cancel trip: %w", err)
	}
	return nil
}

func (r *TripRepository) scanTrip(row *sql.Row) (*models.Trip, error) {
	var trip models.Trip
	var userID sql.NullString
	var endTime sql.NullTime
	var startLat, startLng, endLat, endLng sql.NullFloat64
	var crashDetected sql.NullBool
	var avgHR, maxHR sql.NullFloat64

	err := row.Scan(
		&trip.TripID,
		&userID,
		&trip.DeviceID,
		&trip.Status,
		&trip.StartTime,
		&endTime,
		&startLat,
		&startLng,
		&endLat,
		&endLng,
		&crashDetected,
		&trip.TotalDistance,
		&trip.AverageSpeed,
		&trip.MaxSpeed,
		&avgHR,
		&maxHR,
		&trip.CreatedAt,
		&trip.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		trip.UserID = &userID.String
	}
	if endTime.Valid {
		trip.EndTime = &endTime.Time
	}
	if startLat.Valid {
		trip.StartLat = &startLat.Float64
	}
	if startLng.Valid {
		trip.StartLng = &startLng.Float64
	}
	if endLat.Valid {
		trip.EndLat = &endLat.Float64
	}
	if endLng.Valid {
		trip.EndLng = &endLng.Float64
	}
	if crashDetected.Valid {
		trip.CrashDetected = &crashDetected.Bool
	}
	if avgHR.Valid {
		trip.AverageHeartRate = &avgHR.Float64
	}
	if maxHR.Valid {
		trip.MaxHeartRate = &maxHR.Float64
	}

	return &trip, nil
}
