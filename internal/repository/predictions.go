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

// PredictionRepository 预测记录仓库
type PredictionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPredictionRepository 创建预测仓库
func NewPredictionRepository(db *sql.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:     db,
		logger: logger,
	}
}

// InsertPrediction 写入一次打分记录（只追加）
func (r *PredictionRepository) InsertPrediction(ctx context.Context, p *models.Prediction) error {
	if p.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if p.TripID == "" {
		return fmt.Errorf("trip_id is required")
	}

	p.PredictionID = uuid.New().String()
	p.CreatedAt = time.Now()

	metaJSON := []byte("{}")
	if p.Meta != nil {
		var err error
		metaJSON, err = json.Marshal(p.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal prediction meta: %w", err)
		}
	}

	query := `
		INSERT INTO predictions (
			prediction_id, device_id, trip_id, model_name, label, score, ts, meta, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		p.PredictionID, p.DeviceID, p.TripID, p.ModelName,
		p.Label, p.Score, p.TS, metaJSON, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}
	return nil
}

// GetPredictionsForTrip 按时间升序获取行程的预测记录
func (r *PredictionRepository) GetPredictionsForTrip(ctx context.Context, tripID string) ([]models.Prediction, error) {
	query := `
		SELECT prediction_id, device_id, trip_id, model_name, label, score, ts, meta, created_at
		FROM predictions
		WHERE trip_id = $1
		ORDER BY ts ASC
	`

	rows, err := r.db.QueryContext(ctx, query, tripID)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	var predictions []models.Prediction
	for rows.Next() {
		var p models.Prediction
		var meta []byte

		err := rows.Scan(
			&p.PredictionID, &p.DeviceID, &p.TripID, &p.ModelName,
			&p.Label, &p.Score, &p.TS, &meta, &p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction row: %w", err)
		}

		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &p.Meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal prediction meta: %w", err)
			}
		}
		predictions = append(predictions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prediction rows: %w", err)
	}

	return predictions, nil
}
