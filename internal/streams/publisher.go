// Package streams 把确认后的报警发布到 Redis Streams 供下游消费。
package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"rideguard/internal/models"
)

// AlertStreamPublisher 报警事件的 Redis Streams 发布器
type AlertStreamPublisher struct {
	client *redis.Client
	stream string // 如 "rideguard:alerts"
	logger *zap.Logger
}

// NewAlertStreamPublisher 创建发布器
func NewAlertStreamPublisher(client *redis.Client, stream string, logger *zap.Logger) *AlertStreamPublisher {
	return &AlertStreamPublisher{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// PublishAlert 用 XADD 把报警追加到流
func (p *AlertStreamPublisher) PublishAlert(ctx context.Context, alert *models.Alert) error {
	jsonData, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"data":      string(jsonData),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish alert to stream: %w", err)
	}

	p.logger.Debug("Published alert to stream",
		zap.String("stream", p.stream),
		zap.String("stream_id", id),
		zap.String("alert_id", alert.AlertID),
	)
	return nil
}
