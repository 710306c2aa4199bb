// Package cache 维护仪表盘用的低延迟实时风险缓存。
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rideguard/internal/models"
)

// RealtimeCache 按设备缓存最近一次风险评估（带 TTL 的只读视图）
type RealtimeCache struct {
	kv        KVStore
	keyPrefix string // 如 "rideguard:device:"
	keySuffix string // 如 ":risk"
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRealtimeCache 创建实时风险缓存
func NewRealtimeCache(kv KVStore, keyPrefix, keySuffix string, ttl time.Duration, logger *zap.Logger) *RealtimeCache {
	return &RealtimeCache{
		kv:        kv,
		keyPrefix: keyPrefix,
		keySuffix: keySuffix,
		ttl:       ttl,
		logger:    logger,
	}
}

func (c *RealtimeCache) key(deviceID string) string {
	return fmt.Sprintf("%s%s%s", c.keyPrefix, deviceID, c.keySuffix)
}

// UpdateRisk 写入设备的最新风险评估
func (c *RealtimeCache) UpdateRisk(ctx context.Context, deviceID string, assessment models.RiskAssessment) error {
	jsonData, err := json.Marshal(assessment)
	if err != nil {
		return fmt.Errorf("failed to marshal risk assessment: %w", err)
	}

	if err := c.kv.Set(ctx, c.key(deviceID), string(jsonData), c.ttl); err != nil {
		return fmt.Errorf("failed to set risk cache: %w", err)
	}

	c.logger.Debug("Updated risk cache",
		zap.String("device_id", deviceID),
		zap.String("level", assessment.Level),
		zap.Int("score", assessment.Score),
	)
	return nil
}

// GetRisk 读取设备的最新风险评估
func (c *RealtimeCache) GetRisk(ctx context.Context, deviceID string) (*models.RiskAssessment, error) {
	val, err := c.kv.Get(ctx, c.key(deviceID))
	if err != nil {
		if err == ErrCacheMiss {
			return nil, fmt.Errorf("risk data not found for device: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to get risk cache: %w", err)
	}

	var assessment models.RiskAssessment
	if err := json.Unmarshal([]byte(val), &assessment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal risk assessment: %w", err)
	}
	return &assessment, nil
}

// PurgeRisk 行程结束时清除设备的风险缓存
func (c *RealtimeCache) PurgeRisk(ctx context.Context, deviceID string) error {
	if err := c.kv.Del(ctx, c.key(deviceID)); err != nil {
		return fmt.Errorf("failed to delete risk cache: %w", err)
	}
	return nil
}
