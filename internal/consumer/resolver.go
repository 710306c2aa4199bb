package consumer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rideguard/internal/models"
	"rideguard/internal/tripstats"
)

// resolveActiveTrip 解析设备当前活跃行程。
// 优先内存缓存，但必须经持久层校验（行程仍在 recording）才可信；
// 失配时逐出缓存并回退到持久层查询。没有活跃行程返回空串。
func (d *Dispatcher) resolveActiveTrip(ctx context.Context, deviceID string) (string, error) {
	if tripID, ok := d.activeTrips[deviceID]; ok {
		trip, err := d.trips.GetTripByID(ctx, tripID)
		if err != nil {
			return "", fmt.Errorf("failed to validate cached trip: %w", err)
		}
		if trip != nil && trip.Status == models.TripStatusRecording {
			return tripID, nil
		}
		// 缓存过期（行程已关闭或被删除）
		delete(d.activeTrips, deviceID)
	}

	trip, err := d.trips.GetActiveTripForDevice(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("failed to query active trip: %w", err)
	}
	if trip == nil {
		return "", nil
	}

	d.activeTrips[deviceID] = trip.TripID
	return trip.TripID, nil
}

// closeTrip 收尾一段行程：聚合统计后关闭，并清理该行程/设备的内存状态
func (d *Dispatcher) closeTrip(ctx context.Context, deviceID, tripID string, endTime time.Time, endLat, endLng *float64) error {
	points, err := d.telemetry.GetPointsForTrip(ctx, tripID)
	if err != nil {
		// 统计失败不应阻止行程关闭，退化为零统计
		d.logger.Error("Failed to load trip points for stats",
			zap.String("trip_id", tripID),
			zap.Error(err),
		)
		points = nil
	}
	stats := tripstats.Compute(points)

	if err := d.trips.CloseTrip(ctx, tripID, endTime, endLat, endLng, nil, stats); err != nil {
		return fmt.Errorf("failed to close trip: %w", err)
	}

	d.purgeTripState(ctx, deviceID, tripID)
	return nil
}

// purgeTripState 清除一段行程/设备的全部内存状态
func (d *Dispatcher) purgeTripState(ctx context.Context, deviceID, tripID string) {
	delete(d.activeTrips, deviceID)
	delete(d.riskStates, deviceID)
	d.crash.PurgeTrip(tripID)

	if err := d.riskCache.PurgeRisk(ctx, deviceID); err != nil {
		d.logger.Warn("Failed to purge risk cache",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}
