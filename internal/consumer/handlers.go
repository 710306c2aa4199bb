package consumer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rideguard/internal/models"
)

// handleTripStart 处理 trip_start：
// 设备若还挂着一个 recording 行程（end 消息丢失），先用最后已知位置强制
// 收尾，保证"每设备至多一个活跃行程"的不变式，然后创建并缓存新行程。
func (d *Dispatcher) handleTripStart(ctx context.Context, msg *models.TripStartMessage) error {
	device, err := d.devices.UpsertDevice(ctx, msg.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	existing, err := d.trips.GetActiveTripForDevice(ctx, msg.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to query dangling trip: %w", err)
	}
	if existing != nil {
		d.logger.Warn("Auto-closing dangling trip",
			zap.String("trip_id", existing.TripID),
			zap.String("device_id", msg.DeviceID),
		)

		lastLat, lastLng, err := d.telemetry.GetLastKnownLocation(ctx, existing.TripID)
		if err != nil {
			d.logger.Warn("Failed to get last known location",
				zap.String("trip_id", existing.TripID),
				zap.Error(err),
			)
		}
		if err := d.closeTrip(ctx, msg.DeviceID, existing.TripID, msg.TS, lastLat, lastLng); err != nil {
			return err
		}
	}

	if device.UserID == nil {
		d.logger.Warn("Creating trip for device with no linked user",
			zap.String("device_id", msg.DeviceID),
		)
	}

	trip, err := d.trips.CreateTrip(ctx, device.UserID, msg.DeviceID, msg.TS, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create trip: %w", err)
	}

	d.activeTrips[msg.DeviceID] = trip.TripID
	return nil
}

// handleTripEnd 处理 trip_end：无活跃行程时安静地 no-op
func (d *Dispatcher) handleTripEnd(ctx context.Context, msg *models.TripEndMessage) error {
	tripID, err := d.resolveActiveTrip(ctx, msg.DeviceID)
	if err != nil {
		return err
	}
	if tripID == "" {
		d.logger.Debug("trip_end with no active trip, ignoring",
			zap.String("device_id", msg.DeviceID),
		)
		return nil
	}

	return d.closeTrip(ctx, msg.DeviceID, tripID, msg.TS, nil, nil)
}

// handleAlert 处理设备端/上游上报的报警：解析行程后落库
func (d *Dispatcher) handleAlert(ctx context.Context, msg *models.AlertMessage) error {
	tripID := msg.TripID
	if tripID == "" {
		resolved, err := d.resolveActiveTrip(ctx, msg.DeviceID)
		if err != nil {
			return err
		}
		tripID = resolved
	}

	alert := &models.Alert{
		DeviceID:  msg.DeviceID,
		TS:        msg.TS,
		AlertType: msg.AlertType,
		Severity:  msg.Severity,
		Message:   msg.Message,
		Payload:   msg.Payload,
	}
	if tripID != "" {
		alert.TripID = &tripID
	}

	if _, err := d.alerts.InsertAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to insert external alert: %w", err)
	}
	return nil
}
