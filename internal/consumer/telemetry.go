package consumer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rideguard/internal/detector"
	"rideguard/internal/models"
	"rideguard/internal/risk"
	"rideguard/internal/window"
)

// handleTelemetry 处理一条遥测采样：
// 持久化 → 风险评估（节流）→ 升级闸门 → 碰撞检测。
// 持久层的瞬时失败只丢掉该条消息的副作用，管线继续。
func (d *Dispatcher) handleTelemetry(ctx context.Context, msg *models.TelemetryMessage) error {
	// 1. 设备登记 + last_seen
	device, err := d.devices.UpsertDevice(ctx, msg.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	if err := d.devices.UpdateLastSeen(ctx, msg.DeviceID, msg.TS); err != nil {
		d.logger.Warn("Failed to update last_seen",
			zap.String("device_id", msg.DeviceID),
			zap.Error(err),
		)
	}

	// 2. 解析/自动创建行程（sample 先于 trip_start 到达时容忍乱序）
	tripID := msg.TripID
	if tripID == "" {
		tripID, err = d.resolveActiveTrip(ctx, msg.DeviceID)
		if err != nil {
			return err
		}
	}
	if tripID == "" {
		trip, err := d.trips.CreateTrip(ctx, device.UserID, msg.DeviceID, msg.TS, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to auto-create trip: %w", err)
		}
		tripID = trip.TripID
		d.activeTrips[msg.DeviceID] = tripID
	}

	// 3. 采样落库（至多一次，失败不重试，避免队头阻塞）
	if err := d.telemetry.InsertTripPoint(ctx, tripPointFrom(msg, tripID)); err != nil {
		d.logger.Error("Failed to insert trip point",
			zap.String("device_id", msg.DeviceID),
			zap.String("trip_id", tripID),
			zap.Error(err),
		)
	}

	// 4. 风险评估状态（按设备，不跨行程混用）
	st, ok := d.riskStates[msg.DeviceID]
	if !ok {
		st = &riskState{
			window: window.New(d.cfg.RiskWindowAge, d.cfg.RiskWindowSize),
		}
		d.riskStates[msg.DeviceID] = st
	}
	// 车主身份每条消息刷新，避免持有过期归属
	st.ownerID = device.UserID

	st.window.Append(msg)

	now := d.now()
	if st.lastAssessed.IsZero() || now.Sub(st.lastAssessed) >= d.cfg.AssessInterval {
		st.lastAssessed = now

		assessment := risk.Assess(st.window.Samples(), st.lastFix)

		if st.ownerID != nil {
			d.notifier.PushToUser(*st.ownerID, models.BroadcastMessage{
				Type:    models.BroadcastTypeRiskStatus,
				Payload: assessment,
			})
		}

		if err := d.riskCache.UpdateRisk(ctx, msg.DeviceID, assessment); err != nil {
			d.logger.Warn("Failed to update risk cache",
				zap.String("device_id", msg.DeviceID),
				zap.Error(err),
			)
		}

		if assessment.Escalate {
			d.logger.Info("Escalation gate fired",
				zap.String("device_id", msg.DeviceID),
				zap.String("trip_id", tripID),
				zap.Strings("reasons", assessment.EscalateReasons),
			)
			d.crash.HandleGate(tripID, now)
		}
	}

	// 评估之后再刷新定位，保证推算速度用的是窗口前的上一个定位
	if msg.GPS != nil && msg.GPS.OK {
		st.lastFix = &risk.GPSFix{
			Lat: msg.GPS.Lat,
			Lng: msg.GPS.Lng,
			TS:  msg.TS,
		}
	}

	// 5. 碰撞检测管线
	d.crash.Process(ctx, detector.TripContext{
		TripID:   tripID,
		DeviceID: msg.DeviceID,
		OwnerID:  st.ownerID,
	}, msg, now)

	return nil
}

// tripPointFrom 把遥测消息投影为持久化行
func tripPointFrom(msg *models.TelemetryMessage, tripID string) *models.TripPoint {
	p := &models.TripPoint{
		DeviceID:  msg.DeviceID,
		TripID:    tripID,
		Timestamp: msg.TS,
		SpeedKMH:  msg.SpeedKMH(),
	}

	if gps := msg.GPS; gps != nil && gps.OK {
		lat, lng := gps.Lat, gps.Lng
		p.Lat = &lat
		p.Lng = &lng
	}
	if imu := msg.IMU; imu != nil {
		ax, ay, az := imu.Ax, imu.Ay, imu.Az
		gx, gy, gz := imu.Gx, imu.Gy, imu.Gz
		p.AccX, p.AccY, p.AccZ = &ax, &ay, &az
		p.GyroX, p.GyroY, p.GyroZ = &gx, &gy, &gz
	}
	if hr := msg.HeartRate; hr != nil && hr.OK && hr.Finger {
		v := hr.HR
		p.HeartRate = &v
	}

	return p
}
