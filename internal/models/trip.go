package models

import "time"

// 行程状态常量
const (
	TripStatusRecording = "recording"
	TripStatusCompleted = "completed"
	TripStatusCancelled = "cancelled"
)

// Trip 行程（一个设备的一段有界记录区间）
type Trip struct {
	TripID        string     `json:"trip_id"`
	UserID        *string    `json:"user_id,omitempty"`
	DeviceID      string     `json:"device_id"`
	Status        string     `json:"status"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	StartLat      *float64   `json:"start_lat,omitempty"`
	StartLng      *float64   `json:"start_lng,omitempty"`
	EndLat        *float64   `json:"end_lat,omitempty"`
	EndLng        *float64   `json:"end_lng,omitempty"`
	CrashDetected *bool      `json:"crash_detected,omitempty"`

	// 收尾时计算的聚合统计
	TotalDistance    float64  `json:"total_distance"` // km
	AverageSpeed     float64  `json:"average_speed"`  // km/h
	MaxSpeed         float64  `json:"max_speed"`      // km/h
	AverageHeartRate *float64 `json:"average_heart_rate,omitempty"`
	MaxHeartRate     *float64 `json:"max_heart_rate,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Device 设备
type Device struct {
	DeviceID  string     `json:"device_id"`
	UserID    *string    `json:"user_id,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// TripPoint 一条已持久化的遥测采样
type TripPoint struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	TripID    string    `json:"trip_id"`
	Timestamp time.Time `json:"timestamp"`
	Lat       *float64  `json:"lat,omitempty"`
	Lng       *float64  `json:"lng,omitempty"`
	SpeedKMH  *float64  `json:"speed_kmh,omitempty"`
	AccX      *float64  `json:"acc_x,omitempty"`
	AccY      *float64  `json:"acc_y,omitempty"`
	AccZ      *float64  `json:"acc_z,omitempty"`
	GyroX     *float64  `json:"gyro_x,omitempty"`
	GyroY     *float64  `json:"gyro_y,omitempty"`
	GyroZ     *float64  `json:"gyro_z,omitempty"`
	HeartRate *int      `json:"heart_rate,omitempty"`
}
