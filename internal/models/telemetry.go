package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// 消息类型常量（入站消息的 type 字段）
const (
	MessageTypeTripStart = "trip_start"
	MessageTypeTelemetry = "telemetry"
	MessageTypeTripEnd   = "trip_end"
	MessageTypeAlert     = "alert"
)

// HeartRateData 心率传感器数据块
type HeartRateData struct {
	OK     bool `json:"ok"`
	IR     int  `json:"ir"`
	Red    int  `json:"red"`
	Finger bool `json:"finger"` // 手指是否接触传感器（无接触时 HR 不可信）
	HR     int  `json:"hr"`
	SpO2   int  `json:"spo2"`
}

// IMUData 惯性测量单元数据块（3轴加速度 + 3轴角速度）
type IMUData struct {
	OK    bool    `json:"ok"`
	Sleep bool    `json:"sleep"` // 传感器休眠中，数据无效
	Ax    float64 `json:"ax"`
	Ay    float64 `json:"ay"`
	Az    float64 `json:"az"`
	Gx    float64 `json:"gx"`
	Gy    float64 `json:"gy"`
	Gz    float64 `json:"gz"`
}

// GPSData GPS 定位数据块
type GPSData struct {
	OK   bool    `json:"ok"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Alt  float64 `json:"alt"`
	Sats int     `json:"sats"`
	Lock bool    `json:"lock"`
}

// VelocityData 设备上报的速度（km/h），可能缺失
type VelocityData struct {
	KMH *float64 `json:"kmh"`
}

// TripStartMessage trip_start 入站消息
type TripStartMessage struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id"`
	TS       time.Time `json:"ts"`
}

// Kind 返回消息类型
func (m *TripStartMessage) Kind() string { return MessageTypeTripStart }

// Validate 校验消息字段
func (m *TripStartMessage) Validate() error {
	if m.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if m.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// TripEndMessage trip_end 入站消息
type TripEndMessage struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id"`
	TS       time.Time `json:"ts"`
}

// Kind 返回消息类型
func (m *TripEndMessage) Kind() string { return MessageTypeTripEnd }

// Validate 校验消息字段
func (m *TripEndMessage) Validate() error {
	if m.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if m.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// TelemetryMessage telemetry 入站消息（一条传感器采样）
type TelemetryMessage struct {
	Type      string         `json:"type"`
	DeviceID  string         `json:"device_id"`
	TS        time.Time      `json:"ts"`
	HelmetOn  bool           `json:"helmet_on"`
	HeartRate *HeartRateData `json:"heart_rate,omitempty"`
	IMU       *IMUData       `json:"imu,omitempty"`
	GPS       *GPSData       `json:"gps,omitempty"`
	Velocity  *VelocityData  `json:"velocity,omitempty"`
	TripID    string         `json:"trip_id,omitempty"`
}

// Kind 返回消息类型
func (m *TelemetryMessage) Kind() string { return MessageTypeTelemetry }

// Validate 校验消息字段，并丢弃明显无效的速度值
func (m *TelemetryMessage) Validate() error {
	if m.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if m.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	// 速度超出 [0, 250] km/h 视为传感器异常，置空而不是拒收整条消息
	if m.Velocity != nil && m.Velocity.KMH != nil {
		if *m.Velocity.KMH < 0 || *m.Velocity.KMH > 250 {
			m.Velocity.KMH = nil
		}
	}
	return nil
}

// SpeedKMH 返回设备上报速度（无则返回 nil）
func (m *TelemetryMessage) SpeedKMH() *float64 {
	if m.Velocity == nil {
		return nil
	}
	return m.Velocity.KMH
}

// AlertMessage alert 入站消息（设备端/上游进程上报的报警）
type AlertMessage struct {
	Type      string                 `json:"type"`
	DeviceID  string                 `json:"device_id"`
	TS        time.Time              `json:"ts"`
	TripID    string                 `json:"trip_id,omitempty"`
	AlertType string                 `json:"alert_type"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Kind 返回消息类型
func (m *AlertMessage) Kind() string { return MessageTypeAlert }

// Validate 校验消息字段
func (m *AlertMessage) Validate() error {
	if m.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if m.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if !ValidAlertTypes[m.AlertType] {
		return fmt.Errorf("unknown alert_type: %s", m.AlertType)
	}
	if !ValidSeverities[m.Severity] {
		return fmt.Errorf("unknown severity: %s", m.Severity)
	}
	return nil
}

// Message 入站消息统一接口（Dispatcher 按 Kind 路由）
type Message interface {
	Kind() string
	Validate() error
}

// ParseMessage 解析并校验一条入站 JSON 消息
func ParseMessage(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse message envelope: %w", err)
	}

	var msg Message
	switch envelope.Type {
	case MessageTypeTripStart:
		msg = &TripStartMessage{}
	case MessageTypeTelemetry:
		msg = &TelemetryMessage{}
	case MessageTypeTripEnd:
		msg = &TripEndMessage{}
	case MessageTypeAlert:
		msg = &AlertMessage{}
	default:
		return nil, fmt.Errorf("unknown message type: %q", envelope.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s message: %w", envelope.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", envelope.Type, err)
	}

	return msg, nil
}
