package models

import "time"

// 报警类型常量
const (
	AlertTypeCrash       = "crash"
	AlertTypeHighHR      = "high_hr"
	AlertTypeLowHR       = "low_hr"
	AlertTypeBatteryLow  = "battery_low"
	AlertTypeFall        = "fall_detected"
	AlertTypeGeoFence    = "geo_fence"
	AlertTypeCrashEdge   = "crash_edge"   // 设备端模型产生
	AlertTypeCrashServer = "crash_server" // 服务端模型产生
)

// 报警级别常量
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ValidAlertTypes 合法的报警类型集合
var ValidAlertTypes = map[string]bool{
	AlertTypeCrash:       true,
	AlertTypeHighHR:      true,
	AlertTypeLowHR:       true,
	AlertTypeBatteryLow:  true,
	AlertTypeFall:        true,
	AlertTypeGeoFence:    true,
	AlertTypeCrashEdge:   true,
	AlertTypeCrashServer: true,
}

// ValidSeverities 合法的报警级别集合
var ValidSeverities = map[string]bool{
	SeverityInfo:     true,
	SeverityWarning:  true,
	SeverityCritical: true,
}

// Alert 报警记录（写入一次，之后仅允许外部标记 resolved）
type Alert struct {
	AlertID    string                 `json:"alert_id"`
	DeviceID   string                 `json:"device_id"`
	UserID     *string                `json:"user_id,omitempty"`
	TripID     *string                `json:"trip_id,omitempty"`
	TS         time.Time              `json:"ts"`
	AlertType  string                 `json:"alert_type"`
	Severity   string                 `json:"severity"`
	Message    string                 `json:"message"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// 预测标签常量
const (
	PredictionLabelNormal  = "normal"
	PredictionLabelAnomaly = "anomaly"
	PredictionLabelCrash   = "crash"
)

// Prediction 检测器单次打分的不可变记录
type Prediction struct {
	PredictionID string                 `json:"prediction_id"`
	DeviceID     string                 `json:"device_id"`
	TripID       string                 `json:"trip_id"`
	ModelName    string                 `json:"model_name"`
	Label        string                 `json:"label"` // normal | anomaly | crash
	Score        float64                `json:"score"`
	TS           time.Time              `json:"ts"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
