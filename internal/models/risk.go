package models

// 风险等级常量
const (
	RiskLevelNormal    = "NORMAL"
	RiskLevelRisky     = "RISKY"
	RiskLevelDangerous = "DANGEROUS"
)

// RiskAssessment 风险评估结果（无状态快照，广播给仪表盘）
type RiskAssessment struct {
	Level    string   `json:"level"` // NORMAL | RISKY | DANGEROUS
	Score    int      `json:"score"` // [0, 100]
	Reasons  []string `json:"reasons"`
	SpeedKMH *float64 `json:"speed_kmh,omitempty"`

	// 升级闸门（与 Level 独立）：是否进入主动异常打分
	Escalate        bool     `json:"escalate"`
	EscalateReasons []string `json:"escalate_reasons,omitempty"`
}

// 出站广播消息类型
const (
	BroadcastTypeRiskStatus    = "risk_status"
	BroadcastTypeAlertCritical = "alert_critical"
)

// BroadcastMessage 推送给车主实时连接的出站消息
type BroadcastMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// CriticalAlertPayload alert_critical 消息载荷
type CriticalAlertPayload struct {
	AlertID  string  `json:"alert_id"`
	Message  string  `json:"message"`
	DeviceID string  `json:"device_id"`
	TS       string  `json:"ts"`
	Score    float64 `json:"score"`
	TripID   string  `json:"trip_id"`
}
