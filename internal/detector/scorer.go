package detector

import (
	"errors"
	"time"
)

// ErrInsufficientWindow 窗口内有效采样不足，无法打分
var ErrInsufficientWindow = errors.New("insufficient or invalid window")

// FeatureSample 打分窗口中的一条特征快照
type FeatureSample struct {
	TS       time.Time
	IMUOK    bool
	IMUSleep bool
	Ax       float64
	Ay       float64
	Az       float64
	Gx       float64
	Gy       float64
	Gz       float64
	SpeedKMH *float64
}

// Features 打分窗口派生特征
type Features struct {
	AccMean  float64 `json:"acc_mean"`
	AccStd   float64 `json:"acc_std"`
	AccMax   float64 `json:"acc_max"`
	AccMin   float64 `json:"acc_min"`
	JerkMean float64 `json:"jerk_mean"`
	JerkMax  float64 `json:"jerk_max"`
	GyroMean float64 `json:"gyro_mean"`
	GyroStd  float64 `json:"gyro_std"`
	GyroMax  float64 `json:"gyro_max"`

	SpeedMean  float64 `json:"speed_mean"`
	SpeedMax   float64 `json:"speed_max"`
	SpeedMin   float64 `json:"speed_min"`
	SpeedDelta float64 `json:"speed_delta"`
}

// ScoreResult 单次打分结果
type ScoreResult struct {
	Model      string   `json:"model"`
	Score      float64  `json:"score"`     // 连续异常分，越低越异常
	Threshold  float64  `json:"threshold"` // 模型自带阈值
	IsAnomaly  bool     `json:"is_anomaly"`
	Confidence float64  `json:"confidence"` // [0,1]，仅用于展示/日志
	Features   Features `json:"features"`
}

// Scorer 异常打分器（可插拔策略；检测器只依赖这一个方法）
type Scorer interface {
	Score(window []FeatureSample) (*ScoreResult, error)
}
