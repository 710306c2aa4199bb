package detector

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// BaselineConfig 基线打分器的模型配置（与训练产物对应的 JSON 文件）
type BaselineConfig struct {
	ModelName      string             `json:"model_name"`
	WindowSamples  int                `json:"window_samples"`
	ScoreThreshold float64            `json:"score_threshold"`
	FeatureMeans   map[string]float64 `json:"feature_means"`
	FeatureScales  map[string]float64 `json:"feature_scales"`
	FeatureWeights map[string]float64 `json:"feature_weights"`
	ScoreBias      float64            `json:"score_bias"`
}

// DefaultBaselineConfig 无模型文件时的保守默认配置。
// 均值/尺度按平顺骑行（g 单位加速度、中低速）标定。
func DefaultBaselineConfig() BaselineConfig {
	return BaselineConfig{
		ModelName:      "baseline_scaled",
		WindowSamples:  10,
		ScoreThreshold: 0.0,
		FeatureMeans: map[string]float64{
			"acc_mean": 1.0, "acc_std": 0.15, "acc_max": 1.4, "acc_min": 0.8,
			"jerk_mean": 0.1, "jerk_max": 0.5,
			"gyro_mean": 0.8, "gyro_std": 0.5, "gyro_max": 2.0,
			"speed_mean": 30.0, "speed_max": 40.0, "speed_min": 20.0, "speed_delta": 0.0,
		},
		FeatureScales: map[string]float64{
			"acc_mean": 0.3, "acc_std": 0.2, "acc_max": 0.6, "acc_min": 0.3,
			"jerk_mean": 0.2, "jerk_max": 0.6,
			"gyro_mean": 0.8, "gyro_std": 0.6, "gyro_max": 2.0,
			"speed_mean": 20.0, "speed_max": 25.0, "speed_min": 20.0, "speed_delta": 15.0,
		},
		FeatureWeights: map[string]float64{
			"acc_mean": 0.5, "acc_std": 1.0, "acc_max": 1.5, "acc_min": 0.5,
			"jerk_mean": 1.0, "jerk_max": 1.5,
			"gyro_mean": 0.5, "gyro_std": 1.0, "gyro_max": 1.5,
			"speed_mean": 0.3, "speed_max": 0.3, "speed_min": 0.3, "speed_delta": 1.2,
		},
		ScoreBias: 1.0,
	}
}

// BaselineScorer 标准化加权偏差打分器。
// 把窗口特征标准化后按权重累计偏差，分数越低越异常，低于阈值判为异常。
type BaselineScorer struct {
	cfg BaselineConfig
}

// NewBaselineScorer 创建基线打分器
func NewBaselineScorer(cfg BaselineConfig) *BaselineScorer {
	if cfg.WindowSamples <= 0 {
		cfg.WindowSamples = 10
	}
	return &BaselineScorer{cfg: cfg}
}

// LoadBaselineScorer 从 JSON 模型配置文件加载打分器；文件缺失时回退到默认配置
func LoadBaselineScorer(path string) (*BaselineScorer, error) {
	if path == "" {
		return NewBaselineScorer(DefaultBaselineConfig()), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewBaselineScorer(DefaultBaselineConfig()), nil
		}
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}

	cfg := DefaultBaselineConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}

	return NewBaselineScorer(cfg), nil
}

// Score 对窗口的最后 WindowSamples 条采样打分
func (s *BaselineScorer) Score(windowSamples []FeatureSample) (*ScoreResult, error) {
	feats, err := Featurize(windowSamples, s.cfg.WindowSamples)
	if err != nil {
		return nil, err
	}

	values := feats.byName()

	// 加权标准化偏差：偏离正常基线越远分数越低
	deviation := 0.0
	weightSum := 0.0
	for name, v := range values {
		scale := s.cfg.FeatureScales[name]
		if scale == 0 {
			scale = 1.0
		}
		w := s.cfg.FeatureWeights[name]
		if w == 0 {
			continue
		}
		z := math.Abs(v-s.cfg.FeatureMeans[name]) / scale
		deviation += w * z
		weightSum += w
	}
	if weightSum > 0 {
		deviation /= weightSum
	}

	score := s.cfg.ScoreBias - deviation
	isAnomaly := score < s.cfg.ScoreThreshold

	// 阈值下方的距离映射到 (0,1)，仅作展示用
	margin := s.cfg.ScoreThreshold - score
	confidence := 1.0 / (1.0 + math.Exp(-5.0*margin))

	return &ScoreResult{
		Model:      s.cfg.ModelName,
		Score:      score,
		Threshold:  s.cfg.ScoreThreshold,
		IsAnomaly:  isAnomaly,
		Confidence: confidence,
		Features:   *feats,
	}, nil
}

// Featurize 从采样窗口提取模型特征。
// 要求至少 windowSamples 条采样；无任何有效 IMU 或速度数据时返回 ErrInsufficientWindow。
func Featurize(samples []FeatureSample, windowSamples int) (*Features, error) {
	if len(samples) < windowSamples {
		return nil, ErrInsufficientWindow
	}
	win := samples[len(samples)-windowSamples:]

	accMags := make([]float64, 0, len(win))
	gyroMags := make([]float64, 0, len(win))
	speeds := make([]float64, 0, len(win))
	var firstSpeed, lastSpeed *float64

	for _, s := range win {
		if s.IMUOK && !s.IMUSleep {
			accMags = append(accMags, math.Sqrt(s.Ax*s.Ax+s.Ay*s.Ay+s.Az*s.Az))
			gyroMags = append(gyroMags, math.Sqrt(s.Gx*s.Gx+s.Gy*s.Gy+s.Gz*s.Gz))
		}
		if s.SpeedKMH != nil {
			speeds = append(speeds, *s.SpeedKMH)
			if firstSpeed == nil {
				firstSpeed = s.SpeedKMH
			}
			lastSpeed = s.SpeedKMH
		}
	}

	if len(accMags) == 0 || len(gyroMags) == 0 || len(speeds) == 0 {
		return nil, ErrInsufficientWindow
	}

	accMean, accStd := meanStd(accMags)
	gyroMean, gyroStd := meanStd(gyroMags)

	jerks := make([]float64, 0, len(accMags))
	for i := 1; i < len(accMags); i++ {
		jerks = append(jerks, math.Abs(accMags[i]-accMags[i-1]))
	}
	jerkMean, _ := meanStd(jerks)

	speedDelta := 0.0
	if firstSpeed != nil && lastSpeed != nil {
		speedDelta = *lastSpeed - *firstSpeed
	}

	speedMean, _ := meanStd(speeds)

	return &Features{
		AccMean:    accMean,
		AccStd:     accStd,
		AccMax:     maxOf(accMags),
		AccMin:     minOf(accMags),
		JerkMean:   jerkMean,
		JerkMax:    maxOf(jerks),
		GyroMean:   gyroMean,
		GyroStd:    gyroStd,
		GyroMax:    maxOf(gyroMags),
		SpeedMean:  speedMean,
		SpeedMax:   maxOf(speeds),
		SpeedMin:   minOf(speeds),
		SpeedDelta: speedDelta,
	}, nil
}

func (f *Features) byName() map[string]float64 {
	return map[string]float64{
		"acc_mean": f.AccMean, "acc_std": f.AccStd, "acc_max": f.AccMax, "acc_min": f.AccMin,
		"jerk_mean": f.JerkMean, "jerk_max": f.JerkMax,
		"gyro_mean": f.GyroMean, "gyro_std": f.GyroStd, "gyro_max": f.GyroMax,
		"speed_mean": f.SpeedMean, "speed_max": f.SpeedMax, "speed_min": f.SpeedMin,
		"speed_delta": f.SpeedDelta,
	}
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func maxOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
