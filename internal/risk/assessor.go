// Package risk 实现基于滑动窗口的驾驶风险评估。
package risk

import (
	"math"
	"sort"

	"rideguard/internal/models"
)

// 评分与阈值常量
const (
	// 加速度阈值（重力单位 g）
	minSpikeThresholdG  = 1.4 // 突然运动的保守下限
	minImpactThresholdG = 1.8 // 撞击类峰值的保守下限
	spikeIQRMultiplier  = 1.5
	impactIQRMultiplier = 3.0

	// 角速度阈值
	minSwerveThreshold = 3.5 // 甩尾/急转的保守下限
	gyroHighFloor      = 6.0 // 升级闸门使用的固定高角速度下限

	// 升级闸门的加速度裕量（g）
	escalateAccelMargin = 0.3

	// 速度阈值（km/h）
	speedingThreshold = 60.0
	fastThreshold     = 45.0

	// 心率阈值
	highHRThreshold = 125

	// 自适应阈值所需的最少有效采样数
	minAdaptiveSamples = 6

	// 甩尾判定需要超过阈值的采样数
	swerveSampleCount = 4

	gravity = 9.81
)

// Assess 对一个采样窗口做无状态风险评估。
// window 按时间升序排列（最新在末尾）；lastFix 为窗口前最近一次有效定位，用于速度推算。
func Assess(window []*models.TelemetryMessage, lastFix *GPSFix) models.RiskAssessment {
	if len(window) == 0 {
		return models.RiskAssessment{
			Level:   models.RiskLevelNormal,
			Score:   0,
			Reasons: []string{},
		}
	}

	latest := window[len(window)-1]

	// 1. 收集有效运动采样的矢量模
	accMags := make([]float64, 0, len(window))
	gyroMags := make([]float64, 0, len(window))
	for _, msg := range window {
		imu := msg.IMU
		if imu == nil || !imu.OK || imu.Sleep {
			continue
		}
		accMags = append(accMags, mag3(imu.Ax, imu.Ay, imu.Az))
		gyroMags = append(gyroMags, mag3(imu.Gx, imu.Gy, imu.Gz))
	}

	// 2. 加速度单位归一化：中位模在 [0.3, 3.0] 视为 g，否则按 m/s² 处理
	if med := median(accMags); med != 0 && (med < 0.3 || med > 3.0) {
		for i := range accMags {
			accMags[i] /= gravity
		}
	}

	// 3. 稳健自适应阈值（median + k·IQR，带保守下限）
	spikeTh := minSpikeThresholdG
	impactTh := minImpactThresholdG
	swerveTh := minSwerveThreshold
	if len(accMags) >= minAdaptiveSamples {
		accMed, accIQR := medianIQR(accMags)
		spikeTh = math.Max(accMed+spikeIQRMultiplier*accIQR, minSpikeThresholdG)
		impactTh = math.Max(accMed+impactIQRMultiplier*accIQR, minImpactThresholdG)

		gyroMed, gyroIQR := medianIQR(gyroMags)
		swerveTh = math.Max(gyroMed+spikeIQRMultiplier*gyroIQR, minSwerveThreshold)
	}

	score := 0
	reasons := []string{}

	// 4. 急转/甩尾：窗口内超过阈值的采样数达到下限
	highGyroCount := 0
	peakGyro := 0.0
	for _, g := range gyroMags {
		if g > swerveTh {
			highGyroCount++
		}
		if g > peakGyro {
			peakGyro = g
		}
	}
	if highGyroCount >= swerveSampleCount {
		score += 20
		reasons = append(reasons, "swerving")
	}

	// 5. 撞击类峰值与突然运动（互斥，撞击优先）
	peakAcc := 0.0
	for _, a := range accMags {
		if a > peakAcc {
			peakAcc = a
		}
	}
	switch {
	case peakAcc > impactTh:
		score += 35
		reasons = append(reasons, "impact_like")
	case peakAcc > spikeTh:
		score += 20
		reasons = append(reasons, "sudden_movement")
	}

	// 6. 速度评分
	speed := SpeedKMH(latest, lastFix)
	if speed != nil {
		if *speed > speedingThreshold {
			score += 30
			reasons = append(reasons, "speeding")
		} else if *speed > fastThreshold {
			score += 10
			reasons = append(reasons, "fast")
		}
	}

	// 7. 心率评分（仅在手指接触且读数有效时可信）
	if hr := latest.HeartRate; hr != nil && hr.OK && hr.Finger && hr.HR > highHRThreshold {
		score += 15
		reasons = append(reasons, "high_hr")
	}

	if score > 100 {
		score = 100
	}

	level := models.RiskLevelNormal
	switch {
	case score >= 70:
		level = models.RiskLevelDangerous
	case score >= 40:
		level = models.RiskLevelRisky
	}

	escalate, escalateReasons := evaluateGate(window, peakAcc, impactTh, peakGyro)

	var speedOut *float64
	if speed != nil {
		rounded := math.Round(*speed*10) / 10
		speedOut = &rounded
	}

	return models.RiskAssessment{
		Level:           level,
		Score:           score,
		Reasons:         reasons,
		SpeedKMH:        speedOut,
		Escalate:        escalate,
		EscalateReasons: escalateReasons,
	}
}

// evaluateGate 计算升级闸门：强运动信号 且 减速/停止轨迹。
// 速度轨迹只采信设备上报速度，GPS 推算速度抖动太大。
func evaluateGate(window []*models.TelemetryMessage, peakAcc, impactTh, peakGyro float64) (bool, []string) {
	kinematic := false
	reasons := []string{}

	if peakAcc > impactTh+escalateAccelMargin {
		kinematic = true
		reasons = append(reasons, "accel_spike")
	}
	if peakGyro > gyroHighFloor {
		kinematic = true
		reasons = append(reasons, "gyro_spike")
	}
	if !kinematic {
		return false, nil
	}

	var firstSpeed, lastSpeed *float64
	for _, msg := range window {
		if v := msg.SpeedKMH(); v != nil {
			if firstSpeed == nil {
				firstSpeed = v
			}
			lastSpeed = v
		}
	}
	if lastSpeed == nil {
		return false, nil
	}

	decel := false
	if firstSpeed != nil && *firstSpeed-*lastSpeed >= 20.0 {
		decel = true
		reasons = append(reasons, "speed_drop")
	}
	if *lastSpeed < 10.0 {
		decel = true
		reasons = append(reasons, "stopped")
	}
	if !decel {
		return false, nil
	}

	return true, reasons
}

func mag3(a, b, c float64) float64 {
	return math.Sqrt(a*a + b*b + c*c)
}

// Percentile 线性插值分位数（不修改入参）
func Percentile(values []float64, pct float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, pct)
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2.0
	}
	return sorted[mid]
}

// medianIQR 返回中位数和四分位距
func medianIQR(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	med := percentileSorted(sorted, 50)
	q1 := percentileSorted(sorted, 25)
	q3 := percentileSorted(sorted, 75)
	return med, q3 - q1
}

// percentileSorted 对已排序切片做线性插值分位数
func percentileSorted(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := pct / 100.0 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1.0-frac) + sorted[hi]*frac
}
