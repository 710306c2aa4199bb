// Package detector 实现按行程的碰撞确认状态机。
//
// 每个行程一个状态：Idle（默认）或 Escalated（限时）。风险评估器的升级闸门
// 触发后进入 Escalated，并在截止时间内对特征窗口做节流异常打分；连续异常、
// 度过预热期、冷静期已过且有运动学佐证时，才确认一次碰撞报警。
package detector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rideguard/internal/models"
	"rideguard/internal/risk"
)

// Config 检测器参数
type Config struct {
	WindowAge          time.Duration // 特征窗口最大时长
	WindowSize         int           // 特征窗口最大条数
	WindowSamples      int           // 每次打分送入模型的采样数
	MinSamples         int           // 打分前窗口的最少采样数
	ScoreInterval      time.Duration // 打分节流间隔
	GateInterval       time.Duration // 两次闸门触发的最小间隔
	EscalationWindow   time.Duration // 单次升级的持续时长
	Cooldown           time.Duration // 两次确认报警的最小间隔
	WarmupWindows      int           // 允许确认前的最少打分次数
	StreakMin          int           // 确认所需的最少连续异常次数
	EvidencePercentile float64       // 自适应佐证阈值的分位数
	NormalHistoryMax   int           // 正常峰值滚动历史的容量
}

// DefaultConfig 默认检测器参数
func DefaultConfig() Config {
	return Config{
		WindowAge:          20 * time.Second,
		WindowSize:         20,
		WindowSamples:      10,
		MinSamples:         10,
		ScoreInterval:      time.Second,
		GateInterval:       2 * time.Second,
		EscalationWindow:   12 * time.Second,
		Cooldown:           45 * time.Second,
		WarmupWindows:      10,
		StreakMin:          2,
		EvidencePercentile: 95.0,
		NormalHistoryMax:   300,
	}
}

// PredictionStore 预测记录持久化接口
type PredictionStore interface {
	InsertPrediction(ctx context.Context, p *models.Prediction) error
}

// AlertStore 报警记录持久化接口
type AlertStore interface {
	InsertAlert(ctx context.Context, a *models.Alert) (*models.Alert, error)
}

// Notifier 车主实时连接推送接口
type Notifier interface {
	PushToUser(userID string, msg models.BroadcastMessage)
}

// AlertPublisher 报警下游发布接口（如 Redis Stream）
type AlertPublisher interface {
	PublishAlert(ctx context.Context, a *models.Alert) error
}

// stateKind 状态机标签
type stateKind int

const (
	stateIdle stateKind = iota
	stateEscalated
)

// tripState 单个行程的检测器状态。
// 仅由消费循环这一个 goroutine 触达，无需加锁。
type tripState struct {
	state            stateKind
	escalateDeadline time.Time
	lastGate         time.Time
	lastScore        time.Time
	lastAlert        time.Time

	window        []FeatureSample
	anomalyStreak int
	warmupCounter int

	// 非异常打分的峰值滚动历史，用于自适应佐证阈值
	normalAccMaxHistory  []float64
	normalGyroMaxHistory []float64
}

// TripContext 一次处理调用的行程上下文
type TripContext struct {
	TripID   string
	DeviceID string
	OwnerID  *string // 为空时仅跳过广播，不影响落库
}

// Detector 碰撞检测器
type Detector struct {
	cfg         Config
	scorer      Scorer
	predictions PredictionStore
	alerts      AlertStore
	notifier    Notifier
	publisher   AlertPublisher
	logger      *zap.Logger

	states map[string]*tripState // trip_id -> state
}

// New 创建检测器
func New(
	cfg Config,
	scorer Scorer,
	predictions PredictionStore,
	alerts AlertStore,
	notifier Notifier,
	publisher AlertPublisher,
	logger *zap.Logger,
) *Detector {
	return &Detector{
		cfg:         cfg,
		scorer:      scorer,
		predictions: predictions,
		alerts:      alerts,
		notifier:    notifier,
		publisher:   publisher,
		logger:      logger,
		states:      make(map[string]*tripState),
	}
}

// HandleGate 升级闸门触发。
// 距上次触发不足 GateInterval 时忽略；升级中再次触发仅延长截止时间，
// 不重置确认相关计数。
func (d *Detector) HandleGate(tripID string, now time.Time) {
	st := d.stateFor(tripID)
	if !st.lastGate.IsZero() && now.Sub(st.lastGate) <= d.cfg.GateInterval {
		return
	}
	st.lastGate = now

	deadline := now.Add(d.cfg.EscalationWindow)
	if deadline.After(st.escalateDeadline) {
		st.escalateDeadline = deadline
	}
	if st.state != stateEscalated {
		st.state = stateEscalated
		d.logger.Info("Trip escalated for anomaly scoring",
			zap.String("trip_id", tripID),
			zap.Time("deadline", st.escalateDeadline),
		)
	}
}

// Process 处理一条采样。
// 特征窗口始终更新（保留上下文）；只有处于升级状态时才触发打分。
func (d *Detector) Process(ctx context.Context, trip TripContext, msg *models.TelemetryMessage, now time.Time) {
	st := d.stateFor(trip.TripID)

	st.appendSample(msg, d.cfg)

	// 懒惰退出：超过截止时间即回到 Idle，打分停止
	if st.state == stateEscalated && now.After(st.escalateDeadline) {
		st.state = stateIdle
	}
	if st.state != stateEscalated {
		return
	}

	// 打分节流
	if !st.lastScore.IsZero() && now.Sub(st.lastScore) < d.cfg.ScoreInterval {
		return
	}
	if len(st.window) < d.cfg.MinSamples {
		return
	}
	st.lastScore = now

	result, err := d.scorer.Score(st.window)
	if err != nil {
		// 单次打分失败不污染 streak/warmup 状态
		d.logger.Debug("Anomaly scoring skipped",
			zap.String("trip_id", trip.TripID),
			zap.Error(err),
		)
		return
	}

	st.warmupCounter++
	if result.IsAnomaly {
		st.anomalyStreak++
	} else {
		st.anomalyStreak = 0
	}

	accTh, gyroTh, accIsG := st.evidenceThresholds(result.Features.AccMax, d.cfg.EvidencePercentile)
	hasAccSpike := result.Features.AccMax > accTh
	hasGyroSpike := result.Features.GyroMax > gyroTh

	confirmed := result.IsAnomaly &&
		st.anomalyStreak >= d.cfg.StreakMin &&
		st.warmupCounter >= d.cfg.WarmupWindows &&
		(st.lastAlert.IsZero() || now.Sub(st.lastAlert) > d.cfg.Cooldown) &&
		(hasAccSpike || hasGyroSpike)

	label := models.PredictionLabelNormal
	switch {
	case confirmed:
		label = models.PredictionLabelCrash
	case result.IsAnomaly:
		label = models.PredictionLabelAnomaly
	}

	d.logger.Debug("Anomaly scoring",
		zap.String("trip_id", trip.TripID),
		zap.Float64("score", result.Score),
		zap.Float64("threshold", result.Threshold),
		zap.Bool("is_anomaly", result.IsAnomaly),
		zap.Int("streak", st.anomalyStreak),
		zap.Int("warmup", st.warmupCounter),
		zap.Float64("acc_max", result.Features.AccMax),
		zap.Float64("gyro_max", result.Features.GyroMax),
	)

	d.recordPrediction(ctx, trip, msg, result, label, accTh, gyroTh, accIsG)

	if !result.IsAnomaly {
		// 仅用正常窗口喂自适应阈值，保证佐证阈值贴近该骑手的日常强度
		st.pushNormalHistory(result.Features.AccMax, result.Features.GyroMax, d.cfg.NormalHistoryMax)
		return
	}

	if !confirmed {
		return
	}

	st.lastAlert = now
	d.confirmCrash(ctx, trip, msg, result)
}

// PurgeTrip 行程结束时清理状态
func (d *Detector) PurgeTrip(tripID string) {
	delete(d.states, tripID)
}

// Escalated 行程当前是否处于升级状态（按给定时刻判断）
func (d *Detector) Escalated(tripID string, now time.Time) bool {
	st, ok := d.states[tripID]
	if !ok {
		return false
	}
	return st.state == stateEscalated && !now.After(st.escalateDeadline)
}

func (d *Detector) stateFor(tripID string) *tripState {
	st, ok := d.states[tripID]
	if !ok {
		st = &tripState{}
		d.states[tripID] = st
	}
	return st
}

// recordPrediction 持久化一次打分结果（失败只记日志）
func (d *Detector) recordPrediction(
	ctx context.Context,
	trip TripContext,
	msg *models.TelemetryMessage,
	result *ScoreResult,
	label string,
	accTh, gyroTh float64,
	accIsG bool,
) {
	accUnits := "mps2"
	if accIsG {
		accUnits = "g"
	}
	st := d.states[trip.TripID]

	meta := map[string]interface{}{
		"window_len":     len(st.window),
		"features":       result.Features,
		"threshold_used": result.Threshold,
		"evidence": map[string]interface{}{
			"acc_max":     result.Features.AccMax,
			"th_acc":      accTh,
			"gyro_max":    result.Features.GyroMax,
			"th_gyro":     gyroTh,
			"streak_curr": st.anomalyStreak,
			"streak_min":  d.cfg.StreakMin,
			"warmup_curr": st.warmupCounter,
			"warmup_req":  d.cfg.WarmupWindows,
			"acc_units":   accUnits,
		},
	}

	prediction := &models.Prediction{
		DeviceID:  trip.DeviceID,
		TripID:    trip.TripID,
		ModelName: result.Model,
		Label:     label,
		Score:     result.Confidence,
		TS:        msg.TS,
		Meta:      meta,
	}
	if err := d.predictions.InsertPrediction(ctx, prediction); err != nil {
		d.logger.Error("Failed to insert prediction",
			zap.String("trip_id", trip.TripID),
			zap.Error(err),
		)
	}
}

// confirmCrash 确认碰撞：落库报警、发布下游、广播车主
func (d *Detector) confirmCrash(ctx context.Context, trip TripContext, msg *models.TelemetryMessage, result *ScoreResult) {
	d.logger.Warn("Crash confirmed",
		zap.String("trip_id", trip.TripID),
		zap.String("device_id", trip.DeviceID),
		zap.Float64("confidence", result.Confidence),
		zap.Float64("acc_max", result.Features.AccMax),
		zap.Float64("gyro_max", result.Features.GyroMax),
	)

	tripID := trip.TripID
	alert := &models.Alert{
		DeviceID:  trip.DeviceID,
		UserID:    trip.OwnerID,
		TripID:    &tripID,
		TS:        msg.TS,
		AlertType: models.AlertTypeCrashServer,
		Severity:  models.SeverityCritical,
		Message:   fmt.Sprintf("Crash detected (confidence %.0f%%)", result.Confidence*100),
		Payload: map[string]interface{}{
			"model":     result.Model,
			"score":     result.Score,
			"threshold": result.Threshold,
			"features":  result.Features,
		},
	}

	inserted, err := d.alerts.InsertAlert(ctx, alert)
	if err != nil {
		d.logger.Error("Failed to insert crash alert",
			zap.String("trip_id", trip.TripID),
			zap.Error(err),
		)
		return
	}

	if d.publisher != nil {
		if err := d.publisher.PublishAlert(ctx, inserted); err != nil {
			d.logger.Error("Failed to publish crash alert",
				zap.String("alert_id", inserted.AlertID),
				zap.Error(err),
			)
		}
	}

	if trip.OwnerID == nil {
		d.logger.Warn("Crash confirmed but trip has no owner, skipping broadcast",
			zap.String("trip_id", trip.TripID),
		)
		return
	}

	d.notifier.PushToUser(*trip.OwnerID, models.BroadcastMessage{
		Type: models.BroadcastTypeAlertCritical,
		Payload: models.CriticalAlertPayload{
			AlertID:  inserted.AlertID,
			Message:  inserted.Message,
			DeviceID: trip.DeviceID,
			TS:       msg.TS.Format(time.RFC3339),
			Score:    result.Confidence,
			TripID:   trip.TripID,
		},
	})
}

// appendSample 追加特征快照并按时长/条数淘汰
func (st *tripState) appendSample(msg *models.TelemetryMessage, cfg Config) {
	sample := FeatureSample{
		TS:       msg.TS,
		SpeedKMH: msg.SpeedKMH(),
	}
	if imu := msg.IMU; imu != nil {
		sample.IMUOK = imu.OK
		sample.IMUSleep = imu.Sleep
		sample.Ax, sample.Ay, sample.Az = imu.Ax, imu.Ay, imu.Az
		sample.Gx, sample.Gy, sample.Gz = imu.Gx, imu.Gy, imu.Gz
	}

	st.window = append(st.window, sample)
	if len(st.window) > cfg.WindowSize {
		st.window = st.window[len(st.window)-cfg.WindowSize:]
	}
	cutoff := msg.TS.Add(-cfg.WindowAge)
	idx := 0
	for idx < len(st.window) && st.window[idx].TS.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		st.window = st.window[idx:]
	}
}

// evidenceThresholds 计算运动学佐证阈值。
// 正常历史超过 10 条时取其分位数，否则退回到固定保守下限；
// 下限按单位自适应（加速度峰值 < 5 视为 g 单位）。
func (st *tripState) evidenceThresholds(currAccMax, percentile float64) (float64, float64, bool) {
	accIsG := currAccMax < 5.0

	var thAcc, thGyro, minAccFloor, minGyroFloor float64
	if accIsG {
		thAcc = 1.40
		thGyro = 180.0
		minAccFloor = 1.25
		minGyroFloor = 120.0
	} else {
		thAcc = 12.0
		thGyro = 3.5
		minAccFloor = 10.5
		minGyroFloor = 3.5
	}

	if len(st.normalAccMaxHistory) > 10 {
		thAcc = risk.Percentile(st.normalAccMaxHistory, percentile)
		thGyro = risk.Percentile(st.normalGyroMaxHistory, percentile)
		if thAcc < minAccFloor {
			thAcc = minAccFloor
		}
		if thGyro < minGyroFloor {
			thGyro = minGyroFloor
		}
	}

	return thAcc, thGyro, accIsG
}

func (st *tripState) pushNormalHistory(accMax, gyroMax float64, capacity int) {
	st.normalAccMaxHistory = append(st.normalAccMaxHistory, accMax)
	if len(st.normalAccMaxHistory) > capacity {
		st.normalAccMaxHistory = st.normalAccMaxHistory[len(st.normalAccMaxHistory)-capacity:]
	}
	st.normalGyroMaxHistory = append(st.normalGyroMaxHistory, gyroMax)
	if len(st.normalGyroMaxHistory) > capacity {
		st.normalGyroMaxHistory = st.normalGyroMaxHistory[len(st.normalGyroMaxHistory)-capacity:]
	}
}
