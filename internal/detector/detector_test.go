package detector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rideguard/internal/models"
)

var detBase = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// fakeScorer 返回预设结果的打分器
type fakeScorer struct {
	calls  int
	result *ScoreResult
	err    error
}

func (f *fakeScorer) Score(window []FeatureSample) (*ScoreResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

type fakePredictionStore struct {
	predictions []*models.Prediction
}

func (f *fakePredictionStore) InsertPrediction(ctx context.Context, p *models.Prediction) error {
	f.predictions = append(f.predictions, p)
	return nil
}

type fakeAlertStore struct {
	alerts []*models.Alert
}

func (f *fakeAlertStore) InsertAlert(ctx context.Context, a *models.Alert) (*models.Alert, error) {
	a.AlertID = "alert-test"
	f.alerts = append(f.alerts, a)
	return a, nil
}

type fakeNotifier struct {
	messages []models.BroadcastMessage
	users    []string
}

func (f *fakeNotifier) PushToUser(userID string, msg models.BroadcastMessage) {
	f.users = append(f.users, userID)
	f.messages = append(f.messages, msg)
}

type fakePublisher struct {
	published []*models.Alert
}

func (f *fakePublisher) PublishAlert(ctx context.Context, a *models.Alert) error {
	f.published = append(f.published, a)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinSamples = 1
	cfg.WarmupWindows = 2
	cfg.StreakMin = 2
	return cfg
}

func anomalyResult() *ScoreResult {
	return &ScoreResult{
		Model:      "baseline_scaled",
		Score:      -0.5,
		Threshold:  -0.15,
		IsAnomaly:  true,
		Confidence: 0.85,
		Features:   Features{AccMax: 2.0, GyroMax: 1.0},
	}
}

func normalResult() *ScoreResult {
	return &ScoreResult{
		Model:      "baseline_scaled",
		Score:      0.1,
		Threshold:  -0.15,
		IsAnomaly:  false,
		Confidence: 0.2,
		Features:   Features{AccMax: 1.2, GyroMax: 0.5},
	}
}

func newTestDetector(cfg Config, scorer Scorer) (*Detector, *fakePredictionStore, *fakeAlertStore, *fakeNotifier, *fakePublisher) {
	preds := &fakePredictionStore{}
	alerts := &fakeAlertStore{}
	notifier := &fakeNotifier{}
	publisher := &fakePublisher{}
	d := New(cfg, scorer, preds, alerts, notifier, publisher, zap.NewNop())
	return d, preds, alerts, notifier, publisher
}

func sampleAt(ts time.Time) *models.TelemetryMessage {
	return &models.TelemetryMessage{
		DeviceID: "d1",
		TS:       ts,
		IMU:      &models.IMUData{OK: true, Az: 1.0},
	}
}

func ownedTrip() TripContext {
	owner := "user-1"
	return TripContext{TripID: "trip-1", DeviceID: "d1", OwnerID: &owner}
}

func TestDetector_NoScoringWhenIdle(t *testing.T) {
	scorer := &fakeScorer{result: anomalyResult()}
	d, preds, _, _, _ := newTestDetector(testConfig(), scorer)

	for i := 0; i < 20; i++ {
		d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(time.Duration(i)*time.Second)), detBase.Add(time.Duration(i)*time.Second))
	}

	assert.Equal(t, 0, scorer.calls)
	assert.Empty(t, preds.predictions)
}

func TestDetector_GateThrottleAndDeadlineExtension(t *testing.T) {
	d, _, _, _, _ := newTestDetector(testConfig(), &fakeScorer{result: normalResult()})

	d.HandleGate("trip-1", detBase)
	assert.True(t, d.Escalated("trip-1", detBase.Add(12*time.Second)))
	assert.False(t, d.Escalated("trip-1", detBase.Add(13*time.Second)))

	// 间隔内的重复触发被忽略，截止时间不变
	d.HandleGate("trip-1", detBase.Add(time.Second))
	assert.False(t, d.Escalated("trip-1", detBase.Add(13*time.Second)))

	// 间隔之外的再次触发只延长截止时间
	d.HandleGate("trip-1", detBase.Add(3*time.Second))
	assert.True(t, d.Escalated("trip-1", detBase.Add(15*time.Second)))
	assert.False(t, d.Escalated("trip-1", detBase.Add(16*time.Second)))
}

func TestDetector_ConfirmationFlow(t *testing.T) {
	scorer := &fakeScorer{result: anomalyResult()}
	d, preds, alerts, notifier, publisher := newTestDetector(testConfig(), scorer)

	d.HandleGate("trip-1", detBase)

	// 第一次打分：streak=1 warmup=1，不确认
	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(time.Second)), detBase.Add(time.Second))
	require.Equal(t, 1, scorer.calls)
	assert.Empty(t, alerts.alerts)

	// 第二次打分：streak=2 warmup=2，运动学佐证满足，确认
	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(2*time.Second)), detBase.Add(2*time.Second))
	require.Len(t, alerts.alerts, 1)

	alert := alerts.alerts[0]
	assert.Equal(t, models.AlertTypeCrashServer, alert.AlertType)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	require.NotNil(t, alert.UserID)
	assert.Equal(t, "user-1", *alert.UserID)

	// 下游发布与车主广播均发生
	require.Len(t, publisher.published, 1)
	require.Len(t, notifier.messages, 1)
	assert.Equal(t, models.BroadcastTypeAlertCritical, notifier.messages[0].Type)
	assert.Equal(t, "user-1", notifier.users[0])

	// 两次打分都留下预测记录，最后一次标记为 crash
	require.Len(t, preds.predictions, 2)
	assert.Equal(t, models.PredictionLabelAnomaly, preds.predictions[0].Label)
	assert.Equal(t, models.PredictionLabelCrash, preds.predictions[1].Label)
}

func TestDetector_ScoreThrottle(t *testing.T) {
	scorer := &fakeScorer{result: normalResult()}
	d, _, _, _, _ := newTestDetector(testConfig(), scorer)

	d.HandleGate("trip-1", detBase)

	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(time.Second)), detBase.Add(time.Second))
	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(1500*time.Millisecond)), detBase.Add(1500*time.Millisecond))
	assert.Equal(t, 1, scorer.calls)

	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(2*time.Second)), detBase.Add(2*time.Second))
	assert.Equal(t, 2, scorer.calls)
}

func TestDetector_Cooldown(t *testing.T) {
	scorer := &fakeScorer{result: anomalyResult()}
	d, _, alerts, _, _ := newTestDetector(testConfig(), scorer)

	d.HandleGate("trip-1", detBase)
	for i := 1; i <= 10; i++ {
		ts := detBase.Add(time.Duration(i) * time.Second)
		d.Process(context.Background(), ownedTrip(), sampleAt(ts), ts)
	}
	// 升级窗口内持续异常也只确认一次
	require.Len(t, alerts.alerts, 1)

	// 冷静期过后重新升级可再次确认
	later := detBase.Add(50 * time.Second)
	d.HandleGate("trip-1", later)
	d.Process(context.Background(), ownedTrip(), sampleAt(later.Add(time.Second)), later.Add(time.Second))
	require.Len(t, alerts.alerts, 2)
}

func TestDetector_CooldownBlocksSecondEscalation(t *testing.T) {
	scorer := &fakeScorer{result: anomalyResult()}
	d, _, alerts, _, _ := newTestDetector(testConfig(), scorer)

	d.HandleGate("trip-1", detBase)
	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(time.Second)), detBase.Add(time.Second))
	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(2*time.Second)), detBase.Add(2*time.Second))
	require.Len(t, alerts.alerts, 1)

	// 第二次升级仍在 45s 冷静期内：不再产生报警
	second := detBase.Add(20 * time.Second)
	d.HandleGate("trip-1", second)
	for i := 1; i <= 5; i++ {
		ts := second.Add(time.Duration(i) * time.Second)
		d.Process(context.Background(), ownedTrip(), sampleAt(ts), ts)
	}
	assert.Len(t, alerts.alerts, 1)
}

func TestDetector_EvidenceGateBlocksWeakMotion(t *testing.T) {
	weak := anomalyResult()
	weak.Features = Features{AccMax: 1.0, GyroMax: 50.0} // 都低于 g 单位佐证下限
	scorer := &fakeScorer{result: weak}
	d, preds, alerts, _, _ := newTestDetector(testConfig(), scorer)

	d.HandleGate("trip-1", detBase)
	for i := 1; i <= 5; i++ {
		ts := detBase.Add(time.Duration(i) * time.Second)
		d.Process(context.Background(), ownedTrip(), sampleAt(ts), ts)
	}

	assert.Empty(t, alerts.alerts)
	// 打分依旧发生并留痕，只是标签停在 anomaly
	require.NotEmpty(t, preds.predictions)
	for _, p := range preds.predictions {
		assert.Equal(t, models.PredictionLabelAnomaly, p.Label)
	}
}

func TestDetector_WarmupBlocksEarlyConfirmation(t *testing.T) {
	cfg := testConfig()
	cfg.WarmupWindows = 5
	scorer := &fakeScorer{result: anomalyResult()}
	d, _, alerts, _, _ := newTestDetector(cfg, scorer)

	d.HandleGate("trip-1", detBase)
	for i := 1; i <= 4; i++ {
		ts := detBase.Add(time.Duration(i) * time.Second)
		d.Process(context.Background(), ownedTrip(), sampleAt(ts), ts)
	}
	assert.Empty(t, alerts.alerts)

	ts := detBase.Add(5 * time.Second)
	d.Process(context.Background(), ownedTrip(), sampleAt(ts), ts)
	assert.Len(t, alerts.alerts, 1)
}

func TestDetector_NormalScoreResetsStreak(t *testing.T) {
	scorer := &fakeScorer{result: anomalyResult()}
	d, _, alerts, _, _ := newTestDetector(testConfig(), scorer)

	d.HandleGate("trip-1", detBase)
	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(time.Second)), detBase.Add(time.Second))

	// 中间一次正常打分清零 streak
	scorer.result = normalResult()
	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(2*time.Second)), detBase.Add(2*time.Second))

	scorer.result = anomalyResult()
	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(3*time.Second)), detBase.Add(3*time.Second))
	assert.Empty(t, alerts.alerts)

	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(4*time.Second)), detBase.Add(4*time.Second))
	assert.Len(t, alerts.alerts, 1)
}

func TestDetector_ScorerErrorIsNoOp(t *testing.T) {
	scorer := &fakeScorer{err: ErrInsufficientWindow}
	d, preds, alerts, _, _ := newTestDetector(testConfig(), scorer)

	d.HandleGate("trip-1", detBase)
	for i := 1; i <= 3; i++ {
		ts := detBase.Add(time.Duration(i) * time.Second)
		d.Process(context.Background(), ownedTrip(), sampleAt(ts), ts)
	}

	assert.Equal(t, 3, scorer.calls)
	assert.Empty(t, preds.predictions)
	assert.Empty(t, alerts.alerts)
}

func TestDetector_NoOwnerSkipsBroadcast(t *testing.T) {
	scorer := &fakeScorer{result: anomalyResult()}
	d, _, alerts, notifier, publisher := newTestDetector(testConfig(), scorer)

	trip := TripContext{TripID: "trip-1", DeviceID: "d1"}

	d.HandleGate("trip-1", detBase)
	d.Process(context.Background(), trip, sampleAt(detBase.Add(time.Second)), detBase.Add(time.Second))
	d.Process(context.Background(), trip, sampleAt(detBase.Add(2*time.Second)), detBase.Add(2*time.Second))

	// 落库与下游发布照常，只跳过广播
	require.Len(t, alerts.alerts, 1)
	assert.Nil(t, alerts.alerts[0].UserID)
	assert.Len(t, publisher.published, 1)
	assert.Empty(t, notifier.messages)
}

func TestDetector_EscalationExpires(t *testing.T) {
	scorer := &fakeScorer{result: anomalyResult()}
	d, _, alerts, _, _ := newTestDetector(testConfig(), scorer)

	d.HandleGate("trip-1", detBase)

	// 截止时间之后的采样不再打分
	ts := detBase.Add(13 * time.Second)
	d.Process(context.Background(), ownedTrip(), sampleAt(ts), ts)
	assert.Equal(t, 0, scorer.calls)
	assert.Empty(t, alerts.alerts)
	assert.False(t, d.Escalated("trip-1", ts))
}

func TestDetector_PurgeTrip(t *testing.T) {
	scorer := &fakeScorer{result: anomalyResult()}
	d, _, alerts, _, _ := newTestDetector(testConfig(), scorer)

	d.HandleGate("trip-1", detBase)
	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(time.Second)), detBase.Add(time.Second))

	d.PurgeTrip("trip-1")
	assert.False(t, d.Escalated("trip-1", detBase.Add(2*time.Second)))

	// 清理后所有确认进度归零
	d.Process(context.Background(), ownedTrip(), sampleAt(detBase.Add(2*time.Second)), detBase.Add(2*time.Second))
	assert.Empty(t, alerts.alerts)
}
