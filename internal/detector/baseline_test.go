package detector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func featureSamples(n int, az, gx, speed float64) []FeatureSample {
	samples := make([]FeatureSample, 0, n)
	for i := 0; i < n; i++ {
		s := speed
		samples = append(samples, FeatureSample{
			TS:       detBase.Add(time.Duration(i) * time.Second),
			IMUOK:    true,
			Az:       az,
			Gx:       gx,
			SpeedKMH: &s,
		})
	}
	return samples
}

func TestFeaturize(t *testing.T) {
	samples := featureSamples(10, 1.0, 0.8, 30.0)
	feats, err := Featurize(samples, 10)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, feats.AccMean, 1e-9)
	assert.InDelta(t, 0.0, feats.AccStd, 1e-9)
	assert.InDelta(t, 1.0, feats.AccMax, 1e-9)
	assert.InDelta(t, 0.8, feats.GyroMax, 1e-9)
	assert.InDelta(t, 30.0, feats.SpeedMean, 1e-9)
	assert.InDelta(t, 0.0, feats.SpeedDelta, 1e-9)
}

func TestFeaturize_UsesTailOfWindow(t *testing.T) {
	// 前段平顺，后 10 条带峰值：只有后 10 条进入特征
	samples := featureSamples(10, 1.0, 0.5, 30.0)
	samples = append(samples, featureSamples(10, 3.0, 0.5, 30.0)...)

	feats, err := Featurize(samples, 10)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, feats.AccMin, 1e-9)
}

func TestFeaturize_InsufficientSamples(t *testing.T) {
	_, err := Featurize(featureSamples(5, 1.0, 0.5, 30.0), 10)
	assert.ErrorIs(t, err, ErrInsufficientWindow)
}

func TestFeaturize_NoUsableData(t *testing.T) {
	// IMU 休眠且无速度：窗口不可用
	samples := make([]FeatureSample, 10)
	for i := range samples {
		samples[i] = FeatureSample{TS: detBase.Add(time.Duration(i) * time.Second), IMUOK: true, IMUSleep: true}
	}
	_, err := Featurize(samples, 10)
	assert.ErrorIs(t, err, ErrInsufficientWindow)
}

func TestBaselineScorer_CalmWindowIsNormal(t *testing.T) {
	scorer := NewBaselineScorer(DefaultBaselineConfig())

	result, err := scorer.Score(featureSamples(10, 1.0, 0.5, 30.0))
	require.NoError(t, err)
	assert.False(t, result.IsAnomaly)
	assert.Greater(t, result.Score, result.Threshold)
}

func TestBaselineScorer_CrashWindowIsAnomaly(t *testing.T) {
	scorer := NewBaselineScorer(DefaultBaselineConfig())

	// 强撞击 + 急停轨迹
	samples := featureSamples(8, 1.0, 0.5, 45.0)
	spike1 := 5.0
	spike2 := 2.0
	for i, acc := range []float64{6.0, 4.5} {
		speed := []float64{spike1, spike2}[i]
		samples = append(samples, FeatureSample{
			TS:       detBase.Add(time.Duration(8+i) * time.Second),
			IMUOK:    true,
			Az:       acc,
			Gx:       8.0,
			SpeedKMH: &speed,
		})
	}

	result, err := scorer.Score(samples)
	require.NoError(t, err)
	assert.True(t, result.IsAnomaly)
	assert.Less(t, result.Score, result.Threshold)
	assert.Greater(t, result.Confidence, 0.5)
}

func TestLoadBaselineScorer_MissingFileFallsBack(t *testing.T) {
	scorer, err := LoadBaselineScorer(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.NotNil(t, scorer)

	result, err := scorer.Score(featureSamples(10, 1.0, 0.5, 30.0))
	require.NoError(t, err)
	assert.Equal(t, "baseline_scaled", result.Model)
}

func TestLoadBaselineScorer_ReadsConfigFile(t *testing.T) {
	cfg := DefaultBaselineConfig()
	cfg.ModelName = "tuned_v2"
	cfg.ScoreThreshold = -0.3

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	scorer, err := LoadBaselineScorer(path)
	require.NoError(t, err)

	result, err := scorer.Score(featureSamples(10, 1.0, 0.5, 30.0))
	require.NoError(t, err)
	assert.Equal(t, "tuned_v2", result.Model)
	assert.Equal(t, -0.3, result.Threshold)
}

func TestLoadBaselineScorer_EmptyPathUsesDefaults(t *testing.T) {
	scorer, err := LoadBaselineScorer("")
	require.NoError(t, err)
	require.NotNil(t, scorer)
}

func TestLoadBaselineScorer_BadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	_, err := LoadBaselineScorer(path)
	assert.Error(t, err)
}
