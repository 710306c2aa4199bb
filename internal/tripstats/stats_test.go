package tripstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideguard/internal/models"
	"rideguard/internal/risk"
)

var statsBase = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

func TestCompute_Empty(t *testing.T) {
	s := Compute(nil)
	assert.Zero(t, s.TotalDistanceKM)
	assert.Zero(t, s.AverageSpeedKMH)
	assert.Zero(t, s.MaxSpeedKMH)
	assert.Nil(t, s.AverageHeartRate)
	assert.Nil(t, s.MaxHeartRate)
}

func TestCompute_SinglePoint(t *testing.T) {
	s := Compute([]models.TripPoint{
		{Timestamp: statsBase, Lat: fp(33.89), Lng: fp(35.50), HeartRate: ip(72)},
	})
	assert.Zero(t, s.TotalDistanceKM)
	require.NotNil(t, s.AverageHeartRate)
	assert.Equal(t, 72.0, *s.AverageHeartRate)
	require.NotNil(t, s.MaxHeartRate)
	assert.Equal(t, 72.0, *s.MaxHeartRate)
}

func TestCompute_DistanceAndSpeeds(t *testing.T) {
	points := []models.TripPoint{
		{Timestamp: statsBase, Lat: fp(33.8900), Lng: fp(35.50), SpeedKMH: fp(30.0), HeartRate: ip(70)},
		{Timestamp: statsBase.Add(10 * time.Second), Lat: fp(33.8910), Lng: fp(35.50), SpeedKMH: fp(50.0), HeartRate: ip(90)},
		{Timestamp: statsBase.Add(20 * time.Second), Lat: fp(33.8920), Lng: fp(35.50), SpeedKMH: fp(40.0), HeartRate: ip(80)},
	}

	s := Compute(points)

	segKM := risk.HaversineKM(33.8900, 35.50, 33.8910, 35.50)
	assert.InDelta(t, 2*segKM, s.TotalDistanceKM, 1e-9)
	assert.InDelta(t, 2*segKM/20.0*3600.0, s.AverageSpeedKMH, 1e-9)
	assert.Equal(t, 50.0, s.MaxSpeedKMH)

	require.NotNil(t, s.AverageHeartRate)
	assert.InDelta(t, 80.0, *s.AverageHeartRate, 1e-9)
	require.NotNil(t, s.MaxHeartRate)
	assert.Equal(t, 90.0, *s.MaxHeartRate)
}

func TestCompute_GPSSpeedFallback(t *testing.T) {
	// 第二个点没有上报速度，用 GPS 段推算
	points := []models.TripPoint{
		{Timestamp: statsBase, Lat: fp(33.8900), Lng: fp(35.50)},
		{Timestamp: statsBase.Add(10 * time.Second), Lat: fp(33.8910), Lng: fp(35.50)},
	}

	s := Compute(points)

	segKM := risk.HaversineKM(33.8900, 35.50, 33.8910, 35.50)
	assert.InDelta(t, segKM/10.0*3600.0, s.MaxSpeedKMH, 1e-9)
}

func TestCompute_MissingGPSSegments(t *testing.T) {
	// 中间点没有定位：该段不计距离
	points := []models.TripPoint{
		{Timestamp: statsBase, Lat: fp(33.8900), Lng: fp(35.50)},
		{Timestamp: statsBase.Add(10 * time.Second)},
		{Timestamp: statsBase.Add(20 * time.Second), Lat: fp(33.8910), Lng: fp(35.50)},
	}

	s := Compute(points)
	assert.Zero(t, s.TotalDistanceKM)
	assert.Nil(t, s.AverageHeartRate)
}
