// Package tripstats 在行程收尾时计算距离/速度/心率聚合统计。
package tripstats

import (
	"rideguard/internal/models"
	"rideguard/internal/risk"
)

// Stats 一段行程的聚合统计
type Stats struct {
	TotalDistanceKM  float64
	AverageSpeedKMH  float64
	MaxSpeedKMH      float64
	AverageHeartRate *float64
	MaxHeartRate     *float64
}

// Compute 基于按时间升序的采样点计算行程统计。
// 少于 2 个点时距离/速度为零，单个心率读数原样透传。
func Compute(points []models.TripPoint) Stats {
	if len(points) < 2 {
		var avgHR, maxHR *float64
		if len(points) == 1 && points[0].HeartRate != nil {
			hr := float64(*points[0].HeartRate)
			avgHR = &hr
			maxHR = &hr
		}
		return Stats{
			AverageHeartRate: avgHR,
			MaxHeartRate:     maxHR,
		}
	}

	totalDistanceKM := 0.0
	maxSpeedKMH := 0.0

	prev := points[0]
	for _, current := range points[1:] {
		segSpeedKMH := 0.0
		if current.SpeedKMH != nil {
			segSpeedKMH = *current.SpeedKMH
		}

		if prev.Lat != nil && prev.Lng != nil && current.Lat != nil && current.Lng != nil {
			segKM := risk.HaversineKM(*prev.Lat, *prev.Lng, *current.Lat, *current.Lng)
			totalDistanceKM += segKM

			// 无上报速度时按 GPS 段推算，容忍小的时间漂移
			if current.SpeedKMH == nil {
				dt := current.Timestamp.Sub(prev.Timestamp).Seconds()
				if dt > 0.5 {
					segSpeedKMH = segKM / dt * 3600.0
				}
			}
		}

		if segSpeedKMH > maxSpeedKMH {
			maxSpeedKMH = segSpeedKMH
		}
		prev = current
	}

	avgSpeedKMH := 0.0
	durationSec := points[len(points)-1].Timestamp.Sub(points[0].Timestamp).Seconds()
	if durationSec > 0 {
		avgSpeedKMH = totalDistanceKM / durationSec * 3600.0
	}

	var avgHR, maxHR *float64
	hrSum := 0.0
	hrCount := 0
	hrMax := 0.0
	for _, p := range points {
		if p.HeartRate == nil {
			continue
		}
		hr := float64(*p.HeartRate)
		hrSum += hr
		hrCount++
		if hr > hrMax {
			hrMax = hr
		}
	}
	if hrCount > 0 {
		avg := hrSum / float64(hrCount)
		avgHR = &avg
		maxHR = &hrMax
	}

	return Stats{
		TotalDistanceKM:  totalDistanceKM,
		AverageSpeedKMH:  avgSpeedKMH,
		MaxSpeedKMH:      maxSpeedKMH,
		AverageHeartRate: avgHR,
		MaxHeartRate:     maxHR,
	}
}
