package risk

import (
	"math"
	"time"

	"rideguard/internal/models"
)

// GPSFix 最近一次有效定位（用于 GPS 推算速度）
type GPSFix struct {
	Lat float64
	Lng float64
	TS  time.Time
}

const earthRadiusKM = 6371.0

// HaversineKM 计算两点间大圆距离（km）
func HaversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180.0
	phi2 := lat2 * math.Pi / 180.0
	dPhi := (lat2 - lat1) * math.Pi / 180.0
	dLambda := (lng2 - lng1) * math.Pi / 180.0

	a := math.Sin(dPhi/2.0)*math.Sin(dPhi/2.0) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2.0)*math.Sin(dLambda/2.0)
	c := 2.0 * math.Atan2(math.Sqrt(a), math.Sqrt(1.0-a))
	return earthRadiusKM * c
}

// SpeedKMH 解析一条采样的速度（km/h）。
// 优先使用设备上报的 velocity.kmh（已在校验层裁剪到 [0,250]）；
// 否则在有上一次有效定位且时间差 > 0.5s 时用 GPS 距离推算；都没有返回 nil。
func SpeedKMH(msg *models.TelemetryMessage, lastFix *GPSFix) *float64 {
	if v := msg.SpeedKMH(); v != nil {
		return v
	}

	if lastFix == nil || msg.GPS == nil || !msg.GPS.OK {
		return nil
	}

	deltaSec := msg.TS.Sub(lastFix.TS).Seconds()
	if deltaSec <= 0.5 {
		// 时间差太小，推算速度不稳定
		return nil
	}

	distKM := HaversineKM(lastFix.Lat, lastFix.Lng, msg.GPS.Lat, msg.GPS.Lng)
	speed := distKM / deltaSec * 3600.0
	return &speed
}
