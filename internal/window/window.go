// Package window 提供按时间和数量双重约束的采样滑动窗口。
package window

import (
	"time"

	"rideguard/internal/models"
)

// Window 近期采样的 FIFO 缓冲区。
// 同时受最大时长和最大条数约束；淘汰总是从最旧一端开始。
type Window struct {
	maxAge  time.Duration
	maxSize int
	samples []*models.TelemetryMessage
}

// New 创建窗口
func New(maxAge time.Duration, maxSize int) *Window {
	return &Window{
		maxAge:  maxAge,
		maxSize: maxSize,
		samples: make([]*models.TelemetryMessage, 0, maxSize),
	}
}

// Append 追加一条采样并执行淘汰
func (w *Window) Append(msg *models.TelemetryMessage) {
	w.samples = append(w.samples, msg)

	// 条数约束
	if len(w.samples) > w.maxSize {
		w.samples = w.samples[len(w.samples)-w.maxSize:]
	}

	// 时长约束：以最新采样的时间戳为基准淘汰过旧采样
	cutoff := msg.TS.Add(-w.maxAge)
	idx := 0
	for idx < len(w.samples) && w.samples[idx].TS.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.samples = w.samples[idx:]
	}
}

// Len 当前采样数
func (w *Window) Len() int {
	return len(w.samples)
}

// Samples 按时间顺序返回全部采样（调用方不得修改）
func (w *Window) Samples() []*models.TelemetryMessage {
	return w.samples
}

// Last 返回最新的 n 条采样（不足 n 条时返回全部）
func (w *Window) Last(n int) []*models.TelemetryMessage {
	if len(w.samples) <= n {
		return w.samples
	}
	return w.samples[len(w.samples)-n:]
}

// Latest 返回最新一条采样（空窗口返回 nil）
func (w *Window) Latest() *models.TelemetryMessage {
	if len(w.samples) == 0 {
		return nil
	}
	return w.samples[len(w.samples)-1]
}
