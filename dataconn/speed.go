// Package dataconn implements the data connection (spec.md L5 / §4.5):
// the download and upload pipelines that move bytes between an already
// TLS/MODE-Z-filtered sock.Socket and local disk, plus the throughput
// instrumentation both directions share.
package dataconn

import (
	"sync"
	"time"
)

// SpeedMeter tracks a connection's recent throughput, spec.md §3's
// "speed-meter" data connection field. It folds samples into 1-second
// windows so BytesPerSec reflects the most recently completed window
// rather than a noisy instantaneous rate.
type SpeedMeter struct {
	mu            sync.Mutex
	windowStart   time.Time
	windowBytes   int64
	lastBytesPerS float64
	total         int64
}

// NewSpeedMeter builds a meter; now is the instant measurement begins.
func NewSpeedMeter(now time.Time) *SpeedMeter {
	return &SpeedMeter{windowStart: now}
}

// Record folds n bytes transferred at instant now into the meter.
func (m *SpeedMeter) Record(n int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowBytes += int64(n)
	m.total += int64(n)
	elapsed := now.Sub(m.windowStart)
	if elapsed < time.Second {
		return
	}
	m.lastBytesPerS = float64(m.windowBytes) / elapsed.Seconds()
	m.windowBytes = 0
	m.windowStart = now
}

// BytesPerSec returns the most recently completed window's rate.
func (m *SpeedMeter) BytesPerSec() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBytesPerS
}

// Total returns the cumulative byte count recorded.
func (m *SpeedMeter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
