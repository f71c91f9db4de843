package scheduler

import (
	"context"

	"golang.org/x/time/rate"
)

// SpeedLimiter throttles an operation's aggregate transfer throughput
// across all its data connections, SPEC_FULL DOMAIN STACK supplement 4
// (recovered from original_source/ftp/operatsa.cpp's
// CFTPOperation::GetGlobalTransferSpeedMeter — distinct from the
// per-connection speed meter spec.md §3 names). Grounded on rclone's
// fs/accounting.TokenBucket, which wraps golang.org/x/time/rate.Limiter
// the same way: one shared limiter, WaitN per chunk written.
type SpeedLimiter struct {
	limiter *rate.Limiter
}

// NewSpeedLimiter builds a limiter capped at bytesPerSec; a non-positive
// bytesPerSec disables limiting (Wait becomes a no-op).
func NewSpeedLimiter(bytesPerSec int64) *SpeedLimiter {
	if bytesPerSec <= 0 {
		return &SpeedLimiter{}
	}
	burst := int(bytesPerSec)
	if burst < 1 {
		burst = 1
	}
	return &SpeedLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Wait blocks until n bytes' worth of budget is available, or ctx is
// cancelled. A disabled limiter always returns immediately.
func (s *SpeedLimiter) Wait(ctx context.Context, n int) error {
	if s == nil || s.limiter == nil || n <= 0 {
		return nil
	}
	burst := s.limiter.Burst()
	for n > burst {
		if err := s.limiter.WaitN(ctx, burst); err != nil {
			return err
		}
		n -= burst
	}
	if n > 0 {
		return s.limiter.WaitN(ctx, n)
	}
	return nil
}

// SetLimit changes the cap at runtime, spec.md §6's "PauseWorkers"-style
// live-reconfiguration surface.
func (s *SpeedLimiter) SetLimit(bytesPerSec int64) {
	if s.limiter == nil {
		return
	}
	if bytesPerSec <= 0 {
		s.limiter.SetLimit(rate.Inf)
		return
	}
	s.limiter.SetLimit(rate.Limit(bytesPerSec))
	s.limiter.SetBurst(int(bytesPerSec))
}
