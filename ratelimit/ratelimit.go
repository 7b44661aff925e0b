// Package ratelimit paces packet generation to a packets-per-second rate.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle limits to pps packets per second on average. It is safe for
// concurrent use; a nil Throttle does not limit.
type Throttle struct {
	lim *rate.Limiter
}

// New creates a limiter for pps packets per second. The burst allows about
// 10ms worth of packets, at least 32 and at most 1024.
// If pps == 0, throttling is disabled.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	burst := int(min(max(pps/100, 32), 1024))
	return &Throttle{lim: rate.NewLimiter(rate.Limit(pps), burst)}
}

// Wait blocks until n packets are allowed or ctx is done. Batches larger
// than the burst are split.
func (l *Throttle) Wait(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	for n > 0 {
		k := min(n, l.lim.Burst())
		if err := l.lim.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
