// Package poll waits on device conditions with exponential backoff.
package poll

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Until evaluates cond until it holds, the timeout elapses or ctx is done.
// It reports whether cond held. cond is always evaluated once more after
// the deadline so that a late acknowledgment is not missed.
func Until(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	if cond() {
		return true
	}

	b := &backoff.Backoff{Min: time.Microsecond, Max: 100 * time.Microsecond, Factor: 2}
	deadline := time.Now().Add(timeout)
	t := time.NewTimer(b.Duration())
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return cond()
		case <-t.C:
		}
		if cond() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		t.Reset(b.Duration())
	}
}
