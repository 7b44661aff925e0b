package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabled(t *testing.T) {
	var l *Throttle
	assert.Nil(t, New(0))
	assert.NoError(t, l.Wait(context.Background(), 1_000_000))
}

func TestPaces(t *testing.T) {
	l := New(10_000)
	start := time.Now()
	// 100 burst + 200 paced packets take at least 20ms.
	require.NoError(t, l.Wait(context.Background(), 300))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestWaitCanceled(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, 64), context.Canceled)
}

func TestWaitSplitsLargeBatches(t *testing.T) {
	l := New(100_000) // burst 1000
	start := time.Now()
	// More than one burst at once; the second and third burst are paced.
	require.NoError(t, l.Wait(context.Background(), 2500))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
