package nic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/tsn-dma-go/dma"
	"github.com/romshark/tsn-dma-go/qbv"
	"github.com/romshark/tsn-dma-go/reclaim"
	"github.com/romshark/tsn-dma-go/ring"
	"github.com/romshark/tsn-dma-go/umem"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, VariantAXIDMA, c.Variant)
	assert.Equal(t, 1, c.Queues)
	assert.Equal(t, uint32(ring.DefaultTxCapacity), c.TxRingSize)
	assert.Equal(t, uint32(ring.DefaultRxCapacity), c.RxRingSize)
	assert.Equal(t, reclaim.DefaultBudget, c.Budget)
	assert.Equal(t, dma.DefaultHaltTimeout, c.HaltTimeout)
	assert.Equal(t, dma.DefaultTxCoalesce, c.TxCoalesce)
	assert.Equal(t, dma.DefaultRxCoalesce, c.RxCoalesce)
	assert.Equal(t, qbv.DefaultAckTimeout, c.ScheduleAckTimeout)
	assert.Equal(t, uint32(ring.DefaultTxCapacity+ring.DefaultRxCapacity), c.Frames.NumFrames)
	assert.Equal(t, uint32(umem.DefaultFrameSize), c.Frames.FrameSize)
	assert.Zero(t, c.ScheduleWatchInterval)
}

func TestConfigKeepsExplicitValues(t *testing.T) {
	c := Config{
		Variant:      VariantMCDMA,
		Queues:       12,
		PollInterval: time.Millisecond,
		TxCoalesce:   dma.Coalesce{Threshold: 8},
	}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, dma.Coalesce{Threshold: 8}, c.TxCoalesce)
	assert.Equal(t, time.Millisecond, c.PollInterval)
	assert.Equal(t, qbv.MaxQueues, c.ScheduledQueues())
}

func TestConfigErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		conf Config
		err  error
	}{
		{"variant", Config{Variant: "e1000"}, ErrVariant},
		{"axidma queues", Config{Queues: 4}, ErrQueues},
		{"mcdma queues", Config{Variant: VariantMCDMA, Queues: 17}, ErrQueues},
		{"negative queues", Config{Queues: -1}, ErrQueues},
		{"weights on axidma", Config{Weights: []uint8{1}}, ErrWeights},
		{"too many weights", Config{Variant: VariantMCDMA, Queues: 1, Weights: []uint8{1, 2}}, ErrWeights},
		{"weight range", Config{Variant: VariantMCDMA, Queues: 2, Weights: []uint8{1, 16}}, ErrWeights},
		{"frames", Config{RxRingSize: 64, Frames: umem.Config{NumFrames: 32}}, ErrTooFewFrames},
		{"frame size", Config{Frames: umem.Config{FrameSize: 64}}, umem.ErrFrameSizeTooSmall},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.conf.ValidateAndSetDefaults(), tt.err)
		})
	}
}
