package nic

import (
	"errors"
	"fmt"
	"time"

	"github.com/romshark/tsn-dma-go/dma"
	"github.com/romshark/tsn-dma-go/qbv"
	"github.com/romshark/tsn-dma-go/reclaim"
	"github.com/romshark/tsn-dma-go/ring"
	"github.com/romshark/tsn-dma-go/umem"
)

var (
	ErrVariant      = errors.New("unknown dma variant")
	ErrQueues       = errors.New("queue count out of range")
	ErrWeights      = errors.New("invalid tx weights")
	ErrTooFewFrames = errors.New("frame arena cannot fill the rx rings")
)

type Variant string

const (
	VariantAXIDMA Variant = "axidma"
	VariantMCDMA  Variant = "mcdma"
)

const (
	// MaxTrafficClasses is the queue limit with one AXI DMA engine per
	// traffic class: best effort, reserved and scheduled.
	MaxTrafficClasses = 3
	// MaxMCDMAChannels is the channel limit of the multi-channel engine.
	MaxMCDMAChannels = 16
	// MaxWeight is the largest MCDMA TX arbitration weight.
	MaxWeight = 15
)

type Config struct {
	Variant Variant `yaml:"variant"`
	Queues  int     `yaml:"queues"`

	TxRingSize uint32 `yaml:"tx-ring-size"`
	RxRingSize uint32 `yaml:"rx-ring-size"`

	// Budget bounds the frames received per reclaim pass.
	Budget int `yaml:"budget"`
	// PollInterval makes the reclaimers poll in addition to interrupts.
	PollInterval time.Duration `yaml:"poll-interval"`

	HaltTimeout  time.Duration `yaml:"halt-timeout"`
	ResetTimeout time.Duration `yaml:"reset-timeout"`

	TxCoalesce dma.Coalesce `yaml:"tx-coalesce"`
	RxCoalesce dma.Coalesce `yaml:"rx-coalesce"`

	Frames umem.Config `yaml:"frames"`

	// Weights are the MCDMA TX arbitration weights, indexed by queue.
	Weights []uint8 `yaml:"weights"`

	// ScheduleWatchInterval makes the device poll the shaper for swaps
	// when no swap interrupt is wired. Zero disables polling.
	ScheduleWatchInterval time.Duration `yaml:"schedule-watch-interval"`
	ScheduleAckTimeout    time.Duration `yaml:"schedule-ack-timeout"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Variant == "" {
		c.Variant = VariantAXIDMA
	}
	maxQueues := MaxTrafficClasses
	switch c.Variant {
	case VariantAXIDMA:
	case VariantMCDMA:
		maxQueues = MaxMCDMAChannels
	default:
		return fmt.Errorf("%w: %q", ErrVariant, c.Variant)
	}
	if c.Queues == 0 {
		c.Queues = 1
	}
	if c.Queues < 1 || c.Queues > maxQueues {
		return fmt.Errorf("%w: %d (%s supports 1..%d)", ErrQueues, c.Queues, c.Variant, maxQueues)
	}

	if c.TxRingSize == 0 {
		c.TxRingSize = ring.DefaultTxCapacity
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = ring.DefaultRxCapacity
	}
	if c.Budget == 0 {
		c.Budget = reclaim.DefaultBudget
	}
	if c.HaltTimeout == 0 {
		c.HaltTimeout = dma.DefaultHaltTimeout
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = dma.DefaultResetTimeout
	}
	if c.TxCoalesce == (dma.Coalesce{}) {
		c.TxCoalesce = dma.DefaultTxCoalesce
	}
	if c.RxCoalesce == (dma.Coalesce{}) {
		c.RxCoalesce = dma.DefaultRxCoalesce
	}
	if c.ScheduleAckTimeout == 0 {
		c.ScheduleAckTimeout = qbv.DefaultAckTimeout
	}

	if c.Frames.NumFrames == 0 {
		c.Frames.NumFrames = uint32(c.Queues) * (c.TxRingSize + c.RxRingSize)
	}
	if err := c.Frames.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("frames: %w", err)
	}
	if need := uint32(c.Queues) * (c.RxRingSize - 1); c.Frames.NumFrames <= need {
		return fmt.Errorf("%w: %d frames, %d rx descriptors", ErrTooFewFrames, c.Frames.NumFrames, need)
	}

	if len(c.Weights) > 0 {
		if c.Variant != VariantMCDMA {
			return fmt.Errorf("%w: weights need the %s variant", ErrWeights, VariantMCDMA)
		}
		if len(c.Weights) > c.Queues {
			return fmt.Errorf("%w: %d weights for %d queues", ErrWeights, len(c.Weights), c.Queues)
		}
		for q, w := range c.Weights {
			if w > MaxWeight {
				return fmt.Errorf("%w: queue %d weight %d > %d", ErrWeights, q, w, MaxWeight)
			}
		}
	}
	return nil
}

// ScheduledQueues is the number of queues the gate shaper controls.
func (c *Config) ScheduledQueues() int { return min(c.Queues, qbv.MaxQueues) }
