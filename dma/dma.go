// Package dma drives scatter-gather DMA engines through their register
// blocks: ring base and tail programming, run/stop with bounded halt
// acknowledgment, reset, interrupt masking and coalescing, and the
// completion/error status contract.
//
// Two hardware variants are supported, each a separate Engine
// implementation chosen at construction time:
//
//   - AXIDMA: one single-channel engine per queue, each with its own
//     register window.
//   - MCDMA: one multi-channel engine with per-channel register blocks, a
//     channel-enable register and TX arbitration weights.
package dma

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/tsn-dma-go/ring"
)

var (
	ErrHaltTimeout   = errors.New("dma channel did not halt")
	ErrResetTimeout  = errors.New("dma channel did not leave reset")
	ErrChannelRange  = errors.New("dma channel out of range")
	ErrNoChannels    = errors.New("at least one dma channel is required")
	ErrWeightRange   = errors.New("weight out of range")
	ErrCapacityRange = errors.New("ring capacity out of range")
)

// Status is the variant-independent view of a channel's status register.
type Status uint32

const (
	StatusHalted Status = 1 << iota
	StatusIdle
	StatusIOC   // transfer complete
	StatusDelay // coalescing delay timer expired
	StatusError // error interrupt
	StatusInternalErr
	StatusSlaveErr
	StatusDecodeErr

	StatusCompletions = StatusIOC | StatusDelay
	StatusFaults      = StatusError | StatusInternalErr | StatusSlaveErr | StatusDecodeErr
	StatusIRQ         = StatusIOC | StatusDelay | StatusError
)

// Faulted reports whether any error bit is set.
func (s Status) Faulted() bool { return s&StatusFaults != 0 }

// Completions reports whether a completion or delay interrupt is pending.
func (s Status) Completions() bool { return s&StatusCompletions != 0 }

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusHalted, "halted"},
	{StatusIdle, "idle"},
	{StatusIOC, "ioc"},
	{StatusDelay, "delay"},
	{StatusError, "error"},
	{StatusInternalErr, "internal_err"},
	{StatusSlaveErr, "slave_err"},
	{StatusDecodeErr, "decode_err"},
}

func (s Status) String() string {
	var parts []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "running"
	}
	return strings.Join(parts, "|")
}

// Coalesce configures interrupt coalescing for one direction of a channel:
// an interrupt is raised after Threshold completions, or WaitBound delay
// timer ticks after the last completion.
type Coalesce struct {
	Threshold uint8 `yaml:"threshold"`
	WaitBound uint8 `yaml:"wait-bound"`
}

var (
	DefaultTxCoalesce = Coalesce{Threshold: 24, WaitBound: 254}
	DefaultRxCoalesce = Coalesce{Threshold: 1, WaitBound: 254}
)

// Engine is a DMA engine with one or more channels, each with a TX and an
// RX direction.
type Engine interface {
	Channels() int
	// Configure programs the ring base and coalescing. The channel must be
	// halted.
	Configure(dir ring.Direction, ch int, base uint64, capacity uint32, c Coalesce) error
	Start(dir ring.Direction, ch int) error
	// Stop clears the run bit and waits for the halt acknowledgment.
	// Failure to halt in time is reported with ErrHaltTimeout.
	Stop(ctx context.Context, dir ring.Direction, ch int) error
	Reset(ctx context.Context, dir ring.Direction, ch int) error
	// Kick hands descriptors up to and including tail to hardware.
	Kick(dir ring.Direction, ch int, tail uint64)
	PollStatus(dir ring.Direction, ch int) Status
	// ClearStatus acknowledges the interrupt and error bits in s.
	ClearStatus(dir ring.Direction, ch int, s Status)
	EnableInterrupts(dir ring.Direction, ch int, on bool)
}

// ChannelPauser is implemented by engines that can hold a single channel's
// transmit scheduling without resetting it.
type ChannelPauser interface {
	PauseChannel(ch int) error
	ResumeChannel(ch int) error
}

// Weighter is implemented by engines with per-channel TX arbitration
// weights.
type Weighter interface {
	SetWeight(ch int, w uint8) error
	Weight(ch int) uint8
}

const (
	DefaultHaltTimeout  = 5 * time.Millisecond
	DefaultResetTimeout = 5 * time.Millisecond
)

type Options struct {
	HaltTimeout  time.Duration
	ResetTimeout time.Duration
	Log          logrus.FieldLogger
}

func (o *Options) setDefaults() {
	if o.HaltTimeout == 0 {
		o.HaltTimeout = DefaultHaltTimeout
	}
	if o.ResetTimeout == 0 {
		o.ResetTimeout = DefaultResetTimeout
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
}
