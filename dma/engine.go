package dma

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/tsn-dma-go/internal/poll"
	"github.com/romshark/tsn-dma-go/regs"
	"github.com/romshark/tsn-dma-go/ring"
)

type channel struct {
	r   regs.Registers
	blk [2]Block
}

// blockEngine implements Engine over per-channel register blocks. The
// variants differ in how blocks are located and in the extra capabilities
// they add on top.
type blockEngine struct {
	bits  Bits
	chans []channel
	opts  Options
}

func (e *blockEngine) Channels() int { return len(e.chans) }

func (e *blockEngine) block(dir ring.Direction, ch int) (regs.Registers, Block, error) {
	if ch < 0 || ch >= len(e.chans) {
		return nil, Block{}, fmt.Errorf("%w: %d", ErrChannelRange, ch)
	}
	c := &e.chans[ch]
	return c.r, c.blk[dir], nil
}

func (e *blockEngine) Configure(dir ring.Direction, ch int, base uint64, capacity uint32, c Coalesce) error {
	r, b, err := e.block(dir, ch)
	if err != nil {
		return err
	}
	if capacity < 2 {
		return fmt.Errorf("%w: %d", ErrCapacityRange, capacity)
	}
	regs.Write64(r, b.CurDesc, base)

	cr := r.Read32(b.CR) &^ (CoalesceMask | DelayMask)
	cr |= uint32(c.Threshold)<<CoalesceShift | uint32(c.WaitBound)<<DelayShift
	r.Write32(b.CR, cr)

	e.opts.Log.WithFields(logrus.Fields{
		"dir": dir, "channel": ch, "base": fmt.Sprintf("%#x", base), "capacity": capacity,
	}).Debug("dma channel configured")
	return nil
}

func (e *blockEngine) Start(dir ring.Direction, ch int) error {
	r, b, err := e.block(dir, ch)
	if err != nil {
		return err
	}
	regs.Or(r, b.CR, e.bits.RunStop)
	return nil
}

func (e *blockEngine) Stop(ctx context.Context, dir ring.Direction, ch int) error {
	r, b, err := e.block(dir, ch)
	if err != nil {
		return err
	}
	regs.AndNot(r, b.CR, e.bits.RunStop)
	halted := poll.Until(ctx, e.opts.HaltTimeout, func() bool {
		return r.Read32(b.SR)&e.bits.Halted != 0
	})
	if !halted {
		return fmt.Errorf("%w: %s channel %d after %s", ErrHaltTimeout, dir, ch, e.opts.HaltTimeout)
	}
	return nil
}

func (e *blockEngine) Reset(ctx context.Context, dir ring.Direction, ch int) error {
	r, b, err := e.block(dir, ch)
	if err != nil {
		return err
	}
	regs.Or(r, b.CR, e.bits.Reset)
	done := poll.Until(ctx, e.opts.ResetTimeout, func() bool {
		return r.Read32(b.CR)&e.bits.Reset == 0
	})
	if !done {
		return fmt.Errorf("%w: %s channel %d after %s", ErrResetTimeout, dir, ch, e.opts.ResetTimeout)
	}
	return nil
}

func (e *blockEngine) Kick(dir ring.Direction, ch int, tail uint64) {
	c := &e.chans[ch]
	regs.Write64(c.r, c.blk[dir].TailDesc, tail)
}

func (e *blockEngine) PollStatus(dir ring.Direction, ch int) Status {
	c := &e.chans[ch]
	return e.bits.decode(c.r.Read32(c.blk[dir].SR))
}

func (e *blockEngine) ClearStatus(dir ring.Direction, ch int, s Status) {
	c := &e.chans[ch]
	if raw := e.bits.encode(s) & e.bits.Clearable(); raw != 0 {
		c.r.Write32(c.blk[dir].SR, raw)
	}
}

func (e *blockEngine) EnableInterrupts(dir ring.Direction, ch int, on bool) {
	c := &e.chans[ch]
	if on {
		regs.Or(c.r, c.blk[dir].CR, e.bits.IRQ())
	} else {
		regs.AndNot(c.r, c.blk[dir].CR, e.bits.IRQ())
	}
}

// AXIDMA is a set of single-channel AXI DMA engines, one per queue.
type AXIDMA struct {
	blockEngine
}

var _ Engine = (*AXIDMA)(nil)

// NewAXIDMA returns an engine with one channel per register window.
func NewAXIDMA(windows []regs.Registers, opts Options) (*AXIDMA, error) {
	if len(windows) == 0 {
		return nil, ErrNoChannels
	}
	opts.setDefaults()
	chans := make([]channel, len(windows))
	for i, w := range windows {
		chans[i] = channel{r: w, blk: [2]Block{AXIDMABlock(TX), AXIDMABlock(RX)}}
	}
	return &AXIDMA{blockEngine{bits: AXIDMABits, chans: chans, opts: opts}}, nil
}

// MCDMA is a multichannel DMA engine.
type MCDMA struct {
	blockEngine
	r regs.Registers
}

var (
	_ Engine        = (*MCDMA)(nil)
	_ ChannelPauser = (*MCDMA)(nil)
	_ Weighter      = (*MCDMA)(nil)
)

// NewMCDMA returns an engine driving channels channels of one MCDMA
// register window.
func NewMCDMA(window regs.Registers, channels int, opts Options) (*MCDMA, error) {
	if channels < 1 || channels > MCDMAMaxChannels {
		return nil, fmt.Errorf("%w: %d channels", ErrChannelRange, channels)
	}
	opts.setDefaults()
	chans := make([]channel, channels)
	for i := range chans {
		chans[i] = channel{r: window, blk: [2]Block{MCDMABlock(TX, i), MCDMABlock(RX, i)}}
	}
	return &MCDMA{
		blockEngine: blockEngine{bits: MCDMABits, chans: chans, opts: opts},
		r:           window,
	}, nil
}

// Start runs the shared direction control and enables the channel before
// setting the channel's own run bit.
func (m *MCDMA) Start(dir ring.Direction, ch int) error {
	if ch < 0 || ch >= len(m.chans) {
		return fmt.Errorf("%w: %d", ErrChannelRange, ch)
	}
	base := MCDMADirBase(dir)
	regs.Or(m.r, base+MCDMACommonCR, m.bits.RunStop)
	regs.Or(m.r, base+MCDMAChannelEnable, 1<<uint(ch))
	return m.blockEngine.Start(dir, ch)
}

// PauseChannel removes the channel from TX arbitration. Descriptors stay
// posted and resume on ResumeChannel.
func (m *MCDMA) PauseChannel(ch int) error {
	if ch < 0 || ch >= len(m.chans) {
		return fmt.Errorf("%w: %d", ErrChannelRange, ch)
	}
	regs.AndNot(m.r, MCDMADirBase(TX)+MCDMAChannelEnable, 1<<uint(ch))
	return nil
}

func (m *MCDMA) ResumeChannel(ch int) error {
	if ch < 0 || ch >= len(m.chans) {
		return fmt.Errorf("%w: %d", ErrChannelRange, ch)
	}
	regs.Or(m.r, MCDMADirBase(TX)+MCDMAChannelEnable, 1<<uint(ch))
	return nil
}

// SetWeight sets the TX arbitration weight (0-15) of a channel.
func (m *MCDMA) SetWeight(ch int, w uint8) error {
	if ch < 0 || ch >= len(m.chans) {
		return fmt.Errorf("%w: %d", ErrChannelRange, ch)
	}
	if w > 0xF {
		return fmt.Errorf("%w: %d > 15", ErrWeightRange, w)
	}
	off, shift := weightReg(ch)
	v := m.r.Read32(off)
	v = v&^(0xF<<shift) | uint32(w)<<shift
	m.r.Write32(off, v)
	return nil
}

func (m *MCDMA) Weight(ch int) uint8 {
	off, shift := weightReg(ch)
	return uint8(m.r.Read32(off) >> shift & 0xF)
}

// weightReg packs eight 4-bit weights per register.
func weightReg(ch int) (off uint32, shift uint32) {
	return MCDMATxWeight0 + 4*uint32(ch/8), 4 * uint32(ch%8)
}
