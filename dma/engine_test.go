package dma

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/tsn-dma-go/internal/test"
	"github.com/romshark/tsn-dma-go/regs"
	"github.com/romshark/tsn-dma-go/ring"
)

// axiWindow emulates the halt and reset handshake of one AXI DMA window.
// When stuck is set the channel ignores run/stop and reset.
func axiWindow(stuck *bool) *regs.Mem {
	m := regs.NewMem(AXIDMAWindowSize)
	for _, dir := range []ring.Direction{TX, RX} {
		m.Store32(AXIDMABlock(dir).SR, AXIDMABits.Halted)
	}
	m.SetHook(func(off, v uint32) {
		for _, dir := range []ring.Direction{TX, RX} {
			b := AXIDMABlock(dir)
			switch off {
			case b.CR:
				if stuck != nil && *stuck {
					m.Store32(off, v)
					return
				}
				if v&AXIDMABits.Reset != 0 {
					m.Store32(b.SR, AXIDMABits.Halted)
					m.Store32(off, 0)
					return
				}
				m.Update(b.SR, func(sr uint32) uint32 {
					if v&AXIDMABits.RunStop != 0 {
						return sr &^ AXIDMABits.Halted
					}
					return sr | AXIDMABits.Halted
				})
				m.Store32(off, v)
				return
			case b.SR:
				m.Update(off, func(sr uint32) uint32 {
					return sr &^ (v & AXIDMABits.Clearable())
				})
				return
			}
		}
		m.Store32(off, v)
	})
	return m
}

func opts() Options {
	return Options{
		HaltTimeout:  2 * time.Millisecond,
		ResetTimeout: 2 * time.Millisecond,
		Log:          test.NewLogger(),
	}
}

func TestAXIDMAConfigure(t *testing.T) {
	w := axiWindow(nil)
	e, err := NewAXIDMA([]regs.Registers{w}, opts())
	require.NoError(t, err)
	require.Equal(t, 1, e.Channels())

	require.NoError(t, e.Configure(TX, 0, 0x1_2345_6780, 64, Coalesce{Threshold: 24, WaitBound: 254}))
	assert.Equal(t, uint64(0x1_2345_6780), regs.Read64(w, AXIDMABlock(TX).CurDesc))
	cr := w.Read32(AXIDMABlock(TX).CR)
	assert.Equal(t, uint32(24), cr&CoalesceMask>>CoalesceShift)
	assert.Equal(t, uint32(254), cr&DelayMask>>DelayShift)

	// Reconfiguring replaces the coalescing fields only.
	w.Store32(AXIDMABlock(RX).CR, AXIDMABits.IOC)
	require.NoError(t, e.Configure(RX, 0, 0x8000, 128, DefaultRxCoalesce))
	cr = w.Read32(AXIDMABlock(RX).CR)
	assert.Equal(t, AXIDMABits.IOC, cr&AXIDMABits.IOC)
	assert.Equal(t, uint32(1), cr&CoalesceMask>>CoalesceShift)

	assert.ErrorIs(t, e.Configure(TX, 1, 0, 64, Coalesce{}), ErrChannelRange)
	assert.ErrorIs(t, e.Configure(TX, 0, 0, 1, Coalesce{}), ErrCapacityRange)
}

func TestAXIDMAStartStop(t *testing.T) {
	w := axiWindow(nil)
	e, err := NewAXIDMA([]regs.Registers{w}, opts())
	require.NoError(t, err)

	require.NoError(t, e.Start(TX, 0))
	assert.Equal(t, Status(0), e.PollStatus(TX, 0)&StatusHalted)

	require.NoError(t, e.Stop(context.Background(), TX, 0))
	assert.NotZero(t, e.PollStatus(TX, 0)&StatusHalted)
}

func TestStopHaltTimeout(t *testing.T) {
	stuck := false
	w := axiWindow(&stuck)
	e, err := NewAXIDMA([]regs.Registers{w}, opts())
	require.NoError(t, err)
	require.NoError(t, e.Start(RX, 0))

	stuck = true
	w.Store32(AXIDMABlock(RX).SR, 0)
	start := time.Now()
	err = e.Stop(context.Background(), RX, 0)
	require.ErrorIs(t, err, ErrHaltTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStopContextCanceled(t *testing.T) {
	stuck := true
	w := axiWindow(&stuck)
	e, err := NewAXIDMA([]regs.Registers{w}, Options{HaltTimeout: time.Hour, Log: test.NewLogger()})
	require.NoError(t, err)
	w.Store32(AXIDMABlock(TX).SR, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Stop(ctx, TX, 0), ErrHaltTimeout)
}

func TestReset(t *testing.T) {
	stuck := false
	w := axiWindow(&stuck)
	e, err := NewAXIDMA([]regs.Registers{w}, opts())
	require.NoError(t, err)
	require.NoError(t, e.Start(TX, 0))
	require.NoError(t, e.Reset(context.Background(), TX, 0))
	assert.Zero(t, w.Read32(AXIDMABlock(TX).CR))
	assert.NotZero(t, e.PollStatus(TX, 0)&StatusHalted)

	stuck = true
	assert.ErrorIs(t, e.Reset(context.Background(), TX, 0), ErrResetTimeout)
}

func TestStatusDecodeAndClear(t *testing.T) {
	w := axiWindow(nil)
	e, err := NewAXIDMA([]regs.Registers{w}, opts())
	require.NoError(t, err)

	sr := AXIDMABlock(TX).SR
	w.Store32(sr, AXIDMABits.IOC|AXIDMABits.Err|AXIDMABits.DecodeErr|AXIDMABits.Halted)
	st := e.PollStatus(TX, 0)
	assert.True(t, st.Faulted())
	assert.True(t, st.Completions())
	assert.Equal(t, "halted|ioc|error|decode_err", st.String())

	e.ClearStatus(TX, 0, StatusIOC)
	assert.Equal(t, StatusHalted|StatusError|StatusDecodeErr, e.PollStatus(TX, 0))

	// Halted is read-only and survives a clear of everything.
	e.ClearStatus(TX, 0, st)
	assert.Equal(t, StatusHalted, e.PollStatus(TX, 0))
	assert.Equal(t, "running", Status(0).String())
}

func TestEnableInterrupts(t *testing.T) {
	w := axiWindow(nil)
	e, err := NewAXIDMA([]regs.Registers{w}, opts())
	require.NoError(t, err)

	e.EnableInterrupts(RX, 0, true)
	assert.Equal(t, AXIDMABits.IRQ(), w.Read32(AXIDMABlock(RX).CR)&AXIDMABits.IRQ())
	e.EnableInterrupts(RX, 0, false)
	assert.Zero(t, w.Read32(AXIDMABlock(RX).CR)&AXIDMABits.IRQ())
}

func TestKickWritesTail(t *testing.T) {
	w := regs.NewMem(AXIDMAWindowSize)
	var order []uint32
	w.SetHook(func(off, v uint32) {
		order = append(order, off)
		w.Store32(off, v)
	})
	e, err := NewAXIDMA([]regs.Registers{w}, opts())
	require.NoError(t, err)

	e.Kick(RX, 0, 0xABCD_0000_1040)
	assert.Equal(t, uint64(0xABCD_0000_1040), regs.Read64(w, AXIDMABlock(RX).TailDesc))
	tail := AXIDMABlock(RX).TailDesc
	assert.Equal(t, []uint32{tail + 4, tail}, order)
}

func TestNewAXIDMANoWindows(t *testing.T) {
	_, err := NewAXIDMA(nil, Options{})
	assert.ErrorIs(t, err, ErrNoChannels)
}

func TestMCDMALayout(t *testing.T) {
	assert.Equal(t, Block{CR: 0x40, SR: 0x44, CurDesc: 0x48, TailDesc: 0x50}, MCDMABlock(TX, 0))
	assert.Equal(t, Block{CR: 0x80, SR: 0x84, CurDesc: 0x88, TailDesc: 0x90}, MCDMABlock(TX, 1))
	assert.Equal(t, Block{CR: 0x540, SR: 0x544, CurDesc: 0x548, TailDesc: 0x550}, MCDMABlock(RX, 0))
	last := MCDMABlock(RX, MCDMAMaxChannels-1)
	assert.Less(t, last.TailDesc+4, uint32(MCDMAWindowSize))
}

func TestMCDMAStartEnablesChannel(t *testing.T) {
	w := regs.NewMem(MCDMAWindowSize)
	e, err := NewMCDMA(w, 4, opts())
	require.NoError(t, err)
	assert.Equal(t, 4, e.Channels())

	require.NoError(t, e.Start(TX, 2))
	assert.Equal(t, MCDMABits.RunStop, w.Read32(MCDMACommonCR)&MCDMABits.RunStop)
	assert.Equal(t, uint32(1<<2), w.Read32(MCDMAChannelEnable))
	assert.Equal(t, MCDMABits.RunStop, w.Read32(MCDMABlock(TX, 2).CR)&MCDMABits.RunStop)

	require.NoError(t, e.Start(RX, 1))
	assert.Equal(t, uint32(1<<1), w.Read32(MCDMARxOffset+MCDMAChannelEnable))

	assert.ErrorIs(t, e.Start(TX, 4), ErrChannelRange)
}

func TestMCDMAPauseResume(t *testing.T) {
	w := regs.NewMem(MCDMAWindowSize)
	e, err := NewMCDMA(w, 3, opts())
	require.NoError(t, err)
	require.NoError(t, e.Start(TX, 0))
	require.NoError(t, e.Start(TX, 1))

	require.NoError(t, e.PauseChannel(1))
	assert.Equal(t, uint32(1<<0), w.Read32(MCDMAChannelEnable))
	require.NoError(t, e.ResumeChannel(1))
	assert.Equal(t, uint32(1<<0|1<<1), w.Read32(MCDMAChannelEnable))

	assert.ErrorIs(t, e.PauseChannel(-1), ErrChannelRange)
}

func TestMCDMAWeights(t *testing.T) {
	w := regs.NewMem(MCDMAWindowSize)
	e, err := NewMCDMA(w, 10, opts())
	require.NoError(t, err)

	require.NoError(t, e.SetWeight(1, 7))
	require.NoError(t, e.SetWeight(9, 15))
	assert.Equal(t, uint8(7), e.Weight(1))
	assert.Equal(t, uint8(15), e.Weight(9))
	assert.Equal(t, uint32(7<<4), w.Read32(MCDMATxWeight0))
	assert.Equal(t, uint32(15<<4), w.Read32(MCDMATxWeight0+4))

	err = e.SetWeight(0, 16)
	assert.True(t, errors.Is(err, ErrWeightRange))

	_, err = NewMCDMA(w, MCDMAMaxChannels+1, Options{})
	assert.ErrorIs(t, err, ErrChannelRange)
}
