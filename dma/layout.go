package dma

import "github.com/romshark/tsn-dma-go/ring"

// Bits is the bit assignment of a channel's control (CR) and status (SR)
// registers. Interrupt enable bits in CR sit at the same positions as the
// interrupt status bits in SR.
type Bits struct {
	RunStop uint32
	Reset   uint32

	Halted uint32
	Idle   uint32

	IOC   uint32
	Delay uint32
	Err   uint32

	InternalErr uint32
	SlaveErr    uint32
	DecodeErr   uint32
}

const (
	CoalesceShift = 16
	CoalesceMask  = 0xFF << CoalesceShift
	DelayShift    = 24
	DelayMask     = 0xFF << DelayShift
)

// IRQ returns the interrupt bits.
func (b Bits) IRQ() uint32 { return b.IOC | b.Delay | b.Err }

// Clearable returns the write-one-to-clear bits of SR.
func (b Bits) Clearable() uint32 {
	return b.IRQ() | b.InternalErr | b.SlaveErr | b.DecodeErr
}

func (b Bits) decode(raw uint32) Status {
	var s Status
	for _, m := range b.mapping() {
		if raw&m.raw != 0 {
			s |= m.st
		}
	}
	return s
}

func (b Bits) encode(s Status) uint32 {
	var raw uint32
	for _, m := range b.mapping() {
		if s&m.st != 0 {
			raw |= m.raw
		}
	}
	return raw
}

type bitMap struct {
	raw uint32
	st  Status
}

func (b Bits) mapping() [8]bitMap {
	return [8]bitMap{
		{b.Halted, StatusHalted},
		{b.Idle, StatusIdle},
		{b.IOC, StatusIOC},
		{b.Delay, StatusDelay},
		{b.Err, StatusError},
		{b.InternalErr, StatusInternalErr},
		{b.SlaveErr, StatusSlaveErr},
		{b.DecodeErr, StatusDecodeErr},
	}
}

// Block locates the registers of one direction of one channel. CurDesc and
// TailDesc are low/high register pairs; hardware latches the tail on the
// low word.
type Block struct {
	CR       uint32
	SR       uint32
	CurDesc  uint32
	TailDesc uint32
}

// AXI DMA: one channel per register window.
var AXIDMABits = Bits{
	RunStop:     1 << 0,
	Reset:       1 << 2,
	Halted:      1 << 0,
	Idle:        1 << 1,
	InternalErr: 1 << 4,
	SlaveErr:    1 << 5,
	DecodeErr:   1 << 6,
	IOC:         1 << 12,
	Delay:       1 << 13,
	Err:         1 << 14,
}

const AXIDMAWindowSize = 0x50

func AXIDMABlock(dir ring.Direction) Block {
	if dir == RX {
		return Block{CR: 0x30, SR: 0x34, CurDesc: 0x38, TailDesc: 0x40}
	}
	return Block{CR: 0x00, SR: 0x04, CurDesc: 0x08, TailDesc: 0x10}
}

// Multichannel DMA: shared control per direction plus per-channel blocks.
var MCDMABits = Bits{
	RunStop:     1 << 0,
	Reset:       1 << 2,
	Halted:      1 << 0,
	Idle:        1 << 1,
	IOC:         1 << 5,
	Delay:       1 << 6,
	Err:         1 << 7,
	InternalErr: 1 << 8,
	SlaveErr:    1 << 9,
	DecodeErr:   1 << 10,
}

const (
	MCDMAMaxChannels = 16
	MCDMAWindowSize  = 0xA00

	MCDMACommonCR      = 0x00
	MCDMACommonSR      = 0x04
	MCDMAChannelEnable = 0x08
	MCDMATxWeight0     = 0x18
	MCDMARxOffset      = 0x500

	mcdmaChanBase   = 0x40
	mcdmaChanStride = 0x40
)

// MCDMADirBase returns the offset of a direction's register group.
func MCDMADirBase(dir ring.Direction) uint32 {
	if dir == RX {
		return MCDMARxOffset
	}
	return 0
}

func MCDMABlock(dir ring.Direction, ch int) Block {
	b := MCDMADirBase(dir) + mcdmaChanBase + uint32(ch)*mcdmaChanStride
	return Block{CR: b, SR: b + 0x04, CurDesc: b + 0x08, TailDesc: b + 0x10}
}

// TX and RX alias the ring directions.
const (
	TX = ring.TX
	RX = ring.RX
)
