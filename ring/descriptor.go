package ring

import (
	"strings"
	"sync/atomic"

	"github.com/romshark/tsn-dma-go/umem"
)

// DescriptorSize is the stride between descriptors in ring memory.
const DescriptorSize = 64

type Direction uint8

const (
	TX Direction = iota
	RX
)

func (d Direction) String() string {
	switch d {
	case TX:
		return "tx"
	case RX:
		return "rx"
	}
	return "unknown"
}

// Ctrl is the software-written control word of a descriptor.
type Ctrl uint32

const (
	CtrlLengthMask Ctrl = 0x007FFFFF
	CtrlEOF        Ctrl = 0x04000000 // last segment of a packet
	CtrlSOF        Ctrl = 0x08000000 // first segment of a packet
)

func (c Ctrl) Len() uint32 { return uint32(c & CtrlLengthMask) }

// Status is the hardware write-back word of a descriptor.
type Status uint32

const (
	StatusLengthMask  Status = 0x007FFFFF
	StatusRxEOF       Status = 0x04000000
	StatusRxSOF       Status = 0x08000000
	StatusInternalErr Status = 0x10000000
	StatusSlaveErr    Status = 0x20000000
	StatusDecodeErr   Status = 0x40000000
	StatusComplete    Status = 0x80000000

	StatusErrMask = StatusInternalErr | StatusSlaveErr | StatusDecodeErr
)

func (s Status) Len() uint32 { return uint32(s & StatusLengthMask) }

func (s Status) Complete() bool { return s&StatusComplete != 0 }

func (s Status) Err() bool { return s&StatusErrMask != 0 }

func (s Status) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit  Status
		name string
	}{
		{StatusComplete, "complete"},
		{StatusDecodeErr, "decode_err"},
		{StatusSlaveErr, "slave_err"},
		{StatusInternalErr, "internal_err"},
		{StatusRxSOF, "sof"},
		{StatusRxEOF, "eof"},
	} {
		if s&f.bit == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(f.name)
	}
	if b.Len() == 0 {
		return "pending"
	}
	return b.String()
}

// Descriptor is one ring slot. Between post and retire the bound buffer is
// owned by hardware; the software fields must not change in that window.
// Hardware only ever writes the status word.
type Descriptor struct {
	addr   uint64
	ctrl   Ctrl
	status atomic.Uint32

	frame  umem.Frame
	handle any
	hw     bool
}

// BusAddr returns the bus address of the bound buffer.
func (d *Descriptor) BusAddr() uint64 { return d.addr }

// Control returns the control word.
func (d *Descriptor) Control() Ctrl { return d.ctrl }

// Status returns the last status written back by hardware.
func (d *Descriptor) Status() Status { return Status(d.status.Load()) }

// Frame returns the bound buffer.
func (d *Descriptor) Frame() umem.Frame { return d.frame }

// Complete is the hardware write-back: it records the transferred length and
// the completion and error bits in a single store.
func (d *Descriptor) Complete(n uint32, st Status) {
	d.status.Store(uint32(StatusComplete | st&^StatusLengthMask | Status(n)&StatusLengthMask))
}

func (d *Descriptor) post(addr uint64, ctrl Ctrl, f umem.Frame, handle any) {
	d.addr = addr
	d.ctrl = ctrl
	d.frame = f
	d.handle = handle
	d.hw = true
	// Release store; the tail kick that follows orders it before hardware
	// can fetch the descriptor.
	d.status.Store(0)
}

func (d *Descriptor) clear() {
	d.addr = 0
	d.ctrl = 0
	d.frame = umem.Frame{}
	d.handle = nil
	d.hw = false
	d.status.Store(0)
}
