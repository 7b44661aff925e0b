package qbv

import "github.com/romshark/tsn-dma-go/regs"

// Shaper register window.
const (
	RegControl = 0x000
	RegStatus  = 0x004

	// RegOverrun0 is the first of MaxQueues wrapping 32-bit counters of
	// frames that reached a closed gate.
	RegOverrun0 = 0x080

	WindowSize = 0x3000
)

const (
	CtrlEnable       = 1 << 0
	CtrlConfigChange = 1 << 1

	StatusEnabled = 1 << 0
	StatusPending = 1 << 1
	// StatusSwapped latches when the admin bank becomes operational. Write
	// one to clear.
	StatusSwapped = 1 << 2
)

// Bank locates one schedule bank. The base time seconds field is a
// low/high register pair; entries are two words each (gate mask, interval).
type Bank struct {
	CycleTime uint32
	BaseNsec  uint32
	BaseSec   uint32
	Length    uint32
	List      uint32
}

var (
	AdminBank       = Bank{CycleTime: 0x010, BaseNsec: 0x014, BaseSec: 0x018, Length: 0x020, List: 0x1000}
	OperationalBank = Bank{CycleTime: 0x030, BaseNsec: 0x034, BaseSec: 0x038, Length: 0x040, List: 0x2000}
)

const entryStride = 8

func WriteBank(r regs.Registers, b Bank, s Schedule) {
	for i, e := range s.Entries {
		off := b.List + uint32(i)*entryStride
		r.Write32(off, uint32(e.GateMask))
		r.Write32(off+4, e.IntervalNs)
	}
	r.Write32(b.Length, uint32(len(s.Entries)))
	regs.Write64(r, b.BaseSec, s.BaseTime.Sec)
	r.Write32(b.BaseNsec, s.BaseTime.Nsec)
	r.Write32(b.CycleTime, s.CycleTimeNs)
}

func ReadBank(r regs.Registers, b Bank) Schedule {
	s := Schedule{
		CycleTimeNs: r.Read32(b.CycleTime),
		BaseTime:    Timestamp{Sec: regs.Read64(r, b.BaseSec), Nsec: r.Read32(b.BaseNsec)},
	}
	n := r.Read32(b.Length)
	if n > MaxEntries {
		n = MaxEntries
	}
	if n > 0 {
		s.Entries = make([]Entry, n)
	}
	for i := range s.Entries {
		off := b.List + uint32(i)*entryStride
		s.Entries[i] = Entry{GateMask: uint8(r.Read32(off)), IntervalNs: r.Read32(off + 4)}
	}
	return s
}

// ReadOperational returns the schedule in effect, or Disabled while the
// shaper reports gating off.
func ReadOperational(r regs.Registers) Schedule {
	if r.Read32(RegStatus)&StatusEnabled == 0 {
		return Disabled
	}
	return ReadBank(r, OperationalBank)
}
