package hwsim

import (
	"sync"

	"github.com/romshark/tsn-dma-go/qbv"
	"github.com/romshark/tsn-dma-go/regs"
)

// store writes registers without running the window's hook.
type store struct{ m *regs.Mem }

func (s store) Read32(off uint32) uint32     { return s.m.Read32(off) }
func (s store) Write32(off uint32, v uint32) { s.m.Store32(off, v) }

// Shaper models the gate shaper register file. Setting config-change arms
// the admin bank; Tick swaps it in once the clock has reached its base
// time.
type Shaper struct {
	mu     sync.Mutex
	win    *regs.Mem
	clock  *Clock
	armed  bool
	stuck  bool
	onSwap []func()
	swaps  int
}

func NewShaper(clock *Clock) *Shaper {
	s := &Shaper{win: regs.NewMem(qbv.WindowSize), clock: clock}
	s.win.SetHook(s.hook)
	return s
}

func (s *Shaper) Registers() regs.Registers { return s.win }

// OnSwap registers fn to run after every swap.
func (s *Shaper) OnSwap(fn func()) {
	s.mu.Lock()
	s.onSwap = append(s.onSwap, fn)
	s.mu.Unlock()
}

// SetStuck makes the shaper ignore requests to turn gating off.
func (s *Shaper) SetStuck(on bool) {
	s.mu.Lock()
	s.stuck = on
	s.mu.Unlock()
}

// Armed reports whether a committed admin schedule waits for its base time.
func (s *Shaper) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Shaper) Swaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swaps
}

func (s *Shaper) hook(off, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch off {
	case qbv.RegControl:
		if v&qbv.CtrlEnable == 0 {
			s.armed = false
			s.win.Store32(off, v&^qbv.CtrlConfigChange)
			if !s.stuck {
				s.win.Update(qbv.RegStatus, func(st uint32) uint32 {
					return st &^ (qbv.StatusEnabled | qbv.StatusPending)
				})
			}
			return
		}
		s.win.Store32(off, v)
		s.armed = v&qbv.CtrlConfigChange != 0
		s.win.Update(qbv.RegStatus, func(st uint32) uint32 {
			if s.armed {
				return st | qbv.StatusPending
			}
			return st &^ qbv.StatusPending
		})
	case qbv.RegStatus:
		s.win.Update(off, func(st uint32) uint32 { return st &^ (v & qbv.StatusSwapped) })
	default:
		s.win.Store32(off, v)
	}
}

// Tick performs the pending swap if its base time has been reached and
// reports whether it did.
func (s *Shaper) Tick() bool {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return false
	}
	admin := qbv.ReadBank(s.win, qbv.AdminBank)
	if s.clock.Now().Before(admin.BaseTime) {
		s.mu.Unlock()
		return false
	}
	qbv.WriteBank(store{s.win}, qbv.OperationalBank, admin)
	s.win.Update(qbv.RegStatus, func(st uint32) uint32 {
		return st&^qbv.StatusPending | qbv.StatusEnabled | qbv.StatusSwapped
	})
	s.win.Update(qbv.RegControl, func(c uint32) uint32 { return c &^ qbv.CtrlConfigChange })
	s.armed = false
	s.swaps++
	fire := append([]func(){}, s.onSwap...)
	s.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
	return true
}

// GateOpen reports whether queue q may transmit now.
func (s *Shaper) GateOpen(q int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gateOpen(q)
}

func (s *Shaper) gateOpen(q int) bool {
	sched := qbv.ReadOperational(s.win)
	return sched.GateMaskAt(s.clock.Now())&(1<<uint(q)) != 0
}

// transmit counts an overrun when q sends through a closed gate.
func (s *Shaper) transmit(q int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q >= qbv.MaxQueues || s.gateOpen(q) {
		return
	}
	s.win.Update(qbv.RegOverrun0+4*uint32(q), func(n uint32) uint32 { return n + 1 })
}
