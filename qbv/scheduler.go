package qbv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/tsn-dma-go/internal/poll"
	"github.com/romshark/tsn-dma-go/regs"
)

var (
	ErrSwapPending = errors.New("a schedule is pending and force is not set")
	ErrAckTimeout  = errors.New("shaper did not acknowledge disable")
	ErrQueues      = errors.New("queue count out of range")
)

// GateController holds queue gates closed on behalf of schedules.
type GateController interface {
	Disable(q int) error
	Enable(q int) error
	Reset() error
}

// Clock reads the PTP time the shaper runs on.
type Clock interface {
	Now() Timestamp
}

const DefaultAckTimeout = 10 * time.Millisecond

type Config struct {
	Queues     int
	AckTimeout time.Duration
	// Clock is optional; it is used to report schedules whose base time has
	// already passed.
	Clock Clock
	Log   logrus.FieldLogger
}

// ballot records the queues a schedule voted closed when it was installed.
type ballot struct {
	sched    Schedule
	excluded QueueSet
}

// Status is a snapshot of the shaper.
type Status struct {
	Operational Schedule
	// Pending is the installed schedule that has not taken effect yet.
	Pending *Schedule
	// Overruns counts, per queue, frames that reached a closed gate.
	Overruns []uint64
}

// Scheduler installs, swaps and destroys gate schedules on one shaper.
type Scheduler struct {
	lock       sync.Mutex
	r          regs.Registers
	gates      GateController
	clock      Clock
	queues     int
	ackTimeout time.Duration
	l          logrus.FieldLogger

	admin      *ballot
	superseded []*ballot
	oper       *ballot

	overruns []uint64
	lastRaw  []uint32
}

func New(r regs.Registers, gates GateController, conf Config) (*Scheduler, error) {
	if conf.Queues < 1 || conf.Queues > MaxQueues {
		return nil, fmt.Errorf("%w: %d", ErrQueues, conf.Queues)
	}
	if conf.AckTimeout == 0 {
		conf.AckTimeout = DefaultAckTimeout
	}
	if conf.Log == nil {
		conf.Log = logrus.StandardLogger()
	}
	s := &Scheduler{
		r:          r,
		gates:      gates,
		clock:      conf.Clock,
		queues:     conf.Queues,
		ackTimeout: conf.AckTimeout,
		l:          conf.Log,
		overruns:   make([]uint64, conf.Queues),
		lastRaw:    make([]uint32, conf.Queues),
	}
	for q := range s.lastRaw {
		s.lastRaw[q] = r.Read32(RegOverrun0 + 4*uint32(q))
	}
	return s, nil
}

// Install validates req and arms it in the admin bank. Every queue the
// schedule never opens is closed before the commit bit is set, so no frame
// can reach a gate the new schedule keeps shut. The queues open again when
// a later schedule that includes them takes effect, or on Destroy.
func (s *Scheduler) Install(req Request) error {
	if err := Validate(req.Schedule, s.queues); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.admin != nil {
		// A swap that happened but was not handled yet.
		s.swapLocked()
	}
	if s.admin != nil && !req.Force {
		return ErrSwapPending
	}

	excluded := AllQueues(s.queues) &^ req.RequiredQueues()
	var closed []int
	for _, q := range excluded.Queues() {
		if err := s.gates.Disable(q); err != nil {
			for _, c := range closed {
				if rerr := s.gates.Enable(c); rerr != nil {
					s.l.WithError(rerr).WithField("queue", c).Error("failed to roll back queue disable")
				}
			}
			return fmt.Errorf("disabling queue %d: %w", q, err)
		}
		closed = append(closed, q)
	}

	if s.admin != nil {
		// Abort the armed commit; the superseded schedule keeps its votes
		// until the next swap.
		regs.AndNot(s.r, RegControl, CtrlConfigChange)
		s.superseded = append(s.superseded, s.admin)
		s.l.WithField("excluded", s.admin.excluded).Info("pending gate schedule superseded")
	}

	sched := req.Schedule
	sched.Entries = append([]Entry(nil), req.Entries...)
	WriteBank(s.r, AdminBank, sched)
	s.r.Write32(RegStatus, StatusSwapped)
	regs.Or(s.r, RegControl, CtrlEnable|CtrlConfigChange)
	s.admin = &ballot{sched: sched, excluded: excluded}

	fields := logrus.Fields{
		"cycleTimeNs": sched.CycleTimeNs,
		"baseTime":    sched.BaseTime,
		"entries":     len(sched.Entries),
		"excluded":    excluded,
	}
	if s.clock != nil {
		if now := s.clock.Now(); sched.BaseTime.Before(now) {
			fields["effective"] = sched.NextCycleStart(now)
			s.l.WithFields(fields).Info("gate schedule base time already passed, taking effect at next cycle")
			return nil
		}
	}
	s.l.WithFields(fields).Info("gate schedule installed")
	return nil
}

// HandleSwap is called when the shaper reports that the admin schedule
// became operational. The votes of the schedule it replaced, and of
// schedules superseded before taking effect, are withdrawn. Notifications
// the status register does not confirm are ignored.
func (s *Scheduler) HandleSwap() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.swapLocked() {
		s.l.Debug("spurious gate schedule swap ignored")
	}
}

// swapLocked promotes the admin schedule if the shaper latched a swap and
// has nothing armed. Must hold s.lock.
func (s *Scheduler) swapLocked() bool {
	st := s.r.Read32(RegStatus)
	if st&StatusSwapped == 0 || st&StatusPending != 0 {
		return false
	}
	s.r.Write32(RegStatus, StatusSwapped)
	if s.admin == nil {
		return false
	}

	release := s.superseded
	if s.oper != nil {
		release = append(release, s.oper)
	}
	s.oper, s.admin, s.superseded = s.admin, nil, nil

	for _, b := range release {
		for _, q := range b.excluded.Queues() {
			if err := s.gates.Enable(q); err != nil {
				s.l.WithError(err).WithField("queue", q).Error("failed to re-enable queue")
			}
		}
	}
	s.l.WithFields(logrus.Fields{
		"cycleTimeNs": s.oper.sched.CycleTimeNs,
		"excluded":    s.oper.excluded,
	}).Info("gate schedule operational")
	return true
}

// Watch polls the swap status bit every interval and calls HandleSwap on
// each swap. It returns when ctx is done.
func (s *Scheduler) Watch(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if s.r.Read32(RegStatus)&StatusSwapped != 0 {
			s.HandleSwap()
		}
	}
}

// Destroy turns gating off. Once the shaper acknowledges, every queue is
// enabled again regardless of outstanding votes.
func (s *Scheduler) Destroy(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	regs.AndNot(s.r, RegControl, CtrlEnable|CtrlConfigChange)
	s.r.Write32(AdminBank.CycleTime, 0)
	s.r.Write32(AdminBank.Length, 0)

	off := poll.Until(ctx, s.ackTimeout, func() bool {
		return s.r.Read32(RegStatus)&StatusEnabled == 0
	})
	if !off {
		return fmt.Errorf("%w after %s", ErrAckTimeout, s.ackTimeout)
	}

	s.r.Write32(RegStatus, StatusSwapped)
	s.admin, s.superseded, s.oper = nil, nil, nil
	if err := s.gates.Reset(); err != nil {
		return fmt.Errorf("resetting queue gates: %w", err)
	}
	s.l.Info("gate schedule destroyed")
	return nil
}

// Read returns the schedule in effect as reported by hardware.
func (s *Scheduler) Read() Schedule { return ReadOperational(s.r) }

func (s *Scheduler) Status() Status {
	s.lock.Lock()
	defer s.lock.Unlock()

	st := Status{
		Operational: ReadOperational(s.r),
		Overruns:    make([]uint64, s.queues),
	}
	if s.admin != nil {
		p := s.admin.sched
		st.Pending = &p
	}
	for q := range s.overruns {
		raw := s.r.Read32(RegOverrun0 + 4*uint32(q))
		s.overruns[q] += uint64(raw - s.lastRaw[q])
		s.lastRaw[q] = raw
	}
	copy(st.Overruns, s.overruns)
	return st
}
