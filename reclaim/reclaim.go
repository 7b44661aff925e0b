// Package reclaim is the completion bottom half of one DMA channel: it
// retires transmitted packets, harvests received frames and decides when
// interrupts may be unmasked again.
package reclaim

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/tsn-dma-go/dma"
	"github.com/romshark/tsn-dma-go/ring"
)

var ErrNoEngine = errors.New("engine is required")

const DefaultBudget = 64

type State int32

const (
	// Idle: interrupts are enabled and no drain is scheduled.
	Idle State = iota
	// Draining: interrupts are masked until completions are drained.
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "draining"
	}
	return "idle"
}

type Options struct {
	Channel int
	Tx      *ring.TxRing
	Rx      *ring.RxRing
	Engine  dma.Engine
	// Budget bounds the RX descriptors harvested per Poll.
	Budget int
	// PollInterval, if set, makes Run poll without waiting for an
	// interrupt.
	PollInterval time.Duration

	OnTxDone func([]ring.TxDone)
	OnRx     func([]ring.RxDone)
	// OnFault receives the combined status of a faulted channel. The
	// reclaimer stops touching the channel until Resume.
	OnFault func(dma.Status)
	Log     logrus.FieldLogger
}

type Reclaimer struct {
	opts    Options
	state   atomic.Int32
	faulted atomic.Bool
	kick    chan struct{}
	l       logrus.FieldLogger
}

func New(opts Options) (*Reclaimer, error) {
	if opts.Engine == nil {
		return nil, ErrNoEngine
	}
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Reclaimer{
		opts: opts,
		kick: make(chan struct{}, 1),
		l:    opts.Log.WithField("queue", opts.Channel),
	}, nil
}

func (r *Reclaimer) State() State { return State(r.state.Load()) }

// Interrupt is the top half. It masks the channel's interrupts and
// schedules a drain. It never blocks.
func (r *Reclaimer) Interrupt() {
	r.mask()
	r.schedule()
}

func (r *Reclaimer) mask() {
	r.opts.Engine.EnableInterrupts(ring.TX, r.opts.Channel, false)
	r.opts.Engine.EnableInterrupts(ring.RX, r.opts.Channel, false)
	r.state.Store(int32(Draining))
}

func (r *Reclaimer) unmask() {
	r.state.Store(int32(Idle))
	r.opts.Engine.EnableInterrupts(ring.TX, r.opts.Channel, true)
	r.opts.Engine.EnableInterrupts(ring.RX, r.opts.Channel, true)
}

func (r *Reclaimer) schedule() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Resume hands the channel back after fault recovery and schedules a
// drain.
func (r *Reclaimer) Resume() {
	r.faulted.Store(false)
	r.state.Store(int32(Idle))
	r.schedule()
}

func (r *Reclaimer) status() (tx, rx dma.Status) {
	e, ch := r.opts.Engine, r.opts.Channel
	return e.PollStatus(ring.TX, ch), e.PollStatus(ring.RX, ch)
}

// Poll drains completions. Interrupts are unmasked only once a pass finds
// nothing new within budget. It reports whether more work remains.
func (r *Reclaimer) Poll() bool {
	if r.faulted.Load() {
		return false
	}
	e, ch := r.opts.Engine, r.opts.Channel
	budget := r.opts.Budget

	for {
		txSt, rxSt := r.status()
		if st := txSt | rxSt; st.Faulted() {
			r.faulted.Store(true)
			r.state.Store(int32(Draining))
			r.l.WithFields(logrus.Fields{"tx": txSt, "rx": rxSt}).Error("dma channel faulted")
			if r.opts.OnFault != nil {
				r.opts.OnFault(st)
			}
			return false
		}
		e.ClearStatus(ring.TX, ch, txSt&dma.StatusCompletions)
		e.ClearStatus(ring.RX, ch, rxSt&dma.StatusCompletions)

		if r.opts.Tx != nil {
			if done := r.opts.Tx.Reclaim(0); len(done) > 0 && r.opts.OnTxDone != nil {
				r.opts.OnTxDone(done)
			}
		}
		if r.opts.Rx != nil {
			done, n := r.opts.Rx.Harvest(budget)
			if len(done) > 0 && r.opts.OnRx != nil {
				r.opts.OnRx(done)
			}
			if budget -= n; budget <= 0 {
				r.state.Store(int32(Draining))
				return true
			}
		}
		if !(txSt | rxSt).Completions() {
			break
		}
	}

	r.unmask()
	// A completion landing between the last status read and the unmask may
	// not raise an interrupt.
	if txSt, rxSt := r.status(); (txSt | rxSt).Completions() || (txSt | rxSt).Faulted() {
		r.mask()
		return true
	}
	return false
}

// Run drains on every interrupt, and every PollInterval if set, until ctx
// is done.
func (r *Reclaimer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.opts.PollInterval > 0 {
		t := time.NewTicker(r.opts.PollInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.kick:
		case <-tick:
		}
		for r.Poll() {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
}
