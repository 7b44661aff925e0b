// Package recovery brings a faulted DMA channel back into service: it
// quiesces the channel, reclaims every buffer the hardware still owned and
// reprograms the rings from scratch. Other channels keep running.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/romshark/tsn-dma-go/dma"
	"github.com/romshark/tsn-dma-go/ring"
)

var ErrMissingPart = errors.New("rings, engine and pool are required")

type State int32

const (
	Running State = iota
	Quiescing
	Draining
	Reinitializing
)

func (s State) String() string {
	switch s {
	case Quiescing:
		return "quiescing"
	case Draining:
		return "draining"
	case Reinitializing:
		return "reinitializing"
	}
	return "running"
}

// MAC gates the traffic feeding the channel while it is rebuilt.
type MAC interface {
	EnableTxRx(on bool) error
}

type Options struct {
	Channel int
	Tx      *ring.TxRing
	Rx      *ring.RxRing
	Engine  dma.Engine
	// Pool receives the frames of dropped TX packets.
	Pool ring.Pool
	// MAC is optional.
	MAC MAC

	TxCoalesce dma.Coalesce
	RxCoalesce dma.Coalesce

	// OnDropped receives the packets retired by the drain. Their frames
	// are already back in the pool. A packet whose Status is complete and
	// error free made it to the wire before the fault.
	OnDropped func([]ring.TxDone)
	// OnRecovered runs after the channel is back in service.
	OnRecovered func()

	Log     logrus.FieldLogger
	Metrics metrics.Registry
}

type Controller struct {
	opts  Options
	state atomic.Int32
	group singleflight.Group
	l     logrus.FieldLogger

	recoveries   metrics.Counter
	haltTimeouts metrics.Counter
	dropped      metrics.Counter
	duration     metrics.Timer
}

func New(opts Options) (*Controller, error) {
	if opts.Tx == nil || opts.Rx == nil || opts.Engine == nil || opts.Pool == nil {
		return nil, ErrMissingPart
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	prefix := "recovery.queue" + strconv.Itoa(opts.Channel) + "."
	return &Controller{
		opts:         opts,
		l:            opts.Log.WithField("queue", opts.Channel),
		recoveries:   metrics.GetOrRegisterCounter(prefix+"count", opts.Metrics),
		haltTimeouts: metrics.GetOrRegisterCounter(prefix+"halt_timeouts", opts.Metrics),
		dropped:      metrics.GetOrRegisterCounter(prefix+"dropped", opts.Metrics),
		duration:     metrics.GetOrRegisterTimer(prefix+"duration", opts.Metrics),
	}, nil
}

func (c *Controller) State() State { return State(c.state.Load()) }

// Recoveries returns how many recoveries have been started.
func (c *Controller) Recoveries() int64 { return c.recoveries.Count() }

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.l.WithField("state", s).Debug("recovery state")
}

// Recover rebuilds the channel after a fault with the given status.
// Concurrent calls share one recovery and its result.
func (c *Controller) Recover(ctx context.Context, cause dma.Status) error {
	_, err, shared := c.group.Do("recover", func() (any, error) {
		return nil, c.recover(ctx, cause)
	})
	if shared {
		c.l.Debug("fault report joined recovery in progress")
	}
	return err
}

func (c *Controller) recover(ctx context.Context, cause dma.Status) error {
	e, ch := c.opts.Engine, c.opts.Channel
	l := c.l.WithField("cause", cause)
	l.Error("dma fault, recovering channel")
	c.recoveries.Inc(1)
	start := time.Now()

	c.setState(Quiescing)
	c.opts.Tx.Suspend()
	if c.opts.MAC != nil {
		if err := c.opts.MAC.EnableTxRx(false); err != nil {
			l.WithError(err).Warn("failed to disable mac")
		}
	}
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		e.EnableInterrupts(dir, ch, false)
	}
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		if err := e.Stop(ctx, dir, ch); err != nil {
			c.haltTimeouts.Inc(1)
			l.WithError(err).WithField("dir", dir).Warn("dma channel did not halt, resetting anyway")
		}
	}
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		if err := e.Reset(ctx, dir, ch); err != nil {
			// The engine may still own descriptors; leave the channel
			// quiesced rather than reclaim buffers under it.
			return fmt.Errorf("resetting %s channel %d: %w", dir, ch, err)
		}
	}

	c.setState(Draining)
	dropped := c.opts.Tx.Drain()
	for i := range dropped {
		for _, f := range dropped[i].Frames {
			if err := c.opts.Pool.Release(f); err != nil {
				l.WithError(err).Error("failed to release tx frame")
			}
		}
		dropped[i].Frames = nil
	}
	rxReleased := c.opts.Rx.Drain()
	c.dropped.Inc(int64(len(dropped)))
	if len(dropped) > 0 && c.opts.OnDropped != nil {
		c.opts.OnDropped(dropped)
	}

	c.setState(Reinitializing)
	if err := c.reinit(); err != nil {
		return err
	}
	if c.opts.MAC != nil {
		if err := c.opts.MAC.EnableTxRx(true); err != nil {
			l.WithError(err).Warn("failed to enable mac")
		}
	}
	c.setState(Running)
	c.duration.UpdateSince(start)
	l.WithFields(logrus.Fields{
		"txDropped":  len(dropped),
		"rxReleased": rxReleased,
		"took":       time.Since(start),
	}).Info("channel recovered")
	if c.opts.OnRecovered != nil {
		c.opts.OnRecovered()
	}
	return nil
}

func (c *Controller) reinit() error {
	e, ch := c.opts.Engine, c.opts.Channel
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		e.ClearStatus(dir, ch, dma.StatusIRQ|dma.StatusFaults)
	}
	if err := e.Configure(ring.TX, ch, c.opts.Tx.Base(), c.opts.Tx.Capacity(), c.opts.TxCoalesce); err != nil {
		return fmt.Errorf("configuring tx: %w", err)
	}
	if err := e.Configure(ring.RX, ch, c.opts.Rx.Base(), c.opts.Rx.Capacity(), c.opts.RxCoalesce); err != nil {
		return fmt.Errorf("configuring rx: %w", err)
	}
	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		e.EnableInterrupts(dir, ch, true)
	}
	if err := e.Start(ring.RX, ch); err != nil {
		return fmt.Errorf("starting rx: %w", err)
	}
	if _, err := c.opts.Rx.Fill(); err != nil {
		return fmt.Errorf("refilling rx: %w", err)
	}
	if err := e.Start(ring.TX, ch); err != nil {
		return fmt.Errorf("starting tx: %w", err)
	}
	c.opts.Tx.Resume()
	return nil
}
