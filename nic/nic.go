// Package nic ties the DMA engine, descriptor rings, completion reclaimers,
// fault recovery and time-aware gating of one TSN device together.
//
// A Device owns all per-device state. Several devices can be driven from
// the same process.
package nic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/tsn-dma-go/dma"
	"github.com/romshark/tsn-dma-go/gate"
	"github.com/romshark/tsn-dma-go/ifacestat"
	"github.com/romshark/tsn-dma-go/qbv"
	"github.com/romshark/tsn-dma-go/reclaim"
	"github.com/romshark/tsn-dma-go/recovery"
	"github.com/romshark/tsn-dma-go/regs"
	"github.com/romshark/tsn-dma-go/ring"
	"github.com/romshark/tsn-dma-go/umem"
)

var (
	ErrHardware       = errors.New("register windows do not match the configuration")
	ErrQueueRange     = errors.New("queue out of range")
	ErrAlreadyOpen    = errors.New("device already open")
	ErrClosed         = errors.New("device closed")
	ErrEmptyPacket    = errors.New("empty packet")
	ErrPacketTooLarge = errors.New("packet needs more descriptors than the ring holds")
	ErrNoFrames       = errors.New("frame arena exhausted")
	ErrNoShaper       = errors.New("device has no gate shaper")
)

// Hardware is the register-level view of a device.
type Hardware struct {
	// DMA holds one register window per queue for AXIDMA and the single
	// engine window for MCDMA.
	DMA []regs.Registers
	// Shaper is the gate shaper window. Nil disables scheduling.
	Shaper regs.Registers
	// MAC is optional. It is toggled during recovery of a single-queue
	// device only; with several queues the other channels keep running.
	MAC recovery.MAC
	// Clock is optional.
	Clock qbv.Clock
}

// Handlers receive traffic events. All of them are optional and may be
// called from any goroutine.
type Handlers struct {
	// TxDone receives transmitted packets. Their frames are back in the
	// arena.
	TxDone func(q int, done []ring.TxDone)
	// TxDropped receives packets discarded by a recovery or by Close.
	TxDropped func(q int, dropped []ring.TxDone)
	// Rx receives a frame. pkt is only valid during the call.
	Rx func(q int, pkt []byte)
	// Recovered runs after a faulted queue is back in service.
	Recovered func(q int)
}

type queue struct {
	id       int
	tx       *ring.TxRing
	rx       *ring.RxRing
	reclaim  *reclaim.Reclaimer
	recovery *recovery.Controller
	faults   chan dma.Status

	gateLock sync.Mutex
	closed   bool
	paused   bool
}

type Device struct {
	conf   Config
	hw     Hardware
	l      logrus.FieldLogger
	engine dma.Engine
	pool   *umem.UMEM
	queues []*queue
	gates  *gate.Controller
	sched  *qbv.Scheduler
	stats  *ifacestat.Collector

	lock     sync.Mutex
	handlers Handlers
	opened   bool
	closed   bool
	cancel   context.CancelFunc
	group    *errgroup.Group
}

func New(conf Config, hw Hardware, l logrus.FieldLogger) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logrus.StandardLogger()
	}
	d := &Device{
		conf:  conf,
		hw:    hw,
		l:     l,
		stats: ifacestat.New(metrics.NewRegistry(), conf.Queues),
	}

	opts := dma.Options{
		HaltTimeout:  conf.HaltTimeout,
		ResetTimeout: conf.ResetTimeout,
		Log:          l,
	}
	var err error
	switch conf.Variant {
	case VariantMCDMA:
		if len(hw.DMA) != 1 {
			return nil, fmt.Errorf("%w: %d windows for one %s engine", ErrHardware, len(hw.DMA), conf.Variant)
		}
		d.engine, err = dma.NewMCDMA(hw.DMA[0], conf.Queues, opts)
	default:
		if len(hw.DMA) != conf.Queues {
			return nil, fmt.Errorf("%w: %d windows for %d queues", ErrHardware, len(hw.DMA), conf.Queues)
		}
		d.engine, err = dma.NewAXIDMA(hw.DMA, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("creating dma engine: %w", err)
	}

	if d.pool, err = umem.New(conf.Frames); err != nil {
		return nil, fmt.Errorf("creating frame arena: %w", err)
	}
	for q := range conf.Queues {
		qu, err := d.newQueue(q)
		if err != nil {
			_ = d.pool.Close()
			return nil, err
		}
		d.queues = append(d.queues, qu)
	}

	if d.gates, err = gate.New(gateHardware{d}, conf.Queues, l); err != nil {
		_ = d.pool.Close()
		return nil, err
	}
	if hw.Shaper != nil {
		d.sched, err = qbv.New(hw.Shaper, d.gates, qbv.Config{
			Queues:     conf.ScheduledQueues(),
			AckTimeout: conf.ScheduleAckTimeout,
			Clock:      hw.Clock,
			Log:        l,
		})
		if err != nil {
			_ = d.pool.Close()
			return nil, fmt.Errorf("creating gate scheduler: %w", err)
		}
	}
	return d, nil
}

func (d *Device) newQueue(q int) (*queue, error) {
	qu := &queue{id: q, faults: make(chan dma.Status, 1)}
	var err error
	qu.tx, err = ring.NewTx(ring.Config{
		Channel:  q,
		Capacity: d.conf.TxRingSize,
		Pool:     d.pool,
		Kick:     func(tail uint64) { d.engine.Kick(ring.TX, q, tail) },
	})
	if err != nil {
		return nil, fmt.Errorf("queue %d tx ring: %w", q, err)
	}
	qu.rx, err = ring.NewRx(ring.Config{
		Channel:  q,
		Capacity: d.conf.RxRingSize,
		Pool:     d.pool,
		Kick:     func(tail uint64) { d.engine.Kick(ring.RX, q, tail) },
	})
	if err != nil {
		return nil, fmt.Errorf("queue %d rx ring: %w", q, err)
	}

	qu.reclaim, err = reclaim.New(reclaim.Options{
		Channel:      q,
		Tx:           qu.tx,
		Rx:           qu.rx,
		Engine:       d.engine,
		Budget:       d.conf.Budget,
		PollInterval: d.conf.PollInterval,
		OnTxDone:     func(done []ring.TxDone) { d.txDone(q, done) },
		OnRx:         func(done []ring.RxDone) { d.rxDone(q, done) },
		OnFault: func(st dma.Status) {
			select {
			case qu.faults <- st:
			default:
			}
		},
		Log: d.l,
	})
	if err != nil {
		return nil, err
	}

	var mac recovery.MAC
	if d.conf.Queues == 1 {
		mac = d.hw.MAC
	}
	qu.recovery, err = recovery.New(recovery.Options{
		Channel:     q,
		Tx:          qu.tx,
		Rx:          qu.rx,
		Engine:      d.engine,
		Pool:        d.pool,
		MAC:         mac,
		TxCoalesce:  d.conf.TxCoalesce,
		RxCoalesce:  d.conf.RxCoalesce,
		OnDropped:   func(dropped []ring.TxDone) { d.txDropped(q, dropped) },
		OnRecovered: func() { d.recovered(qu) },
		Log:         d.l,
		Metrics:     d.stats.Registry(),
	})
	if err != nil {
		return nil, err
	}
	return qu, nil
}

func (d *Device) Config() Config { return d.conf }

func (d *Device) Queues() int { return len(d.queues) }

// Arena is the frame arena rings allocate from. TransmitSG callers take
// their frames from it.
func (d *Device) Arena() *umem.UMEM { return d.pool }

// Registry holds the traffic and recovery metrics of the device.
func (d *Device) Registry() metrics.Registry { return d.stats.Registry() }

// Rings returns the descriptor rings of queue q, as walked by hardware.
func (d *Device) Rings(q int) (*ring.TxRing, *ring.RxRing, error) {
	qu, err := d.queue(q)
	if err != nil {
		return nil, nil, err
	}
	return qu.tx, qu.rx, nil
}

func (d *Device) queue(q int) (*queue, error) {
	if q < 0 || q >= len(d.queues) {
		return nil, fmt.Errorf("%w: %d", ErrQueueRange, q)
	}
	return d.queues[q], nil
}

// Open programs every channel, primes the receive rings and starts the
// per-queue workers. The workers stop on Close or when ctx is done.
func (d *Device) Open(ctx context.Context, h Handlers) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	switch {
	case d.closed:
		return ErrClosed
	case d.opened:
		return ErrAlreadyOpen
	}
	d.handlers = h
	for _, qu := range d.queues {
		if err := d.startQueue(qu); err != nil {
			return fmt.Errorf("starting queue %d: %w", qu.id, err)
		}
	}
	d.opened = true

	ctx, d.cancel = context.WithCancel(ctx)
	d.group, ctx = errgroup.WithContext(ctx)
	for _, qu := range d.queues {
		d.group.Go(func() error { return qu.reclaim.Run(ctx) })
		d.group.Go(func() error {
			d.recoverLoop(ctx, qu)
			return nil
		})
	}
	if d.sched != nil && d.conf.ScheduleWatchInterval > 0 {
		d.group.Go(func() error { return d.sched.Watch(ctx, d.conf.ScheduleWatchInterval) })
	}
	d.l.WithFields(logrus.Fields{
		"variant": d.conf.Variant,
		"queues":  len(d.queues),
	}).Info("device open")
	return nil
}

func (d *Device) startQueue(qu *queue) error {
	e, q := d.engine, qu.id
	if err := e.Configure(ring.TX, q, qu.tx.Base(), qu.tx.Capacity(), d.conf.TxCoalesce); err != nil {
		return err
	}
	if err := e.Configure(ring.RX, q, qu.rx.Base(), qu.rx.Capacity(), d.conf.RxCoalesce); err != nil {
		return err
	}
	if w, ok := e.(dma.Weighter); ok && q < len(d.conf.Weights) {
		if err := w.SetWeight(q, d.conf.Weights[q]); err != nil {
			return err
		}
	}
	e.EnableInterrupts(ring.TX, q, true)
	e.EnableInterrupts(ring.RX, q, true)
	if err := e.Start(ring.RX, q); err != nil {
		return err
	}
	if _, err := qu.rx.Fill(); err != nil {
		return fmt.Errorf("filling rx ring: %w", err)
	}
	if err := e.Start(ring.TX, q); err != nil {
		return err
	}
	return d.applyGate(q)
}

func (d *Device) recoverLoop(ctx context.Context, qu *queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-qu.faults:
			if err := qu.recovery.Recover(ctx, st); err != nil {
				d.l.WithError(err).WithField("queue", qu.id).
					Error("channel recovery failed, queue stays quiesced")
			}
		}
	}
}

func (d *Device) recovered(qu *queue) {
	if err := d.applyGate(qu.id); err != nil {
		d.l.WithError(err).WithField("queue", qu.id).Warn("failed to restore queue gate")
	}
	qu.reclaim.Resume()
	if fn := d.handlers.Recovered; fn != nil {
		fn(qu.id)
	}
}

// Close stops the workers, halts every channel and returns all frames the
// rings still hold. Outstanding TX packets are reported to
// Handlers.TxDropped.
func (d *Device) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if d.cancel != nil {
		d.cancel()
		if err := d.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if d.opened {
		ctx := context.Background()
		for _, qu := range d.queues {
			qu.tx.Suspend()
			for _, dir := range []ring.Direction{ring.TX, ring.RX} {
				d.engine.EnableInterrupts(dir, qu.id, false)
				if err := d.engine.Stop(ctx, dir, qu.id); err != nil {
					errs = append(errs, fmt.Errorf("stopping %s channel %d: %w", dir, qu.id, err))
				}
			}
			if dropped := qu.tx.Drain(); len(dropped) > 0 {
				for i := range dropped {
					d.release(dropped[i].Frames)
					dropped[i].Frames = nil
				}
				d.txDropped(qu.id, dropped)
			}
			qu.rx.Drain()
		}
	}
	if err := d.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing frame arena: %w", err))
	}
	d.l.Info("device closed")
	return errors.Join(errs...)
}

// Interrupt is the interrupt entry point of queue q.
func (d *Device) Interrupt(q int) error {
	qu, err := d.queue(q)
	if err != nil {
		return err
	}
	qu.reclaim.Interrupt()
	return nil
}

// Transmit copies pkt into arena frames and posts it on queue q. A packet
// larger than one frame is posted as a scatter-gather chain.
//
// ring.ErrBusy is backpressure. If wake is not nil it has been registered
// and runs once the ring has room again.
func (d *Device) Transmit(q int, handle any, pkt []byte, wake func()) error {
	qu, err := d.queue(q)
	if err != nil {
		return err
	}
	if len(pkt) == 0 {
		return ErrEmptyPacket
	}
	fs := int(d.pool.FrameSize())
	if n := (len(pkt) + fs - 1) / fs; n > int(qu.tx.Capacity())-1 {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(pkt))
	}

	var segsArr [4]ring.Segment
	segs := segsArr[:0]
	for off := 0; off < len(pkt); off += fs {
		f, ok := d.pool.Alloc()
		if !ok {
			d.releaseSegments(segs)
			return ErrNoFrames
		}
		n := copy(f.Buf, pkt[off:])
		segs = append(segs, ring.Segment{Frame: f, Len: uint32(n)})
	}
	if err := d.TransmitSG(q, handle, segs, wake); err != nil {
		d.releaseSegments(segs)
		return err
	}
	return nil
}

// TransmitSG posts a packet made of caller-filled arena frames. On success
// the frames belong to the device and return to the arena on completion.
// On error they stay with the caller.
func (d *Device) TransmitSG(q int, handle any, segs []ring.Segment, wake func()) error {
	qu, err := d.queue(q)
	if err != nil {
		return err
	}
	err = enqueue(qu.tx, handle, segs, wake)
	if errors.Is(err, ring.ErrBusy) {
		d.stats.Add(q, ifacestat.TxBusy, 1)
	}
	return err
}

type txQueue interface {
	Enqueue(handle any, segs ...ring.Segment) error
	NotifyOnSpace(fn func()) *ring.Waiter
}

// enqueue posts segs on tx. If the ring is busy and wake is set, wake is
// registered and the post retried once. The registration only survives
// when the retry is still busy.
func enqueue(tx txQueue, handle any, segs []ring.Segment, wake func()) error {
	err := tx.Enqueue(handle, segs...)
	if !errors.Is(err, ring.ErrBusy) || wake == nil {
		return err
	}
	// A reclaim may land between the failed attempt and the
	// registration.
	w := tx.NotifyOnSpace(wake)
	if err = tx.Enqueue(handle, segs...); !errors.Is(err, ring.ErrBusy) {
		w.Cancel()
	}
	return err
}

func (d *Device) txDone(q int, done []ring.TxDone) {
	var bytes uint64
	for i := range done {
		bytes += done[i].Bytes
		d.release(done[i].Frames)
		done[i].Frames = nil
	}
	d.stats.Add(q, ifacestat.TxPackets, uint64(len(done)))
	d.stats.Add(q, ifacestat.TxBytes, bytes)
	d.settleGate(d.queues[q])
	if fn := d.handlers.TxDone; fn != nil {
		fn(q, done)
	}
}

func (d *Device) txDropped(q int, dropped []ring.TxDone) {
	d.stats.Add(q, ifacestat.TxDropped, uint64(len(dropped)))
	if fn := d.handlers.TxDropped; fn != nil {
		fn(q, dropped)
	}
}

func (d *Device) rxDone(q int, done []ring.RxDone) {
	var bytes uint64
	for _, r := range done {
		bytes += uint64(r.Len)
		if fn := d.handlers.Rx; fn != nil {
			fn(q, r.Frame.Buf)
		}
		d.release([]umem.Frame{r.Frame})
	}
	d.stats.Add(q, ifacestat.RxPackets, uint64(len(done)))
	d.stats.Add(q, ifacestat.RxBytes, bytes)
}

func (d *Device) release(frames []umem.Frame) {
	for _, f := range frames {
		if err := d.pool.Release(f); err != nil {
			d.l.WithError(err).Error("failed to release frame")
		}
	}
}

func (d *Device) releaseSegments(segs []ring.Segment) {
	for _, s := range segs {
		_ = d.pool.Release(s.Frame)
	}
}

// Stats returns the per-queue counters.
func (d *Device) Stats() ifacestat.Stats {
	for _, qu := range d.queues {
		d.stats.Set(qu.id, ifacestat.RxDropped, qu.rx.Dropped())
	}
	if d.sched != nil {
		for q, n := range d.sched.Status().Overruns {
			d.stats.Set(q, ifacestat.GateOverruns, n)
		}
	}
	return d.stats.Snapshot()
}

// RecoveryState reports where queue q is in fault recovery.
func (d *Device) RecoveryState(q int) (recovery.State, error) {
	qu, err := d.queue(q)
	if err != nil {
		return 0, err
	}
	return qu.recovery.State(), nil
}
