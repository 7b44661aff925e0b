package nic

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/tsn-dma-go/dma"
	"github.com/romshark/tsn-dma-go/ifacestat"
	"github.com/romshark/tsn-dma-go/internal/hwsim"
	"github.com/romshark/tsn-dma-go/internal/test"
	"github.com/romshark/tsn-dma-go/qbv"
	"github.com/romshark/tsn-dma-go/recovery"
	"github.com/romshark/tsn-dma-go/ring"
	"github.com/romshark/tsn-dma-go/umem"
)

const (
	waitFor = time.Second
	tick    = time.Millisecond
)

type recorder struct {
	mu        sync.Mutex
	sent      []any
	dropped   []any
	rx        [][]byte
	recovered []int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		TxDone: func(_ int, done []ring.TxDone) {
			r.mu.Lock()
			defer r.mu.Unlock()
			for _, d := range done {
				r.sent = append(r.sent, d.Handle)
			}
		},
		TxDropped: func(_ int, dropped []ring.TxDone) {
			r.mu.Lock()
			defer r.mu.Unlock()
			for _, d := range dropped {
				r.dropped = append(r.dropped, d.Handle)
			}
		},
		Rx: func(_ int, pkt []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.rx = append(r.rx, bytes.Clone(pkt))
		},
		Recovered: func(q int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.recovered = append(r.recovered, q)
		},
	}
}

func (r *recorder) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recorder) has(handle any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.sent {
		if h == handle {
			return true
		}
	}
	return false
}

func newDevice(t *testing.T, variant Variant, queues int, mod func(*Config)) (*hwsim.Sim, *Device) {
	t.Helper()
	v := hwsim.AXIDMA
	if variant == VariantMCDMA {
		v = hwsim.MCDMA
	}
	sim := hwsim.New(v, queues, qbv.Timestamp{Sec: 1000})
	conf := Config{
		Variant:    variant,
		Queues:     queues,
		TxRingSize: 16,
		RxRingSize: 8,
		Frames:     umem.Config{NumFrames: 128, FrameSize: 256},
	}
	if mod != nil {
		mod(&conf)
	}
	dev, err := New(conf, Hardware{
		DMA:    sim.DMA.Windows(),
		Shaper: sim.Shaper.Registers(),
		MAC:    sim.MAC,
		Clock:  sim.Clock,
	}, test.NewLogger())
	require.NoError(t, err)
	for q := range queues {
		tx, rx, err := dev.Rings(q)
		require.NoError(t, err)
		sim.DMA.AttachRing(ring.TX, q, tx)
		sim.DMA.AttachRing(ring.RX, q, rx)
	}
	sim.DMA.OnInterrupt(func(ch int) { _ = dev.Interrupt(ch) })
	sim.Shaper.OnSwap(dev.ScheduleSwapped)
	t.Cleanup(func() { assert.NoError(t, dev.Close()) })
	return sim, dev
}

func open(t *testing.T, dev *Device) *recorder {
	t.Helper()
	r := &recorder{}
	require.NoError(t, dev.Open(context.Background(), r.handlers()))
	return r
}

func TestLoopback(t *testing.T) {
	sim, dev := newDevice(t, VariantAXIDMA, 1, nil)
	sim.DMA.SetLoopback(true)
	r := open(t, dev)

	pkt := bytes.Repeat([]byte{0xAB}, 100)
	require.NoError(t, dev.Transmit(0, "p0", pkt, nil))

	assert.Eventually(t, func() bool { return r.has("p0") }, waitFor, tick)
	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.rx) == 1
	}, waitFor, tick)
	assert.Equal(t, pkt, r.rx[0])

	s := dev.Stats()["queue0"]
	assert.Equal(t, uint64(1), s[ifacestat.TxPackets])
	assert.Equal(t, uint64(100), s[ifacestat.TxBytes])
	assert.Equal(t, uint64(1), s[ifacestat.RxPackets])
	assert.Equal(t, uint64(100), s[ifacestat.RxBytes])
}

func TestTransmitScatterGather(t *testing.T) {
	sim, dev := newDevice(t, VariantAXIDMA, 1, nil)
	var wire [][]byte
	var mu sync.Mutex
	sim.DMA.OnTransmit(func(_ int, frame []byte) {
		mu.Lock()
		wire = append(wire, frame)
		mu.Unlock()
	})
	r := open(t, dev)

	pkt := make([]byte, 600)
	for i := range pkt {
		pkt[i] = byte(i)
	}
	require.NoError(t, dev.Transmit(0, "big", pkt, nil))
	assert.Eventually(t, func() bool { return r.has("big") }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, wire, 1)
	assert.Equal(t, pkt, wire[0])
	assert.Equal(t, uint64(600), dev.Stats()["queue0"][ifacestat.TxBytes])
}

func TestTransmitRejects(t *testing.T) {
	_, dev := newDevice(t, VariantAXIDMA, 1, nil)
	open(t, dev)

	assert.ErrorIs(t, dev.Transmit(0, nil, nil, nil), ErrEmptyPacket)
	assert.ErrorIs(t, dev.Transmit(1, nil, []byte{1}, nil), ErrQueueRange)
	assert.ErrorIs(t, dev.Transmit(0, nil, make([]byte, 16*256), nil), ErrPacketTooLarge)
	assert.ErrorIs(t, dev.Interrupt(-1), ErrQueueRange)
}

func TestBackpressureWakesProducer(t *testing.T) {
	sim, dev := newDevice(t, VariantAXIDMA, 1, nil)
	r := open(t, dev)
	free := dev.Arena().FreeFrames()

	sim.DMA.Hold(ring.TX, 0, true)
	for i := 0; i < 15; i++ {
		require.NoError(t, dev.Transmit(0, i, []byte{byte(i)}, nil))
	}
	var woken atomic.Bool
	err := dev.Transmit(0, "late", []byte{1}, func() { woken.Store(true) })
	require.ErrorIs(t, err, ring.ErrBusy)
	assert.Equal(t, uint64(1), dev.Stats()["queue0"][ifacestat.TxBusy])
	assert.Equal(t, free-15, dev.Arena().FreeFrames(), "rejected packet returns its frame")

	sim.DMA.Hold(ring.TX, 0, false)
	assert.Eventually(t, woken.Load, waitFor, tick)
	assert.Eventually(t, func() bool { return r.sentCount() == 15 }, waitFor, tick)
	require.NoError(t, dev.Transmit(0, "late", []byte{1}, nil))
}

func TestFaultRecovery(t *testing.T) {
	sim, dev := newDevice(t, VariantAXIDMA, 1, nil)
	r := open(t, dev)

	sim.DMA.Hold(ring.TX, 0, true)
	for i := 0; i < 3; i++ {
		require.NoError(t, dev.Transmit(0, i, []byte{byte(i)}, nil))
	}
	sim.DMA.InjectFault(ring.TX, 0, dma.StatusDecodeErr)
	sim.DMA.Hold(ring.TX, 0, false)

	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.recovered) == 1
	}, waitFor, tick)
	r.mu.Lock()
	assert.Equal(t, []any{0, 1, 2}, r.dropped)
	r.mu.Unlock()

	st, err := dev.RecoveryState(0)
	require.NoError(t, err)
	assert.Equal(t, recovery.Running, st)
	assert.Equal(t, 2, sim.MAC.Toggles())
	assert.Equal(t, uint64(3), dev.Stats()["queue0"][ifacestat.TxDropped])

	require.NoError(t, dev.Transmit(0, "after", []byte{1}, nil))
	assert.Eventually(t, func() bool { return r.has("after") }, waitFor, tick)
}

func TestFaultOnOneQueueLeavesOthersRunning(t *testing.T) {
	sim, dev := newDevice(t, VariantAXIDMA, 2, nil)
	r := open(t, dev)

	sim.DMA.InjectFault(ring.TX, 1, dma.StatusSlaveErr)
	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.recovered) == 1
	}, waitFor, tick)
	assert.Equal(t, []int{1}, r.recovered)
	assert.Zero(t, sim.MAC.Toggles(), "mac stays up with several queues")

	require.NoError(t, dev.Transmit(0, "q0", []byte{1}, nil))
	require.NoError(t, dev.Transmit(1, "q1", []byte{1}, nil))
	assert.Eventually(t, func() bool { return r.has("q0") && r.has("q1") }, waitFor, tick)
}

func TestScheduleGatesQueues(t *testing.T) {
	sim, dev := newDevice(t, VariantAXIDMA, 3, nil)
	open(t, dev)

	sched := qbv.Schedule{
		CycleTimeNs: 1_000_000,
		BaseTime:    sim.Clock.Now().Add(time.Millisecond),
		Entries: []qbv.Entry{
			{GateMask: 0b001, IntervalNs: 600_000},
			{GateMask: 0b101, IntervalNs: 400_000},
		},
	}
	require.NoError(t, dev.InstallSchedule(qbv.Request{Schedule: sched}))

	st, err := dev.ScheduleStatus()
	require.NoError(t, err)
	require.NotNil(t, st.Pending)
	assert.False(t, st.Gates[1].Enabled)
	assert.True(t, st.Gates[2].Enabled)
	assert.ErrorIs(t, dev.Transmit(1, nil, []byte{1}, nil), ring.ErrQueueStopped)

	require.True(t, sim.Advance(time.Millisecond))
	cur, err := dev.ReadSchedule()
	require.NoError(t, err)
	assert.Equal(t, sched.CycleTimeNs, cur.CycleTimeNs)
	assert.Equal(t, sched.Entries, cur.Entries)

	// The cycle just started: queue 2 is closed and counts an overrun.
	require.NoError(t, dev.Transmit(2, nil, []byte{1}, nil))
	assert.Equal(t, uint64(1), dev.Stats()["queue2"][ifacestat.GateOverruns])

	require.NoError(t, dev.DestroySchedule(context.Background()))
	cur, err = dev.ReadSchedule()
	require.NoError(t, err)
	assert.True(t, cur.IsDisabled())
	require.NoError(t, dev.Transmit(1, nil, []byte{1}, nil))
}

func TestMCDMAWeightsAndGatePause(t *testing.T) {
	sim, dev := newDevice(t, VariantMCDMA, 2, func(c *Config) {
		c.Weights = []uint8{3, 7}
	})
	sim.DMA.SetLoopback(true)
	r := open(t, dev)

	w, ok := dev.engine.(dma.Weighter)
	require.True(t, ok)
	assert.Equal(t, uint8(3), w.Weight(0))
	assert.Equal(t, uint8(7), w.Weight(1))

	require.NoError(t, dev.Transmit(1, "q1", []byte("hello"), nil))
	assert.Eventually(t, func() bool { return r.has("q1") }, waitFor, tick)

	chen := func() uint32 {
		return sim.DMA.Windows()[0].Read32(dma.MCDMADirBase(ring.TX) + dma.MCDMAChannelEnable)
	}
	require.NoError(t, dev.InstallSchedule(qbv.Request{Schedule: qbv.Schedule{
		CycleTimeNs: 1_000_000,
		BaseTime:    sim.Clock.Now(),
		Entries:     []qbv.Entry{{GateMask: 0b01, IntervalNs: 1_000_000}},
	}}))
	assert.Zero(t, chen()&0b10)
	assert.NotZero(t, chen()&0b01)

	require.NoError(t, dev.DestroySchedule(context.Background()))
	assert.NotZero(t, chen()&0b10)
}

func TestMCDMAGateDrainsBeforePause(t *testing.T) {
	sim, dev := newDevice(t, VariantMCDMA, 2, nil)
	r := open(t, dev)
	chen := func() uint32 {
		return sim.DMA.Windows()[0].Read32(dma.MCDMADirBase(ring.TX) + dma.MCDMAChannelEnable)
	}

	sim.DMA.Hold(ring.TX, 1, true)
	require.NoError(t, dev.Transmit(1, "inflight", []byte("x"), nil))
	require.NoError(t, dev.InstallSchedule(qbv.Request{Schedule: qbv.Schedule{
		CycleTimeNs: 1_000_000,
		BaseTime:    sim.Clock.Now().Add(time.Hour),
		Entries:     []qbv.Entry{{GateMask: 0b01, IntervalNs: 1_000_000}},
	}}))
	assert.ErrorIs(t, dev.Transmit(1, "late", []byte("y"), nil), ring.ErrQueueStopped)
	assert.NotZero(t, chen()&0b10, "channel keeps running while packets are in flight")

	sim.DMA.Hold(ring.TX, 1, false)
	assert.Eventually(t, func() bool { return r.has("inflight") }, waitFor, tick)
	assert.Eventually(t, func() bool { return chen()&0b10 == 0 }, waitFor, tick)
	assert.NotZero(t, chen()&0b01)

	require.NoError(t, dev.DestroySchedule(context.Background()))
	assert.NotZero(t, chen()&0b10)
	require.NoError(t, dev.Transmit(1, "after", []byte("z"), nil))
	assert.Eventually(t, func() bool { return r.has("after") }, waitFor, tick)
}

// stopsOnRetry reports the ring busy once and closes it before the retry.
type stopsOnRetry struct {
	*ring.TxRing
	calls int
}

func (s *stopsOnRetry) Enqueue(handle any, segs ...ring.Segment) error {
	s.calls++
	if s.calls == 1 {
		return ring.ErrBusy
	}
	s.Stop()
	return s.TxRing.Enqueue(handle, segs...)
}

func TestEnqueueCancelsWaiterOnFailedRetry(t *testing.T) {
	_, dev := newDevice(t, VariantAXIDMA, 1, nil)
	tx, _, err := dev.Rings(0)
	require.NoError(t, err)

	f, ok := dev.Arena().Alloc()
	require.True(t, ok)
	defer dev.release([]umem.Frame{f})

	var woken atomic.Bool
	q := &stopsOnRetry{TxRing: tx}
	err = enqueue(q, "p", []ring.Segment{{Frame: f, Len: 1}}, func() { woken.Store(true) })
	require.ErrorIs(t, err, ring.ErrQueueStopped)
	assert.Equal(t, 2, q.calls)

	tx.Start()
	assert.False(t, woken.Load(), "waiter fired after the retry failed")
}

func TestCloseReportsOutstandingPackets(t *testing.T) {
	sim, dev := newDevice(t, VariantAXIDMA, 1, nil)
	r := open(t, dev)
	sim.DMA.Hold(ring.TX, 0, true)
	require.NoError(t, dev.Transmit(0, "a", []byte{1}, nil))
	require.NoError(t, dev.Transmit(0, "b", []byte{2}, nil))

	require.NoError(t, dev.Close())
	assert.Equal(t, []any{"a", "b"}, r.dropped)
	assert.False(t, sim.DMA.Running(ring.TX, 0))
	assert.ErrorIs(t, dev.Open(context.Background(), Handlers{}), ErrClosed)
}

func TestOpenTwice(t *testing.T) {
	_, dev := newDevice(t, VariantAXIDMA, 1, nil)
	open(t, dev)
	assert.ErrorIs(t, dev.Open(context.Background(), Handlers{}), ErrAlreadyOpen)
}

func TestNoShaper(t *testing.T) {
	sim := hwsim.New(hwsim.AXIDMA, 1, qbv.Timestamp{})
	dev, err := New(Config{}, Hardware{DMA: sim.DMA.Windows()}, test.NewLogger())
	require.NoError(t, err)
	defer func() { assert.NoError(t, dev.Close()) }()

	assert.ErrorIs(t, dev.InstallSchedule(qbv.Request{}), ErrNoShaper)
	_, err = dev.ScheduleStatus()
	assert.ErrorIs(t, err, ErrNoShaper)
	dev.ScheduleSwapped()
}

func TestNewRejectsWindowMismatch(t *testing.T) {
	sim := hwsim.New(hwsim.AXIDMA, 1, qbv.Timestamp{})
	_, err := New(Config{Queues: 2}, Hardware{DMA: sim.DMA.Windows()}, test.NewLogger())
	assert.ErrorIs(t, err, ErrHardware)
}
