package reclaim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/tsn-dma-go/dma"
	"github.com/romshark/tsn-dma-go/internal/hwsim"
	"github.com/romshark/tsn-dma-go/internal/test"
	"github.com/romshark/tsn-dma-go/qbv"
	"github.com/romshark/tsn-dma-go/ring"
	"github.com/romshark/tsn-dma-go/umem"
)

type rig struct {
	sim  *hwsim.Sim
	eng  *dma.AXIDMA
	pool *umem.UMEM
	tx   *ring.TxRing
	rx   *ring.RxRing

	mu     sync.Mutex
	sent   []any
	recv   []string
	faults []dma.Status
}

func newRig(t *testing.T, budget int) (*rig, *Reclaimer) {
	t.Helper()
	r := &rig{sim: hwsim.New(hwsim.AXIDMA, 1, qbv.Timestamp{Sec: 1})}
	var err error
	r.pool, err = umem.New(umem.Config{NumFrames: 64, FrameSize: 256})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.pool.Close() })
	r.eng, err = dma.NewAXIDMA(r.sim.DMA.Windows(), dma.Options{Log: test.NewLogger()})
	require.NoError(t, err)

	r.tx, err = ring.NewTx(ring.Config{Capacity: 16, Pool: r.pool,
		Kick: func(a uint64) { r.eng.Kick(ring.TX, 0, a) }})
	require.NoError(t, err)
	r.rx, err = ring.NewRx(ring.Config{Capacity: 8, Pool: r.pool,
		Kick: func(a uint64) { r.eng.Kick(ring.RX, 0, a) }})
	require.NoError(t, err)
	r.sim.DMA.AttachRing(ring.TX, 0, r.tx)
	r.sim.DMA.AttachRing(ring.RX, 0, r.rx)

	rc, err := New(Options{
		Tx:     r.tx,
		Rx:     r.rx,
		Engine: r.eng,
		Budget: budget,
		OnTxDone: func(done []ring.TxDone) {
			r.mu.Lock()
			defer r.mu.Unlock()
			for _, d := range done {
				r.sent = append(r.sent, d.Handle)
				for _, f := range d.Frames {
					_ = r.pool.Release(f)
				}
			}
		},
		OnRx: func(done []ring.RxDone) {
			r.mu.Lock()
			defer r.mu.Unlock()
			for _, d := range done {
				r.recv = append(r.recv, string(d.Frame.Buf))
				_ = r.pool.Release(d.Frame)
			}
		},
		OnFault: func(st dma.Status) {
			r.mu.Lock()
			r.faults = append(r.faults, st)
			r.mu.Unlock()
		},
		Log: test.NewLogger(),
	})
	require.NoError(t, err)
	r.sim.DMA.OnInterrupt(func(int) { rc.Interrupt() })

	for _, dir := range []ring.Direction{ring.TX, ring.RX} {
		base, capacity := r.tx.Base(), r.tx.Capacity()
		if dir == ring.RX {
			base, capacity = r.rx.Base(), r.rx.Capacity()
		}
		require.NoError(t, r.eng.Configure(dir, 0, base, capacity, dma.Coalesce{Threshold: 1}))
		r.eng.EnableInterrupts(dir, 0, true)
		require.NoError(t, r.eng.Start(dir, 0))
	}
	_, err = r.rx.Fill()
	require.NoError(t, err)
	return r, rc
}

func (r *rig) send(t *testing.T, handle any) {
	t.Helper()
	f, ok := r.pool.Alloc()
	require.True(t, ok)
	require.NoError(t, r.tx.Enqueue(handle, ring.Segment{Frame: f, Len: 60}))
}

func (r *rig) irqMasked() bool {
	w := r.sim.DMA.Windows()[0]
	return w.Read32(dma.AXIDMABlock(ring.TX).CR)&dma.AXIDMABits.IRQ() == 0 &&
		w.Read32(dma.AXIDMABlock(ring.RX).CR)&dma.AXIDMABits.IRQ() == 0
}

func TestInterruptMasksUntilDrained(t *testing.T) {
	r, rc := newRig(t, 0)
	assert.Equal(t, Idle, rc.State())

	r.send(t, 1)
	assert.Equal(t, Draining, rc.State())
	assert.True(t, r.irqMasked())

	// Masked: further completions do not re-enter the top half.
	r.send(t, 2)

	assert.False(t, rc.Poll())
	assert.Equal(t, Idle, rc.State())
	assert.False(t, r.irqMasked())
	assert.Equal(t, []any{1, 2}, r.sent)
	assert.Zero(t, r.tx.Used())
	assert.False(t, r.eng.PollStatus(ring.TX, 0).Completions())
}

func TestRxBudget(t *testing.T) {
	r, rc := newRig(t, 2)
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, r.sim.DMA.Receive(0, []byte(p)))
	}
	assert.Equal(t, Draining, rc.State())

	assert.True(t, rc.Poll())
	assert.Equal(t, []string{"a", "b"}, r.recv)
	assert.Equal(t, Draining, rc.State())
	assert.True(t, r.irqMasked())

	assert.True(t, rc.Poll())
	assert.False(t, rc.Poll())
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, r.recv)
	assert.Equal(t, Idle, rc.State())
	assert.Equal(t, uint32(7), r.rx.Used(), "ring stays primed")
}

func TestFaultHandsOverWithoutRearm(t *testing.T) {
	r, rc := newRig(t, 0)
	r.sim.DMA.Hold(ring.TX, 0, true)
	r.send(t, "x")
	r.sim.DMA.InjectFault(ring.TX, 0, dma.StatusSlaveErr)

	assert.False(t, rc.Poll())
	require.Len(t, r.faults, 1)
	assert.NotZero(t, r.faults[0]&dma.StatusSlaveErr)
	assert.Equal(t, Draining, rc.State())
	assert.True(t, r.irqMasked())
	assert.Empty(t, r.sent)

	assert.False(t, rc.Poll())
	assert.Len(t, r.faults, 1, "no repeated reports while faulted")

	rc.Resume()
	assert.Equal(t, Idle, rc.State())
}

func TestRun(t *testing.T) {
	r, rc := newRig(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rc.Run(ctx) }()

	for i := 0; i < 20; i++ {
		f, ok := r.pool.Alloc()
		require.True(t, ok)
		for {
			err := r.tx.Enqueue(i, ring.Segment{Frame: f, Len: 60})
			if err == nil {
				break
			}
			require.ErrorIs(t, err, ring.ErrBusy)
			time.Sleep(10 * time.Microsecond)
		}
	}
	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.sent) == 20
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// raceEngine reports a completion right after interrupts are unmasked.
type raceEngine struct {
	dma.Engine
	unmasked bool
	raced    bool
}

func (e *raceEngine) EnableInterrupts(_ ring.Direction, _ int, on bool) { e.unmasked = on }

func (e *raceEngine) PollStatus(dir ring.Direction, _ int) dma.Status {
	if dir == ring.TX && e.unmasked && !e.raced {
		e.raced = true
		return dma.StatusIOC
	}
	return 0
}

func (e *raceEngine) ClearStatus(ring.Direction, int, dma.Status) {}

func TestCompletionRacingRearmIsNotLost(t *testing.T) {
	e := &raceEngine{}
	rc, err := New(Options{Engine: e, Log: test.NewLogger()})
	require.NoError(t, err)

	assert.True(t, rc.Poll())
	assert.Equal(t, Draining, rc.State())
	assert.False(t, e.unmasked)

	assert.False(t, rc.Poll())
	assert.Equal(t, Idle, rc.State())
	assert.True(t, e.unmasked)
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoEngine)
}
