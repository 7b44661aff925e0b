package ring

import (
	"fmt"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/romshark/tsn-dma-go/umem"
)

// Segment is one scatter-gather piece of a packet.
type Segment struct {
	Frame umem.Frame
	Len   uint32
}

// TxDone reports a retired packet. Frames are unmapped and owned by the
// caller, who must return them to the pool.
type TxDone struct {
	Handle any
	Frames []umem.Frame
	Bytes  uint64
	// Status is the write-back of the last segment. It lacks
	// StatusComplete for packets dropped by Drain.
	Status Status
}

// Waiter is a registered space notification.
type Waiter struct {
	fn   func()
	done atomic.Bool
}

// Cancel withdraws the notification. It is safe to call after it fired.
func (w *Waiter) Cancel() { w.done.Store(true) }

func (w *Waiter) fire() {
	if w.done.CompareAndSwap(false, true) {
		w.fn()
	}
}

// TxRing is a transmit descriptor ring.
type TxRing struct {
	*Ring

	stopped   bool // closed by the queue gate
	suspended bool // held by fault recovery
	waiters   *queue.Queue
	busy      atomic.Uint64
}

func NewTx(conf Config) (*TxRing, error) {
	r, err := newRing(TX, conf)
	if err != nil {
		return nil, err
	}
	return &TxRing{Ring: r, waiters: queue.New()}, nil
}

// Enqueue posts a packet made of segs and rings the doorbell. handle is
// returned with the packet's TxDone. Either every segment is posted or none
// is: ErrBusy means the ring lacks room for all of them, which is a normal
// backpressure condition.
func (r *TxRing) Enqueue(handle any, segs ...Segment) error {
	k := uint32(len(segs))
	if k == 0 {
		return ErrNoSegments
	}
	if k > r.Capacity()-1 {
		return fmt.Errorf("%w: %d > %d", ErrTooManySegments, k, r.Capacity()-1)
	}
	for i, s := range segs {
		if s.Len == 0 || s.Len > uint32(CtrlLengthMask) || int(s.Len) > len(s.Frame.Buf) {
			return fmt.Errorf("%w: segment %d length %d", ErrSegmentLength, i, s.Len)
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.stopped {
		return ErrQueueStopped
	}
	// Free already excludes the reserved slot, so k descriptors need
	// free >= k, i.e. k+1 empty slots.
	if r.suspended || r.free() < k {
		r.busy.Add(1)
		return ErrBusy
	}

	var addrsArr [8]uint64
	addrs := addrsArr[:0]
	for i, s := range segs {
		a, err := r.pool.Map(s.Frame)
		if err != nil {
			for _, m := range segs[:i] {
				_ = r.pool.Unmap(m.Frame)
			}
			return fmt.Errorf("mapping segment %d: %w", i, err)
		}
		addrs = append(addrs, a)
	}

	for i, s := range segs {
		ctrl := Ctrl(s.Len)
		var h any
		if i == 0 {
			ctrl |= CtrlSOF
		}
		if i == len(segs)-1 {
			ctrl |= CtrlEOF
			h = handle
		}
		r.descs[(r.head+uint32(i))&r.mask].post(addrs[i], ctrl, s.Frame, h)
	}
	r.head += k
	r.doorbell()
	return nil
}

// NotifyOnSpace registers fn to run once after at least one descriptor has
// been reclaimed or the ring resumes. Callers that got ErrBusy register and
// then retry once, so that a reclaim landing between the failed attempt and
// the registration is not missed.
func (r *TxRing) NotifyOnSpace(fn func()) *Waiter {
	w := &Waiter{fn: fn}
	r.lock.Lock()
	r.waiters.Add(w)
	r.lock.Unlock()
	return w
}

// Reclaim retires completed packets in ring order. A packet is retired only
// when all of its segments are complete; reclaim stops at the first packet
// that is not. budget <= 0 means no limit.
func (r *TxRing) Reclaim(budget int) []TxDone {
	var done []TxDone
	var wake []*Waiter

	r.lock.Lock()
	for budget <= 0 || len(done) < budget {
		n, ok := r.completedPacket()
		if !ok {
			break
		}
		done = append(done, r.retire(n))
	}
	if len(done) > 0 {
		wake = r.takeWaiters()
	}
	r.lock.Unlock()

	for _, w := range wake {
		w.fire()
	}
	return done
}

// completedPacket returns the descriptor count of the packet at tail if all
// of it has been completed by hardware.
func (r *TxRing) completedPacket() (uint32, bool) {
	used := r.used()
	for n := uint32(0); n < used; n++ {
		d := &r.descs[(r.tail+n)&r.mask]
		if !d.Status().Complete() {
			return 0, false
		}
		if d.ctrl&CtrlEOF != 0 {
			return n + 1, true
		}
	}
	return 0, false
}

// retire unbinds n descriptors from tail, which form one packet.
func (r *TxRing) retire(n uint32) TxDone {
	td := TxDone{Frames: make([]umem.Frame, 0, n)}
	for range n {
		d := &r.descs[r.tail&r.mask]
		if d.hw {
			_ = r.pool.Unmap(d.frame)
		}
		td.Frames = append(td.Frames, d.frame)
		td.Bytes += uint64(d.ctrl.Len())
		if d.ctrl&CtrlEOF != 0 {
			td.Handle = d.handle
			td.Status = d.Status()
		}
		d.clear()
		r.tail++
	}
	return td
}

func (r *TxRing) takeWaiters() []*Waiter {
	n := r.waiters.Length()
	if n == 0 {
		return nil
	}
	ws := make([]*Waiter, 0, n)
	for r.waiters.Length() > 0 {
		ws = append(ws, r.waiters.Remove().(*Waiter))
	}
	return ws
}

// Stop closes the queue: Enqueue fails with ErrQueueStopped until Start.
// Descriptors already posted keep draining. Once Stop returns no Enqueue is
// in progress.
func (r *TxRing) Stop() {
	r.lock.Lock()
	r.stopped = true
	r.lock.Unlock()
}

// Start reopens a stopped queue and wakes waiting producers.
func (r *TxRing) Start() {
	r.lock.Lock()
	r.stopped = false
	wake := r.takeWaiters()
	r.lock.Unlock()
	for _, w := range wake {
		w.fire()
	}
}

func (r *TxRing) Stopped() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.stopped
}

// Suspend makes Enqueue report ErrBusy until Resume.
func (r *TxRing) Suspend() {
	r.lock.Lock()
	r.suspended = true
	r.lock.Unlock()
}

// Resume lifts Suspend and wakes waiting producers.
func (r *TxRing) Resume() {
	r.lock.Lock()
	r.suspended = false
	wake := r.takeWaiters()
	r.lock.Unlock()
	for _, w := range wake {
		w.fire()
	}
}

// Drain retires every outstanding descriptor regardless of completion
// status and returns the ring to its base. Hardware must be halted. The
// returned packets are in ring order; a trailing packet cut short by a
// missing end-of-packet descriptor is still returned.
func (r *TxRing) Drain() []TxDone {
	r.lock.Lock()
	defer r.lock.Unlock()

	var done []TxDone
	for r.used() > 0 {
		n := uint32(0)
		for used := r.used(); n < used; {
			d := &r.descs[(r.tail+n)&r.mask]
			n++
			if d.ctrl&CtrlEOF != 0 {
				break
			}
		}
		done = append(done, r.retire(n))
	}
	r.reset()
	return done
}

// BusyCount returns how often Enqueue reported ErrBusy.
func (r *TxRing) BusyCount() uint64 { return r.busy.Load() }
