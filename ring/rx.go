package ring

import (
	"fmt"
	"sync/atomic"

	"github.com/romshark/tsn-dma-go/umem"
)

// RxDone is a received frame. Buf is trimmed to the received length. The
// frame is owned by the caller, who must return it to the pool.
type RxDone struct {
	Frame  umem.Frame
	Len    uint32
	Status Status
}

// RxRing is a receive descriptor ring kept primed with pool buffers.
type RxRing struct {
	*Ring

	dropped   atomic.Uint64
	allocFail atomic.Uint64
}

func NewRx(conf Config) (*RxRing, error) {
	r, err := newRing(RX, conf)
	if err != nil {
		return nil, err
	}
	return &RxRing{Ring: r}, nil
}

// Post maps f and binds it at head without ringing the doorbell.
func (r *RxRing) Post(f umem.Frame) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.post(f)
}

func (r *RxRing) post(f umem.Frame) error {
	if r.free() == 0 {
		return ErrRingFull
	}
	a, err := r.pool.Map(f)
	if err != nil {
		return fmt.Errorf("mapping rx buffer: %w", err)
	}
	r.descs[r.head&r.mask].post(a, Ctrl(len(f.Buf))&CtrlLengthMask, f, nil)
	r.head++
	return nil
}

// Commit rings the doorbell for everything posted so far.
func (r *RxRing) Commit() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.used() > 0 {
		r.doorbell()
	}
}

// Fill posts fresh pool frames until the ring is full or the pool runs dry,
// then rings the doorbell once. It returns the number of frames posted.
func (r *RxRing) Fill() (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	n := 0
	for r.free() > 0 {
		f, ok := r.pool.Alloc()
		if !ok {
			r.allocFail.Add(1)
			break
		}
		if err := r.post(f); err != nil {
			_ = r.pool.Release(f)
			if n > 0 {
				r.doorbell()
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		r.doorbell()
	}
	return n, nil
}

// Harvest retires up to budget completed descriptors in ring order and
// reposts a fresh buffer for each before ringing the doorbell, so the ring
// stays primed. Zero-length and error-marked completions are released
// instead of returned. If no replacement buffer is available the completed
// descriptor stays in place for a later call. n is the number of
// descriptors retired, delivered or not.
func (r *RxRing) Harvest(budget int) (done []RxDone, n int) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for n < budget && r.used() > 0 {
		d := &r.descs[r.tail&r.mask]
		st := d.Status()
		if !st.Complete() {
			break
		}

		fresh, ok := r.pool.Alloc()
		if !ok {
			r.allocFail.Add(1)
			break
		}
		freshAddr, err := r.pool.Map(fresh)
		if err != nil {
			_ = r.pool.Release(fresh)
			r.allocFail.Add(1)
			break
		}

		f := d.frame
		_ = r.pool.Unmap(f)
		d.clear()
		r.tail++
		n++

		if length := st.Len(); st.Err() || length == 0 || int(length) > len(f.Buf) {
			r.dropped.Add(1)
			_ = r.pool.Release(f)
		} else {
			f.Buf = f.Buf[:length]
			done = append(done, RxDone{Frame: f, Len: length, Status: st})
		}

		r.descs[r.head&r.mask].post(freshAddr, Ctrl(len(fresh.Buf))&CtrlLengthMask, fresh, nil)
		r.head++
	}
	if n > 0 {
		r.doorbell()
	}
	return done, n
}

// Drain unmaps and releases every posted buffer and returns the ring to its
// base. Hardware must be halted.
func (r *RxRing) Drain() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	n := 0
	for ; r.used() > 0; r.tail++ {
		d := &r.descs[r.tail&r.mask]
		if d.hw {
			_ = r.pool.Unmap(d.frame)
			_ = r.pool.Release(d.frame)
			n++
		}
		d.clear()
	}
	r.reset()
	return n
}

// Dropped returns the number of completions discarded for errors or zero
// length.
func (r *RxRing) Dropped() uint64 { return r.dropped.Load() }

// AllocFailures returns how often a refill found the pool empty.
func (r *RxRing) AllocFailures() uint64 { return r.allocFail.Load() }
