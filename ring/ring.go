// Package ring implements the TX and RX descriptor rings shared between
// software and a DMA engine.
//
// A ring of capacity N tracks a free-running head (next slot to post,
// producer-owned) and tail (oldest unretired slot, consumer-owned). One slot
// is always kept empty so that head == tail unambiguously means empty:
// used = head - tail never exceeds N-1.
//
// Each ring has a single mutex serializing head/tail mutation between the
// producer, the reclaimer and fault recovery. The lock is never held while
// waiting on hardware; the only register access made under it is the tail
// doorbell write, which does not stall.
package ring

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/romshark/tsn-dma-go/umem"
)

var (
	ErrRingFull        = errors.New("ring full")
	ErrBusy            = errors.New("ring busy")
	ErrQueueStopped    = errors.New("queue stopped")
	ErrNoSegments      = errors.New("no segments")
	ErrTooManySegments = errors.New("more segments than ring capacity")
	ErrSegmentLength   = errors.New("invalid segment length")
	ErrCapacity        = errors.New("capacity must be a power of two >= 2")
	ErrNoPool          = errors.New("pool is required")
)

const (
	DefaultTxCapacity = 64
	DefaultRxCapacity = 128
)

// Pool is the buffer arena a ring allocates from and maps through.
type Pool interface {
	Alloc() (umem.Frame, bool)
	Release(umem.Frame) error
	Map(umem.Frame) (uint64, error)
	Unmap(umem.Frame) error
}

type Config struct {
	// Channel is the DMA channel (queue) this ring belongs to.
	Channel int
	// Capacity is the number of descriptors. Must be a power of two.
	Capacity uint32
	// Pool provides and maps the buffers bound to descriptors.
	Pool Pool
	// Kick notifies hardware that descriptors up to and including the one at
	// the given bus address are ready. May be nil.
	Kick func(tail uint64)
}

func (c *Config) validateAndSetDefaults(dir Direction) error {
	if c.Capacity == 0 {
		c.Capacity = DefaultTxCapacity
		if dir == RX {
			c.Capacity = DefaultRxCapacity
		}
	}
	if c.Capacity < 2 || bits.OnesCount32(c.Capacity) != 1 {
		return fmt.Errorf("%w: %d", ErrCapacity, c.Capacity)
	}
	if c.Pool == nil {
		return ErrNoPool
	}
	return nil
}

// Ring holds the state shared by TX and RX rings.
type Ring struct {
	lock sync.Mutex

	dir   Direction
	ch    int
	descs []Descriptor
	mask  uint32
	head  uint32
	tail  uint32
	base  uint64
	pool  Pool
	kick  func(uint64)
}

func newRing(dir Direction, conf Config) (*Ring, error) {
	if err := conf.validateAndSetDefaults(dir); err != nil {
		return nil, err
	}
	descs := make([]Descriptor, conf.Capacity)
	return &Ring{
		dir:   dir,
		ch:    conf.Channel,
		descs: descs,
		mask:  conf.Capacity - 1,
		base:  uint64(uintptr(unsafe.Pointer(&descs[0]))),
		pool:  conf.Pool,
		kick:  conf.Kick,
	}, nil
}

func (r *Ring) Direction() Direction { return r.dir }

func (r *Ring) Channel() int { return r.ch }

func (r *Ring) Capacity() uint32 { return uint32(len(r.descs)) }

// Base returns the bus address of descriptor 0.
func (r *Ring) Base() uint64 { return r.base }

// Used returns the number of descriptors between tail and head.
func (r *Ring) Used() uint32 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.used()
}

// Free returns the number of descriptors that can still be posted.
func (r *Ring) Free() uint32 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.free()
}

// Descriptor returns the slot at ring index i (taken modulo capacity).
// It is the hardware-side view of the ring.
func (r *Ring) Descriptor(i uint32) *Descriptor { return &r.descs[i&r.mask] }

// IndexOf maps a descriptor bus address back to its ring index.
func (r *Ring) IndexOf(addr uint64) (uint32, bool) {
	if addr < r.base {
		return 0, false
	}
	off := addr - r.base
	if off%DescriptorSize != 0 || off/DescriptorSize >= uint64(len(r.descs)) {
		return 0, false
	}
	return uint32(off / DescriptorSize), true
}

// AddrOf returns the bus address of the descriptor at ring index i.
func (r *Ring) AddrOf(i uint32) uint64 {
	return r.base + uint64(i&r.mask)*DescriptorSize
}

func (r *Ring) used() uint32 { return r.head - r.tail }

func (r *Ring) free() uint32 { return uint32(len(r.descs)) - 1 - r.used() }

// doorbell hands every descriptor up to head-1 to hardware.
func (r *Ring) doorbell() {
	if r.kick != nil {
		r.kick(r.AddrOf(r.head - 1))
	}
}

// reset returns the indices to the ring base. Every descriptor must already
// be software-owned.
func (r *Ring) reset() {
	for i := range r.descs {
		r.descs[i].clear()
	}
	r.head, r.tail = 0, 0
}
