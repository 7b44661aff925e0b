// Package regs provides 32-bit register window access for DMA and shaper
// register blocks, either backed by memory (simulation, tests) or by a
// memory-mapped UIO device.
package regs

import (
	"fmt"
	"sync/atomic"
)

// Registers is a window of 32-bit device registers addressed by byte offset.
// Offsets must be 4-byte aligned.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Or sets bits in the register at off (read-modify-write).
func Or(r Registers, off, bits uint32) { r.Write32(off, r.Read32(off)|bits) }

// AndNot clears bits in the register at off (read-modify-write).
func AndNot(r Registers, off, bits uint32) { r.Write32(off, r.Read32(off)&^bits) }

// Write64 writes v as a low/high register pair. The high word is written
// first so that devices latching on the low word see a complete value.
func Write64(r Registers, off uint32, v uint64) {
	r.Write32(off+4, uint32(v>>32))
	r.Write32(off, uint32(v))
}

// Read64 reads a low/high register pair.
func Read64(r Registers, off uint32) uint64 {
	return uint64(r.Read32(off+4))<<32 | uint64(r.Read32(off))
}

// WriteHook intercepts a register write. The hook owns the update: it stores
// whatever the device would latch (Store32), which lets a device model
// implement write-one-to-clear bits, self-clearing bits and side effects
// under its own lock.
type WriteHook func(off, v uint32)

// Mem is a register window backed by ordinary memory.
type Mem struct {
	words []atomic.Uint32
	hook  WriteHook
}

// NewMem allocates a zeroed register window of size bytes.
func NewMem(size uint32) *Mem {
	return &Mem{words: make([]atomic.Uint32, (size+3)/4)}
}

// SetHook installs the write hook. It must be called before the window is
// shared.
func (m *Mem) SetHook(h WriteHook) { m.hook = h }

// Size returns the window size in bytes.
func (m *Mem) Size() uint32 { return uint32(len(m.words)) * 4 }

func (m *Mem) Read32(off uint32) uint32 { return m.word(off).Load() }

func (m *Mem) Write32(off uint32, v uint32) {
	if m.hook == nil {
		m.word(off).Store(v)
		return
	}
	m.hook(off, v)
}

// Store32 updates a register without running the write hook. Device models
// use it for hardware-side updates.
func (m *Mem) Store32(off uint32, v uint32) { m.word(off).Store(v) }

// Update atomically applies fn to the register without running the write
// hook.
func (m *Mem) Update(off uint32, fn func(uint32) uint32) {
	w := m.word(off)
	for {
		old := w.Load()
		if w.CompareAndSwap(old, fn(old)) {
			return
		}
	}
}

func (m *Mem) word(off uint32) *atomic.Uint32 {
	if off%4 != 0 || int(off/4) >= len(m.words) {
		panic(fmt.Sprintf("regs: offset %#x out of window (size %#x)", off, m.Size()))
	}
	return &m.words[off/4]
}
