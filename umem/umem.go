// Package umem implements the DMA frame arena: one page-backed region
// carved into fixed-size frames that are handed out to rings, mapped for
// device access while posted, and returned on completion.
//
// Frame lifecycle:
//
//	free --Alloc--> held --Map--> mapped --Unmap--> held --Release--> free
//
// Any transition out of order is rejected, which makes double release and
// release of a frame still owned by hardware detectable.
package umem

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= 2")
	ErrFrameSizeTooSmall = errors.New("FrameSize must be >= 128")
	ErrForeignFrame      = errors.New("frame does not belong to this arena")
	ErrDoubleRelease     = errors.New("frame released twice")
	ErrFrameMapped       = errors.New("frame is still mapped for DMA")
	ErrNotMapped         = errors.New("frame is not mapped")
	ErrAlreadyMapped     = errors.New("frame is already mapped")
	ErrNotAllocated      = errors.New("frame is not allocated")
	ErrClosed            = errors.New("arena closed")
)

const (
	DefaultNumFrames = 1024
	DefaultFrameSize = 2048
)

type Config struct {
	// NumFrames is the total number of frames in the arena.
	NumFrames uint32 `yaml:"num-frames"`
	// FrameSize defines the size of each frame in bytes.
	FrameSize uint32 `yaml:"frame-size"`
	// BusBase is the device-visible address of the first frame.
	BusBase uint64 `yaml:"bus-base"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.NumFrames < 2 {
		return ErrNumFramesTooSmall
	}
	if c.FrameSize < 128 {
		return ErrFrameSizeTooSmall
	}
	return nil
}

// Frame is a borrowed arena frame.
type Frame struct {
	// Buf points directly into the arena.
	Buf []byte

	// Addr is the frame's offset within the arena.
	Addr uint64
}

type frameState uint8

const (
	stateFree frameState = iota
	stateHeld
	stateMapped
)

// UMEM is a frame arena. It is safe for concurrent use.
type UMEM struct {
	conf Config

	lock       sync.Mutex
	mem        []byte
	freeFrames []uint64
	state      []frameState
	mapped     int
}

// New allocates the arena.
func New(conf Config) (*UMEM, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	mem, err := allocArena(int(conf.NumFrames) * int(conf.FrameSize))
	if err != nil {
		return nil, fmt.Errorf("allocating arena: %w", err)
	}

	freeFrames := make([]uint64, conf.NumFrames)
	for i := range conf.NumFrames {
		// Hand out low addresses first.
		freeFrames[conf.NumFrames-1-i] = uint64(i) * uint64(conf.FrameSize)
	}

	return &UMEM{
		conf:       conf,
		mem:        mem,
		freeFrames: freeFrames,
		state:      make([]frameState, conf.NumFrames),
	}, nil
}

func (u *UMEM) FrameSize() uint32 { return u.conf.FrameSize }

func (u *UMEM) NumFrames() uint32 { return u.conf.NumFrames }

// FreeFrames returns the number of frames available to Alloc.
func (u *UMEM) FreeFrames() int {
	u.lock.Lock()
	defer u.lock.Unlock()
	return len(u.freeFrames)
}

// Mapped returns the number of frames currently mapped for DMA.
func (u *UMEM) Mapped() int {
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.mapped
}

// Alloc returns a writable frame. ok is false when the arena is exhausted.
func (u *UMEM) Alloc() (f Frame, ok bool) {
	u.lock.Lock()
	defer u.lock.Unlock()

	n := len(u.freeFrames)
	if n == 0 || u.mem == nil {
		return Frame{}, false
	}
	addr := u.freeFrames[n-1]
	u.freeFrames = u.freeFrames[:n-1]
	u.state[addr/uint64(u.conf.FrameSize)] = stateHeld

	return u.frame(addr), true
}

// Release returns a held frame to the arena.
func (u *UMEM) Release(f Frame) error {
	u.lock.Lock()
	defer u.lock.Unlock()

	i, err := u.index(f)
	if err != nil {
		return err
	}
	switch u.state[i] {
	case stateFree:
		return fmt.Errorf("%w: addr %#x", ErrDoubleRelease, f.Addr)
	case stateMapped:
		return fmt.Errorf("%w: addr %#x", ErrFrameMapped, f.Addr)
	}
	u.state[i] = stateFree
	u.freeFrames = append(u.freeFrames, f.Addr)
	return nil
}

// Map makes a held frame visible to the device and returns its bus address.
func (u *UMEM) Map(f Frame) (uint64, error) {
	u.lock.Lock()
	defer u.lock.Unlock()

	i, err := u.index(f)
	if err != nil {
		return 0, err
	}
	switch u.state[i] {
	case stateMapped:
		return 0, fmt.Errorf("%w: addr %#x", ErrAlreadyMapped, f.Addr)
	case stateFree:
		return 0, fmt.Errorf("%w: addr %#x", ErrNotAllocated, f.Addr)
	}
	u.state[i] = stateMapped
	u.mapped++
	return u.conf.BusBase + f.Addr, nil
}

// Unmap revokes device access to a mapped frame.
func (u *UMEM) Unmap(f Frame) error {
	u.lock.Lock()
	defer u.lock.Unlock()

	i, err := u.index(f)
	if err != nil {
		return err
	}
	if u.state[i] != stateMapped {
		return fmt.Errorf("%w: addr %#x", ErrNotMapped, f.Addr)
	}
	u.state[i] = stateHeld
	u.mapped--
	return nil
}

// Close releases the arena memory. Frames must not be used afterwards.
func (u *UMEM) Close() error {
	u.lock.Lock()
	defer u.lock.Unlock()

	if u.mem == nil {
		return nil
	}
	err := freeArena(u.mem)
	u.mem = nil
	u.freeFrames = nil
	return err
}

func (u *UMEM) frame(addr uint64) Frame {
	start := int(addr)
	end := start + int(u.conf.FrameSize)
	return Frame{Buf: u.mem[start:end:end], Addr: addr}
}

func (u *UMEM) index(f Frame) (int, error) {
	if u.mem == nil {
		return 0, ErrClosed
	}
	fs := uint64(u.conf.FrameSize)
	if f.Addr%fs != 0 || f.Addr/fs >= uint64(u.conf.NumFrames) {
		return 0, fmt.Errorf("%w: addr %#x", ErrForeignFrame, f.Addr)
	}
	return int(f.Addr / fs), nil
}
