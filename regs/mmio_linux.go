//go:build linux

package regs

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrWindowTooSmall = errors.New("register window smaller than requested offset")

// MMIO is a register window mapped from a UIO device (/dev/uioN).
type MMIO struct {
	f   *os.File
	mem []byte
}

// OpenUIO maps size bytes of map index mapIndex of the UIO device at path.
func OpenUIO(path string, mapIndex int, size int) (*MMIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	// UIO selects map N through an offset of N pages.
	off := int64(mapIndex) * int64(os.Getpagesize())
	mem, err := unix.Mmap(int(f.Fd()), off, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mapping %q map%d: %w", path, mapIndex, err)
	}
	return &MMIO{f: f, mem: mem}, nil
}

func (m *MMIO) reg(off uint32) *uint32 {
	if int(off)+4 > len(m.mem) || off%4 != 0 {
		panic(fmt.Errorf("%w: %#x", ErrWindowTooSmall, off))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

func (m *MMIO) Read32(off uint32) uint32 { return atomic.LoadUint32(m.reg(off)) }

func (m *MMIO) Write32(off uint32, v uint32) { atomic.StoreUint32(m.reg(off), v) }

// Close unmaps the window and closes the device.
func (m *MMIO) Close() error {
	var errs []error
	if m.mem != nil {
		if err := unix.Munmap(m.mem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping registers: %w", err))
		}
		m.mem = nil
	}
	if m.f != nil {
		if err := m.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing device: %w", err))
		}
		m.f = nil
	}
	return errors.Join(errs...)
}
