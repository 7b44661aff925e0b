//go:build linux

package umem

import "golang.org/x/sys/unix"

// allocArena maps an anonymous, page-backed region for the arena.
func allocArena(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
}

func freeArena(mem []byte) error { return unix.Munmap(mem) }
