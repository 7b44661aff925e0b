//go:build !linux

package umem

func allocArena(length int) ([]byte, error) { return make([]byte, length), nil }

func freeArena([]byte) error { return nil }
