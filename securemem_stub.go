//go:build !linux

package sealio

import "errors"

// Memory pinning and process hardening require Linux. Allocation fails
// loudly here rather than silently handing out unpinned memory.

func allocPinned(size int) ([]byte, error) {
	return nil, NewResourceError("secure memory",
		errors.New("memory pinning unavailable on this platform"))
}

func freePinned(buf []byte) error {
	return nil
}

// HardenProcess is unavailable off Linux
func HardenProcess() error {
	return NewResourceError("process hardening",
		errors.New("core dump hardening unavailable on this platform"))
}

func mapFile(fd uintptr, length int, writable bool) ([]byte, error) {
	return nil, ErrNotSupported
}

func unmapFile(data []byte) error {
	return nil
}
