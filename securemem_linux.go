//go:build linux

package sealio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// allocPinned maps an anonymous region, locks it against swap and excludes
// it from core dumps and forked children. The mapping is page-rounded; the
// caller sees the full mapping so wipes cover every byte.
func allocPinned(size int) ([]byte, error) {
	pageSize := os.Getpagesize()
	mapSize := (size + pageSize - 1) &^ (pageSize - 1)

	buf, err := unix.Mmap(-1, 0, mapSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, NewResourceError("secure memory", fmt.Errorf("mmap failed: %w", err))
	}

	if err := unix.Mlock(buf); err != nil {
		unix.Munmap(buf)
		return nil, NewResourceError("secure memory", fmt.Errorf("mlock failed: %w", err))
	}

	// Best effort: keep the pages out of dumps and wipe them in forks
	unix.Madvise(buf, unix.MADV_DONTDUMP)
	unix.Madvise(buf, unix.MADV_WIPEONFORK)

	return buf, nil
}

// freePinned unlocks and unmaps a region allocated by allocPinned. The
// caller has already wiped it.
func freePinned(buf []byte) error {
	if buf == nil {
		return nil
	}
	unix.Munlock(buf)
	if err := unix.Munmap(buf); err != nil {
		return NewResourceError("secure memory", fmt.Errorf("munmap failed: %w", err))
	}
	return nil
}

// HardenProcess disables core dumps for the whole process: the dumpable
// flag is cleared and RLIMIT_CORE is zeroed. Invoked at bootstrap when
// Config.DisableCoreDumps is set.
func HardenProcess() error {
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return NewResourceError("process hardening", fmt.Errorf("prctl failed: %w", err))
	}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return NewResourceError("process hardening", fmt.Errorf("setrlimit failed: %w", err))
	}
	return nil
}

// mapFile maps length bytes of an open descriptor. Writable mappings use
// MAP_SHARED so stores reach the file, matching what callers of the
// refused write-mapping path would have received.
func mapFile(fd uintptr, length int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(fd), 0, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, NewIOError("mmap", "", err)
	}
	return data, nil
}

// unmapFile releases a mapping produced by mapFile
func unmapFile(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
