//go:build linux

// Thin wrappers over the kernel's paging syscalls. Everything above this
// package deals in whole pages and never calls unix.* directly.
package vmem

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

const MMAP_MODE	= unix.MAP_ANON | unix.MAP_PRIVATE
const MADV_MODE	= unix.MADV_DONTDUMP | unix.MADV_DONTFORK

// Page protection. NoAccess means neither read nor write is allowed,
// any touch faults.
type Prot int

const (
	NoAccess Prot = iota
	ReadOnly
	ReadWrite
)

func (p Prot) String() string {
	switch p {
	case NoAccess:
		return "none"
	case ReadOnly:
		return "r"
	case ReadWrite:
		return "rw"
	}
	return "invalid"
}

// On most hardware PROT_WRITE implies PROT_READ, so there is no
// write-only protection level.
func (p Prot) osProt() int {
	switch p {
	case NoAccess:
		return unix.PROT_NONE
	case ReadOnly:
		return unix.PROT_READ
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	}
	panic("vmem: invalid protection value")
}

// A failed paging syscall, surfaced to the pool. The pool never retries:
// it hands the error to its caller, except a failed munlock, which it logs.
type PageOpError struct {
	Op    string
	Errno error
}

func (e *PageOpError) Error() string {
	return fmt.Sprintf("vmem: %s failed: %v", e.Op, e.Errno)
}

func (e *PageOpError) Unwrap() error {
	return e.Errno
}

var pageSizeOnce sync.Once
var pageSize int

func PageSize() int {
	pageSizeOnce.Do(func() {
		pageSize = unix.Getpagesize()
	})
	return pageSize
}

func PageMask() uintptr {
	return uintptr(PageSize()) - 1
}

// Reserve maps nPages of anonymous private memory. The region is
// page-aligned and not backed by any file, contents undefined.
func Reserve(nPages int, prot Prot) ([]byte, error) {
	region, err := unix.Mmap(-1, 0, nPages*PageSize(), prot.osProt(), MMAP_MODE)
	if err != nil {
		slog.Error("Reserve", "pages", nPages, "err", err)
		return nil, &PageOpError{Op: "mmap", Errno: err}
	}
	return region, nil
}

func Release(region []byte) error {
	err := unix.Munmap(region)
	if err != nil {
		slog.Error("Release", "len", len(region), "err", err)
		return &PageOpError{Op: "munmap", Errno: err}
	}
	return nil
}

// SetProt changes the protection of region. The kernel has applied the new
// protection by the time this returns; a violating access faults.
func SetProt(region []byte, prot Prot) error {
	err := unix.Mprotect(region, prot.osProt())
	if err != nil {
		slog.Error("SetProt", "len", len(region), "prot", prot, "err", err)
		return &PageOpError{Op: "mprotect", Errno: err}
	}
	return nil
}

// Advise excludes region from core dumps and from child mappings after
// fork. EINVAL is ignored, old kernels know neither flag.
func Advise(region []byte) {
	err := unix.Madvise(region, MADV_MODE)
	if err != nil && err != unix.EINVAL {
		slog.Warn("Advise", "len", len(region), "err", err)
	}
}
