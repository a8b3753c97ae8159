//go:build linux && !lockmem_nomlock

package vmem

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// Lock pins region into RAM so it can never hit swap. Builds with the
// lockmem_nomlock tag turn this into a no-op for environments with a
// restrictive RLIMIT_MEMLOCK.
func Lock(region []byte) error {
	err := unix.Mlock(region)
	if err != nil {
		slog.Error("Lock", "len", len(region), "err", err)
		return &PageOpError{Op: "mlock", Errno: err}
	}
	return nil
}

func Unlock(region []byte) error {
	err := unix.Munlock(region)
	if err != nil {
		slog.Error("Unlock", "len", len(region), "err", err)
		return &PageOpError{Op: "munlock", Errno: err}
	}
	return nil
}
