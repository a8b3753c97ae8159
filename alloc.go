// Package lockmem stores sensitive data on locked, guarded, scrubbed
// memory. Buffer is a fixed-length typed array on protected pages; Key
// additionally keeps its pages unmapped except inside an explicit read
// or write lease.
package lockmem

import (
	"sync"

	"lockmem/internal/heap"
)

// Allocator is the capability buffers allocate through. Alloc returns
// junk-filled memory, AllocZero returns zeroes. Free scrubs before the
// memory is reused or unmapped.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	AllocZero(size int) ([]byte, error)
	Free(b []byte)
}

// KeyAllocator additionally drives page protection. Regions from a
// KeyAllocator never share pages with other allocations and bypass the
// free-page cache.
type KeyAllocator interface {
	Allocator
	Seal(b []byte) error
	GrantRead(b []byte) error
	GrantWrite(b []byte) error
}

var (
	defaultOnce sync.Once
	defaultHeap *heap.Heap
	defaultKeys *heap.KeyHeap
)

func initDefault() {
	h, err := heap.CreateHeap()
	if err != nil {
		panic("lockmem: cannot map initial heap page: " + err.Error())
	}
	defaultHeap = h
	defaultKeys = heap.CreateKeyHeap()
}

// Default returns the process-wide buffer allocator, created on first
// use.
func Default() Allocator {
	defaultOnce.Do(initDefault)
	return defaultHeap
}

// DefaultKey returns the process-wide key allocator, created on first
// use.
func DefaultKey() KeyAllocator {
	defaultOnce.Do(initDefault)
	return defaultKeys
}

// Teardown scrubs and unmaps everything both process-wide allocators
// still hold, live containers included. Any use of the allocators after
// this panics.
func Teardown() {
	defaultOnce.Do(initDefault)
	defaultHeap.Teardown()
	defaultKeys.Teardown()
}

// Stats is a counter snapshot of the default heap.
type Stats = heap.Stats

// HeapStats reports the default heap's counters. All zero unless built
// with the lockmem_stats tag.
func HeapStats() Stats {
	defaultOnce.Do(initDefault)
	return defaultHeap.Stats()
}
