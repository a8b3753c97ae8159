package lockmem

import (
	crand "crypto/rand"
	"crypto/subtle"
	"unsafe"
)

// Element is any scalar a Buffer can hold. Nothing with pointers or
// interior state, the allocator only ever copies and wipes raw bytes.
type Element interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr |
		~float32 | ~float64
}

// Buffer is a fixed-length array of n elements backed by a single chunk
// of protected memory. The length never changes; Destroy scrubs and
// returns the chunk.
type Buffer[T Element] struct {
	alloc Allocator
	raw   []byte
	elems []T
}

func elemSize[T Element]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

func createBuffer[T Element](a Allocator, n int, zero bool) (*Buffer[T], error) {
	size := n * elemSize[T]()

	var raw []byte
	var err error
	if zero {
		raw, err = a.AllocZero(size)
	} else {
		raw, err = a.Alloc(size)
	}
	if err != nil {
		return nil, &AllocError{Size: size, Cause: err}
	}

	b := &Buffer[T]{alloc: a, raw: raw}
	if n > 0 {
		b.elems = unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(raw))), n)
	}
	return b, nil
}

// CreateBuffer returns a zero-filled buffer of n elements on the default
// allocator.
func CreateBuffer[T Element](n int) (*Buffer[T], error) {
	return CreateBufferOn[T](Default(), n)
}

func CreateBufferOn[T Element](a Allocator, n int) (*Buffer[T], error) {
	return createBuffer[T](a, n, true)
}

// CreateBufferFrom copies src into a fresh buffer. The caller's slice is
// untouched and remains the caller's scrubbing problem.
func CreateBufferFrom[T Element](src []T) (*Buffer[T], error) {
	return CreateBufferFromOn(Default(), src)
}

func CreateBufferFromOn[T Element](a Allocator, src []T) (*Buffer[T], error) {
	b, err := createBuffer[T](a, len(src), false)
	if err != nil {
		return nil, err
	}
	copy(b.elems, src)
	return b, nil
}

// CreateBufferRand returns a buffer of n elements filled with OS
// randomness.
func CreateBufferRand[T Element](n int) (*Buffer[T], error) {
	return CreateBufferRandOn[T](Default(), n)
}

func CreateBufferRandOn[T Element](a Allocator, n int) (*Buffer[T], error) {
	b, err := createBuffer[T](a, n, false)
	if err != nil {
		return nil, err
	}
	if _, err := crand.Read(b.raw); err != nil {
		b.Destroy()
		return nil, &AllocError{Size: len(b.raw), Cause: err}
	}
	return b, nil
}

func (b *Buffer[T]) Len() int {
	return len(b.elems)
}

// Get reads element i. An index out of range panics.
func (b *Buffer[T]) Get(i int) T {
	return b.elems[i]
}

func (b *Buffer[T]) Set(i int, v T) {
	b.elems[i] = v
}

// Slice returns a direct view of the elements. The view aliases the
// protected chunk and dies with the buffer.
func (b *Buffer[T]) Slice() []T {
	return b.elems
}

// Bytes returns the raw byte view of the chunk.
func (b *Buffer[T]) Bytes() []byte {
	return b.raw
}

// Equal compares contents without early exit on mismatching bytes, so
// it is safe for MACs and other secret-dependent tags. Length is not
// treated as secret.
func (b *Buffer[T]) Equal(o *Buffer[T]) bool {
	return subtle.ConstantTimeCompare(b.raw, o.raw) == 1
}

// Destroy wipes the chunk and hands it back to the allocator. A second
// Destroy is a double free and fatal.
func (b *Buffer[T]) Destroy() {
	if b.elems == nil && b.raw == nil && b.alloc == nil {
		panic("lockmem: buffer destroyed twice")
	}
	b.alloc.Free(b.raw)
	b.alloc = nil
	b.raw = nil
	b.elems = nil
}
