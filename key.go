package lockmem

// Key holds a buffer on dedicated guarded pages that stay unmapped from
// the process view. The contents are only reachable inside ReadWith and
// WriteWith, which flip protection on entry and seal again on every exit
// path.
//
// Leases are shared for reads and exclusive for writes. Keys are not
// safe for concurrent use, their protection flips would race.
type Key[T Element] struct {
	alloc   KeyAllocator
	buf     *Buffer[T]
	leases  int
	writing bool
}

func sealBuffer[T Element](ka KeyAllocator, b *Buffer[T]) (*Key[T], error) {
	if err := ka.Seal(b.raw); err != nil {
		b.Destroy()
		return nil, &ProtError{Cause: err}
	}
	return &Key[T]{alloc: ka, buf: b}, nil
}

// CreateKey returns a sealed all-zero key of n elements.
func CreateKey[T Element](n int) (*Key[T], error) {
	return CreateKeyOn[T](DefaultKey(), n)
}

func CreateKeyOn[T Element](ka KeyAllocator, n int) (*Key[T], error) {
	b, err := CreateBufferOn[T](ka, n)
	if err != nil {
		return nil, err
	}
	return sealBuffer(ka, b)
}

// CreateKeyRand returns a sealed key of n elements of OS randomness.
func CreateKeyRand[T Element](n int) (*Key[T], error) {
	return CreateKeyRandOn[T](DefaultKey(), n)
}

func CreateKeyRandOn[T Element](ka KeyAllocator, n int) (*Key[T], error) {
	b, err := CreateBufferRandOn[T](ka, n)
	if err != nil {
		return nil, err
	}
	return sealBuffer(ka, b)
}

// CreateKeyFrom copies src into a fresh sealed key. The caller should
// wipe src afterwards, the allocator cannot reach it.
func CreateKeyFrom[T Element](src []T) (*Key[T], error) {
	return CreateKeyFromOn(DefaultKey(), src)
}

func CreateKeyFromOn[T Element](ka KeyAllocator, src []T) (*Key[T], error) {
	b, err := CreateBufferFromOn(ka, src)
	if err != nil {
		return nil, err
	}
	return sealBuffer(ka, b)
}

// Seal consumes a buffer that was allocated on a KeyAllocator and turns
// it into a sealed key. A buffer from a plain allocator is fatal, its
// pages cannot carry per-allocation protection.
func Seal[T Element](b *Buffer[T]) (*Key[T], error) {
	ka, ok := b.alloc.(KeyAllocator)
	if !ok {
		panic("lockmem: sealing a buffer from a non-key allocator")
	}
	return sealBuffer(ka, b)
}

func (k *Key[T]) Len() int {
	return k.buf.Len()
}

// ReadWith grants read access, runs f on a read-only view and seals
// again once the last read lease ends. Nested ReadWith calls share the
// lease. Sealing happens even when f panics.
func (k *Key[T]) ReadWith(f func(v []T)) error {
	if k.buf == nil {
		panic("lockmem: lease on a destroyed key")
	}
	if k.writing {
		return ErrInvalidLease
	}
	if k.leases == 0 {
		if err := k.alloc.GrantRead(k.buf.raw); err != nil {
			return &ProtError{Cause: err}
		}
	}
	k.leases++
	defer func() {
		k.leases--
		if k.leases == 0 {
			k.seal()
		}
	}()

	f(k.buf.elems)
	return nil
}

// WriteWith grants exclusive write access, runs f on a writable view and
// seals again. Any active lease, read or write, rejects the call before
// protection is touched.
func (k *Key[T]) WriteWith(f func(v []T)) error {
	if k.buf == nil {
		panic("lockmem: lease on a destroyed key")
	}
	if k.leases != 0 || k.writing {
		return ErrInvalidLease
	}
	if err := k.alloc.GrantWrite(k.buf.raw); err != nil {
		return &ProtError{Cause: err}
	}
	k.writing = true
	defer func() {
		k.writing = false
		k.seal()
	}()

	f(k.buf.elems)
	return nil
}

// A key that cannot be resealed is a key whose contents stay mapped,
// which is worse than crashing.
func (k *Key[T]) seal() {
	if err := k.alloc.Seal(k.buf.raw); err != nil {
		panic("lockmem: cannot reseal key: " + err.Error())
	}
}

// Destroy scrubs the key pages and unmaps them. Destroying a key with an
// active lease is fatal.
func (k *Key[T]) Destroy() {
	if k.buf == nil {
		panic("lockmem: key destroyed twice")
	}
	if k.leases != 0 || k.writing {
		panic("lockmem: destroying a leased key")
	}
	k.buf.Destroy()
	k.buf = nil
	k.alloc = nil
}
