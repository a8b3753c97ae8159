package heap

// Stats is a point-in-time counter snapshot. All fields stay zero unless
// the build carries the lockmem_stats tag.
type Stats struct {
	Allocs      uint64
	Frees       uint64
	BytesInUse  uint64
	PagesMapped uint64
}

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
