//go:build lockmem_stats

package heap

const emitStats = true
