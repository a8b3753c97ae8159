//go:build !lockmem_stats

package heap

// Counter updates compile away entirely in default builds.
const emitStats = false
