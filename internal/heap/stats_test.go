//go:build linux && lockmem_stats

package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Stats_Track_Alloc_Free(t *testing.T) {
	h, err := CreateHeap()
	require.NoError(t, err)
	defer h.Teardown()

	a, err := h.Alloc(64)
	require.NoError(t, err)
	b, err := h.Alloc(100)
	require.NoError(t, err)

	s := h.Stats()
	assert.Equal(t, s.Allocs, uint64(2))
	assert.Equal(t, s.BytesInUse, uint64(64+128))
	assert.Equal(t, s.PagesMapped, uint64(2))

	h.Free(a)
	h.Free(b)

	s = h.Stats()
	assert.Equal(t, s.Frees, uint64(2))
	assert.Equal(t, s.BytesInUse, uint64(0))
}
