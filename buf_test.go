//go:build linux

package lockmem_test

import (
	"math/rand/v2"
	"testing"

	"lockmem"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFaker() *gofakeit.Faker {
	seed := [32]byte{0}
	return gofakeit.NewFaker(rand.NewChaCha8(seed), true)
}

func Test_Buffer_Zero_Filled(t *testing.T) {
	b, err := lockmem.CreateBuffer[byte](64)
	require.NoError(t, err)
	defer b.Destroy()

	assert.Equal(t, b.Len(), 64)
	for i := range b.Len() {
		require.Equal(t, b.Get(i), byte(0x00))
	}
}

func Test_Buffer_From_Copies(t *testing.T) {
	faker := testFaker()
	src := []byte(faker.Sentence(8))

	b, err := lockmem.CreateBufferFrom(src)
	require.NoError(t, err)
	defer b.Destroy()

	assert.Equal(t, b.Slice(), src)

	// The buffer owns its copy, mutating the source changes nothing.
	orig := src[0]
	src[0] ^= 0xff
	assert.Equal(t, b.Get(0), orig)
}

func Test_Buffer_Rand(t *testing.T) {
	a, err := lockmem.CreateBufferRand[byte](32)
	require.NoError(t, err)
	defer a.Destroy()

	b, err := lockmem.CreateBufferRand[byte](32)
	require.NoError(t, err)
	defer b.Destroy()

	assert.False(t, a.Equal(b))
}

func Test_Buffer_Set_Get_Slice(t *testing.T) {
	b, err := lockmem.CreateBuffer[byte](16)
	require.NoError(t, err)
	defer b.Destroy()

	b.Set(3, 0x7f)
	assert.Equal(t, b.Get(3), byte(0x7f))

	// Slice is a direct view, writes through it are visible.
	b.Slice()[4] = 0x11
	assert.Equal(t, b.Get(4), byte(0x11))
}

func Test_Buffer_Typed_Elements(t *testing.T) {
	src := []uint64{0x0102030405060708, 0xffeeddccbbaa9988}
	b, err := lockmem.CreateBufferFrom(src)
	require.NoError(t, err)
	defer b.Destroy()

	assert.Equal(t, b.Len(), 2)
	assert.Equal(t, len(b.Bytes()), 16)
	assert.Equal(t, b.Get(1), uint64(0xffeeddccbbaa9988))
}

func Test_Buffer_Equal_Constant_Time_Semantics(t *testing.T) {
	x, err := lockmem.CreateBufferFrom([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	defer x.Destroy()

	same, err := lockmem.CreateBufferFrom([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	defer same.Destroy()

	diff, err := lockmem.CreateBufferFrom([]byte{1, 2, 3, 5})
	require.NoError(t, err)
	defer diff.Destroy()

	short, err := lockmem.CreateBufferFrom([]byte{1, 2, 3})
	require.NoError(t, err)
	defer short.Destroy()

	assert.True(t, x.Equal(same))
	assert.False(t, x.Equal(diff))
	assert.False(t, x.Equal(short))
}

func Test_Buffer_Zero_Length(t *testing.T) {
	b, err := lockmem.CreateBuffer[byte](0)
	require.NoError(t, err)
	assert.Equal(t, b.Len(), 0)
	b.Destroy()
}

func Test_Buffer_Out_Of_Bounds_Panics(t *testing.T) {
	b, err := lockmem.CreateBuffer[byte](8)
	require.NoError(t, err)
	defer b.Destroy()

	assert.Panics(t, func() { b.Get(8) })
	assert.Panics(t, func() { b.Set(-1, 0) })
}

func Test_Buffer_Destroy_Twice_Panics(t *testing.T) {
	b, err := lockmem.CreateBuffer[byte](8)
	require.NoError(t, err)

	b.Destroy()
	assert.Panics(t, func() { b.Destroy() })
}
