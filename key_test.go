//go:build linux

package lockmem_test

import (
	"errors"
	"testing"

	"lockmem"
	"lockmem/internal/pool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Key_ReadWith_Sees_Content(t *testing.T) {
	src := make([]byte, 32)
	for i := range src {
		src[i] = byte(i + 1)
	}

	k, err := lockmem.CreateKeyFrom(src)
	require.NoError(t, err)
	defer k.Destroy()

	assert.Equal(t, k.Len(), 32)

	ran := false
	err = k.ReadWith(func(v []byte) {
		ran = true
		assert.Equal(t, v, src)
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func Test_Key_WriteWith_Overwrites(t *testing.T) {
	k, err := lockmem.CreateKey[byte](32)
	require.NoError(t, err)
	defer k.Destroy()

	err = k.WriteWith(func(v []byte) {
		for i := range v {
			v[i] = 0xaa
		}
	})
	require.NoError(t, err)

	err = k.ReadWith(func(v []byte) {
		for i := range v {
			require.Equal(t, v[i], byte(0xaa))
		}
	})
	require.NoError(t, err)
}

func Test_Key_Nested_Reads_Share_Lease(t *testing.T) {
	k, err := lockmem.CreateKeyRand[byte](16)
	require.NoError(t, err)
	defer k.Destroy()

	outer := make([]byte, 16)
	err = k.ReadWith(func(v []byte) {
		copy(outer, v)
		inner := k.ReadWith(func(w []byte) {
			assert.Equal(t, w, outer)
		})
		require.NoError(t, inner)
	})
	require.NoError(t, err)
}

func Test_Key_Write_During_Read_Is_Invalid(t *testing.T) {
	k, err := lockmem.CreateKeyRand[byte](16)
	require.NoError(t, err)
	defer k.Destroy()

	err = k.ReadWith(func(v []byte) {
		werr := k.WriteWith(func(w []byte) {
			t.Error("write callback must not run")
		})
		assert.True(t, errors.Is(werr, lockmem.ErrInvalidLease))

		// The rejected write left the read lease intact.
		assert.Equal(t, len(v), 16)
		_ = v[0]
	})
	require.NoError(t, err)
}

func Test_Key_Read_During_Write_Is_Invalid(t *testing.T) {
	k, err := lockmem.CreateKey[byte](16)
	require.NoError(t, err)
	defer k.Destroy()

	err = k.WriteWith(func(v []byte) {
		rerr := k.ReadWith(func(w []byte) {
			t.Error("read callback must not run")
		})
		assert.True(t, errors.Is(rerr, lockmem.ErrInvalidLease))
	})
	require.NoError(t, err)
}

func Test_Key_Panic_In_Callback_Reseals(t *testing.T) {
	k, err := lockmem.CreateKeyRand[byte](16)
	require.NoError(t, err)
	defer k.Destroy()

	assert.Panics(t, func() {
		k.ReadWith(func(v []byte) {
			panic("callback blew up")
		})
	})

	// Lease state is clean again, an exclusive write works.
	err = k.WriteWith(func(v []byte) {
		v[0] = 0x01
	})
	require.NoError(t, err)
}

func Test_Key_Destroy_While_Leased_Panics(t *testing.T) {
	k, err := lockmem.CreateKeyRand[byte](16)
	require.NoError(t, err)

	assert.Panics(t, func() {
		k.ReadWith(func(v []byte) {
			k.Destroy()
		})
	})
	k.Destroy()
}

func Test_Key_Seal_Requires_Key_Allocator(t *testing.T) {
	b, err := lockmem.CreateBuffer[byte](16)
	require.NoError(t, err)
	defer b.Destroy()

	assert.Panics(t, func() { lockmem.Seal(b) })
}

func Test_Key_Seal_Buffer(t *testing.T) {
	b, err := lockmem.CreateBufferOn[byte](lockmem.DefaultKey(), 16)
	require.NoError(t, err)

	k, err := lockmem.Seal(b)
	require.NoError(t, err)
	defer k.Destroy()

	err = k.ReadWith(func(v []byte) {
		for i := range v {
			require.Equal(t, v[i], byte(0x00))
		}
	})
	require.NoError(t, err)
}

func Test_Key_Destroy_Scrubs_Pages(t *testing.T) {
	var got []byte
	pool.SetReleaseHook(func(data []byte) {
		got = make([]byte, len(data))
		copy(got, data)
	})
	t.Cleanup(func() { pool.SetReleaseHook(nil) })

	k, err := lockmem.CreateKey[byte](32)
	require.NoError(t, err)

	err = k.WriteWith(func(v []byte) {
		for i := range v {
			v[i] = 0xaa
		}
	})
	require.NoError(t, err)

	k.Destroy()

	require.NotNil(t, got)
	for _, v := range got {
		require.Equal(t, v, byte(0x00))
	}
}
