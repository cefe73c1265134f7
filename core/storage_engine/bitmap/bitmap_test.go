package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmap_SetAndCheck(t *testing.T) {
	b := New(32)
	require.False(t, b.Check(0))
	b.Set(0)
	require.True(t, b.Check(0))
}

func TestBitmap_WordSizing(t *testing.T) {
	cases := map[int]int{1: 1, 64: 1, 65: 2, 100: 2, 256: 4}
	for n, words := range cases {
		assert.Equal(t, words, New(n).Words(), "capacity %d", n)
	}
}

func TestBitmap_NoFalsePositive(t *testing.T) {
	b := New(3)
	b.Set(0)
	b.Set(2)
	assert.False(t, b.Check(1))
}

func TestBitmap_Unset(t *testing.T) {
	b := New(1)
	b.Set(0)
	b.Unset(0)
	assert.False(t, b.Check(0))
}

func TestBitmap_OutOfRangePanics(t *testing.T) {
	b := New(10)
	for _, idx := range []int{-1, 10, 64} {
		func() {
			defer func() {
				r := recover()
				require.NotNil(t, r, "index %d", idx)
				be, ok := r.(*BoundsError)
				require.True(t, ok)
				assert.Equal(t, idx, be.Index)
				assert.Equal(t, 10, be.Len)
			}()
			b.Check(idx)
		}()
	}
}

func TestBitmap_NextClear(t *testing.T) {
	b := New(130)
	for i := 0; i < 70; i++ {
		b.Set(i)
	}
	i, ok := b.NextClear(0)
	require.True(t, ok)
	assert.Equal(t, 70, i)

	b.Set(71)
	i, ok = b.NextClear(71)
	require.True(t, ok)
	assert.Equal(t, 72, i)

	for i := 70; i < 130; i++ {
		b.Set(i)
	}
	_, ok = b.NextClear(0)
	assert.False(t, ok)
	assert.Equal(t, 130, b.Count())
}

func TestBitmap_GrowKeepsBits(t *testing.T) {
	b := New(64)
	b.Set(3)
	b.Set(63)
	b.Grow(200)
	assert.Equal(t, 200, b.Len())
	assert.True(t, b.Check(3))
	assert.True(t, b.Check(63))
	assert.False(t, b.Check(199))

	b.Grow(10)
	assert.Equal(t, 200, b.Len(), "grow never shrinks")
}

func TestBitmap_BytesLowBitFirst(t *testing.T) {
	b := New(12)
	b.Set(0)
	b.Set(9)
	data := b.Bytes()
	require.Len(t, data, 2)
	assert.Equal(t, byte(0x01), data[0])
	assert.Equal(t, byte(0x02), data[1])

	decoded := FromBytes(12, data)
	for i := 0; i < 12; i++ {
		assert.Equal(t, b.Check(i), decoded.Check(i), "bit %d", i)
	}
}

func TestBitmap_FromBytesIgnoresTrailingBits(t *testing.T) {
	b := FromBytes(4, []byte{0xFF})
	assert.Equal(t, 4, b.Count())
}
