// Package bitmap provides a compact bit-indexed set over a fixed universe.
// It backs the disk manager's free-space map and the buffer pool's dirty map.
package bitmap

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

const wordBits = 64

// BoundsError is the panic value for an index outside the bitmap.
type BoundsError struct {
	Index int
	Len   int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("bitmap index %d out of range [0,%d)", e.Index, e.Len)
}

// Bitmap is a fixed-capacity set of bits. It is not safe for concurrent use;
// callers serialize access with their own lock.
type Bitmap struct {
	length int
	words  []uint64
}

// New returns a bitmap holding n cleared bits.
func New(n int) *Bitmap {
	if n < 0 {
		panic(&BoundsError{Index: n, Len: 0})
	}
	return &Bitmap{length: n, words: make([]uint64, wordsFor(n))}
}

func wordsFor(n int) int {
	return (n + wordBits - 1) / wordBits
}

// Len reports the number of addressable bits.
func (b *Bitmap) Len() int { return b.length }

// Words reports how many 64-bit words back the bitmap.
func (b *Bitmap) Words() int { return len(b.words) }

func (b *Bitmap) locate(i int) (int, uint64) {
	if i < 0 || i >= b.length {
		panic(&BoundsError{Index: i, Len: b.length})
	}
	return i / wordBits, uint64(1) << (uint(i) % wordBits)
}

func (b *Bitmap) Set(i int) {
	w, mask := b.locate(i)
	b.words[w] |= mask
}

func (b *Bitmap) Unset(i int) {
	w, mask := b.locate(i)
	b.words[w] &^= mask
}

func (b *Bitmap) Check(i int) bool {
	w, mask := b.locate(i)
	return b.words[w]&mask != 0
}

// Count returns the number of set bits.
func (b *Bitmap) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// NextClear returns the lowest clear index >= from, or false if every bit
// from there to Len is set.
func (b *Bitmap) NextClear(from int) (int, bool) {
	if from < 0 {
		from = 0
	}
	for w := from / wordBits; w < len(b.words); w++ {
		free := ^b.words[w]
		if w == from/wordBits {
			free &= ^uint64(0) << (uint(from) % wordBits)
		}
		if free == 0 {
			continue
		}
		i := w*wordBits + bits.TrailingZeros64(free)
		if i >= b.length {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// Grow extends the bitmap to n bits. Existing bits keep their values and the
// new ones start cleared. Shrinking is not supported.
func (b *Bitmap) Grow(n int) {
	if n <= b.length {
		return
	}
	if need := wordsFor(n); need > len(b.words) {
		words := make([]uint64, need)
		copy(words, b.words)
		b.words = words
	}
	b.length = n
}

// Bytes encodes the bitmap as ceil(Len/8) bytes, low bit first within each
// byte.
func (b *Bitmap) Bytes() []byte {
	buf := make([]byte, len(b.words)*8)
	for i, w := range b.words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	return buf[:(b.length+7)/8]
}

// FromBytes decodes a bitmap of n bits from the Bytes encoding. Bits past n
// in the final byte are ignored; missing trailing bytes read as zero.
func FromBytes(n int, data []byte) *Bitmap {
	b := New(n)
	buf := make([]byte, len(b.words)*8)
	copy(buf, data)
	for i := range b.words {
		b.words[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	if tail := uint(n) % wordBits; tail != 0 && len(b.words) > 0 {
		b.words[len(b.words)-1] &= (uint64(1) << tail) - 1
	}
	return b
}
