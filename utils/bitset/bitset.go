// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bitset provides the fixed-width bit arrays used for causal
// reachability and finality aggregation. Widths grow in 64-bit words; the
// byte form is width-truncated, so callers supply the width again when
// reconstructing.
package bitset

import (
	"encoding/binary"

	bbitset "github.com/bits-and-blooms/bitset"
)

const wordBits = 64

// Bits is a bit array of a known logical size.
type Bits struct {
	size uint
	bits *bbitset.BitSet
}

// New returns an all-zero bit array of the given size.
func New(size uint) *Bits {
	return &Bits{
		size: size,
		bits: bbitset.New(roundUp(size)),
	}
}

// FromBytes reconstructs a bit array of the given size from its byte form.
// Trailing bytes beyond the size are ignored.
func FromBytes(size uint, b []byte) *Bits {
	words := make([]uint64, (roundUp(size))/wordBits)
	for i := range words {
		var chunk [8]byte
		copy(chunk[:], b[min(i*8, len(b)):])
		words[i] = binary.LittleEndian.Uint64(chunk[:])
	}
	out := &Bits{
		size: size,
		bits: bbitset.From(words),
	}
	// Mask anything past the logical size.
	for i := size; i < uint(len(words))*wordBits; i++ {
		out.bits.Clear(i)
	}
	return out
}

// Size returns the logical width.
func (b *Bits) Size() uint {
	return b.size
}

// Get returns bit i. Out-of-range bits read as zero.
func (b *Bits) Get(i uint) bool {
	return b.bits.Test(i)
}

// Set writes bit i, growing the array a word at a time if needed.
func (b *Bits) Set(i uint, v bool) {
	if i >= b.size {
		b.Resize(i + 1)
	}
	b.bits.SetTo(i, v)
}

// Resize grows the logical width. Shrinking is not supported; a smaller
// size is ignored.
func (b *Bits) Resize(size uint) {
	if size <= b.size {
		return
	}
	b.size = size
}

// Or folds other into b, growing b to the larger width.
func (b *Bits) Or(other *Bits) {
	b.Resize(other.size)
	b.bits.InPlaceUnion(other.bits)
}

// Swap exchanges bits i and j.
func (b *Bits) Swap(i, j uint) {
	bi, bj := b.Get(i), b.Get(j)
	b.Set(i, bj)
	b.Set(j, bi)
}

// Count returns the number of set bits.
func (b *Bits) Count() int {
	return int(b.bits.Count())
}

// And returns the intersection of b and other at b's width.
func (b *Bits) And(other *Bits) *Bits {
	out := b.Clone()
	out.bits.InPlaceIntersection(other.bits)
	return out
}

// Equal reports whether both arrays have the same width and bits.
func (b *Bits) Equal(other *Bits) bool {
	if b.size != other.size {
		return false
	}
	bw, ow := b.bits.Bytes(), other.bits.Bytes()
	for i := 0; i < max(len(bw), len(ow)); i++ {
		var x, y uint64
		if i < len(bw) {
			x = bw[i]
		}
		if i < len(ow) {
			y = ow[i]
		}
		if x != y {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (b *Bits) Clone() *Bits {
	return &Bits{
		size: b.size,
		bits: b.bits.Clone(),
	}
}

// Bytes returns the little-endian byte form truncated to the logical
// width: ceil(size/8) bytes.
func (b *Bits) Bytes() []byte {
	words := b.bits.Bytes()
	out := make([]byte, (b.size+7)/8)
	for i := range out {
		if i/8 >= len(words) {
			break
		}
		out[i] = byte(words[i/8] >> (8 * (i % 8)))
	}
	return out
}

func roundUp(size uint) uint {
	return (size + wordBits - 1) / wordBits * wordBits
}
