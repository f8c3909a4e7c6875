// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	b := New(10)
	require.False(t, b.Get(3))
	b.Set(3, true)
	require.True(t, b.Get(3))
	b.Set(3, false)
	require.False(t, b.Get(3))

	// Out-of-range reads are zero.
	require.False(t, b.Get(1000))
}

func TestSetGrows(t *testing.T) {
	b := New(1)
	b.Set(200, true)
	require.True(t, b.Get(200))
	require.Equal(t, uint(201), b.Size())
}

func TestOr(t *testing.T) {
	a := New(8)
	a.Set(1, true)
	b := New(70)
	b.Set(65, true)

	a.Or(b)
	require.True(t, a.Get(1))
	require.True(t, a.Get(65))
	require.Equal(t, uint(70), a.Size())
	// b untouched
	require.False(t, b.Get(1))
}

func TestEqual(t *testing.T) {
	a := New(8)
	b := New(8)
	require.True(t, a.Equal(b))

	a.Set(2, true)
	require.False(t, a.Equal(b))
	b.Set(2, true)
	require.True(t, a.Equal(b))

	c := New(9)
	c.Set(2, true)
	require.False(t, a.Equal(c))
}

func TestBytesRoundTrip(t *testing.T) {
	for _, size := range []uint{1, 7, 8, 9, 63, 64, 65, 130} {
		b := New(size)
		for i := uint(0); i < size; i += 3 {
			b.Set(i, true)
		}
		raw := b.Bytes()
		require.Len(t, raw, int((size+7)/8))

		back := FromBytes(size, raw)
		require.True(t, b.Equal(back), "size %d", size)
	}
}

func TestFromBytesIgnoresTrailing(t *testing.T) {
	b := FromBytes(3, []byte{0xFF})
	require.True(t, b.Get(0))
	require.True(t, b.Get(2))
	require.False(t, b.Get(3))
	require.Equal(t, 3, b.Count())
}

func TestSwap(t *testing.T) {
	b := New(8)
	b.Set(1, true)
	b.Swap(1, 5)
	require.False(t, b.Get(1))
	require.True(t, b.Get(5))
	b.Swap(1, 5)
	require.True(t, b.Get(1))
	require.False(t, b.Get(5))
}

func TestAndCount(t *testing.T) {
	a := New(16)
	a.Set(1, true)
	a.Set(2, true)
	b := New(16)
	b.Set(2, true)
	b.Set(3, true)

	both := a.And(b)
	require.True(t, both.Get(2))
	require.False(t, both.Get(1))
	require.False(t, both.Get(3))
	require.Equal(t, 1, both.Count())
	require.Equal(t, 2, a.Count())
}

func TestClone(t *testing.T) {
	a := New(8)
	a.Set(4, true)
	b := a.Clone()
	b.Set(5, true)
	require.False(t, a.Get(5))
	require.True(t, b.Get(4))
}
