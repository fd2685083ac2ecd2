//go:build linux

package dma_test

import (
	"testing"

	"github.com/c35s/nicring/dma"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newArena(t *testing.T) *dma.Arena {
	t.Helper()

	a, err := dma.NewArena(0, dma.BaseDefault)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	return a
}

func TestArena(t *testing.T) {
	t.Run("bad config", func(t *testing.T) {
		_, err := dma.NewArena(4096, dma.BaseDefault)
		assert.ErrorIs(t, err, dma.ErrConfig)

		_, err = dma.NewArena(dma.ArenaSizeMin, dma.BaseDefault+1)
		assert.ErrorIs(t, err, dma.ErrConfig)
	})

	t.Run("aligned", func(t *testing.T) {
		a := newArena(t)

		_, err := a.Alloc(3, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, a.Used())

		for _, align := range []int{16, 32, 128, 4096} {
			r, err := a.Alloc(100, align)
			require.NoError(t, err)
			assert.Zero(t, r.Phys%uint64(align), "align %d", align)
			assert.Len(t, r.Bytes, 100)
		}

		_, err = a.Alloc(8, 24)
		assert.ErrorIs(t, err, dma.ErrConfig)

		// padding for the 4096 alignment counts as used
		assert.Equal(t, 4096+100, a.Used())
	})

	t.Run("mem at", func(t *testing.T) {
		a := newArena(t)

		r, err := a.Alloc(64, 64)
		require.NoError(t, err)
		copy(r.Bytes, "descriptor")

		b, err := a.MemAt(r.Phys, 10)
		require.NoError(t, err)
		assert.Equal(t, "descriptor", string(b))

		_, err = a.MemAt(a.Base()-1, 1)
		assert.ErrorIs(t, err, dma.ErrRange)

		_, err = a.MemAt(a.Base()+dma.ArenaSizeDefault-1, 2)
		assert.ErrorIs(t, err, dma.ErrRange)
	})

	t.Run("exhausted", func(t *testing.T) {
		a, err := dma.NewArena(dma.ArenaSizeMin, dma.BaseDefault)
		require.NoError(t, err)
		defer a.Close()

		_, err = a.Alloc(dma.ArenaSizeMin, 1)
		require.NoError(t, err)

		_, err = a.Alloc(1, 1)
		assert.ErrorIs(t, err, dma.ErrNoSpace)
	})
}

func TestPool(t *testing.T) {
	a := newArena(t)

	p, err := dma.NewPool(a, 4, 1500, 64)
	require.NoError(t, err)

	assert.Equal(t, 4, p.Available())
	assert.Equal(t, 1500, p.BufSize())

	var bufs []*dma.Buf
	for {
		b, ok := p.Alloc()
		if !ok {
			break
		}

		assert.Zero(t, b.Phys%64)
		assert.Len(t, b.Bytes, 1500)
		bufs = append(bufs, b)
	}

	require.Len(t, bufs, 4)
	assert.Zero(t, p.Available())

	p.Free(bufs[2])
	b, ok := p.Alloc()
	require.True(t, ok)
	assert.Same(t, bufs[2], b)

	p.Free(bufs[0])
	assert.Panics(t, func() { p.Free(bufs[0]) })
	assert.Panics(t, func() { p.Free(&dma.Buf{}) })
}
