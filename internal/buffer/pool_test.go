package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_GetRelease(t *testing.T) {
	p := NewPool(16)

	b := p.Get()
	assert.Equal(t, 16, b.Capacity())
	assert.Equal(t, 16, b.Len())
	assert.EqualValues(t, 1, p.Outstanding())

	b.Release()
	assert.EqualValues(t, 0, p.Outstanding())
	assert.True(t, b.Released())
}

func TestPool_DefaultSize(t *testing.T) {
	assert.Equal(t, DefaultSize, NewPool(0).Size())
	assert.Equal(t, DefaultSize, NewPool(-1).Size())
}

func TestBuffer_DoubleReleaseIsCounted(t *testing.T) {
	p := NewPool(8)
	b := p.Get()

	b.Release()
	b.Release()

	assert.EqualValues(t, 0, p.Outstanding())
	assert.EqualValues(t, 1, p.DoubleReleases())
}

func TestBuffer_SetRange(t *testing.T) {
	p := NewPool(8)
	b := p.Get()
	defer b.Release()

	copy(b.Array(), "abcdefgh")
	b.SetRange(2, 3)
	assert.Equal(t, []byte("cde"), b.Bytes())
	assert.Equal(t, 3, b.Len())

	assert.Panics(t, func() { b.SetRange(6, 3) })
	assert.Panics(t, func() { b.SetRange(-1, 1) })
}

func TestPool_Wrap(t *testing.T) {
	p := NewPool(4)

	small := p.Wrap([]byte("hi"))
	assert.Equal(t, []byte("hi"), small.Bytes())

	big := p.Wrap([]byte("longer than four"))
	assert.Equal(t, []byte("longer than four"), big.Bytes())
	assert.EqualValues(t, 2, p.Outstanding())

	small.Release()
	big.Release()
	assert.EqualValues(t, 0, p.Outstanding())
}

func TestPool_ConcurrentLeases(t *testing.T) {
	p := NewPool(64)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				b := p.Wrap([]byte("payload"))
				b.Release()
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 0, p.Outstanding())
	assert.EqualValues(t, 0, p.DoubleReleases())
}
