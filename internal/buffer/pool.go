// Package buffer supplies fixed-capacity byte chunks that are handed from the
// input side to an output and released back exactly once.
package buffer

import (
	"sync"
	"sync/atomic"
)

// DefaultSize is the chunk capacity used when a pool is created with size <= 0.
const DefaultSize = 32 * 1024

// Pool hands out Buffers backed by reusable arrays.
type Pool struct {
	size int
	free sync.Pool

	outstanding    atomic.Int64
	doubleReleases atomic.Int64
}

// NewPool creates a pool whose buffers have capacity size.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{size: size}
	p.free.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size returns the capacity of buffers handed out by the pool.
func (p *Pool) Size() int { return p.size }

// Get leases a buffer. Its limit starts at the full capacity.
func (p *Pool) Get() *Buffer {
	arr := p.free.Get().(*[]byte)
	p.outstanding.Add(1)
	return &Buffer{pool: p, arr: arr, limit: len(*arr)}
}

// Wrap leases a buffer holding a copy of data. Mostly useful for callers that
// already have their bytes in hand.
func (p *Pool) Wrap(data []byte) *Buffer {
	if len(data) > p.size {
		p.outstanding.Add(1)
		cp := make([]byte, len(data))
		copy(cp, data)
		return &Buffer{pool: p, arr: &cp, limit: len(cp), oversize: true}
	}
	b := p.Get()
	n := copy(*b.arr, data)
	b.limit = n
	return b
}

// Outstanding reports leases that have not been released yet.
func (p *Pool) Outstanding() int64 { return p.outstanding.Load() }

// DoubleReleases reports how many Release calls hit an already released buffer.
func (p *Pool) DoubleReleases() int64 { return p.doubleReleases.Load() }

func (p *Pool) put(b *Buffer) {
	p.outstanding.Add(-1)
	if b.oversize {
		return
	}
	p.free.Put(b.arr)
}

// Buffer is one leased chunk. The valid bytes are [offset, offset+limit) of the
// backing array.
type Buffer struct {
	pool     *Pool
	arr      *[]byte
	offset   int
	limit    int
	oversize bool
	released atomic.Bool
}

// Bytes returns the valid byte range. It must not be used after Release.
func (b *Buffer) Bytes() []byte {
	return (*b.arr)[b.offset : b.offset+b.limit]
}

// Capacity returns the size of the backing array.
func (b *Buffer) Capacity() int { return len(*b.arr) }

// Array returns the whole backing array, for filling the buffer before SetRange.
func (b *Buffer) Array() []byte { return *b.arr }

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return b.limit }

// SetRange marks [offset, offset+limit) as the valid bytes.
func (b *Buffer) SetRange(offset, limit int) {
	if offset < 0 || limit < 0 || offset+limit > len(*b.arr) {
		panic("buffer: range out of bounds")
	}
	b.offset = offset
	b.limit = limit
}

// Release returns the buffer to its pool. Further calls are counted and ignored.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		b.pool.doubleReleases.Add(1)
		return
	}
	b.pool.put(b)
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool { return b.released.Load() }
