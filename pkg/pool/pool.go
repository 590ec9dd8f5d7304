// Package pool provides reusable byte buffers for archive and restore I/O.
//
// Streaming a tree into or out of an archive performs one large copy per
// file. Pooling the copy buffers keeps the per-file allocation count flat
// regardless of how many files a run touches.
package pool

import "sync"

// FixedBufferPool hands out byte slices of one fixed size. It is safe for
// concurrent use; idle buffers are reclaimed by the garbage collector.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer creates a pool of buffers that are all size bytes long.
func NewFixedBuffer(size int64) *FixedBufferPool {
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Get retrieves a buffer from the pool, allocating one if it is empty.
func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of a foreign size are dropped
// so a stray caller cannot poison the pool.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
