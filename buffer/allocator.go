package buffer

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Allocator supplies and recycles the raw byte buffers backing a [Holder].
type Allocator interface {
	Allocate(size int) []byte
	Free(buf []byte)
}

// Heap allocates from the garbage-collected heap and recycles nothing.
type Heap struct{}

var _ Allocator = Heap{}

func (Heap) Allocate(size int) []byte { return make([]byte, size) }
func (Heap) Free(buf []byte)          {}

// Pool recycles buffers through per-size-class pools. Requested sizes are
// rounded up to the next power of two.
type Pool struct {
	classes [classCount]sync.Pool
}

// Buffers above maxClassSize are handed to the heap.
const (
	minClassBits = 9 // 512B
	maxClassBits = 15
	classCount   = maxClassBits - minClassBits + 1
	maxClassSize = 1 << maxClassBits
)

var _ Allocator = (*Pool)(nil)

func NewPool() *Pool { return &Pool{} }

func (p *Pool) Allocate(size int) []byte {
	class, rounded := classFor(size)
	if class < 0 {
		return make([]byte, size)
	}

	if buf, ok := p.classes[class].Get().([]byte); ok {
		return buf[:size]
	}
	return make([]byte, size, rounded)
}

func (p *Pool) Free(buf []byte) {
	class, rounded := classFor(cap(buf))
	if class < 0 || cap(buf) != rounded {
		return
	}
	p.classes[class].Put(buf[:cap(buf)])
}

func classFor(size int) (class, rounded int) {
	if size <= 0 || size > maxClassSize {
		return -1, 0
	}

	b := bits.Len(uint(size - 1))
	if b < minClassBits {
		b = minClassBits
	}
	return b - minClassBits, 1 << b
}

// Tracking wraps another allocator and keeps running usage counters. Useful
// for sizing pools and catching buffer leaks in tests.
type Tracking struct {
	inner Allocator

	current   atomic.Int64
	allocated atomic.Int64
	count     atomic.Int64
}

var _ Allocator = (*Tracking)(nil)

func NewTracking(inner Allocator) *Tracking { return &Tracking{inner: inner} }

func (t *Tracking) Allocate(size int) []byte {
	t.current.Add(int64(size))
	t.allocated.Add(int64(size))
	t.count.Add(1)
	return t.inner.Allocate(size)
}

func (t *Tracking) Free(buf []byte) {
	t.current.Add(-int64(len(buf)))
	t.inner.Free(buf)
}

// BytesInUse is the number of allocated-but-not-freed bytes.
func (t *Tracking) BytesInUse() int64 { return t.current.Load() }

// BytesAllocated is the cumulative number of bytes handed out.
func (t *Tracking) BytesAllocated() int64 { return t.allocated.Load() }

// Allocations is the cumulative number of buffers handed out.
func (t *Tracking) Allocations() int64 { return t.count.Load() }
