package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeap(t *testing.T) {
	buf := Heap{}.Allocate(100)
	assert.Len(t, buf, 100)

	assert.NotPanics(t, func() { Heap{}.Free(buf) })
}

func TestPool(t *testing.T) {
	p := NewPool()

	buf := p.Allocate(1000)
	require.Len(t, buf, 1000)
	assert.Equal(t, 1024, cap(buf))

	p.Free(buf)

	// Exact powers of two are their own class.
	buf = p.Allocate(4096)
	require.Len(t, buf, 4096)
	assert.Equal(t, 4096, cap(buf))

	// Tiny buffers round up to the smallest class.
	buf = p.Allocate(10)
	assert.Equal(t, 512, cap(buf))

	// The buffer ceiling still fits the largest class (32 KiB).
	buf = p.Allocate(MaxTLSPacketSize)
	require.Len(t, buf, MaxTLSPacketSize)
	assert.NotPanics(t, func() { p.Free(buf) })
}

func TestClassFor(t *testing.T) {
	tests := []struct {
		size    int
		class   int
		rounded int
	}{
		{size: 1, class: 0, rounded: 512},
		{size: 512, class: 0, rounded: 512},
		{size: 513, class: 1, rounded: 1024},
		{size: 4096, class: 3, rounded: 4096},
		{size: maxClassSize, class: classCount - 1, rounded: maxClassSize},
		{size: maxClassSize + 1, class: -1},
		{size: 0, class: -1},
	}
	for _, tt := range tests {
		class, rounded := classFor(tt.size)
		assert.Equal(t, tt.class, class, "size %d", tt.size)
		if class >= 0 {
			assert.Equal(t, tt.rounded, rounded, "size %d", tt.size)
		}
	}
}

func TestTracking(t *testing.T) {
	tr := NewTracking(Heap{})

	a := tr.Allocate(100)
	b := tr.Allocate(50)
	assert.EqualValues(t, 150, tr.BytesInUse())
	assert.EqualValues(t, 150, tr.BytesAllocated())
	assert.EqualValues(t, 2, tr.Allocations())

	tr.Free(a)
	assert.EqualValues(t, 50, tr.BytesInUse())

	tr.Free(b)
	assert.EqualValues(t, 0, tr.BytesInUse())
	assert.EqualValues(t, 150, tr.BytesAllocated())
}
