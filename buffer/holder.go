// Package buffer owns the growable byte buffers that sit between the TLS
// engine and the underlying transport.
package buffer

import "github.com/pkg/errors"

const (
	// InitialSize is the capacity a holder starts with.
	InitialSize = 4096

	// MaxTLSPacketSize caps every buffer. Official TLS max data size is
	// 2^14 = 16k; 1024 more accounts for the record overhead.
	MaxTLSPacketSize = 17 * 1024
)

// ErrMaxCapacityReached is returned by Enlarge once a holder hit its ceiling.
var ErrMaxCapacityReached = errors.New("buffer already at its maximum capacity")

// Holder owns one growable buffer. Bytes live in data[:pos]; data[pos:cap]
// is free space. Plain holders hold decrypted bytes and are zeroed before
// their storage goes back to the allocator.
type Holder struct {
	name  string
	alloc Allocator

	data []byte // nil when absent or disposed
	pos  int

	initialSize int
	maxSize     int
	plain       bool
	releasable  bool
}

func NewHolder(name string, alloc Allocator, initialSize, maxSize int, plain, releasable bool) *Holder {
	return &Holder{
		name:        name,
		alloc:       alloc,
		initialSize: initialSize,
		maxSize:     maxSize,
		plain:       plain,
		releasable:  releasable,
	}
}

// Prepare allocates the buffer if it is currently absent.
func (h *Holder) Prepare() {
	if h.data == nil {
		h.data = h.alloc.Allocate(h.initialSize)
		h.pos = 0
	}
}

// Release returns the buffer to the allocator if it is empty and the holder
// is releasable. Reports whether the buffer was dropped.
func (h *Holder) Release() bool {
	if h.releasable && h.data != nil && h.pos == 0 {
		h.free()
		return true
	}
	return false
}

// Dispose drops the buffer unconditionally.
func (h *Holder) Dispose() {
	if h.data != nil {
		h.free()
	}
}

func (h *Holder) free() {
	if h.plain {
		zero(h.data)
	}
	h.alloc.Free(h.data[:cap(h.data)])
	h.data = nil
	h.pos = 0
}

// Enlarge grows the buffer geometrically toward the ceiling.
func (h *Holder) Enlarge() error {
	if cap(h.data) >= h.maxSize {
		return errors.Wrapf(ErrMaxCapacityReached, "enlarging %s (%d bytes)", h.name, cap(h.data))
	}
	h.grow(min(cap(h.data)*2, h.maxSize))
	return nil
}

// EnsureCapacity grows the buffer to hold at least size bytes, capped at the
// ceiling. The holder must be prepared.
func (h *Holder) EnsureCapacity(size int) {
	if size > h.maxSize {
		size = h.maxSize
	}
	if cap(h.data) < size {
		h.grow(size)
	}
}

func (h *Holder) grow(newSize int) {
	data := h.alloc.Allocate(newSize)
	copy(data, h.data[:h.pos])
	if h.plain {
		zero(h.data)
	}
	h.alloc.Free(h.data[:cap(h.data)])
	h.data = data
}

// Filled is the stored byte region.
func (h *Holder) Filled() []byte { return h.data[:h.pos] }

// Free is the writable region past the stored bytes.
func (h *Holder) Free() []byte { return h.data[h.pos:cap(h.data)] }

// Advance records n more bytes as stored, after they were written into Free.
func (h *Holder) Advance(n int) { h.pos += n }

// Discard drops the first n stored bytes, compacting the rest to the front.
func (h *Holder) Discard(n int) {
	copy(h.data, h.data[n:h.pos])
	h.pos -= n
}

// ZeroRemaining wipes the bytes past the stored region.
func (h *Holder) ZeroRemaining() {
	zero(h.data[h.pos:cap(h.data)])
}

func (h *Holder) Len() int       { return h.pos }
func (h *Holder) Remaining() int { return cap(h.data) - h.pos }
func (h *Holder) Capacity() int  { return cap(h.data) }

func (h *Holder) NilOrEmpty() bool { return h.data == nil || h.pos == 0 }

func zero(b []byte) {
	b = b[:cap(b)]
	for i := range b {
		b[i] = 0
	}
}
