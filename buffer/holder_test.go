package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// recordingAllocator remembers the buffers handed back to it.
type recordingAllocator struct {
	freed [][]byte
}

func (a *recordingAllocator) Allocate(size int) []byte { return make([]byte, size) }
func (a *recordingAllocator) Free(buf []byte)          { a.freed = append(a.freed, buf) }

type HolderTestSuite struct {
	suite.Suite

	alloc *recordingAllocator
	h     *Holder
}

func TestHolderTestSuite(t *testing.T) {
	suite.Run(t, new(HolderTestSuite))
}

func (s *HolderTestSuite) SetupTest() {
	s.alloc = &recordingAllocator{}
	s.h = NewHolder("test", s.alloc, 8, 32, false, true)
}

func (s *HolderTestSuite) TestPrepare() {
	s.True(s.h.NilOrEmpty())

	s.h.Prepare()
	s.Equal(8, s.h.Capacity())
	s.Equal(8, s.h.Remaining())
	s.Zero(s.h.Len())

	// Preparing twice is a no-op.
	s.h.Prepare()
	s.Equal(8, s.h.Capacity())
}

func (s *HolderTestSuite) TestAdvanceDiscard() {
	s.h.Prepare()

	copy(s.h.Free(), "abcdef")
	s.h.Advance(6)
	s.Equal([]byte("abcdef"), s.h.Filled())
	s.Equal(2, s.h.Remaining())
	s.False(s.h.NilOrEmpty())

	s.h.Discard(2)
	s.Equal([]byte("cdef"), s.h.Filled())
	s.Equal(4, s.h.Remaining())
}

func (s *HolderTestSuite) TestEnlarge() {
	s.h.Prepare()
	copy(s.h.Free(), "abc")
	s.h.Advance(3)

	s.Require().NoError(s.h.Enlarge())
	s.Equal(16, s.h.Capacity())
	s.Equal([]byte("abc"), s.h.Filled())

	s.Require().NoError(s.h.Enlarge())
	s.Equal(32, s.h.Capacity())

	err := s.h.Enlarge()
	s.Require().Error(err)
	s.ErrorIs(err, ErrMaxCapacityReached)
	s.Equal(32, s.h.Capacity())
}

func (s *HolderTestSuite) TestEnlargeCapsAtCeiling() {
	h := NewHolder("test", s.alloc, 24, 32, false, true)
	h.Prepare()

	s.Require().NoError(h.Enlarge())
	s.Equal(32, h.Capacity())
}

func (s *HolderTestSuite) TestEnsureCapacity() {
	s.h.Prepare()
	s.h.EnsureCapacity(20)
	s.Equal(20, s.h.Capacity())

	// Already big enough.
	s.h.EnsureCapacity(10)
	s.Equal(20, s.h.Capacity())

	// Requests above the ceiling are capped.
	s.h.EnsureCapacity(100)
	s.Equal(32, s.h.Capacity())
}

func (s *HolderTestSuite) TestRelease() {
	s.h.Prepare()
	copy(s.h.Free(), "x")
	s.h.Advance(1)

	// Not empty: kept.
	s.False(s.h.Release())
	s.False(s.h.NilOrEmpty())

	s.h.Discard(1)
	s.True(s.h.Release())
	s.True(s.h.NilOrEmpty())
	s.Len(s.alloc.freed, 1)
}

func (s *HolderTestSuite) TestReleaseNotReleasable() {
	h := NewHolder("test", s.alloc, 8, 32, false, false)
	h.Prepare()
	s.False(h.Release())
	s.Empty(s.alloc.freed)
}

func (s *HolderTestSuite) TestDispose() {
	s.h.Prepare()
	copy(s.h.Free(), "abc")
	s.h.Advance(3)

	s.h.Dispose()
	s.True(s.h.NilOrEmpty())
	s.Len(s.alloc.freed, 1)

	// Idempotent.
	s.h.Dispose()
	s.Len(s.alloc.freed, 1)
}

func (s *HolderTestSuite) TestPlainZeroedOnFree() {
	h := NewHolder("plain", s.alloc, 8, 32, true, true)
	h.Prepare()
	copy(h.Free(), "secret!")
	h.Advance(7)
	h.Discard(7)

	s.Require().True(h.Release())
	s.Require().Len(s.alloc.freed, 1)
	s.Equal(make([]byte, 8), s.alloc.freed[0])
}

func (s *HolderTestSuite) TestPlainZeroedOnGrow() {
	h := NewHolder("plain", s.alloc, 8, 32, true, true)
	h.Prepare()
	copy(h.Free(), "secret!")
	h.Advance(7)

	s.Require().NoError(h.Enlarge())
	s.Require().Len(s.alloc.freed, 1)
	s.Equal(make([]byte, 8), s.alloc.freed[0])
	s.Equal([]byte("secret!"), h.Filled())
}

func (s *HolderTestSuite) TestZeroRemaining() {
	s.h.Prepare()
	copy(s.h.Free(), "abcdefgh")
	s.h.Advance(3)

	s.h.ZeroRemaining()
	s.Equal([]byte("abc"), s.h.Filled())
	s.Equal(make([]byte, 5), s.h.Free())
}

func TestZero(t *testing.T) {
	b := []byte("hello")
	zero(b)
	assert.Equal(t, make([]byte, 5), b)

	require.NotPanics(t, func() { zero(nil) })
}
