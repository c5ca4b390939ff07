package channel

import (
	"tls-channel/buffer"
	"tls-channel/engine"
)

// bufferSet is a uniform view over the plaintext side of a wrap or unwrap
// call: a single buffer, a gather/scatter vector, or a lazily resolved
// holder. The set owns its cursor; the holders own theirs.
type bufferSet interface {
	remaining() int
	hasRemaining() bool

	// wrap invokes the engine with this set as the plaintext source and the
	// holder's free space as the record sink.
	wrap(eng engine.Engine, out *buffer.Holder) (engine.Result, error)

	// unwrap invokes the engine with the holder's stored bytes as the record
	// source and this set as the plaintext sink.
	unwrap(eng engine.Engine, in *buffer.Holder) (engine.Result, error)

	// put copies bytes into the set, advancing its cursor. Returns the count.
	put(src []byte) int
}

// vecSet views one or more byte slices with a single running cursor.
type vecSet struct {
	bufs  [][]byte
	off   int
	total int
}

var _ bufferSet = (*vecSet)(nil)

func newVecSet(bufs [][]byte) *vecSet {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	return &vecSet{bufs: bufs, total: total}
}

func (s *vecSet) remaining() int     { return s.total - s.off }
func (s *vecSet) hasRemaining() bool { return s.remaining() > 0 }

// cur is the not-yet-consumed tail of the vector.
func (s *vecSet) cur() [][]byte {
	out := make([][]byte, 0, len(s.bufs))
	skip := s.off
	for _, b := range s.bufs {
		if skip >= len(b) {
			skip -= len(b)
			continue
		}
		out = append(out, b[skip:])
		skip = 0
	}
	return out
}

func (s *vecSet) wrap(eng engine.Engine, out *buffer.Holder) (engine.Result, error) {
	res, err := eng.Wrap(s.cur(), out.Free())
	if err != nil {
		return engine.Result{}, err
	}
	s.off += res.BytesConsumed
	out.Advance(res.BytesProduced)
	return res, nil
}

func (s *vecSet) unwrap(eng engine.Engine, in *buffer.Holder) (engine.Result, error) {
	res, err := eng.Unwrap(in.Filled(), s.cur())
	if err != nil {
		return engine.Result{}, err
	}
	in.Discard(res.BytesConsumed)
	s.off += res.BytesProduced
	return res, nil
}

func (s *vecSet) put(src []byte) (n int) {
	for _, b := range s.cur() {
		if len(src) == 0 {
			break
		}
		c := copy(b, src)
		src = src[c:]
		n += c
	}
	s.off += n
	return
}

// supplierSet resolves its holder on every call. The holder backing it may be
// reallocated between calls (inPlain grows on BUFFER_OVERFLOW), so a snapshot
// view would go stale mid-loop.
type supplierSet struct {
	fetch func() *buffer.Holder
}

var _ bufferSet = (*supplierSet)(nil)

func (s *supplierSet) remaining() int     { return s.fetch().Remaining() }
func (s *supplierSet) hasRemaining() bool { return s.remaining() > 0 }

func (s *supplierSet) wrap(eng engine.Engine, out *buffer.Holder) (engine.Result, error) {
	h := s.fetch()
	res, err := eng.Wrap([][]byte{h.Filled()}, out.Free())
	if err != nil {
		return engine.Result{}, err
	}
	h.Discard(res.BytesConsumed)
	out.Advance(res.BytesProduced)
	return res, nil
}

func (s *supplierSet) unwrap(eng engine.Engine, in *buffer.Holder) (engine.Result, error) {
	h := s.fetch()
	res, err := eng.Unwrap(in.Filled(), [][]byte{h.Free()})
	if err != nil {
		return engine.Result{}, err
	}
	in.Discard(res.BytesConsumed)
	h.Advance(res.BytesProduced)
	return res, nil
}

func (s *supplierSet) put(src []byte) int {
	h := s.fetch()
	n := copy(h.Free(), src)
	h.Advance(n)
	return n
}
