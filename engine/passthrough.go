package engine

// PassThrough is an engine that copies bytes verbatim: no handshake, no
// records, no encryption. It exists so the channel machinery can be used (and
// tested) over a connection that was sniffed as non-TLS.
type PassThrough struct {
	protocol string

	outboundClosed bool
	inboundClosed  bool
}

var _ Engine = (*PassThrough)(nil)

func NewPassThrough(protocol string) *PassThrough {
	return &PassThrough{protocol: protocol}
}

func (p *PassThrough) BeginHandshake() error { return nil }

func (p *PassThrough) HandshakeStatus() HandshakeStatus { return NotHandshaking }

func (p *PassThrough) DelegatedTask() func() { return nil }

func (p *PassThrough) CloseOutbound() { p.outboundClosed = true }

func (p *PassThrough) Wrap(src [][]byte, dst []byte) (Result, error) {
	if p.outboundClosed {
		return Result{Status: StatusClosed, HandshakeStatus: NotHandshaking}, nil
	}

	if len(dst) == 0 && vecLen(src) > 0 {
		return Result{Status: StatusBufferOverflow, HandshakeStatus: NotHandshaking}, nil
	}

	n := gather(src, dst)
	return Result{
		Status:          StatusOK,
		HandshakeStatus: NotHandshaking,
		BytesConsumed:   n,
		BytesProduced:   n,
	}, nil
}

func (p *PassThrough) Unwrap(src []byte, dst [][]byte) (Result, error) {
	if p.inboundClosed {
		return Result{Status: StatusClosed, HandshakeStatus: NotHandshaking}, nil
	}

	if len(src) == 0 {
		return Result{Status: StatusBufferUnderflow, HandshakeStatus: NotHandshaking}, nil
	}
	if vecLen(dst) == 0 {
		return Result{Status: StatusBufferOverflow, HandshakeStatus: NotHandshaking}, nil
	}

	n := scatter(src, dst)
	return Result{
		Status:          StatusOK,
		HandshakeStatus: NotHandshaking,
		BytesConsumed:   n,
		BytesProduced:   n,
	}, nil
}

func (p *PassThrough) Session() Session { return staticSession{protocol: p.protocol} }

type staticSession struct{ protocol string }

func (s staticSession) Protocol() string { return s.protocol }

func vecLen(bufs [][]byte) (n int) {
	for _, b := range bufs {
		n += len(b)
	}
	return
}

// gather copies bytes from the vector into dst, in order.
func gather(src [][]byte, dst []byte) (n int) {
	for _, b := range src {
		if len(dst) == 0 {
			break
		}
		c := copy(dst, b)
		dst = dst[c:]
		n += c
	}
	return
}

// scatter copies bytes from src over the vector, in order.
func scatter(src []byte, dst [][]byte) (n int) {
	for _, b := range dst {
		if len(src) == 0 {
			break
		}
		c := copy(b, src)
		src = src[c:]
		n += c
	}
	return
}
