// In-memory connected pipe pair, modeled after net.Pipe but buffered.
// See:
// - https://github.com/golang/go/issues/24205
// - https://github.com/golang/go/issues/34502
package pipe

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"tls-channel/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var ErrDeadLineExceeded = errors.New("deadline exceeded")

type Conn struct {
	addr string

	buf *bytes.Buffer // protected by in.L

	in, out  sync.Cond
	serialMu sync.Mutex // For serialized write operations.

	_closed  bool
	closedMu sync.Mutex

	nonblocking atomic.Bool

	rdeadline, wdeadline *deadline

	// the opposite end.
	counterpart *Conn
}

var _ transport.Conn = (*Conn)(nil)

// Buffered creates a connected pair of pipes, each with a bufSize receive
// buffer. Because data only moves through the buffers, bufSize MUST be more
// than 0.
func Buffered(name1, name2 string, clk clock.Clock, bufSize int) (c1, c2 *Conn) {
	if bufSize <= 0 {
		panic("buffer size cannot be 0")
	}

	c1 = &Conn{
		addr:      name1,
		buf:       bytes.NewBuffer(make([]byte, 0, bufSize)),
		rdeadline: newDeadLine(clk),
		wdeadline: newDeadLine(clk),
	}
	c1.in.L, c1.out.L = &sync.Mutex{}, &sync.Mutex{}

	c2 = &Conn{
		addr:      name2,
		buf:       bytes.NewBuffer(make([]byte, 0, bufSize)),
		rdeadline: newDeadLine(clk),
		wdeadline: newDeadLine(clk),
	}
	c2.in.L, c2.out.L = &sync.Mutex{}, &sync.Mutex{}

	c1.counterpart, c2.counterpart = c2, c1
	return
}

func (p *Conn) Name() string { return p.addr }

// SetNonBlocking toggles non-blocking mode. In this mode Read returns (0, nil)
// when the buffer is empty and Write returns a short (possibly zero) count
// when the peer buffer is full.
func (p *Conn) SetNonBlocking(v bool) { p.nonblocking.Store(v) }

func (p *Conn) Close() error {
	p.closedMu.Lock()
	p._closed = true
	p.closedMu.Unlock()

	p.notifyRead()
	p.notifyWrite()
	p.counterpart.notifyRead()
	p.counterpart.notifyWrite()
	return nil
}

func (p *Conn) Read(b []byte) (n int, err error) {
	defer func() {
		if err != nil || n == 0 {
			return
		}
		// If the buffer was full and the counterpart was waiting, tell it
		// writing is possible again.
		p.counterpart.out.L.Lock()
		p.counterpart.notifyWrite()
		p.counterpart.out.L.Unlock()
	}()

	p.in.L.Lock()
	defer p.in.L.Unlock()

	for {
		if p.rdeadline.exceeded() {
			return 0, ErrDeadLineExceeded
		}

		// Even when the stream is closed, buffered bytes remain readable.
		if p.buf.Len() > 0 {
			return p.buf.Read(b)
		}

		if p.closed() {
			return 0, transport.ErrConnClosed
		}
		if p.counterpart.closed() {
			return 0, io.EOF
		}

		if p.nonblocking.Load() {
			return 0, nil
		}

		p.in.Wait()
	}
}

func (p *Conn) Write(b []byte) (n int, err error) {
	if len(b) == 0 {
		return 0, nil
	}

	// Serialize write operations to prevent interleaving.
	p.serialMu.Lock()
	defer p.serialMu.Unlock()

	p.out.L.Lock()
	defer p.out.L.Unlock()

	nn := 0
	for len(b) > 0 {
		if p.wdeadline.exceeded() {
			return nn, ErrDeadLineExceeded
		}

		if p.closed() || p.counterpart.closed() {
			return nn, transport.ErrConnClosed
		}

		// It might race with the counterpart's read, so hold its read lock.
		p.counterpart.in.L.Lock()

		// The counterpart's buffer must not grow past its capacity.
		remain := p.counterpart.buf.Cap() - p.counterpart.buf.Len()

		if canWrite := min(len(b), remain); canWrite > 0 {
			p.counterpart.notifyRead()

			if p.counterpart.buf.Available() < canWrite {
				// Move the unread bytes to the front so the write fits in
				// place instead of reallocating a larger buffer.
				pending := append([]byte(nil), p.counterpart.buf.Bytes()...)
				p.counterpart.buf.Reset()
				p.counterpart.buf.Write(pending)
			}
			p.counterpart.buf.Write(b[:canWrite])
			b = b[canWrite:]
			nn += canWrite

			p.counterpart.in.L.Unlock()
			continue
		}

		p.counterpart.in.L.Unlock()

		if p.nonblocking.Load() {
			return nn, nil
		}

		p.out.Wait()
	}

	return nn, nil
}

func (p *Conn) closed() bool {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	return p._closed
}

// Signaling a sync.Cond does not require its lock, so these do not take it;
// some callers hold it anyway.
func (p *Conn) notifyRead()  { p.in.Signal() }
func (p *Conn) notifyWrite() { p.out.Signal() }

func (p *Conn) SetReadDeadLine(t time.Time)  { p.rdeadline.set(t, func() { p.in.Signal() }) }
func (p *Conn) SetWriteDeadLine(t time.Time) { p.wdeadline.set(t, func() { p.out.Signal() }) }

func newDeadLine(clk clock.Clock) *deadline { return &deadline{clock: clk} }

type deadline struct {
	clock clock.Clock
	m     sync.Mutex

	timer *clock.Timer
	t     time.Time
}

func (d *deadline) set(t time.Time, onExceed func()) {
	d.m.Lock()
	defer d.m.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.t = t

	if !t.IsZero() {
		d.timer = d.clock.AfterFunc(d.clock.Until(t), func() {
			d.m.Lock()
			defer d.m.Unlock()
			onExceed()
		})
	}
}

func (d *deadline) exceeded() bool {
	d.m.Lock()
	defer d.m.Unlock()

	if d.t.IsZero() {
		return false
	}

	return d.clock.Until(d.t) <= 0
}
