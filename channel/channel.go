// Package channel adapts a pair of byte-oriented transport channels into a
// single encrypted byte channel, by pumping records through an external TLS
// engine. It performs no cryptography itself: the engine wraps and unwraps,
// the transport moves bytes, and this package orchestrates buffers, the
// handshake, close_notify and non-blocking backpressure between them.
package channel

import (
	"io"
	"log/slog"
	"sync/atomic"
	"tls-channel/buffer"
	"tls-channel/engine"
	"tls-channel/lock"
	"tls-channel/transport"

	"github.com/pkg/errors"
)

// Config wires a channel together. ReadChannel, WriteChannel and Engine are
// required; everything else has a usable zero value or default.
type Config struct {
	ReadChannel  transport.Readable
	WriteChannel transport.Writable
	Engine       engine.Engine

	// InEncrypted seeds the channel with encrypted bytes that were already
	// read from the transport, e.g. by a protocol sniffer deciding between
	// raw and TLS traffic.
	InEncrypted *buffer.Holder

	// SessionInitCallback runs once the handshake completes, before the
	// session is recorded as negotiated. It runs inside the channel's init
	// critical section and must not re-enter the channel.
	SessionInitCallback func(engine.Session) error

	// RunTasks makes the channel run delegated engine tasks inline. When
	// false they surface as *TaskError.
	RunTasks bool

	PlainAllocator     buffer.Allocator
	EncryptedAllocator buffer.Allocator

	// ReleaseBuffers returns buffers to their allocator between operations.
	ReleaseBuffers bool

	// WaitForCloseConfirmation makes Close wait for the peer's close_notify
	// after sending ours.
	WaitForCloseConfirmation bool

	LockFactory lock.Factory

	// ExplicitHandshake makes Read and Write fail with ErrNeedsHandshake
	// until Handshake is called, instead of handshaking implicitly.
	ExplicitHandshake bool

	Logger *slog.Logger
}

// Channel is the TLS record-layer adapter. It is safe for concurrent use:
// reads, writes and handshakes may be driven from distinct goroutines.
type Channel struct {
	readChannel  transport.Readable
	writeChannel transport.Writable
	engine       engine.Engine

	initSessionCallback      func(engine.Session) error
	runTasks                 bool
	explicitHandshake        bool
	waitForCloseConfirmation bool

	plainAlloc     buffer.Allocator
	encryptedAlloc buffer.Allocator

	initLock  lock.Lock
	readLock  lock.Lock
	writeLock lock.Lock

	inEncrypted  *buffer.Holder
	inPlain      *buffer.Holder
	outEncrypted *buffer.Holder

	inPlainSet *supplierSet

	// Handshake wrap calls need a source to read from even though they do
	// not consume anything.
	dummyOut *vecSet

	negotiated       atomic.Bool
	handshaking      atomic.Bool
	invalid          atomic.Bool
	shutdownSent     atomic.Bool
	shutdownReceived atomic.Bool
	closed           atomic.Bool

	unwrapRes unwrapResult // last unwrap outcome, guarded by readLock

	logger *slog.Logger
}

func New(cfg Config) *Channel {
	if cfg.PlainAllocator == nil {
		cfg.PlainAllocator = buffer.Heap{}
	}
	if cfg.EncryptedAllocator == nil {
		cfg.EncryptedAllocator = buffer.Heap{}
	}
	if cfg.LockFactory == nil {
		cfg.LockFactory = lock.Mutex
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Channel{
		readChannel:              cfg.ReadChannel,
		writeChannel:             cfg.WriteChannel,
		engine:                   cfg.Engine,
		initSessionCallback:      cfg.SessionInitCallback,
		runTasks:                 cfg.RunTasks,
		explicitHandshake:        cfg.ExplicitHandshake,
		waitForCloseConfirmation: cfg.WaitForCloseConfirmation,
		plainAlloc:               cfg.PlainAllocator,
		encryptedAlloc:           cfg.EncryptedAllocator,
		initLock:                 cfg.LockFactory(),
		readLock:                 cfg.LockFactory(),
		writeLock:                cfg.LockFactory(),
		logger:                   cfg.Logger,
	}

	c.inEncrypted = cfg.InEncrypted
	if c.inEncrypted == nil {
		c.inEncrypted = buffer.NewHolder("inEncrypted", cfg.EncryptedAllocator,
			buffer.InitialSize, buffer.MaxTLSPacketSize, false, cfg.ReleaseBuffers)
	}
	c.inPlain = buffer.NewHolder("inPlain", cfg.PlainAllocator,
		buffer.InitialSize, buffer.MaxTLSPacketSize, true, cfg.ReleaseBuffers)
	c.outEncrypted = buffer.NewHolder("outEncrypted", cfg.EncryptedAllocator,
		buffer.InitialSize, buffer.MaxTLSPacketSize, false, cfg.ReleaseBuffers)

	c.inPlainSet = &supplierSet{fetch: func() *buffer.Holder {
		c.inPlain.Prepare()
		return c.inPlain
	}}
	c.dummyOut = newVecSet([][]byte{{}})

	return c
}

// Read decrypts bytes into p. It returns (0, io.EOF) once the peer's
// close_notify has been received and all plaintext delivered.
func (c *Channel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return c.read(newVecSet([][]byte{p}))
}

// ReadVec scatters decrypted bytes over bufs, in order.
func (c *Channel) ReadVec(bufs [][]byte) (int, error) {
	for _, b := range bufs {
		if b == nil {
			return 0, errors.Wrap(ErrNilBuffer, "read")
		}
	}
	dest := newVecSet(bufs)
	if !dest.hasRemaining() {
		return 0, nil
	}
	return c.read(dest)
}

// Write encrypts and sends p. On ErrNeedsRead/ErrNeedsWrite the returned
// count tells how much of p was consumed; retrying with the rest (even if
// empty) flushes what is pending.
func (c *Channel) Write(p []byte) (int, error) {
	return c.write(newVecSet([][]byte{p}))
}

// WriteVec gathers and sends bufs, in order.
func (c *Channel) WriteVec(bufs [][]byte) (int, error) {
	return c.write(newVecSet(bufs))
}

// Handshake negotiates the session if that has not happened yet. It is a
// no-op on an already negotiated channel.
func (c *Channel) Handshake() error {
	if err := c.doHandshake(false); err != nil {
		if errors.Is(err, errEOF) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Renegotiate forces a new negotiation. Renegotiation was removed in TLS 1.3,
// and the engine will not check that; the protocol gate lives here. The check
// relies on hopefully-robust lexicographic ordering of protocol names.
func (c *Channel) Renegotiate() error {
	if c.engine.Session().Protocol() >= "TLSv1.3" {
		return errors.New("renegotiation not supported in TLS 1.3 or later")
	}
	if err := c.doHandshake(true); err != nil {
		if errors.Is(err, errEOF) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Shutdown drives the close_notify exchange. It reports whether the shutdown
// is complete in both directions: false means ours was sent and the peer's is
// still pending, so a second call (or the peer closing) finishes the job.
func (c *Channel) Shutdown() (bool, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.shutdownLocked()
}

// Close makes a best effort at a TLS shutdown, closes both underlying
// channels and frees the buffers. Shutdown errors are discarded.
func (c *Channel) Close() error {
	c.tryShutdown()

	writeErr := c.writeChannel.Close()
	readErr := c.readChannel.Close()

	// With the underlying channels closed, the locks are taken fast.
	c.readLock.Lock()
	defer c.readLock.Unlock()
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.freeBuffers()
	c.closed.Store(true)

	if writeErr != nil {
		return errors.Wrap(writeErr, "closing write channel")
	}
	if readErr != nil {
		return errors.Wrap(readErr, "closing read channel")
	}
	return nil
}

func (c *Channel) IsOpen() bool { return !c.invalid.Load() && !c.closed.Load() }

// ShutdownSent reports whether a close_notify was already sent.
func (c *Channel) ShutdownSent() bool { return c.shutdownSent.Load() }

// ShutdownReceived reports whether a close_notify was already received.
func (c *Channel) ShutdownReceived() bool { return c.shutdownReceived.Load() }

func (c *Channel) Engine() engine.Engine { return c.engine }

func (c *Channel) RunTasks() bool { return c.runTasks }

func (c *Channel) SessionInitCallback() func(engine.Session) error {
	return c.initSessionCallback
}

func (c *Channel) PlainReadable() transport.Readable { return c.readChannel }

func (c *Channel) PlainWritable() transport.Writable { return c.writeChannel }

func (c *Channel) PlainBufferAllocator() buffer.Allocator { return c.plainAlloc }

func (c *Channel) EncryptedBufferAllocator() buffer.Allocator { return c.encryptedAlloc }

var _ io.ReadWriteCloser = (*Channel)(nil)
