package channel

import (
	"io"
	"tls-channel/buffer"
	"tls-channel/engine"

	"github.com/pkg/errors"
)

type unwrapResult struct {
	bytesProduced       int
	lastHandshakeStatus engine.HandshakeStatus
	wasClosed           bool
}

type wrapResult struct {
	bytesConsumed       int
	lastHandshakeStatus engine.HandshakeStatus
}

func assertTrue(cond bool, msg string) {
	if !cond {
		panic("tls channel invariant broken: " + msg)
	}
}

// read

func (c *Channel) read(dest bufferSet) (int, error) {
	if !c.explicitHandshake {
		if err := c.Handshake(); err != nil {
			return 0, err
		}
	}
	c.readLock.Lock()
	defer c.readLock.Unlock()
	return c.readLocked(dest)
}

func (c *Channel) readLocked(dest bufferSet) (int, error) {
	if c.invalid.Load() || c.shutdownSent.Load() {
		return 0, ErrClosed
	}

	status := c.engine.HandshakeStatus()
	if err := c.checkExplicitHandshake(status); err != nil {
		return 0, err
	}

	bytesToReturn := 0
	if !c.inPlain.NilOrEmpty() {
		bytesToReturn = c.inPlain.Len()
	}

	for {
		if bytesToReturn > 0 {
			if c.inPlain.NilOrEmpty() {
				return bytesToReturn, nil
			}
			return c.transferPendingPlain(dest), nil
		}
		if c.shutdownReceived.Load() {
			return 0, io.EOF
		}
		assertTrue(c.inPlain.NilOrEmpty(), "inPlain not empty between reads")

		switch status {
		case engine.NeedUnwrap, engine.NeedWrap:
			n, err := c.handshakeLocked(dest, false)
			if err != nil {
				if errors.Is(err, errEOF) {
					return 0, io.EOF
				}
				return 0, err
			}
			bytesToReturn = n
			status = engine.NotHandshaking

		case engine.NotHandshaking, engine.Finished:
			res, err := c.readAndUnwrap(dest)
			if err != nil {
				if errors.Is(err, errEOF) {
					return 0, io.EOF
				}
				return 0, err
			}
			if res.wasClosed {
				return 0, io.EOF
			}
			bytesToReturn = res.bytesProduced
			status = res.lastHandshakeStatus

		case engine.NeedTask:
			if err := c.handleTask(); err != nil {
				return 0, err
			}
			status = c.engine.HandshakeStatus()
		}
	}
}

func (c *Channel) checkExplicitHandshake(status engine.HandshakeStatus) error {
	if status != engine.NotHandshaking && status != engine.Finished && c.explicitHandshake {
		return ErrNeedsHandshake
	}
	return nil
}

func (c *Channel) handleTask() error {
	task := c.engine.DelegatedTask()
	if task == nil {
		return nil
	}
	if c.runTasks {
		task()
		return nil
	}
	return &TaskError{Task: task}
}

// transferPendingPlain moves decrypted bytes pending in inPlain into dest.
func (c *Channel) transferPendingPlain(dest bufferSet) int {
	n := dest.put(c.inPlain.Filled())
	c.inPlain.Discard(n)
	disposed := c.inPlain.Release()
	if !disposed {
		c.inPlain.ZeroRemaining()
	}
	return n
}

func (c *Channel) unwrapLoop(dest bufferSet, originalStatus engine.HandshakeStatus) (unwrapResult, error) {
	effDest := dest
	for {
		assertTrue(c.inPlain.NilOrEmpty(), "inPlain not empty before unwrap")
		res, err := c.callEngineUnwrap(effDest)
		if err != nil {
			return unwrapResult{}, err
		}
		// Data can be produced even on overflow; in that case just return it.
		if res.BytesProduced > 0 ||
			res.Status == engine.StatusBufferUnderflow ||
			res.Status == engine.StatusClosed ||
			res.HandshakeStatus != originalStatus {
			return unwrapResult{
				bytesProduced:       res.BytesProduced,
				lastHandshakeStatus: res.HandshakeStatus,
				wasClosed:           res.Status == engine.StatusClosed,
			}, nil
		}
		if res.Status == engine.StatusBufferOverflow {
			c.inPlain.Prepare()
			c.ensureInPlainCapacity(min(effDest.remaining()*2, buffer.MaxTLSPacketSize))
		}
		// inPlain may have been reallocated; switch to the lazy view.
		effDest = c.inPlainSet
	}
}

func (c *Channel) callEngineUnwrap(dest bufferSet) (engine.Result, error) {
	res, err := dest.unwrap(c.engine, c.inEncrypted)
	if err != nil {
		// Something bad came in from the underlying channel; the session
		// cannot continue.
		c.invalid.Store(true)
		return engine.Result{}, errors.Wrap(err, "engine unwrap")
	}
	c.logger.Debug("engine unwrap",
		"status", res.Status, "handshakeStatus", res.HandshakeStatus,
		"consumed", res.BytesConsumed, "produced", res.BytesProduced)
	return res, nil
}

func (c *Channel) ensureInPlainCapacity(newCapacity int) {
	if c.inPlain.Capacity() < newCapacity {
		c.logger.Debug("growing inPlain", "from", c.inPlain.Capacity(), "to", newCapacity)
		c.inPlain.EnsureCapacity(newCapacity)
	}
}

func (c *Channel) readFromChannel() error {
	assertTrue(c.inEncrypted.Remaining() > 0, "no room to read into inEncrypted")
	n, err := c.readChannel.Read(c.inEncrypted.Free())
	if n > 0 {
		c.inEncrypted.Advance(n)
	}
	switch {
	case err == nil && n == 0:
		return ErrNeedsRead
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		if n > 0 {
			// The bytes still count; EOF resurfaces on the next read.
			return nil
		}
		return errEOF
	default:
		c.invalid.Store(true)
		return errors.Wrap(err, "reading from channel")
	}
}

func (c *Channel) readAndUnwrap(dest bufferSet) (unwrapResult, error) {
	// The status before the operation is used to detect a change.
	orig := c.engine.HandshakeStatus()
	c.inEncrypted.Prepare()
	defer c.inEncrypted.Release()
	for {
		assertTrue(c.inPlain.NilOrEmpty(), "inPlain not empty before unwrap")
		res, err := c.unwrapLoop(dest, orig)
		if err != nil {
			return unwrapResult{}, err
		}
		if res.bytesProduced > 0 || res.lastHandshakeStatus != orig || res.wasClosed {
			if res.wasClosed {
				c.shutdownReceived.Store(true)
			}
			c.unwrapRes = res
			return res, nil
		}
		if c.inEncrypted.Remaining() == 0 {
			if err := c.inEncrypted.Enlarge(); err != nil {
				c.invalid.Store(true)
				return unwrapResult{}, err
			}
		}
		if err := c.readFromChannel(); err != nil {
			return unwrapResult{}, err
		}
	}
}

// write

func (c *Channel) write(source bufferSet) (int, error) {
	// The write loop must be entered even when the source has no remaining
	// bytes: in non-blocking usage the user may be calling again only to
	// flush pending encrypted bytes.
	if !c.explicitHandshake {
		if err := c.Handshake(); err != nil {
			return 0, err
		}
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if c.invalid.Load() || c.shutdownSent.Load() {
		return 0, ErrClosed
	}
	if err := c.checkExplicitHandshake(c.engine.HandshakeStatus()); err != nil {
		return 0, err
	}
	return c.wrapAndWrite(source)
}

func (c *Channel) wrapAndWrite(source bufferSet) (int, error) {
	bytesToConsume := source.remaining()
	bytesConsumed := 0
	c.outEncrypted.Prepare()
	defer c.outEncrypted.Release()
	for {
		if err := c.writeToChannel(); err != nil {
			return bytesConsumed, err
		}
		if bytesConsumed == bytesToConsume {
			return bytesToConsume, nil
		}
		res, err := c.wrapLoop(source)
		if err != nil {
			return bytesConsumed, err
		}
		bytesConsumed += res.bytesConsumed
	}
}

func (c *Channel) wrapLoop(source bufferSet) (wrapResult, error) {
	for {
		res, err := c.callEngineWrap(source)
		if err != nil {
			return wrapResult{}, err
		}
		switch res.Status {
		case engine.StatusOK, engine.StatusClosed:
			return wrapResult{
				bytesConsumed:       res.BytesConsumed,
				lastHandshakeStatus: res.HandshakeStatus,
			}, nil
		case engine.StatusBufferOverflow:
			assertTrue(res.BytesConsumed == 0, "engine consumed bytes on overflow")
			if err := c.outEncrypted.Enlarge(); err != nil {
				c.invalid.Store(true)
				return wrapResult{}, err
			}
		case engine.StatusBufferUnderflow:
			assertTrue(false, "buffer underflow on wrap")
		}
	}
}

func (c *Channel) callEngineWrap(source bufferSet) (engine.Result, error) {
	res, err := source.wrap(c.engine, c.outEncrypted)
	if err != nil {
		c.invalid.Store(true)
		return engine.Result{}, errors.Wrap(err, "engine wrap")
	}
	c.logger.Debug("engine wrap",
		"status", res.Status, "handshakeStatus", res.HandshakeStatus,
		"consumed", res.BytesConsumed, "produced", res.BytesProduced)
	return res, nil
}

// writeToChannel flushes outEncrypted to the transport, fully.
func (c *Channel) writeToChannel() error {
	for c.outEncrypted.Len() > 0 {
		n, err := c.writeChannel.Write(c.outEncrypted.Filled())
		if n > 0 {
			c.outEncrypted.Discard(n)
			continue
		}
		if err != nil {
			c.invalid.Store(true)
			return errors.Wrap(err, "writing to channel")
		}
		// Zero progress: the socket is non-blocking and needs buffer space.
		return ErrNeedsWrite
	}
	return nil
}

// handshake

func (c *Channel) doHandshake(force bool) error {
	if !force && c.negotiated.Load() {
		return nil
	}
	c.initLock.Lock()
	defer c.initLock.Unlock()

	if c.invalid.Load() || c.shutdownSent.Load() {
		return ErrClosed
	}
	if !force && c.negotiated.Load() {
		return nil
	}

	c.readLock.Lock()
	defer c.readLock.Unlock()
	if _, err := c.handshakeLocked(c.inPlainSet, force); err != nil {
		return err
	}

	if cb := c.initSessionCallback; cb != nil {
		if err := cb(c.engine.Session()); err != nil {
			c.logger.Debug("session initialization callback failed", "error", err)
			return &CallbackError{Err: err}
		}
	}
	c.negotiated.Store(true)
	return nil
}

// handshakeLocked assumes readLock is held; it takes writeLock itself.
func (c *Channel) handshakeLocked(dest bufferSet, force bool) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	c.outEncrypted.Prepare()
	defer c.outEncrypted.Release()
	return c.doWorkLoop(dest, force)
}

func (c *Channel) doWorkLoop(dest bufferSet, force bool) (int, error) {
	n, err := c.doWork(dest, force)
	for err == nil && n < 0 {
		n, err = c.doWork(dest, false)
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Channel) doWork(dest bufferSet, force bool) (int, error) {
	if !c.handshaking.Load() {
		if force || !c.negotiated.Load() {
			if err := c.engine.BeginHandshake(); err != nil {
				return 0, errors.Wrap(err, "begin handshake")
			}
		}
		assertTrue(c.inPlain.NilOrEmpty(), "inPlain not empty at handshake start")
		// Flush any residue left by a previous partial step.
		if err := c.writeToChannel(); err != nil {
			return 0, err
		}
		c.handshaking.Store(true)
	}

	n, err := c.maybeHandshakeStep(dest)
	if err != nil {
		return 0, err
	}
	if n >= 0 {
		c.handshaking.Store(false)
	}
	return n, nil
}

// maybeHandshakeStep returns >= 0 when the handshake is over. A positive
// count means the last unwrap produced plaintext that belongs to a
// concurrent read; -2 means keep stepping.
func (c *Channel) maybeHandshakeStep(dest bufferSet) (int, error) {
	status := c.engine.HandshakeStatus()
	if status == engine.Finished || status == engine.NotHandshaking {
		return 0, nil
	}

	newStatus, err := c.handshakeStep(dest, status)
	if err != nil {
		return 0, err
	}

	if newStatus == engine.NeedUnwrap && c.unwrapRes.bytesProduced > 0 {
		return c.unwrapRes.bytesProduced, nil
	}
	return -2, nil
}

func (c *Channel) handshakeStep(dest bufferSet, status engine.HandshakeStatus) (engine.HandshakeStatus, error) {
	switch status {
	case engine.NeedWrap:
		assertTrue(c.outEncrypted.NilOrEmpty(), "outEncrypted not empty before handshake wrap")
		if _, err := c.wrapLoop(c.dummyOut); err != nil {
			return 0, err
		}
		if err := c.writeToChannel(); err != nil {
			return 0, err
		}
	case engine.NeedUnwrap:
		if _, err := c.readAndUnwrap(dest); err != nil {
			return 0, err
		}
	case engine.NeedTask:
		if err := c.handleTask(); err != nil {
			return 0, err
		}
	case engine.NotHandshaking, engine.Finished:
		// Does not really happen with a TLS engine, which ends handshakes
		// with FINISHED. Accepted to permit pass-through engines with no
		// encryption.
	}
	return c.engine.HandshakeStatus(), nil
}

// shutdown

// shutdownLocked assumes both readLock and writeLock are held.
func (c *Channel) shutdownLocked() (bool, error) {
	if c.invalid.Load() {
		return false, ErrClosed
	}

	if !c.shutdownSent.Load() {
		c.shutdownSent.Store(true)

		c.outEncrypted.Prepare()
		err := func() error {
			if err := c.writeToChannel(); err != nil {
				return err
			}
			c.engine.CloseOutbound()
			if _, err := c.wrapLoop(c.dummyOut); err != nil {
				return err
			}
			return c.writeToChannel()
		}()
		c.outEncrypted.Release()
		if err != nil {
			return false, err
		}

		// If this side is the first to send close_notify, inbound is not
		// done yet and false tells the caller to wait for the response. If
		// it is the second, inbound was already done.
		if c.shutdownReceived.Load() {
			c.freeBuffers()
		}
		return c.shutdownReceived.Load(), nil
	}

	// Only read the close notification when necessary, keeping this method
	// idempotent.
	if !c.shutdownReceived.Load() {
		if _, err := c.readAndUnwrap(c.inPlainSet); err != nil {
			if errors.Is(err, errEOF) {
				return false, ErrClosed
			}
			return false, err
		}
		assertTrue(c.shutdownReceived.Load(), "unwrap returned without close_notify during shutdown")
	}
	c.freeBuffers()
	return true, nil
}

// tryShutdown is the best-effort close_notify attempt used by Close. Locks
// are only tried; a busy channel skips the courtesy entirely.
func (c *Channel) tryShutdown() {
	if !c.readLock.TryLock() {
		return
	}
	defer c.readLock.Unlock()
	if !c.writeLock.TryLock() {
		return
	}
	defer c.writeLock.Unlock()

	if c.shutdownSent.Load() {
		return
	}
	done, err := c.shutdownLocked()
	if err == nil && !done && c.waitForCloseConfirmation {
		_, err = c.shutdownLocked()
	}
	if err != nil {
		c.logger.Debug("tls shutdown failed during close, continuing", "error", err)
	}
}

func (c *Channel) freeBuffers() {
	c.inEncrypted.Dispose()
	c.inPlain.Dispose()
	c.outEncrypted.Dispose()
}
