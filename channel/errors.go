package channel

import (
	"tls-channel/transport"

	"github.com/pkg/errors"
)

// ErrClosed is returned for any operation on a channel that is in an invalid
// state or has already sent its close_notify.
var ErrClosed = errors.Wrap(transport.ErrConnClosed, "tls channel is closed")

// ErrNeedsRead signals non-blocking backpressure: the operation needs bytes
// from the underlying channel, and the transport has none right now. Retry
// the same operation once the transport is readable.
var ErrNeedsRead = errors.New("underlying channel is not ready for reading")

// ErrNeedsWrite signals non-blocking backpressure: the operation has pending
// encrypted bytes, and the transport cannot take them right now. Retry the
// same operation once the transport is writable.
var ErrNeedsWrite = errors.New("underlying channel is not ready for writing")

// ErrNeedsHandshake is returned by Read and Write on a channel constructed
// with ExplicitHandshake before Handshake has completed.
var ErrNeedsHandshake = errors.New("handshake has not been completed")

// ErrNilBuffer is returned when a destination vector contains a nil buffer.
var ErrNilBuffer = errors.New("nil destination buffer")

// errEOF signals end-of-stream from the underlying channel. It never escapes
// the package: depending on the phase it becomes io.EOF or ErrClosed.
var errEOF = errors.New("end of stream reached")

// TaskError carries a delegated engine task to the caller. It is only
// returned on channels constructed with RunTasks disabled; the channel will
// not make progress until the task has been run and the operation retried.
type TaskError struct {
	Task func()
}

func (e *TaskError) Error() string { return "an engine task needs to be run before retrying" }

// CallbackError wraps an error returned by the session initialization
// callback. The handshake itself finished on the wire, but the session is not
// recorded as negotiated; another Handshake call is needed to use the channel.
type CallbackError struct {
	Err error
}

func (e *CallbackError) Error() string {
	return "session initialization callback failed: " + e.Err.Error()
}

func (e *CallbackError) Unwrap() error { return e.Err }
