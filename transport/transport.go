// Package transport defines the byte-channel contracts the TLS channel sits
// on top of. A transport may be blocking or non-blocking; the non-blocking
// contract is expressed through zero-progress results rather than errors.
package transport

import "github.com/pkg/errors"

var ErrConnClosed = errors.New("connection is closed")

// Readable is the encrypted side of the underlying connection.
//
// Read returns io.EOF once the peer has shut the stream down. In non-blocking
// mode a (0, nil) result means no bytes are currently available; the caller
// retries once the transport becomes readable again.
type Readable interface {
	Read(p []byte) (n int, err error)
	Close() error
}

// Writable is the encrypted side of the underlying connection.
//
// Write may return short counts. In non-blocking mode a (0, nil) result means
// the transport cannot accept bytes right now; the caller retries once the
// transport becomes writable again.
type Writable interface {
	Write(p []byte) (n int, err error)
	Close() error
}

// Conn is a bidirectional byte channel.
type Conn interface {
	Readable
	Writable
}
