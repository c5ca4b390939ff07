// Package test provides a deterministic TLS-like engine for exercising the
// channel pump: framed records, a two-flight hello exchange, optional
// delegated key derivation, and chacha20poly1305 payload protection.
package test

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"tls-channel/engine"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	recordHello byte = 0x01
	recordData  byte = 0x17
	recordClose byte = 0x15
)

const (
	headerLen = 3
	nonceLen  = 32

	// maxPayload matches the TLS plaintext limit, so full-size records force
	// the channel's buffers through their growth path.
	maxPayload = 1 << 14
)

type state uint8

const (
	stateIdle state = iota
	stateNeedWrap
	stateNeedUnwrap
	stateNeedTask
	stateDone
)

type Config struct {
	Server bool

	// Protocol is what Session().Protocol() reports. Default "TLSv1.2".
	Protocol string

	// DelegateKeyDerivation surfaces key derivation as a delegated task
	// instead of running it inside unwrap/wrap.
	DelegateKeyDerivation bool
}

// Engine implements [engine.Engine] over a toy record protocol: 1-byte type,
// 2-byte big-endian length, payload. Hellos carry 32-byte nonces; traffic
// keys come from HKDF over both nonces and protect data payloads with
// chacha20poly1305.
type Engine struct {
	cfg Config

	state     state
	sentHello bool

	localNonce []byte
	peerNonce  []byte

	seal cipher.AEAD
	open cipher.AEAD

	sendSeq uint64
	recvSeq uint64

	outboundClosed bool
	closeSent      bool
	inboundClosed  bool

	task func()
}

var _ engine.Engine = (*Engine)(nil)

func New(cfg Config) *Engine {
	if cfg.Protocol == "" {
		cfg.Protocol = "TLSv1.2"
	}
	return &Engine{cfg: cfg}
}

// NewPair returns a connected client/server engine pair.
func NewPair() (client, server *Engine) {
	return New(Config{}), New(Config{Server: true})
}

func (e *Engine) BeginHandshake() error {
	switch e.state {
	case stateIdle, stateDone:
	default:
		// Already handshaking.
		return nil
	}

	e.localNonce = make([]byte, nonceLen)
	if _, err := rand.Read(e.localNonce); err != nil {
		return errors.Wrap(err, "generating nonce")
	}
	e.peerNonce = nil
	e.sentHello = false

	if e.cfg.Server {
		e.state = stateNeedUnwrap
	} else {
		e.state = stateNeedWrap
	}
	return nil
}

func (e *Engine) HandshakeStatus() engine.HandshakeStatus {
	switch e.state {
	case stateIdle:
		// The first negotiation is still pending.
		if e.cfg.Server {
			return engine.NeedUnwrap
		}
		return engine.NeedWrap
	case stateNeedWrap:
		return engine.NeedWrap
	case stateNeedUnwrap:
		return engine.NeedUnwrap
	case stateNeedTask:
		return engine.NeedTask
	}
	return engine.NotHandshaking
}

func (e *Engine) DelegatedTask() func() {
	if e.state != stateNeedTask {
		return nil
	}
	return e.task
}

func (e *Engine) CloseOutbound() { e.outboundClosed = true }

func (e *Engine) Session() engine.Session { return session{protocol: e.cfg.Protocol} }

func (e *Engine) Wrap(src [][]byte, dst []byte) (engine.Result, error) {
	if e.outboundClosed {
		return e.wrapClose(dst), nil
	}

	switch e.state {
	case stateIdle:
		return engine.Result{}, errors.New("wrap before handshake")

	case stateNeedWrap:
		need := headerLen + nonceLen
		if len(dst) < need {
			return engine.Result{Status: engine.StatusBufferOverflow, HandshakeStatus: engine.NeedWrap}, nil
		}
		putRecord(dst, recordHello, e.localNonce)
		e.sentHello = true

		var hs engine.HandshakeStatus
		if e.peerNonce != nil {
			// Responder: both nonces are in, keys come next.
			hs = e.finishOrDelegate()
		} else {
			e.state = stateNeedUnwrap
			hs = engine.NeedUnwrap
		}
		return engine.Result{Status: engine.StatusOK, HandshakeStatus: hs, BytesProduced: need}, nil

	case stateNeedUnwrap, stateNeedTask:
		// Nothing to produce; the channel is mid-step.
		return engine.Result{Status: engine.StatusOK, HandshakeStatus: e.HandshakeStatus()}, nil
	}

	// Negotiated: wrap one application record.
	chunk := min(vecLen(src), maxPayload-e.seal.Overhead())
	if chunk == 0 {
		return engine.Result{Status: engine.StatusOK, HandshakeStatus: engine.NotHandshaking}, nil
	}
	need := headerLen + chunk + e.seal.Overhead()
	if len(dst) < need {
		return engine.Result{Status: engine.StatusBufferOverflow, HandshakeStatus: engine.NotHandshaking}, nil
	}

	plain := make([]byte, chunk)
	gather(src, plain)
	sealed := e.seal.Seal(nil, e.nonce(e.sendSeq), plain, nil)
	putRecord(dst, recordData, sealed)
	e.sendSeq++

	return engine.Result{
		Status:          engine.StatusOK,
		HandshakeStatus: engine.NotHandshaking,
		BytesConsumed:   chunk,
		BytesProduced:   headerLen + len(sealed),
	}, nil
}

func (e *Engine) wrapClose(dst []byte) engine.Result {
	if e.closeSent {
		return engine.Result{Status: engine.StatusClosed, HandshakeStatus: engine.NotHandshaking}
	}
	if len(dst) < headerLen {
		return engine.Result{Status: engine.StatusBufferOverflow, HandshakeStatus: engine.NotHandshaking}
	}
	putRecord(dst, recordClose, nil)
	e.closeSent = true
	return engine.Result{
		Status:          engine.StatusClosed,
		HandshakeStatus: engine.NotHandshaking,
		BytesProduced:   headerLen,
	}
}

func (e *Engine) Unwrap(src []byte, dst [][]byte) (engine.Result, error) {
	if e.inboundClosed {
		return engine.Result{Status: engine.StatusClosed, HandshakeStatus: e.HandshakeStatus()}, nil
	}

	typ, payload, consumed, ok := parseRecord(src)
	if !ok {
		return engine.Result{Status: engine.StatusBufferUnderflow, HandshakeStatus: e.HandshakeStatus()}, nil
	}

	switch typ {
	case recordClose:
		switch e.state {
		case stateNeedWrap, stateNeedUnwrap, stateNeedTask:
			return engine.Result{}, errors.New("received close_notify during handshake")
		}
		e.inboundClosed = true
		return engine.Result{
			Status:          engine.StatusClosed,
			HandshakeStatus: e.HandshakeStatus(),
			BytesConsumed:   consumed,
		}, nil

	case recordHello:
		if len(payload) != nonceLen {
			return engine.Result{}, errors.Errorf("malformed hello: %d bytes", len(payload))
		}
		hs, err := e.handleHello(payload)
		if err != nil {
			return engine.Result{}, err
		}
		return engine.Result{
			Status:          engine.StatusOK,
			HandshakeStatus: hs,
			BytesConsumed:   consumed,
		}, nil

	case recordData:
		if e.state != stateDone {
			return engine.Result{}, errors.New("application data during handshake")
		}
		plain, err := e.open.Open(nil, e.nonce(e.recvSeq), payload, nil)
		if err != nil {
			return engine.Result{}, errors.Wrap(err, "opening record")
		}
		if vecLen(dst) < len(plain) {
			return engine.Result{Status: engine.StatusBufferOverflow, HandshakeStatus: engine.NotHandshaking}, nil
		}
		scatter(plain, dst)
		e.recvSeq++
		return engine.Result{
			Status:          engine.StatusOK,
			HandshakeStatus: engine.NotHandshaking,
			BytesConsumed:   consumed,
			BytesProduced:   len(plain),
		}, nil
	}

	return engine.Result{}, errors.Errorf("unknown record type: %#x", typ)
}

func (e *Engine) handleHello(nonce []byte) (engine.HandshakeStatus, error) {
	switch e.state {
	case stateNeedUnwrap:
		e.peerNonce = append([]byte(nil), nonce...)
		if e.sentHello {
			// Initiator: the reply completes the exchange.
			return e.finishOrDelegate(), nil
		}
		e.state = stateNeedWrap
		return engine.NeedWrap, nil

	case stateDone, stateIdle:
		// Peer-initiated (re)negotiation.
		e.peerNonce = append([]byte(nil), nonce...)
		e.localNonce = make([]byte, nonceLen)
		if _, err := rand.Read(e.localNonce); err != nil {
			return 0, errors.Wrap(err, "generating nonce")
		}
		e.sentHello = false
		e.state = stateNeedWrap
		return engine.NeedWrap, nil
	}

	return 0, errors.New("unexpected hello")
}

func (e *Engine) finishOrDelegate() engine.HandshakeStatus {
	if e.cfg.DelegateKeyDerivation {
		e.state = stateNeedTask
		e.task = func() {
			e.deriveKeys()
			e.task = nil
		}
		return engine.NeedTask
	}
	e.deriveKeys()
	return engine.Finished
}

func (e *Engine) deriveKeys() {
	clientNonce, serverNonce := e.localNonce, e.peerNonce
	if e.cfg.Server {
		clientNonce, serverNonce = e.peerNonce, e.localNonce
	}

	ikm := append(append([]byte(nil), clientNonce...), serverNonce...)
	r := hkdf.New(sha256.New, ikm, nil, []byte("tls-channel test engine"))

	clientKey := make([]byte, chacha20poly1305.KeySize)
	serverKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, clientKey); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(r, serverKey); err != nil {
		panic(err)
	}

	clientAEAD, err := chacha20poly1305.New(clientKey)
	if err != nil {
		panic(err)
	}
	serverAEAD, err := chacha20poly1305.New(serverKey)
	if err != nil {
		panic(err)
	}

	if e.cfg.Server {
		e.seal, e.open = serverAEAD, clientAEAD
	} else {
		e.seal, e.open = clientAEAD, serverAEAD
	}
	e.sendSeq, e.recvSeq = 0, 0
	e.state = stateDone
}

func (e *Engine) nonce(seq uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], seq)
	return n
}

type session struct{ protocol string }

func (s session) Protocol() string { return s.protocol }

func putRecord(dst []byte, typ byte, payload []byte) {
	dst[0] = typ
	binary.BigEndian.PutUint16(dst[1:3], uint16(len(payload)))
	copy(dst[headerLen:], payload)
}

func parseRecord(src []byte) (typ byte, payload []byte, consumed int, ok bool) {
	if len(src) < headerLen {
		return 0, nil, 0, false
	}
	typ = src[0]
	n := int(binary.BigEndian.Uint16(src[1:3]))
	if len(src) < headerLen+n {
		return 0, nil, 0, false
	}
	return typ, src[headerLen : headerLen+n], headerLen + n, true
}

func vecLen(bufs [][]byte) (n int) {
	for _, b := range bufs {
		n += len(b)
	}
	return
}

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
