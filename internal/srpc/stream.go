// Package srpc implements the item-coded byte stream ("C1") and the SRPC
// call/return state machine layered on it ("C2"). The framing and
// connection-lifecycle conventions are adapted from minimega's meshage
// client (internal/meshage/client.go): a gob-free, explicit item-code wire
// format instead of meshage's gob-encoded Message, but the same posture of
// "one goroutine owns the connection's read side, sends go out under a
// mutex, errors are terminal".
package srpc

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Default buffer sizes, overridable per stream.
const (
	DefaultSendBufferSize = 8 * 1024
	DefaultRecvBufferSize = 8 * 1024
)

// ItemCode identifies the shape of one wire frame.
type ItemCode byte

const (
	ItemInt16 ItemCode = iota
	ItemInt32
	ItemInt64
	ItemBoolTrue
	ItemBoolFalse
	ItemChars
	ItemText
	ItemBytes
	ItemSocketAddr
	ItemInt16Array
	ItemInt32Array
	ItemInt64Array
	ItemCharsSeq
	ItemBytesSeq
	ItemSeqStart
	ItemSeqEnd
	ItemHello
	ItemStartCall
	ItemFailure
	ItemEndAck
)

// Kind is a transport-level failure kind.
type Kind int

const (
	PartnerWentAway Kind = iota
	ReadTimeout
	EnvironmentProblem
	InternalTrouble
	VersionSkew
	ProtocolViolation
	TransportFailure
	UnknownHost
	UnknownInterface
	Alerted
	BufferTooSmall
	NotImplemented
)

func (k Kind) String() string {
	names := [...]string{"partner_went_away", "read_timeout", "environment_problem",
		"internal_trouble", "version_skew", "protocol_violation", "transport_failure",
		"unknown_host", "unknown_interface", "alerted", "buffer_too_small", "not_implemented"}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// TransportError is a terminal, typed transport failure. Once returned,
// the owning Stream transitions to dead and refuses further I/O.
type TransportError struct {
	Kind Kind
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Stream is the item-coded byte stream (C1): reliable, in-order framing
// over a TCP connection, with optional alertable reads and a per-receive
// timeout.
type Stream struct {
	conn net.Conn

	sendBufSize int
	recvBufSize int

	readTimeout time.Duration
	alertable   bool
	wake        chan struct{}

	writeMu sync.Mutex
	readMu  sync.Mutex

	peekMu     sync.Mutex
	peekedCode *ItemCode

	dead    bool
	deadMu  sync.RWMutex
	deadErr error
}

// NewStream wraps conn as an item-coded stream with the given buffer sizes
// (0 selects the package defaults) and keep-alive toggle.
func NewStream(conn net.Conn, sendBuf, recvBuf int, keepAlive bool) *Stream {
	if sendBuf <= 0 {
		sendBuf = DefaultSendBufferSize
	}
	if recvBuf <= 0 {
		recvBuf = DefaultRecvBufferSize
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(keepAlive)
	}
	return &Stream{
		conn:        conn,
		sendBufSize: sendBuf,
		recvBufSize: recvBuf,
		wake:        make(chan struct{}, 1),
	}
}

// SetAlertable toggles whether another goroutine may abort a pending
// receive via Alert.
func (s *Stream) SetAlertable(v bool) { s.alertable = v }

// SetReadTimeout sets the per-receive timeout; zero disables it.
func (s *Stream) SetReadTimeout(d time.Duration) { s.readTimeout = d }

// Alert wakes a pending receive with a distinguishable Alerted error, so
// the receiver can tell an alert apart from a transport failure.
func (s *Stream) Alert() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) isDead() (bool, error) {
	s.deadMu.RLock()
	defer s.deadMu.RUnlock()
	return s.dead, s.deadErr
}

func (s *Stream) kill(err *TransportError) *TransportError {
	s.deadMu.Lock()
	s.dead = true
	s.deadErr = err
	s.deadMu.Unlock()
	s.conn.Close()
	return err
}

func (s *Stream) checkDead() *TransportError {
	if dead, err := s.isDead(); dead {
		if te, ok := err.(*TransportError); ok {
			return te
		}
		return &TransportError{Kind: InternalTrouble, Err: err}
	}
	return nil
}

// writeFull writes all of b, translating connection errors into the
// failure taxonomy and killing the stream.
func (s *Stream) writeFull(b []byte) *TransportError {
	if te := s.checkDead(); te != nil {
		return te
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(b); err != nil {
		return s.kill(classifyWriteErr(err))
	}
	return nil
}

func classifyWriteErr(err error) *TransportError {
	if errors.Is(err, io.EOF) {
		return &TransportError{Kind: PartnerWentAway, Err: err}
	}
	return &TransportError{Kind: EnvironmentProblem, Err: err}
}

// readFull reads exactly len(b) bytes, honoring the alertable/timeout
// configuration.
func (s *Stream) readFull(b []byte) *TransportError {
	if te := s.checkDead(); te != nil {
		return te
	}
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.alertable {
		return s.readFullAlertable(b)
	}

	if s.readTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}

	if _, err := io.ReadFull(s.conn, b); err != nil {
		return s.kill(classifyReadErr(err))
	}
	return nil
}

// readFullAlertable polls the connection in short slices so that a
// concurrent Alert call can interrupt the read between slices, rearming
// the remaining deadline on each retry -- the equivalent of switching the
// underlying socket to nonblocking and rearming per retry with remaining
// time.
func (s *Stream) readFullAlertable(b []byte) *TransportError {
	deadline := time.Time{}
	if s.readTimeout > 0 {
		deadline = time.Now().Add(s.readTimeout)
	}

	got := 0
	for got < len(b) {
		select {
		case <-s.wake:
			return &TransportError{Kind: Alerted, Err: errors.New("receive alerted")}
		default:
		}

		slice := 50 * time.Millisecond
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return s.kill(&TransportError{Kind: ReadTimeout, Err: errors.New("read timeout")})
			}
			if remaining < slice {
				slice = remaining
			}
		}
		s.conn.SetReadDeadline(time.Now().Add(slice))

		n, err := s.conn.Read(b[got:])
		got += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return s.kill(classifyReadErr(err))
		}
	}
	s.conn.SetReadDeadline(time.Time{})
	return nil
}

func classifyReadErr(err error) *TransportError {
	if errors.Is(err, io.EOF) {
		return &TransportError{Kind: PartnerWentAway, Err: err}
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &TransportError{Kind: ReadTimeout, Err: err}
	}
	return &TransportError{Kind: EnvironmentProblem, Err: err}
}

// Close closes the underlying connection.
func (s *Stream) Close() error {
	s.deadMu.Lock()
	s.dead = true
	s.deadMu.Unlock()
	return s.conn.Close()
}

// --- low-level item framing ---

func (s *Stream) sendCode(code ItemCode) *TransportError {
	return s.writeFull([]byte{byte(code)})
}

func (s *Stream) recvCode() (ItemCode, *TransportError) {
	s.peekMu.Lock()
	if s.peekedCode != nil {
		code := *s.peekedCode
		s.peekedCode = nil
		s.peekMu.Unlock()
		return code, nil
	}
	s.peekMu.Unlock()

	var b [1]byte
	if te := s.readFull(b[:]); te != nil {
		return 0, te
	}
	return ItemCode(b[0]), nil
}

// peekCode returns the next item code without consuming it: a later
// recvCode (direct, or via any typed Recv*) sees the same code again. Used
// by AwaitCall's start-call-or-data-item lookahead. Only one code is ever
// held peeked at a time.
func (s *Stream) peekCode() (ItemCode, *TransportError) {
	s.peekMu.Lock()
	defer s.peekMu.Unlock()
	if s.peekedCode != nil {
		return *s.peekedCode, nil
	}
	var b [1]byte
	if te := s.readFull(b[:]); te != nil {
		return 0, te
	}
	code := ItemCode(b[0])
	s.peekedCode = &code
	return code, nil
}

func (s *Stream) sendInt16(v int16) *TransportError {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return s.writeFull(b[:])
}

func (s *Stream) recvInt16() (int16, *TransportError) {
	var b [2]byte
	if te := s.readFull(b[:]); te != nil {
		return 0, te
	}
	return int16(binary.BigEndian.Uint16(b[:])), nil
}

func (s *Stream) sendInt32(v int32) *TransportError {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return s.writeFull(b[:])
}

func (s *Stream) recvInt32() (int32, *TransportError) {
	var b [4]byte
	if te := s.readFull(b[:]); te != nil {
		return 0, te
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func (s *Stream) sendInt64(v int64) *TransportError {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return s.writeFull(b[:])
}

func (s *Stream) recvInt64() (int64, *TransportError) {
	var b [8]byte
	if te := s.readFull(b[:]); te != nil {
		return 0, te
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func (s *Stream) sendBytesRaw(b []byte) *TransportError {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if te := s.writeFull(lenBuf[:]); te != nil {
		return te
	}
	if len(b) == 0 {
		return nil
	}
	return s.writeFull(b)
}

func (s *Stream) recvBytesRaw() ([]byte, *TransportError) {
	var lenBuf [4]byte
	if te := s.readFull(lenBuf[:]); te != nil {
		return nil, te
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if uint64(n) > uint64(s.recvBufSize)*1024*1024 {
		// guard against a hostile/garbled length prefix; bound is generous
		// (MiB multiples of the configured receive buffer) since `bytes`
		// items are allowed up to 2^31-1.
		return nil, s.kill(&TransportError{Kind: BufferTooSmall, Err: errors.New("declared length exceeds bound")})
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if te := s.readFull(buf); te != nil {
		return nil, te
	}
	return buf, nil
}
