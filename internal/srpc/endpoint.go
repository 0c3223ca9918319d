package srpc

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// ProtocolVersion is the literal version string compared byte-exactly
// during the hello handshake.
const ProtocolVersion = "SRPC V1.4"

const anyID = -1

// State is one of the SRPC call/return states.
type State int

const (
	Initial State = iota
	Ready
	DataOut
	SeqOut
	DataIn
	SeqIn
	Failed
)

func (s State) String() string {
	names := [...]string{"initial", "ready", "data_out", "seq_out", "data_in", "seq_in", "failed"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// Role distinguishes which side of a call this endpoint plays. The role
// may alternate between calls on the same connection.
type Role int

const (
	Caller Role = iota
	Callee
)

// Failure is the application-visible (reason, msg) pair surfaced by a
// failure item.
type Failure struct {
	Reason string
	Msg    string
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %s", f.Reason, f.Msg) }

// Endpoint is the SRPC call/return state machine (C2) layered on a Stream
// (C1). One Endpoint is either caller or callee for the lifetime of a
// call; the role may alternate between calls.
type Endpoint struct {
	stream *Stream
	role   Role

	mu       sync.Mutex
	state    State
	failure  *Failure
	instance uuid.UUID

	procID      int32
	intfVersion int32

	betweenCallTimeout bool
}

// Handshake performs the version handshake: the first item each side sends
// is a hello item carrying ProtocolVersion; a byte-exact mismatch fails
// version_skew.
func Handshake(conn net.Conn, role Role, sendBuf, recvBuf int, keepAlive bool) (*Endpoint, error) {
	stream := NewStream(conn, sendBuf, recvBuf, keepAlive)
	e := &Endpoint{stream: stream, role: role, state: Initial, instance: uuid.New()}

	if te := stream.sendCode(ItemHello); te != nil {
		return nil, te
	}
	if te := stream.sendBytesRaw([]byte(ProtocolVersion)); te != nil {
		return nil, te
	}

	code, te := stream.recvCode()
	if te != nil {
		return nil, te
	}
	if code != ItemHello {
		return nil, stream.kill(&TransportError{Kind: ProtocolViolation, Err: errors.New("expected hello item")})
	}
	theirs, te := stream.recvBytesRaw()
	if te != nil {
		return nil, te
	}
	if string(theirs) != ProtocolVersion {
		return nil, stream.kill(&TransportError{
			Kind: VersionSkew,
			Err:  fmt.Errorf("version mismatch: local %q, remote %q", ProtocolVersion, string(theirs)),
		})
	}
	return e, nil
}

func (e *Endpoint) transition(from []State, to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Failed {
		return e.failureErr()
	}
	ok := false
	for _, f := range from {
		if e.state == f {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("srpc: invalid transition %v -> %s from state %s", from, to, e.state)
	}
	e.state = to
	return nil
}

func (e *Endpoint) failureErr() error {
	if e.failure != nil {
		return e.failure
	}
	return errors.New("srpc: endpoint failed")
}

// State returns the endpoint's current state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastFailure returns the (reason, msg) pair that drove this endpoint to
// Failed, or nil if it has not failed.
func (e *Endpoint) LastFailure() *Failure {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

// StartCall begins a call as caller with the given procedure and interface
// version identifiers. Pass anyID (-1) for "any".
func (e *Endpoint) StartCall(procID, intfVersion int32) error {
	if err := e.transition([]State{Initial}, Ready); err != nil {
		return err
	}
	if te := e.stream.sendCode(ItemStartCall); te != nil {
		return e.fail(te)
	}
	if te := e.stream.sendInt32(procID); te != nil {
		return e.fail(te)
	}
	if te := e.stream.sendInt32(intfVersion); te != nil {
		return e.fail(te)
	}
	e.procID, e.intfVersion = procID, intfVersion
	return nil
}

// AwaitCall consumes a start-call item, or -- if the next item is already a
// data item -- treats both IDs as "any". This asymmetry with the caller
// side is preserved deliberately for wire compatibility. The lookahead is a
// genuine peek (Stream.peekCode): a non-start-call code is left buffered so
// the callee's first Recv* of the call's arguments sees it again, rather
// than being misconsumed as a malformed start-call.
func (e *Endpoint) AwaitCall() (procID, intfVersion int32, err error) {
	if err := e.transition([]State{Initial}, Ready); err != nil {
		return 0, 0, err
	}
	code, te := e.stream.peekCode()
	if te != nil {
		return 0, 0, e.fail(te)
	}
	if code != ItemStartCall {
		return anyID, anyID, nil
	}
	if _, te := e.stream.recvCode(); te != nil { // consume the peeked start-call code
		return 0, 0, e.fail(te)
	}

	pid, te := e.stream.recvInt32()
	if te != nil {
		return 0, 0, e.fail(te)
	}
	ver, te := e.stream.recvInt32()
	if te != nil {
		return 0, 0, e.fail(te)
	}
	e.procID, e.intfVersion = pid, ver
	return pid, ver, nil
}

func (e *Endpoint) fail(te *TransportError) error {
	e.mu.Lock()
	e.state = Failed
	e.failure = &Failure{Reason: te.Kind.String(), Msg: te.Error()}
	e.mu.Unlock()
	return te
}

// send_* transitions: ready -> data_out (or data_out -> data_out for
// subsequent data items within the same "side").
func (e *Endpoint) sendPre() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Failed {
		return e.failureErr()
	}
	if e.state != Ready && e.state != DataOut {
		return fmt.Errorf("srpc: send_* invalid in state %s", e.state)
	}
	e.state = DataOut
	return nil
}

func (e *Endpoint) recvPre() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Failed {
		return e.failureErr()
	}
	if e.state != Ready && e.state != DataIn {
		return fmt.Errorf("srpc: recv_* invalid in state %s", e.state)
	}
	e.state = DataIn
	return nil
}

func (e *Endpoint) SendInt32(v int32) error {
	if err := e.sendPre(); err != nil {
		return err
	}
	if te := e.stream.SendInt32(v); te != nil {
		return e.fail(te)
	}
	return nil
}

func (e *Endpoint) RecvInt32() (int32, error) {
	if err := e.recvPre(); err != nil {
		return 0, err
	}
	v, te := e.stream.RecvInt32()
	if te != nil {
		return 0, e.fail(te)
	}
	return v, nil
}

func (e *Endpoint) SendInt64(v int64) error {
	if err := e.sendPre(); err != nil {
		return err
	}
	if te := e.stream.SendInt64(v); te != nil {
		return e.fail(te)
	}
	return nil
}

func (e *Endpoint) RecvInt64() (int64, error) {
	if err := e.recvPre(); err != nil {
		return 0, err
	}
	v, te := e.stream.RecvInt64()
	if te != nil {
		return 0, e.fail(te)
	}
	return v, nil
}

func (e *Endpoint) SendChars(v string) error {
	if err := e.sendPre(); err != nil {
		return err
	}
	if te := e.stream.SendChars(v); te != nil {
		return e.fail(te)
	}
	return nil
}

func (e *Endpoint) RecvChars() (string, error) {
	if err := e.recvPre(); err != nil {
		return "", err
	}
	v, te := e.stream.RecvChars()
	if te != nil {
		return "", e.fail(te)
	}
	return v, nil
}

func (e *Endpoint) SendBytes(v []byte) error {
	if err := e.sendPre(); err != nil {
		return err
	}
	if te := e.stream.SendBytes(v); te != nil {
		return e.fail(te)
	}
	return nil
}

func (e *Endpoint) RecvBytes() ([]byte, error) {
	if err := e.recvPre(); err != nil {
		return nil, err
	}
	v, te := e.stream.RecvBytes()
	if te != nil {
		return nil, e.fail(te)
	}
	return v, nil
}

func (e *Endpoint) SendBool(v bool) error {
	if err := e.sendPre(); err != nil {
		return err
	}
	if te := e.stream.SendBool(v); te != nil {
		return e.fail(te)
	}
	return nil
}

func (e *Endpoint) RecvBool() (bool, error) {
	if err := e.recvPre(); err != nil {
		return false, err
	}
	v, te := e.stream.RecvBool()
	if te != nil {
		return false, e.fail(te)
	}
	return v, nil
}

// SendSeqStart / SendSeqEnd implement the data_out <-> seq_out transitions.
func (e *Endpoint) SendSeqStart() error {
	if err := e.transition([]State{DataOut}, SeqOut); err != nil {
		return err
	}
	if te := e.stream.SendSeqStart(); te != nil {
		return e.fail(te)
	}
	return nil
}

func (e *Endpoint) SendSeqEnd() error {
	if err := e.transition([]State{SeqOut}, DataOut); err != nil {
		return err
	}
	if te := e.stream.SendSeqEnd(); te != nil {
		return e.fail(te)
	}
	return nil
}

func (e *Endpoint) RecvSeqStart() error {
	if err := e.transition([]State{DataIn}, SeqIn); err != nil {
		return err
	}
	if te := e.stream.RecvSeqStart(); te != nil {
		return e.fail(te)
	}
	return nil
}

func (e *Endpoint) RecvSeqEnd() error {
	if err := e.transition([]State{SeqIn}, DataIn); err != nil {
		return err
	}
	if te := e.stream.RecvSeqEnd(); te != nil {
		return e.fail(te)
	}
	return nil
}

// SendEnd implements the end handshake. For the callee, it requires a
// round-trip end-ack before returning, so a caller-side unmarshal error is
// reported to the callee before the callee releases its lock; the
// caller's SendEnd does not wait.
func (e *Endpoint) SendEnd() error {
	next := Ready
	if e.role == Callee {
		next = Initial
	}
	if err := e.transition([]State{DataOut, Ready}, next); err != nil {
		return err
	}

	if e.role == Caller {
		return nil
	}

	// callee: wait for end-ack.
	code, te := e.stream.recvCode()
	if te != nil {
		return e.fail(te)
	}
	if code != ItemEndAck {
		return e.fail(&TransportError{Kind: ProtocolViolation, Err: errors.New("expected end-ack")})
	}
	return nil
}

// RecvEnd consumes the end of a call; it reads nothing from the stream. A
// failure item sent by the peer is not decoded into its (reason, msg): the
// receiver's next typed Recv* meets an unexpected item code and fails with
// protocol_violation.
//
// Only the caller's RecvEnd (ending the result-receive phase) emits an
// end-ack: that is the ack the callee's SendEnd blocks on, so the callee
// does not release its call slot until the caller has fully drained the
// results (or reported a failure). The callee's own RecvEnd, which ends the
// argument-receive phase, sends nothing -- nothing on the other side is
// waiting for it.
func (e *Endpoint) RecvEnd() error {
	next := Initial
	if e.role == Callee {
		next = Ready
	}
	if err := e.transition([]State{DataIn, Ready}, next); err != nil {
		return err
	}

	if e.role == Caller {
		if te := e.stream.sendCode(ItemEndAck); te != nil {
			return e.fail(te)
		}
	}
	return nil
}

// SendFailure marshals a failure item (reason, msg) and transitions this
// endpoint to Failed. Unless remoteOnly is set, it also returns the failure
// locally as an error.
func (e *Endpoint) SendFailure(reason, msg string, remoteOnly bool) error {
	if te := e.stream.sendCode(ItemFailure); te != nil {
		return e.fail(te)
	}
	if te := e.stream.sendBytesRaw([]byte(reason)); te != nil {
		return e.fail(te)
	}
	if te := e.stream.sendBytesRaw([]byte(msg)); te != nil {
		return e.fail(te)
	}

	e.mu.Lock()
	e.state = Failed
	e.failure = &Failure{Reason: reason, Msg: msg}
	e.mu.Unlock()

	if remoteOnly {
		return nil
	}
	return e.failureErr()
}

// Close tears down the underlying stream.
func (e *Endpoint) Close() error { return e.stream.Close() }

// Stream exposes the underlying item-coded stream for callers (such as
// internal/surrogate's readWhole) that need raw sequence framing beyond
// the typed single-datum helpers above.
func (e *Endpoint) Stream() *Stream { return e.stream }

// SetBetweenCallTimeout records the between-call timeout toggle. Nothing in
// this package reads the toggle: a Stream read timeout, when one is set,
// applies to every receive, including the wait for the next call.
func (e *Endpoint) SetBetweenCallTimeout(v bool) { e.betweenCallTimeout = v }
