package srpc

import (
	"fmt"
	"net"
	"testing"
)

// handshakePair wires a connected loopback TCP pair and performs the hello
// handshake on both ends concurrently, returning the caller and callee
// endpoints. Each Handshake writes its hello before reading the peer's, so
// the connection must buffer writes (an unbuffered net.Pipe would block
// both ends).
func handshakePair(t *testing.T) (caller, callee *Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	c1, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c2, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	type result struct {
		ep  *Endpoint
		err error
	}
	callerCh := make(chan result, 1)
	calleeCh := make(chan result, 1)

	go func() {
		ep, err := Handshake(c1, Caller, 0, 0, false)
		callerCh <- result{ep, err}
	}()
	go func() {
		ep, err := Handshake(c2, Callee, 0, 0, false)
		calleeCh <- result{ep, err}
	}()

	cr := <-callerCh
	ce := <-calleeCh
	if cr.err != nil {
		t.Fatalf("caller handshake: %v", cr.err)
	}
	if ce.err != nil {
		t.Fatalf("callee handshake: %v", ce.err)
	}
	return cr.ep, ce.ep
}

// TestCallRoundTrip exercises a full call: start-call, argument send/recv,
// the arg-phase end, results send/recv, and the result-phase end-ack that
// releases the callee.
func TestCallRoundTrip(t *testing.T) {
	caller, callee := handshakePair(t)
	defer caller.Close()
	defer callee.Close()

	done := make(chan error, 1)
	go func() {
		procID, intfVersion, err := callee.AwaitCall()
		if err != nil {
			done <- err
			return
		}
		if procID != 7 || intfVersion != 1 {
			done <- fmt.Errorf("unexpected procID/intfVersion %d/%d", procID, intfVersion)
			return
		}
		arg, err := callee.RecvInt32()
		if err != nil {
			done <- err
			return
		}
		if err := callee.RecvEnd(); err != nil {
			done <- err
			return
		}
		if err := callee.SendInt32(arg * 2); err != nil {
			done <- err
			return
		}
		done <- callee.SendEnd()
	}()

	if err := caller.StartCall(7, 1); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if err := caller.SendInt32(21); err != nil {
		t.Fatalf("SendInt32: %v", err)
	}
	if err := caller.SendEnd(); err != nil {
		t.Fatalf("SendEnd: %v", err)
	}
	result, err := caller.RecvInt32()
	if err != nil {
		t.Fatalf("RecvInt32: %v", err)
	}
	if err := caller.RecvEnd(); err != nil {
		t.Fatalf("RecvEnd: %v", err)
	}
	if result != 42 {
		t.Fatalf("result = %d, want 42", result)
	}
	if err := <-done; err != nil {
		t.Fatalf("callee side: %v", err)
	}

	if st := caller.State(); st != Initial {
		t.Fatalf("caller final state = %s, want initial", st)
	}
	if st := callee.State(); st != Initial {
		t.Fatalf("callee final state = %s, want initial", st)
	}
}

// TestSecondCallReusesEndpoints confirms both endpoints return to a state
// that permits a second call after the first completes.
func TestSecondCallReusesEndpoints(t *testing.T) {
	caller, callee := handshakePair(t)
	defer caller.Close()
	defer callee.Close()

	runCall := func(arg int32) (int32, error) {
		done := make(chan error, 1)
		go func() {
			if _, _, err := callee.AwaitCall(); err != nil {
				done <- err
				return
			}
			v, err := callee.RecvInt32()
			if err != nil {
				done <- err
				return
			}
			if err := callee.RecvEnd(); err != nil {
				done <- err
				return
			}
			if err := callee.SendInt32(v + 1); err != nil {
				done <- err
				return
			}
			done <- callee.SendEnd()
		}()

		if err := caller.StartCall(1, 1); err != nil {
			return 0, err
		}
		if err := caller.SendInt32(arg); err != nil {
			return 0, err
		}
		if err := caller.SendEnd(); err != nil {
			return 0, err
		}
		result, err := caller.RecvInt32()
		if err != nil {
			return 0, err
		}
		if err := caller.RecvEnd(); err != nil {
			return 0, err
		}
		return result, <-done
	}

	v1, err := runCall(1)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if v1 != 2 {
		t.Fatalf("first call result = %d, want 2", v1)
	}

	v2, err := runCall(10)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if v2 != 11 {
		t.Fatalf("second call result = %d, want 11", v2)
	}
}

// TestAwaitCallWithoutStartCallIsWildcard exercises the fallback where a
// caller sends a data item directly (no ItemStartCall) and the callee's
// AwaitCall must peek that item rather than misconsume it: both IDs come
// back as "any" and the data item is still there for the first RecvInt32.
func TestAwaitCallWithoutStartCallIsWildcard(t *testing.T) {
	caller, callee := handshakePair(t)
	defer caller.Close()
	defer callee.Close()

	done := make(chan error, 1)
	go func() {
		procID, intfVersion, err := callee.AwaitCall()
		if err != nil {
			done <- err
			return
		}
		if procID != anyID || intfVersion != anyID {
			done <- fmt.Errorf("procID/intfVersion = %d/%d, want any/any", procID, intfVersion)
			return
		}
		arg, err := callee.RecvInt32()
		if err != nil {
			done <- err
			return
		}
		if arg != 99 {
			done <- fmt.Errorf("arg = %d, want 99", arg)
			return
		}
		done <- callee.RecvEnd()
	}()

	// caller skips StartCall entirely: its first item is a data item.
	if err := caller.transition([]State{Initial}, Ready); err != nil {
		t.Fatalf("caller transition: %v", err)
	}
	if err := caller.SendInt32(99); err != nil {
		t.Fatalf("SendInt32: %v", err)
	}
	if err := caller.SendEnd(); err != nil {
		t.Fatalf("SendEnd: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("callee side: %v", err)
	}
}
