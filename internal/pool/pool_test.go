package pool

import (
	"net"
	"testing"
	"time"

	"github.com/vesta-scm/repos/internal/srpc"
)

// echoServer accepts one SRPC hello handshake per connection and then keeps
// the connection open (idle-between-calls) until closed by the test.
func echoServer(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				if _, err := srpc.Handshake(conn, srpc.Callee, 0, 0, false); err != nil {
					conn.Close()
				}
			}()
		}
	}()
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestCheckoutDialsThenReuses(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()
	echoServer(t, ln)

	p := New(Limit{Policy: NoLimit}, 0, 0, false, time.Second)
	defer p.Close()

	h1, err := p.Checkout("127.0.0.1", port)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	ep1 := h1.Endpoint()
	h1.End()

	h2, err := p.Checkout("127.0.0.1", port)
	if err != nil {
		t.Fatalf("checkout 2: %v", err)
	}
	defer h2.End()

	if h2.Endpoint() != ep1 {
		t.Fatalf("second checkout dialed a new connection instead of reusing the idle one")
	}
	if got := p.Stats().Opens; got != 1 {
		t.Fatalf("Opens = %d, want 1", got)
	}
}

func TestFixedLimitClosesLRUTail(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()
	echoServer(t, ln)

	p := New(Limit{Policy: FixedLimit, N: 1}, 0, 0, false, time.Second)
	defer p.Close()

	h1, err := p.Checkout("127.0.0.1", port)
	if err != nil {
		t.Fatalf("checkout 1: %v", err)
	}
	h2, err := p.Checkout("127.0.0.1", port)
	if err != nil {
		t.Fatalf("checkout 2: %v", err)
	}

	h1.End()
	h2.End() // over the limit of 1 idle entry: h1 (LRU tail) should close

	if got := p.Stats().ClosesLimit; got != 1 {
		t.Fatalf("ClosesLimit = %d, want 1", got)
	}

	h3, err := p.Checkout("127.0.0.1", port)
	if err != nil {
		t.Fatalf("checkout 3: %v", err)
	}
	defer h3.End()
	if h3.Endpoint() != h2.Endpoint() {
		t.Fatalf("checkout after eviction reused the evicted entry instead of the surviving one")
	}
}

func TestPurgeClosesIdleEntries(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()
	echoServer(t, ln)

	p := New(Limit{Policy: NoLimit}, 0, 0, false, time.Second)
	defer p.Close()

	h, err := p.Checkout("127.0.0.1", port)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	h.End()

	p.Purge("127.0.0.1", port)

	if got := p.Stats().ClosesPurge; got != 1 {
		t.Fatalf("ClosesPurge = %d, want 1", got)
	}
}
