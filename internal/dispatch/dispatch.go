// Package dispatch implements the fair-dispatch SRPC server (LimService):
// it accepts connections, performs the SRPC hello handshake on each, and
// delivers one RPC at a time per connection to a bounded pool of
// concurrently-executing calls. Where the reference design uses an acceptor
// thread, a poll(2) thread, and N worker threads, this package uses one
// goroutine per connection (Go's native analogue of a poll(2) readiness
// set - the runtime scheduler already multiplexes blocked reads onto a
// small number of OS threads) plus an admission controller bounding how
// many calls may execute concurrently and keeping that admission fair
// across client hosts.
package dispatch

import (
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/vesta-scm/repos/internal/srpc"
	log "github.com/vesta-scm/repos/pkg/minilog"
)

// Handler is the callback interface a dispatch Server invokes. call will
// never be invoked re-entrantly on the same Endpoint, and will not be
// invoked again for an Endpoint after CallFailure has been reported for it.
type Handler interface {
	// Call services one RPC; the Endpoint is positioned just past AwaitCall
	// (state Ready) and the handler must drive it through its arguments,
	// result, and End.
	Call(ep *srpc.Endpoint, intfVersion, procID int32)
	// CallFailure reports an SRPC failure that escaped Call. A failure while
	// awaiting the next call (including the peer hanging up) is not reported;
	// the connection is closed.
	CallFailure(ep *srpc.Endpoint, err error)
	// AcceptFailure reports an accept(2)-level hiccup; not fatal.
	AcceptFailure(err error)
	// ListenerTerminated reports that the listening socket has died and the
	// acceptor has exited.
	ListenerTerminated()
}

// Config bundles the Server's tunables.
type Config struct {
	Workers   int // max concurrently-executing calls across all connections
	MaxConns  int // 0 disables the accept-side netutil.LimitListener
	SendBuf   int
	RecvBuf   int
	KeepAlive bool
}

// Server is a LimService-style dispatch server.
type Server struct {
	ln      net.Listener
	handler Handler
	cfg     Config

	admit *admission

	wg sync.WaitGroup
}

// NewServer wraps ln for fair-dispatch service. Serve must be called to
// begin accepting.
func NewServer(ln net.Listener, handler Handler, cfg Config) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}
	return &Server{
		ln:      ln,
		handler: handler,
		cfg:     cfg,
		admit:   newAdmission(cfg.Workers),
	}
}

// Serve accepts connections until the listener is closed (via Stop),
// spawning one handling goroutine per connection. It blocks until every
// spawned connection goroutine has exited.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			log.Debug("dispatch: acceptor exiting: %v", err)
			break
		}
		log.Debug("dispatch: accepted connection from %v", conn.RemoteAddr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}

	s.wg.Wait()
	s.handler.ListenerTerminated()
}

// Stop closes the listener, unblocking the acceptor in Serve. Connections
// already being served run to completion.
func (s *Server) Stop() error {
	return s.ln.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	host := hostOf(conn)

	ep, err := srpc.Handshake(conn, srpc.Callee, s.cfg.SendBuf, s.cfg.RecvBuf, s.cfg.KeepAlive)
	if err != nil {
		log.Debug("dispatch: handshake with %v failed: %v", host, err)
		s.handler.AcceptFailure(err)
		conn.Close()
		return
	}
	defer ep.Close()

	for {
		procID, intfVersion, err := ep.AwaitCall()
		if err != nil {
			log.Debug("dispatch: %v: connection closed: %v", host, err)
			return
		}

		release := s.admit.acquire(host)
		s.handler.Call(ep, intfVersion, procID)
		release()

		if f := ep.LastFailure(); f != nil {
			s.handler.CallFailure(ep, f)
			return
		}
	}
}

func hostOf(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
