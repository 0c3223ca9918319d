// Package pool implements MultiSRPC: a client-side cache of SRPC endpoints
// keyed by (host, port), with checkout/return, LRU-bounded idle caching,
// a background idle sweep, and per-(host,port) purge.
package pool

import (
	"container/list"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/c9s/goprocinfo/linux"

	"github.com/vesta-scm/repos/internal/srpc"
	log "github.com/vesta-scm/repos/pkg/minilog"
)

// idleSweepInterval is how often the background sweep runs; an entry still
// idle at the second consecutive sweep that sees it is closed.
const idleSweepInterval = 30 * time.Second

// LimitPolicy selects how the idle-cache size ceiling is computed.
type LimitPolicy int

const (
	// NoLimit never closes idle entries for being over a size cap.
	NoLimit LimitPolicy = iota
	// FixedLimit caps the idle cache at a constant N.
	FixedLimit
	// HighWaterMultiple caps the idle cache at N times the highest
	// concurrent in-use count observed so far.
	HighWaterMultiple
	// FDLimitDivisor caps the idle cache at the process's open-file
	// descriptor limit divided by N.
	FDLimitDivisor
)

// Limit configures the idle-cache ceiling policy.
type Limit struct {
	Policy LimitPolicy
	N      int
}

// Stats are the pool's running counters.
type Stats struct {
	Opens         int
	ClosesDead    int
	ClosesDiscard int
	ClosesPurge   int
	ClosesIdle    int
	ClosesLimit   int
	PeakInUse     int
}

type key struct {
	host string
	port int
}

type entry struct {
	key  key
	conn net.Conn
	ep   *srpc.Endpoint

	inUse      bool
	idleSweeps int
	idleElem   *list.Element // non-nil iff idle and linked into the LRU list
}

// Pool is a MultiSRPC connection cache.
type Pool struct {
	sendBuf, recvBuf int
	keepAlive        bool
	dialTimeout      time.Duration

	mu        sync.Mutex
	byKey     map[key]map[*entry]bool
	idle      *list.List // of *entry, front = most recently returned
	inUseCnt  int
	highWater int
	limit     Limit
	stats     Stats

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// New returns an empty pool. sendBuf/recvBuf/keepAlive are passed through to
// every SRPC handshake the pool performs; dialTimeout bounds the TCP dial.
func New(limit Limit, sendBuf, recvBuf int, keepAlive bool, dialTimeout time.Duration) *Pool {
	p := &Pool{
		sendBuf:     sendBuf,
		recvBuf:     recvBuf,
		keepAlive:   keepAlive,
		dialTimeout: dialTimeout,
		byKey:       make(map[key]map[*entry]bool),
		idle:        list.New(),
		limit:       limit,
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Handle is a scope-guarded checkout: callers must call End exactly once,
// on every exit path (including error paths), to return or discard the
// underlying endpoint.
type Handle struct {
	p    *Pool
	e    *entry
	done bool
}

// Endpoint returns the checked-out SRPC endpoint.
func (h *Handle) Endpoint() *srpc.Endpoint { return h.e.ep }

// End returns the endpoint to the pool (if healthy) or closes it (if dead
// or mid-call). Idempotent: a second call is a no-op.
func (h *Handle) End() {
	if h.done {
		return
	}
	h.done = true
	h.p.end(h.e)
}

// Checkout returns a non-dead, not-in-use endpoint for (host, port),
// reusing a cached connection when one is available or dialing a new one
// otherwise. A dead entry encountered while scanning the cache is closed
// and discarded rather than returned.
func (p *Pool) Checkout(host string, port int) (*Handle, error) {
	k := key{host, port}

	p.mu.Lock()
	for e := range p.byKey[k] {
		if e.inUse {
			continue
		}
		if e.ep.State() == srpc.Failed {
			p.removeLocked(e)
			p.stats.ClosesDead++
			e.conn.Close()
			continue
		}
		p.checkoutLocked(e)
		p.mu.Unlock()
		return &Handle{p: p, e: e}, nil
	}
	// Reserve the slot as "in use" before releasing the lock, so a burst of
	// concurrent Checkouts for the same key does not all dial.
	p.inUseCnt++
	if p.inUseCnt > p.highWater {
		p.highWater = p.inUseCnt
	}
	if p.inUseCnt > p.stats.PeakInUse {
		p.stats.PeakInUse = p.inUseCnt
	}
	p.mu.Unlock()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), p.dialTimeout)
	if err != nil {
		p.mu.Lock()
		p.inUseCnt--
		p.mu.Unlock()
		return nil, err
	}
	ep, err := srpc.Handshake(conn, srpc.Caller, p.sendBuf, p.recvBuf, p.keepAlive)
	if err != nil {
		conn.Close()
		p.mu.Lock()
		p.inUseCnt--
		p.mu.Unlock()
		return nil, err
	}

	e := &entry{key: k, conn: conn, ep: ep, inUse: true}

	p.mu.Lock()
	if p.byKey[k] == nil {
		p.byKey[k] = make(map[*entry]bool)
	}
	p.byKey[k][e] = true
	p.stats.Opens++
	p.mu.Unlock()

	return &Handle{p: p, e: e}, nil
}

func (p *Pool) checkoutLocked(e *entry) {
	if e.idleElem != nil {
		p.idle.Remove(e.idleElem)
		e.idleElem = nil
	}
	e.inUse = true
	e.idleSweeps = 0
	p.inUseCnt++
	if p.inUseCnt > p.highWater {
		p.highWater = p.inUseCnt
	}
	if p.inUseCnt > p.stats.PeakInUse {
		p.stats.PeakInUse = p.inUseCnt
	}
}

// end implements Return: a healthy entry goes to the head of the idle LRU;
// a dead or still-mid-call entry is closed outright.
func (p *Pool) end(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUseCnt--
	e.inUse = false

	if e.ep.State() == srpc.Failed || e.ep.State() != srpc.Initial {
		p.removeLocked(e)
		p.stats.ClosesDiscard++
		e.conn.Close()
		return
	}

	e.idleSweeps = 0
	e.idleElem = p.idle.PushFront(e)
	p.enforceLimitLocked()
}

// Purge force-closes every not-in-use entry cached for (host, port).
func (p *Pool) Purge(host string, port int) {
	k := key{host, port}

	p.mu.Lock()
	var toClose []*entry
	for e := range p.byKey[k] {
		if e.inUse {
			continue
		}
		toClose = append(toClose, e)
	}
	for _, e := range toClose {
		p.removeLocked(e)
		p.stats.ClosesPurge++
	}
	p.mu.Unlock()

	for _, e := range toClose {
		e.conn.Close()
	}
}

// Stats returns a snapshot of the pool's running counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close stops the background idle sweep and closes every cached entry,
// in use or not.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.stopped

	p.mu.Lock()
	var all []*entry
	for _, set := range p.byKey {
		for e := range set {
			all = append(all, e)
		}
	}
	for _, e := range all {
		p.removeLocked(e)
	}
	p.mu.Unlock()

	for _, e := range all {
		e.conn.Close()
	}
}

// removeLocked unlinks e from every index. Caller holds p.mu and is
// responsible for closing e.conn afterward.
func (p *Pool) removeLocked(e *entry) {
	if e.idleElem != nil {
		p.idle.Remove(e.idleElem)
		e.idleElem = nil
	}
	delete(p.byKey[e.key], e)
	if len(p.byKey[e.key]) == 0 {
		delete(p.byKey, e.key)
	}
}

// idleLimit computes the current idle-cache ceiling. Caller holds p.mu.
func (p *Pool) idleLimit() (int, bool) {
	switch p.limit.Policy {
	case FixedLimit:
		return p.limit.N, true
	case HighWaterMultiple:
		return p.highWater * p.limit.N, true
	case FDLimitDivisor:
		n, err := fdLimit()
		if err != nil || p.limit.N <= 0 {
			return 0, false
		}
		return n / p.limit.N, true
	default:
		return 0, false
	}
}

// enforceLimitLocked closes LRU-tail idle entries until the idle cache is
// at or under the configured limit. Caller holds p.mu.
func (p *Pool) enforceLimitLocked() {
	limit, ok := p.idleLimit()
	if !ok {
		return
	}
	var toClose []*entry
	for p.idle.Len() > limit {
		tail := p.idle.Back()
		if tail == nil {
			break
		}
		e := tail.Value.(*entry)
		p.removeLocked(e)
		p.stats.ClosesLimit++
		toClose = append(toClose, e)
	}
	// close outside contention with the list bookkeeping above only matters
	// if Close() is slow; callers already hold p.mu here, which is fine
	// since net.Conn.Close() does not reenter the pool.
	for _, e := range toClose {
		e.conn.Close()
	}
}

func (p *Pool) sweepLoop() {
	defer close(p.stopped)

	t := time.NewTicker(idleSweepInterval)
	defer t.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	var toClose []*entry
	for e := p.idle.Front(); e != nil; {
		next := e.Next()
		ent := e.Value.(*entry)
		ent.idleSweeps++
		if ent.idleSweeps >= 2 {
			p.removeLocked(ent)
			p.stats.ClosesIdle++
			toClose = append(toClose, ent)
		}
		e = next
	}
	p.mu.Unlock()

	for _, e := range toClose {
		e.conn.Close()
	}
	if len(toClose) > 0 {
		log.Debug("pool: idle sweep closed %d connections", len(toClose))
	}
}

// fdLimit reads the process's soft open-file-descriptor limit from
// /proc/self/limits.
func fdLimit() (int, error) {
	limits, err := linux.ReadLimits("/proc/self/limits")
	if err != nil {
		return 0, err
	}
	for _, l := range limits.Limits {
		if l.Name == "Max open files" {
			return int(l.SoftLimit), nil
		}
	}
	return 0, fmt.Errorf("pool: no open-files limit reported")
}
