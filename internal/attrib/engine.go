package attrib

import (
	"sync"
	"time"
)

// Clock abstracts "now" so tests can control timestamp substitution.
type Clock func() int64

// UnixNanoClock is the default Clock, used outside of tests.
func UnixNanoClock() int64 { return time.Now().UnixNano() }

// Engine applies writeAttrib's timestamp-substitution rule: a
// caller-supplied timestamp of 0 means "substitute now", but the engine
// nudges the substituted value forward by one step past the most recent
// timestamp it has handed out (one engine-wide value, shared by every
// object it stamps), so a new record never sorts ambiguously against one it
// raced with.
type Engine struct {
	mu   sync.Mutex
	now  Clock
	last int64
}

// NewEngine returns an Engine using clock for "now" substitution.
func NewEngine(clock Clock) *Engine {
	if clock == nil {
		clock = UnixNanoClock
	}
	return &Engine{now: clock}
}

// Stamp returns a substituted timestamp for a caller-supplied value of 0,
// or ts unchanged otherwise. Every substitution samples the clock anew; an
// atomic program takes its one shared "now" from SampleNow instead.
func (e *Engine) Stamp(ts int64) int64 {
	if ts != 0 {
		return ts
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.now()
	if n <= e.last {
		n = e.last + 1
	}
	e.last = n
	return n
}

// Write applies op to h with substituted timestamp handling and returns the
// timestamp actually recorded.
func (e *Engine) Write(h *History, op Op, name, value string, ts int64) int64 {
	stamped := e.Stamp(ts)
	h.Append(Record{Op: op, Name: name, Value: value, Timestamp: stamped})
	return stamped
}

// SampleNow samples a single "now" value for use across an entire atomic
// program. It applies the same forward nudge as Stamp, so the sampled value
// is later than every timestamp the engine has handed out before.
func (e *Engine) SampleNow() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.now()
	if n <= e.last {
		n = e.last + 1
	}
	e.last = n
	return n
}
