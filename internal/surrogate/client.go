// Package surrogate implements the remote proxy that replays the source
// model's (internal/source) operations over the SRPC transport: a Client
// dials through internal/pool, marshals each operation against
// internal/repos's VestaSourceSRPC procedure table, and hands back Handles
// carrying a cached stat snapshot the way a lookup result would be cached
// locally.
package surrogate

import (
	"compress/zlib"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vesta-scm/repos/internal/access"
	"github.com/vesta-scm/repos/internal/attrib"
	"github.com/vesta-scm/repos/internal/config"
	"github.com/vesta-scm/repos/internal/longid"
	"github.com/vesta-scm/repos/internal/pool"
	"github.com/vesta-scm/repos/internal/repos"
	"github.com/vesta-scm/repos/internal/source"
	"github.com/vesta-scm/repos/internal/srpc"
	log "github.com/vesta-scm/repos/pkg/minilog"
)

// Client is a surrogate repository client: a connection pool, the identity
// it presents on every call, and the (host, port) of the repository server
// it proxies.
type Client struct {
	pool     *pool.Pool
	cfg      config.Config
	identity access.Identity
	host     string
	port     int
}

// New returns a Client dialing (host, port) through p, presenting identity
// on every call.
func New(p *pool.Pool, cfg config.Config, identity access.Identity, host string, port int) *Client {
	return &Client{pool: p, cfg: cfg, identity: identity, host: host, port: port}
}

// Handle is the client-visible proxy for one remote Source: a LongId (the
// stable network file handle, reusable across calls without re-resolving a
// path) plus a lazily refreshed cache of the last stat snapshot. Any
// mutator that can change the cached fields clears it so the next Stat
// observes the server's current state.
type Handle struct {
	c *Client

	mu     sync.RWMutex
	stat   repos.SourceStat
	cached bool
}

func (c *Client) handleFor(st repos.SourceStat) *Handle {
	return &Handle{c: c, stat: st, cached: true}
}

// LongId returns h's stable network file handle.
func (h *Handle) LongId() longid.LongId { return h.stat.LongId }

// Cached returns the last stat snapshot observed for h, and whether one is
// present (a fresh Handle from an operation that returns a stat always
// has one; Resync refreshes it).
func (h *Handle) Cached() (repos.SourceStat, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stat, h.cached
}

func (h *Handle) setCache(st repos.SourceStat) {
	h.mu.Lock()
	h.stat = st
	h.cached = true
	h.mu.Unlock()
}

func (h *Handle) clearCache() {
	h.mu.Lock()
	h.cached = false
	h.mu.Unlock()
}

// begin checks out a connection, starts pid as a call, and marshals the
// caller's identity as the leading argument block every procedure expects.
func (c *Client) begin(pid repos.ProcID) (*pool.Handle, *srpc.Endpoint, error) {
	ph, err := c.pool.Checkout(c.host, c.port)
	if err != nil {
		return nil, nil, err
	}
	ep := ph.Endpoint()
	if err := ep.StartCall(int32(pid), repos.IntfVersion); err != nil {
		ph.End()
		return nil, nil, err
	}
	if err := c.identity.MarshalTo(ep); err != nil {
		ph.End()
		return nil, nil, err
	}
	return ph, ep, nil
}

// sendTarget marshals h's LongId as the handler-side recvTarget expects.
func sendTarget(ep *srpc.Endpoint, h *Handle) error {
	return repos.SendLongId(ep, h.LongId())
}

// recvFinish reads the uniform (stat, errcode) epilogue every reply ends
// with, translating a non-OK code into a *source.Error tagged with op.
func recvFinish(ep *srpc.Endpoint, op string) (repos.SourceStat, error) {
	st, err := repos.RecvSourceStat(ep)
	if err != nil {
		return repos.SourceStat{}, err
	}
	code, err := repos.RecvErrCode(ep)
	if err != nil {
		return repos.SourceStat{}, err
	}
	if err := ep.RecvEnd(); err != nil {
		return repos.SourceStat{}, err
	}
	if code != source.OK {
		return repos.SourceStat{}, source.NewError(code, op)
	}
	return st, nil
}

// recvErrOnly reads a trailing errcode-only epilogue (no stat), for calls
// whose reply carries no Source of its own.
func recvErrOnly(ep *srpc.Endpoint, op string) error {
	code, err := repos.RecvErrCode(ep)
	if err != nil {
		return err
	}
	if err := ep.RecvEnd(); err != nil {
		return err
	}
	if code != source.OK {
		return source.NewError(code, op)
	}
	return nil
}

// Root returns a Handle on the repository root by statting the well-known
// longid.Repository handle.
func (c *Client) Root() (*Handle, error) {
	return c.statLongId(longid.Repository)
}

// MutableRoot returns a Handle on the mutable root.
func (c *Client) MutableRoot() (*Handle, error) {
	return c.statLongId(longid.Mutable)
}

// VolatileRoot returns a Handle on the volatile root.
func (c *Client) VolatileRoot() (*Handle, error) {
	return c.statLongId(longid.Volatile)
}

func (c *Client) statLongId(id longid.LongId) (*Handle, error) {
	h := &Handle{c: c, stat: repos.SourceStat{LongId: id}}
	return h, h.Resync()
}

// Resync reloads h's cached stat fields from the server, the client-side
// analogue of the server's resync/stat operation.
func (h *Handle) Resync() error {
	ph, ep, err := h.c.begin(repos.ProcStat)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return err
	}
	if err := ep.SendEnd(); err != nil {
		return err
	}
	st, err := recvFinish(ep, "stat")
	if err != nil {
		return err
	}
	h.setCache(st)
	return nil
}

// Lookup resolves arc under directory h. A cache hit is never attempted --
// lookup short-circuiting in this model means the *result's* stat is
// served from the handle the caller already holds on a later operation,
// not that repeated lookups of the same arc skip the round trip.
func (h *Handle) Lookup(arc string) (*Handle, error) {
	ph, ep, err := h.c.begin(repos.ProcLookup)
	if err != nil {
		return nil, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return nil, err
	}
	if err := ep.SendChars(arc); err != nil {
		return nil, err
	}
	if err := ep.SendEnd(); err != nil {
		return nil, err
	}
	st, err := recvFinish(ep, "lookup")
	if err != nil {
		return nil, err
	}
	return h.c.handleFor(st), nil
}

// LookupPathname resolves a `/`-separated pathname under directory h.
func (h *Handle) LookupPathname(pathname string) (*Handle, error) {
	ph, ep, err := h.c.begin(repos.ProcLookupPathname)
	if err != nil {
		return nil, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return nil, err
	}
	if err := ep.SendChars(pathname); err != nil {
		return nil, err
	}
	if err := ep.SendEnd(); err != nil {
		return nil, err
	}
	st, err := recvFinish(ep, "lookupPathname")
	if err != nil {
		return nil, err
	}
	return h.c.handleFor(st), nil
}

// LookupIndex resolves the child at raw index idx under directory h.
func (h *Handle) LookupIndex(idx uint64) (*Handle, error) {
	ph, ep, err := h.c.begin(repos.ProcLookupIndex)
	if err != nil {
		return nil, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return nil, err
	}
	if err := ep.SendInt64(int64(idx)); err != nil {
		return nil, err
	}
	if err := ep.SendEnd(); err != nil {
		return nil, err
	}
	st, err := recvFinish(ep, "lookupIndex")
	if err != nil {
		return nil, err
	}
	return h.c.handleFor(st), nil
}

// Entry mirrors one child yielded by List.
type Entry struct {
	Arc         string
	Type        source.Type
	Index       uint64
	PseudoInode uint32
	ShortId     source.ShortId
	Master      bool
}

// List streams dir's children to cb in index order, re-requesting chunks
// from the server and resuming each at lastIndex+2 (the server's
// tombstone-reserving index-step convention) until the server reports no
// further entries or cb asks to stop.
func (h *Handle) List(cb func(Entry) bool) error {
	firstIndex := uint64(0)
	for {
		entries, more, err := h.listChunk(firstIndex)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		last := entries[len(entries)-1].Index
		for _, e := range entries {
			if !cb(e) {
				return nil
			}
		}
		if !more {
			return nil
		}
		firstIndex = last + 2
	}
}

func (h *Handle) listChunk(firstIndex uint64) ([]Entry, bool, error) {
	ph, ep, err := h.c.begin(repos.ProcList)
	if err != nil {
		return nil, false, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return nil, false, err
	}
	if err := ep.SendInt64(int64(firstIndex)); err != nil {
		return nil, false, err
	}
	if err := ep.SendEnd(); err != nil {
		return nil, false, err
	}

	n, err := ep.RecvInt32()
	if err != nil {
		return nil, false, err
	}
	entries := make([]Entry, n)
	for i := range entries {
		arc, err := ep.RecvChars()
		if err != nil {
			return nil, false, err
		}
		typ, err := ep.RecvInt32()
		if err != nil {
			return nil, false, err
		}
		idx, err := ep.RecvInt64()
		if err != nil {
			return nil, false, err
		}
		inode, err := ep.RecvInt32()
		if err != nil {
			return nil, false, err
		}
		sid, err := ep.RecvInt32()
		if err != nil {
			return nil, false, err
		}
		master, err := ep.RecvBool()
		if err != nil {
			return nil, false, err
		}
		entries[i] = Entry{
			Arc:         arc,
			Type:        source.Type(typ),
			Index:       uint64(idx),
			PseudoInode: uint32(inode),
			ShortId:     source.ShortId(sid),
			Master:      master,
		}
	}
	more, err := ep.RecvBool()
	if err != nil {
		return nil, false, err
	}
	if err := recvErrOnly(ep, "list"); err != nil {
		return nil, false, err
	}
	return entries, more, nil
}

// insert is the shared wire shape for every InsertX variant.
func (h *Handle) insert(pid repos.ProcID, arc string, master bool, dupe source.DupeCheck) (*Handle, error) {
	ph, ep, err := h.c.begin(pid)
	if err != nil {
		return nil, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return nil, err
	}
	if err := ep.SendChars(arc); err != nil {
		return nil, err
	}
	if err := ep.SendBool(master); err != nil {
		return nil, err
	}
	if err := ep.SendInt32(int32(dupe)); err != nil {
		return nil, err
	}
	if err := ep.SendEnd(); err != nil {
		return nil, err
	}
	st, err := recvFinish(ep, "insert")
	if err != nil {
		return nil, err
	}
	h.clearCache()
	return h.c.handleFor(st), nil
}

func (h *Handle) InsertFile(arc string, master bool, dupe source.DupeCheck) (*Handle, error) {
	return h.insert(repos.ProcInsertFile, arc, master, dupe)
}

func (h *Handle) InsertMutableFile(arc string, master bool, dupe source.DupeCheck) (*Handle, error) {
	return h.insert(repos.ProcInsertMutableFile, arc, master, dupe)
}

func (h *Handle) InsertImmutableDirectory(arc string, master bool, dupe source.DupeCheck) (*Handle, error) {
	return h.insert(repos.ProcInsertImmutableDirectory, arc, master, dupe)
}

func (h *Handle) InsertAppendableDirectory(arc string, master bool, dupe source.DupeCheck) (*Handle, error) {
	return h.insert(repos.ProcInsertAppendableDirectory, arc, master, dupe)
}

func (h *Handle) InsertMutableDirectory(arc string, master bool, dupe source.DupeCheck) (*Handle, error) {
	return h.insert(repos.ProcInsertMutableDirectory, arc, master, dupe)
}

func (h *Handle) InsertGhost(arc string, master bool, dupe source.DupeCheck) (*Handle, error) {
	return h.insert(repos.ProcInsertGhost, arc, master, dupe)
}

func (h *Handle) InsertStub(arc string, master bool, dupe source.DupeCheck) (*Handle, error) {
	return h.insert(repos.ProcInsertStub, arc, master, dupe)
}

// ReallyDelete removes arc from directory h, leaving a ghost behind so the
// index is never reused.
func (h *Handle) ReallyDelete(arc string) error {
	ph, ep, err := h.c.begin(repos.ProcReallyDelete)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return err
	}
	if err := ep.SendChars(arc); err != nil {
		return err
	}
	if err := ep.SendEnd(); err != nil {
		return err
	}
	_, err = recvFinish(ep, "reallyDelete")
	if err == nil {
		h.clearCache()
	}
	return err
}

// RenameTo moves fromArc out of h into toArc under toDir.
func (h *Handle) RenameTo(fromArc string, toDir *Handle, toArc string) error {
	ph, ep, err := h.c.begin(repos.ProcRenameTo)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return err
	}
	if err := ep.SendChars(fromArc); err != nil {
		return err
	}
	if err := sendTarget(ep, toDir); err != nil {
		return err
	}
	if err := ep.SendChars(toArc); err != nil {
		return err
	}
	if err := ep.SendEnd(); err != nil {
		return err
	}
	_, err = recvFinish(ep, "renameTo")
	if err == nil {
		h.clearCache()
		toDir.clearCache()
	}
	return err
}

// MakeMutable copies h to a mutable object keeping the same LongId.
func (h *Handle) MakeMutable(newShortId source.ShortId, copyMax int64) (*Handle, error) {
	ph, ep, err := h.c.begin(repos.ProcMakeMutable)
	if err != nil {
		return nil, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return nil, err
	}
	if err := ep.SendInt32(int32(newShortId)); err != nil {
		return nil, err
	}
	if err := ep.SendInt64(copyMax); err != nil {
		return nil, err
	}
	if err := ep.SendEnd(); err != nil {
		return nil, err
	}
	st, err := recvFinish(ep, "makeMutable")
	if err != nil {
		return nil, err
	}
	h.clearCache()
	return h.c.handleFor(st), nil
}

// Read returns up to nbytes of file content at offset.
func (h *Handle) Read(offset, nbytes int64) ([]byte, error) {
	ph, ep, err := h.c.begin(repos.ProcRead)
	if err != nil {
		return nil, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return nil, err
	}
	if err := ep.SendInt64(offset); err != nil {
		return nil, err
	}
	if err := ep.SendInt64(nbytes); err != nil {
		return nil, err
	}
	if err := ep.SendEnd(); err != nil {
		return nil, err
	}
	data, err := ep.RecvBytes()
	if err != nil {
		return nil, err
	}
	if err := recvErrOnly(ep, "read"); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadWhole negotiates the zlib-deflate bulk-read path and streams the
// inflated content to sink as compressed chunks arrive, rather than
// buffering the whole payload before inflating. bufSize bounds the
// compressed chunk size the server sends per message.
func (h *Handle) ReadWhole(sink io.Writer, bufSize int64) error {
	ph, ep, err := h.c.begin(repos.ProcReadWholeCompressed)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return err
	}
	if err := ep.SendInt64(bufSize); err != nil {
		return err
	}
	if err := ep.SendEnd(); err != nil {
		return err
	}

	n, err := ep.RecvInt32()
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	inflateErr := make(chan error, 1)
	go func() {
		zr, err := zlib.NewReader(pr)
		if err != nil {
			pr.CloseWithError(err)
			inflateErr <- err
			return
		}
		_, err = io.Copy(sink, zr)
		inflateErr <- err
	}()

	var copyErr error
	for i := int32(0); i < n; i++ {
		chunk, err := ep.RecvBytes()
		if err != nil {
			copyErr = err
			break
		}
		if _, werr := pw.Write(chunk); werr != nil {
			copyErr = werr
			break
		}
	}
	pw.Close()

	if ierr := <-inflateErr; ierr != nil && ierr != io.EOF && copyErr == nil {
		copyErr = ierr
	}
	if copyErr != nil {
		// A local inflate/write failure is reported to the server as a
		// remote failure rather than just dropping the connection, so the
		// server's SendEnd is released instead of blocking on an end-ack
		// that will never arrive.
		ep.SendFailure("transport_failure", fmt.Sprintf("readWhole: %v", copyErr), true)
		return copyErr
	}
	return recvErrOnly(ep, "readWholeCompressed")
}

// ReadWholeDefault is ReadWhole using the configured chunk size.
func (h *Handle) ReadWholeDefault(sink io.Writer) error {
	return h.ReadWhole(sink, int64(h.c.cfg.ReadWholeChunkSize))
}

// Write stores data at offset in a mutable file.
func (h *Handle) Write(offset int64, data []byte) error {
	ph, ep, err := h.c.begin(repos.ProcWrite)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return err
	}
	if err := ep.SendInt64(offset); err != nil {
		return err
	}
	if err := ep.SendBytes(data); err != nil {
		return err
	}
	if err := ep.SendEnd(); err != nil {
		return err
	}
	_, err = recvFinish(ep, "write")
	if err == nil {
		h.clearCache()
	}
	return err
}

// GetAttrib returns an arbitrary member of name's attribute value set.
func (h *Handle) GetAttrib(name string) (string, bool, error) {
	ph, ep, err := h.c.begin(repos.ProcGetAttrib)
	if err != nil {
		return "", false, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return "", false, err
	}
	if err := ep.SendChars(name); err != nil {
		return "", false, err
	}
	if err := ep.SendEnd(); err != nil {
		return "", false, err
	}
	value, err := ep.RecvChars()
	if err != nil {
		return "", false, err
	}
	if err := recvErrOnly(ep, "getAttrib"); err != nil {
		if serr, ok := err.(*source.Error); ok && serr.Code == source.NotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// WriteAttrib appends an attribute-history record.
func (h *Handle) WriteAttrib(op attrib.Op, name, value string, timestamp int64) error {
	ph, ep, err := h.c.begin(repos.ProcWriteAttrib)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return err
	}
	if err := ep.SendInt32(int32(op)); err != nil {
		return err
	}
	if err := ep.SendChars(name); err != nil {
		return err
	}
	if err := ep.SendChars(value); err != nil {
		return err
	}
	if err := ep.SendInt64(timestamp); err != nil {
		return err
	}
	if err := ep.SendEnd(); err != nil {
		return err
	}
	_, err = recvFinish(ep, "writeAttrib")
	return err
}

// ListAttribs returns every attribute name with a nonempty value set.
func (h *Handle) ListAttribs() ([]string, error) {
	ph, ep, err := h.c.begin(repos.ProcListAttribs)
	if err != nil {
		return nil, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return nil, err
	}
	if err := ep.SendEnd(); err != nil {
		return nil, err
	}
	n, err := ep.RecvInt32()
	if err != nil {
		return nil, err
	}
	names := make([]string, n)
	for i := range names {
		if names[i], err = ep.RecvChars(); err != nil {
			return nil, err
		}
	}
	if err := recvErrOnly(ep, "listAttribs"); err != nil {
		return nil, err
	}
	return names, nil
}

// InAttribs reports whether value is a member of name's attribute set.
func (h *Handle) InAttribs(name, value string) (bool, error) {
	ph, ep, err := h.c.begin(repos.ProcInAttribs)
	if err != nil {
		return false, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return false, err
	}
	if err := ep.SendChars(name); err != nil {
		return false, err
	}
	if err := ep.SendChars(value); err != nil {
		return false, err
	}
	if err := ep.SendEnd(); err != nil {
		return false, err
	}
	in, err := ep.RecvBool()
	if err != nil {
		return false, err
	}
	if err := recvErrOnly(ep, "inAttribs"); err != nil {
		return false, err
	}
	return in, nil
}

// AttribRecord mirrors one entry of an attribute history.
type AttribRecord struct {
	Op        attrib.Op
	Name      string
	Value     string
	Timestamp int64
}

// GetAttribHistory returns the full recorded attribute history for h.
func (h *Handle) GetAttribHistory() ([]AttribRecord, error) {
	ph, ep, err := h.c.begin(repos.ProcGetAttribHistory)
	if err != nil {
		return nil, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return nil, err
	}
	if err := ep.SendEnd(); err != nil {
		return nil, err
	}
	n, err := ep.RecvInt32()
	if err != nil {
		return nil, err
	}
	records := make([]AttribRecord, n)
	for i := range records {
		op, err := ep.RecvInt32()
		if err != nil {
			return nil, err
		}
		name, err := ep.RecvChars()
		if err != nil {
			return nil, err
		}
		value, err := ep.RecvChars()
		if err != nil {
			return nil, err
		}
		ts, err := ep.RecvInt64()
		if err != nil {
			return nil, err
		}
		records[i] = AttribRecord{Op: attrib.Op(op), Name: name, Value: value, Timestamp: ts}
	}
	if err := recvErrOnly(ep, "getAttribHistory"); err != nil {
		return nil, err
	}
	return records, nil
}

// MakeFilesImmutable walks h (a directory) converting files smaller than
// threshold to immutable, content-fingerprinted files.
func (h *Handle) MakeFilesImmutable(threshold int64) error {
	ph, ep, err := h.c.begin(repos.ProcMakeFilesImmutable)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return err
	}
	if err := ep.SendInt64(threshold); err != nil {
		return err
	}
	if err := ep.SendEnd(); err != nil {
		return err
	}
	_, err = recvFinish(ep, "makeFilesImmutable")
	return err
}

// SetIndexMaster sets or clears the master flag on the child at index idx.
func (h *Handle) SetIndexMaster(idx uint64, master bool) error {
	ph, ep, err := h.c.begin(repos.ProcSetIndexMaster)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return err
	}
	if err := ep.SendInt64(int64(idx)); err != nil {
		return err
	}
	if err := ep.SendBool(master); err != nil {
		return err
	}
	if err := ep.SendEnd(); err != nil {
		return err
	}
	_, err = recvFinish(ep, "setIndexMaster")
	return err
}

// GetBase returns h's base (the next older version in its delta chain).
func (h *Handle) GetBase() (*Handle, error) {
	ph, ep, err := h.c.begin(repos.ProcGetBase)
	if err != nil {
		return nil, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return nil, err
	}
	if err := ep.SendEnd(); err != nil {
		return nil, err
	}
	st, err := recvFinish(ep, "getBase")
	if err != nil {
		return nil, err
	}
	return h.c.handleFor(st), nil
}

// CollapseBase fuses h's delta chain into a single layer.
func (h *Handle) CollapseBase() error {
	ph, ep, err := h.c.begin(repos.ProcCollapseBase)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return err
	}
	if err := ep.SendEnd(); err != nil {
		return err
	}
	_, err = recvFinish(ep, "collapseBase")
	return err
}

// Measurement mirrors source.Measurement.
type Measurement struct {
	BaseChainLength int
	UsedEntryCount  int
	UsedEntrySize   int64
	TotalEntryCount int
	TotalEntrySize  int64
}

// MeasureDirectory reports h's delta-chain depth and entry accounting.
func (h *Handle) MeasureDirectory() (Measurement, error) {
	ph, ep, err := h.c.begin(repos.ProcMeasureDirectory)
	if err != nil {
		return Measurement{}, err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return Measurement{}, err
	}
	if err := ep.SendEnd(); err != nil {
		return Measurement{}, err
	}

	var m Measurement
	baseLen, err := ep.RecvInt32()
	if err != nil {
		return Measurement{}, err
	}
	m.BaseChainLength = int(baseLen)
	usedCnt, err := ep.RecvInt32()
	if err != nil {
		return Measurement{}, err
	}
	m.UsedEntryCount = int(usedCnt)
	if m.UsedEntrySize, err = ep.RecvInt64(); err != nil {
		return Measurement{}, err
	}
	totalCnt, err := ep.RecvInt32()
	if err != nil {
		return Measurement{}, err
	}
	m.TotalEntryCount = int(totalCnt)
	if m.TotalEntrySize, err = ep.RecvInt64(); err != nil {
		return Measurement{}, err
	}
	if err := recvErrOnly(ep, "measureDirectory"); err != nil {
		return Measurement{}, err
	}
	return m, nil
}

// masterRequestAttrib is the recovery attribute the destination persists
// across an in-progress mastership transfer, surviving a client restart
// mid-protocol.
const masterRequestAttrib = "#master-request"

// AcquireMastership makes h the master copy, recording sourceRepo as the
// peer it is claiming mastership from. If the call fails, the attempt is
// recorded under masterRequestAttrib and a background goroutine retries
// with backoff until it succeeds or stop() is called -- the client-side
// analogue of the destination's recovery thread for a mid-protocol
// cross-server failure.
func (h *Handle) AcquireMastership(sourceRepo string) (stop func(), err error) {
	err = h.acquireMastershipOnce(sourceRepo)
	if err == nil {
		return func() {}, nil
	}

	if werr := h.WriteAttrib(attrib.Set, masterRequestAttrib, sourceRepo, 0); werr != nil {
		log.Debug("surrogate: recording %s failed: %v", masterRequestAttrib, werr)
	}

	done := make(chan struct{})
	go func() {
		backoff := time.Second
		const maxBackoff = 30 * time.Second
		for {
			select {
			case <-done:
				return
			case <-time.After(backoff):
			}
			if aerr := h.acquireMastershipOnce(sourceRepo); aerr == nil {
				h.WriteAttrib(attrib.Clear, masterRequestAttrib, sourceRepo, 0)
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
		}
	}()
	return func() { close(done) }, err
}

func (h *Handle) acquireMastershipOnce(sourceRepo string) error {
	ph, ep, err := h.c.begin(repos.ProcAcquireMastership)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return err
	}
	if err := ep.SendChars(sourceRepo); err != nil {
		return err
	}
	if err := ep.SendEnd(); err != nil {
		return err
	}
	_, err = recvFinish(ep, "acquireMastership")
	if err == nil {
		h.clearCache()
	}
	return err
}

// CedeMastership gives up h's master flag.
func (h *Handle) CedeMastership() error {
	ph, ep, err := h.c.begin(repos.ProcCedeMastership)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := sendTarget(ep, h); err != nil {
		return err
	}
	if err := ep.SendEnd(); err != nil {
		return err
	}
	_, err = recvFinish(ep, "cedeMastership")
	if err == nil {
		h.clearCache()
	}
	return err
}

// GetUserInfo returns the server's global-name mapping for the caller's
// identity.
func (c *Client) GetUserInfo() (string, error) {
	ph, ep, err := c.begin(repos.ProcGetUserInfo)
	if err != nil {
		return "", err
	}
	defer ph.End()

	if err := ep.SendEnd(); err != nil {
		return "", err
	}
	name, err := ep.RecvChars()
	if err != nil {
		return "", err
	}
	if err := recvErrOnly(ep, "getUserInfo"); err != nil {
		return "", err
	}
	return name, nil
}

// RefreshAccessTables asks the server to reload its admin/identity tables.
func (c *Client) RefreshAccessTables() error {
	ph, ep, err := c.begin(repos.ProcRefreshAccessTables)
	if err != nil {
		return err
	}
	defer ph.End()

	if err := ep.SendEnd(); err != nil {
		return err
	}
	return recvErrOnly(ep, "refreshAccessTables")
}

// ServerInfo reports the server's negotiated interface version and realm.
type ServerInfo struct {
	IntfVersion int32
	Realm       string
}

// GetServerInfo queries the server's interface version and realm, the
// first call a surrogate makes against an unfamiliar host to decide
// whether it can speak to it at all.
func (c *Client) GetServerInfo() (ServerInfo, error) {
	ph, ep, err := c.begin(repos.ProcGetServerInfo)
	if err != nil {
		return ServerInfo{}, err
	}
	defer ph.End()

	if err := ep.SendEnd(); err != nil {
		return ServerInfo{}, err
	}
	ver, err := ep.RecvInt32()
	if err != nil {
		return ServerInfo{}, err
	}
	realm, err := ep.RecvChars()
	if err != nil {
		return ServerInfo{}, err
	}
	if err := recvErrOnly(ep, "getServerInfo"); err != nil {
		return ServerInfo{}, err
	}
	return ServerInfo{IntfVersion: ver, Realm: realm}, nil
}
