// Package repos wires the VestaSourceSRPC procedure table to the server-side
// namespace (internal/source), attribute engine (internal/attrib), access
// control (internal/access), and atomic interpreter (internal/atomic): it is
// the dispatch.Handler a repository server hands to internal/dispatch, and
// the procedure-id enum internal/surrogate marshals calls against.
package repos

import (
	"fmt"
	"sync"

	"github.com/vesta-scm/repos/internal/access"
	"github.com/vesta-scm/repos/internal/attrib"
	"github.com/vesta-scm/repos/internal/config"
	"github.com/vesta-scm/repos/internal/source"
	"github.com/vesta-scm/repos/internal/srpc"
	log "github.com/vesta-scm/repos/pkg/minilog"
)

// Server is a repository server: the namespace tree, attribute engine,
// access tables, and configuration a dispatch.Server's Call callback needs
// to service one VestaSourceSRPC procedure end to end.
type Server struct {
	Tree    *source.Tree
	Engine  *attrib.Engine
	Checker *access.Checker
	Table   *access.Table
	Cfg     config.Config

	mu  sync.Mutex
	log *recoveryLog
}

// NewServer returns a Server over a freshly built namespace tree and
// attribute engine, ready to accept calls once wrapped in a dispatch.Server.
func NewServer(cfg config.Config, table *access.Table) *Server {
	accessCfg := access.Config{
		Realm:          cfg.Realm,
		AdminUser:      cfg.AdminUser,
		AdminGroup:     cfg.AdminGroup,
		RestrictDelete: cfg.RestrictDelete,
	}
	return &Server{
		Tree:    source.NewTree(),
		Engine:  attrib.NewEngine(nil),
		Checker: access.NewChecker(accessCfg, table),
		Table:   table,
		Cfg:     cfg,
		log:     newRecoveryLog(),
	}
}

// Call implements dispatch.Handler: it reads the caller's identity, checks
// the interface version, dispatches on procID, and always leaves the
// endpoint fully drained (failure reporting aside) so the connection is
// ready for the next AwaitCall.
func (s *Server) Call(ep *srpc.Endpoint, intfVersion, procID int32) {
	if intfVersion != IntfVersion {
		ep.SendFailure("version_skew", fmt.Sprintf("server interface version %d, call requested %d", IntfVersion, intfVersion), true)
		return
	}

	id, err := access.UnmarshalIdentity(ep)
	if err != nil {
		return
	}
	if !s.Checker.Admit(id) {
		ep.SendFailure("access_violation", "identity not admitted", true)
		return
	}

	pid := ProcID(procID)
	h, ok := callTable[pid]
	if !ok {
		log.Debug("repos: unhandled proc %s (%d)", pid, procID)
		ep.SendFailure("not_implemented", fmt.Sprintf("proc %s not implemented", pid), true)
		return
	}

	s.log.record(pid, id)
	h(s, ep, id)
}

// CallFailure logs an SRPC-level failure that ended a connection.
func (s *Server) CallFailure(ep *srpc.Endpoint, err error) {
	log.Debug("repos: call failure: %v", err)
}

// AcceptFailure logs a handshake-level hiccup on a freshly accepted
// connection.
func (s *Server) AcceptFailure(err error) {
	log.Debug("repos: accept failure: %v", err)
}

// ListenerTerminated logs that the dispatch server's listener has exited.
func (s *Server) ListenerTerminated() {
	log.Info("repos: listener terminated")
}

// callHandler services one procedure's arguments, operation, and reply,
// given the endpoint (positioned just past the identity block) and the
// caller's validated identity.
type callHandler func(s *Server, ep *srpc.Endpoint, id access.Identity)

var callTable map[ProcID]callHandler

func init() {
	callTable = map[ProcID]callHandler{
		ProcLookup:                    handleLookup,
		ProcLookupPathname:            handleLookupPathname,
		ProcLookupIndex:               handleLookupIndex,
		ProcList:                      handleList,
		ProcReallyDelete:              handleReallyDelete,
		ProcInsertFile:                handleInsert(source.ImmutableFile),
		ProcInsertMutableFile:         handleInsert(source.MutableFile),
		ProcInsertImmutableDirectory:  handleInsert(source.ImmutableDirectory),
		ProcInsertAppendableDirectory: handleInsert(source.AppendableDirectory),
		ProcInsertMutableDirectory:    handleInsert(source.MutableDirectory),
		ProcInsertGhost:               handleInsert(source.Ghost),
		ProcInsertStub:                handleInsert(source.Stub),
		ProcRenameTo:                  handleRenameTo,
		ProcMakeMutable:               handleMakeMutable,
		ProcStat:                      handleStat,
		ProcRead:                      handleRead,
		ProcReadWholeCompressed:       handleReadWholeCompressed,
		ProcWrite:                     handleWrite,
		ProcGetAttrib:                 handleGetAttrib,
		ProcWriteAttrib:               handleWriteAttrib,
		ProcListAttribs:               handleListAttribs,
		ProcInAttribs:                 handleInAttribs,
		ProcGetAttribHistory:          handleGetAttribHistory,
		ProcMakeFilesImmutable:        handleMakeFilesImmutable,
		ProcSetIndexMaster:            handleSetIndexMaster,
		ProcGetBase:                   handleGetBase,
		ProcCollapseBase:              handleCollapseBase,
		ProcMeasureDirectory:          handleMeasureDirectory,
		ProcAcquireMastership:         handleAcquireMastership,
		ProcCedeMastership:            handleCedeMastership,
		ProcGetUserInfo:               handleGetUserInfo,
		ProcRefreshAccessTables:       handleRefreshAccessTables,
		ProcGetServerInfo:             handleGetServerInfo,
		ProcAtomic:                    handleAtomic,
	}
}

// recoveryLog models the reference server's append-only recovery log at
// minimum fidelity: an in-memory record of which mutating procedure ran for
// which identity. It is not written to disk, and a full checkpoint/compaction
// pass is out of scope (see DESIGN.md).
type recoveryLog struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	Proc ProcID
	User string
}

func newRecoveryLog() *recoveryLog { return &recoveryLog{} }

func (l *recoveryLog) record(p ProcID, id access.Identity) {
	if !isMutating(p) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{Proc: p, User: id.Username})
}

// Entries returns a snapshot of the recorded mutating calls, in order.
func (l *recoveryLog) Entries() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]logEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func isMutating(p ProcID) bool {
	switch p {
	case ProcLookup, ProcLookupPathname, ProcLookupIndex, ProcList, ProcGetAttrib,
		ProcListAttribs, ProcInAttribs, ProcGetAttribHistory, ProcStat, ProcRead,
		ProcGetBase, ProcMeasureDirectory, ProcGetUserInfo, ProcGetServerInfo:
		return false
	default:
		return true
	}
}

// ReplayLog appends previously captured mutating-call entries, in order, to
// this Server's log. It does not re-run the logged procedures, and namespace
// content is not reconstructed from the log (see DESIGN.md).
func (s *Server) ReplayLog(entries []logEntry) {
	for _, e := range entries {
		s.log.mu.Lock()
		s.log.entries = append(s.log.entries, e)
		s.log.mu.Unlock()
	}
}
