package repos

import (
	"bytes"
	"compress/zlib"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/vesta-scm/repos/internal/access"
	"github.com/vesta-scm/repos/internal/atomic"
	"github.com/vesta-scm/repos/internal/attrib"
	"github.com/vesta-scm/repos/internal/source"
	"github.com/vesta-scm/repos/internal/srpc"
)

// finish sends the uniform (stat, errcode) epilogue every call reply ends
// with and closes out the reply phase.
func finish(ep *srpc.Endpoint, stat source.Source, serr *source.Error) {
	if err := sendSourceStat(ep, stat); err != nil {
		return
	}
	if err := sendErrCode(ep, errCodeOf(serr)); err != nil {
		return
	}
	ep.SendEnd()
}

// recvTarget reads a LongId the caller sent and resolves it against the
// tree's stable-handle index, returning a NotFound *source.Error (not a
// transport error) when the handle is unknown.
func recvTarget(s *Server, ep *srpc.Endpoint) (source.Source, *source.Error, error) {
	lid, err := recvLongId(ep)
	if err != nil {
		return source.Source{}, nil, err
	}
	src, ok := s.Tree.Resolve(lid)
	if !ok {
		return source.Source{}, source.NewError(source.NotFound, "resolve"), nil
	}
	return src, nil, nil
}

func handleLookup(s *Server, ep *srpc.Endpoint, id access.Identity) {
	dir, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	arc, err := ep.RecvChars()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	var child source.Source
	if rerr == nil && !s.Checker.Check(id, access.Search, dir.ACL(), "") {
		rerr = source.NewError(source.NoPermission, "lookup")
	}
	if rerr == nil {
		child, rerr = s.Tree.Lookup(dir, arc)
	}
	finish(ep, child, rerr)
}

func handleLookupPathname(s *Server, ep *srpc.Endpoint, id access.Identity) {
	dir, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	pathname, err := ep.RecvChars()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	var child source.Source
	if rerr == nil {
		child, rerr = s.Tree.LookupPathname(dir, pathname)
	}
	finish(ep, child, rerr)
}

func handleLookupIndex(s *Server, ep *srpc.Endpoint, id access.Identity) {
	dir, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	index, err := ep.RecvInt64()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	var child source.Source
	if rerr == nil {
		child, _, rerr = s.Tree.LookupIndex(dir, uint64(index))
	}
	finish(ep, child, rerr)
}

// handleList streams entries in chunks bounded by the configured list chunk
// size, each followed by a "more" bool so the surrogate knows whether to
// resume at lastIndex+2.
func handleList(s *Server, ep *srpc.Endpoint, id access.Identity) {
	dir, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	firstIndex, err := ep.RecvInt64()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	budget := s.Cfg.ListChunkSize/s.Cfg.ListEntryOverhead + 1

	var entries []source.Entry
	if rerr == nil {
		rerr = s.Tree.List(dir, uint64(firstIndex), false, func(e source.Entry) bool {
			entries = append(entries, e)
			return len(entries) < budget+1
		})
	}
	more := len(entries) > budget
	if more {
		entries = entries[:budget]
	}

	if err := ep.SendInt32(int32(len(entries))); err != nil {
		return
	}
	for _, e := range entries {
		if err := ep.SendChars(e.Arc); err != nil {
			return
		}
		if err := ep.SendInt32(int32(e.Type)); err != nil {
			return
		}
		if err := ep.SendInt64(int64(e.Index)); err != nil {
			return
		}
		if err := ep.SendInt32(int32(e.PseudoInode)); err != nil {
			return
		}
		if err := ep.SendInt32(int32(e.ShortId)); err != nil {
			return
		}
		if err := ep.SendBool(e.Master); err != nil {
			return
		}
	}
	if err := ep.SendBool(more); err != nil {
		return
	}
	if err := sendErrCode(ep, errCodeOf(rerr)); err != nil {
		return
	}
	ep.SendEnd()
}

func handleReallyDelete(s *Server, ep *srpc.Endpoint, id access.Identity) {
	dir, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	arc, err := ep.RecvChars()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	if rerr == nil && !s.Checker.Check(id, access.Delete, dir.ACL(), "") {
		rerr = source.NewError(source.NoPermission, "reallyDelete")
	}
	if rerr == nil {
		rerr = s.Tree.ReallyDelete(dir, arc, true)
	}
	finish(ep, source.Source{}, rerr)
}

// handleInsert returns a callHandler for one of the InsertX variants,
// sharing the arg shape every insert op takes (dir, arc, master, dupecheck).
func handleInsert(typ source.Type) callHandler {
	return func(s *Server, ep *srpc.Endpoint, id access.Identity) {
		dir, rerr, err := recvTarget(s, ep)
		if err != nil {
			return
		}
		arc, err := ep.RecvChars()
		if err != nil {
			return
		}
		master, err := ep.RecvBool()
		if err != nil {
			return
		}
		dupe, err := ep.RecvInt32()
		if err != nil {
			return
		}
		if err := ep.RecvEnd(); err != nil {
			return
		}

		var child source.Source
		if rerr == nil && !s.Checker.Check(id, access.Write, dir.ACL(), "") {
			rerr = source.NewError(source.NoPermission, "insert")
		}
		if rerr == nil {
			switch typ {
			case source.ImmutableFile:
				child, rerr = s.Tree.InsertFile(dir, arc, master, source.DupeCheck(dupe), 0)
			case source.MutableFile:
				child, rerr = s.Tree.InsertMutableFile(dir, arc, master, source.DupeCheck(dupe), 0)
			case source.ImmutableDirectory:
				child, rerr = s.Tree.InsertImmutableDirectory(dir, arc, master, source.DupeCheck(dupe))
			case source.AppendableDirectory:
				child, rerr = s.Tree.InsertAppendableDirectory(dir, arc, master, source.DupeCheck(dupe))
			case source.MutableDirectory:
				child, rerr = s.Tree.InsertMutableDirectory(dir, arc, master, source.DupeCheck(dupe))
			case source.Ghost:
				child, rerr = s.Tree.InsertGhost(dir, arc, master, source.DupeCheck(dupe))
			case source.Stub:
				child, rerr = s.Tree.InsertStub(dir, arc, master, source.DupeCheck(dupe))
			}
		}
		finish(ep, child, rerr)
	}
}

func handleRenameTo(s *Server, ep *srpc.Endpoint, id access.Identity) {
	fromDir, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	fromArc, err := ep.RecvChars()
	if err != nil {
		return
	}
	toDir, rerr2, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	toArc, err := ep.RecvChars()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}
	if rerr == nil {
		rerr = rerr2
	}
	if rerr == nil {
		rerr = s.Tree.RenameTo(fromDir, fromArc, toDir, toArc)
	}
	finish(ep, source.Source{}, rerr)
}

func handleMakeMutable(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	newSid, err := ep.RecvInt32()
	if err != nil {
		return
	}
	copyMax, err := ep.RecvInt64()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	var result source.Source
	if rerr == nil {
		result, rerr = s.Tree.MakeMutable(target, source.ShortId(newSid), copyMax)
	}
	finish(ep, result, rerr)
}

func handleStat(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}
	finish(ep, target, rerr)
}

func handleRead(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	offset, err := ep.RecvInt64()
	if err != nil {
		return
	}
	nbytes, err := ep.RecvInt64()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	var data []byte
	if rerr == nil && !s.Checker.Check(id, access.Read, target.ACL(), "") {
		rerr = source.NewError(source.NoPermission, "read")
	}
	if rerr == nil {
		data, rerr = s.Tree.Read(target, offset, nbytes)
	}
	if err := ep.SendBytes(data); err != nil {
		return
	}
	if err := sendErrCode(ep, errCodeOf(rerr)); err != nil {
		return
	}
	ep.SendEnd()
}

// handleReadWholeCompressed answers the bulk-read path: the whole file is
// deflated once, then streamed back as a count-prefixed sequence of
// chunks no larger than the caller-declared buffer size, so the surrogate
// can inflate and forward bytes to its sink as chunks arrive rather than
// buffering the whole compressed payload itself.
func handleReadWholeCompressed(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	bufSize, err := ep.RecvInt64()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	if rerr == nil && !s.Checker.Check(id, access.Read, target.ACL(), "") {
		rerr = source.NewError(source.NoPermission, "readWholeCompressed")
	}

	var chunks [][]byte
	if rerr == nil {
		data, derr := s.Tree.Read(target, 0, math.MaxInt64)
		if derr != nil {
			rerr = derr
		} else {
			var buf bytes.Buffer
			zw := zlib.NewWriter(&buf)
			zw.Write(data)
			zw.Close()
			chunks = chunkBytes(buf.Bytes(), int(bufSize))
		}
	}

	if err := ep.SendInt32(int32(len(chunks))); err != nil {
		return
	}
	for _, c := range chunks {
		if err := ep.SendBytes(c); err != nil {
			return
		}
	}
	if err := sendErrCode(ep, errCodeOf(rerr)); err != nil {
		return
	}
	ep.SendEnd()
}

// chunkBytes splits b into pieces no larger than size (size <= 0 means one
// piece).
func chunkBytes(b []byte, size int) [][]byte {
	if size <= 0 || size >= len(b) {
		if len(b) == 0 {
			return nil
		}
		return [][]byte{b}
	}
	var out [][]byte
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}

func handleWrite(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	offset, err := ep.RecvInt64()
	if err != nil {
		return
	}
	data, err := ep.RecvBytes()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	if rerr == nil && !s.Checker.Check(id, access.Write, target.ACL(), "") {
		rerr = source.NewError(source.NoPermission, "write")
	}
	if rerr == nil {
		rerr = s.Tree.Write(target, offset, data)
	}
	finish(ep, source.Source{}, rerr)
}

func handleGetAttrib(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	name, err := ep.RecvChars()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	var value string
	var found bool
	if rerr == nil && !s.Checker.Check(id, access.Read, target.ACL(), "") {
		rerr = source.NewError(source.NoPermission, "getAttrib")
	}
	if rerr == nil {
		value, found = target.Attribs().GetAttrib(name)
		if !found {
			rerr = source.NewError(source.NotFound, "getAttrib")
		}
	}
	if err := ep.SendChars(value); err != nil {
		return
	}
	if err := sendErrCode(ep, errCodeOf(rerr)); err != nil {
		return
	}
	ep.SendEnd()
}

func handleWriteAttrib(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	op, err := ep.RecvInt32()
	if err != nil {
		return
	}
	name, err := ep.RecvChars()
	if err != nil {
		return
	}
	value, err := ep.RecvChars()
	if err != nil {
		return
	}
	ts, err := ep.RecvInt64()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	if rerr == nil && !s.Checker.Check(id, access.Agreement, target.ACL(), "") {
		rerr = source.NewError(source.NoPermission, "writeAttrib")
	}
	if rerr == nil {
		s.Engine.Write(target.Attribs(), attrib.Op(op), name, value, ts)
	}
	finish(ep, source.Source{}, rerr)
}

func handleListAttribs(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	var names []string
	if rerr == nil {
		names = target.Attribs().ListAttribs()
	}
	if err := ep.SendInt32(int32(len(names))); err != nil {
		return
	}
	for _, n := range names {
		if err := ep.SendChars(n); err != nil {
			return
		}
	}
	if err := sendErrCode(ep, errCodeOf(rerr)); err != nil {
		return
	}
	ep.SendEnd()
}

func handleInAttribs(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	name, err := ep.RecvChars()
	if err != nil {
		return
	}
	value, err := ep.RecvChars()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	var in bool
	if rerr == nil {
		in = target.Attribs().InAttribs(name, value)
	}
	if err := ep.SendBool(in); err != nil {
		return
	}
	if err := sendErrCode(ep, errCodeOf(rerr)); err != nil {
		return
	}
	ep.SendEnd()
}

func handleGetAttribHistory(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	var records []attrib.Record
	if rerr == nil {
		records = target.Attribs().Records()
	}
	if err := ep.SendInt32(int32(len(records))); err != nil {
		return
	}
	for _, r := range records {
		if err := ep.SendInt32(int32(r.Op)); err != nil {
			return
		}
		if err := ep.SendChars(r.Name); err != nil {
			return
		}
		if err := ep.SendChars(r.Value); err != nil {
			return
		}
		if err := ep.SendInt64(r.Timestamp); err != nil {
			return
		}
	}
	if err := sendErrCode(ep, errCodeOf(rerr)); err != nil {
		return
	}
	ep.SendEnd()
}

// blake2bFingerprint computes the 16-byte FP::Tag that MakeFilesImmutable
// stores on each converted file: a blake2b-128 digest of file content.
func blake2bFingerprint(content []byte) source.FP {
	var fp source.FP
	h, err := blake2b.New(16, nil)
	if err != nil {
		return fp
	}
	h.Write(content)
	copy(fp[:], h.Sum(nil))
	return fp
}

func handleMakeFilesImmutable(s *Server, ep *srpc.Endpoint, id access.Identity) {
	dir, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	threshold, err := ep.RecvInt64()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	if rerr == nil {
		rerr = s.Tree.MakeFilesImmutable(dir, threshold, blake2bFingerprint)
	}
	finish(ep, source.Source{}, rerr)
}

func handleSetIndexMaster(s *Server, ep *srpc.Endpoint, id access.Identity) {
	dir, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	index, err := ep.RecvInt64()
	if err != nil {
		return
	}
	master, err := ep.RecvBool()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	if rerr == nil && !s.Checker.Check(id, access.Administrative, dir.ACL(), "") {
		rerr = source.NewError(source.NoPermission, "setIndexMaster")
	}
	if rerr == nil {
		rerr = s.Tree.SetIndexMaster(dir, uint64(index), master)
	}
	finish(ep, source.Source{}, rerr)
}

func handleGetBase(s *Server, ep *srpc.Endpoint, id access.Identity) {
	dir, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	var base source.Source
	if rerr == nil {
		var ok bool
		base, ok = s.Tree.GetBase(dir)
		if !ok {
			rerr = source.NewError(source.NotFound, "getBase")
		}
	}
	finish(ep, base, rerr)
}

func handleCollapseBase(s *Server, ep *srpc.Endpoint, id access.Identity) {
	dir, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}
	if rerr == nil && !s.Checker.Check(id, access.Administrative, dir.ACL(), "") {
		rerr = source.NewError(source.NoPermission, "collapseBase")
	}
	if rerr == nil {
		rerr = s.Tree.CollapseBase(dir)
	}
	finish(ep, source.Source{}, rerr)
}

func handleMeasureDirectory(s *Server, ep *srpc.Endpoint, id access.Identity) {
	dir, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	var m source.Measurement
	if rerr == nil {
		m, rerr = s.Tree.MeasureDirectory(dir)
	}
	if err := ep.SendInt32(int32(m.BaseChainLength)); err != nil {
		return
	}
	if err := ep.SendInt32(int32(m.UsedEntryCount)); err != nil {
		return
	}
	if err := ep.SendInt64(m.UsedEntrySize); err != nil {
		return
	}
	if err := ep.SendInt32(int32(m.TotalEntryCount)); err != nil {
		return
	}
	if err := ep.SendInt64(m.TotalEntrySize); err != nil {
		return
	}
	if err := sendErrCode(ep, errCodeOf(rerr)); err != nil {
		return
	}
	ep.SendEnd()
}

func handleAcquireMastership(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	sourceRepo, err := ep.RecvChars()
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	if rerr == nil {
		s.Tree.SetMasterRequest(target, sourceRepo)
		rerr = s.Tree.SetMaster(target, true)
		if rerr == nil {
			s.Tree.SetMasterRequest(target, "")
		}
	}
	finish(ep, source.Source{}, rerr)
}

func handleCedeMastership(s *Server, ep *srpc.Endpoint, id access.Identity) {
	target, rerr, err := recvTarget(s, ep)
	if err != nil {
		return
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}
	if rerr == nil {
		rerr = s.Tree.CedeMastership(target)
	}
	finish(ep, source.Source{}, rerr)
}

func handleGetUserInfo(s *Server, ep *srpc.Endpoint, id access.Identity) {
	if err := ep.RecvEnd(); err != nil {
		return
	}
	name, _ := s.Table.GlobalName(id.UID)
	if err := ep.SendChars(name); err != nil {
		return
	}
	if err := sendErrCode(ep, source.OK); err != nil {
		return
	}
	ep.SendEnd()
}

func handleRefreshAccessTables(s *Server, ep *srpc.Endpoint, id access.Identity) {
	if err := ep.RecvEnd(); err != nil {
		return
	}
	var rerr *source.Error
	if !s.Checker.Check(id, access.Administrative, access.Record{}, "") {
		rerr = source.NewError(source.NoPermission, "refreshAccessTables")
	}
	finish(ep, source.Source{}, rerr)
}

func handleGetServerInfo(s *Server, ep *srpc.Endpoint, id access.Identity) {
	if err := ep.RecvEnd(); err != nil {
		return
	}
	if err := ep.SendInt32(IntfVersion); err != nil {
		return
	}
	if err := ep.SendChars(s.Cfg.Realm); err != nil {
		return
	}
	if err := sendErrCode(ep, source.OK); err != nil {
		return
	}
	ep.SendEnd()
}

// handleAtomic drives the Atomic wire sub-protocol: a count-prefixed
// sequence of steps, each tagged by its own ProcID (AtomicDeclare,
// AtomicResync, ...), unmarshaled directly into an internal/atomic.Program
// and run under a single write-lock acquisition.
func handleAtomic(s *Server, ep *srpc.Endpoint, id access.Identity) {
	n, err := ep.RecvInt32()
	if err != nil {
		return
	}

	prog := atomic.New()
	for i := int32(0); i < n; i++ {
		kind, err := ep.RecvInt32()
		if err != nil {
			return
		}
		step, err := recvAtomicStep(ep, ProcID(kind))
		if err != nil {
			return
		}
		prog.Append(step)
	}
	if err := ep.RecvEnd(); err != nil {
		return
	}

	exec := atomic.NewExecutor(s.Tree, s.Engine, s.Checker, id)
	result := exec.Run(prog)

	if err := ep.SendInt32(int32(result.StepsDone)); err != nil {
		return
	}
	if err := ep.SendBool(result.Success); err != nil {
		return
	}
	if err := sendErrCode(ep, result.LastError); err != nil {
		return
	}
	ep.SendEnd()
}

// recvAtomicStep unmarshals one wire step. The wire shape is a superset of
// atomic.Step's fields -- kind determines which are meaningful, and every
// step sends the same fixed field sequence for simplicity at the wire
// layer (it is the same trade-off atomic.Step itself makes in-process).
func recvAtomicStep(ep *srpc.Endpoint, kind ProcID) (atomic.Step, error) {
	targetSlot, err := ep.RecvInt32()
	if err != nil {
		return atomic.Step{}, err
	}
	resultSlot, err := ep.RecvInt32()
	if err != nil {
		return atomic.Step{}, err
	}
	arc, err := ep.RecvChars()
	if err != nil {
		return atomic.Step{}, err
	}
	pathname, err := ep.RecvChars()
	if err != nil {
		return atomic.Step{}, err
	}
	index, err := ep.RecvInt64()
	if err != nil {
		return atomic.Step{}, err
	}
	dupe, err := ep.RecvInt32()
	if err != nil {
		return atomic.Step{}, err
	}
	master, err := ep.RecvBool()
	if err != nil {
		return atomic.Step{}, err
	}
	attribName, err := ep.RecvChars()
	if err != nil {
		return atomic.Step{}, err
	}
	attribValue, err := ep.RecvChars()
	if err != nil {
		return atomic.Step{}, err
	}
	timestamp, err := ep.RecvInt64()
	if err != nil {
		return atomic.Step{}, err
	}
	threshold, err := ep.RecvInt64()
	if err != nil {
		return atomic.Step{}, err
	}
	expectMaster, err := ep.RecvBool()
	if err != nil {
		return atomic.Step{}, err
	}
	class, err := ep.RecvInt32()
	if err != nil {
		return atomic.Step{}, err
	}
	target1, err := ep.RecvInt32()
	if err != nil {
		return atomic.Step{}, err
	}
	target2, err := ep.RecvInt32()
	if err != nil {
		return atomic.Step{}, err
	}
	okReplace, err := ep.RecvInt32()
	if err != nil {
		return atomic.Step{}, err
	}

	return atomic.Step{
		Kind:         atomicKindOf(kind),
		TargetSlot:   int(targetSlot),
		ResultSlot:   int(resultSlot),
		Arc:          arc,
		Pathname:     pathname,
		Index:        uint64(index),
		DupeCheck:    source.DupeCheck(dupe),
		Master:       master,
		AttribName:   attribName,
		AttribValue:  attribValue,
		Timestamp:    timestamp,
		Threshold:    threshold,
		ExpectMaster: expectMaster,
		Class:        access.Class(class),
		Target1:      source.ErrCode(target1),
		Target2:      source.ErrCode(target2),
		OKReplace:    source.ErrCode(okReplace),
	}, nil
}

// atomicKindOf maps the wire-level AtomicXxx ProcID of one step to the
// in-process atomic.StepKind it drives.
func atomicKindOf(p ProcID) atomic.StepKind {
	switch p {
	case ProcAtomicTarget:
		return atomic.SetTarget
	case ProcAtomicDeclare:
		return atomic.Declare
	case ProcAtomicResync:
		return atomic.Resync
	case ProcAtomicTestMaster:
		return atomic.TestMaster
	case ProcAtomicSetMaster:
		return atomic.SetMaster
	case ProcAtomicAccessCheck:
		return atomic.AccessCheck
	case ProcAtomicTypeCheck:
		return atomic.TypeCheck
	case ProcAtomicMergeAttrib:
		return atomic.MergeAttrib
	default:
		return atomic.Lookup
	}
}
