package source

import (
	"strings"

	"github.com/vesta-scm/repos/internal/attrib"
	"github.com/vesta-scm/repos/internal/longid"
)

// MaxArc is the maximum length, in bytes, of a single path component
// (GLOSSARY "Arc").
const MaxArc = 255

func validArc(arc string) bool {
	if arc == "" || len(arc) > MaxArc {
		return false
	}
	return !strings.ContainsAny(arc, "/\x00")
}

// lookupLocked finds arc in dir's delta chain: the dir's own entries shadow
// its base's, and a ghosted arc is never resurrected from an older base.
func lookupLocked(dir *Node, arc string) (*dirEntry, bool) {
	for d := dir; d != nil; d = d.base {
		if d.deleted[arc] {
			return nil, false
		}
		if e, ok := d.entries[arc]; ok {
			return e, true
		}
	}
	return nil, false
}

// Lookup implements the `lookup` operation.
func (t *Tree) Lookup(dir Source, arc string) (Source, *Error) {
	if !validArc(arc) {
		return Source{}, NewError(InvalidArgs, "lookup")
	}
	n := dir.node
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.typ.IsDirectory() {
		return Source{}, NewError(NotADirectory, "lookup")
	}
	e, ok := lookupLocked(n, arc)
	if !ok {
		return Source{}, NewError(NotFound, "lookup")
	}
	return snapshot(e.child), nil
}

// LookupPathname implements `lookupPathname`: a `/`-separated chain of
// Lookup calls starting from dir.
func (t *Tree) LookupPathname(dir Source, pathname string) (Source, *Error) {
	cur := dir
	for _, arc := range strings.Split(pathname, "/") {
		if arc == "" {
			continue
		}
		if len(arc) > MaxArc {
			return Source{}, NewError(NameTooLong, "lookupPathname")
		}
		next, err := t.Lookup(cur, arc)
		if err != nil {
			return Source{}, err
		}
		cur = next
	}
	return cur, nil
}

// LookupIndex implements `lookupIndex`: find the child at a raw index and
// return it along with its arc.
func (t *Tree) LookupIndex(dir Source, index uint64) (Source, string, *Error) {
	n := dir.node
	n.mu.RLock()
	defer n.mu.RUnlock()
	for d := n; d != nil; d = d.base {
		for _, e := range d.entries {
			if e.index == index && !n.isGhostedFromNewer(e.arc, d) {
				return snapshot(e.child), e.arc, nil
			}
		}
	}
	return Source{}, "", NewError(NotFound, "lookupIndex")
}

// isGhostedFromNewer reports whether arc was deleted in any delta layer
// strictly newer than from (i.e. closer to n itself), which would shadow
// the entry found in an older base.
func (n *Node) isGhostedFromNewer(arc string, from *Node) bool {
	for d := n; d != from; d = d.base {
		if d == nil {
			break
		}
		if d.deleted[arc] {
			return true
		}
	}
	return false
}

// Entry describes one child for List's streamed results.
type Entry struct {
	Arc         string
	Type        Type
	Index       uint64
	PseudoInode uint32
	ShortId     ShortId
	Master      bool
}

// List streams (arc, type, index, pseudoInode, sid, master) tuples for dir
// starting at firstIndex, per the `list` operation and chunking contract.
// deltaOnly restricts the walk to dir's own delta layer (used by
// measureDirectory-style tooling, not by ordinary listing).
func (t *Tree) List(dir Source, firstIndex uint64, deltaOnly bool, cb func(Entry) bool) *Error {
	n := dir.node
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.typ.IsDirectory() {
		return NewError(InappropriateOp, "list")
	}

	seen := make(map[string]bool)
	layers := []*Node{n}
	if !deltaOnly {
		for d := n.base; d != nil; d = d.base {
			layers = append(layers, d)
		}
	}

	type indexed struct {
		Entry
	}
	var all []indexed
	for _, d := range layers {
		for arc, e := range d.entries {
			if seen[arc] {
				continue
			}
			seen[arc] = true
			if n.isGhostedFromNewer(arc, d) {
				continue
			}
			if e.index < firstIndex {
				continue
			}
			all = append(all, indexed{Entry{
				Arc:         arc,
				Type:        e.child.typ,
				Index:       e.index,
				PseudoInode: e.child.inode,
				ShortId:     e.child.sid,
				Master:      e.child.master,
			}})
		}
	}

	// stable order by index so chunked continuation (lastIndex+2) is
	// well-defined.
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].Index < all[i].Index {
				all[i], all[j] = all[j], all[i]
			}
		}
	}

	for _, e := range all {
		if !cb(e.Entry) {
			break
		}
	}
	return nil
}

// insert is the shared implementation behind every InsertX operation.
func (t *Tree) insert(dir Source, arc string, typ Type, master bool, dupe DupeCheck, sid ShortId, fptag FP) (Source, *Error) {
	if !validArc(arc) {
		return Source{}, NewError(InvalidArgs, "insert")
	}
	n := dir.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.typ.IsDirectory() {
		return Source{}, NewError(InappropriateOp, "insert")
	}
	if n.typ == ImmutableDirectory {
		return Source{}, NewError(InappropriateOp, "insert")
	}

	if existing, ok := lookupLocked(n, arc); ok {
		switch dupe {
		case DontReplace:
			return Source{}, NewError(NameInUse, "insert")
		case ReplaceNonMaster:
			if existing.child.master {
				return Source{}, NewError(NameInUse, "insert")
			}
		case ReplaceDiff:
			if existing.child.typ == typ {
				return Source{}, NewError(NameInUse, "insert")
			}
		}
		delete(n.entries, arc)
	}

	idx := n.nextIndex()
	child := &Node{
		typ:    typ,
		master: master,
		attrs:  attrib.New(),
		sid:    sid,
		fptag:  fptag,
	}
	if typ.IsDirectory() {
		child.entries = make(map[string]*dirEntry)
		child.deleted = make(map[string]bool)
	}

	parentID := n.id
	cid, err := longid.Append(parentID, idx)
	if err != nil {
		return Source{}, NewError(LongIdOverflow, "insert")
	}
	child.id = cid
	child.inode = pseudoInode(cid, sid, typ.IsDirectory(), 0)

	n.entries[arc] = &dirEntry{arc: arc, index: idx, child: child}
	delete(n.deleted, arc)
	t.index(child)

	if typ == ImmutableDirectory || typ == ImmutableFile {
		if sid != 0 {
			t.shortIdFiles[sid] = child
		}
	}

	return snapshot(child), nil
}

func (t *Tree) InsertFile(dir Source, arc string, master bool, dupe DupeCheck, sid ShortId) (Source, *Error) {
	return t.insert(dir, arc, ImmutableFile, master, dupe, sid, FP{})
}

func (t *Tree) InsertMutableFile(dir Source, arc string, master bool, dupe DupeCheck, sid ShortId) (Source, *Error) {
	return t.insert(dir, arc, MutableFile, master, dupe, sid, FP{})
}

func (t *Tree) InsertImmutableDirectory(dir Source, arc string, master bool, dupe DupeCheck) (Source, *Error) {
	return t.insert(dir, arc, ImmutableDirectory, master, dupe, 0, FP{})
}

func (t *Tree) InsertAppendableDirectory(dir Source, arc string, master bool, dupe DupeCheck) (Source, *Error) {
	return t.insert(dir, arc, AppendableDirectory, master, dupe, 0, FP{})
}

func (t *Tree) InsertMutableDirectory(dir Source, arc string, master bool, dupe DupeCheck) (Source, *Error) {
	return t.insert(dir, arc, MutableDirectory, master, dupe, 0, FP{})
}

func (t *Tree) InsertGhost(dir Source, arc string, master bool, dupe DupeCheck) (Source, *Error) {
	return t.insert(dir, arc, Ghost, master, dupe, 0, FP{})
}

func (t *Tree) InsertStub(dir Source, arc string, master bool, dupe DupeCheck) (Source, *Error) {
	return t.insert(dir, arc, Stub, master, dupe, 0, FP{})
}

// ReallyDelete implements `reallyDelete`: the arc is never physically
// freed, a ghost is left behind so indices are never reused.
func (t *Tree) ReallyDelete(dir Source, arc string, existCheck bool) *Error {
	n := dir.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.typ.IsDirectory() {
		return NewError(InappropriateOp, "reallyDelete")
	}
	e, ok := lookupLocked(n, arc)
	if !ok {
		if existCheck {
			return NewError(NotFound, "reallyDelete")
		}
		return nil
	}

	ghost := &Node{
		typ:    Ghost,
		id:     e.child.id,
		master: e.child.master,
		attrs:  attrib.New(),
	}
	n.entries[arc] = &dirEntry{arc: arc, index: e.index, child: ghost}
	n.deleted[arc] = true
	t.index(ghost)
	return nil
}

// RenameTo implements `renameTo`.
func (t *Tree) RenameTo(fromDir Source, fromArc string, toDir Source, toArc string) *Error {
	fn := fromDir.node
	tn := toDir.node

	if fn == tn {
		fn.mu.Lock()
		defer fn.mu.Unlock()
	} else {
		fn.mu.Lock()
		defer fn.mu.Unlock()
		tn.mu.Lock()
		defer tn.mu.Unlock()
	}

	if !fn.typ.IsDirectory() || !tn.typ.IsDirectory() {
		return NewError(InappropriateOp, "renameTo")
	}
	e, ok := lookupLocked(fn, fromArc)
	if !ok {
		return NewError(NotFound, "renameTo")
	}
	if !e.child.master {
		return NewError(NotMaster, "renameTo")
	}

	delete(fn.entries, fromArc)
	fn.deleted[fromArc] = true

	idx := tn.nextIndex()
	tn.entries[toArc] = &dirEntry{arc: toArc, index: idx, child: e.child}
	delete(tn.deleted, toArc)
	return nil
}

// MakeMutable implements `makeMutable` (invariant 6): returns a new
// Source keeping the same LongId but with a mutable type. The object is
// converted in place; an earlier Source for it keeps its old snapshot
// fields (such as Type).
func (t *Tree) MakeMutable(src Source, newSid ShortId, copyMax int64) (Source, *Error) {
	n := src.node
	n.mu.Lock()

	switch n.typ {
	case ImmutableFile:
		n.typ = MutableFile
		if newSid != 0 {
			n.sid = newSid
		}
	case ImmutableDirectory, AppendableDirectory:
		// copy-on-write: fork a new delta layer over the existing one as
		// base.
		base := &Node{
			typ:     n.typ,
			id:      n.id,
			master:  n.master,
			attrs:   n.attrs,
			entries: n.entries,
			deleted: n.deleted,
			base:    n.base,
		}
		n.typ = MutableDirectory
		n.base = base
		n.entries = make(map[string]*dirEntry)
		n.deleted = make(map[string]bool)
	default:
		n.mu.Unlock()
		return Source{}, NewError(InappropriateOp, "makeMutable")
	}
	n.mu.Unlock()
	return snapshot(n), nil
}

// copyToMutable converts src itself from an immutable to a mutable file in
// place; other types are left unchanged, and ancestor directories are not
// forked. Nothing in this package calls it: attribute writes apply directly
// to the node's own attribute history regardless of directory type, since
// History is independently addressable per-object.
func (t *Tree) copyToMutable(src Source) {
	n := src.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ == ImmutableFile {
		n.typ = MutableFile
	}
}

// SetMaster implements `setMaster`.
func (t *Tree) SetMaster(src Source, master bool) *Error {
	n := src.node
	n.mu.Lock()
	defer n.mu.Unlock()
	n.master = master
	return nil
}

// SetIndexMaster sets mastership on the child at a given index within dir.
func (t *Tree) SetIndexMaster(dir Source, index uint64, master bool) *Error {
	s, _, err := t.LookupIndex(dir, index)
	if err != nil {
		return err
	}
	return t.SetMaster(s, master)
}

// CedeMastership relinquishes mastership of src, equivalent to
// SetMaster(src, false) restricted to a node that is currently master.
func (t *Tree) CedeMastership(src Source) *Error {
	n := src.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.master {
		return NewError(NotMaster, "cedeMastership")
	}
	n.master = false
	return nil
}

// Read returns up to nbytes of content starting at offset, for a file
// Source.
func (t *Tree) Read(src Source, offset, nbytes int64) ([]byte, *Error) {
	n := src.node
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.typ.IsDirectory() {
		return nil, NewError(IsADirectory, "read")
	}
	if offset < 0 || offset > int64(len(n.content)) {
		return nil, nil
	}
	end := offset + nbytes
	if end > int64(len(n.content)) {
		end = int64(len(n.content))
	}
	out := make([]byte, end-offset)
	copy(out, n.content[offset:end])
	return out, nil
}

// Write stores content starting at offset for a mutable file Source.
func (t *Tree) Write(src Source, offset int64, data []byte) *Error {
	n := src.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ.IsDirectory() {
		return NewError(IsADirectory, "write")
	}
	if n.typ != MutableFile {
		return NewError(InappropriateOp, "write")
	}
	end := offset + int64(len(data))
	if end > int64(len(n.content)) {
		grown := make([]byte, end)
		copy(grown, n.content)
		n.content = grown
	}
	copy(n.content[offset:end], data)
	return nil
}

// Measurement is the result of `measureDirectory`.
type Measurement struct {
	BaseChainLength int
	UsedEntryCount  int
	UsedEntrySize   int64
	TotalEntryCount int
	TotalEntrySize  int64
}

// MeasureDirectory implements `measureDirectory`.
func (t *Tree) MeasureDirectory(dir Source) (Measurement, *Error) {
	n := dir.node
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.typ.IsDirectory() {
		return Measurement{}, NewError(InappropriateOp, "measureDirectory")
	}

	var m Measurement
	seen := make(map[string]bool)
	for d := n; d != nil; d = d.base {
		m.BaseChainLength++
		for arc, e := range d.entries {
			m.TotalEntryCount++
			m.TotalEntrySize += int64(len(e.child.content))
			if seen[arc] {
				continue
			}
			seen[arc] = true
			if n.isGhostedFromNewer(arc, d) {
				continue
			}
			m.UsedEntryCount++
			m.UsedEntrySize += int64(len(e.child.content))
		}
	}
	return m, nil
}

// GetBase returns the base layer underlying a directory delta, or the zero
// Source and false if dir has no base.
func (t *Tree) GetBase(dir Source) (Source, bool) {
	n := dir.node
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.base == nil {
		return Source{}, false
	}
	return snapshot(n.base), true
}

// CollapseBase implements `collapseBase`: fuses dir's delta with its
// base, flattening the chain by one layer.
func (t *Tree) CollapseBase(dir Source) *Error {
	n := dir.node
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.base == nil {
		return nil
	}

	merged := make(map[string]*dirEntry)
	mergedDeleted := make(map[string]bool)
	for arc, e := range n.base.entries {
		merged[arc] = e
	}
	for arc := range n.base.deleted {
		mergedDeleted[arc] = true
	}
	for arc, e := range n.entries {
		merged[arc] = e
	}
	for arc := range n.deleted {
		mergedDeleted[arc] = true
		delete(merged, arc)
	}

	n.entries = merged
	n.deleted = mergedDeleted
	n.base = n.base.base
	return nil
}

// MakeFilesImmutable implements `makeFilesImmutable(threshold)`: walks the
// tree rooted at dir (each directory's own delta layer; base layers are not
// visited), and assigns content-hash fingerprints to files smaller than
// threshold bytes, converting them to immutable files and recording them
// in the tree's short-id file table. A converted file keeps its LongId; it
// is not re-indexed under a short-id-file LongId. fingerprint computes the
// FP::Tag;
// it is injected so callers can pick a content-fingerprinting scheme
// (e.g. blake2b-128) without this package depending on a hashing library
// directly.
func (t *Tree) MakeFilesImmutable(dir Source, threshold int64, fingerprint func([]byte) FP) *Error {
	n := dir.node
	n.mu.Lock()
	if !n.typ.IsDirectory() {
		n.mu.Unlock()
		return NewError(InappropriateOp, "makeFilesImmutable")
	}
	children := make([]*Node, 0, len(n.entries))
	for _, e := range n.entries {
		children = append(children, e.child)
	}
	n.mu.Unlock()

	for _, c := range children {
		c.mu.Lock()
		if c.typ.IsDirectory() {
			c.mu.Unlock()
			t.MakeFilesImmutable(snapshot(c), threshold, fingerprint)
			continue
		}
		if (c.typ == MutableFile || c.typ == ImmutableFile) && int64(len(c.content)) < threshold {
			c.fptag = fingerprint(c.content)
			c.typ = ImmutableFile
			if c.sid == 0 {
				c.sid = t.allocShortId()
			}
			t.shortIdFiles[c.sid] = c
		}
		c.mu.Unlock()
	}
	return nil
}

// SetMasterRequest records (or clears, with an empty string) a pending
// cross-server mastership-transfer recovery marker on src. The marker is a
// field of src's node; it is not written as an attribute and does not
// appear in src's attribute history.
func (t *Tree) SetMasterRequest(src Source, sourceRepo string) {
	n := src.node
	n.mu.Lock()
	defer n.mu.Unlock()
	n.masterRequest = sourceRepo
}

// MasterRequest returns the pending mastership-transfer recovery marker on
// src, if any.
func (t *Tree) MasterRequest(src Source) (string, bool) {
	n := src.node
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.masterRequest, n.masterRequest != ""
}

// MergeAttribs merges src's history records for the attribute name into
// dst, used by the atomic interpreter's merge-attrib step.
func MergeAttribs(dst, src Source, name string) {
	attrib.MergeName(dst.node.attrs, src.node.attrs, name)
}
