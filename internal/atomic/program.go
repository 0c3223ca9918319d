// Package atomic implements the atomic interpreter: a client-composed,
// straight-line program of Source operations that the server executes
// under a single write-lock acquisition with commit-on-progress semantics
// (no rollback).
package atomic

import (
	"github.com/vesta-scm/repos/internal/access"
	"github.com/vesta-scm/repos/internal/attrib"
	"github.com/vesta-scm/repos/internal/source"
)

// StepKind enumerates the interpreter's step vocabulary. New step kinds
// should extend the enum rather than reuse a retired slot number, since a
// program's wire encoding is just the numeric kind.
type StepKind int

const (
	SetTarget StepKind = iota
	Declare
	Resync
	SetTimestamp
	Lookup
	LookupPathname
	LookupIndex
	ReallyDelete
	InsertFile
	InsertMutableFile
	InsertImmutableDirectory
	InsertAppendableDirectory
	InsertMutableDirectory
	InsertGhost
	InsertStub
	RenameTo
	MakeFilesImmutable
	TestMaster
	SetMaster
	InAttribs
	WriteAttrib
	MergeAttrib
	AccessCheck
	TypeCheck

	_reservedObsolete10 // historical slot reserved, never reused
	_reservedObsolete11
)

// Step is one instruction in a program. Only the fields relevant to Kind
// are meaningful; this mirrors minimega's convention (internal/ron.Command)
// of a single wide struct carrying every step shape rather than a
// discriminated-union-per-kind, since steps serialize
// directly off the wire one at a time.
type Step struct {
	Kind StepKind

	// slot indices, for steps that read/bind program variables (Declare,
	// and every step taking a "target" or "result" slot).
	TargetSlot int
	ResultSlot int

	Arc       string
	Pathname  string
	Index     uint64
	DupeCheck source.DupeCheck
	Master    bool

	AttribName  string
	AttribValue string
	Timestamp   int64

	Threshold int64

	ExpectMaster bool

	Class     access.Class
	Target1   source.ErrCode
	Target2   source.ErrCode
	OKReplace source.ErrCode
}

// Program is the client-built, then server-executed, sequence of steps.
type Program struct {
	steps []Step
}

// New returns an empty program.
func New() *Program { return &Program{} }

// Append adds a step. A real transport serializes each step's arguments
// onto the open RPC immediately as it's appended; here it simply appends,
// since the wire encoding is the concern of internal/srpc and
// internal/surrogate.
func (p *Program) Append(s Step) { p.steps = append(p.steps, s) }

// Result is the server's response to running a program.
type Result struct {
	StepsDone int
	LastError source.ErrCode
	OKReplace source.ErrCode
	Success   bool
}

// Executor holds the per-execution state the server maintains while
// running a Program: a program counter, Source variable slots, and a
// sampled "now" shared by every defaulted-timestamp step.
type Executor struct {
	tree     *source.Tree
	engine   *attrib.Engine
	checker  *access.Checker
	identity access.Identity

	slots []source.Source
	now   int64
}

// NewExecutor returns an Executor bound to the given tree, attribute
// engine, access checker, and caller identity. now is sampled once, before
// any step runs.
func NewExecutor(tree *source.Tree, engine *attrib.Engine, checker *access.Checker, identity access.Identity) *Executor {
	return &Executor{
		tree:     tree,
		engine:   engine,
		checker:  checker,
		identity: identity,
		now:      engine.SampleNow(),
	}
}

func (e *Executor) slot(i int) source.Source {
	if i < 0 || i >= len(e.slots) {
		return source.Source{}
	}
	return e.slots[i]
}

func (e *Executor) setSlot(i int, s source.Source) {
	for len(e.slots) <= i {
		e.slots = append(e.slots, source.Source{})
	}
	e.slots[i] = s
}

// Run executes p under the tree's stable-namespace write lock, exclusive
// for the program's duration. Execution halts at the first step whose
// resulting error code is neither Target1 nor Target2; steps already
// executed are committed -- there is no rollback.
func (e *Executor) Run(p *Program) Result {
	e.tree.StableLock.Lock()
	defer e.tree.StableLock.Unlock()

	var last source.ErrCode = source.OK
	var okReplace source.ErrCode = source.OK
	done := 0

	for _, step := range p.steps {
		code := e.execStep(step)
		if countsTowardStepsDone(step.Kind) {
			done++
		}
		last = code
		okReplace = step.OKReplace

		if code == step.Target1 || code == step.Target2 {
			continue
		}
		break
	}

	success := last == okReplace || last == source.OK
	return Result{StepsDone: done, LastError: last, OKReplace: okReplace, Success: success}
}

// Cancel discards an accumulated-but-not-yet-run program. Since Program is
// purely client-side accumulated state in this implementation (the step
// list only reaches the server inside Run), Cancel has nothing server-side
// to undo; it exists so callers can still ask the server to discard a
// pending program.
func (e *Executor) Cancel(p *Program) {
	p.steps = nil
}

// countsTowardStepsDone reports whether a step kind counts toward the
// response's steps_done tally. Pure binding/bookkeeping steps (declare,
// resync, set-timestamp, set-target) establish program state but are not
// themselves namespace operations and are excluded from the count.
func countsTowardStepsDone(k StepKind) bool {
	switch k {
	case Declare, Resync, SetTimestamp, SetTarget:
		return false
	default:
		return true
	}
}

func (e *Executor) execStep(s Step) source.ErrCode {
	switch s.Kind {
	case Declare:
		// binds a variable slot for later steps to reference; it never
		// clobbers a slot the caller (or an earlier step) already
		// populated, it only grows the slot table to make the index
		// addressable.
		if s.ResultSlot >= len(e.slots) {
			e.setSlot(s.ResultSlot, source.Source{})
		}
		return source.OK

	case Resync:
		// a no-op against this in-process tree: the slot already reflects
		// the live Node. Kept as an explicit step so programs that were
		// recorded against a surrogate (which does cache stat data) still
		// serialize identically.
		return source.OK

	case SetTimestamp:
		e.now = e.engine.Stamp(s.Timestamp)
		return source.OK

	case Lookup:
		dir := e.slot(s.TargetSlot)
		child, err := e.tree.Lookup(dir, s.Arc)
		if err != nil {
			return err.Code
		}
		e.setSlot(s.ResultSlot, child)
		return source.OK

	case LookupPathname:
		dir := e.slot(s.TargetSlot)
		child, err := e.tree.LookupPathname(dir, s.Pathname)
		if err != nil {
			return err.Code
		}
		e.setSlot(s.ResultSlot, child)
		return source.OK

	case LookupIndex:
		dir := e.slot(s.TargetSlot)
		child, _, err := e.tree.LookupIndex(dir, s.Index)
		if err != nil {
			return err.Code
		}
		e.setSlot(s.ResultSlot, child)
		return source.OK

	case ReallyDelete:
		dir := e.slot(s.TargetSlot)
		if err := e.tree.ReallyDelete(dir, s.Arc, true); err != nil {
			return err.Code
		}
		return source.OK

	case InsertFile, InsertMutableFile, InsertImmutableDirectory,
		InsertAppendableDirectory, InsertMutableDirectory, InsertGhost, InsertStub:
		dir := e.slot(s.TargetSlot)
		var child source.Source
		var err *source.Error
		switch s.Kind {
		case InsertFile:
			child, err = e.tree.InsertFile(dir, s.Arc, s.Master, s.DupeCheck, 0)
		case InsertMutableFile:
			child, err = e.tree.InsertMutableFile(dir, s.Arc, s.Master, s.DupeCheck, 0)
		case InsertImmutableDirectory:
			child, err = e.tree.InsertImmutableDirectory(dir, s.Arc, s.Master, s.DupeCheck)
		case InsertAppendableDirectory:
			child, err = e.tree.InsertAppendableDirectory(dir, s.Arc, s.Master, s.DupeCheck)
		case InsertMutableDirectory:
			child, err = e.tree.InsertMutableDirectory(dir, s.Arc, s.Master, s.DupeCheck)
		case InsertGhost:
			child, err = e.tree.InsertGhost(dir, s.Arc, s.Master, s.DupeCheck)
		case InsertStub:
			child, err = e.tree.InsertStub(dir, s.Arc, s.Master, s.DupeCheck)
		}
		if err != nil {
			return err.Code
		}
		e.setSlot(s.ResultSlot, child)
		return source.OK

	case RenameTo:
		from := e.slot(s.TargetSlot)
		to := e.slot(s.ResultSlot)
		if err := e.tree.RenameTo(from, s.AttribName, to, s.Arc); err != nil {
			return err.Code
		}
		return source.OK

	case MakeFilesImmutable:
		dir := e.slot(s.TargetSlot)
		if err := e.tree.MakeFilesImmutable(dir, s.Threshold, defaultFingerprint); err != nil {
			return err.Code
		}
		return source.OK

	case TestMaster:
		target := e.slot(s.TargetSlot)
		if target.Master != s.ExpectMaster {
			return source.NotMaster
		}
		return source.OK

	case SetMaster:
		target := e.slot(s.TargetSlot)
		if err := e.tree.SetMaster(target, s.Master); err != nil {
			return err.Code
		}
		return source.OK

	case InAttribs:
		target := e.slot(s.TargetSlot)
		if !target.Attribs().InAttribs(s.AttribName, s.AttribValue) {
			return source.NotFound
		}
		return source.OK

	case WriteAttrib:
		target := e.slot(s.TargetSlot)
		if !e.checker.Check(e.identity, access.Agreement, target.ACL(), "") {
			return source.NoPermission
		}
		e.engine.Write(target.Attribs(), toAttribOp(s), s.AttribName, s.AttribValue, e.now)
		return source.OK

	case MergeAttrib:
		dst := e.slot(s.TargetSlot)
		src := e.slot(s.ResultSlot)
		source.MergeAttribs(dst, src, s.AttribName)
		return source.OK

	case AccessCheck:
		target := e.slot(s.TargetSlot)
		if !e.checker.Check(e.identity, s.Class, target.ACL(), s.AttribValue) {
			return source.NoPermission
		}
		return source.OK

	case TypeCheck:
		target := e.slot(s.TargetSlot)
		if int(target.Type) != int(s.Index) {
			return source.InappropriateOp
		}
		return source.OK

	case SetTarget:
		// reselects TargetSlot to point at ResultSlot's current value,
		// used by programs that build up a working variable across steps.
		e.setSlot(s.TargetSlot, e.slot(s.ResultSlot))
		return source.OK

	default:
		return source.InvalidArgs
	}
}

// toAttribOp maps a WriteAttrib step's intent onto the attrib package's Op.
// Which operation a WriteAttrib step performs is carried in the Index
// field to avoid adding a parallel enum solely for wire purposes.
func toAttribOp(s Step) attrib.Op {
	switch s.Index {
	case 1:
		return attrib.Clear
	case 2:
		return attrib.Add
	case 3:
		return attrib.Remove
	default:
		return attrib.Set
	}
}

func defaultFingerprint(content []byte) source.FP {
	var fp source.FP
	var h uint64 = 1469598103934665603
	for _, b := range content {
		h ^= uint64(b)
		h *= 1099511628211
	}
	for i := 0; i < 8; i++ {
		fp[i] = byte(h >> (8 * i))
		fp[i+8] = byte(h >> (8 * i))
	}
	return fp
}
