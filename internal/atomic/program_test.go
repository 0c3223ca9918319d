package atomic

import (
	"testing"

	"github.com/vesta-scm/repos/internal/access"
	"github.com/vesta-scm/repos/internal/attrib"
	"github.com/vesta-scm/repos/internal/source"
)

func newExecutor(tree *source.Tree) *Executor {
	table := access.NewTable()
	table.Refresh(map[int32]string{0: "root@vesta"}, nil)
	checker := access.NewChecker(access.Config{Realm: "vesta", AdminUser: "root"}, table)
	engine := attrib.NewEngine(func() int64 { return 1000 })
	return NewExecutor(tree, engine, checker, access.Identity{Flavor: access.Unix, UID: 0})
}

// TestCommitOnProgress mirrors a three-step program (declare root,
// insertStub, testMaster(false)) on a fresh tree halting at the third step
// with notMaster while the stub persists from the step that did commit.
func TestCommitOnProgress(t *testing.T) {
	tree := source.NewTree()
	ex := newExecutor(tree)

	// Slot 0 is bound to root via a Declare step -- a bookkeeping bind
	// that does not count toward steps_done. The root value itself is
	// seeded directly below, the way a server would initialize slot 0
	// from the caller's set-target before the program runs.
	p2 := New()
	p2.Append(Step{Kind: Declare, ResultSlot: 0})
	p2.Append(Step{Kind: InsertStub, TargetSlot: 0, ResultSlot: 3, Arc: "s", Master: true,
		Target1: source.OK})
	p2.Append(Step{Kind: TestMaster, TargetSlot: 3, ExpectMaster: false,
		Target1: source.OK})

	ex.setSlot(0, tree.Root())
	res := ex.Run(p2)

	if res.StepsDone != 2 {
		t.Fatalf("StepsDone = %d, want 2 (the declare step is a bookkeeping bind, not counted)", res.StepsDone)
	}
	if res.LastError != source.NotMaster {
		t.Fatalf("LastError = %v, want notMaster", res.LastError)
	}

	root := tree.Root()
	if _, err := tree.Lookup(root, "s"); err != nil {
		t.Fatalf("stub should exist after halt (commit on progress), lookup failed: %v", err)
	}
}

func TestWriteAttribRequiresAgreement(t *testing.T) {
	tree := source.NewTree()
	ex := newExecutor(tree)

	root := tree.Root()
	stub, err := tree.InsertStub(root, "s", true, source.DontReplace)
	if err != nil {
		t.Fatal(err)
	}
	ex.setSlot(0, stub)

	p := New()
	p.Append(Step{Kind: WriteAttrib, TargetSlot: 0, AttribName: "k", AttribValue: "v", Target1: source.OK})
	res := ex.Run(p)
	if !res.Success {
		t.Fatalf("admin identity should be able to write attributes, got %+v", res)
	}

	if got, ok := stub.Attribs().GetAttrib("k"); !ok || got != "v" {
		t.Fatalf("attribute not recorded: %v %v", got, ok)
	}
}
