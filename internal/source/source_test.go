package source

import "testing"

// TestOpenInsertList exercises insert-then-list for a directory and its
// freshly inserted file child.
func TestOpenInsertList(t *testing.T) {
	tree := NewTree()
	root := tree.Root()

	foo, err := tree.InsertAppendableDirectory(root, "foo", true, DontReplace)
	if err != nil {
		t.Fatalf("insert foo: %v", err)
	}

	_, err = tree.InsertFile(foo, "bar", true, DontReplace, 0x00001000)
	if err != nil {
		t.Fatalf("insert bar: %v", err)
	}

	var rootEntries []Entry
	if err := tree.List(root, 0, false, func(e Entry) bool {
		rootEntries = append(rootEntries, e)
		return true
	}); err != nil {
		t.Fatalf("list root: %v", err)
	}
	if len(rootEntries) != 1 || rootEntries[0].Arc != "foo" || rootEntries[0].Type != AppendableDirectory {
		t.Fatalf("list root = %+v, want [{foo appendableDirectory}]", rootEntries)
	}

	var fooEntries []Entry
	if err := tree.List(foo, 0, false, func(e Entry) bool {
		fooEntries = append(fooEntries, e)
		return true
	}); err != nil {
		t.Fatalf("list foo: %v", err)
	}
	if len(fooEntries) != 1 || fooEntries[0].Arc != "bar" || fooEntries[0].Type != ImmutableFile || fooEntries[0].ShortId != 0x00001000 {
		t.Fatalf("list foo = %+v", fooEntries)
	}
}

// TestInsertThenLookupSameLongId checks that a lookup immediately after
// insert returns the same LongId the insert produced.
func TestInsertThenLookupSameLongId(t *testing.T) {
	tree := NewTree()
	root := tree.Root()

	inserted, err := tree.InsertStub(root, "s", true, DontReplace)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	looked, err := tree.Lookup(root, "s")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if looked.LongId != inserted.LongId {
		t.Fatalf("lookup LongId %x != insert LongId %x", looked.LongId, inserted.LongId)
	}
}

// TestMakeMutablePreservesLongId checks that makeMutable keeps the LongId
// of the object it converts.
func TestMakeMutablePreservesLongId(t *testing.T) {
	tree := NewTree()
	root := tree.Root()

	f, err := tree.InsertFile(root, "f", true, DontReplace, 7)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	mutable, err := tree.MakeMutable(f, 0, 0)
	if err != nil {
		t.Fatalf("makeMutable: %v", err)
	}
	if mutable.LongId != f.LongId {
		t.Fatalf("makeMutable changed LongId: %x != %x", mutable.LongId, f.LongId)
	}
	if mutable.Type != MutableFile {
		t.Fatalf("makeMutable type = %v, want mutableFile", mutable.Type)
	}
}

func TestReallyDeleteLeavesGhostAndNeverReusesIndex(t *testing.T) {
	tree := NewTree()
	root := tree.Root()

	_, err := tree.InsertStub(root, "a", true, DontReplace)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.ReallyDelete(root, "a", true); err != nil {
		t.Fatalf("reallyDelete: %v", err)
	}

	if _, err := tree.Lookup(root, "a"); err == nil {
		t.Fatalf("lookup of deleted arc should fail")
	}

	if err := tree.ReallyDelete(root, "missing", true); err == nil {
		t.Fatalf("reallyDelete with existCheck on missing arc should error")
	}
}

func TestRenameToRequiresMaster(t *testing.T) {
	tree := NewTree()
	root := tree.Root()

	dir, err := tree.InsertAppendableDirectory(root, "d", true, DontReplace)
	if err != nil {
		t.Fatal(err)
	}
	_, err = tree.InsertFile(dir, "f", false, DontReplace, 1)
	if err != nil {
		t.Fatal(err)
	}

	if rerr := tree.RenameTo(dir, "f", dir, "g"); rerr == nil || rerr.Code != NotMaster {
		t.Fatalf("renameTo non-master file should fail with notMaster, got %v", rerr)
	}
}

func TestMeasureDirectoryAfterCollapse(t *testing.T) {
	tree := NewTree()
	root := tree.Root()

	dir, err := tree.InsertAppendableDirectory(root, "d", true, DontReplace)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.InsertFile(dir, "a", true, DontReplace, 1); err != nil {
		t.Fatal(err)
	}

	mutableDir, err := tree.MakeMutable(dir, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.InsertFile(mutableDir, "b", true, DontReplace, 2); err != nil {
		t.Fatal(err)
	}

	before, err := tree.MeasureDirectory(mutableDir)
	if err != nil {
		t.Fatal(err)
	}
	if before.BaseChainLength != 2 {
		t.Fatalf("BaseChainLength = %d, want 2", before.BaseChainLength)
	}

	if err := tree.CollapseBase(mutableDir); err != nil {
		t.Fatal(err)
	}
	after, err := tree.MeasureDirectory(mutableDir)
	if err != nil {
		t.Fatal(err)
	}
	if after.BaseChainLength != 1 {
		t.Fatalf("BaseChainLength after collapse = %d, want 1", after.BaseChainLength)
	}
	if after.UsedEntryCount != before.UsedEntryCount {
		t.Fatalf("collapse changed used entry count: %d != %d", after.UsedEntryCount, before.UsedEntryCount)
	}
}
