package attrib

import "testing"

func fold(h *History) map[string]map[string]bool { return h.Fold() }

func TestFoldSetClearAddRemove(t *testing.T) {
	h := New()
	h.Append(Record{Op: Set, Name: "k", Value: "x", Timestamp: 10})
	h.Append(Record{Op: Add, Name: "k", Value: "y", Timestamp: 11})
	f := fold(h)
	if !f["k"]["x"] || !f["k"]["y"] {
		t.Fatalf("fold = %v, want {x,y}", f["k"])
	}

	h.Append(Record{Op: Remove, Name: "k", Value: "x", Timestamp: 12})
	f = fold(h)
	if f["k"]["x"] {
		t.Fatalf("remove did not take effect: %v", f["k"])
	}

	h.Append(Record{Op: Clear, Name: "k", Value: "", Timestamp: 13})
	f = fold(h)
	if len(f["k"]) != 0 {
		t.Fatalf("clear did not empty set: %v", f["k"])
	}
}

// TestAttributeMerge mirrors merging a source history's records for one
// attribute name into a destination history that already has newer
// records for that name.
func TestAttributeMerge(t *testing.T) {
	a := New()
	a.Append(Record{Op: Set, Name: "k", Value: "x", Timestamp: 10})

	b := New()
	b.Append(Record{Op: Add, Name: "k", Value: "y", Timestamp: 5})
	b.Append(Record{Op: Remove, Name: "k", Value: "x", Timestamp: 15})

	MergeName(b, a, "k")

	// Merged and sorted by timestamp: Add(y,5), Set(x,10), Remove(x,15).
	// The `set` at t=10 replaces the whole value set, then Remove(x,15)
	// empties it again -- the fold ends up empty for "k".
	got := b.GetAttribValues("k")
	if len(got) != 0 {
		t.Fatalf("F(B)(k) = %v, want []", got)
	}
}

// TestCompactPreservesEquivalence checks that for any future operation
// sequence L, folding H union L equals folding compact(H) union L.
func TestCompactPreservesEquivalence(t *testing.T) {
	h := New()
	h.Append(Record{Op: Add, Name: "k", Value: "a", Timestamp: 1})
	h.Append(Record{Op: Clear, Name: "k", Value: "", Timestamp: 2})
	h.Append(Record{Op: Set, Name: "k", Value: "b", Timestamp: 5})

	compacted := h.Compact()

	future := []Record{{Op: Add, Name: "k", Value: "c", Timestamp: 6}}

	h2 := New()
	for _, r := range h.Records() {
		h2.Append(r)
	}
	for _, r := range future {
		h2.Append(r)
	}

	c2 := New()
	for _, r := range compacted.Records() {
		c2.Append(r)
	}
	for _, r := range future {
		c2.Append(r)
	}

	f1 := h2.GetAttribValues("k")
	f2 := c2.GetAttribValues("k")
	if len(f1) != len(f2) {
		t.Fatalf("fold mismatch after compaction: %v vs %v", f1, f2)
	}
	for i := range f1 {
		if f1[i] != f2[i] {
			t.Fatalf("fold mismatch after compaction: %v vs %v", f1, f2)
		}
	}
}

func TestEngineTimestampNudge(t *testing.T) {
	fixed := int64(100)
	e := NewEngine(func() int64 { return fixed })

	h := New()
	t1 := e.Write(h, Set, "k", "v1", 0)
	t2 := e.Write(h, Set, "k", "v2", 0)
	if t2 <= t1 {
		t.Fatalf("second stamped timestamp %d did not advance past %d", t2, t1)
	}
}
