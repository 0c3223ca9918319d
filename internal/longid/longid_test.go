package longid

import "testing"

func TestAppendGetParentRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 200, 300, 1 << 20}
	for _, i := range cases {
		child, err := Append(Mutable, i)
		if err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
		parent, idx, err := GetParent(child)
		if err != nil {
			t.Fatalf("GetParent: %v", err)
		}
		if parent != Mutable {
			t.Errorf("Append(%d).GetParent parent = %x, want %x", i, parent, Mutable)
		}
		if idx != i {
			t.Errorf("Append(%d).GetParent index = %d, want %d", i, idx, i)
		}
	}
}

func TestAppendVarintEncoding(t *testing.T) {
	// parent Mutable root, i=200: low 7 bits 0x48 with the continuation bit
	// set (0xC8) since a second group follows, then the terminal group 0x01.
	child, err := Append(Mutable, 200)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x01, 0xC8, 0x01}
	if child[0] != want[0] || child[1] != want[1] || child[2] != want[2] || child[3] != want[3] {
		t.Errorf("Append(Mutable, 200) = % x, want prefix % x", child[:4], want)
	}
}

func TestIsAncestorOf(t *testing.T) {
	for _, i := range []uint64{1, 2, 3} {
		child, err := Append(Mutable, i)
		if err != nil {
			t.Fatal(err)
		}
		if !Mutable.IsAncestorOf(child) {
			t.Errorf("Mutable.IsAncestorOf(append(Mutable, %d)) = false, want true", i)
		}
	}
}

func TestShortIdFileFingerprintMustMatch(t *testing.T) {
	var fp1, fp2 [16]byte
	fp1[0] = 1
	fp2[0] = 2

	a := FromShortIdFile(1, fp1)
	b := FromShortIdFile(1, fp2)
	parent := FromShortIdDir(1)

	if parent.IsAncestorOf(a) {
		t.Errorf("shortid-dir should not be treated as ancestor of shortid-file")
	}
	if a.IsAncestorOf(b) {
		t.Errorf("IsAncestorOf must compare fingerprint literal bytes exactly")
	}
}

func TestLengthFixedForms(t *testing.T) {
	d := FromShortIdDir(42)
	if got := Length(d); got != shortIdDirLen {
		t.Errorf("Length(shortid-dir) = %d, want %d", got, shortIdDirLen)
	}

	var fp [16]byte
	f := FromShortIdFile(42, fp)
	if got := Length(f); got != shortIdFileLen {
		t.Errorf("Length(shortid-file) = %d, want %d", got, shortIdFileLen)
	}
}

func TestAppendOverflow(t *testing.T) {
	id := Mutable
	var err error
	for n := 0; n < Size*2; n++ {
		id, err = Append(id, 1<<20)
		if err != nil {
			return
		}
	}
	t.Fatalf("expected ErrOverflow after filling 32 bytes")
}
