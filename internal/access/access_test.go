package access

import "testing"

func setup() (*Checker, *Table) {
	table := NewTable()
	table.Refresh(
		map[int32]string{1: "alice@vesta", 2: "bob@vesta", 0: "root@vesta"},
		map[string]map[string]bool{"wheel": {"root@vesta": true}},
	)
	cfg := Config{Realm: "vesta", AdminUser: "root", RestrictDelete: false}
	return NewChecker(cfg, table), table
}

func TestAdminBypassesOwnership(t *testing.T) {
	c, _ := setup()
	rec := Record{Owner: "alice@vesta", Mode: 0}

	admin := Identity{Flavor: Unix, UID: 0}
	if !c.Check(admin, Ownership, rec, "") {
		t.Fatalf("admin should always pass ownership check")
	}
}

func TestOwnerReadWithoutModeBitsDenied(t *testing.T) {
	c, _ := setup()
	rec := Record{Owner: "alice@vesta", Mode: 0}
	owner := Identity{Flavor: Unix, UID: 1}
	if c.Check(owner, Read, rec, "") {
		t.Fatalf("owner without read bit set should be denied")
	}
}

func TestOwnerReadWithModeBitSet(t *testing.T) {
	c, _ := setup()
	rec := Record{Owner: "alice@vesta", Mode: modeOwnerRead}
	owner := Identity{Flavor: Unix, UID: 1}
	if !c.Check(owner, Read, rec, "") {
		t.Fatalf("owner with read bit set should be allowed")
	}

	stranger := Identity{Flavor: Unix, UID: 2}
	if c.Check(stranger, Read, rec, "") {
		t.Fatalf("stranger should not inherit owner's read bit")
	}
}

func TestIdentityEquality(t *testing.T) {
	a := Identity{Flavor: Global, Username: "alice@vesta"}
	b := Identity{Flavor: Global, Username: "alice@vesta"}
	c := Identity{Flavor: Global, Username: "bob@vesta"}
	if !a.Equal(b) {
		t.Fatal("identical global identities should be equal")
	}
	if a.Equal(c) {
		t.Fatal("distinct global identities should not be equal")
	}
}

func TestQualifyRealm(t *testing.T) {
	if got := QualifyRealm("alice", "vesta"); got != "alice@vesta" {
		t.Fatalf("QualifyRealm = %q, want alice@vesta", got)
	}
	if got := QualifyRealm("alice@other", "vesta"); got != "alice@other" {
		t.Fatalf("QualifyRealm should not requalify an already-qualified name, got %q", got)
	}
}
