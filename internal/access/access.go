// Package access implements repository access control: identities, mode
// bits, and permission-class checks.
package access

import (
	"fmt"
	"net"
	"strings"
	"sync"
)

// Flavor distinguishes the three identity variants.
type Flavor int

const (
	Unix Flavor = iota
	Global
	GSSAPI
)

// Identity is one of the three access-identity variants. Only the fields
// relevant to Flavor are meaningful.
type Identity struct {
	Flavor Flavor

	// unix
	Timestamp int64
	MachName  string
	UID       int32
	GID       int32
	GIDs      []int32

	// global
	Username string // realm-qualified, e.g. "user@realm"

	// gssapi (reserved)
	OpaqueToken []byte

	Origin   net.Addr
	ReadOnly bool
}

// Equal reports identity equality: flavor matches and the primary
// user string (global) or uid (unix) matches.
func (a Identity) Equal(b Identity) bool {
	if a.Flavor != b.Flavor {
		return false
	}
	switch a.Flavor {
	case Unix:
		return a.UID == b.UID
	case Global:
		return a.Username == b.Username
	default:
		return false
	}
}

// QualifyRealm appends "@realm" to a bare global username: bare
// names are suffixed with the configured realm."
func QualifyRealm(name, realm string) string {
	if strings.Contains(name, "@") {
		return name
	}
	return name + "@" + realm
}

// Class is a permission class checked against an object.
type Class int

const (
	Unrestricted Class = iota
	Administrative
	Ownership
	Read
	Write
	Search
	Delete
	SetUID
	SetGID
	Agreement
)

// Mode bits, mirroring a conventional rwx-per-class layout: owner, group,
// other, each with read/write/search(execute)/delete nibbles collapsed into
// the bit positions below. The exact bit layout is internal to this package;
// only Check's pass/fail semantics are part of its public contract.
type Mode uint32

const (
	modeOwnerRead Mode = 1 << iota
	modeOwnerWrite
	modeOwnerSearch
	modeOwnerDelete
	modeGroupRead
	modeGroupWrite
	modeGroupSearch
	modeGroupDelete
	modeOtherRead
	modeOtherWrite
	modeOtherSearch
	modeOtherDelete
	modeSetUID
	modeSetGID
)

// Record is the access-control record attached to every repository object:
// a mode-bits value and owner/group handles, expressed here as the
// identity strings the attribute engine resolves (the attribute handles
// themselves live in the attrib package and are opaque to access).
type Record struct {
	Mode  Mode
	Owner string // global-form username
	Group string // "^group@realm" form
}

// Config is process-wide, injected, immutable-after-init configuration for
// access decisions: the realm string, the admin user/group, and whether
// delete is admin-restricted.
type Config struct {
	Realm          string
	AdminUser      string
	AdminGroup     string
	RestrictDelete bool
}

// Table holds the refreshable uid<->global-name and group membership
// mappings: a single process-wide refresh updates access tables from OS
// password/group files plus repository-local alias/group/export files.
type Table struct {
	mu        sync.RWMutex
	uidToName map[int32]string
	groups    map[string]map[string]bool // group name -> member global names
}

// NewTable returns an empty, refreshable access table.
func NewTable() *Table {
	return &Table{
		uidToName: make(map[int32]string),
		groups:    make(map[string]map[string]bool),
	}
}

// Refresh atomically replaces the uid and group mappings. Callers source
// uidToName/groups from OS password/group files and repository-local
// alias/group/export files; this package only owns the in-memory
// table and its atomic swap.
func (t *Table) Refresh(uidToName map[int32]string, groups map[string]map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uidToName = uidToName
	t.groups = groups
}

// GlobalName resolves a unix uid to its global name in the current table.
func (t *Table) GlobalName(uid int32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.uidToName[uid]
	return n, ok
}

// InGroup reports whether user is a member of group.
func (t *Table) InGroup(group, user string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.groups[group] != nil && t.groups[group][user]
}

// Validate resolves id to a canonical global name via the table.
func (t *Table) Validate(id Identity, realm string) (string, error) {
	switch id.Flavor {
	case Global:
		return QualifyRealm(id.Username, realm), nil
	case Unix:
		if n, ok := t.GlobalName(id.UID); ok {
			return n, nil
		}
		return "", fmt.Errorf("access: no global name for uid %d", id.UID)
	default:
		return "", fmt.Errorf("access: unsupported identity flavor %v", id.Flavor)
	}
}

// Checker performs the permission checks against a Config and
// Table.
type Checker struct {
	cfg   Config
	table *Table
}

// NewChecker returns a Checker bound to the given process-wide config and
// refreshable table.
func NewChecker(cfg Config, table *Table) *Checker {
	return &Checker{cfg: cfg, table: table}
}

// Admit reports whether identity id is allowed on the repository at all.
// Every identity that can be validated (resolved to a global name) is
// admitted; the repository has no separate allow/deny list in this
// implementation.
func (c *Checker) Admit(id Identity) bool {
	_, err := c.table.Validate(id, c.cfg.Realm)
	return err == nil
}

func (c *Checker) isAdmin(name string) bool {
	if name == QualifyRealm(c.cfg.AdminUser, c.cfg.Realm) {
		return true
	}
	if c.cfg.AdminGroup != "" {
		return c.table.InGroup(c.cfg.AdminGroup, name)
	}
	return false
}

// Check evaluates class against rec for identity id. value is used only by
// SetUID and SetGID, where it carries the candidate new owner or group.
func (c *Checker) Check(id Identity, class Class, rec Record, value string) bool {
	name, err := c.table.Validate(id, c.cfg.Realm)
	if err != nil {
		return false
	}

	switch class {
	case Unrestricted:
		return c.Admit(id)
	case Administrative:
		return c.isAdmin(name)
	case Ownership:
		return name == rec.Owner || c.isAdmin(name)
	case Read:
		return c.modeAllows(name, rec, modeOwnerRead, modeGroupRead, modeOtherRead)
	case Write:
		return c.modeAllows(name, rec, modeOwnerWrite, modeGroupWrite, modeOtherWrite)
	case Search:
		return c.modeAllows(name, rec, modeOwnerSearch, modeGroupSearch, modeOtherSearch)
	case Delete:
		if c.cfg.RestrictDelete {
			return c.isAdmin(name)
		}
		return c.modeAllows(name, rec, modeOwnerDelete, modeGroupDelete, modeOtherDelete)
	case SetUID:
		// May the caller change the object to have owner == value? Only
		// the admin or the prospective new owner acting on their own
		// behalf may do so.
		return c.isAdmin(name) || name == value
	case SetGID:
		return c.isAdmin(name) || c.table.InGroup(value, name)
	case Agreement:
		return c.isAdmin(name) || c.modeAllows(name, rec, modeOwnerWrite, modeGroupWrite, modeOtherWrite)
	default:
		return false
	}
}

func (c *Checker) modeAllows(name string, rec Record, ownerBit, groupBit, otherBit Mode) bool {
	if c.isAdmin(name) {
		return true
	}
	if name == rec.Owner {
		return rec.Mode&ownerBit != 0
	}
	if rec.Group != "" && c.table.InGroup(strings.TrimPrefix(rec.Group, "^"), name) {
		return rec.Mode&groupBit != 0
	}
	return rec.Mode&otherBit != 0
}
