package source

import (
	"sync"

	"github.com/vesta-scm/repos/internal/attrib"
	"github.com/vesta-scm/repos/internal/longid"
)

// Tree is the server-side repository namespace: the stable (repository +
// mutable) tree and the volatile tree, each guarded by its own read/write
// lock — a stable-namespace lock for the repository and mutable trees, and
// a separate volatile-namespace lock for mutations scoped to a volatile
// tree. Atomic programs (internal/atomic) hold StableLock for their entire
// duration.
type Tree struct {
	StableLock   sync.RWMutex
	VolatileLock sync.RWMutex

	root     *Node // Repository root: appendable directory
	mutable  *Node // Mutable root: mutable directory
	volatile *Node // Volatile root: volatile directory

	shortIdDirs  map[ShortId]*Node
	shortIdFiles map[ShortId]*Node

	idLock  sync.Mutex
	nextSid ShortId

	indexMu  sync.RWMutex
	byLongId map[longid.LongId]*Node
}

// NewTree returns an empty repository tree with freshly minted roots.
func NewTree() *Tree {
	t := &Tree{
		shortIdDirs:  make(map[ShortId]*Node),
		shortIdFiles: make(map[ShortId]*Node),
		byLongId:     make(map[longid.LongId]*Node),
	}
	t.root = &Node{
		typ:     AppendableDirectory,
		id:      longid.Repository,
		master:  true,
		attrs:   attrib.New(),
		entries: make(map[string]*dirEntry),
		deleted: make(map[string]bool),
	}
	t.mutable = &Node{
		typ:     MutableDirectory,
		id:      longid.Mutable,
		master:  true,
		attrs:   attrib.New(),
		entries: make(map[string]*dirEntry),
		deleted: make(map[string]bool),
	}
	t.volatile = &Node{
		typ:     VolatileDirectory,
		id:      longid.Volatile,
		master:  true,
		attrs:   attrib.New(),
		entries: make(map[string]*dirEntry),
		deleted: make(map[string]bool),
	}
	t.index(t.root)
	t.index(t.mutable)
	t.index(t.volatile)
	return t
}

// index registers n under its LongId, the stable network file handle every
// surrogate addresses objects by (resolved on demand by Resolve rather than
// re-walked through the directory chain).
func (t *Tree) index(n *Node) {
	t.indexMu.Lock()
	defer t.indexMu.Unlock()
	t.byLongId[n.id] = n
}

// Resolve looks up a previously indexed object by its LongId, the form a
// surrogate client caches and replays on later calls (stat, read, attribute
// operations) against a Source it already holds.
func (t *Tree) Resolve(id longid.LongId) (Source, bool) {
	t.indexMu.RLock()
	n, ok := t.byLongId[id]
	t.indexMu.RUnlock()
	if !ok {
		return Source{}, false
	}
	return snapshot(n), true
}

// Root returns the Repository root Source.
func (t *Tree) Root() Source { return snapshot(t.root) }

// MutableRoot returns the Mutable root Source.
func (t *Tree) MutableRoot() Source { return snapshot(t.mutable) }

// VolatileRoot returns the Volatile root Source.
func (t *Tree) VolatileRoot() Source { return snapshot(t.volatile) }

func (t *Tree) allocShortId() ShortId {
	t.idLock.Lock()
	defer t.idLock.Unlock()
	t.nextSid++
	return t.nextSid
}

// pseudoInode computes the 31-bit stable NFS inode for a node: unchanged
// files use the shortid; mutable/volatile directories store and keep a
// stable value across renames; everything else is a 31-bit hash of the
// LongId with the top bit cleared to avoid shortid collisions.
func pseudoInode(id longid.LongId, sid ShortId, stableAcrossRename bool, stored uint32) uint32 {
	if stableAcrossRename && stored != 0 {
		return stored
	}
	if sid != 0 {
		return uint32(sid) &^ (1 << 31)
	}
	var h uint32 = 2166136261 // FNV-1a offset basis
	n := longid.Length(id)
	for i := 0; i < n; i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	return (h &^ (1 << 31)) | 0 // top bit cleared
}

// nextIndex returns the next unused child index for dir, accounting for the
// "+2" index-step convention: odd indices are reserved for ghost/tombstone
// slots in the delta chain so a surrogate's chunked list resumes at
// lastIndex+2.
func (n *Node) nextIndex() uint64 {
	max := uint64(0)
	for d := n; d != nil; d = d.base {
		for _, e := range d.entries {
			if e.index > max {
				max = e.index
			}
		}
	}
	return max + 2
}
