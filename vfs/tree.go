// Package vfs implements the virtual filesystem tree (VFT): a process-owned
// hierarchy of named nodes that backs every external filesystem operation,
// per spec.md §4.1. Nodes are never created by client filesystem syscalls —
// only the host program (the control channel, or main at startup) mutates
// the tree.
package vfs

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/rclone/tcmur/fs"
	"github.com/rclone/tcmur/lib/clock"
)

// Tree is a single rooted node hierarchy, guarded by one global lock
// (spec.md §5: "The tree mutex is a single global lock"). Lookups take the
// read lock; link/unlink/attribute mutation take the write lock — an
// RWMutex satisfies the single-lock requirement while letting concurrent
// lookups proceed, the same relaxation the teacher's own vfs test suite
// exercises for concurrent reads (rclone `vfs/vfs_test.go`).
type Tree struct {
	mu         sync.RWMutex
	mountpoint string
	root       *Node
	nextID     uint64
	clock      clock.Clock
}

// NewTree implements tree_init: mountpoint must start with "/" and must not
// end with "/". It creates a root node named after the final path segment,
// directory kind, mode 0555.
func NewTree(mountpoint string) (*Tree, error) {
	return NewTreeWithClock(mountpoint, clock.New())
}

// NewTreeWithClock is NewTree with an injectable clock, for tests that need
// deterministic atime/mtime stamping.
func NewTreeWithClock(mountpoint string, c clock.Clock) (*Tree, error) {
	if !strings.HasPrefix(mountpoint, "/") || strings.HasSuffix(mountpoint, "/") {
		return nil, fs.ErrInvalid
	}
	name := mountpoint
	if i := strings.LastIndexByte(mountpoint, '/'); i >= 0 {
		name = mountpoint[i+1:]
	}
	if name == "" {
		name = "/"
	}
	t := &Tree{mountpoint: mountpoint, clock: c}
	now := t.clock.Now()
	t.root = &Node{
		id:   atomic.AddUint64(&t.nextID, 1),
		name: name,
		kind: fs.KindDirectory,
		attr: fs.Attr{Mode: modeForKind(fs.KindDirectory, 0555), Atime: now, Mtime: now, Ctime: now},
		refs: 1,
	}
	return t, nil
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Exit implements tree_exit: succeeds only if root has no children.
func (t *Tree) Exit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.root.children) != 0 {
		return fs.ErrBusy
	}
	return nil
}

func (t *Tree) resolveParent(parent *Node) *Node {
	if parent == nil {
		return t.root
	}
	return parent
}

// NodeAdd implements node_add: creates a new leaf or directory under parent
// (root if nil). If a node of that name exists and both existing and
// requested kinds are directory, returns the existing node; otherwise
// fails with ErrExists. Kind defaults to regular when mode lacks a type
// bit, per spec.md §4.1.
func (t *Tree) NodeAdd(name string, parent *Node, mode uint32, ops fs.Ops, private interface{}) (*Node, error) {
	if name == "" || strings.ContainsRune(name, '/') {
		// Per spec.md §8: "node_add with a name containing '/' is rejected
		// (programming error)".
		return nil, fs.ErrInvalid
	}
	kind := kindOfMode(mode)
	if kind != fs.KindDirectory && ops == nil {
		// "block/regular nodes require an ops vector" (spec.md §3).
		return nil, fs.ErrInvalid
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.resolveParent(parent)
	if existing := p.child(name); existing != nil {
		if existing.kind == fs.KindDirectory && kind == fs.KindDirectory {
			return existing, nil
		}
		return nil, fs.ErrExists
	}

	now := t.clock.Now()
	n := &Node{
		id:     atomic.AddUint64(&t.nextID, 1),
		name:   name,
		kind:   kind,
		ops:    ops,
		shared: private,
		parent: p,
		refs:   1,
		attr:   fs.Attr{Mode: modeForKind(kind, mode&ModePerm), Atime: now, Mtime: now, Ctime: now},
	}
	p.children = append(p.children, n)
	p.touchMtime(now)
	return n, nil
}

// Mkdir is shorthand for NodeAdd with directory kind and mode 0555.
func (t *Tree) Mkdir(name string, parent *Node) (*Node, error) {
	return t.NodeAdd(name, parent, ModeDir|0555, nil, nil)
}

// NodeRemove implements node_remove: removes a direct child. Fails with
// ErrNotEmpty if the child is a non-empty directory, ErrBusy if refs>1,
// ErrNotFound if no such name.
func (t *Tree) NodeRemove(name string, parent *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.resolveParent(parent)
	i := p.childIndex(name)
	if i < 0 {
		return fs.ErrNotFound
	}
	child := p.children[i]
	if len(child.children) != 0 {
		return fs.ErrNotEmpty
	}
	if atomic.LoadInt32(&child.refs) != 1 {
		return fs.ErrBusy
	}
	p.children = append(p.children[:i], p.children[i+1:]...)
	p.touchMtime(t.clock.Now())
	child.dropRef()
	return nil
}

// Rmdir is node_remove restricted to directory kind.
func (t *Tree) Rmdir(name string, parent *Node) error {
	t.mu.RLock()
	p := t.resolveParent(parent)
	child := p.child(name)
	t.mu.RUnlock()
	if child == nil {
		return fs.ErrNotFound
	}
	if child.kind != fs.KindDirectory {
		return fs.ErrNotDirectory
	}
	return t.NodeRemove(name, parent)
}

// Lookup implements node_lookup: returns the node at the absolute path
// relative to the tree root, or ErrNotFound if any segment is missing.
// Path parsing collapses multiple "/" and tolerates a trailing "/",
// satisfying spec.md §8's determinism property: lookup("//a///b") ==
// lookup("/a/b").
func (t *Tree) Lookup(path string) (*Node, error) {
	segs := splitPath(path)
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.root
	for _, seg := range segs {
		n = n.child(seg)
		if n == nil {
			return nil, fs.ErrNotFound
		}
	}
	return n, nil
}

// LookupChild resolves name directly under parent (root if nil), for
// callers that already hold a *Node and do lookup-by-parent rather than
// full-path resolution — the kernel bridge's Lookup, in particular.
func (t *Tree) LookupChild(parent *Node, name string) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.resolveParent(parent)
	n := p.child(name)
	if n == nil {
		return nil, fs.ErrNotFound
	}
	return n, nil
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NodeUpdateMode sets mode's permission bits (the kind's type bit is
// preserved).
func (t *Tree) NodeUpdateMode(n *Node, perm uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.attr.Mode = (n.attr.Mode &^ ModePerm) | (perm & ModePerm)
}

// NodeUpdateSize sets the node's reported size.
func (t *Tree) NodeUpdateSize(n *Node, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.attr.Size = size
}

// NodeUpdateBlockSize sets the node's block size; must be a power of two.
func (t *Tree) NodeUpdateBlockSize(n *Node, blockSize uint32) error {
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return fs.ErrInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n.attr.BlockSize = blockSize
	return nil
}

// NodeUpdateMtime sets the node's modification time.
func (t *Tree) NodeUpdateMtime(n *Node, mtime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.attr.Mtime = mtime
}

// NodeUpdateRdev sets the node's rdev.
func (t *Tree) NodeUpdateRdev(n *Node, rdev uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n.attr.Rdev = rdev
}

// Fmt implements tree_fmt: a freshly rendered, human-readable dump of the
// whole tree, column-aligned via text/tabwriter for the control channel's
// "dump" command and read-back.
func (t *Tree) Fmt() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "path\tkind\tmode\tsize")
	t.fmtNode(tw, t.root, "/"+t.root.name)
	_ = tw.Flush()
	return sb.String()
}

func (t *Tree) fmtNode(tw *tabwriter.Writer, n *Node, path string) {
	fmt.Fprintf(tw, "%s\t%s\t%#o\t%d\n", path, n.kind, n.attr.Mode&ModePerm, n.attr.Size)
	for _, c := range n.children {
		childPath := path + "/" + c.name
		t.fmtNode(tw, c, childPath)
	}
}
