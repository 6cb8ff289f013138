package vfs

import (
	"sync/atomic"
	"time"

	"github.com/rclone/tcmur/fs"
)

// Node is one entry in the tree, per spec.md §3: a parent pointer plus an
// ordered slice of children, each carrying a stable numeric id. This keeps
// the original's intrusive parent/first-child/next-sibling linkage while
// dropping the sibling-pointer traversal in favor of a slice Tree.Lookup
// and Tree.Readdir can index and iterate directly.
type Node struct {
	id     uint64
	name   string
	kind   fs.Kind
	attr   fs.Attr
	ops    fs.Ops
	shared interface{} // private data handed back to ops

	parent   *Node
	children []*Node // ordered by insertion, stable per spec.md §3

	refs int32 // refcount; >=1 while linked and live
}

// String lets Node satisfy fs.Subject for logging call sites.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	return n.name
}

// ID is the node's stable identifier, assigned once at creation and never
// reused.
func (n *Node) ID() uint64 { return n.id }

// Name is the node's name within its parent.
func (n *Node) Name() string { return n.name }

// Kind is the node's kind.
func (n *Node) Kind() fs.Kind { return n.kind }

// Attr returns a copy of the node's current attributes.
func (n *Node) Attr() fs.Attr { return n.attr }

// Private returns the opaque payload passed to node_add, handed back to Ops.
func (n *Node) Private() interface{} { return n.shared }

// Refs returns the current reference count, for diagnostics and tests.
func (n *Node) Refs() int32 { return atomic.LoadInt32(&n.refs) }

func (n *Node) addRef() int32 { return atomic.AddInt32(&n.refs, 1) }

func (n *Node) dropRef() int32 { return atomic.AddInt32(&n.refs, -1) }

func (n *Node) touchAtime(now time.Time) { n.attr.Atime = now }

func (n *Node) touchMtime(now time.Time) {
	n.attr.Mtime = now
	n.attr.Ctime = now
}

// childIndex returns the index of the child named name, or -1.
func (n *Node) childIndex(name string) int {
	for i, c := range n.children {
		if c.name == name {
			return i
		}
	}
	return -1
}

func (n *Node) child(name string) *Node {
	if i := n.childIndex(name); i >= 0 {
		return n.children[i]
	}
	return nil
}
