package vfs

import (
	"github.com/rclone/tcmur/fs"
)

// OpenResult carries the bridge hints spec.md §4.1 describes: "For
// non-block kinds the bridge file-info is marked non-seekable with
// direct-I/O, so the kernel does not buffer."
type OpenResult struct {
	NonSeekable bool
	DirectIO    bool
}

// Open locks the tree, looks up path, takes a reference, then unlocks and
// dispatches to the node's Open op. On failure the reference is dropped.
func (t *Tree) Open(path string) (*Node, OpenResult, error) {
	n, err := t.Lookup(path)
	if err != nil {
		return nil, OpenResult{}, err
	}
	res, err := t.OpenNode(n)
	return n, res, err
}

// OpenNode is Open for a caller that already holds the *Node (a kernel
// bridge doing lookup-by-parent rather than full-path resolution, for
// instance), taking a reference and dispatching to the node's Open op.
func (t *Tree) OpenNode(n *Node) (OpenResult, error) {
	if n.kind == fs.KindDirectory {
		return OpenResult{}, fs.ErrIsDirectory
	}

	t.mu.Lock()
	n.addRef()
	t.mu.Unlock()

	if n.ops != nil {
		if err := n.ops.Open(n.shared); err != nil {
			t.mu.Lock()
			n.dropRef()
			t.mu.Unlock()
			return OpenResult{}, err
		}
	}

	res := OpenResult{}
	if n.kind != fs.KindBlock {
		res.NonSeekable = true
		res.DirectIO = true
	}
	return res, nil
}

// Release drops the reference acquired by Open and dispatches to the
// node's Release op.
func (t *Tree) Release(n *Node) error {
	var err error
	if n.ops != nil {
		err = n.ops.Release(n.shared)
	}
	t.mu.Lock()
	n.dropRef()
	t.mu.Unlock()
	return err
}

// Read dispatches to the node's ops under the reference acquired at Open.
func (t *Tree) Read(n *Node, buf []byte, offset int64) (int, error) {
	if n.ops == nil {
		return 0, fs.ErrNoEnt
	}
	return n.ops.Read(n.shared, buf, offset)
}

// Write dispatches to the node's ops under the reference acquired at Open.
func (t *Tree) Write(n *Node, buf []byte, offset int64) (int, error) {
	if n.ops == nil {
		return 0, fs.ErrNoEnt
	}
	return n.ops.Write(n.shared, buf, offset)
}

// Fsync dispatches to the node's ops. A nil Ops, or an Ops whose Fsync
// no-ops, means success (spec.md §6: "Missing ⇒ success").
func (t *Tree) Fsync(n *Node, datasync bool) error {
	if n.ops == nil {
		return nil
	}
	return n.ops.Fsync(n.shared, datasync)
}

// Getattr reports n's kind and permissions directly, except that a
// block-kind node is reported as a regular file with its permission bits
// preserved — the kernel bridge would otherwise interpret Rdev as a kernel
// major/minor for the host, bypassing the application's ops (spec.md
// §4.1's Getattr rationale).
func (t *Tree) Getattr(n *Node) (reportedKind fs.Kind, attr fs.Attr) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	attr = n.attr
	if n.kind == fs.KindBlock {
		attr.Mode = modeForKind(fs.KindRegular, attr.Mode)
		return fs.KindRegular, attr
	}
	return n.kind, attr
}

// DirEntry is one entry produced by Readdir.
type DirEntry struct {
	Name string
	Kind fs.Kind
}

// Readdir begins at offset and emits children until filler returns false.
// atime is updated on success, per spec.md §4.1.
func (t *Tree) Readdir(n *Node, offset int, filler func(DirEntry, int) bool) error {
	t.mu.Lock()
	if n.kind != fs.KindDirectory {
		t.mu.Unlock()
		return fs.ErrNotDirectory
	}
	children := n.children
	t.mu.Unlock()

	for i := offset; i < len(children); i++ {
		c := children[i]
		if !filler(DirEntry{Name: c.name, Kind: c.kind}, i+1) {
			break
		}
	}

	t.mu.Lock()
	n.touchAtime(t.clock.Now())
	t.mu.Unlock()
	return nil
}
