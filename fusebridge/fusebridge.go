// Package fusebridge adapts the virtual filesystem tree (vfs.Tree) to
// hanwen/go-fuse/v2's node-tree API, per spec.md §6's "Filesystem surface
// (via the kernel bridge)". It is the only package that imports go-fuse;
// every other package only ever talks to vfs.Tree.
package fusebridge

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	gwfs "github.com/rclone/tcmur/fs"
	"github.com/rclone/tcmur/vfs"
)

// node wraps one vfs.Node as a go-fuse InodeEmbedder. All real work is
// delegated back to Tree; node itself holds no filesystem state beyond the
// wrapped vfs.Node pointer.
type node struct {
	fs.Inode
	tree *vfs.Tree
	vn   *vfs.Node
}

var (
	_ fs.NodeLookuper  = (*node)(nil)
	_ fs.NodeGetattrer = (*node)(nil)
	_ fs.NodeOpener    = (*node)(nil)
	_ fs.NodeReader    = (*node)(nil)
	_ fs.NodeWriter    = (*node)(nil)
	_ fs.NodeFsyncer   = (*node)(nil)
	_ fs.NodeReaddirer = (*node)(nil)
	_ fs.NodeReleaser  = (*node)(nil)
)

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return syscall.Errno(-gwfs.KindOf(err).Errno())
}

func attrToFuse(a gwfs.Attr, kind gwfs.Kind, out *fuse.Attr) {
	out.Mode = a.Mode
	out.Size = a.Size
	out.Blksize = a.BlockSize
	out.Rdev = a.Rdev
	out.SetTimes(&a.Atime, &a.Mtime, &a.Ctime)
}

// childNode wraps a looked-up or listed vfs.Node as a new *node, letting
// go-fuse's Inode machinery own its NodeID allocation and kernel attribute
// caching.
func (n *node) childNode(vn *vfs.Node, mode uint32) *fs.Inode {
	child := &node{tree: n.tree, vn: vn}
	return n.NewInode(context.Background(), child, fs.StableAttr{Mode: mode})
}

// Lookup implements fs.NodeLookuper: resolve name directly under n.
func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	vn, err := n.tree.LookupChild(n.vn, name)
	if err != nil {
		return nil, errnoOf(err)
	}
	kind, attr := n.tree.Getattr(vn)
	attrToFuse(attr, kind, &out.Attr)
	return n.childNode(vn, uint32(fuseModeFor(kind))), 0
}

// Getattr implements fs.NodeGetattrer.
func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	kind, attr := n.tree.Getattr(n.vn)
	attrToFuse(attr, kind, &out.Attr)
	return 0
}

// Open implements fs.NodeOpener. It returns no FileHandle: reads, writes,
// fsync and release are served by the node's own methods, since every
// stateful bit already lives in the wrapped vfs.Node / its ops private
// payload.
func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	res, err := n.tree.OpenNode(n.vn)
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	var fuseFlags uint32
	if res.DirectIO {
		fuseFlags |= fuse.FOPEN_DIRECT_IO
	}
	if res.NonSeekable {
		fuseFlags |= fuse.FOPEN_NONSEEKABLE
	}
	return nil, fuseFlags, 0
}

// Release implements fs.NodeReleaser.
func (n *node) Release(ctx context.Context, f fs.FileHandle) syscall.Errno {
	return errnoOf(n.tree.Release(n.vn))
}

// Read implements fs.NodeReader.
func (n *node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	nr, err := n.tree.Read(n.vn, dest, off)
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:nr]), 0
}

// Write implements fs.NodeWriter.
func (n *node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	nw, err := n.tree.Write(n.vn, data, off)
	if err != nil {
		return 0, errnoOf(err)
	}
	return uint32(nw), 0
}

// Fsync implements fs.NodeFsyncer.
func (n *node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return errnoOf(n.tree.Fsync(n.vn, flags&1 != 0))
}

// Readdir implements fs.NodeReaddirer.
func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	err := n.tree.Readdir(n.vn, 0, func(e vfs.DirEntry, next int) bool {
		entries = append(entries, fuse.DirEntry{Name: e.Name, Mode: uint32(fuseModeFor(e.Kind))})
		return true
	})
	if err != nil {
		return nil, errnoOf(err)
	}
	return fs.NewListDirStream(entries), 0
}

func fuseModeFor(kind gwfs.Kind) uint32 {
	switch kind {
	case gwfs.KindDirectory:
		return syscall.S_IFDIR
	default:
		return syscall.S_IFREG
	}
}

// Mount mounts tree at mountpoint using go-fuse/v2's node-tree server,
// returning the running *fuse.Server. Unmounting is done by calling
// Unmount on the returned server.
func Mount(mountpoint string, tree *vfs.Tree) (*fuse.Server, error) {
	root := &node{tree: tree, vn: tree.Root()}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "tcmur",
			Name:       "tcmur",
			AllowOther: false,
		},
		EntryTimeout: durationPtr(time.Second),
		AttrTimeout:  durationPtr(time.Second),
	}
	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	return server, nil
}

func durationPtr(d time.Duration) *time.Duration { return &d }
