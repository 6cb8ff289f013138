package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/tcmur/fs"
)

func newTestTree(t *testing.T) *Tree {
	tr, err := NewTree("/tcmur")
	require.NoError(t, err)
	return tr
}

func TestNewTreeRejectsBadMountpoint(t *testing.T) {
	_, err := NewTree("tcmur")
	require.Equal(t, fs.ErrInvalid, err)

	_, err = NewTree("/tcmur/")
	require.Equal(t, fs.ErrInvalid, err)
}

func TestMkdirRmdirRestoresChildSet(t *testing.T) {
	tr := newTestTree(t)
	before := len(tr.Root().children)

	_, err := tr.Mkdir("dev", nil)
	require.NoError(t, err)
	require.Len(t, tr.Root().children, before+1)

	require.NoError(t, tr.Rmdir("dev", nil))
	assert.Len(t, tr.Root().children, before)
}

func TestMkdirIdempotentOnExistingDirectory(t *testing.T) {
	tr := newTestTree(t)
	d1, err := tr.Mkdir("sys", nil)
	require.NoError(t, err)
	d2, err := tr.Mkdir("sys", nil)
	require.NoError(t, err)
	assert.Same(t, d1, d2)
}

func TestNodeAddRejectsSlashInName(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.NodeAdd("a/b", nil, ModeDir|0555, nil, nil)
	assert.Equal(t, fs.ErrInvalid, err)
}

func TestNodeAddConflictingKindFails(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.Mkdir("dev", nil)
	require.NoError(t, err)
	_, err = tr.NodeAdd("dev", nil, ModeRegular|0644, fs.NopOps{}, nil)
	assert.Equal(t, fs.ErrExists, err)
}

func TestLookupIsPathCanonical(t *testing.T) {
	tr := newTestTree(t)
	dev, err := tr.Mkdir("dev", nil)
	require.NoError(t, err)
	_, err = tr.NodeAdd("ram000", dev, ModeBlock|0664, fs.NopOps{}, nil)
	require.NoError(t, err)

	a, err := tr.Lookup("/dev/ram000")
	require.NoError(t, err)
	b, err := tr.Lookup("//dev///ram000/")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestLookupMissingSegmentFails(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.Lookup("/dev/nope")
	assert.Equal(t, fs.ErrNotFound, err)
}

func TestNodeRemoveNotEmptyDirectoryFails(t *testing.T) {
	tr := newTestTree(t)
	dev, err := tr.Mkdir("dev", nil)
	require.NoError(t, err)
	_, err = tr.NodeAdd("ram000", dev, ModeBlock|0664, fs.NopOps{}, nil)
	require.NoError(t, err)

	err = tr.NodeRemove("dev", nil)
	assert.Equal(t, fs.ErrNotEmpty, err)
}

func TestNodeRemoveBusyWhileReferenced(t *testing.T) {
	tr := newTestTree(t)
	dev, err := tr.Mkdir("dev", nil)
	require.NoError(t, err)
	n, err := tr.NodeAdd("ram000", dev, ModeBlock|0664, fs.NopOps{}, nil)
	require.NoError(t, err)

	_, _, err = tr.Open("/dev/ram000")
	require.NoError(t, err)

	err = tr.NodeRemove("ram000", dev)
	assert.Equal(t, fs.ErrBusy, err)

	require.NoError(t, tr.Release(n))
	assert.NoError(t, tr.NodeRemove("ram000", dev))
}

func TestGetattrReportsBlockNodeAsRegular(t *testing.T) {
	tr := newTestTree(t)
	dev, err := tr.Mkdir("dev", nil)
	require.NoError(t, err)
	n, err := tr.NodeAdd("ram000", dev, ModeBlock|0664, fs.NopOps{}, nil)
	require.NoError(t, err)

	kind, attr := tr.Getattr(n)
	assert.Equal(t, fs.KindRegular, kind)
	assert.Equal(t, uint32(0664), attr.Mode&ModePerm)
	assert.Equal(t, fs.KindBlock, n.Kind())
}

func TestReaddirStableOrderAndOffset(t *testing.T) {
	tr := newTestTree(t)
	dev, err := tr.Mkdir("dev", nil)
	require.NoError(t, err)
	for _, name := range []string{"c", "a", "b"} {
		_, err := tr.NodeAdd(name, dev, ModeRegular|0644, fs.NopOps{}, nil)
		require.NoError(t, err)
	}

	var got []string
	err = tr.Readdir(dev, 0, func(e DirEntry, next int) bool {
		got = append(got, e.Name)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, got)

	got = nil
	err = tr.Readdir(dev, 2, func(e DirEntry, next int) bool {
		got = append(got, e.Name)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got)
}

func TestTreeExitBusyWithChildren(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.Mkdir("dev", nil)
	require.NoError(t, err)
	assert.Equal(t, fs.ErrBusy, tr.Exit())
}
