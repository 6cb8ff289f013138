package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/tcmur/backend"
	"github.com/rclone/tcmur/devtable"
	"github.com/rclone/tcmur/iobridge"
	"github.com/rclone/tcmur/registry"
	"github.com/rclone/tcmur/vfs"
)

func newTestChannel(t *testing.T, subtype string) *Channel {
	t.Helper()
	registry.RegisterStatic(subtype, func(r *registry.Registry) error {
		return r.Register(&backend.Descriptor{
			Subtype: subtype,
			Open: func(ctx context.Context, cfgstring string, reopen bool) (backend.Device, backend.Geometry, error) {
				return struct{}{}, backend.Geometry{}, nil
			},
			Close: func(dev backend.Device) error { return nil },
			Read: func(dev backend.Device, cmd *backend.Command) backend.Status {
				cmd.Complete(backend.StatusOK)
				return backend.StatusOK
			},
			Write: func(dev backend.Device, cmd *backend.Command) backend.Status {
				cmd.Complete(backend.StatusOK)
				return backend.StatusOK
			},
		})
	})

	tr, err := vfs.NewTree("/tcmur")
	require.NoError(t, err)
	_, err = tr.Mkdir("dev", nil)
	require.NoError(t, err)
	sys, err := tr.Mkdir("sys", nil)
	require.NoError(t, err)
	_, err = tr.Mkdir("module", sys)
	require.NoError(t, err)

	reg := registry.New("", nil)
	dt := devtable.New(reg)
	bridge := iobridge.New(dt)
	return New(tr, reg, dt, bridge)
}

func TestLoadCreatesModuleDir(t *testing.T) {
	c := newTestChannel(t, "ctltype1")
	n, err := c.Write(nil, []byte("load ctltype1\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, len("load ctltype1\n"), n)

	_, err = c.Tree.Lookup("/sys/module/ctltype1")
	assert.NoError(t, err)
}

func TestAddThenRemoveRoundTrip(t *testing.T) {
	c := newTestChannel(t, "ctltype2")
	_, err := c.Write(nil, []byte("load ctltype2\n"), 0)
	require.NoError(t, err)

	_, err = c.Write(nil, []byte("add 0 /ctltype2/foo\n"), 0)
	require.NoError(t, err)

	devname, err := c.Devices.GetDevName(0)
	require.NoError(t, err)
	_, err = c.Tree.Lookup("/dev/" + devname)
	assert.NoError(t, err)

	_, err = c.Write(nil, []byte("remove 0\n"), 0)
	require.NoError(t, err)

	_, err = c.Tree.Lookup("/dev/" + devname)
	assert.Error(t, err)
}

func TestUnrecognizedCommandDoesNotPanic(t *testing.T) {
	c := newTestChannel(t, "ctltype3")
	n, err := c.Write(nil, []byte("bogus 1 2 3\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, len("bogus 1 2 3\n"), n)
}

func TestCommentsAndBlankLinesIgnored(t *testing.T) {
	c := newTestChannel(t, "ctltype4")
	_, err := c.Write(nil, []byte("# a comment\n\n  \n"), 0)
	require.NoError(t, err)
}

func TestDumpReadBack(t *testing.T) {
	c := newTestChannel(t, "ctltype5")
	buf := make([]byte, 4096)
	n, err := c.Read(nil, buf, 0)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "path")
}

func TestSourceFeedsFileBackThroughWriter(t *testing.T) {
	c := newTestChannel(t, "ctltype6")
	dir := t.TempDir()
	path := filepath.Join(dir, "cmds.txt")
	require.NoError(t, os.WriteFile(path, []byte("load ctltype6\n"), 0644))

	_, err := c.Write(nil, []byte("source "+path+"\n"), 0)
	require.NoError(t, err)

	_, err = c.Tree.Lookup("/sys/module/ctltype6")
	assert.NoError(t, err)
}

func TestExitClosesExitedChannel(t *testing.T) {
	c := newTestChannel(t, "ctltype7")
	_, err := c.Write(nil, []byte("exit\n"), 0)
	require.NoError(t, err)
	<-c.Exited() // blocks until the delayed close fires; a hung test means exit regressed
}
