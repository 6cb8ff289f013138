package iobridge

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/tcmur/backend"
	"github.com/rclone/tcmur/devtable"
	gwfs "github.com/rclone/tcmur/fs"
	"github.com/rclone/tcmur/registry"
)

// registerMemBackend registers a tiny in-process backend used only to exercise the bridge;
// it mirrors the ramdisk backend's shape without pulling in that package.
func registerMemBackend(t *testing.T, subtype string, nrThreads int) {
	t.Helper()
	store := make([]byte, 4096*16)
	var mu sync.Mutex
	registry.RegisterStatic(subtype, func(r *registry.Registry) error {
		return r.Register(&backend.Descriptor{
			Subtype:   subtype,
			NrThreads: nrThreads,
			Open: func(ctx context.Context, cfgstring string, reopen bool) (backend.Device, backend.Geometry, error) {
				return struct{}{}, backend.Geometry{}, nil
			},
			Close: func(dev backend.Device) error { return nil },
			Read: func(dev backend.Device, cmd *backend.Command) backend.Status {
				mu.Lock()
				copy(cmd.IOV[0].Buf, store[cmd.SeekPos:cmd.SeekPos+cmd.NByte])
				mu.Unlock()
				cmd.Complete(backend.StatusOK)
				return backend.StatusOK
			},
			Write: func(dev backend.Device, cmd *backend.Command) backend.Status {
				mu.Lock()
				copy(store[cmd.SeekPos:cmd.SeekPos+cmd.NByte], cmd.IOV[0].Buf)
				mu.Unlock()
				cmd.Complete(backend.StatusOK)
				return backend.StatusOK
			},
		})
	})
}

func newTestBridge(t *testing.T, subtype string, nrThreads int) (*Bridge, *devtable.Table, *devtable.Device) {
	t.Helper()
	registerMemBackend(t, subtype, nrThreads)
	r := registry.New("", nil)
	require.NoError(t, r.Load(subtype))
	dt := devtable.New(r)
	d, err := dt.DeviceAdd(context.Background(), 0, "", "/"+subtype+"/x")
	require.NoError(t, err)
	return New(dt), dt, d
}

func TestWriteThenReadInline(t *testing.T) {
	b, _, d := newTestBridge(t, "memA", 0)

	wbuf := []byte("hello world")
	var wstatus backend.Status
	require.NoError(t, b.Write(d.Minor, wbuf, 0, func(s backend.Status) { wstatus = s }))
	assert.Equal(t, backend.StatusOK, wstatus)

	rbuf := make([]byte, len(wbuf))
	var rstatus backend.Status
	require.NoError(t, b.Read(d.Minor, rbuf, 0, func(s backend.Status) { rstatus = s }))
	assert.Equal(t, backend.StatusOK, rstatus)
	assert.Equal(t, wbuf, rbuf)
}

func TestWriteThenReadViaWorkerPool(t *testing.T) {
	b, _, d := newTestBridge(t, "memB", 2)

	wbuf := []byte("worker pooled data")
	done := make(chan backend.Status, 1)
	require.NoError(t, b.Write(d.Minor, wbuf, 0, func(s backend.Status) { done <- s }))
	assert.Equal(t, backend.StatusOK, <-done)

	b.StopWorker(d.Minor)
}

func TestReadRejectsOutOfRange(t *testing.T) {
	b, _, d := newTestBridge(t, "memC", 0)
	buf := make([]byte, 8)
	err := b.Read(d.Minor, buf, d.Geometry.NumLBAs*uint64(d.Geometry.BlockSize), func(backend.Status) {})
	assert.Equal(t, gwfs.ErrInvalid, err)
}

func TestReadRejectsUnknownDevice(t *testing.T) {
	b, _, _ := newTestBridge(t, "memD", 0)
	buf := make([]byte, 8)
	assert.Equal(t, gwfs.ErrNoDevice, b.Read(99, buf, 0, func(backend.Status) {}))
}

func TestFlushWithoutBackendSupportCompletesOK(t *testing.T) {
	b, _, d := newTestBridge(t, "memE", 0)
	var status backend.Status
	require.NoError(t, b.Flush(d.Minor, func(s backend.Status) { status = s }))
	assert.Equal(t, backend.StatusOK, status)
}

func TestDeviceOpsReadWriteRoundTrip(t *testing.T) {
	b, _, d := newTestBridge(t, "memF", 0)
	ops := DeviceOps{Bridge: b}

	n, err := ops.Write(d.Minor, []byte("via ops"), 0)
	require.NoError(t, err)
	assert.Equal(t, len("via ops"), n)

	buf := make([]byte, len("via ops"))
	n, err = ops.Read(d.Minor, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, "via ops", string(buf))

	require.NoError(t, ops.Fsync(d.Minor, false))
}
