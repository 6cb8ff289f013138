package file

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
)

func TestOpenCreatesFileWithSizeOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	cfgstring := "/file/" + path + ":1MiB"

	dev, geom, err := open(context.Background(), cfgstring, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20/defaultBlockSize), geom.NumLBAs)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), info.Size())

	require.NoError(t, closeDev(dev))
}

func TestOpenWithoutSizeUsesExistingFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0600))

	_, geom, err := open(context.Background(), "/file/"+path, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), geom.NumLBAs)
}

// TestSizelessNewFileIsWritableThroughBridge exercises spec.md §8 scenario
// 2's path end-to-end: "add <minor> /file/<newpath>" with no ":size" must
// still produce a device whose geometry the IOB will accept writes against,
// not a zero-LBA device that rejects every bounds check.
func TestSizelessNewFileIsWritableThroughBridge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fresh.img")

	r := registry.New("", nil)
	require.NoError(t, r.Load(Subtype))
	dt := devtable.New(r)
	d, err := dt.DeviceAdd(context.Background(), 0, "", "/"+Subtype+path)
	require.NoError(t, err)
	require.NotZero(t, d.Geometry.NumLBAs)

	b := iobridge.New(dt)
	payload := []byte("fresh file payload")
	var status backend.Status
	require.NoError(t, b.Write(d.Minor, payload, 0, func(s backend.Status) { status = s }))
	assert.Equal(t, backend.StatusOK, status)

	readBack := make([]byte, len(payload))
	require.NoError(t, b.Read(d.Minor, readBack, 0, func(s backend.Status) { status = s }))
	assert.Equal(t, backend.StatusOK, status)
	assert.Equal(t, payload, readBack)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	dev, _, err := open(context.Background(), "/file/"+path+":1MiB", false)
	require.NoError(t, err)
	defer closeDev(dev)

	payload := []byte("file-backed payload")
	wcmd := &backend.Command{SeekPos: 0, NByte: uint64(len(payload)), IOV: []backend.IOVec{{Buf: payload}}, Complete: func(backend.Status) {}}
	assert.Equal(t, backend.StatusOK, write(dev, wcmd))

	buf := make([]byte, len(payload))
	rcmd := &backend.Command{SeekPos: 0, NByte: uint64(len(buf)), IOV: []backend.IOVec{{Buf: buf}}, Complete: func(backend.Status) {}}
	assert.Equal(t, backend.StatusOK, read(dev, rcmd))
	assert.Equal(t, payload, buf)

	assert.Equal(t, backend.StatusOK, flush(dev, &backend.Command{Complete: func(backend.Status) {}}))
}
