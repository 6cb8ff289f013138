package ramdisk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclone/tcmur/backend"
)

func TestOpenDefaultsGeometry(t *testing.T) {
	dev, geom, err := open(context.Background(), "/ram/", false)
	require.NoError(t, err)
	assert.Equal(t, uint32(defaultBlockSize), geom.BlockSize)
	assert.Equal(t, uint64(defaultSize/defaultBlockSize), geom.NumLBAs)
	assert.NotNil(t, dev)
}

func TestOpenHonorsSizeOverride(t *testing.T) {
	_, geom, err := open(context.Background(), "/ram/1MiB", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20/defaultBlockSize), geom.NumLBAs)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dev, _, err := open(context.Background(), "/ram/1MiB", false)
	require.NoError(t, err)

	payload := []byte("ramdisk payload")
	wcmd := &backend.Command{SeekPos: 0, NByte: uint64(len(payload)), IOV: []backend.IOVec{{Buf: payload}}, Complete: func(backend.Status) {}}
	assert.Equal(t, backend.StatusOK, write(dev, wcmd))

	buf := make([]byte, len(payload))
	rcmd := &backend.Command{SeekPos: 0, NByte: uint64(len(buf)), IOV: []backend.IOVec{{Buf: buf}}, Complete: func(backend.Status) {}}
	assert.Equal(t, backend.StatusOK, read(dev, rcmd))
	assert.Equal(t, payload, buf)
}

func TestReadPastEndReturnsRange(t *testing.T) {
	dev, geom, err := open(context.Background(), "/ram/1MiB", false)
	require.NoError(t, err)

	buf := make([]byte, 8)
	total := geom.NumLBAs * uint64(geom.BlockSize)
	cmd := &backend.Command{SeekPos: total, NByte: uint64(len(buf)), IOV: []backend.IOVec{{Buf: buf}}, Complete: func(backend.Status) {}}
	assert.Equal(t, backend.StatusRange, read(dev, cmd))
}
