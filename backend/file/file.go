// Package file implements a file-backed block-storage backend, statically
// registered under the "file" subtype: each device is one regular file on
// the host filesystem, grown to its configured size on first open.
// Grounded on the teacher's local-filesystem handling idiom
// (backend/local/local.go's os.OpenFile/os.Stat/ReadAt/WriteAt usage).
package file

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/docker/go-units"

	"github.com/rclone/tcmur/backend"
	"github.com/rclone/tcmur/registry"
)

// Subtype is this backend's registration name.
const Subtype = "file"

const defaultBlockSize = 4096

// defaultSize is the size a freshly created, sizeless device is grown to.
// Without this, "add <minor> /file/<newpath>" on a nonexistent path opens an
// empty file and reports a zero-LBA geometry, which devtable.DeviceAdd then
// adopts verbatim — leaving every subsequent read/write rejected by the
// IOB's bounds check. Matches backend/ramdisk's own default size.
const defaultSize = 256 * 1024 * 1024

func init() {
	registry.RegisterStatic(Subtype, func(r *registry.Registry) error {
		return r.Register(&backend.Descriptor{
			Subtype:     Subtype,
			DisplayName: "file-backed block device",
			NrThreads:   0,
			Open:        open,
			Close:       closeDev,
			Read:        read,
			Write:       write,
			Flush:       flush,
		})
	})
}

// handle is the backend.Device returned by Open.
type handle struct {
	mu sync.Mutex
	f  *os.File
}

// parsePath splits a "/file//abs/path[:size]" cfgstring's rest segment
// (everything devtable's subtype parser left after "file", e.g.
// "/tmp/disk.img:100MiB") into a target path and an optional human-size to
// grow the backing file to. The leading slash is part of the path, not a
// separator, so it is preserved rather than trimmed.
func parsePath(rest string) (path string, size int64) {
	path, sizeStr, found := strings.Cut(rest, ":")
	if !found {
		return path, 0
	}
	n, err := units.RAMInBytes(sizeStr)
	if err != nil {
		return path, 0
	}
	return path, n
}

func open(ctx context.Context, cfgstring string, reopen bool) (backend.Device, backend.Geometry, error) {
	rest := strings.TrimPrefix(cfgstring, "/"+Subtype)
	path, size := parsePath(rest)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, backend.Geometry{}, err
	}

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, backend.Geometry{}, err
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, backend.Geometry{}, err
		}
		size = info.Size()
		if size == 0 {
			// Fresh, sizeless device: grow it rather than leave a
			// zero-LBA geometry that no read/write could ever pass.
			size = defaultSize
			if err := f.Truncate(size); err != nil {
				_ = f.Close()
				return nil, backend.Geometry{}, err
			}
		}
	}

	geom := backend.Geometry{
		NumLBAs:     uint64(size) / defaultBlockSize,
		BlockSize:   defaultBlockSize,
		MaxXferLen:  1 << 20,
		GeometrySet: true,
	}
	return &handle{f: f}, geom, nil
}

func closeDev(dev backend.Device) error {
	h := dev.(*handle)
	return h.f.Close()
}

func read(dev backend.Device, cmd *backend.Command) backend.Status {
	h := dev.(*handle)
	h.mu.Lock()
	_, err := h.f.ReadAt(cmd.IOV[0].Buf, int64(cmd.SeekPos))
	h.mu.Unlock()
	status := backend.StatusOK
	if err != nil {
		status = backend.StatusRdErr
	}
	cmd.Complete(status)
	return status
}

func write(dev backend.Device, cmd *backend.Command) backend.Status {
	h := dev.(*handle)
	h.mu.Lock()
	_, err := h.f.WriteAt(cmd.IOV[0].Buf, int64(cmd.SeekPos))
	h.mu.Unlock()
	status := backend.StatusOK
	if err != nil {
		status = backend.StatusWrErr
	}
	cmd.Complete(status)
	return status
}

func flush(dev backend.Device, cmd *backend.Command) backend.Status {
	h := dev.(*handle)
	h.mu.Lock()
	err := h.f.Sync()
	h.mu.Unlock()
	status := backend.StatusOK
	if err != nil {
		status = backend.StatusWrErr
	}
	cmd.Complete(status)
	return status
}
