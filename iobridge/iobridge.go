// Package iobridge implements the I/O bridge (IOB): it converts synchronous
// filesystem reads/writes/fsyncs into the backend's asynchronous command
// model and back, per spec.md §4.4.
package iobridge

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rclone/tcmur/backend"
	"github.com/rclone/tcmur/devtable"
	gwfs "github.com/rclone/tcmur/fs"
	"github.com/rclone/tcmur/lib/oneshot"
)

// taskQueueDepth bounds the per-device worker channel; submission blocks
// once it fills, applying natural backpressure rather than growing without
// bound.
const taskQueueDepth = 128

// Task is one in-flight command as the bridge tracks it, per spec.md §3
// ("Command/Task"). ID is used only for log correlation across submit and
// complete.
type Task struct {
	ID    uuid.UUID
	Minor int
	Cmd   *backend.Command
}

func (t *Task) String() string { return t.ID.String() }

// worker is a device's dedicated consumer pool: a single buffered channel
// of run closures drained by Descriptor.NrThreads goroutines, supervised by
// an errgroup so stop can wait for in-flight work to drain before a device
// binding is torn down.
type worker struct {
	tasks  chan func()
	grp    *errgroup.Group
	cancel context.CancelFunc
}

func newWorker(nrThreads int) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	grp, ctx := errgroup.WithContext(ctx)
	w := &worker{tasks: make(chan func(), taskQueueDepth), grp: grp, cancel: cancel}
	for i := 0; i < nrThreads; i++ {
		grp.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case run, ok := <-w.tasks:
					if !ok {
						return nil
					}
					run()
				}
			}
		})
	}
	return w
}

// stop closes the task channel, waits for the workers to drain it, and
// then releases the workers' context.
func (w *worker) stop() {
	close(w.tasks)
	_ = w.grp.Wait()
	w.cancel()
}

// Bridge is the IOB: it owns the per-device worker pools and dispatches
// Read/Write/Flush against the device table.
type Bridge struct {
	dt *devtable.Table

	mu      sync.Mutex
	workers map[int]*worker
}

// New constructs a Bridge bound to dt.
func New(dt *devtable.Table) *Bridge {
	return &Bridge{dt: dt, workers: map[int]*worker{}}
}

func (b *Bridge) workerFor(d *devtable.Device) *worker {
	if d.Descriptor.NrThreads <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[d.Minor]
	if !ok {
		w = newWorker(d.Descriptor.NrThreads)
		b.workers[d.Minor] = w
	}
	return w
}

// StopWorker tears down minor's worker pool, if it has one, waiting for
// in-flight tasks to drain. Called by the control channel before
// device_remove frees the binding.
func (b *Bridge) StopWorker(minor int) {
	b.mu.Lock()
	w, ok := b.workers[minor]
	if ok {
		delete(b.workers, minor)
	}
	b.mu.Unlock()
	if ok {
		w.stop()
	}
}

// dispatch runs run either in-line (NrThreads == 0, "caller-inline
// completion semantics" per backend.Descriptor's doc) or on the device's
// worker pool.
func (b *Bridge) dispatch(d *devtable.Device, run func()) {
	if w := b.workerFor(d); w != nil {
		w.tasks <- run
		return
	}
	run()
}

func boundsOK(seekpos, nbyte, limit uint64) bool {
	end := seekpos + nbyte
	if end < seekpos { // overflow
		return false
	}
	return end <= limit
}

// Read implements IOB's Read(minor, iov, nbyte, seekpos): pre-checks device
// existence and backend support, bounds-checks the range, then submits.
// complete is invoked with the backend's status once the command finishes;
// it may run on a worker goroutine.
func (b *Bridge) Read(minor int, buf []byte, seekpos uint64, complete func(backend.Status)) error {
	d, err := b.dt.Get(minor)
	if err != nil {
		return gwfs.ErrNoDevice
	}
	if d.Descriptor.Read == nil {
		return gwfs.ErrNoEnt
	}
	limit := d.Geometry.NumLBAs * uint64(d.Geometry.BlockSize)
	if !boundsOK(seekpos, uint64(len(buf)), limit) {
		return gwfs.ErrInvalid
	}

	cmd := &backend.Command{
		Kind:    backend.CommandRead,
		SeekPos: seekpos,
		NByte:   uint64(len(buf)),
		IOV:     []backend.IOVec{{Buf: buf}},
	}
	task := &Task{ID: uuid.New(), Minor: minor, Cmd: cmd}
	cmd.Complete = func(status backend.Status) {
		d.IncComplete()
		gwfs.Debugf(task, "read complete: %s", status)
		complete(status)
	}
	d.IncSubmit()
	gwfs.Debugf(task, "read submit: seekpos=%d nbyte=%d", seekpos, cmd.NByte)
	b.dispatch(d, func() { d.Descriptor.Read(d.Private, cmd) })
	return nil
}

// Write implements IOB's Write: same contract as Read.
func (b *Bridge) Write(minor int, buf []byte, seekpos uint64, complete func(backend.Status)) error {
	d, err := b.dt.Get(minor)
	if err != nil {
		return gwfs.ErrNoDevice
	}
	if d.Descriptor.Write == nil {
		return gwfs.ErrNoEnt
	}
	limit := d.Geometry.NumLBAs * uint64(d.Geometry.BlockSize)
	if !boundsOK(seekpos, uint64(len(buf)), limit) {
		return gwfs.ErrInvalid
	}

	cmd := &backend.Command{
		Kind:    backend.CommandWrite,
		SeekPos: seekpos,
		NByte:   uint64(len(buf)),
		IOV:     []backend.IOVec{{Buf: buf}},
	}
	task := &Task{ID: uuid.New(), Minor: minor, Cmd: cmd}
	cmd.Complete = func(status backend.Status) {
		d.IncComplete()
		gwfs.Debugf(task, "write complete: %s", status)
		complete(status)
	}
	d.IncSubmit()
	gwfs.Debugf(task, "write submit: seekpos=%d nbyte=%d", seekpos, cmd.NByte)
	b.dispatch(d, func() { d.Descriptor.Write(d.Private, cmd) })
	return nil
}

// Flush implements IOB's Flush: if the backend has no flush entry, it
// completes synchronously ok without touching the worker pool; otherwise
// dispatch is identical to Read/Write.
func (b *Bridge) Flush(minor int, complete func(backend.Status)) error {
	d, err := b.dt.Get(minor)
	if err != nil {
		return gwfs.ErrNoDevice
	}
	if d.Descriptor.Flush == nil {
		complete(backend.StatusOK)
		return nil
	}

	cmd := &backend.Command{Kind: backend.CommandFlush}
	task := &Task{ID: uuid.New(), Minor: minor, Cmd: cmd}
	cmd.Complete = func(status backend.Status) {
		d.IncComplete()
		gwfs.Debugf(task, "flush complete: %s", status)
		complete(status)
	}
	d.IncSubmit()
	gwfs.Debugf(task, "flush submit")
	b.dispatch(d, func() { d.Descriptor.Flush(d.Private, cmd) })
	return nil
}

// DeviceOps adapts the bridge-initiated synchronous path (spec.md §4.4) to
// fs.Ops, for use as the ops vector on `/dev/<devname>` block nodes: each
// call synthesizes a single-shot completion, submits through Read/Write/
// Flush above, and blocks on the result.
type DeviceOps struct {
	Bridge *Bridge
}

func minorOf(private interface{}) int { return private.(int) }

// Open is a no-op; the device is already bound by the time the node exists.
func (o DeviceOps) Open(private interface{}) error { return nil }

// Release is a no-op; see Open.
func (o DeviceOps) Release(private interface{}) error { return nil }

// Read submits and blocks on completion, translating the backend status:
// ok -> byte count, any non-ok -> io-error.
func (o DeviceOps) Read(private interface{}, buf []byte, offset int64) (int, error) {
	c := oneshot.New[backend.Status]()
	if err := o.Bridge.Read(minorOf(private), buf, uint64(offset), c.Signal); err != nil {
		return 0, err
	}
	if status := c.Wait(); status != backend.StatusOK {
		return 0, gwfs.ErrIOError
	}
	return len(buf), nil
}

// Write submits and blocks on completion, same translation as Read.
func (o DeviceOps) Write(private interface{}, buf []byte, offset int64) (int, error) {
	c := oneshot.New[backend.Status]()
	if err := o.Bridge.Write(minorOf(private), buf, uint64(offset), c.Signal); err != nil {
		return 0, err
	}
	if status := c.Wait(); status != backend.StatusOK {
		return 0, gwfs.ErrIOError
	}
	return len(buf), nil
}

// Fsync submits a flush and blocks on completion.
func (o DeviceOps) Fsync(private interface{}, datasync bool) error {
	c := oneshot.New[backend.Status]()
	if err := o.Bridge.Flush(minorOf(private), c.Signal); err != nil {
		return err
	}
	if status := c.Wait(); status != backend.StatusOK {
		return gwfs.ErrIOError
	}
	return nil
}
