// Package devtable implements the device table (DT): a fixed-capacity
// table mapping a minor to a device binding, per spec.md §4.3.
package devtable

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rclone/tcmur/backend"
	gwfs "github.com/rclone/tcmur/fs"
	"github.com/rclone/tcmur/registry"
)

// Per-device metrics, per SPEC_FULL.md §3's "(ADDED)" per-device metrics
// note: queue depth, submit total, and complete total, labeled by devname.
var (
	metricQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tcmur",
		Subsystem: "device",
		Name:      "queue_depth",
		Help:      "Outstanding submitted-but-not-completed commands for a device.",
	}, []string{"devname"})
	metricSubmitTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tcmur",
		Subsystem: "device",
		Name:      "submit_total",
		Help:      "Commands submitted to a device's backend.",
	}, []string{"devname"})
	metricCompleteTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tcmur",
		Subsystem: "device",
		Name:      "complete_total",
		Help:      "Commands completed by a device's backend.",
	}, []string{"devname"})
)

func init() {
	prometheus.MustRegister(metricQueueDepth, metricSubmitTotal, metricCompleteTotal)
}

// MaxMinors is the device table's fixed capacity.
const MaxMinors = 256

// Default geometry, per spec.md §4.3: "block_size defaults to 4096,
// num_lbas to 262144, max_xfer_len to 1 MiB unless the backend's open sets
// them."
const (
	DefaultBlockSize  = 4096
	DefaultNumLBAs    = 262144
	DefaultMaxXferLen = 1 << 20
)

var subtypeRE = regexp.MustCompile(`^[A-Za-z0-9]+`)

// cfgstringBufSize bounds cfgstring length, per spec.md §4.3
// ("must be shorter than the fixed cfgstring buffer").
const cfgstringBufSize = 4096

// Device is one DT slot: a binding from a minor to a backend instance, per
// spec.md §3 ("Device binding (DT slot)").
type Device struct {
	Minor         int
	Devname       string
	CfgstringOrig string
	cfgstring     string // mutable working copy; backends may destructively parse it

	Descriptor *backend.Descriptor
	Geometry   backend.Geometry
	Private    backend.Device

	refs int32 // open count, per spec.md's "need to hold the device" note

	nsubmit   uint64
	ncomplete uint64
}

// String lets Device satisfy fs.Subject for logging call sites.
func (d *Device) String() string { return d.Devname }

// Cfgstring returns the current working copy of the device's config
// string. Callers that need to destructively tokenize it (as a backend's
// Open may) should treat the returned string as theirs to consume; DT
// restores it from CfgstringOrig after every Open call, per spec.md §4.3's
// "cfgstring double-copy dance".
func (d *Device) Cfgstring() string { return d.cfgstring }

// Refs returns the device's current open-reference count.
func (d *Device) Refs() int32 { return atomic.LoadInt32(&d.refs) }

// Submitted/Completed expose the DT slot's diagnostic counters, per
// spec.md §3 ("nsubmit >= ncomplete at all times; the difference is the
// current queue depth").
func (d *Device) Submitted() uint64 { return atomic.LoadUint64(&d.nsubmit) }
func (d *Device) Completed() uint64 { return atomic.LoadUint64(&d.ncomplete) }

// IncSubmit and IncComplete are called by the I/O bridge around dispatch;
// they live on Device rather than being mutated directly so devtable stays
// the single owner of the invariant nsubmit >= ncomplete.
func (d *Device) IncSubmit() {
	n := atomic.AddUint64(&d.nsubmit, 1)
	metricSubmitTotal.WithLabelValues(d.Devname).Set(float64(n))
	metricQueueDepth.WithLabelValues(d.Devname).Set(float64(n - atomic.LoadUint64(&d.ncomplete)))
}

func (d *Device) IncComplete() {
	n := atomic.AddUint64(&d.ncomplete, 1)
	metricCompleteTotal.WithLabelValues(d.Devname).Set(float64(n))
	metricQueueDepth.WithLabelValues(d.Devname).Set(float64(atomic.LoadUint64(&d.nsubmit) - n))
}

// deleteMetrics drops this device's label series so a removed device
// doesn't leak a permanent gauge entry.
func (d *Device) deleteMetrics() {
	metricQueueDepth.DeleteLabelValues(d.Devname)
	metricSubmitTotal.DeleteLabelValues(d.Devname)
	metricCompleteTotal.DeleteLabelValues(d.Devname)
}

// Table is the DT: a fixed-capacity array of device bindings plus the
// registry it resolves subtypes against.
type Table struct {
	mu   sync.Mutex
	reg  *registry.Registry
	slot [MaxMinors]*Device
}

// New constructs a DT bound to reg. It also wires reg's in-use checker so
// BR's unload can enforce "busy if any device currently binds it"
// (spec.md §4.2), closing the loop between the two tables without either
// package importing the other's concrete type beyond this call.
func New(reg *registry.Registry) *Table {
	t := &Table{reg: reg}
	reg.SetInUseChecker(t.subtypeInUse)
	return t
}

func (t *Table) subtypeInUse(subtype string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.slot {
		if d != nil && d.Descriptor != nil && d.Descriptor.Subtype == subtype {
			return true
		}
	}
	return false
}

// parseCfgstring splits "/subtype/rest" into (subtype, rest), per spec.md
// §4.3's policy: "the first segment after the leading '/' is the subtype
// (alphanumeric run); the rest is the backend-specific configuration."
func parseCfgstring(cfg string) (subtype, rest string, err error) {
	if !strings.HasPrefix(cfg, "/") {
		return "", "", gwfs.ErrInvalid
	}
	body := cfg[1:]
	m := subtypeRE.FindString(body)
	if m == "" {
		return "", "", gwfs.ErrInvalid
	}
	return m, body[len(m):], nil
}

// CheckConfig implements DT's check_config: validates shape (leading "/",
// length, resolvable subtype) then delegates to the backend's CheckConfig
// if present. Per spec.md §9's resolved open question, the caller always
// takes ownership of (and discards) the reason string regardless of
// whether the backend's check succeeded.
func (t *Table) CheckConfig(cfg string) error {
	if len(cfg) >= cfgstringBufSize {
		return gwfs.ErrInvalid
	}
	subtype, _, err := parseCfgstring(cfg)
	if err != nil {
		return err
	}
	desc, ok := t.reg.Find(subtype)
	if !ok {
		return gwfs.ErrNoBackend
	}
	if desc.CheckConfig == nil {
		return nil
	}
	reason, err := desc.CheckConfig(cfg)
	_ = reason // owned and discarded here regardless of err, per spec.md §9.
	if err != nil {
		return gwfs.ErrInvalid
	}
	return nil
}

func defaultDevname(subtype string, minor int) string {
	return fmt.Sprintf("%s%03d", subtype, minor)
}

// ParseSizeOverride parses a human-readable size ("512MiB", "1GiB") out of
// a backend-specific cfgstring tail using docker/go-units, for backends
// that let device_add override default geometry inline.
func ParseSizeOverride(s string) (int64, error) {
	return units.RAMInBytes(s)
}

// DeviceAdd implements DT's device_add, per spec.md §4.3.
func (t *Table) DeviceAdd(ctx context.Context, minor int, devname, cfgstring string) (*Device, error) {
	if minor < 0 || minor >= MaxMinors {
		return nil, gwfs.ErrNoDevice
	}

	t.mu.Lock()
	if t.slot[minor] != nil {
		t.mu.Unlock()
		return nil, gwfs.ErrBusy
	}
	t.mu.Unlock()

	if err := t.CheckConfig(cfgstring); err != nil {
		return nil, err
	}
	subtype, _, _ := parseCfgstring(cfgstring)
	desc, _ := t.reg.Find(subtype)

	if devname == "" {
		devname = defaultDevname(subtype, minor)
	}

	priv, geom, err := desc.Open(ctx, cfgstring, false)
	if err != nil {
		return nil, err
	}

	d := &Device{
		Minor:         minor,
		Devname:       devname,
		CfgstringOrig: cfgstring,
		cfgstring:     cfgstring,
		Descriptor:    desc,
		Private:       priv,
		Geometry: backend.Geometry{
			NumLBAs:    DefaultNumLBAs,
			BlockSize:  DefaultBlockSize,
			MaxXferLen: DefaultMaxXferLen,
		},
	}
	if geom.GeometrySet {
		d.Geometry = geom
	}
	// Restore the working copy from the original now that Open has had its
	// chance to destructively tokenize it, per spec.md §4.3.
	d.cfgstring = d.CfgstringOrig

	t.mu.Lock()
	if t.slot[minor] != nil {
		t.mu.Unlock()
		_ = desc.Close(priv)
		return nil, gwfs.ErrBusy
	}
	t.slot[minor] = d
	t.mu.Unlock()

	gwfs.Logf(gwfs.Str("devtable"), "added device %s (minor %d, subtype %s)", devname, minor, subtype)
	return d, nil
}

// Get returns the device bound to minor, if any.
func (t *Table) Get(minor int) (*Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if minor < 0 || minor >= MaxMinors || t.slot[minor] == nil {
		return nil, gwfs.ErrNoDevice
	}
	return t.slot[minor], nil
}

// Open implements DT's open(devname): returns the minor for devname.
func (t *Table) Open(devname string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.slot {
		if d != nil && d.Devname == devname {
			atomic.AddInt32(&d.refs, 1)
			return d.Minor, nil
		}
	}
	return 0, gwfs.ErrNoDevice
}

// Close implements DT's close(minor): drops a reference.
func (t *Table) Close(minor int) error {
	d, err := t.Get(minor)
	if err != nil {
		return err
	}
	atomic.AddInt32(&d.refs, -1)
	return nil
}

// DeviceRemove implements DT's device_remove: fails with ErrNoDevice if
// unused, ErrBusy if there are outstanding opens, otherwise calls Close on
// the backend and frees the binding. Per spec.md §9's resolved open
// question, this fails fast rather than blocking on outstanding holds.
func (t *Table) DeviceRemove(minor int) error {
	t.mu.Lock()
	if minor < 0 || minor >= MaxMinors || t.slot[minor] == nil {
		t.mu.Unlock()
		return gwfs.ErrNoDevice
	}
	d := t.slot[minor]
	if atomic.LoadInt32(&d.refs) != 0 {
		t.mu.Unlock()
		return gwfs.ErrBusy
	}
	t.slot[minor] = nil
	t.mu.Unlock()

	if err := d.Descriptor.Close(d.Private); err != nil {
		gwfs.Errorf(d, "close: %v", err)
	}
	d.deleteMetrics()
	gwfs.Logf(d, "removed device (minor %d)", minor)
	return nil
}

// GetSize returns num_lbas * block_size for minor.
func (t *Table) GetSize(minor int) (uint64, error) {
	d, err := t.Get(minor)
	if err != nil {
		return 0, err
	}
	return d.Geometry.NumLBAs * uint64(d.Geometry.BlockSize), nil
}

// GetBlockSize returns minor's block size.
func (t *Table) GetBlockSize(minor int) (uint32, error) {
	d, err := t.Get(minor)
	if err != nil {
		return 0, err
	}
	return d.Geometry.BlockSize, nil
}

// GetMaxXfer returns minor's maximum transfer length.
func (t *Table) GetMaxXfer(minor int) (uint32, error) {
	d, err := t.Get(minor)
	if err != nil {
		return 0, err
	}
	return d.Geometry.MaxXferLen, nil
}

// GetDevName returns minor's device name.
func (t *Table) GetDevName(minor int) (string, error) {
	d, err := t.Get(minor)
	if err != nil {
		return "", err
	}
	return d.Devname, nil
}
