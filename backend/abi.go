// Package backend defines the fixed ABI that a block-storage backend
// plugin must implement, per spec.md §6 ("Backend ABI (consumed from
// external plugins)"). It has no dependency on the registry, device table,
// or I/O bridge so that a backend implementation (in this tree or loaded
// from a shared object) never needs to import gateway internals.
package backend

import "context"

// Status is the backend-reported outcome of a command, per spec.md §3/§6.
type Status int

// Status codes, per spec.md §6 ("Status codes include at least ok, range,
// rd_err, wr_err, no_resource").
const (
	StatusOK Status = iota
	StatusRange
	StatusRdErr
	StatusWrErr
	StatusNoResource
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRange:
		return "range"
	case StatusRdErr:
		return "rd_err"
	case StatusWrErr:
		return "wr_err"
	case StatusNoResource:
		return "no_resource"
	default:
		return "unknown"
	}
}

// IOVec is one scatter/gather element, per spec.md's glossary.
type IOVec struct {
	Buf []byte
}

// CommandKind is the kind of an in-flight task, per spec.md §3.
type CommandKind int

const (
	CommandRead CommandKind = iota
	CommandWrite
	CommandFlush
)

// Command is one in-flight I/O request as the backend sees it: a kind, a
// byte range, an iovec, and the Complete callback the backend invokes with
// its status. Complete is a plain func, so backends never see a
// gateway-internal type; the rest of the completion plumbing lives in the
// IOB.
type Command struct {
	Kind     CommandKind
	SeekPos  uint64
	NByte    uint64
	IOV      []IOVec
	Complete func(status Status)
}

// Device is the per-instance handle a backend's Open returns and every
// subsequent call receives back; its shape is entirely up to the backend
// (the gateway only ever passes it through).
type Device interface{}

// Geometry is what Open may report back to the device table when it wants
// to override the defaults in spec.md §4.3 (block_size=4096,
// num_lbas=262144, max_xfer_len=1MiB).
type Geometry struct {
	NumLBAs     uint64
	BlockSize   uint32
	MaxXferLen  uint32
	GeometrySet bool
}

// Descriptor is a backend's registration record, per spec.md §3 ("Backend
// descriptor (BR slot)"). NrThreads == 0 means the backend completes
// Command.Complete inline, from within Read/Write/Flush, before those
// calls return (spec.md §4.4's "caller-inline completion semantics");
// NrThreads > 0 means the backend completes asynchronously, from its own
// goroutines, at some later time.
type Descriptor struct {
	Subtype     string
	DisplayName string
	NrThreads   int

	CheckConfig func(cfg string) (reason string, err error)
	Open        func(ctx context.Context, cfgstring string, reopen bool) (Device, Geometry, error)
	Close       func(dev Device) error
	Read        func(dev Device, cmd *Command) Status
	Write       func(dev Device, cmd *Command) Status
	Flush       func(dev Device, cmd *Command) Status
}
