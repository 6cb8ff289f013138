package fs

import "time"

// Kind is the kind of a VFT node, per spec.md §3.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindBlock
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindBlock:
		return "block"
	default:
		return "regular"
	}
}

// Attr is the attribute set a node carries: mode, size, block size and
// timestamps, per spec.md §3.
type Attr struct {
	Mode      uint32
	Size      uint64
	BlockSize uint32 // power of two; meaningful for Kind == KindBlock
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Rdev      uint32
}

// Ops is the per-node operations vector a leaf carries, per spec.md §6's
// per-node op surface table. Every method is optional except where noted;
// a nil Ops is only valid on a pure directory node.
type Ops interface {
	// Open is called once a reference has been taken on the node. Optional.
	Open(private interface{}) error
	// Release drops the hold taken by Open. Optional.
	Release(private interface{}) error
	// Read services a read at the given offset. Mandatory for readable nodes.
	Read(private interface{}, buf []byte, offset int64) (int, error)
	// Write services a write at the given offset. Mandatory for writable nodes.
	Write(private interface{}, buf []byte, offset int64) (int, error)
	// Fsync flushes private. Missing (nil Ops, or an Ops whose Fsync no-ops)
	// means success, per spec.md §6.
	Fsync(private interface{}, datasync bool) error
}

// NopOps embeds into a partial Ops implementation so callers only need to
// override the methods they actually support. Read and Write report
// ErrNoEnt; Open, Release and Fsync report success (for Fsync, per spec.md
// §6: "Missing ⇒ success").
type NopOps struct{}

func (NopOps) Open(interface{}) error { return nil }

func (NopOps) Release(interface{}) error { return nil }

func (NopOps) Read(interface{}, []byte, int64) (int, error) { return 0, ErrNoEnt }

func (NopOps) Write(interface{}, []byte, int64) (int, error) { return 0, ErrNoEnt }

func (NopOps) Fsync(interface{}, bool) error { return nil }
