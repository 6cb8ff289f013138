// Package registry implements the backend registry (BR): a fixed-capacity
// table mapping a subtype string to a loaded backend descriptor, handling
// load/unload through the dynamic loader, per spec.md §4.2.
package registry

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/rclone/tcmur/backend"
	gwfs "github.com/rclone/tcmur/fs"
)

// MaxBackends is the registry's fixed capacity, per spec.md §3 ("a fixed-
// capacity table (bounded small N, e.g. 64)").
const MaxBackends = 64

// StaticInit is the self-registration hook a backend compiled into this
// binary calls from its own init(), mirroring rclone's
// `fs.Register(&fs.RegInfo{...})` idiom (backend/memory/memory.go:30) —
// except here the call only records the initializer; it runs when `load`
// asks for that subtype, same as a dynamically loaded plugin's
// handler_init.
type StaticInit func(r *Registry) error

var (
	staticMu   sync.Mutex
	staticInit = map[string]StaticInit{}
)

// RegisterStatic records an in-process backend's initializer under
// subtype, for backends built into this binary (see backend/ramdisk,
// backend/file). Panics on duplicate registration — a build-time
// programming error, not a runtime condition.
func RegisterStatic(subtype string, init StaticInit) {
	staticMu.Lock()
	defer staticMu.Unlock()
	if _, exists := staticInit[subtype]; exists {
		panic("registry: duplicate static backend subtype " + subtype)
	}
	staticInit[subtype] = init
}

type slot struct {
	desc   *backend.Descriptor
	handle Handle // nil for statically-linked backends
}

// Registry is the BR: a fixed-capacity backend table plus the dynamic
// loader used for subtypes not compiled into this binary.
type Registry struct {
	mu     sync.Mutex
	prefix string
	suffix string
	loader Loader
	slots  [MaxBackends]slot
	filled int

	// inUse reports whether subtype currently has bound devices; wired by
	// devtable via SetInUseChecker to avoid an import cycle (devtable
	// imports registry, not the reverse).
	inUse func(subtype string) bool
}

// defaultSuffix is the platform shared-library suffix used to build a
// plugin's on-disk path, per spec.md §6 ("plugin path = prefix + subtype +
// platform library suffix").
func defaultSuffix() string {
	if runtime.GOOS == "darwin" {
		return ".dylib"
	}
	return ".so"
}

// New constructs a BR. prefix is configured once, per spec.md §4.2
// ("The prefix is configured once by libtcmur_init"); the default is
// "/usr/local/lib/tcmu-runner/handler_", per spec.md §6.
func New(prefix string, loader Loader) *Registry {
	if prefix == "" {
		prefix = "/usr/local/lib/tcmu-runner/handler_"
	}
	if loader == nil {
		loader = NewPluginLoader()
	}
	return &Registry{prefix: prefix, suffix: defaultSuffix(), loader: loader}
}

// SetInUseChecker wires devtable's bound-device query so Unload can enforce
// "busy if any device currently binds it" (spec.md §4.2).
func (r *Registry) SetInUseChecker(fn func(subtype string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse = fn
}

func (r *Registry) findLocked(subtype string) (int, *slot) {
	for i := range r.slots {
		if r.slots[i].desc != nil && r.slots[i].desc.Subtype == subtype {
			return i, &r.slots[i]
		}
	}
	return -1, nil
}

func (r *Registry) freeSlotLocked() int {
	for i := range r.slots {
		if r.slots[i].desc == nil {
			return i
		}
	}
	return -1
}

// Find returns the descriptor registered under subtype, if any.
func (r *Registry) Find(subtype string) (*backend.Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, s := r.findLocked(subtype); s != nil {
		return s.desc, true
	}
	return nil, false
}

// Load implements BR's load(subtype): fails with ErrExists if already
// registered, ErrNoSpace if the table is full. It then either runs the
// in-process initializer registered via RegisterStatic, or constructs the
// plugin path (prefix + subtype + platform suffix), loads it through the
// Loader, resolves its exported "HandlerInit" symbol (the handler_init
// entry point), and invokes it. The initializer is
// expected to call Register back into this registry, filling the slot
// this call reserved. Failure at any step unloads whatever was partially
// done.
func (r *Registry) Load(subtype string) error {
	r.mu.Lock()
	if _, s := r.findLocked(subtype); s != nil {
		r.mu.Unlock()
		return gwfs.ErrExists
	}
	if r.freeSlotLocked() < 0 {
		r.mu.Unlock()
		return gwfs.ErrNoSpace
	}
	r.mu.Unlock()

	staticMu.Lock()
	init, isStatic := staticInit[subtype]
	staticMu.Unlock()

	if isStatic {
		if err := init(r); err != nil {
			return errors.Wrapf(err, "tcmur: static backend %q init failed", subtype)
		}
	} else {
		path := r.prefix + subtype + r.suffix
		handle, err := r.loader.Load(path)
		if err != nil {
			gwfs.Errorf(gwfs.Str("registry"), "load %s: %v", subtype, err)
			return gwfs.ErrBadFile
		}
		sym, err := handle.Lookup("HandlerInit")
		if err != nil {
			_ = handle.Close()
			gwfs.Errorf(gwfs.Str("registry"), "resolve handler_init in %s: %v", path, err)
			return gwfs.ErrBadFile
		}
		initFn, ok := sym.(func(*Registry) error)
		if !ok {
			_ = handle.Close()
			return gwfs.ErrBadFile
		}
		if err := initFn(r); err != nil {
			_ = handle.Close()
			return errors.Wrapf(err, "tcmur: plugin backend %q init failed", subtype)
		}
		r.mu.Lock()
		if i, s := r.findLocked(subtype); s != nil {
			r.slots[i].handle = handle
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	_, s := r.findLocked(subtype)
	r.mu.Unlock()
	if s == nil {
		return fmt.Errorf("tcmur: backend %q did not register itself", subtype)
	}
	gwfs.Logf(gwfs.Str("registry"), "loaded backend %q", subtype)
	return nil
}

// Register is the plugin-side call an initializer makes to store its
// descriptor in an empty slot; fails if any slot already holds a
// descriptor with the same subtype, per spec.md §4.2.
func (r *Registry) Register(desc *backend.Descriptor) error {
	if desc == nil || desc.Subtype == "" {
		return gwfs.ErrInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, s := r.findLocked(desc.Subtype); s != nil {
		return gwfs.ErrExists
	}
	i := r.freeSlotLocked()
	if i < 0 {
		return gwfs.ErrNoSpace
	}
	r.slots[i].desc = desc
	r.filled++
	return nil
}

// Unload implements BR's unload(subtype): fails with ErrNotFound if no such
// backend, ErrBusy if any device currently binds it, otherwise removes the
// descriptor. The dynamic-loader handle is only closed once no descriptor
// remains registered under it, per spec.md §4.2.
func (r *Registry) Unload(subtype string) error {
	r.mu.Lock()
	i, s := r.findLocked(subtype)
	if s == nil {
		r.mu.Unlock()
		return gwfs.ErrNotFound
	}
	if r.inUse != nil && r.inUse(subtype) {
		r.mu.Unlock()
		return gwfs.ErrBusy
	}
	handle := r.slots[i].handle
	r.slots[i] = slot{}
	r.filled--

	stillInUse := false
	if handle != nil {
		for j := range r.slots {
			if r.slots[j].handle == handle {
				stillInUse = true
				break
			}
		}
	}
	r.mu.Unlock()

	if handle != nil && !stillInUse {
		_ = handle.Close()
	}
	gwfs.Logf(gwfs.Str("registry"), "unloaded backend %q", subtype)
	return nil
}

// Len returns the number of currently registered backends, for
// diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}
