//go:build linux

package registry

import "plugin"

// pluginHandle adapts *plugin.Plugin to Handle.
type pluginHandle struct{ p *plugin.Plugin }

func (h pluginHandle) Lookup(symbol string) (Symbol, error) { return h.p.Lookup(symbol) }

// Close is a no-op: the Go plugin package has no unload primitive, so per
// spec.md §4.2 ("simple implementations may defer handle closure to
// process exit") we hold the handle open until the process exits. Unload
// still removes the descriptor from the registry immediately.
func (h pluginHandle) Close() error { return nil }

// pluginLoader loads backends from an on-disk shared object via the
// standard library's plugin package — the one FFI point this gateway has,
// per spec.md §9.
type pluginLoader struct{}

// NewPluginLoader returns the default Loader used for backends that are
// not compiled into this binary.
func NewPluginLoader() Loader { return pluginLoader{} }

func (pluginLoader) Load(path string) (Handle, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return pluginHandle{p}, nil
}
