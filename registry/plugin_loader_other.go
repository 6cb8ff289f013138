//go:build !linux

package registry

import "fmt"

// pluginLoader is unavailable outside linux, where the standard library's
// plugin package isn't supported; statically-linked backends (the ones
// this tree ships) are unaffected since they never call Loader.Load.
type pluginLoader struct{}

// NewPluginLoader returns a Loader whose Load always fails on this
// platform.
func NewPluginLoader() Loader { return pluginLoader{} }

func (pluginLoader) Load(path string) (Handle, error) {
	return nil, fmt.Errorf("tcmur: dynamic backend loading is not supported on this platform (tried %s)", path)
}
