// Package stub satisfies the SCSI-side symbols a backend compiled against a
// richer host may reference but this gateway does not implement, per
// spec.md §4.6: unmap granularity, xcopy max length, lock-lost
// notification, a configfs attribute getter, and a logfile helper. Each
// emits a one-shot backtrace log on its first and second invocation, then
// goes silent, always returning a neutral value.
package stub

import (
	"runtime/debug"
	"sync/atomic"

	gwfs "github.com/rclone/tcmur/fs"
)

// counter tracks how many times a given stub has fired, so logging can
// stop after the second call without a per-stub bespoke field.
type counter struct{ n int32 }

func (c *counter) fire(name string) {
	n := atomic.AddInt32(&c.n, 1)
	if n > 2 {
		return
	}
	gwfs.Errorf(gwfs.Str("stub"), "%s called (stub, call #%d)\n%s", name, n, debug.Stack())
}

var (
	unmapGranularityCalls   counter
	xcopyMaxLenCalls        counter
	lockLostCalls           counter
	configfsAttrCalls       counter
	logfileHelperCalls      counter
)

// UnmapGranularity stands in for a backend's unmap-granularity query; no
// host here supports unmap, so it reports 0.
func UnmapGranularity() uint32 {
	unmapGranularityCalls.fire("unmap_granularity")
	return 0
}

// XCopyMaxLength stands in for a backend's xcopy max-transfer-length query;
// this gateway never offloads a copy, so it reports 0.
func XCopyMaxLength() uint64 {
	xcopyMaxLenCalls.fire("xcopy_max_length")
	return 0
}

// LockLost notifies a backend that it has lost a SCSI reservation; this
// gateway has no reservation concept, so it is a no-op that reports false
// (not lost, nothing to act on).
func LockLost() bool {
	lockLostCalls.fire("lock_lost")
	return false
}

// ConfigFSAttr stands in for reading a configfs attribute by name; none
// exist here, so it reports an empty value.
func ConfigFSAttr(name string) string {
	configfsAttrCalls.fire("configfs_attr(" + name + ")")
	return ""
}

// LogfileHelper stands in for a backend's request to resolve its own
// logfile path; this gateway logs through fs.Logger instead, so it reports
// no path.
func LogfileHelper() string {
	logfileHelperCalls.fire("logfile_helper")
	return ""
}
