// Package clock wraps github.com/benbjohnson/clock (a teacher indirect
// dependency, promoted here to direct use) so tests can control time
// without sleeping: the VFT's atime/mtime stamping goes through a
// clock.Clock instead of calling time.Now directly. The control channel's
// delayed `exit` does not; it uses time.Sleep.
package clock

import "github.com/benbjohnson/clock"

// Clock is the subset of benbjohnson/clock's interface this gateway uses.
type Clock = clock.Clock

// New returns the real, wall-clock implementation.
func New() Clock { return clock.New() }

// NewMock returns a controllable clock for tests.
func NewMock() *clock.Mock { return clock.NewMock() }
