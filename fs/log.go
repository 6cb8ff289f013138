package fs

import "github.com/sirupsen/logrus"

// Logger is the package-level logger every component logs through, mirroring
// the way rclone's own fs package wraps a single logger and exposes
// Logf/Debugf/Errorf free functions keyed by a loggable subject
// (backend/local/local.go:601,649,676,724,910).
var Logger = logrus.StandardLogger()

// Subject is anything identifying what a log line is about: a node, a
// device, a subtype. fmt.Stringer is enough.
type Subject interface {
	String() string
}

type stringSubject string

func (s stringSubject) String() string { return string(s) }

// Str wraps a plain string as a Subject for call sites that don't have a
// richer type handy.
func Str(s string) Subject { return stringSubject(s) }

// Logf logs at info level, prefixed with the subject.
func Logf(subject Subject, format string, args ...interface{}) {
	Logger.WithField("subject", subject.String()).Infof(format, args...)
}

// Debugf logs at debug level.
func Debugf(subject Subject, format string, args ...interface{}) {
	Logger.WithField("subject", subject.String()).Debugf(format, args...)
}

// Infof logs at info level; it behaves exactly like Logf.
func Infof(subject Subject, format string, args ...interface{}) {
	Logger.WithField("subject", subject.String()).Infof(format, args...)
}

// Errorf logs at error level.
func Errorf(subject Subject, format string, args ...interface{}) {
	Logger.WithField("subject", subject.String()).Errorf(format, args...)
}
