// Package log defines the logging interface consumed across bus1q and
// a default implementation backed by logrus.
//
// This mirrors the teacher's types.Logger / definition.DefaultLogger
// split (an interface the core depends on, plus a default, swappable
// implementation) but backs the default with logrus instead of a bare
// stdlib *log.Logger wrapper, since logrus already ships as a
// dependency of the teacher's own go.mod.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger every bus1q component depends on.
// Debug-level calls are expected to be cheap to make (checked inside
// the implementation) so call sites do not need to guard them.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithField returns a derived Logger that attaches key/value to
	// every subsequent call, used to tag log lines with the
	// producing peer or queue.
	WithField(key string, value interface{}) Logger
}

// logrusLogger adapts a *logrus.Entry to the Logger interface.
type logrusLogger struct {
	entry *logrus.Entry
}

// New returns the default Logger, writing leveled, structured output
// to stderr.
func New(debug bool) Logger {
	l := logrus.New()
	l.Out = os.Stderr
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *logrusLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *logrusLogger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *logrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

// Nop is a Logger that discards everything, used by tests that do not
// care about log output.
type nop struct{}

func (nop) Debugf(string, ...interface{}) {}
func (nop) Infof(string, ...interface{})  {}
func (nop) Warnf(string, ...interface{})  {}
func (nop) Errorf(string, ...interface{}) {}
func (n nop) WithField(string, interface{}) Logger { return n }

// Nop returns a Logger implementation that discards all output.
func Nop() Logger { return nop{} }
