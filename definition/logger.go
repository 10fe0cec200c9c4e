// Package definition holds small cross-cutting interfaces shared by
// qbus and qbus/core.
package definition

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging seam every component accepts, so a host
// application can plug in its own backend instead of the default.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})
	ToggleDebug(value bool) bool

	// WithField returns a Logger enriched with a structured field,
	// e.g. the local module name or a peer's, attached to every line
	// logged from it afterward.
	WithField(key string, value interface{}) Logger
}

// DefaultLogger is the logger used when the host application does not
// provide its own, backed by logrus.
type DefaultLogger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

// NewDefaultLogger builds a DefaultLogger writing to stderr at info
// level; debug stays off unless toggled.
func NewDefaultLogger() *DefaultLogger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{base: base, entry: logrus.NewEntry(base)}
}

func (l *DefaultLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                 { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *DefaultLogger) Debug(v ...interface{})                { l.entry.Debug(v...) }
func (l *DefaultLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *DefaultLogger) Fatal(v ...interface{})                { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }
func (l *DefaultLogger) Panic(v ...interface{})                { l.entry.Panic(v...) }
func (l *DefaultLogger) Panicf(format string, v ...interface{}) { l.entry.Panicf(format, v...) }

// SetOutput redirects the logger, e.g. to the file named by -l.
func (l *DefaultLogger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.base.SetLevel(logrus.DebugLevel)
	} else {
		l.base.SetLevel(logrus.InfoLevel)
	}
	return value
}

func (l *DefaultLogger) WithField(key string, value interface{}) Logger {
	return &DefaultLogger{base: l.base, entry: l.entry.WithField(key, value)}
}
