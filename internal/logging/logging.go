// Package logging provides the process-wide structured logger used by every
// CribCall component. The interface shape mirrors the injectable Logger the
// control and pairing servers are built against; the concrete implementation
// is backed by logrus so log lines carry structured fields instead of bare
// strings.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

const (
	LevelSilent = iota
	LevelError
	LevelInfo
	LevelDebug
)

// Logger is the injectable logging surface. Every component takes one at
// construction time rather than reaching for a package-level global.
type Logger interface {
	Debug(v ...interface{})
	Debugf(f string, v ...interface{})
	Info(v ...interface{})
	Infof(f string, v ...interface{})
	Error(v ...interface{})
	Errorf(f string, v ...interface{})
	// With returns a derived Logger that attaches the given structured
	// fields to every subsequent call.
	With(fields Fields) Logger
}

// Fields is a structured field set attached to log lines, e.g. component
// name, device id, or peer fingerprint.
type Fields map[string]interface{}

type logrusLogger struct {
	entry *logrus.Entry
}

var _ Logger = &logrusLogger{}

// New constructs a Logger at the given verbosity, tagged with component.
func New(level int, component string) Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch {
	case level >= LevelDebug:
		base.SetLevel(logrus.DebugLevel)
	case level >= LevelInfo:
		base.SetLevel(logrus.InfoLevel)
	case level >= LevelError:
		base.SetLevel(logrus.ErrorLevel)
	default:
		base.SetLevel(logrus.PanicLevel + 1) // silent: nothing logged
	}

	return &logrusLogger{entry: logrus.NewEntry(base).WithField("component", component)}
}

func (l *logrusLogger) With(fields Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) Debug(v ...interface{})            { l.entry.Debug(v...) }
func (l *logrusLogger) Debugf(f string, v ...interface{}) { l.entry.Debugf(f, v...) }
func (l *logrusLogger) Info(v ...interface{})             { l.entry.Info(v...) }
func (l *logrusLogger) Infof(f string, v ...interface{})  { l.entry.Infof(f, v...) }
func (l *logrusLogger) Error(v ...interface{})            { l.entry.Error(v...) }
func (l *logrusLogger) Errorf(f string, v ...interface{}) { l.entry.Errorf(f, v...) }
