// Package logging provides the structured logger used throughout coreunitd.
//
// The surface mirrors how the teacher codebase calls its shared logger
// (e.g. lxd/storage/backend_lxd.go: b.logger.Info("Applying patch",
// logger.Ctx{"name": name})): callers pass a message and an optional
// Ctx map of structured fields rather than building format strings.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Ctx carries structured logging fields.
type Ctx map[string]any

// Logger is the logging surface consumed by the rest of the module.
type Logger interface {
	Debug(msg string, ctx ...Ctx)
	Info(msg string, ctx ...Ctx)
	Warn(msg string, ctx ...Ctx)
	Error(msg string, ctx ...Ctx)
	AddContext(ctx Ctx) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New returns a Logger backed by logrus, writing to stderr at debug level.
func New() Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.SetLevel(logrus.DebugLevel)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.SetLevel(logrus.PanicLevel)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) fields(ctx []Ctx) logrus.Fields {
	if len(ctx) == 0 {
		return nil
	}

	f := make(logrus.Fields, len(ctx[0]))
	for _, c := range ctx {
		for k, v := range c {
			f[k] = v
		}
	}

	return f
}

func (l *logrusLogger) Debug(msg string, ctx ...Ctx) {
	l.entry.WithFields(l.fields(ctx)).Debug(msg)
}

func (l *logrusLogger) Info(msg string, ctx ...Ctx) {
	l.entry.WithFields(l.fields(ctx)).Info(msg)
}

func (l *logrusLogger) Warn(msg string, ctx ...Ctx) {
	l.entry.WithFields(l.fields(ctx)).Warn(msg)
}

func (l *logrusLogger) Error(msg string, ctx ...Ctx) {
	l.entry.WithFields(l.fields(ctx)).Error(msg)
}

func (l *logrusLogger) AddContext(ctx Ctx) Logger {
	return &logrusLogger{entry: l.entry.WithFields(l.fields([]Ctx{ctx}))}
}
