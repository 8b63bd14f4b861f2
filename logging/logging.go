// Package logging defines the structured logger used throughout the module
// and a logrus-backed implementation that writes JSON lines, which is what
// CloudWatch Logs expects from a Lambda function.
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger mirrors the shape of the Slack Manager plugin logger
// (github.com/slackmgr/types.Logger) without its Fatal methods. WithField and
// WithFields return a derived logger and never modify the receiver.
type Logger interface {
	WithField(key string, value any) Logger
	WithFields(fields map[string]any) Logger
	Debug(msg string)
	Debugf(format string, args ...any)
	Info(msg string)
	Infof(format string, args ...any)
	Warn(msg string)
	Warnf(format string, args ...any)
	Error(msg string)
	Errorf(format string, args ...any)
}

// New returns a Logger that writes JSON to w at the given level. Unknown
// level names fall back to info.
//
//nolint:ireturn // Callers depend on the Logger interface only.
func New(level string, w io.Writer) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}

	l.SetLevel(lvl)

	return &entryLogger{entry: logrus.NewEntry(l)}
}

type entryLogger struct {
	entry *logrus.Entry
}

//nolint:ireturn
func (l *entryLogger) WithField(key string, value any) Logger {
	return &entryLogger{entry: l.entry.WithField(key, value)}
}

//nolint:ireturn
func (l *entryLogger) WithFields(fields map[string]any) Logger {
	return &entryLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *entryLogger) Debug(msg string)                  { l.entry.Debug(msg) }
func (l *entryLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *entryLogger) Info(msg string)                   { l.entry.Info(msg) }
func (l *entryLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *entryLogger) Warn(msg string)                   { l.entry.Warn(msg) }
func (l *entryLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *entryLogger) Error(msg string)                  { l.entry.Error(msg) }
func (l *entryLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// Noop returns a Logger that discards everything.
//
//nolint:ireturn
func Noop() Logger {
	return noopLogger{}
}

type noopLogger struct{}

//nolint:ireturn
func (n noopLogger) WithField(_ string, _ any) Logger { return n }

//nolint:ireturn
func (n noopLogger) WithFields(_ map[string]any) Logger { return n }
func (noopLogger) Debug(_ string)                        {}
func (noopLogger) Debugf(_ string, _ ...any)             {}
func (noopLogger) Info(_ string)                         {}
func (noopLogger) Infof(_ string, _ ...any)              {}
func (noopLogger) Warn(_ string)                         {}
func (noopLogger) Warnf(_ string, _ ...any)              {}
func (noopLogger) Error(_ string)                        {}
func (noopLogger) Errorf(_ string, _ ...any)             {}
