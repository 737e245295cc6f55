package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// LogrusAdapter wraps a logrus entry to implement the Logger interface.
type LogrusAdapter struct {
	logger *logrus.Logger
	entry  *logrus.Entry
}

// NewLogrusAdapter creates a new adapter from a logrus.Logger.
func NewLogrusAdapter(logger *logrus.Logger) Logger {
	return &LogrusAdapter{
		logger: logger,
		entry:  logrus.NewEntry(logger),
	}
}

// WithField creates a new logger with an additional field.
func (l *LogrusAdapter) WithField(key string, value interface{}) Logger {
	return &LogrusAdapter{
		logger: l.logger,
		entry:  l.entry.WithField(key, value),
	}
}

// WithError creates a new logger with an error field.
func (l *LogrusAdapter) WithError(err error) Logger {
	return &LogrusAdapter{
		logger: l.logger,
		entry:  l.entry.WithError(err),
	}
}

func (l *LogrusAdapter) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *LogrusAdapter) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *LogrusAdapter) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *LogrusAdapter) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *LogrusAdapter) Fatalf(format string, args ...interface{}) {
	l.entry.Fatalf(format, args...)
}

func (l *LogrusAdapter) Debug(args ...interface{}) {
	l.entry.Debug(args...)
}

func (l *LogrusAdapter) Info(args ...interface{}) {
	l.entry.Info(args...)
}

func (l *LogrusAdapter) Warn(args ...interface{}) {
	l.entry.Warn(args...)
}

func (l *LogrusAdapter) Error(args ...interface{}) {
	l.entry.Error(args...)
}

func (l *LogrusAdapter) Debugln(args ...interface{}) {
	l.entry.Debugln(args...)
}

func (l *LogrusAdapter) Infoln(args ...interface{}) {
	l.entry.Infoln(args...)
}

func (l *LogrusAdapter) Warnln(args ...interface{}) {
	l.entry.Warnln(args...)
}

func (l *LogrusAdapter) Errorln(args ...interface{}) {
	l.entry.Errorln(args...)
}

// Writer returns a PipeWriter that logs each written line at debug level.
func (l *LogrusAdapter) Writer() *io.PipeWriter {
	return l.entry.WriterLevel(logrus.DebugLevel)
}

// Discard returns a logger that drops all output. Intended for tests.
func Discard() Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewLogrusAdapter(logger)
}
