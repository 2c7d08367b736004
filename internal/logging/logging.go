// Package logging generalizes the teacher's ad hoc log.Printf("[TAG] ...")
// call sites into a small leveled wrapper, backed by logrus (as used for
// server-side logging elsewhere in the retrieved pack) instead of a
// hand-rolled formatter, so subsystems can be filtered by
// server.log_level and still get logrus's level-aware formatting.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger is a tagged, level-gated wrapper around a logrus entry; the tag
// (e.g. "[REPLICATION]") is carried as the entry's "component" field.
type Logger struct {
	tag   string
	entry *logrus.Entry
}

// New creates a Logger that writes tag as the "component" field of
// every line.
func New(tag string, level Level) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(level.logrusLevel())
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{tag: tag, entry: base.WithField("component", tag)}
}

// With returns a child logger sharing the same level and output but a
// different tag, for subsystems nested under a parent (e.g. a specific
// replica connection under "[REPLICATION]").
func (l *Logger) With(tag string) *Logger {
	combined := l.tag + " " + tag
	return &Logger{tag: combined, entry: l.entry.Logger.WithField("component", combined)}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
