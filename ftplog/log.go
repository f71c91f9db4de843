// Package ftplog is the engine's structured logging sink, modelled on
// rclone's fs.Debugf/fs.Logf calling convention (backend/ftp/ftp.go logs
// via fs.Debugf(f, ...), fs.Debugf(direction, "%q", line), fs.Logf(o, ...))
// but built directly on logrus rather than rclone's internal fs package.
package ftplog

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Direction tags a trace line per spec.md §6: {log_uid, timestamp,
// direction, text}.
type Direction string

// Trace directions.
const (
	DirCmd   Direction = "Cmd"
	DirReply Direction = "Reply"
	DirInfo  Direction = "Info"
	DirError Direction = "Error"
)

// Tagger identifies the object a log line is about (a control connection,
// data connection, or queue item), mirroring the fs.Fs/fs.Object values
// rclone passes as the first argument to Debugf/Logf.
type Tagger interface {
	fmt.Stringer
}

var logUIDCounter int64

// NextLogUID returns a process-wide monotonically increasing log_uid, as
// required by spec.md §6 ("each control connection has a monotonically
// assigned log_uid").
func NextLogUID() int64 {
	return atomic.AddInt64(&logUIDCounter, 1)
}

// Logger wraps a logrus.FieldLogger with the engine's tagging
// conventions. The zero value uses logrus.StandardLogger().
type Logger struct {
	base logrus.FieldLogger
}

// New builds a Logger around the given logrus logger; pass nil to use
// the standard logger.
func New(base logrus.FieldLogger) *Logger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &Logger{base: base}
}

var std = New(nil)

// Default returns the package-level default Logger.
func Default() *Logger { return std }

func (l *Logger) entry(tag Tagger) *logrus.Entry {
	e, ok := l.base.(*logrus.Entry)
	if !ok {
		lg, isLogger := l.base.(*logrus.Logger)
		if !isLogger {
			lg = logrus.StandardLogger()
		}
		e = logrus.NewEntry(lg)
	}
	if tag != nil {
		e = e.WithField("obj", tag.String())
	}
	return e
}

// Debugf logs at debug level, tagged with tag's String().
func (l *Logger) Debugf(tag Tagger, format string, args ...interface{}) {
	l.entry(tag).Debugf(format, args...)
}

// Infof logs at info level.
func (l *Logger) Infof(tag Tagger, format string, args ...interface{}) {
	l.entry(tag).Infof(format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag Tagger, format string, args ...interface{}) {
	l.entry(tag).Errorf(format, args...)
}

// Debugf logs via the package default logger.
func Debugf(tag Tagger, format string, args ...interface{}) { std.Debugf(tag, format, args...) }

// Infof logs via the package default logger.
func Infof(tag Tagger, format string, args ...interface{}) { std.Infof(tag, format, args...) }

// Errorf logs via the package default logger.
func Errorf(tag Tagger, format string, args ...interface{}) { std.Errorf(tag, format, args...) }

// Trace is one {log_uid, timestamp, direction, text} wire-trace event
// (spec.md §6 "Logging").
type Trace struct {
	LogUID    int64
	Timestamp time.Time
	Direction Direction
	Text      string
}

// LogTrace emits a Trace through the default logger as structured
// logrus fields, redacting PASS arguments the way
// backend/ftp/ftp.go's debugLog does ("PASS *****").
func LogTrace(tr Trace) {
	text := tr.Text
	if tr.Direction == DirCmd && len(text) >= 4 && (text[:4] == "PASS" || text[:4] == "pass") {
		text = "PASS *****"
	}
	logrus.WithFields(logrus.Fields{
		"log_uid":   tr.LogUID,
		"direction": string(tr.Direction),
		"ts":        tr.Timestamp.Format(time.RFC3339Nano),
	}).Debug(text)
}
