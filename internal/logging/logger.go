// Package logging provides structured logging for the gridsweep toolkit.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int8

const (
	DebugLevel Level = iota - 1
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int8(l))
	}
}

// ParseLevel converts a level name to a Level. Unknown names map to Info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// Fields is a set of key/value pairs attached to a log entry.
type Fields map[string]interface{}

// Logger writes leveled, structured log entries as JSON lines.
// A Logger is safe for concurrent use.
type Logger struct {
	level  Level
	mu     *sync.Mutex
	out    io.Writer
	fields Fields
	exit   func(int) // overridable for tests
}

// New creates a Logger writing entries at or above level to out.
func New(level Level, out io.Writer) *Logger {
	return &Logger{
		level:  level,
		mu:     &sync.Mutex{},
		out:    out,
		fields: Fields{},
		exit:   os.Exit,
	}
}

// Discard returns a logger that drops all output. Used in tests.
func Discard() *Logger {
	return New(FatalLevel+1, io.Discard)
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level Level) bool { return level >= l.level }

// With returns a child logger that includes fields in every entry.
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{level: l.level, mu: l.mu, out: l.out, fields: merged, exit: l.exit}
}

// WithField returns a child logger with a single extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.With(Fields{key: value})
}

// WithError returns a child logger carrying the error as a field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) log(level Level, msg string, fields []Fields) {
	if !l.Enabled(level) {
		return
	}

	entry := make(Fields, len(l.fields)+8)
	for k, v := range l.fields {
		entry[k] = v
	}
	for _, fs := range fields {
		for k, v := range fs {
			entry[k] = v
		}
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg

	line, err := json.Marshal(entry)
	if err != nil {
		// Entries must never be lost to a marshalling failure.
		line = []byte(fmt.Sprintf(`{"level":%q,"msg":%q,"marshal_error":%q}`,
			level.String(), msg, err.Error()))
	}
	line = append(line, '\n')

	l.mu.Lock()
	_, _ = l.out.Write(line)
	l.mu.Unlock()

	if level == FatalLevel {
		l.exit(1)
	}
}

// Debug logs at DebugLevel.
func (l *Logger) Debug(msg string, fields ...Fields) { l.log(DebugLevel, msg, fields) }

// Info logs at InfoLevel.
func (l *Logger) Info(msg string, fields ...Fields) { l.log(InfoLevel, msg, fields) }

// Warn logs at WarnLevel.
func (l *Logger) Warn(msg string, fields ...Fields) { l.log(WarnLevel, msg, fields) }

// Error logs at ErrorLevel.
func (l *Logger) Error(msg string, fields ...Fields) { l.log(ErrorLevel, msg, fields) }

// Fatal logs at FatalLevel and then exits with status 1.
func (l *Logger) Fatal(msg string, fields ...Fields) { l.log(FatalLevel, msg, fields) }

// FieldKeys returns the sorted keys of the logger's bound fields.
func (l *Logger) FieldKeys() []string {
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
