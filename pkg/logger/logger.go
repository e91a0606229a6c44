// Package logger provides a small leveled JSON logger shared by the
// coordinator, its store backends and the coordd daemon.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	levelOff
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case levelOff:
		return "OFF"
	default:
		return "INFO"
	}
}

// ParseLevel parses a string into a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return levelOff
	default:
		return LevelInfo
	}
}

// sink is shared between a logger and every child derived with With, so
// concurrent writers never interleave partial lines.
type sink struct {
	mu  sync.Mutex
	out io.Writer
}

// Logger writes one JSON object per line.
type Logger struct {
	sink   *sink
	level  Level
	fields map[string]interface{}
}

// New creates a new Logger with the specified output and level.
func New(output io.Writer, level string) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		sink:   &sink{out: output},
		level:  ParseLevel(level),
		fields: make(map[string]interface{}),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{
		sink:   &sink{out: io.Discard},
		level:  levelOff,
		fields: make(map[string]interface{}),
	}
}

// With returns a child Logger carrying additional fields.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	child := &Logger{
		sink:   l.sink,
		level:  l.level,
		fields: make(map[string]interface{}, len(l.fields)+len(keyvals)/2),
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	appendFields(child.fields, keyvals)
	return child
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level && l.level != levelOff
}

// Debug logs a message at debug level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(LevelDebug, msg, keyvals...)
}

// Info logs a message at info level.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(LevelInfo, msg, keyvals...)
}

// Warn logs a message at warn level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(LevelWarn, msg, keyvals...)
}

// Error logs a message at error level.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(LevelError, msg, keyvals...)
}

func (l *Logger) log(level Level, msg string, keyvals ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	entry := make(map[string]interface{}, len(l.fields)+len(keyvals)/2+3)
	for k, v := range l.fields {
		entry[k] = v
	}
	appendFields(entry, keyvals)

	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	_, _ = l.sink.out.Write(data)
}

// appendFields copies key/value pairs into dst. Values that do not encode
// well as JSON (errors, durations, Stringers) are rendered as strings.
func appendFields(dst map[string]interface{}, keyvals []interface{}) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		switch v := keyvals[i+1].(type) {
		case error:
			dst[key] = v.Error()
		case time.Duration:
			dst[key] = v.String()
		case fmt.Stringer:
			dst[key] = v.String()
		default:
			dst[key] = v
		}
	}
}
