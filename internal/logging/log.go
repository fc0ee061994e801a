// Package logging is a small leveled key/value logger shared by all components.
//
// Lines look like:
//
//	2024-03-10T12:00:00.000000Z [INFO] planner round finished user_id=abc round=2
//
// Callers must never pass tokens, secrets or upstream response bodies as values.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level.
// Anything else yields LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

var (
	mu       sync.RWMutex
	logger   = stdlog.New(os.Stderr, "", 0)
	minLevel = LevelInfo
)

// SetLevel changes the minimum level that is written.
func SetLevel(l Level) {
	mu.Lock()
	minLevel = l
	mu.Unlock()
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	logger = stdlog.New(w, "", 0)
	mu.Unlock()
}

func Debug(msg string, kv ...any) { write(LevelDebug, msg, kv...) }

func Info(msg string, kv ...any) { write(LevelInfo, msg, kv...) }

func Warn(msg string, kv ...any) { write(LevelWarn, msg, kv...) }

// Error logs msg with err prepended to the key/value pairs.
func Error(msg string, err error, kv ...any) {
	extended := append([]any{"err", err}, kv...)
	write(LevelError, msg, extended...)
}

// Fatal logs at error level and exits with status 1.
func Fatal(msg string, err error, kv ...any) {
	Error(msg, err, kv...)
	os.Exit(1)
}

// Logger carries fixed key/value pairs, e.g. a request id, into every line.
type Logger struct {
	fields []any
}

// With returns a Logger that prefixes kv to every call.
func With(kv ...any) *Logger {
	return &Logger{fields: append([]any(nil), kv...)}
}

// With extends an existing Logger.
func (l *Logger) With(kv ...any) *Logger {
	merged := make([]any, 0, len(l.fields)+len(kv))
	merged = append(merged, l.fields...)
	merged = append(merged, kv...)
	return &Logger{fields: merged}
}

func (l *Logger) Debug(msg string, kv ...any) { write(LevelDebug, msg, l.merge(kv)...) }

func (l *Logger) Info(msg string, kv ...any) { write(LevelInfo, msg, l.merge(kv)...) }

func (l *Logger) Warn(msg string, kv ...any) { write(LevelWarn, msg, l.merge(kv)...) }

func (l *Logger) Error(msg string, err error, kv ...any) {
	write(LevelError, msg, append([]any{"err", err}, l.merge(kv)...)...)
}

func (l *Logger) merge(kv []any) []any {
	if l == nil || len(l.fields) == 0 {
		return kv
	}
	out := make([]any, 0, len(l.fields)+len(kv))
	out = append(out, l.fields...)
	return append(out, kv...)
}

func write(level Level, msg string, kv ...any) {
	mu.RLock()
	defer mu.RUnlock()
	if level < minLevel {
		return
	}
	line := time.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00") + " [" + level.String() + "] " + msg
	line += formatKVs(kv...)
	logger.Println(line)
}

func formatKVs(kv ...any) string {
	var b strings.Builder
	// Pairs only; a trailing odd value is dropped.
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(kv[i+1]))
	}
	return b.String()
}
