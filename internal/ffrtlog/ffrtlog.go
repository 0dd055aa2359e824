// Package ffrtlog provides the structured-logging ambient stack shared by
// every FFRT component. It follows the same category/level/structured-field
// shape as a hand-rolled event-loop logger, but is backed by a real
// structured logging library (logiface, writing through zerolog) instead of
// a bespoke interface, so downstream users can swap in their own logiface
// backend via SetLogger.
package ffrtlog

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Level mirrors the severity kinds named in spec.md §7's error-handling
// design: resource exhaustion / invalid argument / state violation all log
// at Warn or Error; fatal conditions log at Emergency before aborting.
type Level = logiface.Level

var (
	mu      sync.RWMutex
	current *logiface.Logger[*izerolog.Event]

	// enabled gates the hot-path cost of building a log line; checked before
	// any field is attached.
	enabled atomic.Bool
)

func init() {
	SetLogger(newDefaultLogger())
}

func newDefaultLogger() *logiface.Logger[*izerolog.Event] {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	return logiface.New[*izerolog.Event](
		izerolog.WithZerolog(zl),
		logiface.WithLevel[*izerolog.Event](logiface.LevelInformational),
	)
}

// SetLogger replaces the package-level logger. Safe to call concurrently;
// intended for process start-up (mirrors eventloop.SetStructuredLogger).
func SetLogger(l *logiface.Logger[*izerolog.Event]) {
	mu.Lock()
	current = l
	mu.Unlock()
	enabled.Store(l != nil)
}

func get() *logiface.Logger[*izerolog.Event] {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Fields is a convenience slice of key/value pairs attached to a log line.
// Use an even number of elements: key, value, key, value, ...
type Fields []any

func apply(b *logiface.Builder[*izerolog.Event], fields Fields) *logiface.Builder[*izerolog.Event] {
	for i := 0; i+1 < len(fields); i += 2 {
		key, _ := fields[i].(string)
		switch v := fields[i+1].(type) {
		case string:
			b = b.Str(key, v)
		case int:
			b = b.Int(key, v)
		case int64:
			b = b.Int64(key, v)
		case uint64:
			b = b.Uint64(key, v)
		case error:
			b = b.Err(v)
		case bool:
			b = b.Bool(key, v)
		default:
			// fall back to string formatting for anything unusual (qos
			// levels, task states, etc. implement Stringer).
			if s, ok := v.(interface{ String() string }); ok {
				b = b.Str(key, s.String())
			}
		}
	}
	return b
}

// Debug logs a debug-level line with the given category and fields.
func Debug(category, msg string, fields ...any) { log(logiface.LevelDebug, category, msg, fields) }

// Info logs an informational line.
func Info(category, msg string, fields ...any) {
	log(logiface.LevelInformational, category, msg, fields)
}

// Warn logs a warning line.
func Warn(category, msg string, fields ...any) { log(logiface.LevelWarning, category, msg, fields) }

// Error logs an error-level line.
func Error(category, msg string, fields ...any) { log(logiface.LevelError, category, msg, fields) }

// Emergency logs at the highest severity, used immediately before the fatal
// path in package coroutine aborts the process.
func Emergency(category, msg string, fields ...any) {
	log(logiface.LevelEmergency, category, msg, fields)
}

func log(level Level, category, msg string, fields Fields) {
	if !enabled.Load() {
		return
	}
	l := get()
	if l == nil {
		return
	}
	b := l.Build(level)
	if b == nil {
		return
	}
	b = b.Str("category", category)
	b = apply(b, fields)
	b.Log(msg)
}
