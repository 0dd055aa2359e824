package ffrt

import (
	"os"

	"github.com/ffrt-go/ffrt/internal/config"
	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// init resolves the process-wide env var / allow-list configuration
// (internal/config.Resolve) once, at import time, and rebuilds the default
// internal/ffrtlog logger at the resolved level. A process whose name
// matches the verbose allow-list gets at least trace level regardless of
// FFRT_LOG_LEVEL, matching spec.md §7's "matching process names enable
// verbose logging at startup" note.
func init() {
	cfg := config.Resolve()
	level := cfg.LogLevel
	if cfg.Verbose && level < logiface.LevelTrace {
		level = logiface.LevelTrace
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	ffrtlog.SetLogger(logiface.New[*izerolog.Event](
		izerolog.WithZerolog(zl),
		logiface.WithLevel[*izerolog.Event](level),
	))
}
