// Package config resolves the process-wide knobs FFRT reads at start-up:
// the structured-log verbosity, the hardware topology path used for CPU
// affinity decisions, and the process-name allow-list that enables verbose
// logging for matched binaries. Programmatic configuration elsewhere in the
// module (worker.Option, which execunit.New also accepts) follows the same functional-options
// shape as eventloop's LoopOption, but is defined alongside the type it
// configures rather than here.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/joeycumines/logiface"
)

const (
	envLogLevel      = "FFRT_LOG_LEVEL"
	envPathHardware  = "FFRT_PATH_HARDWARE"
	defaultAllowList = "/etc/ffrt/verbose_processes"
)

// Config is the resolved set of process-wide knobs. Resolve's default is
// informational logging, no hardware path and no allow-list match; the zero
// Config differs in LogLevel, which is logiface's zero Level (emergency).
type Config struct {
	LogLevel     logiface.Level
	PathHardware string
	Verbose      bool
}

// Option configures Resolve. Mirrors the eventloop.LoopOption shape: an
// interface wrapping a private apply function, so zero-value Option slices
// and nil entries are both safe to pass through.
type Option interface {
	apply(*resolveState)
}

type optionFunc func(*resolveState)

func (f optionFunc) apply(s *resolveState) { f(s) }

type resolveState struct {
	env            func(string) string
	allowListPath  string
	processName    string
}

// WithEnvLookup overrides the environment accessor used by Resolve, for
// tests that must not depend on process-global environment state.
func WithEnvLookup(lookup func(string) string) Option {
	return optionFunc(func(s *resolveState) { s.env = lookup })
}

// WithAllowListPath overrides the process-name allow-list file path.
func WithAllowListPath(path string) Option {
	return optionFunc(func(s *resolveState) { s.allowListPath = path })
}

// WithProcessName overrides the process name matched against the allow-list;
// defaults to os.Args[0] when unset.
func WithProcessName(name string) Option {
	return optionFunc(func(s *resolveState) { s.processName = name })
}

// Resolve reads FFRT_LOG_LEVEL, FFRT_PATH_HARDWARE, and the process-name
// allow-list, returning the resolved Config. A malformed FFRT_LOG_LEVEL
// falls back to the informational default and logs a warning rather than
// failing start-up, matching spec.md §7's "invalid argument" kind being
// non-fatal outside the core scheduling path.
func Resolve(opts ...Option) Config {
	st := resolveState{
		env:           os.Getenv,
		allowListPath: defaultAllowList,
	}
	if st.processName == "" && len(os.Args) > 0 {
		st.processName = os.Args[0]
	}
	for _, o := range opts {
		if o != nil {
			o.apply(&st)
		}
	}

	cfg := Config{LogLevel: logiface.LevelInformational}

	if raw := st.env(envLogLevel); raw != "" {
		if lvl, ok := parseLogLevel(raw); ok {
			cfg.LogLevel = lvl
		} else {
			ffrtlog.Warn("config", "invalid FFRT_LOG_LEVEL, using default", "value", raw)
		}
	}

	cfg.PathHardware = st.env(envPathHardware)

	cfg.Verbose = matchesAllowList(st.allowListPath, st.processName)

	return cfg
}

// parseLogLevel maps the spec's 0-4 integer scale onto logiface levels:
// 0=error, 1=warning, 2=info, 3=debug, 4=trace.
func parseLogLevel(raw string) (logiface.Level, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	switch n {
	case 0:
		return logiface.LevelError, true
	case 1:
		return logiface.LevelWarning, true
	case 2:
		return logiface.LevelInformational, true
	case 3:
		return logiface.LevelDebug, true
	case 4:
		return logiface.LevelTrace, true
	default:
		return 0, false
	}
}

// matchesAllowList reports whether the basename of processName (the part
// after its last '/') contains, as a substring, any line of the file at
// path; blank lines and lines starting with '#' are skipped. A missing file or empty processName
// is treated as no match, never an error; the allow-list is an opt-in
// convenience, not a required deployment artifact.
func matchesAllowList(path, processName string) bool {
	if path == "" || processName == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	base := processName
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(base, line) {
			return true
		}
	}
	return false
}
