package worker

import (
	"time"

	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/qosmonitor"
)

// managerOptions holds configuration for Manager construction.
type managerOptions struct {
	strategy       qosmonitor.Strategy
	maxConcurrency [qos.NumLevels]int
	lightSleep     time.Duration
	idleDestroy    bool
	stackSize      [qos.NumLevels]int64
}

// Option configures a Manager instance.
type Option interface {
	applyManager(*managerOptions)
}

type optionFunc func(*managerOptions)

func (f optionFunc) applyManager(o *managerOptions) { f(o) }

// WithStrategy selects the QoS monitor's notify strategy.
func WithStrategy(s qosmonitor.Strategy) Option {
	return optionFunc(func(o *managerOptions) { o.strategy = s })
}

// WithMaxConcurrency seeds level's starting worker concurrency budget.
func WithMaxConcurrency(level qos.Level, n int) Option {
	return optionFunc(func(o *managerOptions) { o.maxConcurrency[int(level)] = n })
}

// WithIdleDestroy enables the 5s light-sleep timeout and worker retirement
// on deep-sleep entry, instead of the default 10s timeout with indefinite
// deep sleep.
func WithIdleDestroy(enabled bool) Option {
	return optionFunc(func(o *managerOptions) { o.idleDestroy = enabled })
}

func resolveManagerOptions(opts []Option) *managerOptions {
	cfg := &managerOptions{
		strategy:   qosmonitor.StrategyDefault,
		lightSleep: 10 * time.Second,
	}
	for i := range cfg.maxConcurrency {
		cfg.maxConcurrency[i] = 1
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyManager(cfg)
	}
	if cfg.idleDestroy {
		cfg.lightSleep = 5 * time.Second
	}
	return cfg
}
