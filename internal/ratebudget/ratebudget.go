// Package ratebudget wraps catrate's sliding-window limiter with the
// narrower interface the runtime needs: a per-category, allow/deny gate
// used to stage worker-escape spawns so a burst of task submissions can't
// spin up an unbounded number of workers within a single instant.
package ratebudget

import (
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// Budget gates events per category against one or more sliding-window
// rates. A nil *Budget is valid and always allows (matching catrate's own
// nil-safe Limiter).
type Budget struct {
	limiter *catrate.Limiter
}

// New constructs a Budget from a set of window->limit pairs, e.g.
// {50 * time.Millisecond: 1} allows at most one event per category every
// 50ms. Panics if rates are invalid, per catrate.NewLimiter.
func New(rates map[time.Duration]int) *Budget {
	if len(rates) == 0 {
		return nil
	}
	return &Budget{limiter: catrate.NewLimiter(rates)}
}

// Allow reports whether an event for category may proceed right now,
// recording it if so.
func (b *Budget) Allow(category any) bool {
	if b == nil || b.limiter == nil {
		return true
	}
	_, ok := b.limiter.Allow(category)
	return ok
}

// NextAllowed reports the next time an event for category would be
// permitted, along with whether it is allowed immediately. Like Allow, it
// records the event when it is allowed.
func (b *Budget) NextAllowed(category any) (time.Time, bool) {
	if b == nil || b.limiter == nil {
		return time.Time{}, true
	}
	return b.limiter.Allow(category)
}
