// Package worker implements the CPU worker manager described in spec.md
// §4.G: a pool of goroutines, grouped per QoS, each running a pickup loop
// (local → global → steal → poll) over coroutine-bound tasks, idling
// through a two-stage light/deep sleep when no work is available.
package worker

import (
	"github.com/ffrt-go/ffrt/coroutine"
	"github.com/ffrt-go/ffrt/qos"
)

// Env is the thread-local state a worker goroutine carries for its entire
// lifetime: the coroutine switch-in point inherited from package coroutine,
// plus the QoS group and back-pointer to the owning Thread. One Env per
// worker goroutine, analogous to a pthread TLS block.
type Env struct {
	*coroutine.Env
	Level  qos.Level
	Thread *Thread
}

func newEnv(level qos.Level, t *Thread) *Env {
	return &Env{Env: &coroutine.Env{}, Level: level, Thread: t}
}
