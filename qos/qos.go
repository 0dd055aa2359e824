// Package qos defines the quality-of-service levels that partition FFRT's
// worker groups, ready queues, and monitor policies.
package qos

import "fmt"

// Level selects a worker group. Each level owns its own thread pool, ready
// queue, and monitor policy (see package qosmonitor).
type Level int8

const (
	// Background is the lowest concrete QoS level.
	Background Level = iota
	// Utility is for work the user is not actively waiting on.
	Utility
	// DefaultLevel is the QoS assigned to work with no explicit preference,
	// distinct from the Default sentinel below (which means "unset").
	DefaultLevel
	// UserInitiated is for work a user explicitly triggered and is waiting on.
	UserInitiated
	// UserInteractive is the highest concrete QoS level, for work driving
	// a visible, latency-sensitive interaction.
	UserInteractive

	// Inherit means "use the QoS of the enclosing task/queue, or Default
	// if there is none". Placed outside the concrete range so Valid rejects it.
	Inherit Level = -1
	// Default is used when no QoS was specified at all.
	Default Level = -2
)

// Min and Max bound the concrete (non-sentinel) QoS range.
const (
	Min Level = Background
	Max Level = UserInteractive
)

// NumLevels is the number of concrete QoS levels, for sizing per-QoS arrays.
const NumLevels = int(Max) + 1

// Valid reports whether l is a concrete, in-range QoS level (sentinels are
// not valid as a final, resolved level).
func (l Level) Valid() bool {
	return l >= Min && l <= Max
}

// Resolve returns l if it is a concrete level, or fallback if l is one of
// the sentinels (Inherit, Default) or otherwise out of range.
func Resolve(l, fallback Level) Level {
	if l.Valid() {
		return l
	}
	return fallback
}

func (l Level) String() string {
	switch l {
	case Inherit:
		return "inherit"
	case Default:
		return "default"
	case Background:
		return "background"
	case Utility:
		return "utility"
	case DefaultLevel:
		return "default_level"
	case UserInitiated:
		return "user_initiated"
	case UserInteractive:
		return "user_interactive"
	default:
		return fmt.Sprintf("qos(%d)", int8(l))
	}
}
