package worker

import (
	"github.com/ffrt-go/ffrt/coroutine"
	"github.com/ffrt-go/ffrt/internal/ffrtlog"
	"github.com/ffrt-go/ffrt/poller"
)

// WaitFd implements wait_fd (spec.md §4.B, §8 scenario 7): called from
// inside a running task body, it parks the calling coroutine, without
// blocking the worker OS thread (which returns to pick up other work), until
// fd is ready for one of events, or returns immediately if PollOnce already
// cached a matching event before the call. Calling it outside a task body
// bound to this Manager logs and returns nil rather than panicking.
func (m *Manager) WaitFd(fd int, events poller.Events) []poller.Events {
	c := coroutine.Current()
	if c == nil {
		ffrtlog.Error("worker", "WaitFd called outside a task body", "fd", fd)
		return nil
	}
	t := c.Task()

	if evs, ok := m.poll.WaitFdEvent(t, fd, events); ok {
		return evs
	}

	// Wait's predicate means "stay parked"; HasCachedEvent means "event has
	// arrived", so the predicate is its negation (see WaitFdEvent's doc
	// comment). dispatch wakes t directly once the fd fires.
	coroutine.Wait(func() bool { return !m.poll.HasCachedEvent(t) })

	evs, _ := m.poll.WaitFdEvent(t, fd, events)
	return evs
}
