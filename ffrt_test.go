//go:build linux

package ffrt_test

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ffrt-go/ffrt"
	"github.com/ffrt-go/ffrt/queue"
	"github.com/ffrt-go/ffrt/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSubmitRunsOnGlobalScheduler(t *testing.T) {
	var ran atomic.Bool
	done := make(chan struct{})
	_, err := ffrt.Submit(func() {
		ran.Store(true)
		close(done)
	}, task.Attr{QoS: ffrt.Background, Label: "direct"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	assert.True(t, ran.Load())
}

func TestSubmitHonorsDelay(t *testing.T) {
	const delay = 30 * time.Millisecond
	submitTime := time.Now()
	var executeTime time.Time
	done := make(chan struct{})

	_, err := ffrt.Submit(func() {
		executeTime = time.Now()
		close(done)
	}, task.Attr{QoS: ffrt.Background, DelayUS: delay.Microseconds()})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	assert.GreaterOrEqual(t, executeTime.Sub(submitTime), delay)
}

func TestSubmitWaitBlocksUntilFnReturns(t *testing.T) {
	var ran atomic.Bool
	err := ffrt.SubmitWait(func() {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	}, task.Attr{QoS: ffrt.Background})
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestSubmitTimeoutFiresCallbackOnSlowTask(t *testing.T) {
	fired := make(chan string, 1)
	done := make(chan struct{})
	_, err := ffrt.Submit(func() {
		defer close(done)
		time.Sleep(40 * time.Millisecond)
	}, task.Attr{
		QoS:       ffrt.Background,
		Label:     "slow",
		TimeoutUS: (5 * time.Millisecond).Microseconds(),
		TimeoutCB: func(label string) { fired <- label },
	})
	require.NoError(t, err)

	select {
	case label := <-fired:
		assert.Equal(t, "slow", label)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}
	<-done
}

// TestWaitFdParksThenWakesOnWrite exercises wait_fd through the public
// Submit/WaitFd surface: a task blocks inside a running coroutine without
// blocking its worker, and resumes once another goroutine writes to the fd,
// well inside the 100ms budget spec.md §8 scenario 7 requires.
func TestWaitFdParksThenWakesOnWrite(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	r, w := fds[0], fds[1]
	t.Cleanup(func() {
		_ = unix.Close(r)
		_ = unix.Close(w)
	})

	start := time.Now()
	var elapsed time.Duration
	var waitErr error
	done := make(chan struct{})

	_, err := ffrt.Submit(func() {
		defer close(done)
		_, waitErr = ffrt.WaitFd(r, ffrt.EventRead)
		elapsed = time.Since(start)
	}, task.Attr{QoS: ffrt.Background, Label: "wait-fd-root"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = unix.Write(w, []byte{1})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never woke from WaitFd")
	}

	require.NoError(t, waitErr)
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestQueueCreateRejectsUnknownKind(t *testing.T) {
	_, err := ffrt.QueueCreate(queue.Kind(99), "bad-kind", queue.Attr{})
	assert.ErrorIs(t, err, task.ErrFailed)
}

func TestQueueCreateRejectsNegativeMaxConcurrency(t *testing.T) {
	_, err := ffrt.QueueCreate(ffrt.Concurrent, "bad-concurrency", queue.Attr{MaxConcurrency: -1})
	assert.ErrorIs(t, err, task.ErrFailed)
}

func TestQueueCreateAndDestroy(t *testing.T) {
	q, err := ffrt.QueueCreate(ffrt.Serial, "root-created", queue.Attr{QoS: ffrt.Background})
	require.NoError(t, err)
	t.Cleanup(q.Destroy)

	done := make(chan struct{})
	q.Submit(func() { close(done) }, task.Attr{})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued task never ran")
	}
}

func TestDumpInfoAllIncludesRegisteredQueue(t *testing.T) {
	q, err := ffrt.QueueCreate(ffrt.Serial, "dump-target", queue.Attr{QoS: ffrt.Background})
	require.NoError(t, err)
	t.Cleanup(q.Destroy)

	out := ffrt.Dump(ffrt.DumpInfoAll)
	assert.Contains(t, out, "queues:")
	assert.Contains(t, out, "dump-target")
}

func TestDumpTaskStatisticInfoListsEveryQoSLevel(t *testing.T) {
	out := ffrt.Dump(ffrt.DumpTaskStatisticInfo)
	assert.True(t, strings.Contains(out, "qos=background"))
	assert.True(t, strings.Contains(out, "qos=utility"))
	assert.True(t, strings.Contains(out, "qos=default_level"))
	assert.True(t, strings.Contains(out, "qos=user_initiated"))
	assert.True(t, strings.Contains(out, "qos=user_interactive"))
	assert.True(t, strings.Contains(out, "live_workers="))
}
