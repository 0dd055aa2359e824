package coroutine_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ffrt-go/ffrt/coroutine"
	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRunsToCompletion(t *testing.T) {
	var ran bool
	tk := task.NewNormal(func() { ran = true }, task.Attr{QoS: qos.Background})

	c := coroutine.Acquire()
	env := &coroutine.Env{}

	parked := c.Start(env, tk)

	assert.False(t, parked)
	assert.True(t, ran)
	assert.Equal(t, task.Exited, tk.State())
	assert.Nil(t, env.Running())
}

func TestYieldWithoutPredicateResumesImmediately(t *testing.T) {
	var phase atomic.Int32
	tk := task.NewNormal(func() {
		phase.Store(1)
		coroutine.Yield()
		phase.Store(2)
	}, task.Attr{})

	c := coroutine.Acquire()
	env := &coroutine.Env{}

	parked := c.Start(env, tk)
	// Yield with no predicate is a fast wake: the Start loop immediately
	// resumes, so by the time Start returns the task has completed.
	assert.False(t, parked)
	assert.EqualValues(t, 2, phase.Load())
}

func TestWaitParksUntilPredicateTrue(t *testing.T) {
	ready := make(chan struct{})
	done := make(chan struct{})
	var gotPastWait atomic.Bool

	tk := task.NewNormal(func() {
		close(ready)
		coroutine.Wait(func() bool { return true })
		gotPastWait.Store(true)
		close(done)
	}, task.Attr{})

	c := coroutine.Acquire()
	env := &coroutine.Env{}

	parked := c.Start(env, tk)
	require.True(t, parked)
	assert.False(t, gotPastWait.Load())

	coroutine.Wake(tk, false)
	assert.Equal(t, task.Ready, tk.State())

	// Resuming a parked coroutine re-enters Start on the same Coroutine.
	parked2 := c.Start(env, tk)
	assert.False(t, parked2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not resume past Wait")
	}
	assert.True(t, gotPastWait.Load())
}

func TestCurrentIsNilOutsideCoroutine(t *testing.T) {
	assert.Nil(t, coroutine.Current())
}

func TestYieldOutsideCoroutineIsFatal(t *testing.T) {
	assert.Panics(t, func() {
		coroutine.Yield()
	})
}

func TestBindReturnsSameCoroutineWhileParked(t *testing.T) {
	tk := task.NewNormal(func() {
		coroutine.Wait(func() bool { return true })
	}, task.Attr{})

	first := coroutine.Bind(tk)
	env := &coroutine.Env{}
	parked := first.Start(env, tk)
	require.True(t, parked)

	second := coroutine.Bind(tk)
	assert.Same(t, first, second)

	coroutine.Wake(tk, false)
	second.Start(env, tk)
	assert.Equal(t, task.Exited, tk.State())
}

func TestGenerationIncrementsOnEachSwitch(t *testing.T) {
	tk := task.NewNormal(func() {
		coroutine.Wait(func() bool { return true })
	}, task.Attr{})

	c := coroutine.Acquire()
	env := &coroutine.Env{}

	g0 := c.Generation()
	c.Start(env, tk)
	g1 := c.Generation()
	assert.Greater(t, g1, g0)
}
