package scheduler_test

import (
	"testing"

	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/scheduler"
	"github.com/ffrt-go/ffrt/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkTask() task.Task { return task.NewNormal(func() {}, task.Attr{}) }

func TestInsertPopFIFOOrder(t *testing.T) {
	s := scheduler.New()
	a, b, c := mkTask(), mkTask(), mkTask()

	require.True(t, s.Insert(qos.Background, a))
	require.True(t, s.Insert(qos.Background, b))
	require.True(t, s.Insert(qos.Background, c))

	got1, ok := s.PopGlobal(qos.Background)
	require.True(t, ok)
	assert.Same(t, a, got1)

	got2, _ := s.PopGlobal(qos.Background)
	assert.Same(t, b, got2)
}

func TestTeardownRejectsInsert(t *testing.T) {
	s := scheduler.New()
	s.Teardown(qos.UserInteractive)
	assert.False(t, s.Insert(qos.UserInteractive, mkTask()))
}

func TestWakeupInvokesNotify(t *testing.T) {
	s := scheduler.New()
	var notified bool
	ok := s.Wakeup(qos.Utility, mkTask(), func() { notified = true })
	assert.True(t, ok)
	assert.True(t, notified)
}

func TestLocalFIFOPushPopOrder(t *testing.T) {
	l := &scheduler.LocalFIFO{}
	a, b := mkTask(), mkTask()
	require.True(t, l.PushLocal(a))
	require.True(t, l.PushLocal(b))

	got, ok := l.PopLocal()
	require.True(t, ok)
	assert.Same(t, b, got) // owner pops its own most-recently-pushed task
}

func TestLocalFIFORejectsPushWhenFull(t *testing.T) {
	l := &scheduler.LocalFIFO{}
	for i := 0; i < 128; i++ {
		require.True(t, l.PushLocal(mkTask()))
	}
	assert.False(t, l.PushLocal(mkTask()))
}

func TestStealTaskBatchMovesHalf(t *testing.T) {
	s := scheduler.New()
	victim := s.RegisterWorker(qos.Background)
	thief := s.RegisterWorker(qos.Background)

	for i := 0; i < 10; i++ {
		require.True(t, victim.PushLocal(mkTask()))
	}

	moved := s.StealTaskBatch(qos.Background, thief)
	assert.Equal(t, 5, moved)
	assert.Equal(t, 5, victim.Len())
	assert.Equal(t, 5, thief.Len())
}

func TestStealTaskBatchNoVictimsReturnsZero(t *testing.T) {
	s := scheduler.New()
	thief := s.RegisterWorker(qos.Background)
	assert.Equal(t, 0, s.StealTaskBatch(qos.Background, thief))
}

func TestUnregisterWorkerRemovesFromGroup(t *testing.T) {
	s := scheduler.New()
	victim := s.RegisterWorker(qos.Background)
	thief := s.RegisterWorker(qos.Background)
	s.UnregisterWorker(qos.Background, victim)

	require.True(t, victim.PushLocal(mkTask()))
	// victim is no longer in the group, so nothing can be stolen from it.
	assert.Equal(t, 0, s.StealTaskBatch(qos.Background, thief))
}
