package qosmonitor_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ffrt-go/ffrt/qos"
	"github.com/ffrt-go/ffrt/qosmonitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOps struct {
	wakeups     atomic.Int32
	incs        atomic.Int32
	pollerWakes atomic.Int32
	taskCnts    [qos.NumLevels]int
}

func (f *fakeOps) WakeupWorkers(qos.Level)      { f.wakeups.Add(1) }
func (f *fakeOps) IncWorker(qos.Level)          { f.incs.Add(1) }
func (f *fakeOps) GetTaskCount(l qos.Level) int { return f.taskCnts[int(l)] }
func (f *fakeOps) WakePoller(qos.Level)         { f.pollerWakes.Add(1) }

func maxConc(n int) (out [qos.NumLevels]int) {
	for i := range out {
		out[i] = n
	}
	return out
}

func TestDefaultStrategySpawnsWhenNoneRunning(t *testing.T) {
	ops := &fakeOps{}
	ops.taskCnts[qos.Background] = 1
	m := qosmonitor.New(ops, qosmonitor.StrategyDefault, maxConc(4))

	m.Notify(qos.Background, qosmonitor.TaskAdded)

	assert.EqualValues(t, 1, ops.incs.Load())
	assert.EqualValues(t, 0, ops.wakeups.Load())
	assert.Equal(t, 1, m.WakedWorkerNum(qos.Background))
}

func TestIntoSleepThenWakeupSleepRoundTrips(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyDefault, maxConc(4))

	m.NotifyWorkers(qos.Background, 1) // spawns one worker, executing=1
	require.Equal(t, 1, m.WakedWorkerNum(qos.Background))

	m.IntoSleep(qos.Background)
	assert.Equal(t, 1, m.SleepingWorkerNum(qos.Background))
	assert.Equal(t, 0, m.WakedWorkerNum(qos.Background))

	m.WakeupSleep(qos.Background, false)
	assert.Equal(t, 0, m.SleepingWorkerNum(qos.Background))
	assert.Equal(t, 1, m.WakedWorkerNum(qos.Background))
}

func TestDefaultStrategySuppressesWhenBusyAndTaskCountLow(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyDefault, maxConc(8))

	for i := 0; i < 5; i++ {
		ops.taskCnts[qos.Background] = 1
		m.Notify(qos.Background, qosmonitor.TaskAdded)
	}
	spawnedBefore := ops.incs.Load()

	// Now simulate a busy group: executing already above suppression thresholds,
	// taskCount below runningNum, notifyType TaskPicked (not Added/Escaped).
	ops.taskCnts[qos.Background] = 1
	m.Notify(qos.Background, qosmonitor.TaskPicked)

	assert.Equal(t, spawnedBefore, ops.incs.Load())
}

func TestConservativeStrategySkipsWhenLoadRatioNotExceeded(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyConservative, maxConc(4))

	ops.taskCnts[qos.Background] = 1
	m.Notify(qos.Background, qosmonitor.TaskAdded) // executionNum 0 -> 1, IncWorker called once
	require.EqualValues(t, 1, ops.incs.Load())

	m.Notify(qos.Background, qosmonitor.TaskPicked)
	// loadRatio = taskCount(1) / executionNum(1) = 1.0, not > 1.0, so the
	// conservative strategy must skip spawning a second worker.
	assert.EqualValues(t, 1, ops.incs.Load())
}

func TestConservativeStrategySpawnsWhenLoadRatioExceeded(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyConservative, maxConc(4))

	ops.taskCnts[qos.Background] = 1
	m.Notify(qos.Background, qosmonitor.TaskAdded) // executionNum 0 -> 1
	require.EqualValues(t, 1, ops.incs.Load())

	ops.taskCnts[qos.Background] = 3
	m.Notify(qos.Background, qosmonitor.TaskPicked)
	// loadRatio = 3/1 = 3.0 > 1.0, so the conservative strategy spawns again.
	assert.EqualValues(t, 2, ops.incs.Load())
}

func TestUltraConservativeSkipsWhenTaskCountBelowRunning(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyUltraConservative, maxConc(4))

	ops.taskCnts[qos.Background] = 2
	m.Notify(qos.Background, qosmonitor.TaskAdded) // executionNum 0 -> 1
	require.EqualValues(t, 1, ops.incs.Load())

	ops.taskCnts[qos.Background] = 0
	m.Notify(qos.Background, qosmonitor.TaskPicked)
	assert.EqualValues(t, 1, ops.incs.Load())
}

func TestSetWorkerMaxNumOnlyOnce(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyDefault, maxConc(4))

	assert.True(t, m.SetWorkerMaxNum(qos.Background, 16))
	assert.False(t, m.SetWorkerMaxNum(qos.Background, 32))
}

func TestTryDestroyReportsRemainingSleepers(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyDefault, maxConc(4))

	m.NotifyWorkers(qos.Background, 2)
	m.IntoSleep(qos.Background)
	m.IntoSleep(qos.Background)

	assert.True(t, m.TryDestroy(qos.Background))  // one sleeper still remains
	assert.False(t, m.TryDestroy(qos.Background)) // none left
}

func TestIsExceedDeepSleepThreshold(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyDefault, maxConc(4))

	ops.taskCnts[qos.Background] = 1
	m.Notify(qos.Background, qosmonitor.TaskAdded) // executing=1 total=1

	m.IntoDeepSleep(qos.Background)
	m.IntoDeepSleep(qos.Background)

	assert.True(t, m.IsExceedDeepSleepThreshold())
}

func TestNotifyWorkersSplitsWakeupAndSpawn(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyDefault, maxConc(4))

	m.NotifyWorkers(qos.Background, 3)

	assert.EqualValues(t, 0, ops.wakeups.Load()) // no sleepers registered yet
	assert.EqualValues(t, 3, ops.incs.Load())
	assert.Equal(t, 3, m.WakedWorkerNum(qos.Background))
}

func TestTaskEscapedIsStagedAcrossRapidBursts(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyDefault, maxConc(8))

	ops.taskCnts[qos.Background] = 1
	m.Notify(qos.Background, qosmonitor.TaskEscaped)
	first := ops.incs.Load()
	require.EqualValues(t, 1, first)

	// A second escape in the same instant must be throttled.
	m.Notify(qos.Background, qosmonitor.TaskEscaped)
	assert.Equal(t, first, ops.incs.Load())

	time.Sleep(5 * time.Millisecond)
	m.Notify(qos.Background, qosmonitor.TaskEscaped)
	assert.Greater(t, ops.incs.Load(), first)
}

func TestPokeWakesPollerWhenPollWaiting(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyDefault, maxConc(1))

	m.NotifyWorkers(qos.Background, 1) // executionNum 0 -> 1, at MaxConcurrency
	require.Equal(t, 1, m.WakedWorkerNum(qos.Background))

	m.IntoPollWait(qos.Background)

	ops.taskCnts[qos.Background] = 1
	m.Notify(qos.Background, qosmonitor.TaskAdded)

	assert.EqualValues(t, 1, ops.pollerWakes.Load())
	assert.EqualValues(t, 1, ops.incs.Load()) // no additional worker spawned
}

func TestIsExceedHardLimit(t *testing.T) {
	ops := &fakeOps{}
	m := qosmonitor.New(ops, qosmonitor.StrategyDefault, maxConc(4))
	require.True(t, m.SetWorkerMaxNum(qos.Background, 2))

	m.NotifyWorkers(qos.Background, 2)
	assert.True(t, m.IsExceedHardLimit(qos.Background))
}
