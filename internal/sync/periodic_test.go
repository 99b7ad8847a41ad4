package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWorker(ready func() bool) (*PeriodicWorker, *manualTimer, *countingCycle) {
	timer := &manualTimer{}
	cycle := &countingCycle{}
	return NewPeriodicWorker("test", timer, cycle, ready, zap.NewNop()), timer, cycle
}

func TestPeriodicWorker_TicksRunCycle(t *testing.T) {
	w, timer, cycle := newTestWorker(nil)
	assert.Equal(t, WorkerIdle, w.State())

	w.Start()
	w.Start()
	assert.Equal(t, 1, timer.Triggers())
	assert.Equal(t, WorkerRunning, w.State())

	timer.fire()
	require.Eventually(t, func() bool { return cycle.Calls() == 1 }, time.Second, time.Millisecond)
}

func TestPeriodicWorker_PausedPerformsNoFetch(t *testing.T) {
	w, timer, cycle := newTestWorker(nil)
	w.Start()
	w.Pause()
	assert.Equal(t, WorkerPaused, w.State())

	for range 5 {
		timer.fire()
	}
	assert.Equal(t, 0, cycle.Calls())

	w.Resume()
	assert.Equal(t, WorkerRunning, w.State())
	assert.Equal(t, 1, timer.Triggers(), "resume must not re-arm the timer")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, cycle.Calls(), "resume must not run a catch-up cycle")

	timer.fire()
	require.Eventually(t, func() bool { return cycle.Calls() == 1 }, time.Second, time.Millisecond)
}

func TestPeriodicWorker_WaitsForReadiness(t *testing.T) {
	ready := false
	w, timer, cycle := newTestWorker(func() bool { return ready })
	w.Start()

	timer.fire()
	timer.fire()
	assert.Equal(t, 0, cycle.Calls())

	ready = true
	timer.fire()
	require.Eventually(t, func() bool { return cycle.Calls() == 1 }, time.Second, time.Millisecond)
}

func TestPeriodicWorker_SkipsOverlappingTicks(t *testing.T) {
	w, timer, cycle := newTestWorker(nil)
	cycle.block = make(chan struct{})
	w.Start()

	timer.fire()
	require.Eventually(t, func() bool { return cycle.Calls() == 1 }, time.Second, time.Millisecond)

	timer.fire()
	timer.fire()
	assert.Equal(t, 1, cycle.Calls())

	close(cycle.block)
	require.Eventually(t, func() bool { return w.exec.TryLock() }, time.Second, time.Millisecond)
	w.exec.Unlock()

	timer.fire()
	require.Eventually(t, func() bool { return cycle.Calls() == 2 }, time.Second, time.Millisecond)
}

func TestPeriodicWorker_StopAndRestart(t *testing.T) {
	w, timer, cycle := newTestWorker(nil)
	w.Start()
	w.Stop()
	assert.Equal(t, WorkerStopped, w.State())

	timer.tick()
	assert.Never(t, func() bool { return cycle.Calls() > 0 }, 30*time.Millisecond, time.Millisecond,
		"a stopped worker must ignore late ticks")

	w.Start()
	assert.Equal(t, 2, timer.Triggers())
	timer.fire()
	require.Eventually(t, func() bool { return cycle.Calls() == 1 }, time.Second, time.Millisecond)
}

func TestPeriodicWorker_DestroyIsTerminal(t *testing.T) {
	w, timer, _ := newTestWorker(nil)
	w.Start()
	w.Destroy()
	w.Destroy()

	assert.True(t, timer.destroyed)
	assert.Equal(t, WorkerDestroyed, w.State())
	assert.Panics(t, func() { w.Start() })
	assert.Panics(t, func() { w.Pause() })
	assert.Panics(t, func() { w.Resume() })
	assert.Panics(t, func() { w.Stop() })
}

func TestPeriodicTimer(t *testing.T) {
	timer := NewPeriodicTimer(time.Millisecond, 2*time.Millisecond)
	ticks := make(chan struct{}, 100)
	timer.Handler(func() { ticks <- struct{}{} })

	timer.Trigger()
	timer.Trigger()
	for range 3 {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatal("timer did not tick")
		}
	}

	timer.Stop()
	timer.Destroy()
	assert.Panics(t, func() { timer.Trigger() })
}
