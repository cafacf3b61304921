package anqueue

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestartBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, restartBackoff(i), "attempt %d", i)
	}
	// Clamped at 30s beyond the documented schedule.
	assert.Equal(t, 30*time.Second, restartBackoff(10))
}

func TestIsCleanExitNilIsClean(t *testing.T) {
	assert.True(t, isCleanExit(nil))
}

func TestIsCleanExitNonExitErrorIsNotClean(t *testing.T) {
	assert.False(t, isCleanExit(context.DeadlineExceeded))
}

func TestIsCleanExitZeroCodeIsClean(t *testing.T) {
	cmd := exec.Command("true")
	err := cmd.Run()
	require.NoError(t, err)
	assert.True(t, isCleanExit(err))
}

func TestIsCleanExitNonZeroCodeIsNotClean(t *testing.T) {
	cmd := exec.Command("false")
	err := cmd.Run()
	require.Error(t, err)
	assert.False(t, isCleanExit(err))
}

func newCachedWorker(id string, maxConcurrent, taskLoad int) *Worker {
	w := &Worker{ID: id, MaxConcurrent: maxConcurrent}
	w.cachedInfo.Store(&WorkerInfo{WorkerID: id, TaskLoad: taskLoad, MaxLoad: maxConcurrent})
	return w
}

func TestWorkerManagerGetAvailablePicksLeastLoaded(t *testing.T) {
	m := NewWorkerManager(3, "w-", WorkerOptions{})
	m.workers["a"] = newCachedWorker("a", 3, 2)
	m.workers["b"] = newCachedWorker("b", 3, 0)
	m.workers["c"] = newCachedWorker("c", 3, 1)

	w, err := m.GetAvailable(context.Background())
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "b", w.ID)
}

func TestWorkerManagerGetAvailableIgnoresUnpolledWorkers(t *testing.T) {
	m := NewWorkerManager(3, "w-", WorkerOptions{})
	m.workers["a"] = &Worker{ID: "a", MaxConcurrent: 3} // never polled: cachedInfo is nil
	m.workers["b"] = newCachedWorker("b", 3, 1)

	w, err := m.GetAvailable(context.Background())
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "b", w.ID)
}

func TestWorkerManagerGetAvailableReturnsNilWhenSaturatedAndFull(t *testing.T) {
	m := NewWorkerManager(1, "w-", WorkerOptions{})
	m.workers["a"] = newCachedWorker("a", 2, 2)

	w, err := m.GetAvailable(context.Background())
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestWorkerManagerStatsSnapshotsCachedInfo(t *testing.T) {
	m := NewWorkerManager(3, "w-", WorkerOptions{})
	m.workers["a"] = newCachedWorker("a", 3, 1)
	m.workers["b"] = &Worker{ID: "b", MaxConcurrent: 3}

	stats := m.Stats()
	require.Len(t, stats, 1, "unpolled workers are excluded")
	assert.Equal(t, 1, stats["a"].TaskLoad)
}

func TestWorkerManagerRemoveAndSize(t *testing.T) {
	m := NewWorkerManager(3, "w-", WorkerOptions{})
	m.workers["a"] = newCachedWorker("a", 3, 0)
	assert.Equal(t, 1, m.Size())
	m.Remove("a")
	assert.Equal(t, 0, m.Size())
}

func TestSendDropsMessagesWithoutEvent(t *testing.T) {
	w := &Worker{ID: "noop-send"}
	err := w.Send(struct {
		Foo string `json:"foo"`
	}{Foo: "bar"})
	assert.NoError(t, err, "messages without an event field are dropped silently, not errored")
}
