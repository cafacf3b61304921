package anqueue

import (
	"context"
	"log/slog"
	"sort"
)

// DispatchCounters is what both dispatch strategies return, and what
// RunTasks reports to the caller — the controller never throws from a
// dispatch cycle, per §7.
type DispatchCounters struct {
	TasksSent         int
	NoWorkerAvailable int
	NoExecutorFound   int
	ValidationFailed  int
}

func (c *DispatchCounters) add(o DispatchCounters) {
	c.TasksSent += o.TasksSent
	c.NoWorkerAvailable += o.NoWorkerAvailable
	c.NoExecutorFound += o.NoExecutorFound
	c.ValidationFailed += o.ValidationFailed
}

// sortByPriority is a stable descending sort by Priority — equal
// priorities keep their relative (insertion) order, per §4.3.
func sortByPriority(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})
}

// dispatchContext carries what both strategies need: the registry to look
// up executors, the manager to find/spawn workers, and a sink for
// finalizing tasks that fail validation or run out of retries before
// ever reaching a worker.
type dispatchContext struct {
	registry *ExecutorRegistry
	manager  *WorkerManager
	finalize func(t *Task, retryErr error)
	logger   *slog.Logger
}

// dispatchSingle implements §4.3's single strategy: one getAvailable +
// one taskSingle message per task.
func dispatchSingle(ctx context.Context, dc dispatchContext, tasks []*Task) DispatchCounters {
	var counters DispatchCounters
	for _, t := range tasks {
		exec, ok := dc.registry.Get(t.Type)
		if !ok {
			dc.logger.Warn("no executor for task type", "type", t.Type, "uid", t.UID)
			counters.NoExecutorFound++
			continue
		}
		if !checkValidation(dc, t, exec) {
			counters.ValidationFailed++
			continue
		}
		w, err := dc.manager.GetAvailable(ctx)
		if err != nil || w == nil {
			counters.NoWorkerAvailable++
			continue
		}
		snap := t.ToSnapshot()
		if err := w.Send(TaskSingleMessage{Event: EventTaskSingle, Task: snap}); err != nil {
			dc.logger.Warn("send taskSingle failed", "worker", w.ID, "error", err)
			counters.NoWorkerAvailable++
			continue
		}
		counters.TasksSent++
	}
	return counters
}

// dispatchBatch implements §4.3's batch strategy: for each available
// worker in ascending load order, take min(remaining, capacity) tasks
// from the head of the sorted list.
func dispatchBatch(ctx context.Context, dc dispatchContext, tasks []*Task) DispatchCounters {
	var counters DispatchCounters

	var eligible []*Task
	for _, t := range tasks {
		exec, ok := dc.registry.Get(t.Type)
		if !ok {
			counters.NoExecutorFound++
			continue
		}
		if !checkValidation(dc, t, exec) {
			counters.ValidationFailed++
			continue
		}
		eligible = append(eligible, t)
	}

	workers := availableWorkersByLoad(dc.manager)
	idx := 0
	for _, w := range workers {
		if idx >= len(eligible) {
			break
		}
		capacity := w.MaxConcurrent
		if info := w.CachedInfo(); info != nil {
			capacity = info.MaxLoad - info.TaskLoad
		}
		if capacity <= 0 {
			continue
		}
		end := idx + capacity
		if end > len(eligible) {
			end = len(eligible)
		}
		batch := eligible[idx:end]
		snaps := make([]Snapshot, 0, len(batch))
		for _, t := range batch {
			snaps = append(snaps, t.ToSnapshot())
		}
		if err := w.Send(TaskBatchMessage{Event: EventTaskBatch, Batch: snaps}); err != nil {
			dc.logger.Warn("send taskBatch failed", "worker", w.ID, "error", err)
			continue
		}
		counters.TasksSent += len(batch)
		idx = end
	}

	counters.NoWorkerAvailable += len(eligible) - idx
	return counters
}

func availableWorkersByLoad(m *WorkerManager) []*Worker {
	var workers []*Worker
	m.ForEach(func(_ string, w *Worker) {
		if w.CachedInfo() != nil {
			workers = append(workers, w)
		}
	})
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].CachedInfo().TaskLoad < workers[j].CachedInfo().TaskLoad
	})
	return workers
}

// checkValidation runs the executor's sanitized validation schema against
// t, finalizing it (retry-or-fail, per §4.1) on failure and returning
// whether it may proceed to dispatch.
func checkValidation(dc dispatchContext, t *Task, exec Executor) bool {
	passed, reason := t.Validate(exec.ValidationSchema())
	if passed {
		return true
	}
	dc.logger.Info("task failed validation", "uid", t.UID, "reason", reason)
	dc.finalize(t, validationError{reason})
	return false
}

type validationError struct{ reason string }

func (e validationError) Error() string { return "validation failed: " + e.reason }

// totalSlots sums every worker's MaxConcurrentTasks, used to pick between
// single and batch strategy.
func totalSlots(m *WorkerManager) int {
	total := 0
	m.ForEach(func(_ string, w *Worker) { total += w.MaxConcurrent })
	return total
}

// chooseStrategy implements §4.3's threshold: batch when ready count
// exceeds totalSlots/3.
func chooseStrategy(readyCount, slots int) string {
	if slots > 0 && readyCount > slots/3 {
		return "batch"
	}
	return "single"
}
