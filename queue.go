// Package anqueue is an in-process task queue with a supervising
// controller and a pool of worker processes. Application code submits
// tasks through a Queue; the controller persists them optionally,
// schedules them by priority and readiness, dispatches them to workers
// over a typed IPC channel, collects results, and supervises worker
// lifecycles.
package anqueue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/anqueue/internal/obs"
)

// Queue is the public facade: add/remove/cancel/run/runAutomatically.
type Queue struct {
	mu           sync.Mutex
	id           string
	taskDir      string
	workerPrefix string
	maxWorkers   int

	runtimeBinary string

	tasks    []*Task
	registry *ExecutorRegistry
	manager  *WorkerManager
	store    *TaskStore
	cronner  *cron.Cron
	cronRunning bool

	logger      *slog.Logger
	initialized bool
}

// Option configures a Queue at construction, mirroring the teacher's
// functional-options style (getEnvDefault-backed constructors).
type Option func(*Queue)

// WithID sets the queue's identifier, used as the default worker-id
// prefix's base.
func WithID(id string) Option {
	return func(q *Queue) { q.id = id }
}

// WithDatabase attaches a store adapter at construction time.
func WithDatabase(adapter Adapter) Option {
	return func(q *Queue) { q.store = NewTaskStore(adapter) }
}

// WithWorkerPrefix overrides the generated worker-id prefix.
func WithWorkerPrefix(prefix string) Option {
	return func(q *Queue) { q.workerPrefix = prefix }
}

// WithMaxWorkers bounds the worker pool size.
func WithMaxWorkers(n int) Option {
	return func(q *Queue) { q.maxWorkers = n }
}

// WithRuntimeBinary overrides the worker runtime executable path. Not
// part of spec.md's constructor table (which only names id/db/
// workerPrefix/maxWorkers) — added because a real os/exec-spawned worker
// needs a binary to run; it defaults to looking up "anqueue-worker" on
// PATH, then alongside the controller's own executable.
func WithRuntimeBinary(path string) Option {
	return func(q *Queue) { q.runtimeBinary = path }
}

// New constructs a Queue rooted at taskDir. Defaults: id="Anqueue",
// workerPrefix="{id}-worker-", maxWorkers=3.
func New(taskDir string, opts ...Option) *Queue {
	q := &Queue{
		id:         "Anqueue",
		taskDir:    taskDir,
		maxWorkers: 3,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	if q.workerPrefix == "" {
		q.workerPrefix = q.id + "-worker-"
	}
	if q.store == nil {
		q.store = NewTaskStore(nil)
	}
	if q.runtimeBinary == "" {
		q.runtimeBinary = defaultRuntimeBinary()
	}
	q.registry = NewExecutorRegistry(taskDir, true, nil)
	q.manager = NewWorkerManager(q.maxWorkers, q.workerPrefix, WorkerOptions{
		RuntimeBinary: q.runtimeBinary,
		TaskDirectory: taskDir,
		MaxConcurrent: defaultMaxConcurrentTasks(),
	})
	q.manager.OnTaskInfo(q.handleTaskInfo)
	q.cronner = cron.New(cron.WithSeconds())
	return q
}

func defaultRuntimeBinary() string {
	if p, err := exec.LookPath("anqueue-worker"); err == nil {
		return p
	}
	if self, err := os.Executable(); err == nil {
		candidate := self + "-worker"
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "anqueue-worker"
}

func defaultMaxConcurrentTasks() int {
	return 4
}

// Init spawns one worker and initializes the executor registry. Safe to
// call more than once; only the first call has an effect.
func (q *Queue) Init(ctx context.Context) error {
	q.mu.Lock()
	if q.initialized {
		q.mu.Unlock()
		return nil
	}
	q.initialized = true
	q.mu.Unlock()

	if err := q.registry.Initialize(ctx); err != nil {
		return fmt.Errorf("queue init: %w", err)
	}
	if _, err := q.manager.Spawn(ctx, ""); err != nil {
		return fmt.Errorf("queue init: %w", err)
	}
	return nil
}

// SetDatabase attaches or replaces the store adapter, and tells every
// live worker whether a store is now attached.
func (q *Queue) SetDatabase(adapter Adapter) {
	q.store.SetAdapter(adapter)
	q.manager.Broadcast(SetDatabaseMessage{Event: EventSetDatabase, HasAdapter: adapter != nil})
}

// Add appends task to the in-memory stack and returns the queue for
// chaining.
func (q *Queue) Add(t *Task) *Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return q
}

// Remove splices the task with uid from the stack. With silent=false it
// logs the removal.
func (q *Queue) Remove(uid string, silent bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tasks {
		if t.UID == uid {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			if !silent {
				q.logger.Info("task removed", "uid", uid)
			}
			return true
		}
	}
	return false
}

// Cancel cancels the task's lifecycle and removes it from the stack.
func (q *Queue) Cancel(uid string) bool {
	t, ok := q.GetTask(uid)
	if !ok {
		return false
	}
	t.Cancel()
	return q.Remove(uid, false)
}

// GetTask returns the task with uid, if tracked.
func (q *Queue) GetTask(uid string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.UID == uid {
			return t, true
		}
	}
	return nil, false
}

// GetTasks returns a snapshot slice of every tracked task.
func (q *Queue) GetTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}

// GetPendingTasks returns tracked tasks whose ReadyToRun is true as of
// now.
func (q *Queue) GetPendingTasks() []*Task {
	now := time.Now()
	var out []*Task
	for _, t := range q.GetTasks() {
		if t.ReadyToRun(now) {
			out = append(out, t)
		}
	}
	return out
}

// GetTaskStatuses returns uid -> Status for every tracked task.
func (q *Queue) GetTaskStatuses() map[string]Status {
	out := make(map[string]Status)
	for _, t := range q.GetTasks() {
		out[t.UID] = t.CurrentStatus()
	}
	return out
}

// Clear empties the in-memory stack.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = nil
}

// ScheduleTasks stably sorts the pending stack by priority, descending.
func (q *Queue) ScheduleTasks() {
	q.mu.Lock()
	defer q.mu.Unlock()
	sortByPriority(q.tasks)
}

// RunTasks runs one dispatch cycle over tasks (or the full ready stack if
// tasks is nil), choosing single or batch strategy per §4.3.
func (q *Queue) RunTasks(ctx context.Context, tasks []*Task) DispatchCounters {
	if tasks == nil {
		tasks = q.GetPendingTasks()
	}
	if len(tasks) > 1 {
		q.ScheduleTasks()
	}

	dc := dispatchContext{
		registry: q.registry,
		manager:  q.manager,
		finalize: q.finalizeValidationFailure,
		logger:   q.logger,
	}

	strategy := chooseStrategy(len(tasks), totalSlots(q.manager))
	var counters DispatchCounters
	if strategy == "batch" {
		counters = dispatchBatch(ctx, dc, tasks)
	} else {
		counters = dispatchSingle(ctx, dc, tasks)
	}
	recordDispatchCounters(strategy, counters)
	for _, t := range tasks {
		if t.CurrentStatus() == StatusRunning {
			q.Remove(t.UID, true)
		}
	}
	return counters
}

// finalizeValidationFailure implements §7's validation error policy:
// increment retryCount; finalize failed (persist + remove) if exhausted,
// otherwise leave the task in the queue for the next cycle.
func (q *Queue) finalizeValidationFailure(t *Task, err error) {
	if !t.RecordValidationFailure(err) {
		return
	}
	t.closeDone(nil)

	if q.store.Attached() {
		msg := TaskInfoMessage{Task: t.ToSnapshot(), Error: strPtr(err.Error())}
		_, saveErr := q.store.SaveTask(context.Background(), msg)
		if saveErr != nil {
			q.logger.Warn("persist failed validation task", "uid", t.UID, "error", saveErr)
		}
	}
	q.Remove(t.UID, true)
}

func strPtr(s string) *string { return &s }

// recordDispatchCounters emits the per-cycle dispatch outcome counters the
// scheduler's ambient instrumentation promises: one counter per §4.3
// outcome, labeled by strategy so single vs. batch cycles are distinguishable
// on a dashboard.
func recordDispatchCounters(strategy string, c DispatchCounters) {
	counter, err := obs.Meter().Int64Counter("anqueue_dispatch_outcomes_total")
	if err != nil {
		return
	}
	ctx := context.Background()
	add := func(outcome string, n int) {
		if n == 0 {
			return
		}
		counter.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.String("outcome", outcome),
		))
	}
	add("sent", c.TasksSent)
	add("no_worker", c.NoWorkerAvailable)
	add("no_executor", c.NoExecutorFound)
	add("validation_failed", c.ValidationFailed)
}

// handleTaskInfo is the parent-side message handler of §4.5: persist the
// result via the store, then invoke the executor's SaveResult hook with
// the real adapter (the worker-side hooks never see it, per the IPC
// boundary rule).
func (q *Queue) handleTaskInfo(workerID string, msg TaskInfoMessage) {
	removed, err := q.store.SaveTask(context.Background(), msg)
	if err != nil {
		q.logger.Warn("save task failed", "worker", workerID, "uid", msg.Task.UID, "error", err)
	}

	if exec, ok := q.registry.Get(msg.Task.Type); ok {
		if rs, ok := exec.(ResultSaver); ok && msg.Result != nil {
			t := FromSnapshot(msg.Task)
			rs.SaveResult(t, TaskResult{Data: msg.Result.Data}, q.store.CurrentAdapter())
		}
	}

	if removed || msg.Task.Status == StatusCompleted {
		q.Remove(msg.Task.UID, true)
	}
}

// AddCronSchedule submits a freshly built task on a cron schedule (seconds
// precision), a supplemented feature modeled on the teacher's scheduler.
// The factory is invoked at each firing; its result flows through the
// normal Add/dispatch lifecycle. RunAutomatically is unaffected — this
// only changes how a task enters the stack.
func (q *Queue) AddCronSchedule(expr string, factory func() *Task) (cron.EntryID, error) {
	id, err := q.cronner.AddFunc(expr, func() {
		q.Add(factory())
	})
	if err != nil {
		return 0, fmt.Errorf("add cron schedule: %w", err)
	}
	if !q.cronRunning {
		q.cronner.Start()
		q.cronRunning = true
	}
	return id, nil
}

// RemoveCronSchedule cancels a previously added cron schedule.
func (q *Queue) RemoveCronSchedule(id cron.EntryID) {
	q.cronner.Remove(id)
}

// Stats returns a read-only snapshot of every worker's last cached load.
func (q *Queue) Stats() map[string]WorkerInfo {
	return q.manager.Stats()
}

// RunAutomatically loops forever: sync from the store, dispatch ready
// tasks, sleep timeoutSeconds, repeat. It returns when ctx is cancelled,
// or at once with Init's error if Init fails.
func (q *Queue) RunAutomatically(ctx context.Context, timeoutSeconds int) error {
	if err := q.Init(ctx); err != nil {
		return err
	}
	interval := time.Duration(timeoutSeconds) * time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		registeredTypes := make(map[string]bool)
		for _, t := range q.registry.Types() {
			registeredTypes[t] = true
		}
		have := func(uid string) bool {
			_, ok := q.GetTask(uid)
			return ok
		}
		recovered, err := q.store.SyncWithDB(ctx, registeredTypes, have)
		if err != nil {
			q.logger.Warn("syncWithDB failed", "error", err)
		}
		for _, t := range recovered {
			q.Add(t)
		}

		q.RunTasks(ctx, nil)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
