package anqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/anqueue/internal/obs"
)

// Status is the task's position in its state machine: pending, running,
// completed, failed, or cancelled. completed/cancelled are sticky terminal
// states; failed is terminal within an attempt but may re-enter pending via
// the retry edge in Task.Execute.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrCancelled is delivered to any Wait caller when a task is cancelled
// while pending or running.
var ErrCancelled = errors.New("anqueue: task cancelled")

// builtinRetryPattern is always eligible for retry, in addition to whatever
// an executor's RetrySchema contributes.
const builtinRetryPattern = "Network timeout"

const defaultMaxRetries = 3

var defaultTimeout = 30 * time.Second

func init() {
	if v := os.Getenv("MAX_TASK_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			envMaxRetries = n
		}
	}
	if v := os.Getenv("TASK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			defaultTimeout = time.Duration(n) * time.Millisecond
		}
	}
}

var envMaxRetries = defaultMaxRetries

// TaskResult is what an Executor's Exec returns. Processed=true with no
// error means the task completed; Processed=false with no error means a
// non-retryable application-level failure; a non-nil error from Exec (or a
// timeout) drives the retry decision in Execute.
type TaskResult struct {
	Processed bool
	Data      map[string]any
}

// Task is a unit of deferred work together with its own lifecycle state.
// All fields are plain values so a Task can be deep-copied across the
// controller/worker process boundary by JSON round-trip (see Snapshot).
type Task struct {
	UID         string
	Name        string
	Type        string
	Description string
	Priority    int
	RetryCount  int
	MaxRetries  int
	Delay       time.Duration
	Timeout     time.Duration
	RunAt       *time.Time
	Data        map[string]any
	UserID      string
	Metadata    map[string]string

	Status       Status
	Progress     int
	StartedAt    *time.Time
	FailedAt     *time.Time
	CompletedAt  *time.Time
	Error        string
	ErrorHistory []string

	mu       sync.Mutex
	doneOnce sync.Once
	doneCh   chan struct{}
	doneErr  error
}

// NewTask constructs a Task with the spec's defaults: status=pending,
// maxRetries from MAX_TASK_RETRIES (default 3), timeout from
// TASK_TIMEOUT_MS (default 30000ms). The UID is always a freshly generated
// one.
func NewTask(taskType, name string) *Task {
	t := &Task{
		UID:        uuid.NewString(),
		Name:       name,
		Type:       taskType,
		MaxRetries: envMaxRetries,
		Timeout:    defaultTimeout,
		Status:     StatusPending,
		Data:       map[string]any{},
		Metadata:   map[string]string{},
		doneCh:     make(chan struct{}),
	}
	return t
}

func (t *Task) ensureDoneCh() {
	t.mu.Lock()
	if t.doneCh == nil {
		t.doneCh = make(chan struct{})
	}
	t.mu.Unlock()
}

func (t *Task) closeDone(err error) {
	t.ensureDoneCh()
	t.doneOnce.Do(func() {
		t.doneErr = err
		close(t.doneCh)
	})
}

// Wait blocks until the task reaches a terminal state, returning
// ErrCancelled if it was cancelled, or ctx.Err() if ctx is done first.
func (t *Task) Wait(ctx context.Context) error {
	t.ensureDoneCh()
	select {
	case <-t.doneCh:
		return t.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadyToRun is true iff RunAt is unset or has already elapsed relative to
// now.
func (t *Task) ReadyToRun(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.RunAt == nil || !t.RunAt.After(now)
}

// UpdateProgress clamps p into [0,100] and stores it.
func (t *Task) UpdateProgress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	t.mu.Lock()
	t.Progress = p
	t.mu.Unlock()
}

// Predicate is one entry of an Executor's ValidationSchema: a check run
// against a candidate Task before dispatch.
type Predicate func(*Task) bool

// Validate runs predicates in order and reports the first failure. All
// predicates must be non-nil and return true; Go's static typing makes a
// non-bool return impossible, so the only failure modes are a nil
// predicate (not callable) or one returning false.
func (t *Task) Validate(predicates []Predicate) (passed bool, reason string) {
	for i, p := range predicates {
		if p == nil {
			return false, fmt.Sprintf("validator[%d] is not callable", i)
		}
		if !p(t) {
			return false, fmt.Sprintf("validator[%d] returned false", i)
		}
	}
	return true, ""
}

// CurrentStatus returns the task's status under lock.
func (t *Task) CurrentStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// RecordValidationFailure appends err to ErrorHistory and either bumps
// RetryCount (returning false, meaning the task stays queued for the next
// cycle) or finalizes the task as failed (returning true), per §7's
// validation-error policy.
func (t *Task) RecordValidationFailure(err error) (exhausted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ErrorHistory = append(t.ErrorHistory, err.Error())
	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		return false
	}
	t.Error = err.Error()
	t.Status = StatusFailed
	now := time.Now()
	t.FailedAt = &now
	return true
}

// Cancel transitions a pending or running task to cancelled, records
// CompletedAt, and wakes any Wait caller with ErrCancelled. It does not
// interrupt an executor already running on a worker — cancellation only
// flags state — it only affects this process's view of the task.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.Status != StatusPending && t.Status != StatusRunning {
		t.mu.Unlock()
		return false
	}
	t.Status = StatusCancelled
	now := time.Now()
	t.CompletedAt = &now
	t.mu.Unlock()
	t.closeDone(ErrCancelled)
	return true
}

// ExecFunc is an executor's Exec method, reduced to the signature Execute
// needs so tests can supply a bare function without a full Executor.
type ExecFunc func(ctx context.Context, t *Task) (TaskResult, error)

// Execute runs runExec against the task, racing it against Timeout, and
// drives the state machine transitions of spec §4.1. On a retryable
// failure it mutates RetryCount and recurses; the recursion depth is
// bounded by MaxRetries so this never grows unbounded.
func (t *Task) Execute(ctx context.Context, runExec ExecFunc, retrySchema []string) (TaskResult, error) {
	start := time.Now()
	res, err := t.executeAttempt(ctx, runExec, retrySchema)
	recordTaskDuration(t.Type, time.Since(start), t.CurrentStatus())
	return res, err
}

// executeAttempt holds the recursive retry logic; Execute wraps it so the
// task-duration histogram captures one whole attempt chain (including
// retries) instead of firing once per recursive re-entry.
func (t *Task) executeAttempt(ctx context.Context, runExec ExecFunc, retrySchema []string) (TaskResult, error) {
	t.mu.Lock()
	if t.Status != StatusPending {
		status := t.Status
		t.mu.Unlock()
		return TaskResult{}, fmt.Errorf("task %s: cannot execute from state %s", t.UID, status)
	}
	t.Status = StatusRunning
	now := time.Now()
	t.StartedAt = &now
	t.Progress = 0
	delay := t.Delay
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return TaskResult{}, ctx.Err()
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res TaskResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		res, err := runExec(execCtx, t)
		ch <- outcome{res, err}
	}()

	var res TaskResult
	var err error
	select {
	case o := <-ch:
		res, err = o.res, o.err
	case <-execCtx.Done():
		err = fmt.Errorf("task %s timed out after %dms", t.UID, timeout.Milliseconds())
	}

	if err == nil && res.Processed {
		t.mu.Lock()
		t.Status = StatusCompleted
		done := time.Now()
		t.CompletedAt = &done
		t.Progress = 100
		t.mu.Unlock()
		t.closeDone(nil)
		return res, nil
	}
	if err == nil && !res.Processed {
		t.mu.Lock()
		t.Status = StatusFailed
		failed := time.Now()
		t.FailedAt = &failed
		t.Progress = 0
		t.mu.Unlock()
		t.closeDone(nil)
		return res, nil
	}

	t.mu.Lock()
	t.ErrorHistory = append(t.ErrorHistory, err.Error())
	retry := t.RetryCount < t.MaxRetries && matchesRetryPattern(err.Error(), retrySchema)
	if retry {
		t.RetryCount++
		t.Status = StatusPending
		t.Progress = 0
		t.StartedAt = nil
		t.CompletedAt = nil
		t.Error = ""
		t.mu.Unlock()
		return t.executeAttempt(ctx, runExec, retrySchema)
	}
	t.Error = err.Error()
	t.Status = StatusFailed
	failed := time.Now()
	t.FailedAt = &failed
	t.Progress = 0
	t.mu.Unlock()
	t.closeDone(nil)
	return TaskResult{}, err
}

func matchesRetryPattern(msg string, schema []string) bool {
	if strings.Contains(msg, builtinRetryPattern) {
		return true
	}
	for _, pattern := range schema {
		if pattern != "" && strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Snapshot is the plain-value wire form of a Task, used both for IPC
// between the controller and a worker process and for the round-trip law
// covering uid, type, name, description, data, metadata, priority,
// maxRetries, timeout, runAt.
type Snapshot struct {
	UID          string         `json:"uid"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Description  string         `json:"description,omitempty"`
	Priority     int            `json:"priority"`
	RetryCount   int            `json:"retryCount"`
	MaxRetries   int            `json:"maxRetries"`
	DelayMS      int64          `json:"delayMs,omitempty"`
	TimeoutMS    int64          `json:"timeoutMs"`
	RunAt        *time.Time     `json:"runAt,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	FailedAt     *time.Time     `json:"failedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorHistory []string       `json:"errorHistory,omitempty"`
}

// ToSnapshot copies the task into its plain-value wire form.
func (t *Task) ToSnapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		UID:          t.UID,
		Name:         t.Name,
		Type:         t.Type,
		Description:  t.Description,
		Priority:     t.Priority,
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
		DelayMS:      t.Delay.Milliseconds(),
		TimeoutMS:    t.Timeout.Milliseconds(),
		RunAt:        t.RunAt,
		Data:         copyAnyMap(t.Data),
		UserID:       t.UserID,
		Metadata:     copyStringMap(t.Metadata),
		Status:       t.Status,
		Progress:     t.Progress,
		StartedAt:    t.StartedAt,
		FailedAt:     t.FailedAt,
		CompletedAt:  t.CompletedAt,
		Error:        t.Error,
		ErrorHistory: append([]string(nil), t.ErrorHistory...),
	}
}

// FromSnapshot reconstructs a fresh Task from its wire form — used on the
// worker side so execution never touches a value shared with the
// controller process.
func FromSnapshot(s Snapshot) *Task {
	return &Task{
		UID:          s.UID,
		Name:         s.Name,
		Type:         s.Type,
		Description:  s.Description,
		Priority:     s.Priority,
		RetryCount:   s.RetryCount,
		MaxRetries:   s.MaxRetries,
		Delay:        time.Duration(s.DelayMS) * time.Millisecond,
		Timeout:      time.Duration(s.TimeoutMS) * time.Millisecond,
		RunAt:        s.RunAt,
		Data:         copyAnyMap(s.Data),
		UserID:       s.UserID,
		Metadata:     copyStringMap(s.Metadata),
		Status:       s.Status,
		Progress:     s.Progress,
		StartedAt:    s.StartedAt,
		FailedAt:     s.FailedAt,
		CompletedAt:  s.CompletedAt,
		Error:        s.Error,
		ErrorHistory: append([]string(nil), s.ErrorHistory...),
		doneCh:       make(chan struct{}),
	}
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// recordTaskDuration emits the ambient task-duration histogram the
// scheduler and store's instruments are matched by, keyed on task type and
// terminal status.
func recordTaskDuration(taskType string, d time.Duration, status Status) {
	hist, err := obs.Meter().Float64Histogram("anqueue_task_duration_ms")
	if err != nil {
		return
	}
	hist.Record(context.Background(), float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("type", taskType),
		attribute.String("status", string(status)),
	))
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
