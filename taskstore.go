package anqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/swarmguard/anqueue/internal/resilience"
)

// TaskStore persists Task snapshots and syncs pending rows back into
// memory. Per §4.4 it is optional: with no Adapter attached it is inert,
// and dispatch/execution proceed without it.
type TaskStore struct {
	mu      sync.Mutex
	adapter Adapter
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger

	warnedMissingTable bool
}

// NewTaskStore wraps adapter (nil is valid — an inert store) in a circuit
// breaker so a failing backend doesn't get hammered by every dispatch
// cycle's saveTask/syncWithDB call.
func NewTaskStore(adapter Adapter) *TaskStore {
	return &TaskStore{
		adapter: adapter,
		breaker: resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
		logger:  slog.Default(),
	}
}

// SetAdapter attaches or replaces the store's adapter.
func (s *TaskStore) SetAdapter(adapter Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapter = adapter
}

// Attached reports whether a backing Adapter is present.
func (s *TaskStore) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter != nil
}

// CurrentAdapter returns the attached Adapter, or nil.
func (s *TaskStore) CurrentAdapter() Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter
}

// SyncWithDB queries for pending rows whose type is a registered executor
// and whose uid is not already tracked by have, reconstructing a Task for
// each. Missing-table conditions are reported once and skipped, matching
// §4.4's "report once and skip."
func (s *TaskStore) SyncWithDB(ctx context.Context, registeredTypes map[string]bool, have func(uid string) bool) ([]*Task, error) {
	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	if adapter == nil {
		return nil, nil
	}
	if !s.breaker.Allow() {
		return nil, nil
	}

	rows, err := resilience.Retry(ctx, 2, 200*time.Millisecond, func() ([]*PersistedTaskRow, error) {
		return adapter.FindMany(ctx, map[string]any{"status": string(StatusPending)})
	})
	s.breaker.RecordResult(err == nil)
	if err != nil {
		if !s.warnedMissingTable {
			s.logger.Warn("syncWithDB: tasks table unavailable, skipping", "error", err)
			s.warnedMissingTable = true
		}
		return nil, nil
	}

	var recovered []*Task
	for _, row := range rows {
		if !registeredTypes[row.Type] {
			continue
		}
		if have(row.UID) {
			continue
		}
		t := NewTask(row.Type, row.Name)
		t.UID = row.UID
		t.Description = row.Description
		t.Data = copyAnyMap(row.Data)
		recovered = append(recovered, t)
	}
	return recovered, nil
}

// SaveTask derives an upsert payload from a worker's task-info message and
// persists it. It returns whether the caller should remove the task from
// the in-memory stack (true iff the persisted status is completed).
func (s *TaskStore) SaveTask(ctx context.Context, msg TaskInfoMessage) (removeFromMemory bool, err error) {
	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	if adapter == nil {
		return msg.Task.Status == StatusCompleted, nil
	}
	if !s.breaker.Allow() {
		return false, fmt.Errorf("task store: circuit open, dropping save for %s", msg.Task.UID)
	}

	row := PersistedTaskRow{
		UID:         msg.Task.UID,
		Type:        msg.Task.Type,
		Name:        msg.Task.Name,
		Description: msg.Task.Description,
		Status:      msg.Task.Status,
		Data:        deepCopyResultData(msg.Result),
		Error:       msg.Error,
		UserID:      msg.Task.UserID,
		StartedAt:   msg.Task.StartedAt,
		CompletedAt: msg.Task.CompletedAt,
	}

	_, err = backoffUpsert(ctx, adapter, row)
	s.breaker.RecordResult(err == nil)
	if err != nil {
		s.logger.Warn("saveTask failed", "uid", row.UID, "error", err)
		return false, err
	}
	return row.Status == StatusCompleted, nil
}

// deepCopyResultData copies the result payload, which already excludes
// the processed flag (TaskResultMsg carries Data only). Only the top-level
// map is copied; nested maps and slices are shared with msg.
func deepCopyResultData(r *TaskResultMsg) map[string]any {
	if r == nil {
		return nil
	}
	return copyAnyMap(r.Data)
}

// backoffUpsert retries the adapter's Upsert call with cenkalti/backoff's
// exponential-with-jitter policy — distinct from both the generic
// resilience.Retry helper (used for reads above) and the worker
// supervisor's fixed restart schedule.
func backoffUpsert(ctx context.Context, adapter Adapter, row PersistedTaskRow) (*PersistedTaskRow, error) {
	where := map[string]any{"uid": row.UID}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	var result *PersistedTaskRow
	op := func() error {
		r, err := adapter.Upsert(ctx, where, row, row)
		if err != nil {
			return err
		}
		result = r
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("upsert task %s: %w", row.UID, err)
	}
	return result, nil
}
