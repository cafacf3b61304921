// Package workerrt is the child-side counterpart to the controller's
// Worker/WorkerManager: it runs inside the spawned OS process, holds its
// own ExecutorRegistry, and speaks the same newline-delimited JSON IPC
// protocol over stdin/stdout.
package workerrt

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swarmguard/anqueue"
)

// Runtime is the worker process's state: its executor registry, its
// concurrency gate, and the stdout writer it replies through.
type Runtime struct {
	registry    *anqueue.ExecutorRegistry
	maxTaskLoad int
	taskLoad    atomic.Int64
	hasAdapter  atomic.Bool

	workerID  string
	startedAt time.Time

	outMu sync.Mutex
	out   *bufio.Writer

	logger *slog.Logger
}

// New constructs a Runtime rooted at taskDir, gated at maxTaskLoad
// concurrent tasks.
func New(taskDir string, maxTaskLoad int, workerID string) *Runtime {
	return &Runtime{
		registry:    anqueue.NewExecutorRegistry(taskDir, false, nil),
		maxTaskLoad: maxTaskLoad,
		workerID:    workerID,
		startedAt:   time.Now(),
		out:         bufio.NewWriter(os.Stdout),
		logger:      slog.Default().With("worker", workerID),
	}
}

// Run initializes the registry and processes IPC messages from stdin
// until it's closed or ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.registry.Initialize(ctx); err != nil {
		return fmt.Errorf("worker runtime: init registry: %w", err)
	}

	go func() {
		<-ctx.Done()
		os.Stdin.Close()
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		r.handleLine(ctx, line)
	}
	return scanner.Err()
}

func (r *Runtime) handleLine(ctx context.Context, line []byte) {
	var env anqueue.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		r.logger.Warn("malformed ipc line", "error", err)
		return
	}
	switch env.Event {
	case anqueue.EventGetWorkerInfo:
		r.replyWorkerInfo()
	case anqueue.EventSetDatabase:
		var msg anqueue.SetDatabaseMessage
		if err := json.Unmarshal(line, &msg); err == nil {
			r.hasAdapter.Store(msg.HasAdapter)
		}
	case anqueue.EventTaskSingle:
		var msg anqueue.TaskSingleMessage
		if err := json.Unmarshal(line, &msg); err == nil {
			go r.runTask(ctx, msg.Task)
		}
	case anqueue.EventTaskBatch:
		var msg anqueue.TaskBatchMessage
		if err := json.Unmarshal(line, &msg); err == nil {
			// Tasks in a batch are not awaited against one another — each
			// runs and replies independently, per spec's resolved Open
			// Question on taskBatch concurrency.
			for _, snap := range msg.Batch {
				go r.runTask(ctx, snap)
			}
		}
	}
}

func (r *Runtime) replyWorkerInfo() {
	info := anqueue.WorkerInfo{
		WorkerID:      r.workerID,
		ProcessID:     os.Getpid(),
		TaskLoad:      int(r.taskLoad.Load()),
		MaxLoad:       r.maxTaskLoad,
		UptimeSeconds: int64(time.Since(r.startedAt).Seconds()),
	}
	r.send(anqueue.WorkerInfoMessage{
		Event:     anqueue.EventWorkerInfo,
		Data:      info,
		WorkerID:  r.workerID,
		ProcessID: os.Getpid(),
	})
}

// runTask is the execution path of §4.6: enforce the capacity gate,
// reconstruct a fresh Task from the wire snapshot, run it, invoke
// whichever of onComplete/onFailure applies, and reply. A panic anywhere
// in this path is this worker's uncaught-error handler: log and exit 1,
// exactly as an unhandled rejection would at startup, letting the
// controller's crash-recovery supervision take over.
func (r *Runtime) runTask(ctx context.Context, snap anqueue.Snapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("uncaught error running task", "uid", snap.UID, "panic", rec)
			os.Exit(1)
		}
	}()

	if r.taskLoad.Load() >= int64(r.maxTaskLoad) {
		r.sendFailure(snap, fmt.Sprintf("worker %s: task load at capacity (%d)", r.workerID, r.maxTaskLoad))
		return
	}

	execr, ok := r.registry.Get(snap.Type)
	if !ok {
		r.sendFailure(snap, fmt.Sprintf("no executor registered for type %q", snap.Type))
		return
	}

	r.taskLoad.Add(1)
	defer r.taskLoad.Add(-1)

	t := anqueue.FromSnapshot(snap)
	var dbAdapter anqueue.Adapter // always nil here; see ipc.go's setDatabase doc

	result, err := t.Execute(ctx, execr.Exec, execr.RetrySchema())
	if err != nil {
		if of, ok := execr.(anqueue.OnFailer); ok {
			of.OnFailure(t, result, err, dbAdapter)
		}
		msg := err.Error()
		r.send(anqueue.TaskInfoMessage{
			Event:     anqueue.EventTaskInfo,
			Task:      t.ToSnapshot(),
			Error:     &msg,
			WorkerID:  r.workerID,
			ProcessID: os.Getpid(),
		})
		return
	}

	if oc, ok := execr.(anqueue.OnCompleter); ok {
		oc.OnComplete(t, result, dbAdapter)
	}
	r.send(anqueue.TaskInfoMessage{
		Event:     anqueue.EventTaskInfo,
		Task:      t.ToSnapshot(),
		Error:     nil,
		Result:    &anqueue.TaskResultMsg{Data: result.Data},
		WorkerID:  r.workerID,
		ProcessID: os.Getpid(),
	})
}

func (r *Runtime) sendFailure(snap anqueue.Snapshot, reason string) {
	t := anqueue.FromSnapshot(snap)
	t.Status = anqueue.StatusFailed
	t.Error = reason
	now := time.Now()
	t.FailedAt = &now
	r.send(anqueue.TaskInfoMessage{
		Event:     anqueue.EventTaskInfo,
		Task:      t.ToSnapshot(),
		Error:     &reason,
		WorkerID:  r.workerID,
		ProcessID: os.Getpid(),
	})
}

func (r *Runtime) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("marshal ipc reply failed", "error", err)
		return
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	r.out.Write(data)
	r.out.WriteByte('\n')
	r.out.Flush()
}
