package anqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskExecuteHappyPath(t *testing.T) {
	task := NewTask("noop", "t1")
	result, err := task.Execute(context.Background(), func(ctx context.Context, tk *Task) (TaskResult, error) {
		return TaskResult{Processed: true, Data: map[string]any{"ok": 1}}, nil
	}, nil)

	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.Equal(t, StatusCompleted, task.CurrentStatus())
	assert.Equal(t, 100, task.Progress)
	assert.NotNil(t, task.CompletedAt)
}

func TestTaskExecuteProcessedFalseIsTerminalNoRetry(t *testing.T) {
	task := NewTask("strict", "t2")
	task.MaxRetries = 5
	result, err := task.Execute(context.Background(), func(ctx context.Context, tk *Task) (TaskResult, error) {
		return TaskResult{Processed: false}, nil
	}, nil)

	require.NoError(t, err)
	assert.False(t, result.Processed)
	assert.Equal(t, StatusFailed, task.CurrentStatus())
	assert.Equal(t, 0, task.RetryCount)
}

func TestTaskExecuteRetryExhaustion(t *testing.T) {
	task := NewTask("slow", "t3")
	task.MaxRetries = 1
	task.Timeout = 10 * time.Millisecond
	task.Delay = 0

	_, err := task.Execute(context.Background(), func(ctx context.Context, tk *Task) (TaskResult, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return TaskResult{Processed: true}, nil
		case <-ctx.Done():
			return TaskResult{}, ctx.Err()
		}
	}, []string{"timed out"})

	require.Error(t, err)
	assert.Equal(t, StatusFailed, task.CurrentStatus())
	assert.Equal(t, 1, task.RetryCount)
	assert.Contains(t, task.Error, "timed out after")
	assert.Len(t, task.ErrorHistory, 2)
}

func TestTaskExecuteNetworkTimeoutBuiltinPatternRetries(t *testing.T) {
	task := NewTask("flaky", "t4")
	task.MaxRetries = 2
	calls := 0
	_, err := task.Execute(context.Background(), func(ctx context.Context, tk *Task) (TaskResult, error) {
		calls++
		if calls < 3 {
			return TaskResult{}, errors.New("Network timeout talking to upstream")
		}
		return TaskResult{Processed: true}, nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.CurrentStatus())
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, 3, calls)
}

func TestTaskExecuteRejectsUnlessPending(t *testing.T) {
	task := NewTask("noop", "t5")
	task.Status = StatusRunning
	_, err := task.Execute(context.Background(), func(ctx context.Context, tk *Task) (TaskResult, error) {
		return TaskResult{Processed: true}, nil
	}, nil)
	require.Error(t, err)
}

func TestTaskCancelWakesWaiter(t *testing.T) {
	task := NewTask("noop", "t6")
	done := make(chan error, 1)
	go func() {
		done <- task.Wait(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	ok := task.Cancel()
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, task.CurrentStatus())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestTaskCancelFromTerminalStateFails(t *testing.T) {
	task := NewTask("noop", "t7")
	task.Status = StatusCompleted
	assert.False(t, task.Cancel())
}

func TestTaskUpdateProgressClamps(t *testing.T) {
	task := NewTask("noop", "t8")
	task.UpdateProgress(-5)
	assert.Equal(t, 0, task.Progress)
	task.UpdateProgress(150)
	assert.Equal(t, 100, task.Progress)
	task.UpdateProgress(42)
	assert.Equal(t, 42, task.Progress)
}

func TestTaskValidatePredicates(t *testing.T) {
	task := NewTask("noop", "t9")
	task.Priority = 5

	passed, reason := task.Validate([]Predicate{
		func(tk *Task) bool { return tk.Priority > 0 },
		func(tk *Task) bool { return true },
	})
	assert.True(t, passed)
	assert.Empty(t, reason)

	passed, reason = task.Validate([]Predicate{
		func(tk *Task) bool { return true },
		func(tk *Task) bool { return false },
		nil,
	})
	assert.False(t, passed)
	assert.Contains(t, reason, "validator[1]")
}

func TestTaskReadyToRun(t *testing.T) {
	task := NewTask("noop", "t10")
	assert.True(t, task.ReadyToRun(time.Now()))

	future := time.Now().Add(time.Hour)
	task.RunAt = &future
	assert.False(t, task.ReadyToRun(time.Now()))
	assert.True(t, task.ReadyToRun(future.Add(time.Minute)))
}

func TestSnapshotRoundTrip(t *testing.T) {
	task := NewTask("noop", "t11")
	task.Description = "desc"
	task.Priority = 7
	task.MaxRetries = 9
	task.Timeout = 5 * time.Second
	task.Data = map[string]any{"k": "v"}
	task.Metadata = map[string]string{"m": "1"}
	runAt := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	task.RunAt = &runAt

	snap := task.ToSnapshot()
	rebuilt := FromSnapshot(snap)

	assert.Equal(t, task.UID, rebuilt.UID)
	assert.Equal(t, task.Type, rebuilt.Type)
	assert.Equal(t, task.Name, rebuilt.Name)
	assert.Equal(t, task.Description, rebuilt.Description)
	assert.Equal(t, task.Data, rebuilt.Data)
	assert.Equal(t, task.Metadata, rebuilt.Metadata)
	assert.Equal(t, task.Priority, rebuilt.Priority)
	assert.Equal(t, task.MaxRetries, rebuilt.MaxRetries)
	assert.Equal(t, task.Timeout, rebuilt.Timeout)
	require.NotNil(t, rebuilt.RunAt)
	assert.True(t, task.RunAt.Equal(*rebuilt.RunAt))
}
