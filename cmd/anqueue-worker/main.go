// Command anqueue-worker is the worker-runtime entrypoint spawned by the
// controller's WorkerManager. It reads WORKER_ID, TASK_DIRECTORY and
// MAX_CONCURRENT_TASKS from its environment and speaks the IPC protocol
// over stdin/stdout; all logging goes to stderr so stdout stays a clean
// JSON channel.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/swarmguard/anqueue/internal/obs"
	"github.com/swarmguard/anqueue/internal/workerrt"
)

func main() {
	logger := obs.InitLogging(os.Getenv("WORKER_ID"))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("uncaught error at startup", "panic", r)
			os.Exit(1)
		}
	}()

	workerID := os.Getenv("WORKER_ID")
	taskDir := os.Getenv("TASK_DIRECTORY")
	if taskDir == "" {
		logger.Error("TASK_DIRECTORY not set")
		os.Exit(1)
	}
	maxLoad, err := strconv.Atoi(os.Getenv("MAX_CONCURRENT_TASKS"))
	if err != nil || maxLoad <= 0 {
		maxLoad = 4
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracer := obs.InitTracer(ctx, "anqueue-worker")
	shutdownMetrics := obs.InitMetrics(ctx, "anqueue-worker")
	defer func() {
		obs.Flush(context.Background(), shutdownTracer)
		obs.Flush(context.Background(), shutdownMetrics)
	}()

	rt := workerrt.New(taskDir, maxLoad, workerID)
	if err := rt.Run(ctx); err != nil {
		logger.Error("worker runtime exited with error", "error", err)
		os.Exit(1)
	}
}
