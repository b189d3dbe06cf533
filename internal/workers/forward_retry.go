// Package workers provides River job workers (failed forward retries).
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/formbricks/embed-sender/internal/models"
	"github.com/formbricks/embed-sender/internal/observability"
	"github.com/formbricks/embed-sender/internal/service"
)

// resultsForwarder is the minimal interface needed by the worker (e.g. *service.ResultForwarder).
type resultsForwarder interface {
	Forward(ctx context.Context, taskID int64, results []models.ResultUnit) error
}

// ForwardRetryWorker re-sends results whose first forward failed.
type ForwardRetryWorker struct {
	river.WorkerDefaults[service.ForwardResultsArgs]

	forwarder resultsForwarder
	metrics   observability.DispatchMetrics
}

// NewForwardRetryWorker creates a worker. metrics may be nil when metrics are disabled.
func NewForwardRetryWorker(forwarder resultsForwarder, metrics observability.DispatchMetrics) *ForwardRetryWorker {
	return &ForwardRetryWorker{forwarder: forwarder, metrics: metrics}
}

const forwardRetryTimeout = 90 * time.Second

// Timeout limits how long a single forward attempt can run (above the receiver client timeout).
func (w *ForwardRetryWorker) Timeout(*river.Job[service.ForwardResultsArgs]) time.Duration {
	return forwardRetryTimeout
}

// Work forwards the stored results once. On the final attempt a failure is logged and dropped.
func (w *ForwardRetryWorker) Work(ctx context.Context, job *river.Job[service.ForwardResultsArgs]) error {
	args := job.Args

	err := w.forwarder.Forward(ctx, args.TaskID, args.Results)
	if err == nil {
		slog.Info("forward retry: delivered",
			"task_id", args.TaskID,
			"results", len(args.Results),
			"attempt", job.Attempt,
		)

		if w.metrics != nil {
			w.metrics.RecordResultsForwarded(ctx, "retried", len(args.Results))
		}

		return nil
	}

	if job.Attempt >= job.MaxAttempts {
		slog.Error("forward retry: failed (final attempt), results dropped",
			"task_id", args.TaskID,
			"results", len(args.Results),
			"chunk_ids", models.ResultChunkIDs(args.Results),
			"error", err,
		)

		if w.metrics != nil {
			w.metrics.RecordResultsForwarded(ctx, "dropped", len(args.Results))
		}

		return nil
	}

	return fmt.Errorf("forward results: %w", err)
}
