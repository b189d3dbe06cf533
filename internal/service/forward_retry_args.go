package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/formbricks/embed-sender/internal/models"
	"github.com/formbricks/embed-sender/internal/observability"
)

const (
	forwardResultsKind = "forward_results"
	// ForwardRetryQueueName is the River queue used for failed result forwards.
	ForwardRetryQueueName = "forward_retry"
)

// ForwardResultsArgs is the job payload for re-sending one failed forward.
// Used by ForwardRetryEnqueuer to enqueue and by ForwardRetryWorker to run.
type ForwardResultsArgs struct {
	TaskID  int64               `json:"task_id"`
	Results []models.ResultUnit `json:"results"`
}

// Kind returns the River job kind.
func (ForwardResultsArgs) Kind() string { return forwardResultsKind }

var _ river.JobArgs = ForwardResultsArgs{}

// ForwardRetryInserter inserts jobs (e.g. River client).
type ForwardRetryInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// ForwardRetryEnqueuer persists failed forwards as River jobs so they are retried with backoff.
type ForwardRetryEnqueuer struct {
	inserter    ForwardRetryInserter
	maxAttempts int
	metrics     observability.DispatchMetrics
}

// NewForwardRetryEnqueuer creates an enqueuer. metrics may be nil when metrics are disabled.
func NewForwardRetryEnqueuer(
	inserter ForwardRetryInserter, maxAttempts int, metrics observability.DispatchMetrics,
) *ForwardRetryEnqueuer {
	return &ForwardRetryEnqueuer{
		inserter:    inserter,
		maxAttempts: maxAttempts,
		metrics:     metrics,
	}
}

// HandleFailedForward enqueues results whose forward failed with cause.
func (e *ForwardRetryEnqueuer) HandleFailedForward(
	ctx context.Context, taskID int64, results []models.ResultUnit, cause error,
) error {
	if len(results) == 0 {
		return nil
	}

	res, err := e.inserter.Insert(ctx, ForwardResultsArgs{TaskID: taskID, Results: results}, &river.InsertOpts{
		Queue:       ForwardRetryQueueName,
		MaxAttempts: e.maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue forward retry: %w", err)
	}

	slog.Info("forward retry enqueued",
		"task_id", taskID,
		"results", len(results),
		"job_id", jobID(res),
		"cause", cause,
	)

	if e.metrics != nil {
		e.metrics.RecordResultsForwarded(ctx, "enqueued", len(results))
	}

	return nil
}

func jobID(res *rivertype.JobInsertResult) int64 {
	if res == nil || res.Job == nil {
		return 0
	}

	return res.Job.ID
}
