package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/formbricks/embed-sender/internal/inference"
	"github.com/formbricks/embed-sender/internal/models"
	"github.com/formbricks/embed-sender/internal/observability"
)

// Failure reasons recorded when chunks are marked failed.
const (
	FailureReasonOverloadedSingleton = "overloaded_singleton"
	FailureReasonDispatchFailed      = "dispatch_failed"
	FailureReasonNoText              = "no_text"
)

// Dispatcher sends one batch to the inference endpoint (e.g. *inference.Client).
type Dispatcher interface {
	Dispatch(ctx context.Context, batch models.Batch, opts *models.TaskOptions) inference.Outcome
}

// ChunkFailer marks chunks of a task as failed (e.g. *repository.QueueRepository).
type ChunkFailer interface {
	MarkFailed(ctx context.Context, taskID int64, chunkIDs []int64) error
}

// OverflowSplitter resolves a batch into result units. A batch the endpoint rejects as
// too large is retried one chunk at a time; a single chunk that is still too large,
// and every chunk of a batch that failed for any other reason, is marked failed.
// Every input chunk ends up either in the returned results or marked failed.
type OverflowSplitter struct {
	dispatcher Dispatcher
	failer     ChunkFailer
	metrics    observability.DispatchMetrics
}

// NewOverflowSplitter creates a splitter. metrics may be nil when metrics are disabled.
func NewOverflowSplitter(dispatcher Dispatcher, failer ChunkFailer, metrics observability.DispatchMetrics) *OverflowSplitter {
	return &OverflowSplitter{
		dispatcher: dispatcher,
		failer:     failer,
		metrics:    metrics,
	}
}

// Resolve dispatches batch and returns the results in input order. When ctx is cancelled
// mid-way the remaining chunks are abandoned in progress rather than marked failed.
func (s *OverflowSplitter) Resolve(
	ctx context.Context, taskID int64, batch models.Batch, opts *models.TaskOptions,
) []models.ResultUnit {
	if len(batch) == 0 {
		return nil
	}

	out := s.dispatch(ctx, batch, opts)
	if ctx.Err() != nil {
		return nil
	}

	switch out.Kind {
	case inference.OutcomeSuccess:
		return zipResults(batch, out.Vectors)
	case inference.OutcomeOverloaded:
		if len(batch) == 1 {
			s.fail(ctx, taskID, batch, FailureReasonOverloadedSingleton, out)

			return nil
		}

		slog.Info("splitter: batch too large, retrying chunk by chunk",
			"task_id", taskID,
			"batch_size", len(batch),
		)

		return s.resolveOneByOne(ctx, taskID, batch, opts)
	default:
		s.fail(ctx, taskID, batch, FailureReasonDispatchFailed, out)

		return nil
	}
}

// resolveOneByOne dispatches each chunk alone, in order. Single chunks are never split further.
func (s *OverflowSplitter) resolveOneByOne(
	ctx context.Context, taskID int64, batch models.Batch, opts *models.TaskOptions,
) []models.ResultUnit {
	results := make([]models.ResultUnit, 0, len(batch))

	for i := range batch {
		single := batch[i : i+1 : i+1]

		out := s.dispatch(ctx, single, opts)
		if ctx.Err() != nil {
			return results
		}

		switch out.Kind {
		case inference.OutcomeSuccess:
			results = append(results, zipResults(single, out.Vectors)...)
		case inference.OutcomeOverloaded:
			s.fail(ctx, taskID, single, FailureReasonOverloadedSingleton, out)
		default:
			s.fail(ctx, taskID, single, FailureReasonDispatchFailed, out)
		}
	}

	return results
}

func (s *OverflowSplitter) dispatch(ctx context.Context, batch models.Batch, opts *models.TaskOptions) inference.Outcome {
	start := time.Now()
	out := s.dispatcher.Dispatch(ctx, batch, opts)

	if out.Kind == inference.OutcomeSuccess && len(out.Vectors) != len(batch) {
		out = inference.Outcome{
			Kind:       inference.OutcomePermanentFailure,
			StatusCode: out.StatusCode,
			Err:        fmt.Errorf("got %d vectors for %d chunks", len(out.Vectors), len(batch)),
		}
	}

	if s.metrics != nil && ctx.Err() == nil {
		s.metrics.RecordDispatch(ctx, out.Kind.String(), time.Since(start))
	}

	return out
}

func (s *OverflowSplitter) fail(
	ctx context.Context, taskID int64, batch models.Batch, reason string, out inference.Outcome,
) {
	ids := batch.IDs()

	slog.Warn("splitter: marking chunks failed",
		"task_id", taskID,
		"reason", reason,
		"status_code", out.StatusCode,
		"chunk_ids", ids,
		"error", out.Err,
	)

	if err := s.failer.MarkFailed(ctx, taskID, ids); err != nil {
		slog.Error("splitter: mark failed",
			"task_id", taskID,
			"chunk_ids", ids,
			"error", err,
		)

		return
	}

	if s.metrics != nil {
		s.metrics.RecordChunksFailed(ctx, reason, len(ids))
	}
}

func zipResults(batch models.Batch, vectors [][]float32) []models.ResultUnit {
	results := make([]models.ResultUnit, len(batch))
	for i, chunk := range batch {
		results[i] = models.NewResultUnit(chunk, vectors[i])
	}

	return results
}
