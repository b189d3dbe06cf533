// Package worker provides the long-running dispatch loop that feeds the inference endpoint.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/formbricks/embed-sender/internal/huberrors"
	"github.com/formbricks/embed-sender/internal/models"
	"github.com/formbricks/embed-sender/internal/observability"
	"github.com/formbricks/embed-sender/internal/service"
)

// QueueStore defines the queue operations the pipeline needs (e.g. *repository.QueueRepository).
type QueueStore interface {
	GetAndLockTaskOptions(ctx context.Context, taskID int64, newStatus models.TaskStatus) (*models.TaskOptions, error)
	ClaimChunks(ctx context.Context, taskID int64, maxCount int) ([]int64, error)
	FetchTexts(ctx context.Context, chunkIDs []int64) ([]models.Chunk, error)
	MarkFailed(ctx context.Context, taskID int64, chunkIDs []int64) error
	MarkDone(ctx context.Context, taskID int64, chunkIDs []int64) error
	CompleteTaskIfDrained(ctx context.Context, taskID int64) (bool, error)
}

// BatchResolver turns one batch into result units (e.g. *service.OverflowSplitter).
type BatchResolver interface {
	Resolve(ctx context.Context, taskID int64, batch models.Batch, opts *models.TaskOptions) []models.ResultUnit
}

// ResultsForwarder delivers result units downstream (e.g. *service.ResultForwarder).
type ResultsForwarder interface {
	Forward(ctx context.Context, taskID int64, results []models.ResultUnit) error
}

// FailedForwardHandler takes results whose forward failed (e.g. *service.ForwardRetryEnqueuer).
type FailedForwardHandler interface {
	HandleFailedForward(ctx context.Context, taskID int64, results []models.ResultUnit, cause error) error
}

// PipelineConfig holds the sizing and timing of the dispatch loop.
type PipelineConfig struct {
	TaskID int64
	// TargetInFlight is the number of chunks the loop keeps awaiting inference.
	TargetInFlight int
	// WorkBatchSize is the maximum number of chunks per inference request.
	WorkBatchSize int

	OptionsBackoff time.Duration // sleep when the task is paused, missing or finished
	ReapWait       time.Duration // longest wait for a completion when none is ready
	IdleWait       time.Duration // sleep at the end of every cycle
	EmptyBackoff   time.Duration // sleep when nothing is claimable and nothing is in flight

	// ExitWhenDrained makes Run return once nothing is claimable and nothing is in flight.
	ExitWhenDrained bool
}

func (c *PipelineConfig) setDefaults() {
	if c.OptionsBackoff <= 0 {
		c.OptionsBackoff = 10 * time.Second
	}

	if c.ReapWait <= 0 {
		c.ReapWait = 10 * time.Second
	}

	if c.IdleWait <= 0 {
		c.IdleWait = 2 * time.Second
	}

	if c.EmptyBackoff <= 0 {
		c.EmptyBackoff = 10 * time.Second
	}
}

// MaxBatchesInFlight is the upper bound on concurrent inference requests for the config.
func (c *PipelineConfig) MaxBatchesInFlight() int {
	if c.WorkBatchSize <= 0 {
		return 0
	}

	return (c.TargetInFlight + c.WorkBatchSize - 1) / c.WorkBatchSize
}

type batchResult struct {
	results []models.ResultUnit
}

// DispatchPipeline claims chunks of one task, dispatches them in bounded concurrent
// batches, and forwards completed results. It is driven by a single goroutine (Run);
// dispatches and forwards run on their own goroutines.
type DispatchPipeline struct {
	cfg       PipelineConfig
	store     QueueStore
	resolver  BatchResolver
	forwarder ResultsForwarder
	failed    FailedForwardHandler
	metrics   observability.DispatchMetrics
	logger    *slog.Logger

	// completions is buffered to MaxBatchesInFlight so a finished dispatch never blocks,
	// even after Run has stopped reaping.
	completions chan batchResult
	inFlight    int
	forwards    sync.WaitGroup
}

// NewDispatchPipeline creates a pipeline. failed and metrics may be nil.
func NewDispatchPipeline(
	cfg PipelineConfig,
	store QueueStore,
	resolver BatchResolver,
	forwarder ResultsForwarder,
	failed FailedForwardHandler,
	metrics observability.DispatchMetrics,
) (*DispatchPipeline, error) {
	if cfg.TargetInFlight <= 0 || cfg.WorkBatchSize <= 0 {
		return nil, huberrors.NewConfigError("", "target in flight and work batch size must be positive")
	}

	cfg.setDefaults()

	return &DispatchPipeline{
		cfg:         cfg,
		store:       store,
		resolver:    resolver,
		forwarder:   forwarder,
		failed:      failed,
		metrics:     metrics,
		logger:      slog.With("task_id", cfg.TaskID),
		completions: make(chan batchResult, cfg.MaxBatchesInFlight()),
	}, nil
}

// Run loops until ctx is cancelled, the task drains (with ExitWhenDrained), or the store
// becomes unreachable. Cancellation returns nil and abandons in-flight dispatches; their
// chunks stay in progress. Forwards already started are waited for before Run returns.
func (p *DispatchPipeline) Run(ctx context.Context) error {
	defer p.forwards.Wait()

	p.logger.InfoContext(ctx, "dispatch pipeline started",
		"target_in_flight", p.cfg.TargetInFlight,
		"work_batch_size", p.cfg.WorkBatchSize,
		"max_batches_in_flight", p.cfg.MaxBatchesInFlight(),
	)

	for {
		if ctx.Err() != nil {
			return p.stopped(ctx)
		}

		opts, err := p.store.GetAndLockTaskOptions(ctx, p.cfg.TaskID, models.TaskStatusProgress)
		if err != nil {
			if ctx.Err() != nil {
				return p.stopped(ctx)
			}

			if errors.Is(err, huberrors.ErrStoreUnavailable) {
				return fmt.Errorf("load task options: %w", err)
			}

			p.logger.ErrorContext(ctx, "failed to load task options", "error", err)
		}

		if err := p.reap(ctx); err != nil {
			return err
		}

		if opts == nil {
			p.logger.DebugContext(ctx, "task not dispatchable, backing off",
				"in_flight_batches", p.inFlight,
				"backoff", p.cfg.OptionsBackoff,
			)

			if !sleepCtx(ctx, p.cfg.OptionsBackoff) {
				return p.stopped(ctx)
			}

			continue
		}

		done, err := p.replenish(ctx, opts)
		if err != nil {
			return err
		}

		if done {
			p.logger.InfoContext(ctx, "task drained, dispatch pipeline exiting")

			return nil
		}

		if !sleepCtx(ctx, p.cfg.IdleWait) {
			return p.stopped(ctx)
		}
	}
}

func (p *DispatchPipeline) stopped(ctx context.Context) error {
	p.logger.InfoContext(ctx, "dispatch pipeline stopped",
		"abandoned_batches", p.inFlight,
	)

	return nil
}

// reap collects every finished dispatch, marks its chunks done and forwards the results.
// When dispatches are in flight but none has finished, it waits up to ReapWait for one.
func (p *DispatchPipeline) reap(ctx context.Context) error {
	finished := p.drain()

	if len(finished) == 0 && p.inFlight > 0 {
		timer := time.NewTimer(p.cfg.ReapWait)

		select {
		case r := <-p.completions:
			p.inFlight--
			finished = append(finished, r)
			finished = append(finished, p.drain()...)
		case <-timer.C:
		case <-ctx.Done():
		}

		timer.Stop()
	}

	if p.metrics != nil {
		p.metrics.SetInFlightBatches(p.inFlight)
	}

	var results []models.ResultUnit
	for _, r := range finished {
		results = append(results, r.results...)
	}

	if len(results) == 0 {
		return nil
	}

	ids := models.ResultChunkIDs(results)
	if err := p.store.MarkDone(ctx, p.cfg.TaskID, ids); err != nil {
		if errors.Is(err, huberrors.ErrStoreUnavailable) {
			return fmt.Errorf("mark chunks done: %w", err)
		}

		p.logger.ErrorContext(ctx, "failed to mark chunks done", "chunk_ids", ids, "error", err)
	}

	p.forward(ctx, results)

	return nil
}

func (p *DispatchPipeline) drain() []batchResult {
	var finished []batchResult

	for {
		select {
		case r := <-p.completions:
			p.inFlight--
			finished = append(finished, r)
		default:
			return finished
		}
	}
}

// forward sends results on its own goroutine so a slow receiver never stalls claiming.
func (p *DispatchPipeline) forward(ctx context.Context, results []models.ResultUnit) {
	fctx := context.WithoutCancel(ctx)

	p.forwards.Add(1)

	go func() {
		defer p.forwards.Done()

		err := p.forwarder.Forward(fctx, p.cfg.TaskID, results)
		if err == nil {
			p.logger.DebugContext(fctx, "results forwarded", "results", len(results))

			if p.metrics != nil {
				p.metrics.RecordResultsForwarded(fctx, "success", len(results))
			}

			return
		}

		p.logger.ErrorContext(fctx, "failed to forward results",
			"results", len(results),
			"chunk_ids", models.ResultChunkIDs(results),
			"error", err,
		)

		if p.failed != nil {
			hErr := p.failed.HandleFailedForward(fctx, p.cfg.TaskID, results, err)
			if hErr == nil {
				return
			}

			p.logger.ErrorContext(fctx, "failed to hand off failed forward", "error", hErr)
		}

		if p.metrics != nil {
			p.metrics.RecordResultsForwarded(fctx, "failed", len(results))
		}
	}()
}

// replenish claims enough chunks to bring the in-flight total back to TargetInFlight and
// launches one dispatch per batch. It reports true when the loop should exit.
func (p *DispatchPipeline) replenish(ctx context.Context, opts *models.TaskOptions) (bool, error) {
	needed := p.cfg.TargetInFlight - p.inFlight*p.cfg.WorkBatchSize
	if needed <= 0 {
		return false, nil
	}

	ids, err := p.store.ClaimChunks(ctx, p.cfg.TaskID, needed)
	if err != nil {
		return false, p.storeError(ctx, "claim chunks", err)
	}

	if len(ids) == 0 {
		if p.inFlight > 0 {
			return false, nil
		}

		return p.handleEmpty(ctx)
	}

	if p.metrics != nil {
		p.metrics.RecordChunksClaimed(ctx, len(ids))
	}

	chunks, err := p.store.FetchTexts(ctx, ids)
	if err != nil {
		p.logger.ErrorContext(ctx, "claimed chunks left in progress", "chunk_ids", ids)

		return false, p.storeError(ctx, "fetch chunk texts", err)
	}

	if err := p.failMissing(ctx, ids, chunks); err != nil {
		return false, err
	}

	batches := models.Batch(chunks).Partition(p.cfg.WorkBatchSize)
	for _, batch := range batches {
		p.launch(ctx, opts, batch)
	}

	p.logger.DebugContext(ctx, "chunks dispatched",
		"claimed", len(ids),
		"batches", len(batches),
		"in_flight_batches", p.inFlight,
	)

	if p.metrics != nil {
		p.metrics.SetInFlightBatches(p.inFlight)
	}

	return false, nil
}

// failMissing marks claimed ids that came back without text as failed so every claimed
// chunk reaches a terminal status.
func (p *DispatchPipeline) failMissing(ctx context.Context, ids []int64, chunks []models.Chunk) error {
	if len(chunks) == len(ids) {
		return nil
	}

	present := make(map[int64]struct{}, len(chunks))
	for _, c := range chunks {
		present[c.ID] = struct{}{}
	}

	missing := make([]int64, 0, len(ids)-len(chunks))

	for _, id := range ids {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	p.logger.WarnContext(ctx, "claimed chunks have no text", "chunk_ids", missing)

	if err := p.store.MarkFailed(ctx, p.cfg.TaskID, missing); err != nil {
		return p.storeError(ctx, "mark chunks without text failed", err)
	}

	if p.metrics != nil {
		p.metrics.RecordChunksFailed(ctx, service.FailureReasonNoText, len(missing))
	}

	return nil
}

func (p *DispatchPipeline) launch(ctx context.Context, opts *models.TaskOptions, batch models.Batch) {
	p.inFlight++

	go func() {
		results := p.resolver.Resolve(ctx, p.cfg.TaskID, batch, opts)
		p.completions <- batchResult{results: results}
	}()
}

// handleEmpty runs when nothing is claimable and nothing is in flight.
func (p *DispatchPipeline) handleEmpty(ctx context.Context) (bool, error) {
	completed, err := p.store.CompleteTaskIfDrained(ctx, p.cfg.TaskID)
	if err != nil {
		if sErr := p.storeError(ctx, "complete task", err); sErr != nil {
			return false, sErr
		}
	} else if completed {
		p.logger.InfoContext(ctx, "task completed")
	}

	if p.cfg.ExitWhenDrained {
		return true, nil
	}

	p.logger.DebugContext(ctx, "no claimable chunks, backing off", "backoff", p.cfg.EmptyBackoff)

	sleepCtx(ctx, p.cfg.EmptyBackoff)

	return false, nil
}

// storeError returns err when the store is unreachable and logs it otherwise; ordinary
// query errors mean "nothing this cycle".
func (p *DispatchPipeline) storeError(ctx context.Context, op string, err error) error {
	if errors.Is(err, huberrors.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}

	if ctx.Err() == nil {
		p.logger.ErrorContext(ctx, "queue store error", "op", op, "error", err)
	}

	return nil
}

// sleepCtx waits for d or until ctx is done. It reports whether the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
