package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formbricks/embed-sender/internal/huberrors"
	"github.com/formbricks/embed-sender/internal/models"
)

// memStore is an in-memory QueueStore for one task.
type memStore struct {
	mu         sync.Mutex
	taskStatus models.TaskStatus
	opts       *models.TaskOptions
	order      []int64
	status     map[int64]models.ChunkStatus
	texts      map[int64]*string
	claims     int
	claimErr   error
	optionErr  error
}

func newMemStore(n int) *memStore {
	s := &memStore{
		taskStatus: models.TaskStatusOpen,
		opts:       &models.TaskOptions{EmbedPrefix: "query:"},
		status:     make(map[int64]models.ChunkStatus),
		texts:      make(map[int64]*string),
	}

	for i := 1; i <= n; i++ {
		id := int64(i)
		txt := fmt.Sprintf("chunk %d", i)
		s.order = append(s.order, id)
		s.status[id] = models.ChunkStatusOpen
		s.texts[id] = &txt
	}

	return s
}

func (s *memStore) GetAndLockTaskOptions(_ context.Context, _ int64, newStatus models.TaskStatus) (*models.TaskOptions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.optionErr != nil {
		return nil, s.optionErr
	}

	if !s.taskStatus.Startable() {
		return nil, nil
	}

	s.taskStatus = newStatus

	return s.opts, nil
}

func (s *memStore) ClaimChunks(_ context.Context, _ int64, maxCount int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.claims++

	if s.claimErr != nil {
		return nil, s.claimErr
	}

	ids := []int64{}

	for _, id := range s.order {
		if len(ids) == maxCount {
			break
		}

		if s.status[id] == models.ChunkStatusOpen {
			s.status[id] = models.ChunkStatusProgress
			ids = append(ids, id)
		}
	}

	return ids, nil
}

func (s *memStore) FetchTexts(_ context.Context, ids []int64) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Chunk

	for _, id := range ids {
		if txt := s.texts[id]; txt != nil {
			out = append(out, models.Chunk{ID: id, Text: *txt, PublicationID: 7, Seq: id})
		}
	}

	return out, nil
}

func (s *memStore) move(ids []int64, to models.ChunkStatus, from ...models.ChunkStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		for _, f := range from {
			if s.status[id] == f {
				s.status[id] = to

				break
			}
		}
	}
}

func (s *memStore) MarkFailed(_ context.Context, _ int64, ids []int64) error {
	s.move(ids, models.ChunkStatusFail, models.ChunkStatusOpen, models.ChunkStatusProgress)

	return nil
}

func (s *memStore) MarkDone(_ context.Context, _ int64, ids []int64) error {
	s.move(ids, models.ChunkStatusDone, models.ChunkStatusProgress)

	return nil
}

func (s *memStore) CompleteTaskIfDrained(_ context.Context, _ int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taskStatus != models.TaskStatusProgress {
		return false, nil
	}

	for _, st := range s.status {
		if st == models.ChunkStatusOpen || st == models.ChunkStatusProgress {
			return false, nil
		}
	}

	s.taskStatus = models.TaskStatusDone

	return true, nil
}

func (s *memStore) countStatus(want models.ChunkStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, st := range s.status {
		if st == want {
			n++
		}
	}

	return n
}

// echoResolver returns one unit per chunk and tracks how many chunks are being resolved at once.
type echoResolver struct {
	delay    time.Duration
	current  atomic.Int64
	maxSeen  atomic.Int64
	batches  atomic.Int64
	failIDs  map[int64]bool
	failer   *memStore
	blocking bool
}

func (r *echoResolver) Resolve(ctx context.Context, taskID int64, batch models.Batch, opts *models.TaskOptions) []models.ResultUnit {
	n := r.current.Add(int64(len(batch)))
	for {
		seen := r.maxSeen.Load()
		if n <= seen || r.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	defer r.current.Add(-int64(len(batch)))

	r.batches.Add(1)

	if r.blocking {
		<-ctx.Done()

		return nil
	}

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	var out []models.ResultUnit

	for _, c := range batch {
		if r.failIDs[c.ID] {
			_ = r.failer.MarkFailed(ctx, taskID, []int64{c.ID})

			continue
		}

		out = append(out, models.NewResultUnit(c, []float32{float32(c.ID), 0, 1}))
	}

	return out
}

type recordingForwarder struct {
	mu    sync.Mutex
	calls int
	ids   []int64
	err   error
}

func (f *recordingForwarder) Forward(_ context.Context, _ int64, results []models.ResultUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	if f.err != nil {
		return f.err
	}

	f.ids = append(f.ids, models.ResultChunkIDs(results)...)

	return nil
}

func (f *recordingForwarder) forwardedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := append([]int64(nil), f.ids...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

type recordingFailedHandler struct {
	mu      sync.Mutex
	results []models.ResultUnit
}

func (h *recordingFailedHandler) HandleFailedForward(_ context.Context, _ int64, results []models.ResultUnit, _ error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.results = append(h.results, results...)

	return nil
}

func fastConfig(target, batch int) PipelineConfig {
	return PipelineConfig{
		TaskID:          1,
		TargetInFlight:  target,
		WorkBatchSize:   batch,
		OptionsBackoff:  5 * time.Millisecond,
		ReapWait:        20 * time.Millisecond,
		IdleWait:        time.Millisecond,
		EmptyBackoff:    5 * time.Millisecond,
		ExitWhenDrained: true,
	}
}

func runWithTimeout(t *testing.T, p *DispatchPipeline, timeout time.Duration) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout + 2*time.Second):
		t.Fatal("pipeline did not return")

		return nil
	}
}

func idsUpTo(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}

	return ids
}

func TestNewDispatchPipeline_RejectsBadSizes(t *testing.T) {
	_, err := NewDispatchPipeline(PipelineConfig{TargetInFlight: 0, WorkBatchSize: 1}, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, huberrors.ErrConfig)

	_, err = NewDispatchPipeline(PipelineConfig{TargetInFlight: 1, WorkBatchSize: 0}, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, huberrors.ErrConfig)
}

func TestPipelineConfig_MaxBatchesInFlight(t *testing.T) {
	assert.Equal(t, 10, (&PipelineConfig{TargetInFlight: 320, WorkBatchSize: 32}).MaxBatchesInFlight())
	assert.Equal(t, 11, (&PipelineConfig{TargetInFlight: 321, WorkBatchSize: 32}).MaxBatchesInFlight())
	assert.Equal(t, 1, (&PipelineConfig{TargetInFlight: 5, WorkBatchSize: 32}).MaxBatchesInFlight())
}

func TestDispatchPipeline_DrainsTask(t *testing.T) {
	store := newMemStore(25)
	resolver := &echoResolver{delay: 2 * time.Millisecond}
	fwd := &recordingForwarder{}

	p, err := NewDispatchPipeline(fastConfig(8, 3), store, resolver, fwd, nil, nil)
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, p, 5*time.Second))

	assert.Equal(t, idsUpTo(25), fwd.forwardedIDs(), "every chunk forwarded exactly once")
	assert.Equal(t, 25, store.countStatus(models.ChunkStatusDone))
	assert.Equal(t, models.TaskStatusDone, store.taskStatus)
	assert.LessOrEqual(t, resolver.maxSeen.Load(), int64(8), "in-flight chunks never exceed the target")
	assert.GreaterOrEqual(t, resolver.batches.Load(), int64(9), "25 chunks need at least ceil(25/3) batches")
}

func TestDispatchPipeline_NeverExceedsTarget(t *testing.T) {
	store := newMemStore(200)
	resolver := &echoResolver{delay: 3 * time.Millisecond}

	p, err := NewDispatchPipeline(fastConfig(40, 10), store, resolver, &recordingForwarder{}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, p, 10*time.Second))

	assert.LessOrEqual(t, resolver.maxSeen.Load(), int64(40))
	assert.Equal(t, 200, store.countStatus(models.ChunkStatusDone))
}

func TestDispatchPipeline_WaitingTaskClaimsNothing(t *testing.T) {
	store := newMemStore(5)
	store.taskStatus = models.TaskStatusWaiting

	cfg := fastConfig(4, 2)
	cfg.ExitWhenDrained = false

	p, err := NewDispatchPipeline(cfg, store, &echoResolver{}, &recordingForwarder{}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, p, 100*time.Millisecond))

	assert.Zero(t, store.claims)
	assert.Equal(t, 5, store.countStatus(models.ChunkStatusOpen))
	assert.Equal(t, models.TaskStatusWaiting, store.taskStatus)
}

func TestDispatchPipeline_NullTextMarkedFailed(t *testing.T) {
	store := newMemStore(6)
	store.texts[2] = nil
	store.texts[5] = nil

	fwd := &recordingForwarder{}

	p, err := NewDispatchPipeline(fastConfig(4, 2), store, &echoResolver{}, fwd, nil, nil)
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, p, 5*time.Second))

	assert.Equal(t, []int64{1, 3, 4, 6}, fwd.forwardedIDs())
	assert.Equal(t, models.ChunkStatusFail, store.status[2])
	assert.Equal(t, models.ChunkStatusFail, store.status[5])
	assert.Equal(t, models.TaskStatusDone, store.taskStatus)
}

func TestDispatchPipeline_ResolverFailuresAreNotForwarded(t *testing.T) {
	store := newMemStore(10)
	resolver := &echoResolver{failIDs: map[int64]bool{3: true, 8: true}, failer: store}
	fwd := &recordingForwarder{}

	p, err := NewDispatchPipeline(fastConfig(10, 5), store, resolver, fwd, nil, nil)
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, p, 5*time.Second))

	assert.Equal(t, []int64{1, 2, 4, 5, 6, 7, 9, 10}, fwd.forwardedIDs())
	assert.Equal(t, 2, store.countStatus(models.ChunkStatusFail))
	assert.Equal(t, 8, store.countStatus(models.ChunkStatusDone))
}

func TestDispatchPipeline_FailedForwardHandedOff(t *testing.T) {
	store := newMemStore(4)
	fwd := &recordingForwarder{err: errors.New("receiver down")}
	handler := &recordingFailedHandler{}

	p, err := NewDispatchPipeline(fastConfig(4, 4), store, &echoResolver{}, fwd, handler, nil)
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, p, 5*time.Second))

	assert.Equal(t, 1, fwd.calls)
	assert.Equal(t, []int64{1, 2, 3, 4}, models.ResultChunkIDs(handler.results))
	assert.Equal(t, 4, store.countStatus(models.ChunkStatusDone))
}

func TestDispatchPipeline_StoreUnavailableEndsRun(t *testing.T) {
	store := newMemStore(4)
	store.claimErr = fmt.Errorf("claim: %w", huberrors.ErrStoreUnavailable)

	p, err := NewDispatchPipeline(fastConfig(4, 2), store, &echoResolver{}, &recordingForwarder{}, nil, nil)
	require.NoError(t, err)

	err = runWithTimeout(t, p, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, huberrors.ErrStoreUnavailable)
}

func TestDispatchPipeline_OrdinaryStoreErrorsAreRetried(t *testing.T) {
	store := newMemStore(3)
	store.optionErr = errors.New("deadlock detected")

	cfg := fastConfig(4, 2)

	p, err := NewDispatchPipeline(cfg, store, &echoResolver{}, &recordingForwarder{}, nil, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		store.mu.Lock()
		store.optionErr = nil
		store.mu.Unlock()
	}()

	require.NoError(t, runWithTimeout(t, p, 5*time.Second))
	assert.Equal(t, 3, store.countStatus(models.ChunkStatusDone))
}

func TestDispatchPipeline_CancelAbandonsInFlight(t *testing.T) {
	store := newMemStore(6)
	resolver := &echoResolver{blocking: true}

	cfg := fastConfig(4, 2)
	cfg.ExitWhenDrained = false

	p, err := NewDispatchPipeline(cfg, store, resolver, &recordingForwarder{}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, p, 100*time.Millisecond))

	assert.Equal(t, 4, store.countStatus(models.ChunkStatusProgress), "abandoned chunks stay in progress")
	assert.Equal(t, 2, store.countStatus(models.ChunkStatusOpen))
	assert.Zero(t, store.countStatus(models.ChunkStatusFail))
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))
	assert.True(t, sleepCtx(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, sleepCtx(ctx, time.Hour))
	assert.False(t, sleepCtx(ctx, 0))
}
