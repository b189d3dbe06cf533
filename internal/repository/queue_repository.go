package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formbricks/embed-sender/internal/huberrors"
	"github.com/formbricks/embed-sender/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// ApplySchema creates the queue tables if they do not exist.
func ApplySchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply queue schema: %w", storeErr(err))
	}

	return nil
}

// QueueRepository handles data access for the embedding work queue
// (task, embed_task_chunk and embed_chunk).
type QueueRepository struct {
	db *pgxpool.Pool
}

// NewQueueRepository creates a new queue repository.
func NewQueueRepository(db *pgxpool.Pool) *QueueRepository {
	return &QueueRepository{db: db}
}

// ClaimChunks atomically moves up to maxCount open chunks of the task to progress and
// returns their ids. Rows locked by a concurrent claimer are skipped, so two claimers
// never receive the same id and a claim never waits on another.
func (r *QueueRepository) ClaimChunks(ctx context.Context, taskID int64, maxCount int) ([]int64, error) {
	if maxCount <= 0 {
		return []int64{}, nil
	}

	query := `
		UPDATE embed_task_chunk
		SET status = 'progress'
		WHERE ctid IN (
			SELECT ctid
			FROM embed_task_chunk
			WHERE status = 'open' AND taskid = $1
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING chunkid
	`

	rows, err := r.db.Query(ctx, query, taskID, maxCount)
	if err != nil {
		return nil, fmt.Errorf("failed to claim chunks: %w", storeErr(err))
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to claim chunks: %w", storeErr(err))
	}

	if ids == nil {
		ids = []int64{}
	}

	return ids, nil
}

// FetchTexts loads the chunk bodies for the given ids. Chunks with a null text are omitted.
func (r *QueueRepository) FetchTexts(ctx context.Context, chunkIDs []int64) ([]models.Chunk, error) {
	if len(chunkIDs) == 0 {
		return []models.Chunk{}, nil
	}

	query := `
		SELECT id, txt, publid, seq
		FROM embed_chunk
		WHERE id = ANY($1) AND txt IS NOT NULL
		ORDER BY id
	`

	rows, err := r.db.Query(ctx, query, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunk texts: %w", storeErr(err))
	}
	defer rows.Close()

	chunks := make([]models.Chunk, 0, len(chunkIDs))

	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.Text, &c.PublicationID, &c.Seq); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}

		chunks = append(chunks, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", storeErr(err))
	}

	return chunks, nil
}

// MarkFailed moves the given chunks of the task to fail. Only open or progress rows
// change; rows that are already terminal are left as they are.
func (r *QueueRepository) MarkFailed(ctx context.Context, taskID int64, chunkIDs []int64) error {
	return r.transition(ctx, taskID, chunkIDs, models.ChunkStatusFail,
		[]models.ChunkStatus{models.ChunkStatusOpen, models.ChunkStatusProgress})
}

// MarkDone moves the given in-progress chunks of the task to done.
func (r *QueueRepository) MarkDone(ctx context.Context, taskID int64, chunkIDs []int64) error {
	return r.transition(ctx, taskID, chunkIDs, models.ChunkStatusDone,
		[]models.ChunkStatus{models.ChunkStatusProgress})
}

func (r *QueueRepository) transition(
	ctx context.Context, taskID int64, chunkIDs []int64, to models.ChunkStatus, from []models.ChunkStatus,
) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	fromStatuses := make([]string, len(from))
	for i, s := range from {
		fromStatuses[i] = string(s)
	}

	query := `
		UPDATE embed_task_chunk
		SET status = $1
		WHERE taskid = $2 AND chunkid = ANY($3) AND status = ANY($4)
	`

	if _, err := r.db.Exec(ctx, query, string(to), taskID, chunkIDs, fromStatuses); err != nil {
		return fmt.Errorf("failed to mark chunks %s: %w", to, storeErr(err))
	}

	return nil
}

// GetAndLockTaskOptions sets the task's status to newStatus when it is open or in progress
// and returns its options. It returns nil, nil when the task does not exist, is waiting,
// or has reached a terminal status.
func (r *QueueRepository) GetAndLockTaskOptions(
	ctx context.Context, taskID int64, newStatus models.TaskStatus,
) (*models.TaskOptions, error) {
	query := `
		UPDATE task
		SET status = $1
		WHERE id = $2 AND status IN ('open', 'progress')
		RETURNING action_options
	`

	var raw []byte

	err := r.db.QueryRow(ctx, query, string(newStatus), taskID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to lock task options: %w", storeErr(err))
	}

	opts := &models.TaskOptions{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := opts.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("task %d: %w", taskID, err)
		}
	}

	return opts, nil
}

// CompleteTaskIfDrained marks an in-progress task done when none of its chunks are open
// or in progress. It reports whether the task was completed by this call.
func (r *QueueRepository) CompleteTaskIfDrained(ctx context.Context, taskID int64) (bool, error) {
	query := `
		UPDATE task
		SET status = 'done'
		WHERE id = $1
		  AND status = 'progress'
		  AND NOT EXISTS (
			SELECT 1 FROM embed_task_chunk
			WHERE taskid = $1 AND status IN ('open', 'progress')
		  )
	`

	tag, err := r.db.Exec(ctx, query, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to complete task: %w", storeErr(err))
	}

	return tag.RowsAffected() > 0, nil
}

// CountChunks returns the number of task chunks per status.
func (r *QueueRepository) CountChunks(ctx context.Context, taskID int64) (map[models.ChunkStatus]int64, error) {
	query := `
		SELECT status, COUNT(*)
		FROM embed_task_chunk
		WHERE taskid = $1
		GROUP BY status
	`

	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", storeErr(err))
	}
	defer rows.Close()

	counts := make(map[models.ChunkStatus]int64)

	for rows.Next() {
		var (
			status string
			n      int64
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan chunk count: %w", err)
		}

		counts[models.ChunkStatus(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk counts: %w", storeErr(err))
	}

	return counts, nil
}

// Ping checks connectivity to the store.
func (r *QueueRepository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping store: %w", storeErr(err))
	}

	return nil
}

// storeErr tags connectivity failures with huberrors.ErrStoreUnavailable.
// Query-level errors (constraint violations, syntax, cancellation) pass through unchanged.
func storeErr(err error) error {
	if err == nil || !isConnectivityError(err) {
		return err
	}

	return fmt.Errorf("%w: %w", huberrors.ErrStoreUnavailable, err)
}

func isConnectivityError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}

	// SQLSTATE class 08: connection exception.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
		return true
	}

	return false
}
