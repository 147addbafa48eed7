package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/archive-bundle-iterator/internal/store"
)

// RunStore implements store.RunRepository using the iterator_runs and
// partition_stats tables.
type RunStore struct {
	pool Pool
}

// NewRunStore wraps an open pool.
func NewRunStore(pool Pool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// UpsertRunStart inserts a run or flips it back to running.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, format string, startedAt time.Time) error {
	query := `
		INSERT INTO iterator_runs (id, format, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, format = EXCLUDED.format
		WHERE iterator_runs.status <> EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, runID, format, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE iterator_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertPartitionStats adds deltas to the (run, partition) row.
func (s *RunStore) UpsertPartitionStats(
	ctx context.Context,
	runID uuid.UUID,
	partition string,
	deltaBatches,
	deltaRecords,
	deltaBytes int64,
	at time.Time,
) error {
	query := `
		INSERT INTO partition_stats (run_id, partition_name, last_update, batches, records, bytes_total)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, partition_name) DO UPDATE
		SET batches = partition_stats.batches + EXCLUDED.batches,
			records = partition_stats.records + EXCLUDED.records,
			bytes_total = partition_stats.bytes_total + EXCLUDED.bytes_total,
			last_update = GREATEST(partition_stats.last_update, EXCLUDED.last_update);
	`
	if _, err := s.pool.Exec(ctx, query, runID, partition, at, deltaBatches, deltaRecords, deltaBytes); err != nil {
		return fmt.Errorf("failed to upsert partition stats: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, format, started_at, finished_at, status, error_message
		FROM iterator_runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.Format,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.Run, error) {
	query := `
		SELECT id, format, started_at, finished_at, status, error_message
		FROM iterator_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(
			&run.ID,
			&run.Format,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunPartitions retrieves per-partition stats for a run.
func (s *RunStore) ListRunPartitions(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.PartitionStats, error) {
	query := `
		SELECT run_id, partition_name, last_update, batches, records, bytes_total
		FROM partition_stats
		WHERE run_id = $1
		ORDER BY partition_name
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run partitions: %w", err)
	}
	defer rows.Close()

	stats := []store.PartitionStats{}
	for rows.Next() {
		var st store.PartitionStats
		if err := rows.Scan(
			&st.RunID,
			&st.Partition,
			&st.LastUpdate,
			&st.Batches,
			&st.Records,
			&st.BytesTotal,
		); err != nil {
			return nil, fmt.Errorf("failed to scan partition stats row: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate partition stats: %w", err)
	}
	return stats, nil
}
