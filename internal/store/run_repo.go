package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the iterator_runs status column.
type RunStatus string

// Run statuses persisted in iterator_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one iterate invocation.
type Run struct {
	// ID is the run identifier shared with progress events.
	ID uuid.UUID
	// Format is the decoder the run used.
	Format string
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	// Status is running/success/error.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// PartitionStats aggregates what a run read from one partition.
type PartitionStats struct {
	RunID      uuid.UUID
	Partition  string
	LastUpdate time.Time
	Batches    int64
	Records    int64
	BytesTotal int64
}

// RunRepository persists incremental run progress.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the run as running.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, format string, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// UpsertPartitionStats applies batch/record/byte deltas per (run, partition).
	UpsertPartitionStats(
		ctx context.Context,
		runID uuid.UUID,
		partition string,
		deltaBatches int64,
		deltaRecords int64,
		deltaBytes int64,
		at time.Time,
	) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunPartitions returns per-partition stats for one run.
	ListRunPartitions(ctx context.Context, runID uuid.UUID, limit, offset int) ([]PartitionStats, error)
}
