package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/archive-bundle-iterator/internal/store"
)

// RunStore is an in-memory store.RunRepository.
type RunStore struct {
	mu         sync.RWMutex
	runs       map[uuid.UUID]store.Run
	partitions map[uuid.UUID]map[string]store.PartitionStats
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:       make(map[uuid.UUID]store.Run),
		partitions: make(map[uuid.UUID]map[string]store.PartitionStats),
	}
}

// UpsertRunStart marks the run as running.
func (s *RunStore) UpsertRunStart(_ context.Context, runID uuid.UUID, format string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: startedAt}
	}
	run.Format = format
	run.Status = store.RunRunning
	s.runs[runID] = run
	return nil
}

// CompleteRun records the final status of a run.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = pointerTime(finishedAt)
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[runID] = run
	return nil
}

// UpsertPartitionStats adds the deltas to the (run, partition) row.
func (s *RunStore) UpsertPartitionStats(
	_ context.Context,
	runID uuid.UUID,
	partition string,
	deltaBatches int64,
	deltaRecords int64,
	deltaBytes int64,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := s.partitions[runID]
	if parts == nil {
		parts = make(map[string]store.PartitionStats)
		s.partitions[runID] = parts
	}
	st := parts[partition]
	st.RunID = runID
	st.Partition = partition
	st.Batches += deltaBatches
	st.Records += deltaRecords
	st.BytesTotal += deltaBytes
	if at.After(st.LastUpdate) {
		st.LastUpdate = at
	}
	parts[partition] = st
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, offset), nil
}

// ListRunPartitions returns partition stats in partition order.
func (s *RunStore) ListRunPartitions(
	_ context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.PartitionStats, error) {
	s.mu.RLock()
	parts := s.partitions[runID]
	out := make([]store.PartitionStats, 0, len(parts))
	for _, st := range parts {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return page(out, limit, offset), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
