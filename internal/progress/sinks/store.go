package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-bundle-iterator/internal/progress"
	"github.com/JakeFAU/archive-bundle-iterator/internal/store"
)

// StoreSink persists progress deltas via a store.RunRepository. Batch events
// are collapsed per partition before they are written.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards run lifecycle events and collapsed partition deltas to
// the repository. Repository errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)
	var order []statsKey

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.Format, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRunDone, progress.StageRunError:
			// Pending deltas belong to the run being closed.
			if err := s.flushStats(ctx, stats, order); err != nil {
				return err
			}
			stats, order = make(map[statsKey]*statsDelta), nil
			if err := s.completeRun(ctx, runID, evt); err != nil {
				return err
			}
		case progress.StageBatchDone:
			if evt.Partition == "" {
				continue
			}
			key := statsKey{runID: runID, partition: evt.Partition}
			delta := stats[key]
			if delta == nil {
				delta = &statsDelta{}
				stats[key] = delta
				order = append(order, key)
			}
			delta.batches++
			delta.records += evt.Records
			delta.bytes += evt.Bytes
			if evt.TS.After(delta.at) {
				delta.at = evt.TS
			}
		}
	}
	return s.flushStats(ctx, stats, order)
}

func (s *StoreSink) completeRun(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	status := store.RunSuccess
	var note *string
	if evt.Stage == progress.StageRunError {
		status = store.RunError
		if evt.Note != "" {
			note = &evt.Note
		}
	}
	if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func (s *StoreSink) flushStats(ctx context.Context, stats map[statsKey]*statsDelta, order []statsKey) error {
	for _, key := range order {
		delta := stats[key]
		if err := s.repo.UpsertPartitionStats(
			ctx,
			key.runID,
			key.partition,
			delta.batches,
			delta.records,
			delta.bytes,
			delta.at,
		); err != nil {
			return fmt.Errorf("upsert partition stats: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	runID     uuid.UUID
	partition string
}

type statsDelta struct {
	batches int64
	records int64
	bytes   int64
	at      time.Time
}
