package runner

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/dispatcher"
	"github.com/JakeFAU/archive-bundle-iterator/internal/logging"
	"github.com/JakeFAU/archive-bundle-iterator/internal/metrics"
	"github.com/JakeFAU/archive-bundle-iterator/internal/policy/ratelimit"
	"github.com/JakeFAU/archive-bundle-iterator/internal/progress"
	"github.com/JakeFAU/archive-bundle-iterator/internal/publisher"
	"github.com/JakeFAU/archive-bundle-iterator/internal/storage"
	"github.com/JakeFAU/archive-bundle-iterator/internal/store"
	"github.com/JakeFAU/archive-bundle-iterator/internal/telemetry"
)

// Iterator is the part of bundle.Iterator the runner drives. The runner
// commits a batch only after its sinks accepted it, and rolls back when they
// did not, so delivery is at-least-once when the iterator defers commits.
type Iterator interface {
	NextPages(ctx context.Context, n int) ([]bundle.Record, error)
	NextRaw(ctx context.Context, n int) ([][]byte, error)
	Commit(ctx context.Context) error
	Rollback()
	Snapshot() bundle.Status
}

// IDGenerator mints run IDs.
type IDGenerator interface {
	NewRunID() ([16]byte, error)
}

// Config controls Runner behavior.
type Config struct {
	BatchSize int
	// MaxBatches stops after this many non-empty batches; 0 means no limit.
	MaxBatches int
	// Raw stores framed record bytes instead of decoded pages. Raw runs
	// skip the record index since raw frames carry no metadata.
	Raw        bool
	BlobPrefix string
	// HeartbeatInterval folds repeated iterator heartbeats of one stage.
	HeartbeatInterval time.Duration
	// UploadWorkers bounds concurrent blob writes within a batch.
	UploadWorkers int
}

// Deps are the collaborators a Runner writes to. Only Iterator and IDs are
// required.
type Deps struct {
	Iterator  Iterator
	Blobs     storage.BlobStore
	Index     store.RecordIndex
	Publisher publisher.Publisher
	Progress  progress.Emitter
	Hasher    bundle.Hasher
	Clock     bundle.Clock
	IDs       IDGenerator
	// Relay receives the run's heartbeat beater so iterator heartbeats are
	// attributed to the active run.
	Relay *Relay
	// Limiter throttles blob writes and publishes. Nil never blocks.
	Limiter *ratelimit.Limiter
}

// Result summarizes a finished run.
type Result struct {
	RunID         string `json:"run_id"`
	Format        string `json:"format"`
	Batches       int    `json:"batches"`
	Records       int64  `json:"records"`
	Bytes         int64  `json:"bytes"`
	EndOfIterator bool   `json:"end_of_iterator"`
}

// Runner consumes an iterator into the configured sinks.
type Runner struct {
	deps    Deps
	cfg     Config
	uploads *dispatcher.Dispatcher
	logger  *zap.Logger
}

// New validates deps and fills defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	if deps.Iterator == nil {
		return nil, fmt.Errorf("iterator is required")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	if cfg.MaxBatches < 0 {
		return nil, fmt.Errorf("max batches must be >= 0")
	}
	if deps.Blobs == nil {
		deps.Blobs = storage.NoOpStore{}
	}
	if deps.Publisher == nil {
		deps.Publisher = publisher.Nop{}
	}
	if deps.Progress == nil {
		deps.Progress = progress.NopEmitter{}
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if cfg.Raw && deps.Hasher == nil {
		return nil, fmt.Errorf("hasher is required for raw runs")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		deps:    deps,
		cfg:     cfg,
		uploads: dispatcher.New(cfg.UploadWorkers),
		logger:  logger.Named("runner"),
	}, nil
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Run pulls batches until the iterator reaches its end, MaxBatches is hit
// or ctx is canceled. Sink failures abort the run; a failed publish is
// logged and the run continues.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	rawID, err := r.deps.IDs.NewRunID()
	if err != nil {
		return Result{}, fmt.Errorf("new run id: %w", err)
	}
	runID := uuid.UUID(rawID)
	format := r.deps.Iterator.Snapshot().Format
	res := Result{RunID: runID.String(), Format: format}
	logger := logging.ForRun(r.logger, res.RunID, format)

	if r.deps.Relay != nil {
		r.deps.Relay.Attach(progress.NewBeater(r.deps.Progress, rawID, format, r.cfg.HeartbeatInterval))
		defer r.deps.Relay.Detach()
	}

	start := r.deps.Clock.Now()
	r.deps.Progress.Emit(progress.Event{RunID: rawID, TS: start, Stage: progress.StageRunStart, Format: format})
	logger.Info("run started", zap.Int("batch_size", r.cfg.BatchSize), zap.Bool("raw", r.cfg.Raw))

	err = r.loop(ctx, runID, &res, logger)
	end := r.deps.Clock.Now()
	if err != nil {
		r.deps.Progress.Emit(progress.Event{
			RunID:  rawID,
			TS:     end,
			Stage:  progress.StageRunError,
			Format: format,
			Dur:    end.Sub(start),
			Note:   err.Error(),
		})
		logger.Error("run failed", zap.Int("batches", res.Batches), zap.Error(err))
		return res, err
	}
	r.deps.Progress.Emit(progress.Event{
		RunID:   rawID,
		TS:      end,
		Stage:   progress.StageRunDone,
		Format:  format,
		Records: res.Records,
		Bytes:   res.Bytes,
		Dur:     end.Sub(start),
	})
	logger.Info("run finished",
		zap.Int("batches", res.Batches),
		zap.Int64("records", res.Records),
		zap.Bool("end_of_iterator", res.EndOfIterator),
	)
	return res, nil
}

func (r *Runner) loop(ctx context.Context, runID uuid.UUID, res *Result, logger *zap.Logger) error {
	for r.cfg.MaxBatches == 0 || res.Batches < r.cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, size, err := r.batch(ctx, runID, res.Batches+1, logger)
		if errors.Is(err, bundle.ErrEndOfIterator) {
			res.EndOfIterator = true
			return nil
		}
		if err != nil {
			return err
		}
		if n > 0 {
			res.Batches++
			res.Records += int64(n)
			res.Bytes += size
		}
		if r.deps.Iterator.Snapshot().EndOfIterator {
			res.EndOfIterator = true
			r.publish(ctx, publisher.BatchNotice{
				RunID:  runID.String(),
				Format: res.Format,
				Batch:  res.Batches,
				Final:  true,
				Raw:    r.cfg.Raw,
				At:     r.deps.Clock.Now(),
			}, logger)
			return nil
		}
	}
	return nil
}

type page struct {
	data        []byte
	hash        []byte
	contentType string
	rec         *bundle.Record
}

// batch handles one NextPages call and returns the records and bytes it wrote.
func (r *Runner) batch(ctx context.Context, runID uuid.UUID, seq int, logger *zap.Logger) (int, int64, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "runner.batch")
	defer span.End()

	started := time.Now()
	pages, err := r.pull(ctx)
	if err != nil {
		if !errors.Is(err, bundle.ErrEndOfIterator) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pull batch")
		}
		return 0, 0, err
	}
	snap := r.deps.Iterator.Snapshot()
	span.SetAttributes(
		attribute.String("run_id", runID.String()),
		attribute.String("partition", snap.PartitionName),
		attribute.Int("records", len(pages)),
	)
	if len(pages) == 0 {
		return 0, 0, r.commit(ctx)
	}

	now := r.deps.Clock.Now()
	uris, err := r.store(ctx, runID, pages)
	if err != nil {
		r.deps.Iterator.Rollback()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store page")
		return 0, 0, err
	}
	entries := make([]store.RecordEntry, 0, len(pages))
	var size int64
	for i, p := range pages {
		size += int64(len(p.data))
		if p.rec != nil {
			entries = append(entries, entryFor(runID, snap, p.rec, uris[i], now))
		}
	}
	if r.deps.Index != nil && len(entries) > 0 {
		err := r.deps.Index.StoreRecords(ctx, entries)
		metrics.ObserveSinkWrite("index", err)
		if err != nil {
			r.deps.Iterator.Rollback()
			span.RecordError(err)
			span.SetStatus(codes.Error, "index records")
			return 0, 0, fmt.Errorf("index records: %w", err)
		}
	}
	if err := r.commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit checkpoint")
		return 0, 0, err
	}

	r.publish(ctx, publisher.BatchNotice{
		RunID:     runID.String(),
		Format:    snap.Format,
		Partition: snap.PartitionName,
		Batch:     seq,
		Records:   len(pages),
		Bytes:     size,
		BlobURIs:  uris,
		Offset:    snap.Offset,
		Raw:       r.cfg.Raw,
		At:        now,
	}, logger)

	r.deps.Progress.Emit(progress.Event{
		RunID:     progress.UUIDToBytes(runID),
		TS:        now,
		Stage:     progress.StageBatchDone,
		Format:    snap.Format,
		Partition: snap.PartitionName,
		Records:   int64(len(pages)),
		Bytes:     size,
		Dur:       time.Since(started),
	})
	logger.Debug("batch stored",
		zap.Int("batch", seq),
		zap.String("partition", snap.PartitionName),
		zap.Int("records", len(pages)),
		zap.Int64("offset", snap.Offset),
	)
	return len(pages), size, nil
}

func (r *Runner) commit(ctx context.Context) error {
	if err := r.deps.Iterator.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func (r *Runner) pull(ctx context.Context) ([]page, error) {
	if r.cfg.Raw {
		raws, err := r.deps.Iterator.NextRaw(ctx, r.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		pages := make([]page, 0, len(raws))
		for _, raw := range raws {
			pages = append(pages, page{data: raw, hash: r.deps.Hasher.Sum(raw), contentType: "application/octet-stream"})
		}
		return pages, nil
	}
	recs, err := r.deps.Iterator.NextPages(ctx, r.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	pages := make([]page, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		pages = append(pages, page{data: rec.Page, hash: rec.Hash, contentType: contentType(rec), rec: rec})
	}
	return pages, nil
}

// store writes every page of a batch to the blob store and returns the
// URIs in page order.
func (r *Runner) store(ctx context.Context, runID uuid.UUID, pages []page) ([]string, error) {
	uris := make([]string, len(pages))
	tasks := make([]dispatcher.Task, len(pages))
	for i, p := range pages {
		tasks[i] = func(ctx context.Context) error {
			if err := r.deps.Limiter.Wait(ctx, "blob"); err != nil {
				return err
			}
			uri, err := r.deps.Blobs.PutObject(ctx, r.blobPath(runID, p), p.contentType, bytes.NewReader(p.data))
			metrics.ObserveSinkWrite("blob", err)
			if err != nil {
				return fmt.Errorf("store page: %w", err)
			}
			uris[i] = uri
			return nil
		}
	}
	if err := r.uploads.Run(ctx, tasks); err != nil {
		return nil, err
	}
	return uris, nil
}

func (r *Runner) publish(ctx context.Context, notice publisher.BatchNotice, logger *zap.Logger) {
	if err := r.deps.Limiter.Wait(ctx, "publish"); err != nil {
		logger.Warn("publish batch notice skipped", zap.Int("batch", notice.Batch), zap.Error(err))
		return
	}
	id, err := r.deps.Publisher.Publish(ctx, notice)
	metrics.ObserveSinkWrite("publish", err)
	if err != nil {
		logger.Warn("publish batch notice failed", zap.Int("batch", notice.Batch), zap.Error(err))
		return
	}
	if id != "" {
		logger.Debug("batch notice published", zap.String("message_id", id), zap.Int("batch", notice.Batch))
	}
}

func (r *Runner) blobPath(runID uuid.UUID, p page) string {
	name := hex.EncodeToString(p.hash) + extension(p.contentType)
	prefix := strings.Trim(r.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", runID, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, runID, name)
}

// entryFor builds the index row for a decoded record. The row ID is derived
// from URL and hash so a replayed batch maps onto the same rows.
func entryFor(runID uuid.UUID, snap bundle.Status, rec *bundle.Record, uri string, now time.Time) store.RecordEntry {
	hash := hex.EncodeToString(rec.Hash)
	entry := store.RecordEntry{
		ID:          uuid.NewSHA1(uuid.NameSpaceURL, []byte(rec.URL+"#"+hash)),
		RunID:       runID,
		Format:      snap.Format,
		Partition:   snap.PartitionName,
		URL:         rec.URL,
		Hash:        hash,
		BlobURI:     uri,
		HTTPCode:    rec.HTTPCode,
		ContentType: rec.Type,
		Encoding:    rec.Encoding,
		Title:       rec.Title,
		Size:        rec.Size,
		CapturedAt:  time.Unix(rec.Timestamp, 0).UTC(),
		Meta:        rec.Meta,
	}
	if rec.Timestamp == 0 {
		entry.CapturedAt = now
	}
	if rec.HasWeight {
		w := rec.Weight
		entry.Weight = &w
	}
	if rec.Modified > 0 {
		m := time.Unix(rec.Modified, 0).UTC()
		entry.ModifiedAt = &m
	}
	return entry
}

func contentType(rec *bundle.Record) string {
	if rec.Type == "" {
		return "application/octet-stream"
	}
	if rec.Encoding != "" && strings.HasPrefix(rec.Type, "text/") {
		return rec.Type + "; charset=" + strings.ToLower(rec.Encoding)
	}
	return rec.Type
}

func extension(ct string) string {
	base, _, _ := strings.Cut(ct, ";")
	switch strings.TrimSpace(base) {
	case "text/html", "application/xhtml+xml":
		return ".html"
	case "text/plain":
		return ".txt"
	case "text/xml", "application/xml", "application/rdf+xml":
		return ".xml"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

// Relay forwards iterator heartbeats to the beater of the active run. It
// is handed to bundle.Options.Heartbeat before any run exists.
type Relay struct {
	current atomic.Pointer[progress.Beater]
}

// Beat implements bundle.Heartbeat.
func (r *Relay) Beat(stage string) {
	if b := r.current.Load(); b != nil {
		b.Beat(stage)
	}
}

// Attach makes b receive heartbeats.
func (r *Relay) Attach(b *progress.Beater) { r.current.Store(b) }

// Detach drops heartbeats until the next Attach.
func (r *Relay) Detach() { r.current.Store(nil) }
