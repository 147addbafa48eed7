package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-bundle-iterator/internal/charset"
	"github.com/JakeFAU/archive-bundle-iterator/internal/checkpoint"
	"github.com/JakeFAU/archive-bundle-iterator/internal/chunk"
	"github.com/JakeFAU/archive-bundle-iterator/internal/metrics"
	"github.com/JakeFAU/archive-bundle-iterator/internal/scan"
	"github.com/JakeFAU/archive-bundle-iterator/internal/stream"
)

// seekBatch is the raw batch size SeekPage advances with.
const seekBatch = 1000

// Options configures an Iterator.
type Options struct {
	// Dir is the archive directory holding the partitions.
	Dir string
	// SidecarPath overrides Dir/arc_description.ini.
	SidecarPath string
	// Store persists progress. Required.
	Store checkpoint.Store
	// Format overrides the decoder defaults before the sidecar is applied.
	Format FormatConfig

	BlockSize     int
	MaxRecordSize int
	// NormalizeUTF8 converts every page to UTF-8.
	NormalizeUTF8 bool
	// DeferCommit stops NextPages and NextRaw from saving the checkpoint.
	// The caller saves with Commit once it has handled the batch.
	DeferCommit bool

	Logger    *zap.Logger
	Clock     Clock
	Hasher    Hasher
	Heartbeat Heartbeat
}

// Status is a point-in-time view of an iterator for operators.
type Status struct {
	Format        string `json:"format"`
	Phase         string `json:"phase"`
	Partition     int    `json:"partition"`
	PartitionName string `json:"partition_name,omitempty"`
	Partitions    int    `json:"partitions"`
	Offset        int64  `json:"offset"`
	BlockNumber   int64  `json:"block_number"`
	Emitted       int64  `json:"emitted"`
	Truncated     int64  `json:"truncated"`
	BadBlocks     int64  `json:"bad_blocks"`
	EndOfIterator bool   `json:"end_of_iterator"`
}

// Iterator walks the partitions of one bundle with one decoder. It is not
// safe for concurrent use.
type Iterator struct {
	dec       Decoder
	cfg       FormatConfig
	parts     PartitionSet
	store     checkpoint.Store
	logger    *zap.Logger
	clock     Clock
	hasher    Hasher
	heartbeat Heartbeat
	opts      Options

	st    IteratorState
	phase Phase

	// mark is the last persisted state; Rollback returns to it.
	mark      IteratorState
	markPhase Phase

	reader    stream.Reader
	chunks    *chunk.Buffer
	scanner   *scan.Scanner
	truncBase int64
}

// New validates the configuration, lists the partitions and restores the
// last checkpoint. A missing or unreadable checkpoint starts a fresh run.
func New(ctx context.Context, dec Decoder, opts Options) (*Iterator, error) {
	if dec == nil {
		return nil, fmt.Errorf("%w: decoder is required", ErrConfig)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", ErrConfig)
	}
	if opts.Hasher == nil {
		return nil, fmt.Errorf("%w: hasher is required", ErrConfig)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: archive directory is required", ErrConfig)
	}
	if info, err := os.Stat(opts.Dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: archive directory %s is missing", ErrConfig, opts.Dir)
	}

	sidecarPath := opts.SidecarPath
	if sidecarPath == "" {
		sidecarPath = filepath.Join(opts.Dir, SidecarName)
	}
	sidecar, found, err := LoadSidecar(sidecarPath)
	if err != nil {
		return nil, err
	}
	cfg := dec.Defaults().Merge(opts.Format).Merge(sidecar)
	if cfg.Compression == "" {
		cfg.Compression = stream.Plain
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := dec.Configure(cfg); err != nil {
		return nil, fmt.Errorf("%w: configure %s decoder: %v", ErrConfig, dec.Name(), err)
	}
	parts, err := LoadPartitions(opts.Dir, cfg.FileExtension)
	if err != nil {
		return nil, err
	}

	it := &Iterator{
		dec:       dec,
		cfg:       cfg,
		parts:     parts,
		store:     opts.Store,
		logger:    opts.Logger.Named("iterator").With(zap.String("format", dec.Name())),
		clock:     opts.Clock,
		hasher:    opts.Hasher,
		heartbeat: opts.Heartbeat,
		opts:      opts,
	}
	it.logger.Debug("bundle opened",
		zap.String("dir", opts.Dir),
		zap.Bool("sidecar", found),
		zap.Int("partitions", parts.Len()),
		zap.String("compression", string(cfg.Compression)),
	)
	if err := it.restore(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

func (it *Iterator) restore(ctx context.Context) error {
	st, err := it.store.Load(ctx)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		it.fresh()
		return nil
	case errors.Is(err, checkpoint.ErrCorrupt):
		it.logger.Warn("ignoring unreadable checkpoint", zap.Error(err))
		return it.Reset(ctx)
	case err != nil:
		it.logger.Warn("checkpoint load failed, starting over", zap.Error(err))
		return it.Reset(ctx)
	}
	if st.Partition < 0 || st.Partition > it.parts.Len() || st.Offset < 0 {
		it.logger.Warn("checkpoint does not match bundle, starting over",
			zap.Int("partition", st.Partition),
			zap.Int("partitions", it.parts.Len()),
		)
		return it.Reset(ctx)
	}
	it.st = st
	it.dec.SetHeader(cloneHeader(st.Header))
	switch {
	case st.EndOfIterator || st.Partition == it.parts.Len():
		it.st.EndOfIterator = true
		it.phase = PhaseEndOfIterator
	case st.Started:
		it.phase = PhaseIterating
	default:
		it.phase = PhaseFresh
	}
	it.setMark()
	it.logger.Info("resuming from checkpoint",
		zap.Int("partition", st.Partition),
		zap.Int64("offset", st.Offset),
		zap.Int64("emitted", st.Emitted),
	)
	return nil
}

func (it *Iterator) fresh() {
	it.closePartition()
	it.st = IteratorState{}
	it.truncBase = 0
	it.phase = PhaseFresh
	it.dec.SetHeader(nil)
	it.setMark()
}

func (it *Iterator) setMark() {
	it.mark = cloneState(it.st)
	it.markPhase = it.phase
}

// Rollback drops every position change since the last saved checkpoint.
// The partition is reopened at the saved offset on the next read.
func (it *Iterator) Rollback() {
	it.closePartition()
	it.st = cloneState(it.mark)
	it.phase = it.markPhase
	it.dec.SetHeader(cloneHeader(it.st.Header))
}

// Commit saves the current position. Under DeferCommit this is the only
// way progress reaches the checkpoint store.
func (it *Iterator) Commit(ctx context.Context) error {
	return it.saveErr(ctx)
}

// Format returns the effective layout.
func (it *Iterator) Format() FormatConfig { return it.cfg }

// Partitions returns the partition set.
func (it *Iterator) Partitions() PartitionSet { return it.parts }

// Phase returns the lifecycle stage.
func (it *Iterator) Phase() Phase { return it.phase }

// EndOfIterator reports whether every partition has been consumed.
func (it *Iterator) EndOfIterator() bool { return it.phase == PhaseEndOfIterator }

// State returns a copy of the current progress.
func (it *Iterator) State() IteratorState {
	it.syncState()
	return cloneState(it.st)
}

// Snapshot summarizes the iterator for operators.
func (it *Iterator) Snapshot() Status {
	st := it.State()
	s := Status{
		Format:        it.dec.Name(),
		Phase:         it.phase.String(),
		Partition:     st.Partition,
		Partitions:    it.parts.Len(),
		Offset:        st.Offset,
		BlockNumber:   st.BlockNumber,
		Emitted:       st.Emitted,
		Truncated:     st.Truncated,
		BadBlocks:     st.BadBlocks,
		EndOfIterator: it.EndOfIterator(),
	}
	if st.Partition < it.parts.Len() {
		s.PartitionName = it.parts.Files[st.Partition]
	}
	return s
}

// Weight scores a record with the decoder's heuristic.
func (it *Iterator) Weight(r *Record) (float64, bool) {
	return it.dec.Weight(r)
}

// NextPage returns the next record. At the end of the bundle it returns
// ErrEndOfIterator.
func (it *Iterator) NextPage(ctx context.Context) (*Record, error) {
	recs, err := it.NextPages(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrEndOfIterator
	}
	return &recs[0], nil
}

// NextPages decodes up to n records. It returns fewer at a partition
// boundary. The call that runs past the last partition returns an empty
// batch and moves to END_OF_ITERATOR; later calls return ErrEndOfIterator
// until Reset. A checkpoint is saved after every batch unless DeferCommit
// is set. A framing error rolls back to the last checkpoint, so a retry
// sees the records of the failed batch again.
func (it *Iterator) NextPages(ctx context.Context, n int) ([]Record, error) {
	recs, _, err := it.batch(ctx, n, false)
	return recs, err
}

// NextRaw is NextPages without decoding: it returns the framed bytes of
// up to n records.
func (it *Iterator) NextRaw(ctx context.Context, n int) ([][]byte, error) {
	_, raws, err := it.batch(ctx, n, true)
	return raws, err
}

func (it *Iterator) batch(ctx context.Context, n int, raw bool) ([]Record, [][]byte, error) {
	if it.phase == PhaseEndOfIterator {
		return nil, nil, ErrEndOfIterator
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	started := time.Now()
	recs := []Record{}
	raws := [][]byte{}
	count, pageBytes := 0, 0
	for count < n {
		if err := it.ensureOpen(ctx); err != nil {
			return nil, nil, err
		}
		f, err := it.dec.Next(it.scanner)
		if errors.Is(err, io.EOF) {
			if count > 0 {
				break
			}
			if err := it.advance(ctx); err != nil {
				return nil, nil, err
			}
			if it.phase == PhaseEndOfIterator {
				break
			}
			continue
		}
		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			name := it.parts.Files[it.st.Partition]
			it.Rollback()
			return nil, nil, fmt.Errorf("read record from %s: %w", name, err)
		}
		if raw {
			raws = append(raws, f.Raw)
			pageBytes += len(f.Raw)
			count++
			continue
		}
		rec, err := it.dec.Decode(f)
		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			it.logger.Warn("skipping undecodable record",
				zap.String("partition", it.parts.Files[it.st.Partition]),
				zap.Int64("offset", it.scanner.Offset()),
				zap.Error(err),
			)
			continue
		}
		it.finish(&rec)
		pageBytes += len(rec.Page)
		recs = append(recs, rec)
		count++
	}

	if it.phase == PhaseFresh {
		it.phase = PhaseIterating
	}
	it.st.Started = true
	it.st.Emitted += int64(count)
	mode := "decoded"
	if raw {
		mode = "raw"
	}
	metrics.ObserveRecords(it.dec.Name(), mode, count, pageBytes)
	metrics.ObserveBatch(it.dec.Name(), time.Since(started))
	if !it.opts.DeferCommit {
		it.save(ctx)
	}
	return recs, raws, nil
}

// finish fills defaults, normalizes the charset and applies the weight.
func (it *Iterator) finish(r *Record) {
	if r.Encoding == "" {
		r.Encoding = it.cfg.Encoding
	}
	if it.opts.NormalizeUTF8 && len(r.Page) > 0 {
		enc := charset.Detect(r.Page, r.Encoding)
		if out, err := charset.ToUTF8(r.Page, enc); err == nil {
			r.Page = out
			r.Encoding = charset.UTF8
		} else {
			it.logger.Debug("charset conversion failed", zap.String("url", r.URL), zap.Error(err))
		}
	}
	Finalize(r, it.hasher, it.clock.Now())
	if w, ok := it.dec.Weight(r); ok {
		r.Weight = w
		r.HasWeight = true
	}
}

// ensureOpen opens the current partition if needed. A partition opened at
// its start runs the decoder's OnPartitionSwitch; a resumed one restores the
// scanner position instead.
func (it *Iterator) ensureOpen(ctx context.Context) error {
	if it.scanner != nil {
		return nil
	}
	path := it.parts.Path(it.st.Partition)
	r, err := stream.Open(path, it.cfg.Compression, stream.WithLogger(it.logger))
	if err != nil {
		return fmt.Errorf("open partition %s: %w", path, err)
	}
	chunks := chunk.New(r, chunk.Options{
		BlockSize:     it.opts.BlockSize,
		MaxRecordSize: it.opts.MaxRecordSize,
		Logger:        it.logger,
		OnBadBlock:    it.onBadBlock,
	})
	sc, err := scan.New(chunks, it.cfg.StartDelimiter, it.cfg.EndDelimiter, scan.Options{
		GrowSize:  it.opts.MaxRecordSize,
		MaxWindow: chunks.ChunkLen(),
		Logger:    it.logger,
		Heartbeat: it.beat,
	})
	if err != nil {
		_ = r.Close()
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	it.reader, it.chunks, it.scanner = r, chunks, sc
	it.truncBase = it.st.Truncated

	if it.st.Offset > 0 || len(it.st.Remainder) > 0 {
		if err := sc.Seek(it.st.Offset); err != nil {
			it.closePartition()
			return fmt.Errorf("resume partition %s at %d: %w", path, it.st.Offset, err)
		}
		sc.SetCarry(it.st.Remainder)
		return nil
	}
	if err := it.dec.OnPartitionSwitch(ctx, sc); err != nil {
		it.closePartition()
		return fmt.Errorf("start partition %s: %w", path, err)
	}
	it.syncState()
	return nil
}

// advance closes the current partition and moves to the next one.
func (it *Iterator) advance(ctx context.Context) error {
	it.logger.Info("partition finished",
		zap.String("partition", it.parts.Files[it.st.Partition]),
		zap.Int64("emitted", it.st.Emitted),
	)
	metrics.ObservePartition(it.dec.Name(), "done")
	it.nextIndex()
	if it.phase == PhaseEndOfIterator {
		return nil
	}
	it.beat("partition_switch")
	return it.ensureOpen(ctx)
}

func (it *Iterator) nextIndex() {
	it.syncState()
	it.closePartition()
	it.st.Partition++
	it.st.Offset = 0
	it.st.BlockNumber = 0
	it.st.Remainder = nil
	it.st.Header = nil
	it.dec.SetHeader(nil)
	if it.st.Partition >= it.parts.Len() {
		it.st.EndOfIterator = true
		it.phase = PhaseEndOfIterator
	}
}

// SkipPartition abandons the current partition without reading it, for
// partitions that cannot be opened.
func (it *Iterator) SkipPartition(ctx context.Context) error {
	if it.phase == PhaseEndOfIterator {
		return ErrEndOfIterator
	}
	it.logger.Warn("skipping partition", zap.String("partition", it.parts.Files[it.st.Partition]))
	metrics.ObservePartition(it.dec.Name(), "skipped")
	it.nextIndex()
	it.st.Started = true
	if it.phase == PhaseFresh {
		it.phase = PhaseIterating
	}
	return it.saveErr(ctx)
}

// Reset clears the checkpoint and rewinds to the first partition.
func (it *Iterator) Reset(ctx context.Context) error {
	it.fresh()
	if err := it.store.Clear(ctx); err != nil {
		return fmt.Errorf("reset iterator: %w", err)
	}
	return nil
}

// SeekPage rewinds and then skips the first n records, leaving the iterator
// positioned at record n. The new position is saved.
func (it *Iterator) SeekPage(ctx context.Context, n int64) error {
	if err := it.Reset(ctx); err != nil {
		return err
	}
	for remaining := n; remaining > 0 && it.phase != PhaseEndOfIterator; {
		raws, err := it.NextRaw(ctx, int(min(remaining, seekBatch)))
		if errors.Is(err, ErrEndOfIterator) {
			break
		}
		if err != nil {
			return fmt.Errorf("seek to record %d: %w", n, err)
		}
		remaining -= int64(len(raws))
	}
	return it.Commit(ctx)
}

// Close releases the open partition.
func (it *Iterator) Close() error {
	if it.reader == nil {
		return nil
	}
	err := it.reader.Close()
	it.reader, it.chunks, it.scanner = nil, nil, nil
	if err != nil {
		return fmt.Errorf("close partition: %w", err)
	}
	return nil
}

func (it *Iterator) closePartition() {
	if err := it.Close(); err != nil {
		it.logger.Warn("closing partition failed", zap.Error(err))
	}
}

// syncState copies the live scanner coordinates into the state.
func (it *Iterator) syncState() {
	it.st.Header = cloneHeader(it.dec.Header())
	if it.scanner == nil {
		return
	}
	it.st.Offset = it.scanner.Offset()
	it.st.BlockNumber = it.st.Offset / int64(it.chunks.BlockSize())
	it.st.Remainder = append(it.st.Remainder[:0], it.scanner.Carry()...)
	total := it.truncBase + it.scanner.Truncated()
	if d := total - it.st.Truncated; d > 0 {
		metrics.ObserveTruncated(it.dec.Name(), d)
	}
	it.st.Truncated = total
}

func (it *Iterator) save(ctx context.Context) {
	if err := it.saveErr(ctx); err != nil {
		it.logger.Error("checkpoint save failed", zap.Error(err))
	}
}

func (it *Iterator) saveErr(ctx context.Context) error {
	it.syncState()
	st := it.st
	st.EndOfIterator = it.phase == PhaseEndOfIterator
	err := it.store.Save(ctx, st)
	metrics.ObserveCheckpointSave(err)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	it.setMark()
	return nil
}

func (it *Iterator) onBadBlock(detail string) {
	it.st.BadBlocks++
	metrics.ObserveBadBlock(string(it.cfg.Compression))
	it.beat("bad_block")
	it.logger.Debug("bad block counted", zap.String("detail", detail), zap.Int64("total", it.st.BadBlocks))
}

func (it *Iterator) beat(stage string) {
	if it.heartbeat != nil {
		it.heartbeat.Beat(stage)
	}
}

func cloneState(st IteratorState) IteratorState {
	st.Header = cloneHeader(st.Header)
	st.Remainder = append([]byte(nil), st.Remainder...)
	return st
}

func cloneHeader(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
