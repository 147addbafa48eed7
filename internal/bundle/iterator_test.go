package bundle_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/checkpoint"
	"github.com/JakeFAU/archive-bundle-iterator/internal/clock/system"
	"github.com/JakeFAU/archive-bundle-iterator/internal/hash/sha256"
	"github.com/JakeFAU/archive-bundle-iterator/internal/stream"
)

// lineDecoder treats every newline-terminated line as one record.
type lineDecoder struct {
	bundle.Base
	defaults bundle.FormatConfig
	switches int
}

func newLineDecoder() *lineDecoder {
	return &lineDecoder{defaults: bundle.FormatConfig{
		Compression:   stream.Plain,
		FileExtension: "txt",
		EndDelimiter:  `/\n/`,
	}}
}

func (d *lineDecoder) Name() string { return "lines" }

func (d *lineDecoder) Defaults() bundle.FormatConfig { return d.defaults }

func (d *lineDecoder) Weight(*bundle.Record) (float64, bool) { return 2, true }

func (d *lineDecoder) Next(src bundle.Source) (bundle.Frame, error) {
	rec, err := src.NextRecord()
	if err != nil {
		return bundle.Frame{}, err
	}
	return bundle.Frame{Raw: rec}, nil
}

func (d *lineDecoder) Decode(f bundle.Frame) (bundle.Record, error) {
	line := strings.TrimSpace(string(f.Raw))
	if strings.HasPrefix(line, "bad") {
		return bundle.Record{}, fmt.Errorf("undecodable line %q", line)
	}
	return bundle.Record{URL: "http://example.com/" + line, Page: []byte(line)}, nil
}

func (d *lineDecoder) OnPartitionSwitch(context.Context, bundle.Source) error {
	d.switches++
	d.SetHeaderValue("opened", "yes")
	return nil
}

// writeBundle writes parts partitions of perPart lines each.
func writeBundle(t *testing.T, parts, perPart int, gz bool) string {
	t.Helper()
	dir := t.TempDir()
	for p := range parts {
		var sb strings.Builder
		for r := range perPart {
			fmt.Fprintf(&sb, "p%d-r%d\n", p, r)
		}
		name := fmt.Sprintf("part-%02d.txt", p)
		data := []byte(sb.String())
		if gz {
			name += ".gz"
			data = gzipBytes(t, data)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
	}
	return dir
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var sb strings.Builder
	zw := gzip.NewWriter(&sb)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return []byte(sb.String())
}

func newIterator(t *testing.T, dir string, dec bundle.Decoder, mutate func(*bundle.Options)) (*bundle.Iterator, *checkpoint.FileStore) {
	t.Helper()
	store, err := checkpoint.NewFileStore(filepath.Join(dir, "results"))
	require.NoError(t, err)
	opts := bundle.Options{
		Dir:    dir,
		Store:  store,
		Hasher: sha256.New(),
		Clock:  system.NewFixed(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	it, err := bundle.New(context.Background(), dec, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = it.Close() })
	return it, store
}

func pages(recs []bundle.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, string(r.Page))
	}
	return out
}

func drainAll(t *testing.T, it *bundle.Iterator, n int) []string {
	t.Helper()
	var all []string
	for !it.EndOfIterator() {
		recs, err := it.NextPages(context.Background(), n)
		require.NoError(t, err)
		all = append(all, pages(recs)...)
	}
	return all
}

func TestIteratorExhaustsPartitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := writeBundle(t, 3, 5, false)
	dec := newLineDecoder()
	it, _ := newIterator(t, dir, dec, nil)
	assert.Equal(t, bundle.PhaseFresh, it.Phase())

	var sizes []int
	total := 0
	for range 4 {
		recs, err := it.NextPages(ctx, 100)
		require.NoError(t, err)
		sizes = append(sizes, len(recs))
		total += len(recs)
	}
	assert.Equal(t, []int{5, 5, 5, 0}, sizes)
	assert.Equal(t, 15, total)
	assert.True(t, it.EndOfIterator())
	assert.Equal(t, 3, dec.switches)

	_, err := it.NextPages(ctx, 1)
	require.ErrorIs(t, err, bundle.ErrEndOfIterator)
	_, err = it.NextPage(ctx)
	require.ErrorIs(t, err, bundle.ErrEndOfIterator)

	require.NoError(t, it.Reset(ctx))
	assert.Equal(t, bundle.PhaseFresh, it.Phase())
	recs, err := it.NextPages(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0-r0", "p0-r1", "p0-r2"}, pages(recs))
	assert.Equal(t, bundle.PhaseIterating, it.Phase())
}

func TestIteratorFinalizesRecords(t *testing.T) {
	t.Parallel()
	dir := writeBundle(t, 1, 1, false)
	it, _ := newIterator(t, dir, newLineDecoder(), nil)

	rec, err := it.NextPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/p0-r0", rec.URL)
	assert.Equal(t, 200, rec.HTTPCode)
	assert.Equal(t, "text/plain", rec.Type)
	assert.Equal(t, bundle.Unknown, rec.Server)
	assert.Equal(t, int64(5), rec.Size)
	assert.Len(t, rec.Hash, 32)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).Unix(), rec.Timestamp)
	assert.True(t, rec.HasWeight)
	assert.InDelta(t, 2.0, rec.Weight, 1e-9)
}

func TestIteratorResumesFromCheckpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := writeBundle(t, 3, 5, true)
	cfg := func(o *bundle.Options) {
		o.Format = bundle.FormatConfig{Compression: stream.Gzip, FileExtension: "txt.gz"}
		o.BlockSize = 16
		o.MaxRecordSize = 8
	}

	reference, _ := newIterator(t, dir, newLineDecoder(), cfg)
	want := drainAll(t, reference, 4)
	require.Len(t, want, 15)
	require.NoError(t, reference.Reset(ctx))

	first, _ := newIterator(t, dir, newLineDecoder(), cfg)
	recs, err := first.NextPages(ctx, 3)
	require.NoError(t, err)
	got := pages(recs)
	require.NoError(t, first.Close())

	resumedDec := newLineDecoder()
	resumed, _ := newIterator(t, dir, resumedDec, cfg)
	assert.Equal(t, bundle.PhaseIterating, resumed.Phase())
	assert.Equal(t, 0, resumed.State().Partition)
	got = append(got, drainAll(t, resumed, 4)...)
	assert.Equal(t, want, got)
	// Partition 0 was resumed mid-stream, so only the two later ones switch.
	assert.Equal(t, 2, resumedDec.switches)
}

func TestIteratorCheckpointTracksPosition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := writeBundle(t, 2, 5, false)
	it, store := newIterator(t, dir, newLineDecoder(), nil)

	_, err := it.NextPages(ctx, 2)
	require.NoError(t, err)
	st, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Partition)
	assert.Equal(t, int64(len("p0-r0\np0-r1\n")), st.Offset)
	assert.Equal(t, int64(2), st.Emitted)
	assert.True(t, st.Started)
	assert.Equal(t, "yes", st.Header["opened"])

	drainAll(t, it, 10)
	st, err = store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, st.EndOfIterator)
	assert.Equal(t, 2, st.Partition)

	reopened, _ := newIterator(t, dir, newLineDecoder(), nil)
	assert.True(t, reopened.EndOfIterator())
	_, err = reopened.NextPages(ctx, 1)
	require.ErrorIs(t, err, bundle.ErrEndOfIterator)
}

func TestIteratorCorruptCheckpointStartsOver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := writeBundle(t, 1, 3, false)
	results := filepath.Join(dir, "results")
	require.NoError(t, os.MkdirAll(results, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(results, checkpoint.FileName), []byte("garbage"), 0o600))

	it, store := newIterator(t, dir, newLineDecoder(), nil)
	assert.Equal(t, bundle.PhaseFresh, it.Phase())
	_, err := store.Load(ctx)
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	rec, err := it.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p0-r0", string(rec.Page))
}

func TestIteratorSeekPage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := writeBundle(t, 3, 5, false)
	it, _ := newIterator(t, dir, newLineDecoder(), nil)

	require.NoError(t, it.SeekPage(ctx, 7))
	rec, err := it.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p1-r2", string(rec.Page))

	require.NoError(t, it.SeekPage(ctx, 0))
	rec, err = it.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p0-r0", string(rec.Page))

	require.NoError(t, it.SeekPage(ctx, 100))
	assert.True(t, it.EndOfIterator())
}

func TestIteratorSkipPartition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := writeBundle(t, 2, 3, false)
	it, store := newIterator(t, dir, newLineDecoder(), nil)

	require.NoError(t, it.SkipPartition(ctx))
	st, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Partition)

	rec, err := it.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p1-r0", string(rec.Page))

	require.NoError(t, it.SkipPartition(ctx))
	assert.True(t, it.EndOfIterator())
	require.ErrorIs(t, it.SkipPartition(ctx), bundle.ErrEndOfIterator)
}

func TestIteratorRawAndDecodeErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\nbad-two\nthree\nfour"), 0o600))

	raw, _ := newIterator(t, dir, newLineDecoder(), func(o *bundle.Options) {
		o.Store, _ = checkpoint.NewFileStore(filepath.Join(dir, "raw"))
	})
	frames, err := raw.NextRaw(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one\n"), []byte("bad-two\n"), []byte("three\n")}, frames)

	it, _ := newIterator(t, dir, newLineDecoder(), nil)
	recs, err := it.NextPages(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "three"}, pages(recs))
	// The unterminated "four" is counted, not emitted.
	assert.Equal(t, int64(1), it.State().Truncated)
	assert.Equal(t, int64(1), it.Snapshot().Truncated)
}

// flakyDecoder fails once when it frames the line failOn.
type flakyDecoder struct {
	*lineDecoder
	failOn string
	failed bool
}

func (d *flakyDecoder) Next(src bundle.Source) (bundle.Frame, error) {
	f, err := d.lineDecoder.Next(src)
	if err == nil && !d.failed && strings.TrimSpace(string(f.Raw)) == d.failOn {
		d.failed = true
		return bundle.Frame{}, errors.New("corrupt frame")
	}
	return f, err
}

func TestIteratorFrameErrorKeepsBatch(t *testing.T) {
	t.Parallel()
	dir := writeBundle(t, 1, 6, false)
	it, _ := newIterator(t, dir, &flakyDecoder{lineDecoder: newLineDecoder(), failOn: "p0-r3"}, nil)

	_, err := it.NextPages(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "part-00.txt")

	assert.Equal(t, []string{"p0-r0", "p0-r1", "p0-r2", "p0-r3", "p0-r4", "p0-r5"}, drainAll(t, it, 10))
}

func TestIteratorDeferCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := writeBundle(t, 1, 6, false)
	it, store := newIterator(t, dir, newLineDecoder(), func(o *bundle.Options) { o.DeferCommit = true })

	recs, err := it.NextPages(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0-r0", "p0-r1"}, pages(recs))
	_, err = store.Load(ctx)
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	require.NoError(t, it.Commit(ctx))
	st, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Emitted)

	recs, err = it.NextPages(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0-r2", "p0-r3"}, pages(recs))
	it.Rollback()
	recs, err = it.NextPages(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0-r2", "p0-r3"}, pages(recs))

	// A restart without a commit delivers the uncommitted batch again.
	again, _ := newIterator(t, dir, newLineDecoder(), nil)
	assert.Equal(t, []string{"p0-r2", "p0-r3", "p0-r4", "p0-r5"}, drainAll(t, again, 10))
}

func TestIteratorHeartbeat(t *testing.T) {
	t.Parallel()
	dir := writeBundle(t, 3, 1, false)
	var mu sync.Mutex
	stages := map[string]int{}
	it, _ := newIterator(t, dir, newLineDecoder(), func(o *bundle.Options) {
		o.Heartbeat = bundle.HeartbeatFunc(func(stage string) {
			mu.Lock()
			defer mu.Unlock()
			stages[stage]++
		})
	})
	drainAll(t, it, 10)
	assert.Equal(t, 2, stages["partition_switch"])
}

func TestIteratorSnapshot(t *testing.T) {
	t.Parallel()
	dir := writeBundle(t, 2, 2, false)
	it, _ := newIterator(t, dir, newLineDecoder(), nil)
	_, err := it.NextPages(context.Background(), 1)
	require.NoError(t, err)

	s := it.Snapshot()
	assert.Equal(t, "lines", s.Format)
	assert.Equal(t, "ITERATING", s.Phase)
	assert.Equal(t, 2, s.Partitions)
	assert.Equal(t, "part-00.txt", s.PartitionName)
	assert.Equal(t, int64(1), s.Emitted)
	assert.False(t, s.EndOfIterator)
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	t.Parallel()
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	noDelims := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(noDelims, "a.txt"), []byte("x\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(noDelims, bundle.SidecarName), []byte("compression = plain\nfile_extension = txt\n"), 0o600))

	badCompression := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(badCompression, bundle.SidecarName), []byte("compression = lzma\n"), 0o600))

	empty := t.TempDir()

	tests := []struct {
		name string
		dir  string
		dec  func() bundle.Decoder
	}{
		{"missing dir", filepath.Join(empty, "nope"), func() bundle.Decoder { return newLineDecoder() }},
		{"no partitions", empty, func() bundle.Decoder { return newLineDecoder() }},
		{"bad compression", badCompression, func() bundle.Decoder { return newLineDecoder() }},
		{"no delimiters", noDelims, func() bundle.Decoder {
			d := newLineDecoder()
			d.defaults = bundle.FormatConfig{}
			return d
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := bundle.New(context.Background(), tt.dec(), bundle.Options{
				Dir:    tt.dir,
				Store:  store,
				Hasher: sha256.New(),
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, bundle.ErrConfig), "got %v", err)
		})
	}
}
