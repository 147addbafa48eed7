package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/checkpoint"
	"github.com/JakeFAU/archive-bundle-iterator/internal/clock/system"
	"github.com/JakeFAU/archive-bundle-iterator/internal/format/text"
	"github.com/JakeFAU/archive-bundle-iterator/internal/hash/sha256"
	"github.com/JakeFAU/archive-bundle-iterator/internal/policy/ratelimit"
	"github.com/JakeFAU/archive-bundle-iterator/internal/progress"
	pubmem "github.com/JakeFAU/archive-bundle-iterator/internal/publisher/memory"
	"github.com/JakeFAU/archive-bundle-iterator/internal/storage"
	"github.com/JakeFAU/archive-bundle-iterator/internal/storage/memory"
)

var fixedRun = uuid.MustParse("01890a5d-ac96-774b-bcce-b302099a8057")

type fixedIDs struct{}

func (fixedIDs) NewRunID() ([16]byte, error) { return fixedRun, nil }

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// stages returns the recorded stages without heartbeats.
func (r *recorder) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Stage
	for _, e := range r.events {
		if e.Stage != progress.StageRunHB {
			out = append(out, e.Stage)
		}
	}
	return out
}

func (r *recorder) last() progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeIterator struct {
	format  string
	batches [][]bundle.Record
	raws    [][][]byte
	i       int
	eoi     bool

	committed    int
	committedEOI bool
	commits      int
}

func (f *fakeIterator) Commit(context.Context) error {
	f.committed, f.committedEOI = f.i, f.eoi
	f.commits++
	return nil
}

func (f *fakeIterator) Rollback() { f.i, f.eoi = f.committed, f.committedEOI }

func (f *fakeIterator) NextPages(context.Context, int) ([]bundle.Record, error) {
	if f.eoi {
		return nil, bundle.ErrEndOfIterator
	}
	if f.i >= len(f.batches) {
		f.eoi = true
		return []bundle.Record{}, nil
	}
	b := f.batches[f.i]
	f.i++
	return b, nil
}

func (f *fakeIterator) NextRaw(context.Context, int) ([][]byte, error) {
	if f.eoi {
		return nil, bundle.ErrEndOfIterator
	}
	if f.i >= len(f.raws) {
		f.eoi = true
		return [][]byte{}, nil
	}
	b := f.raws[f.i]
	f.i++
	return b, nil
}

func (f *fakeIterator) Snapshot() bundle.Status {
	return bundle.Status{Format: f.format, PartitionName: "part-0", Offset: int64(f.i), EndOfIterator: f.eoi}
}

func record(url, page string) bundle.Record {
	return bundle.Record{
		URL:       url,
		Page:      []byte(page),
		Hash:      sha256.New().Sum([]byte(page)),
		Timestamp: 1700000000,
		HTTPCode:  200,
		Type:      "text/html",
		Encoding:  "UTF-8",
		Size:      int64(len(page)),
	}
}

func TestRunnerDrivesTextBundleToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	sidecar := "compression = plain\nfile_extension = txt\nend_delimiter = \"/\\n---\\n/\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, bundle.SidecarName), []byte(sidecar), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha\n---\nbeta\n---\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("gamma\n---\n"), 0o600))

	cp, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	relay := &Relay{}
	it, err := bundle.New(ctx, text.New(), bundle.Options{
		Dir:       dir,
		Store:     cp,
		Hasher:    sha256.New(),
		Clock:     system.NewFixed(time.Unix(1700000000, 0)),
		Heartbeat: relay,
	})
	require.NoError(t, err)
	defer it.Close()

	blobs := memory.NewBlobStore()
	index := memory.NewRecordIndex()
	pub := pubmem.New()
	events := &recorder{}
	r, err := New(Deps{
		Iterator:  it,
		Blobs:     blobs,
		Index:     index,
		Publisher: pub,
		Progress:  events,
		IDs:       fixedIDs{},
		Relay:     relay,
	}, Config{BatchSize: 2, BlobPrefix: "/pages/"}, nil)
	require.NoError(t, err)

	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, fixedRun.String(), res.RunID)
	assert.Equal(t, "text", res.Format)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, int64(3), res.Records)
	assert.True(t, res.EndOfIterator)
	assert.True(t, it.EndOfIterator())

	keys := blobs.Keys()
	require.Len(t, keys, 3)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "pages/"+fixedRun.String()+"/"), k)
		assert.True(t, strings.HasSuffix(k, ".txt"), k)
	}

	entries := index.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].Partition)
	assert.Equal(t, "b.txt", entries[2].Partition)
	assert.Equal(t, fixedRun, entries[0].RunID)
	assert.True(t, strings.HasPrefix(entries[0].BlobURI, "memory://pages/"))

	notices := pub.Notices()
	require.Len(t, notices, 3)
	assert.Equal(t, 2, notices[0].Records)
	assert.Len(t, notices[0].BlobURIs, 2)
	assert.Equal(t, 1, notices[1].Records)
	assert.True(t, notices[2].Final)

	assert.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageBatchDone,
		progress.StageBatchDone,
		progress.StageRunDone,
	}, events.stages())
	assert.Equal(t, int64(3), events.last().Records)

	// The relay is detached once the run ends.
	assert.Nil(t, relay.current.Load())

	// A second run over an exhausted iterator ends at once.
	res, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Batches)
	assert.True(t, res.EndOfIterator)
}

func TestRunnerStopsAtMaxBatches(t *testing.T) {
	t.Parallel()

	it := &fakeIterator{format: "warc", batches: [][]bundle.Record{
		{record("http://a/", "a")},
		{record("http://b/", "b")},
		{record("http://c/", "c")},
	}}
	index := memory.NewRecordIndex()
	r, err := New(Deps{Iterator: it, Index: index, IDs: fixedIDs{}}, Config{BatchSize: 1, MaxBatches: 2}, nil)
	require.NoError(t, err)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batches)
	assert.False(t, res.EndOfIterator)
	require.Len(t, index.Entries(), 2)
	assert.Equal(t, "http://b/", index.Entries()[1].URL)
}

func TestRunnerRawModeSkipsIndex(t *testing.T) {
	t.Parallel()

	it := &fakeIterator{format: "arc", raws: [][][]byte{{[]byte("frame-1"), []byte("frame-2")}}}
	blobs := memory.NewBlobStore()
	index := memory.NewRecordIndex()
	pub := pubmem.New()
	r, err := New(Deps{
		Iterator:  it,
		Blobs:     blobs,
		Index:     index,
		Publisher: pub,
		Hasher:    sha256.New(),
		IDs:       fixedIDs{},
	}, Config{BatchSize: 10, Raw: true}, nil)
	require.NoError(t, err)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Records)
	assert.Empty(t, index.Entries())

	keys := blobs.Keys()
	require.Len(t, keys, 2)
	data, ct, ok := blobs.Get(keys[0])
	require.True(t, ok)
	assert.Equal(t, "application/octet-stream", ct)
	assert.Contains(t, []string{"frame-1", "frame-2"}, string(data))
	assert.True(t, strings.HasSuffix(keys[0], ".bin"))
	assert.True(t, pub.Notices()[0].Raw)
}

func TestRunnerParallelUploadsKeepPageOrder(t *testing.T) {
	t.Parallel()

	var recs []bundle.Record
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		recs = append(recs, record("http://"+name+"/", "page "+name))
	}
	it := &fakeIterator{format: "warc", batches: [][]bundle.Record{recs}}
	blobs := memory.NewBlobStore()
	index := memory.NewRecordIndex()
	pub := pubmem.New()
	r, err := New(Deps{
		Iterator:  it,
		Blobs:     blobs,
		Index:     index,
		Publisher: pub,
		IDs:       fixedIDs{},
		Limiter:   ratelimit.New(ratelimit.Config{DefaultRPS: 1000, DefaultBurst: 10}),
	}, Config{BatchSize: 10, UploadWorkers: 4}, nil)
	require.NoError(t, err)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Records)
	assert.Len(t, blobs.Keys(), 6)

	entries := index.Entries()
	require.Len(t, entries, 6)
	notice := pub.Notices()[0]
	for i, e := range entries {
		assert.Equal(t, recs[i].URL, e.URL)
		assert.Equal(t, notice.BlobURIs[i], e.BlobURI)
		data, _, ok := blobs.Get(strings.TrimPrefix(e.BlobURI, "memory://"))
		require.True(t, ok)
		assert.Equal(t, recs[i].Page, data)
	}
}

func TestRunnerBlobFailureAbortsRun(t *testing.T) {
	t.Parallel()

	it := &fakeIterator{format: "warc", batches: [][]bundle.Record{{record("http://a/", "a")}}}
	blobs := &storage.MockBlobStore{}
	blobs.On("PutObject", mock.Anything, mock.Anything, "text/html; charset=utf-8", []byte("a")).
		Return("", errors.New("disk full"))
	pub := pubmem.New()
	events := &recorder{}
	r, err := New(Deps{Iterator: it, Blobs: blobs, Publisher: pub, Progress: events, IDs: fixedIDs{}}, Config{BatchSize: 5}, nil)
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.ErrorContains(t, err, "disk full")
	blobs.AssertExpectations(t)
	assert.Empty(t, pub.Notices())
	assert.Equal(t, []progress.Stage{progress.StageRunStart, progress.StageRunError}, events.stages())
	assert.Contains(t, events.last().Note, "disk full")
}

// flakyBlobs fails the first fail writes.
type flakyBlobs struct {
	storage.BlobStore
	mu   sync.Mutex
	fail int
}

func (f *flakyBlobs) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	f.mu.Lock()
	if f.fail > 0 {
		f.fail--
		f.mu.Unlock()
		return "", errors.New("bucket unavailable")
	}
	f.mu.Unlock()
	return f.BlobStore.PutObject(ctx, path, contentType, r)
}

func TestRunnerRedeliversUncommittedBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	sidecar := "compression = plain\nfile_extension = txt\nend_delimiter = \"/\\n---\\n/\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, bundle.SidecarName), []byte(sidecar), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha\n---\nbeta\n---\n"), 0o600))
	results := t.TempDir()

	open := func() *bundle.Iterator {
		cp, err := checkpoint.NewFileStore(results)
		require.NoError(t, err)
		it, err := bundle.New(ctx, text.New(), bundle.Options{
			Dir:         dir,
			Store:       cp,
			Hasher:      sha256.New(),
			DeferCommit: true,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = it.Close() })
		return it
	}

	blobs := &flakyBlobs{BlobStore: memory.NewBlobStore(), fail: 1}
	it := open()
	r, err := New(Deps{Iterator: it, Blobs: blobs, IDs: fixedIDs{}}, Config{BatchSize: 2}, nil)
	require.NoError(t, err)

	_, err = r.Run(ctx)
	require.ErrorContains(t, err, "bucket unavailable")
	assert.Zero(t, it.Snapshot().Emitted)

	// A process restarted after the failure gets the same batch.
	restarted, err := New(Deps{Iterator: open(), Blobs: blobs, IDs: fixedIDs{}}, Config{BatchSize: 2}, nil)
	require.NoError(t, err)
	res, err := restarted.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Records)
	assert.True(t, res.EndOfIterator)

	// So does a retry in the failed process.
	res, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Records)

	// Once committed, nothing is delivered again.
	final, err := New(Deps{Iterator: open(), Blobs: blobs, IDs: fixedIDs{}}, Config{BatchSize: 2}, nil)
	require.NoError(t, err)
	res, err = final.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Records)
	assert.True(t, res.EndOfIterator)
}

func TestRunnerPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	it := &fakeIterator{format: "odp", batches: [][]bundle.Record{{record("http://a/", "a")}}}
	pub := pubmem.New()
	pub.FailWith(errors.New("topic unavailable"))
	r, err := New(Deps{Iterator: it, Publisher: pub, IDs: fixedIDs{}}, Config{BatchSize: 5}, nil)
	require.NoError(t, err)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Records)
	assert.True(t, res.EndOfIterator)
}

func TestRunnerHonorsCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it := &fakeIterator{format: "warc", batches: [][]bundle.Record{{record("http://a/", "a")}}}
	r, err := New(Deps{Iterator: it, IDs: fixedIDs{}}, Config{BatchSize: 1}, nil)
	require.NoError(t, err)
	_, err = r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	it := &fakeIterator{}
	tests := []struct {
		name string
		deps Deps
		cfg  Config
	}{
		{"missing iterator", Deps{IDs: fixedIDs{}}, Config{BatchSize: 1}},
		{"missing ids", Deps{Iterator: it}, Config{BatchSize: 1}},
		{"zero batch", Deps{Iterator: it, IDs: fixedIDs{}}, Config{}},
		{"negative max", Deps{Iterator: it, IDs: fixedIDs{}}, Config{BatchSize: 1, MaxBatches: -1}},
		{"raw without hasher", Deps{Iterator: it, IDs: fixedIDs{}}, Config{BatchSize: 1, Raw: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.deps, tt.cfg, nil)
			require.Error(t, err)
		})
	}
}

func TestEntryForCopiesWeightAndModified(t *testing.T) {
	t.Parallel()

	rec := record("http://a/", "a")
	rec.Weight, rec.HasWeight = 13, true
	rec.Modified = 1600000000
	rec.Meta = map[string]string{"warc_type": "response"}
	now := time.Unix(1800000000, 0).UTC()
	e := entryFor(fixedRun, bundle.Status{Format: "warc", PartitionName: "x.warc.gz"}, &rec, "memory://p", now)
	require.NotNil(t, e.Weight)
	assert.InDelta(t, 13.0, *e.Weight, 0)
	require.NotNil(t, e.ModifiedAt)
	assert.Equal(t, int64(1600000000), e.ModifiedAt.Unix())
	assert.Equal(t, int64(1700000000), e.CapturedAt.Unix())
	assert.Equal(t, "response", e.Meta["warc_type"])

	again := entryFor(uuid.New(), bundle.Status{}, &rec, "memory://q", now)
	assert.Equal(t, e.ID, again.ID)

	rec.Timestamp = 0
	assert.Equal(t, now, entryFor(fixedRun, bundle.Status{}, &rec, "", now).CapturedAt)
}
