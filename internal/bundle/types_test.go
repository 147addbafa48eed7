package bundle

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/archive-bundle-iterator/internal/stream"
)

type fixedHasher struct{}

func (fixedHasher) Sum([]byte) []byte { return []byte{0xde, 0xad, 0xbe, 0xef} }

func TestFinalizeFillsDefaults(t *testing.T) {
	t.Parallel()
	now := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	r := Record{}
	Finalize(&r, fixedHasher{}, now)

	assert.Equal(t, []byte{}, r.Page)
	assert.Equal(t, "record:"+base64.RawURLEncoding.EncodeToString([]byte{0xde, 0xad, 0xbe, 0xef}), r.URL)
	assert.Equal(t, now.Unix(), r.Timestamp)
	assert.Equal(t, 200, r.HTTPCode)
	assert.Equal(t, "text/plain", r.Type)
	assert.Equal(t, Unknown, r.Server)
	assert.Equal(t, Unknown, r.ServerVersion)
	assert.Equal(t, Unknown, r.OperatingSystem)
}

func TestFinalizeKeepsDecodedFields(t *testing.T) {
	t.Parallel()
	r := Record{
		URL:       "http://a.example/",
		Page:      []byte("hello"),
		Timestamp: 42,
		HTTPCode:  404,
		Type:      "text/html",
		Server:    "Apache",
		Hash:      []byte{1},
	}
	Finalize(&r, fixedHasher{}, time.Now())
	assert.Equal(t, "http://a.example/", r.URL)
	assert.Equal(t, int64(42), r.Timestamp)
	assert.Equal(t, 404, r.HTTPCode)
	assert.Equal(t, "text/html", r.Type)
	assert.Equal(t, "Apache", r.Server)
	assert.Equal(t, []byte{1}, r.Hash)
	assert.Equal(t, int64(5), r.Size)
}

func TestFormatConfigMergeAndValidate(t *testing.T) {
	t.Parallel()
	base := FormatConfig{Compression: stream.Gzip, FileExtension: "arc.gz", StartDelimiter: "/dns|filedesc/"}
	merged := base.Merge(FormatConfig{FileExtension: "arc", Compression: stream.Plain})
	assert.Equal(t, stream.Plain, merged.Compression)
	assert.Equal(t, "arc", merged.FileExtension)
	assert.Equal(t, "/dns|filedesc/", merged.StartDelimiter)
	require.NoError(t, merged.Validate())

	tests := []struct {
		name string
		cfg  FormatConfig
	}{
		{"bad compression", FormatConfig{Compression: "zstd", FileExtension: "x", EndDelimiter: "y"}},
		{"no extension", FormatConfig{Compression: stream.Plain, EndDelimiter: "y"}},
		{"no delimiter", FormatConfig{Compression: stream.Plain, FileExtension: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, tt.cfg.Validate(), ErrConfig)
		})
	}
}

func TestPhaseString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "FRESH", PhaseFresh.String())
	assert.Equal(t, "ITERATING", PhaseIterating.String())
	assert.Equal(t, "END_OF_ITERATOR", PhaseEndOfIterator.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}

func TestLoadSidecar(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, SidecarName)

	cfg, found, err := LoadSidecar(path)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, FormatConfig{}, cfg)

	content := `; written by the crawler
[description]
Compression = bzip2
file_extension = ".txt.bz2"
encoding = 'ISO-8859-1'
start_delimiter = "/<doc>/"
end_delimiter = "@</doc>@i"
arc_type = text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	cfg, found, err = LoadSidecar(path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, FormatConfig{
		Compression:    stream.Bzip2,
		FileExtension:  "txt.bz2",
		Encoding:       "ISO-8859-1",
		StartDelimiter: "/<doc>/",
		EndDelimiter:   "@</doc>@i",
		ArcType:        "text",
	}, cfg)
}

func TestLoadPartitionsSortsAndFilters(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{"b.arc.gz", "a.arc.gz", "c.warc.gz", "notes.txt", SidecarName} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.arc.gz"), 0o750))

	set, err := LoadPartitions(dir, ".arc.gz")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.arc.gz", "b.arc.gz"}, set.Files)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, filepath.Join(dir, "b.arc.gz"), set.Path(1))

	_, err = LoadPartitions(dir, "mwarc")
	require.ErrorIs(t, err, ErrConfig)
}
