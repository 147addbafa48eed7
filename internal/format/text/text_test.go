package text

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/checkpoint"
	"github.com/JakeFAU/archive-bundle-iterator/internal/hash/sha256"
)

func TestTextBundle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	sidecar := "compression = plain\nfile_extension = txt\nencoding = ISO-8859-1\nend_delimiter = \"/\\n---\\n/\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, bundle.SidecarName), []byte(sidecar), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("first doc\n---\nsecond doc\n---\n"), 0o600))

	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	it, err := bundle.New(ctx, New(), bundle.Options{Dir: dir, Store: store, Hasher: sha256.New()})
	require.NoError(t, err)
	defer it.Close()

	recs, err := it.NextPages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "first doc\n---\n", string(recs[0].Page))
	assert.Equal(t, "text/plain", recs[0].Type)
	assert.Equal(t, "ISO-8859-1", recs[0].Encoding)
	assert.Contains(t, recs[0].URL, "record:")

	_, ok := it.Weight(&recs[0])
	assert.False(t, ok)
}

func TestTextRequiresDelimiters(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, bundle.SidecarName), []byte("compression = plain\nfile_extension = txt\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o600))

	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = bundle.New(context.Background(), New(), bundle.Options{Dir: dir, Store: store, Hasher: sha256.New()})
	require.ErrorIs(t, err, bundle.ErrConfig)
}
