package warc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/checkpoint"
	"github.com/JakeFAU/archive-bundle-iterator/internal/hash/sha256"
)

func record(typ, uri, payload string, extra ...string) string {
	var b bytes.Buffer
	b.WriteString("WARC/1.0\r\n")
	fmt.Fprintf(&b, "WARC-Type: %s\r\n", typ)
	fmt.Fprintf(&b, "WARC-Target-URI: %s\r\n", uri)
	b.WriteString("WARC-Date: 2014-01-01T00:00:00Z\r\n")
	for _, e := range extra {
		b.WriteString(e + "\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(payload))
	b.WriteString(payload)
	b.WriteString("\r\n\r\n")
	return b.String()
}

// writeWarc gzips each record as its own member, as crawlers write them.
func writeWarc(t *testing.T, records ...string) string {
	t.Helper()
	dir := t.TempDir()
	var buf bytes.Buffer
	for _, r := range records {
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write([]byte(r))
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crawl.warc.gz"), buf.Bytes(), 0o600))
	return dir
}

func open(t *testing.T, dir string) *bundle.Iterator {
	t.Helper()
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	it, err := bundle.New(context.Background(), New(nil), bundle.Options{Dir: dir, Store: store, Hasher: sha256.New()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = it.Close() })
	return it
}

func TestResponseIsKept(t *testing.T) {
	t.Parallel()
	dir := writeWarc(t, record("response", "http://x.test/", "hello", "WARC-Record-ID: <urn:uuid:1234>", "WARC-IP-Address: 192.0.2.1"))
	recs, err := open(t, dir).NextPages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, "http://x.test/", r.URL)
	assert.Equal(t, "hello", string(r.Page))
	assert.Equal(t, []string{"192.0.2.1"}, r.IPAddresses)
	assert.Equal(t, "<urn:uuid:1234>", r.Meta[MetaRecordID])
	assert.Equal(t, int64(5), r.Size)
	assert.Equal(t, time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC).Unix(), r.Timestamp)
}

func TestRequestIsFiltered(t *testing.T) {
	t.Parallel()
	dir := writeWarc(t, record("request", "http://x.test/", "hello"))
	recs, err := open(t, dir).NextPages(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMixedRecords(t *testing.T) {
	t.Parallel()
	httpPayload := "HTTP/1.1 301 Moved\r\nContent-Type: text/html\r\nServer: nginx/1.4\r\n\r\n<a>moved</a>"
	dir := writeWarc(t,
		record("warcinfo", "", "software: test"),
		record("request", "http://a.test/", "GET / HTTP/1.1\r\n\r\n"),
		record("response", "http://a.test/", httpPayload, "WARC-TREC-ID: clueweb-1"),
		record("metadata", "http://a.test/", "fetchTimeMs: 3"),
		record("response", "dns:a.test", "a.test. 60 IN A 1.2.3.4"),
		record("resource", "file:///notes.txt", "plain notes", "Content-Type: text/plain; charset=utf-8"),
	)
	it := open(t, dir)
	recs, err := it.NextPages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "http://a.test/", recs[0].URL)
	assert.Equal(t, 301, recs[0].HTTPCode)
	assert.Equal(t, "nginx", recs[0].Server)
	assert.Equal(t, "<a>moved</a>", string(recs[0].Page))
	assert.Equal(t, "clueweb-1", recs[0].Meta[MetaRecordID])
	assert.Equal(t, "response", recs[0].Meta[MetaType])

	assert.Equal(t, "file:///notes.txt", recs[1].URL)
	assert.Equal(t, "text/plain", recs[1].Type)
	assert.Equal(t, "plain notes", string(recs[1].Page))

	require.NoError(t, it.Reset(context.Background()))
	raws, err := it.NextRaw(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, raws, 2)
}

func TestTruncatedTrailingRecordIsDropped(t *testing.T) {
	t.Parallel()
	cut := record("response", "http://b.test/", "01234567890123456789")
	cut = cut[:strings.Index(cut, "\r\n\r\n")+4+12]
	dir := writeWarc(t, record("resource", "http://a.test/", "whole"), cut)

	it := open(t, dir)
	recs, err := it.NextPages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "http://a.test/", recs[0].URL)
	assert.Equal(t, int64(1), it.Snapshot().Truncated)
}
