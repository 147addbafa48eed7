package scan

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteSource is a ChunkReader over a fixed byte slice.
type byteSource struct {
	data []byte
	off  int64
}

func (b *byteSource) ReadExact(n int) ([]byte, error) {
	if b.off >= int64(len(b.data)) {
		return nil, io.EOF
	}
	end := min(b.off+int64(n), int64(len(b.data)))
	out := b.data[b.off:end]
	b.off = end
	return out, nil
}

func (b *byteSource) Offset() int64 { return b.off }

func (b *byteSource) Seek(off int64) error {
	b.off = off
	return nil
}

func newScanner(t *testing.T, data, start, end string) *Scanner {
	t.Helper()
	s, err := New(&byteSource{data: []byte(data)}, start, end, Options{GrowSize: 4})
	require.NoError(t, err)
	return s
}

func records(t *testing.T, s *Scanner) []string {
	t.Helper()
	var out []string
	for {
		rec, err := s.NextRecord()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(rec))
	}
}

func TestCompile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pattern string
		input   string
		match   bool
	}{
		{`/WARC\//`, "xx WARC/1.0", true},
		{`/dns|filedesc/`, "filedesc://x", true},
		{`@<page@`, "  <page>", true},
		{`@<PAGE@i`, "<page>", true},
		{`<Topic|<ExternalPage`, "<ExternalPage about=''>", true},
		{`<page`, "<pag", false},
		{`/a.b/s`, "a\nb", true},
		{`/a.b/`, "a\nb", false},
	}
	for _, tt := range tests {
		re, err := Compile(tt.pattern)
		require.NoError(t, err, tt.pattern)
		assert.Equal(t, tt.match, re.MatchString(tt.input), tt.pattern)
	}
	re, err := Compile("")
	require.NoError(t, err)
	assert.Nil(t, re)
	_, err = Compile("/(unclosed/")
	assert.Error(t, err)
}

func TestNextRecordEndDelimiter(t *testing.T) {
	t.Parallel()
	s := newScanner(t, "one;two;;three;tail", "", ";")
	assert.Equal(t, []string{"one;", "two;", "three;"}, records(t, s))
	assert.Equal(t, int64(1), s.Truncated())
}

func TestNextRecordSkipsBlankRecords(t *testing.T) {
	t.Parallel()
	s := newScanner(t, "one;\n;  ;two;", "", ";")
	assert.Equal(t, []string{"one;", "two;"}, records(t, s))
	assert.Zero(t, s.Truncated())

	s = newScanner(t, "REC REC one\n", "/REC /", "")
	assert.Equal(t, []string{"REC one\n"}, records(t, s))
}

func TestNextRecordDropsRecordLargerThanWindow(t *testing.T) {
	t.Parallel()
	data := "ab;" + strings.Repeat("x", 40) + ";cd;"
	s, err := New(&byteSource{data: []byte(data)}, "", ";", Options{GrowSize: 4, MaxWindow: 16})
	require.NoError(t, err)
	assert.Equal(t, []string{"ab;", "cd;"}, records(t, s))
	assert.Equal(t, int64(1), s.Truncated())
}

func TestNextTaggedDropsElementLargerThanWindow(t *testing.T) {
	t.Parallel()
	data := "<a>1</a><a>" + strings.Repeat("x", 40) + "</a><a>2</a>"
	s, err := New(&byteSource{data: []byte(data)}, "", "", Options{GrowSize: 4, MaxWindow: 16})
	require.NoError(t, err)

	var got []string
	for {
		span, _, err := s.NextTagged("a")
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(span))
	}
	assert.Equal(t, []string{"<a>1</a>", "<a>2</a>"}, got)
	assert.Equal(t, int64(1), s.Truncated())
}

func TestNextRecordStartAndEndDelimiters(t *testing.T) {
	t.Parallel()
	s := newScanner(t, "junk<r>a</r>\nnoise<r>b</r>\n", "<r>", "</r>")
	assert.Equal(t, []string{"<r>a</r>", "<r>b</r>"}, records(t, s))
	assert.Zero(t, s.Truncated())
}

func TestNextRecordStartDelimiterCarry(t *testing.T) {
	t.Parallel()
	s := newScanner(t, "REC one\nREC two\nREC three\n", "/REC /", "")
	assert.Equal(t, []string{"REC one\n", "REC two\n", "REC three\n"}, records(t, s))
	assert.Zero(t, s.Truncated())
}

func TestNextRecordWithoutDelimiter(t *testing.T) {
	t.Parallel()
	s := newScanner(t, "abc", "", "")
	_, err := s.NextRecord()
	assert.ErrorIs(t, err, ErrNoDelimiter)
}

func TestNextRecordLongRecordsGrowWindow(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 1000)
	s := newScanner(t, long+"|"+long+"|", "", `/\|/`)
	beats := 0
	s.heartbeat = func(string) { beats++ }
	got := records(t, s)
	require.Len(t, got, 2)
	assert.Equal(t, long+"|", got[0])
	assert.Positive(t, beats)
}

func TestNextTagged(t *testing.T) {
	t.Parallel()
	data := `<mediawiki xml:lang="en"><siteinfo><sitename>W</sitename></siteinfo>
<page><title>A</title></page>
<pages-count>2</pages-count>
<page>
<title>B</title></page>
<page><title>cut`
	s := newScanner(t, data, "", "")

	span, tag, err := s.NextTagged("siteinfo")
	require.NoError(t, err)
	assert.Equal(t, "siteinfo", tag)
	assert.Equal(t, "<siteinfo><sitename>W</sitename></siteinfo>", string(span))
	assert.Equal(t, `<mediawiki xml:lang="en">`, string(s.Preamble()))

	span, _, err = s.NextTagged("page")
	require.NoError(t, err)
	assert.Equal(t, "<page><title>A</title></page>", string(span))

	span, _, err = s.NextTagged("page")
	require.NoError(t, err)
	assert.Equal(t, "<page>\n<title>B</title></page>", string(span))

	_, _, err = s.NextTagged("page")
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(1), s.Truncated())
}

func TestNextTaggedAlternatives(t *testing.T) {
	t.Parallel()
	data := `<RDF><Topic r:id="Top/Arts"><catid>1</catid></Topic>
<ExternalPage about="http://a.test/"><d:Title>A</d:Title></ExternalPage>
<Topic r:id="Top/Arts/Music"></Topic></RDF>`
	s := newScanner(t, data, "", "")
	var tags []string
	for {
		_, tag, err := s.NextTagged("Topic", "ExternalPage")
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		tags = append(tags, tag)
	}
	assert.Equal(t, []string{"Topic", "ExternalPage", "Topic"}, tags)
	assert.Zero(t, s.Truncated())
}

func TestReadLineAndExact(t *testing.T) {
	t.Parallel()
	s := newScanner(t, "header line\n0123456789rest", "", "")
	line, err := s.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "header line\n", string(line))
	assert.Equal(t, int64(12), s.Offset())

	p, err := s.ReadExact(10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(p))

	line, err = s.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "rest", string(line))
	_, err = s.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
	_, err = s.ReadExact(1)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSeekResumesAtOffset(t *testing.T) {
	t.Parallel()
	s := newScanner(t, "a;b;c;d;", "", ";")
	rec, err := s.NextRecord()
	require.NoError(t, err)
	assert.Equal(t, "a;", string(rec))
	off := s.Offset()
	assert.Equal(t, int64(2), off)

	rest := records(t, s)
	require.NoError(t, s.Seek(off))
	assert.Equal(t, rest, records(t, s))
}

func TestCarryRoundTrip(t *testing.T) {
	t.Parallel()
	data := "#1 a\n#2 b\n#3 c\n"
	s := newScanner(t, data, "/#\\d /", "")
	first, err := s.NextRecord()
	require.NoError(t, err)
	assert.Equal(t, "#1 a\n", string(first))
	off, carry := s.Offset(), append([]byte(nil), s.Carry()...)
	want := records(t, s)

	s2 := newScanner(t, data, "/#\\d /", "")
	require.NoError(t, s2.Seek(off))
	s2.SetCarry(carry)
	assert.Equal(t, want, records(t, s2))
}
