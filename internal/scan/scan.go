// Package scan splits a byte stream into records using regular-expression
// delimiters, XML-ish tag pairs, lines or fixed lengths, all over one sliding window.
package scan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// DefaultGrowSize is the first pull size when the window needs more bytes.
const DefaultGrowSize = 49_152

// defaultWindowGrows bounds the window at this many GrowSize pulls when
// Options.MaxWindow is unset.
const defaultWindowGrows = 1024

var (
	// ErrNoDelimiter is returned by NextRecord when neither delimiter is set.
	ErrNoDelimiter = errors.New("scanner has no delimiter")
	// ErrEmptyMatch is returned when a delimiter matches the empty string.
	ErrEmptyMatch = errors.New("delimiter matched empty input")
)

// ChunkReader is the byte source the window grows from.
type ChunkReader interface {
	ReadExact(n int) ([]byte, error)
	Offset() int64
	Seek(off int64) error
}

// Options tunes a Scanner.
type Options struct {
	GrowSize int
	// MaxWindow caps the window. A record that outgrows it is dropped and
	// counted in Truncated.
	MaxWindow int
	Logger    *zap.Logger
	Heartbeat func(stage string)
}

// Scanner finds record boundaries. The window is buf[off:]; consumed bytes
// are compacted away once they pass half the buffer.
type Scanner struct {
	src       ChunkReader
	start     *regexp.Regexp
	end       *regexp.Regexp
	growSize  int
	maxWindow int
	logger    *zap.Logger
	heartbeat func(string)

	buf       []byte
	off       int
	eof       bool
	carry     []byte
	preamble  []byte
	truncated int64
	overflow  bool
	closers   map[string]*regexp.Regexp
}

// New builds a Scanner. Delimiters use Compile syntax and may be empty.
func New(src ChunkReader, startDelim, endDelim string, opts Options) (*Scanner, error) {
	start, err := Compile(startDelim)
	if err != nil {
		return nil, fmt.Errorf("compile start delimiter: %w", err)
	}
	end, err := Compile(endDelim)
	if err != nil {
		return nil, fmt.Errorf("compile end delimiter: %w", err)
	}
	if opts.GrowSize <= 0 {
		opts.GrowSize = DefaultGrowSize
	}
	if opts.MaxWindow <= 0 {
		opts.MaxWindow = defaultWindowGrows * opts.GrowSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scanner{
		src:       src,
		start:     start,
		end:       end,
		growSize:  opts.GrowSize,
		maxWindow: opts.MaxWindow,
		logger:    opts.Logger,
		heartbeat: opts.Heartbeat,
		closers:   make(map[string]*regexp.Regexp),
	}, nil
}

// Compile accepts either a bare Go regexp or a delimited pattern such as
// "/WARC\//" or "@<page@i". Flags i, m, s and u are honored.
func Compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	expr := pattern
	if d := pattern[0]; len(pattern) > 2 && isDelimiter(d) {
		if last := strings.LastIndexByte(pattern, d); last > 0 {
			if prefix, ok := flagPrefix(pattern[last+1:]); ok {
				expr = prefix + pattern[1:last]
			}
		}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", pattern, err)
	}
	return re, nil
}

func isDelimiter(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return false
	case c == '\\', c == ' ', c == '\t', c == '\n', c == '\r':
		return false
	}
	return true
}

func flagPrefix(flags string) (string, bool) {
	var sb strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			sb.WriteRune(f)
		case 'u':
		default:
			return "", false
		}
	}
	if sb.Len() == 0 {
		return "", true
	}
	return "(?" + sb.String() + ")", true
}

// Offset is the stream offset of the first unconsumed byte.
func (s *Scanner) Offset() int64 {
	return s.src.Offset() - int64(len(s.buf)-s.off)
}

// Carry returns the start-delimiter text held over for the next record.
func (s *Scanner) Carry() []byte { return s.carry }

// SetCarry restores a carry captured by Carry.
func (s *Scanner) SetCarry(c []byte) { s.carry = append([]byte(nil), c...) }

// Preamble returns the bytes that preceded the last tag returned by NextTagged.
func (s *Scanner) Preamble() []byte { return s.preamble }

// Truncated counts records dropped because they were cut off at end of
// stream or outgrew the window.
func (s *Scanner) Truncated() int64 { return s.truncated }

// Truncate counts a record a caller dropped because it was cut short.
func (s *Scanner) Truncate() { s.truncated++ }

// Reset empties the window without touching the source.
func (s *Scanner) Reset() {
	s.buf = s.buf[:0]
	s.off = 0
	s.eof = false
	s.carry = nil
	s.preamble = nil
	s.overflow = false
}

// Seek empties the window and repositions the source at off.
func (s *Scanner) Seek(off int64) error {
	s.Reset()
	if err := s.src.Seek(off); err != nil {
		return fmt.Errorf("seek scanner: %w", err)
	}
	return nil
}

func (s *Scanner) window() []byte { return s.buf[s.off:] }

// grow appends more source bytes to the window. It reports false once the
// source is exhausted.
func (s *Scanner) grow() (bool, error) {
	if s.eof {
		return false, nil
	}
	if s.off > 0 && s.off >= len(s.buf)/2 {
		n := copy(s.buf, s.buf[s.off:])
		s.buf = s.buf[:n]
		s.off = 0
	}
	pull := max(s.growSize, len(s.buf)-s.off)
	pull = min(pull, max(s.growSize, s.maxWindow-(len(s.buf)-s.off)))
	p, err := s.src.ReadExact(pull)
	if errors.Is(err, io.EOF) {
		s.eof = true
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.buf = append(s.buf, p...)
	if len(p) < pull {
		s.eof = true
	}
	return len(p) > 0, nil
}

func (s *Scanner) beat(stage string, grows int) {
	if s.heartbeat != nil && grows > 1 {
		s.heartbeat(stage)
	}
}

// find runs re over the window, growing until it matches a span that does
// not touch the end of the window (a longer match may still be possible) or
// the source is exhausted. A window that reaches MaxWindow without a match
// is discarded except for a short tail and overflow is set; the caller then
// drops the record that the next match closes.
func (s *Scanner) find(re *regexp.Regexp, stage string) ([]int, error) {
	grows := 0
	for {
		w := s.window()
		loc := re.FindSubmatchIndex(w)
		if loc != nil && (loc[1] < len(w) || s.eof || len(w) >= s.maxWindow) {
			return loc, nil
		}
		if loc == nil && len(w) >= s.maxWindow {
			if !s.overflow {
				s.truncated++
				s.logger.Warn("dropping record larger than the scan window",
					zap.Int("window", len(w)), zap.Int64("offset", s.Offset()))
			}
			s.overflow = true
			s.off = len(s.buf) - min(s.growSize, len(w)/2)
		}
		more, err := s.grow()
		if err != nil {
			return nil, err
		}
		grows++
		s.beat(stage, grows)
		if !more {
			return re.FindSubmatchIndex(s.window()), nil
		}
	}
}

// NextRecord returns the next delimited record.
//
// With an end delimiter the record runs through the end match, and when a
// start delimiter is also set anything before its first match is dropped.
// With only a start delimiter the record is the previous start match plus
// everything up to the next one; the last record of the stream is closed by
// end of stream. Blank records are skipped. A record still open at end of
// stream under an end delimiter is dropped and counted in Truncated.
func (s *Scanner) NextRecord() ([]byte, error) {
	delim := s.end
	if delim == nil {
		delim = s.start
	}
	if delim == nil {
		return nil, ErrNoDelimiter
	}
	for {
		loc, err := s.find(delim, "scan_record")
		if err != nil {
			return nil, err
		}
		if loc == nil {
			return s.finish()
		}
		if loc[0] == loc[1] {
			return nil, ErrEmptyMatch
		}
		w := s.window()
		var rec, body []byte
		if s.end != nil {
			rec = append([]byte(nil), w[:loc[1]]...)
			body = w[:loc[0]]
			if s.start != nil {
				if m := s.start.FindIndex(rec); m != nil {
					rec = rec[m[0]:]
					body = body[min(m[0], len(body)):]
				}
			}
		} else {
			rec = append(append([]byte(nil), s.carry...), w[:loc[0]]...)
			body = w[:loc[0]]
			s.carry = append([]byte(nil), w[loc[0]:loc[1]]...)
		}
		s.off += loc[1]
		if s.overflow {
			s.overflow = false
			continue
		}
		if len(bytes.TrimSpace(body)) == 0 {
			continue
		}
		return rec, nil
	}
}

func (s *Scanner) finish() ([]byte, error) {
	rest := s.window()
	s.off = len(s.buf)
	if s.overflow {
		s.overflow = false
		s.carry = nil
		return nil, io.EOF
	}
	if s.end == nil && len(s.carry) > 0 {
		rec := append(append([]byte(nil), s.carry...), rest...)
		s.carry = nil
		return rec, nil
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		s.truncated++
		s.logger.Debug("dropping unterminated trailing record", zap.Int("bytes", len(rest)))
	}
	return nil, io.EOF
}

func (s *Scanner) closer(tags []string) *regexp.Regexp {
	key := strings.Join(tags, "|")
	if re, ok := s.closers[key]; ok {
		return re
	}
	quoted := make([]string, len(tags))
	for i, t := range tags {
		quoted[i] = regexp.QuoteMeta(t)
	}
	re := regexp.MustCompile(`</(` + strings.Join(quoted, "|") + `)\s*>`)
	s.closers[key] = re
	return re
}

// NextTagged returns the next "<tag ...>...</tag>" span among tags and the
// tag that matched. Bytes before the opening tag become the Preamble.
func (s *Scanner) NextTagged(tags ...string) ([]byte, string, error) {
	if len(tags) == 0 {
		return nil, "", ErrNoDelimiter
	}
	re := s.closer(tags)
	for {
		loc, err := s.find(re, "scan_tag")
		if err != nil {
			return nil, "", err
		}
		w := s.window()
		if loc == nil {
			if s.overflow {
				s.overflow = false
			} else if hasOpenTag(w, tags) {
				s.truncated++
				s.logger.Debug("dropping unterminated trailing element", zap.Int("bytes", len(w)))
			}
			s.off = len(s.buf)
			return nil, "", io.EOF
		}
		if s.overflow {
			s.overflow = false
			s.off += loc[1]
			continue
		}
		tag := string(w[loc[2]:loc[3]])
		open := openTagIndex(w[:loc[0]], tag)
		if open < 0 {
			s.logger.Debug("closing tag without opening tag", zap.String("tag", tag))
			s.off += loc[1]
			continue
		}
		s.preamble = append(s.preamble[:0], w[:open]...)
		span := append([]byte(nil), w[open:loc[1]]...)
		s.off += loc[1]
		return span, tag, nil
	}
}

// openTagIndex finds the first "<tag" in b that is followed by whitespace,
// '>' or '/'.
func openTagIndex(b []byte, tag string) int {
	needle := []byte("<" + tag)
	from := 0
	for {
		i := bytes.Index(b[from:], needle)
		if i < 0 {
			return -1
		}
		at := from + i
		next := at + len(needle)
		if next >= len(b) {
			return -1
		}
		switch b[next] {
		case ' ', '\t', '\r', '\n', '>', '/':
			return at
		}
		from = next
	}
}

func hasOpenTag(b []byte, tags []string) bool {
	for _, t := range tags {
		if openTagIndex(b, t) >= 0 {
			return true
		}
	}
	return false
}

// ReadLine returns the bytes through the next '\n'. The last line may lack
// it; io.EOF follows once the window is empty.
func (s *Scanner) ReadLine() ([]byte, error) {
	for {
		w := s.window()
		if i := bytes.IndexByte(w, '\n'); i >= 0 {
			line := append([]byte(nil), w[:i+1]...)
			s.off += i + 1
			return line, nil
		}
		more, err := s.grow()
		if err != nil {
			return nil, err
		}
		if !more {
			w = s.window()
			if len(w) == 0 {
				return nil, io.EOF
			}
			s.off = len(s.buf)
			return append([]byte(nil), w...), nil
		}
	}
}

// ReadExact returns the next n bytes, fewer at end of stream, or io.EOF
// when nothing is left.
func (s *Scanner) ReadExact(n int) ([]byte, error) {
	for len(s.buf)-s.off < n {
		more, err := s.grow()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	w := s.window()
	if len(w) == 0 && n > 0 {
		return nil, io.EOF
	}
	take := min(n, len(w))
	out := append([]byte(nil), w[:take]...)
	s.off += take
	return out, nil
}
