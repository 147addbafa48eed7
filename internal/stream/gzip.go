package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

var gzipMagic = [3]byte{0x1f, 0x8b, 0x08}

// countingReader tracks the compressed offset consumed by the gzip reader.
// It implements io.ByteReader so the inflater never reads past a member.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// gzipReader decodes a gzip file member by member. A corrupt member is
// reported once as a bad block and decoding resumes at the next member header.
type gzipReader struct {
	path   string
	logger *zap.Logger

	f           *os.File
	cr          *countingReader
	zr          *gzip.Reader
	memberStart int64
	offset      int64
	eof         bool
	pendingBad  string
}

func openGzip(path string, logger *zap.Logger) (*gzipReader, error) {
	g := &gzipReader{path: path, logger: logger}
	if err := g.open(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *gzipReader) open() error {
	f, err := os.Open(g.path)
	if err != nil {
		return fmt.Errorf("open gzip partition: %w", err)
	}
	g.f = f
	g.cr = &countingReader{r: bufio.NewReaderSize(f, 64<<10)}
	g.offset = 0
	g.eof = false
	g.pendingBad = ""
	if err := g.startMember(); err != nil {
		if fatal(err) {
			_ = f.Close()
			return fmt.Errorf("read gzip header: %w", err)
		}
		return g.resync(err)
	}
	return nil
}

// startMember begins decoding the member at the current compressed offset.
func (g *gzipReader) startMember() error {
	g.memberStart = g.cr.n
	if g.zr == nil {
		g.zr = new(gzip.Reader)
	}
	err := g.zr.Reset(g.cr)
	if errors.Is(err, io.EOF) {
		g.eof = true
		return nil
	}
	if err != nil {
		return err
	}
	g.zr.Multistream(false)
	return nil
}

// resync skips the member that failed with cause and positions the reader on
// the next member header, or at end of stream when none remains.
func (g *gzipReader) resync(cause error) error {
	g.logger.Warn("skipping corrupt gzip member",
		zap.String("path", g.path),
		zap.Int64("member_offset", g.memberStart),
		zap.Error(cause),
	)
	g.pendingBad = cause.Error()
	from := g.memberStart + 1
	for {
		pos, found, err := g.findMagic(from)
		if err != nil {
			return err
		}
		if !found {
			g.eof = true
			return nil
		}
		if err := g.seekCompressed(pos); err != nil {
			return err
		}
		err = g.startMember()
		if err == nil {
			return nil
		}
		if fatal(err) {
			return fmt.Errorf("read gzip header: %w", err)
		}
		from = pos + 1
	}
}

func (g *gzipReader) seekCompressed(pos int64) error {
	if _, err := g.f.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("seek gzip partition: %w", err)
	}
	g.cr.r.Reset(g.f)
	g.cr.n = pos
	return nil
}

// findMagic returns the compressed offset of the next member header at or after from.
func (g *gzipReader) findMagic(from int64) (int64, bool, error) {
	if err := g.seekCompressed(from); err != nil {
		return 0, false, err
	}
	matched := 0
	for {
		b, err := g.cr.ReadByte()
		if errors.Is(err, io.EOF) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("scan gzip partition: %w", err)
		}
		switch {
		case b == gzipMagic[matched]:
			matched++
		case b == gzipMagic[0]:
			matched = 1
		default:
			matched = 0
		}
		if matched == len(gzipMagic) {
			return g.cr.n - int64(len(gzipMagic)), true, nil
		}
	}
}

func (g *gzipReader) ReadBlock(max int) (Block, error) {
	if g.pendingBad != "" {
		detail := g.pendingBad
		g.pendingBad = ""
		return Block{Status: StatusBadBlock, Detail: detail}, nil
	}
	if g.eof {
		return Block{Status: StatusEOF}, nil
	}
	if max <= 0 {
		return Block{Status: StatusOK}, nil
	}
	buf := make([]byte, max)
	n := 0
	for n < max && !g.eof && g.pendingBad == "" {
		m, err := g.zr.Read(buf[n:])
		n += m
		g.offset += int64(m)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if err := g.startMember(); err != nil {
				if fatal(err) {
					return Block{}, fmt.Errorf("read gzip header: %w", err)
				}
				if err := g.resync(err); err != nil {
					return Block{}, err
				}
			}
		case fatal(err):
			return Block{}, fmt.Errorf("read gzip partition: %w", err)
		default:
			if err := g.resync(err); err != nil {
				return Block{}, err
			}
		}
	}
	if n == 0 {
		return g.ReadBlock(max)
	}
	return Block{Status: StatusOK, Data: buf[:n]}, nil
}

func (g *gzipReader) SeekTo(offset int64) error {
	if offset < 0 {
		return ErrInvalidSeek
	}
	if offset < g.offset {
		if err := g.f.Close(); err != nil {
			return fmt.Errorf("close gzip partition: %w", err)
		}
		if err := g.open(); err != nil {
			return err
		}
	}
	if err := discard(g, offset-g.offset); err != nil {
		return err
	}
	// A skip that crossed a corrupt member has already been logged.
	g.pendingBad = ""
	return nil
}

func (g *gzipReader) Offset() int64 { return g.offset }

func (g *gzipReader) Close() error {
	return g.f.Close()
}

// fatal reports whether err came from the file system rather than the data.
func fatal(err error) bool {
	var pe *fs.PathError
	return errors.As(err, &pe)
}
