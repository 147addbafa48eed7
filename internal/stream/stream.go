// Package stream presents plain, gzip and bzip2 partition files through one
// block-oriented reader interface.
package stream

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Compression names the physical encoding of a partition file.
type Compression string

const (
	// Plain files are read as-is.
	Plain Compression = "plain"
	// Gzip files may hold several concatenated members.
	Gzip Compression = "gzip"
	// Bzip2 files are read block by block.
	Bzip2 Compression = "bzip2"
)

// ParseCompression maps a configuration value onto a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain", "none", "text":
		return Plain, nil
	case "gzip", "gz":
		return Gzip, nil
	case "bzip2", "bz2":
		return Bzip2, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

// Status tags the outcome of a ReadBlock call.
type Status int

const (
	// StatusOK carries decompressed bytes.
	StatusOK Status = iota
	// StatusBadBlock reports a compressed block that could not be decoded.
	// The reader has already moved past it.
	StatusBadBlock
	// StatusEOF reports that the stream is exhausted.
	StatusEOF
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadBlock:
		return "bad_block"
	case StatusEOF:
		return "eof"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Block is the tagged result of ReadBlock. Data is only set for StatusOK.
type Block struct {
	Status Status
	Data   []byte
	// Detail describes why a block was rejected.
	Detail string
}

// Reader is a forward reader over the decompressed bytes of one partition.
// Errors returned alongside a Block are I/O failures and are fatal for the partition.
type Reader interface {
	// ReadBlock returns up to max decompressed bytes.
	ReadBlock(max int) (Block, error)
	// SeekTo positions the reader at a decompressed offset.
	SeekTo(offset int64) error
	// Offset returns the decompressed offset of the next byte ReadBlock returns.
	Offset() int64
	Close() error
}

// ErrInvalidSeek is returned for negative seek targets.
var ErrInvalidSeek = errors.New("invalid seek offset")

type options struct {
	logger *zap.Logger
}

// Option customizes Open.
type Option func(*options)

// WithLogger sets the logger used for bad-block warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Open opens path with the reader matching c.
func Open(path string, c Compression, opts ...Option) (Reader, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	switch c {
	case Plain, "":
		return openPlain(path)
	case Gzip:
		return openGzip(path, o.logger.Named("gzip"))
	case Bzip2:
		return openBzip2(path, o.logger.Named("bzip2"))
	default:
		return nil, fmt.Errorf("open %s: unsupported compression %q", path, c)
	}
}

// discard reads and drops n decompressed bytes through ReadBlock.
func discard(r Reader, n int64) error {
	for n > 0 {
		want := int64(1 << 20)
		if n < want {
			want = n
		}
		blk, err := r.ReadBlock(int(want))
		if err != nil {
			return err
		}
		switch blk.Status {
		case StatusEOF:
			return nil
		case StatusOK:
			n -= int64(len(blk.Data))
		}
	}
	return nil
}
