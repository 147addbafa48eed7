package stream

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// bzip2Reader yields the decompressed bytes of a bzip2 file one block at a
// time. It only reads forward; SeekTo replays from the start of the file.
type bzip2Reader struct {
	path   string
	logger *zap.Logger

	f          *os.File
	scan       *blockScanner
	pending    []byte
	pendingBad string
	offset     int64
	eof        bool
}

func openBzip2(path string, logger *zap.Logger) (*bzip2Reader, error) {
	b := &bzip2Reader{path: path, logger: logger}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *bzip2Reader) open() error {
	f, err := os.Open(b.path)
	if err != nil {
		return fmt.Errorf("open bzip2 partition: %w", err)
	}
	var hdr [4]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("read bzip2 header: %w", err)
	}
	if hdr[0] != 'B' || hdr[1] != 'Z' || hdr[2] != 'h' || hdr[3] < '1' || hdr[3] > '9' {
		_ = f.Close()
		return fmt.Errorf("open bzip2 partition %s: bad magic %q", b.path, hdr[:])
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("rewind bzip2 partition: %w", err)
	}
	b.f = f
	b.scan = newBlockScanner(f)
	b.pending = nil
	b.pendingBad = ""
	b.offset = 0
	b.eof = false
	return nil
}

func (b *bzip2Reader) ReadBlock(max int) (Block, error) {
	if b.pendingBad != "" {
		detail := b.pendingBad
		b.pendingBad = ""
		return Block{Status: StatusBadBlock, Detail: detail}, nil
	}
	if max <= 0 {
		return Block{Status: StatusOK}, nil
	}
	out := make([]byte, 0, max)
	for len(out) < max {
		if len(b.pending) == 0 {
			if b.eof {
				break
			}
			framed, err := b.scan.next()
			if errors.Is(err, io.EOF) {
				b.eof = true
				break
			}
			if err != nil {
				return Block{}, fmt.Errorf("read bzip2 partition: %w", err)
			}
			data, err := decodeBlock(framed)
			if err != nil {
				b.logger.Warn("skipping bad bzip2 block",
					zap.String("path", b.path),
					zap.Int64("offset", b.offset),
					zap.Error(err),
				)
				if len(out) > 0 {
					b.pendingBad = err.Error()
					break
				}
				return Block{Status: StatusBadBlock, Detail: err.Error()}, nil
			}
			b.pending = data
		}
		n := copy(out[len(out):max], b.pending)
		out = out[:len(out)+n]
		b.pending = b.pending[n:]
		b.offset += int64(n)
	}
	if len(out) == 0 {
		return Block{Status: StatusEOF}, nil
	}
	return Block{Status: StatusOK, Data: out}, nil
}

func (b *bzip2Reader) SeekTo(offset int64) error {
	if offset < 0 {
		return ErrInvalidSeek
	}
	if offset < b.offset {
		if err := b.f.Close(); err != nil {
			return fmt.Errorf("close bzip2 partition: %w", err)
		}
		if err := b.open(); err != nil {
			return err
		}
	}
	if err := discard(b, offset-b.offset); err != nil {
		return err
	}
	b.pendingBad = ""
	return nil
}

func (b *bzip2Reader) Offset() int64 { return b.offset }

func (b *bzip2Reader) Close() error {
	return b.f.Close()
}
