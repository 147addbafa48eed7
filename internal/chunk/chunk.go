// Package chunk serves small reads from large, overlapping chunks of a
// decompressed partition stream.
package chunk

import (
	"bytes"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-bundle-iterator/internal/stream"
)

const (
	// DefaultBlockSize is the stride between consecutive chunks.
	DefaultBlockSize = 16_384_000
	// DefaultMaxRecordSize bounds the overlap margin; each chunk carries
	// 2*MaxRecordSize bytes of the next block.
	DefaultMaxRecordSize = 49_152
)

// Options tunes a Buffer.
type Options struct {
	BlockSize     int
	MaxRecordSize int
	Logger        *zap.Logger
	// OnBadBlock is called for every compressed block the stream rejected.
	OnBadBlock func(detail string)
}

// Buffer presents the stream as one continuous byte sequence. Chunk k holds
// stream bytes [k*BlockSize, k*BlockSize+BlockSize+2*MaxRecordSize).
type Buffer struct {
	src        stream.Reader
	blockSize  int
	margin     int
	logger     *zap.Logger
	onBadBlock func(string)

	block  int64
	data   []byte
	pos    int64
	loaded bool
}

// New wraps src. Zero option values fall back to the defaults.
func New(src stream.Reader, opts Options) *Buffer {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.MaxRecordSize <= 0 {
		opts.MaxRecordSize = DefaultMaxRecordSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Buffer{
		src:        src,
		blockSize:  opts.BlockSize,
		margin:     2 * opts.MaxRecordSize,
		logger:     opts.Logger,
		onBadBlock: opts.OnBadBlock,
	}
}

// ChunkLen is the number of bytes a full chunk holds.
func (b *Buffer) ChunkLen() int { return b.blockSize + b.margin }

// BlockSize is the stride between chunks.
func (b *Buffer) BlockSize() int { return b.blockSize }

// Block returns the number of the loaded chunk.
func (b *Buffer) Block() int64 { return b.block }

// Offset returns the stream offset of the next byte a read returns.
func (b *Buffer) Offset() int64 { return b.pos }

func (b *Buffer) start() int64 { return b.block * int64(b.blockSize) }

func (b *Buffer) full() bool { return len(b.data) == b.ChunkLen() }

// Fill loads chunk block. Moving to the block right after the loaded one
// reuses the overlap and reads only BlockSize new bytes; any other block
// seeks the stream.
func (b *Buffer) Fill(block int64) error {
	if block < 0 {
		return fmt.Errorf("fill chunk %d: negative block", block)
	}
	if b.loaded && block == b.block+1 && b.full() {
		n := copy(b.data, b.data[b.blockSize:])
		b.data = b.data[:n]
		more, err := b.readFull(b.blockSize)
		if err != nil {
			return fmt.Errorf("fill chunk %d: %w", block, err)
		}
		b.data = append(b.data, more...)
		b.block = block
		return nil
	}
	if err := b.src.SeekTo(block * int64(b.blockSize)); err != nil {
		return fmt.Errorf("fill chunk %d: %w", block, err)
	}
	data, err := b.readFull(b.ChunkLen())
	if err != nil {
		return fmt.Errorf("fill chunk %d: %w", block, err)
	}
	b.data = data
	b.block = block
	b.loaded = true
	return nil
}

// readFull pulls n bytes from the stream, skipping bad blocks.
func (b *Buffer) readFull(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		blk, err := b.src.ReadBlock(n - len(out))
		if err != nil {
			return out, err
		}
		switch blk.Status {
		case stream.StatusOK:
			out = append(out, blk.Data...)
		case stream.StatusBadBlock:
			b.logger.Warn("bad compressed block skipped",
				zap.Int64("block", b.block),
				zap.String("detail", blk.Detail),
			)
			if b.onBadBlock != nil {
				b.onBadBlock(blk.Detail)
			}
		case stream.StatusEOF:
			return out, nil
		}
	}
	return out, nil
}

// window returns the loaded bytes from pos onward, filling as needed.
// An empty window means end of stream.
func (b *Buffer) window() ([]byte, error) {
	if !b.loaded {
		if err := b.Fill(b.pos / int64(b.blockSize)); err != nil {
			return nil, err
		}
	}
	for b.full() && b.pos >= b.start()+int64(b.blockSize) {
		if err := b.Fill(b.block + 1); err != nil {
			return nil, err
		}
	}
	rel := b.pos - b.start()
	if rel >= int64(len(b.data)) {
		return nil, nil
	}
	return b.data[rel:], nil
}

// ReadExact returns the next n bytes, or fewer at end of stream. It returns
// io.EOF only when no bytes remain. The result may alias the chunk and is
// valid until the next read.
func (b *Buffer) ReadExact(n int) ([]byte, error) {
	var out []byte
	for n > 0 {
		w, err := b.window()
		if err != nil {
			return out, err
		}
		if len(w) == 0 {
			break
		}
		take := min(n, len(w))
		if out == nil && take == n {
			b.pos += int64(take)
			return w[:take], nil
		}
		out = append(out, w[:take]...)
		b.pos += int64(take)
		n -= take
	}
	if len(out) == 0 && n > 0 {
		return nil, io.EOF
	}
	return out, nil
}

// ReadLine returns bytes through the next '\n'. The final line may lack the
// newline; io.EOF is returned once nothing remains.
func (b *Buffer) ReadLine() ([]byte, error) {
	var out []byte
	for {
		w, err := b.window()
		if err != nil {
			return out, err
		}
		if len(w) == 0 {
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}
		if i := bytes.IndexByte(w, '\n'); i >= 0 {
			out = append(out, w[:i+1]...)
			b.pos += int64(i + 1)
			return out, nil
		}
		out = append(out, w...)
		b.pos += int64(len(w))
	}
}

// Seek positions the buffer at stream offset off. Offsets inside the loaded
// chunk are served without touching the stream.
func (b *Buffer) Seek(off int64) error {
	if off < 0 {
		return fmt.Errorf("seek chunk buffer: negative offset %d", off)
	}
	if b.loaded && off >= b.start() && off < b.start()+int64(len(b.data)) {
		b.pos = off
		return nil
	}
	if err := b.Fill(off / int64(b.blockSize)); err != nil {
		return err
	}
	b.pos = off
	return nil
}
