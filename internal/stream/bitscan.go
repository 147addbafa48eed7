package stream

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
)

const (
	blockMagic uint64 = 0x314159265359
	eosMagic   uint64 = 0x177245385090
	magicBits         = 48
	magicMask  uint64 = 1<<magicBits - 1
	crcBits           = 32
)

type magicKind int

const (
	kindBlock magicKind = iota + 1
	kindEOS
)

// blockScanner walks the compressed bits of a bzip2 file and cuts it at block
// and end-of-stream magics. Blocks are not byte aligned, so each one is
// re-emitted as a standalone single-block stream that compress/bzip2 can decode.
type blockScanner struct {
	r *bufio.Reader

	buf      []byte // compressed bytes, buf[0] is file byte bufStart
	bufStart int64
	cur      byte
	left     uint
	bitPos   int64
	window   uint64

	segStart int64 // bit offset of the open block magic, -1 when none
	done     bool
}

func newBlockScanner(r io.Reader) *blockScanner {
	return &blockScanner{r: bufio.NewReaderSize(r, 256<<10), segStart: -1}
}

// next returns the next block rebuilt as a standalone stream, or io.EOF.
func (s *blockScanner) next() ([]byte, error) {
	for !s.done {
		at, kind, err := s.findMagic()
		if errors.Is(err, io.EOF) {
			s.done = true
			if s.segStart >= 0 {
				// Truncated file: hand out what is left and let the decoder reject it.
				out := s.rebuild(s.segStart, s.bitPos)
				s.segStart = -1
				return out, nil
			}
			break
		}
		if err != nil {
			return nil, err
		}
		var out []byte
		if s.segStart >= 0 {
			out = s.rebuild(s.segStart, at)
		}
		if kind == kindBlock {
			s.segStart = at
		} else {
			s.segStart = -1
		}
		s.trim(at / 8)
		if out != nil {
			return out, nil
		}
	}
	return nil, io.EOF
}

func (s *blockScanner) findMagic() (int64, magicKind, error) {
	for {
		if s.left == 0 {
			b, err := s.r.ReadByte()
			if err != nil {
				return 0, 0, err
			}
			s.cur = b
			s.left = 8
			s.buf = append(s.buf, b)
		}
		s.left--
		s.window = s.window<<1 | uint64(s.cur>>s.left&1)
		s.bitPos++
		if s.bitPos < magicBits {
			continue
		}
		switch s.window & magicMask {
		case blockMagic:
			return s.bitPos - magicBits, kindBlock, nil
		case eosMagic:
			return s.bitPos - magicBits, kindEOS, nil
		}
	}
}

// trim drops buffered bytes before file byte keep.
func (s *blockScanner) trim(keep int64) {
	drop := keep - s.bufStart
	if drop <= 0 {
		return
	}
	n := copy(s.buf, s.buf[drop:])
	s.buf = s.buf[:n]
	s.bufStart = keep
}

// rebuild frames the block bits [start, end) as "BZh9" + block + end magic +
// stream CRC. A one-block stream's CRC equals the block CRC stored right
// after the block magic.
func (s *blockScanner) rebuild(start, end int64) []byte {
	base := s.bufStart * 8
	w := bitWriter{out: make([]byte, 0, (end-start)/8+16)}
	w.out = append(w.out, 'B', 'Z', 'h', '9')
	w.copyBits(s.buf, start-base, end-start)
	w.writeBits(eosMagic, magicBits)
	if end-start >= magicBits+crcBits {
		w.writeBits(readBits(s.buf, start-base+magicBits, crcBits), crcBits)
	} else {
		w.writeBits(0, crcBits)
	}
	w.flush()
	return w.out
}

func readBits(src []byte, off int64, n uint) uint64 {
	var v uint64
	for i := int64(0); i < int64(n); i++ {
		bit := off + i
		v = v<<1 | uint64(src[bit/8]>>(7-uint(bit%8))&1)
	}
	return v
}

type bitWriter struct {
	out []byte
	acc uint64
	n   uint
}

// writeBits appends the low n bits of v, n <= 56.
func (w *bitWriter) writeBits(v uint64, n uint) {
	w.acc = w.acc<<n | v&(1<<n-1)
	w.n += n
	for w.n >= 8 {
		w.n -= 8
		w.out = append(w.out, byte(w.acc>>w.n))
	}
	w.acc &= 1<<w.n - 1
}

func (w *bitWriter) copyBits(src []byte, off, n int64) {
	for n >= 8 {
		i, sh := off/8, uint(off%8)
		b := src[i] << sh
		if sh > 0 {
			b |= src[i+1] >> (8 - sh)
		}
		w.writeBits(uint64(b), 8)
		off += 8
		n -= 8
	}
	if n > 0 {
		w.writeBits(readBits(src, off, uint(n)), uint(n))
	}
}

func (w *bitWriter) flush() {
	if w.n > 0 {
		w.out = append(w.out, byte(w.acc<<(8-w.n)))
		w.acc, w.n = 0, 0
	}
}

// decodeBlock inflates one rebuilt single-block stream.
func decodeBlock(stream []byte) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bzip2 decoder panic: %v", r)
		}
	}()
	data, err = io.ReadAll(bzip2.NewReader(bytes.NewReader(stream)))
	if err != nil {
		return nil, fmt.Errorf("decode bzip2 block: %w", err)
	}
	return data, nil
}
