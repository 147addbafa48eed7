package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
)

type plainReader struct {
	f      *os.File
	offset int64
}

func openPlain(path string) (*plainReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plain partition: %w", err)
	}
	return &plainReader{f: f}, nil
}

func (p *plainReader) ReadBlock(max int) (Block, error) {
	if max <= 0 {
		return Block{Status: StatusOK}, nil
	}
	buf := make([]byte, max)
	n, err := io.ReadFull(p.f, buf)
	p.offset += int64(n)
	switch {
	case errors.Is(err, io.EOF):
		return Block{Status: StatusEOF}, nil
	case errors.Is(err, io.ErrUnexpectedEOF), err == nil:
		return Block{Status: StatusOK, Data: buf[:n]}, nil
	default:
		return Block{}, fmt.Errorf("read plain partition: %w", err)
	}
}

func (p *plainReader) SeekTo(offset int64) error {
	if offset < 0 {
		return ErrInvalidSeek
	}
	if _, err := p.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek plain partition: %w", err)
	}
	p.offset = offset
	return nil
}

func (p *plainReader) Offset() int64 { return p.offset }

func (p *plainReader) Close() error {
	return p.f.Close()
}
