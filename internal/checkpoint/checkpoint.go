// Package checkpoint persists iterator progress so an interrupted iteration
// resumes where the last batch ended.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v4"
)

// FileName is the checkpoint file written inside the result directory.
const FileName = "iterate_status.txt"

var (
	// ErrNotFound means no checkpoint has been saved.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt means a checkpoint exists but cannot be decoded.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// State holds the primitive coordinates needed to resume an iteration.
type State struct {
	Partition     int               `json:"current_partition_num"`
	Offset        int64             `json:"current_offset"`
	BlockNumber   int64             `json:"buffer_block_num"`
	Remainder     []byte            `json:"remainder,omitempty"`
	Header        map[string]string `json:"header,omitempty"`
	EndOfIterator bool              `json:"end_of_iterator"`
	Started       bool              `json:"started"`
	Emitted       int64             `json:"emitted"`
	Truncated     int64             `json:"truncated"`
	BadBlocks     int64             `json:"bad_blocks"`
}

// Store saves and restores a State.
type Store interface {
	Save(ctx context.Context, st State) error
	Load(ctx context.Context) (State, error)
	Clear(ctx context.Context) error
}

const (
	signature  = "abiter"
	version    = 1
	prefixLen  = 16
	cksumLen   = 8
	flagLZ4    = 1 << 0
	flagCksum  = 1 << 1
	headerSize = prefixLen + cksumLen
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode serializes st as signature, flags, xxhash64 of the payload and the
// JSON payload, lz4 compressed when compress is set.
func Encode(st State, compress bool) ([]byte, error) {
	payload, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	var flags uint64 = flagCksum
	if compress {
		var zbuf bytes.Buffer
		zw := lz4.NewWriter(&zbuf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("compress checkpoint: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress checkpoint: %w", err)
		}
		payload = zbuf.Bytes()
		flags |= flagLZ4
	}
	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out, signature)
	out[len(signature)] = version
	binary.BigEndian.PutUint64(out[8:prefixLen], flags)
	binary.BigEndian.PutUint64(out[prefixLen:headerSize], xxhash.Sum64(payload))
	return append(out, payload...), nil
}

// Decode reverses Encode. Every failure wraps ErrCorrupt.
func Decode(data []byte) (State, error) {
	var st State
	if len(data) < headerSize {
		return st, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(data))
	}
	if string(data[:len(signature)]) != signature {
		return st, fmt.Errorf("%w: bad signature %q", ErrCorrupt, data[:len(signature)])
	}
	if v := data[len(signature)]; v != version {
		return st, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	flags := binary.BigEndian.Uint64(data[8:prefixLen])
	payload := data[headerSize:]
	if flags&flagCksum != 0 {
		want := binary.BigEndian.Uint64(data[prefixLen:headerSize])
		if got := xxhash.Sum64(payload); got != want {
			return st, fmt.Errorf("%w: checksum mismatch (want %x, got %x)", ErrCorrupt, want, got)
		}
	}
	if flags&flagLZ4 != 0 {
		raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return st, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
		}
		payload = raw
	}
	if err := json.Unmarshal(payload, &st); err != nil {
		return st, fmt.Errorf("%w: unmarshal: %v", ErrCorrupt, err)
	}
	return st, nil
}
