package bundle

import (
	"context"
	"time"
)

// Hasher computes record content hashes.
type Hasher interface {
	Sum(data []byte) []byte
}

// Clock provides the capture time for records that carry none.
type Clock interface {
	Now() time.Time
}

// Heartbeat is told about long-running scans and block skips.
type Heartbeat interface {
	Beat(stage string)
}

// HeartbeatFunc adapts a function to Heartbeat.
type HeartbeatFunc func(stage string)

// Beat calls f.
func (f HeartbeatFunc) Beat(stage string) { f(stage) }

// Source is the byte-level view of the current partition handed to decoders.
type Source interface {
	NextRecord() ([]byte, error)
	NextTagged(tags ...string) ([]byte, string, error)
	Preamble() []byte
	ReadLine() ([]byte, error)
	ReadExact(n int) ([]byte, error)
	Offset() int64
	// Truncate counts a record the decoder dropped because it was cut short.
	Truncate()
}

// Frame is one framed record before decoding.
type Frame struct {
	Raw []byte
	// Body is the payload when the framer separated it from its header.
	Body   []byte
	Tag    string
	Fields map[string]string
}

// Decoder frames and decodes one archive format.
type Decoder interface {
	// Name is the registry name of the format.
	Name() string
	// Defaults returns the format's layout before sidecar overrides.
	Defaults() FormatConfig
	// Configure receives the final layout.
	Configure(cfg FormatConfig) error
	// Next frames the next indexable record; io.EOF ends the partition.
	Next(src Source) (Frame, error)
	// Decode turns a frame into a Record; ErrSkip drops it.
	Decode(f Frame) (Record, error)
	// Weight scores a record; false means the caller's default applies.
	Weight(r *Record) (float64, bool)
	// OnPartitionSwitch runs when a partition is opened at its start.
	OnPartitionSwitch(ctx context.Context, src Source) error
	// Header exposes per-partition context for checkpoints.
	Header() map[string]string
	SetHeader(h map[string]string)
}

// Base gives decoders no-op partition switching, no weight and a header map.
type Base struct {
	Config FormatConfig
	header map[string]string
}

// Configure stores cfg.
func (b *Base) Configure(cfg FormatConfig) error {
	b.Config = cfg
	return nil
}

// Weight reports no format weight.
func (b *Base) Weight(*Record) (float64, bool) { return 0, false }

// OnPartitionSwitch does nothing.
func (b *Base) OnPartitionSwitch(context.Context, Source) error { return nil }

// Header returns the header context.
func (b *Base) Header() map[string]string { return b.header }

// SetHeader replaces the header context.
func (b *Base) SetHeader(h map[string]string) { b.header = h }

// HeaderValue reads one header entry.
func (b *Base) HeaderValue(key string) string { return b.header[key] }

// SetHeaderValue writes one header entry.
func (b *Base) SetHeaderValue(key, value string) {
	if b.header == nil {
		b.header = make(map[string]string)
	}
	b.header[key] = value
}
