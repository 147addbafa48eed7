package bundle

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/archive-bundle-iterator/internal/checkpoint"
	"github.com/JakeFAU/archive-bundle-iterator/internal/stream"
)

// Unknown fills server fields the archive does not carry.
const Unknown = "unknown"

var (
	// ErrConfig marks fatal configuration problems found at construction.
	ErrConfig = errors.New("bundle configuration error")
	// ErrEndOfIterator is returned once every partition has been consumed.
	ErrEndOfIterator = errors.New("end of iterator")
	// ErrSkip tells the iterator to drop the current frame.
	ErrSkip = errors.New("skip record")
)

// IteratorState is the persisted progress of an iterator.
type IteratorState = checkpoint.State

// Record is one normalized document extracted from an archive.
type Record struct {
	URL             string            `json:"url"`
	Page            []byte            `json:"page"`
	IPAddresses     []string          `json:"ip_addresses,omitempty"`
	Timestamp       int64             `json:"timestamp"`
	Modified        int64             `json:"modified,omitempty"`
	HTTPCode        int               `json:"http_code"`
	Type            string            `json:"type"`
	Encoding        string            `json:"encoding,omitempty"`
	Hash            []byte            `json:"hash"`
	Weight          float64           `json:"weight,omitempty"`
	HasWeight       bool              `json:"has_weight"`
	Title           string            `json:"title,omitempty"`
	Server          string            `json:"server"`
	ServerVersion   string            `json:"server_version"`
	OperatingSystem string            `json:"operating_system"`
	Header          string            `json:"header,omitempty"`
	Size            int64             `json:"size"`
	Meta            map[string]string `json:"meta,omitempty"`
}

// SetMeta stores format-specific metadata.
func (r *Record) SetMeta(key, value string) {
	if r.Meta == nil {
		r.Meta = make(map[string]string)
	}
	r.Meta[key] = value
}

// Finalize fills every required field the decoder left empty.
func Finalize(r *Record, h Hasher, now time.Time) {
	if r.Page == nil {
		r.Page = []byte{}
	}
	if len(r.Hash) == 0 {
		r.Hash = h.Sum(r.Page)
	}
	if r.URL == "" {
		r.URL = "record:" + base64.RawURLEncoding.EncodeToString(r.Hash)
	}
	if r.Timestamp == 0 {
		r.Timestamp = now.Unix()
	}
	if r.HTTPCode == 0 {
		r.HTTPCode = 200
	}
	if r.Type == "" {
		r.Type = "text/plain"
	}
	if r.Server == "" {
		r.Server = Unknown
	}
	if r.ServerVersion == "" {
		r.ServerVersion = Unknown
	}
	if r.OperatingSystem == "" {
		r.OperatingSystem = Unknown
	}
	if r.Size == 0 {
		r.Size = int64(len(r.Page))
	}
}

// FormatConfig describes the physical layout of a bundle's partitions.
type FormatConfig struct {
	Compression    stream.Compression
	FileExtension  string
	Encoding       string
	StartDelimiter string
	EndDelimiter   string
	// ArcType names the decoder the sidecar was written for.
	ArcType string
}

// Merge overlays the non-empty fields of o onto c.
func (c FormatConfig) Merge(o FormatConfig) FormatConfig {
	if o.Compression != "" {
		c.Compression = o.Compression
	}
	if o.FileExtension != "" {
		c.FileExtension = o.FileExtension
	}
	if o.Encoding != "" {
		c.Encoding = o.Encoding
	}
	if o.StartDelimiter != "" {
		c.StartDelimiter = o.StartDelimiter
	}
	if o.EndDelimiter != "" {
		c.EndDelimiter = o.EndDelimiter
	}
	if o.ArcType != "" {
		c.ArcType = o.ArcType
	}
	return c
}

// Validate reports configuration errors.
func (c FormatConfig) Validate() error {
	if _, err := stream.ParseCompression(string(c.Compression)); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if c.FileExtension == "" {
		return fmt.Errorf("%w: file_extension is required", ErrConfig)
	}
	if c.StartDelimiter == "" && c.EndDelimiter == "" {
		return fmt.Errorf("%w: start_delimiter or end_delimiter is required", ErrConfig)
	}
	return nil
}

// Phase is the lifecycle stage of an Iterator.
type Phase int

const (
	// PhaseFresh is entered by construction without a checkpoint and by Reset.
	PhaseFresh Phase = iota
	// PhaseIterating follows the first batch.
	PhaseIterating
	// PhaseEndOfIterator follows a partition switch past the last partition.
	PhaseEndOfIterator
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "FRESH"
	case PhaseIterating:
		return "ITERATING"
	case PhaseEndOfIterator:
		return "END_OF_ITERATOR"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}
