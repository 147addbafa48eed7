// Package arc decodes Internet Archive ARC files. Each record is a header
// line "url ip timestamp type length" followed by length bytes of payload,
// usually a full HTTP response.
package arc

import (
	"bytes"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/format/httpresp"
	"github.com/JakeFAU/archive-bundle-iterator/internal/scan"
	"github.com/JakeFAU/archive-bundle-iterator/internal/stream"
)

// Name is the registry name of the format.
const Name = "arc"

// Decoder frames and decodes ARC records.
type Decoder struct {
	bundle.Base
	skip   *regexp.Regexp
	logger *zap.Logger
}

// New returns an ARC decoder.
func New(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger.Named("arc")}
}

// Name implements bundle.Decoder.
func (d *Decoder) Name() string { return Name }

// Defaults implements bundle.Decoder.
func (d *Decoder) Defaults() bundle.FormatConfig {
	return bundle.FormatConfig{
		Compression:    stream.Gzip,
		FileExtension:  "arc.gz",
		StartDelimiter: "/dns|filedesc/",
	}
}

// Configure compiles the start delimiter, which marks pseudo-records.
func (d *Decoder) Configure(cfg bundle.FormatConfig) error {
	re, err := scan.Compile(cfg.StartDelimiter)
	if err != nil {
		return err
	}
	d.skip = re
	return d.Base.Configure(cfg)
}

// Next reads one header line and its payload. dns: and filedesc:
// pseudo-records are consumed and passed over here so raw batches never
// contain them.
func (d *Decoder) Next(src bundle.Source) (bundle.Frame, error) {
	for {
		line, err := src.ReadLine()
		if err != nil {
			return bundle.Frame{}, err
		}
		fields := strings.Fields(string(line))
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 5 {
			d.logger.Debug("ignoring malformed header line", zap.Int64("offset", src.Offset()), zap.Int("fields", len(fields)))
			continue
		}
		length, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil || length < 0 {
			d.logger.Debug("ignoring header line with bad length", zap.String("length", fields[len(fields)-1]))
			continue
		}
		body, err := src.ReadExact(length + 1)
		if err != nil && !errors.Is(err, io.EOF) {
			return bundle.Frame{}, err
		}
		if d.pseudo(fields[0]) {
			continue
		}
		raw := make([]byte, 0, len(line)+len(body))
		raw = append(append(raw, line...), body...)
		return bundle.Frame{
			Raw:  raw,
			Body: body,
			Fields: map[string]string{
				"url":       fields[0],
				"ip":        fields[1],
				"timestamp": fields[2],
				"type":      fields[3],
				"length":    fields[len(fields)-1],
			},
		}, nil
	}
}

func (d *Decoder) pseudo(url string) bool {
	if d.skip == nil {
		return false
	}
	loc := d.skip.FindStringIndex(url)
	return loc != nil && loc[0] == 0
}

// Decode builds a record from the header fields and the HTTP response.
func (d *Decoder) Decode(f bundle.Frame) (bundle.Record, error) {
	r := bundle.Record{
		URL:  f.Fields["url"],
		Type: f.Fields["type"],
	}
	if ip := f.Fields["ip"]; ip != "" && ip != "-" {
		r.IPAddresses = []string{ip}
	}
	if ts, ok := httpresp.ParseTimestamp(f.Fields["timestamp"]); ok {
		r.Timestamp = ts.Unix()
	}
	if n, err := strconv.ParseInt(f.Fields["length"], 10, 64); err == nil {
		r.Size = n
	}
	payload := bytes.TrimLeft(f.Body, "\r\n")
	if !httpresp.Apply(&r, payload) {
		r.Page = payload
	}
	r.Page = bytes.TrimSuffix(r.Page, []byte("\n"))
	if r.Type == "" || r.Type == "-" {
		r.Type = "text/plain"
	}
	return r, nil
}
