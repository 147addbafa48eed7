// Package warc decodes WARC files, keeping the response and resource
// records an index can use.
package warc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/format/httpresp"
	"github.com/JakeFAU/archive-bundle-iterator/internal/stream"
)

// Name is the registry name of the format.
const Name = "warc"

// Meta keys set on decoded records.
const (
	MetaRecordID = "warc_record_id"
	MetaType     = "warc_type"
)

var indexable = map[string]bool{
	"response": true,
	"resource": true,
}

// Decoder frames and decodes WARC records.
type Decoder struct {
	bundle.Base
	logger *zap.Logger
}

// New returns a WARC decoder.
func New(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{logger: logger.Named("warc")}
}

// Name implements bundle.Decoder.
func (d *Decoder) Name() string { return Name }

// Defaults implements bundle.Decoder.
func (d *Decoder) Defaults() bundle.FormatConfig {
	return bundle.FormatConfig{
		Compression:    stream.Gzip,
		FileExtension:  "warc.gz",
		StartDelimiter: `/WARC\//`,
	}
}

// Next returns the next indexable record. Other record types and dns:
// targets are read past here, so raw batches skip them too.
func (d *Decoder) Next(src bundle.Source) (bundle.Frame, error) {
	for {
		f, err := d.read(src)
		if err != nil {
			return bundle.Frame{}, err
		}
		typ := strings.ToLower(f.Fields["warc-type"])
		if !indexable[typ] || strings.HasPrefix(f.Fields["warc-target-uri"], "dns:") {
			continue
		}
		return f, nil
	}
}

// read frames one record: version line, header block, payload.
func (d *Decoder) read(src bundle.Source) (bundle.Frame, error) {
	var version []byte
	for {
		line, err := src.ReadLine()
		if err != nil {
			return bundle.Frame{}, err
		}
		if bytes.HasPrefix(line, []byte("WARC/")) {
			version = line
			break
		}
	}

	var head bytes.Buffer
	for {
		line, err := src.ReadLine()
		if errors.Is(err, io.EOF) {
			d.logger.Debug("record header cut off at end of partition")
			return bundle.Frame{}, io.EOF
		}
		if err != nil {
			return bundle.Frame{}, err
		}
		head.Write(line)
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			break
		}
	}
	mh, err := textproto.NewReader(bufio.NewReader(bytes.NewReader(head.Bytes()))).ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return bundle.Frame{}, fmt.Errorf("parse warc header: %w", err)
	}
	fields := make(map[string]string, len(mh))
	for k, v := range mh {
		if len(v) > 0 {
			fields[strings.ToLower(k)] = strings.TrimSpace(v[0])
		}
	}

	var payload []byte
	if n, err := strconv.Atoi(fields["content-length"]); err == nil && n > 0 {
		payload, err = src.ReadExact(n)
		if err != nil && !errors.Is(err, io.EOF) {
			return bundle.Frame{}, err
		}
		if len(payload) < n {
			src.Truncate()
			d.logger.Debug("record payload cut off at end of partition",
				zap.String("url", fields["warc-target-uri"]),
				zap.Int("want", n),
				zap.Int("got", len(payload)),
			)
			return bundle.Frame{}, io.EOF
		}
	}
	raw := make([]byte, 0, len(version)+head.Len()+len(payload))
	raw = append(append(append(raw, version...), head.Bytes()...), payload...)
	return bundle.Frame{Raw: raw, Body: payload, Fields: fields}, nil
}

// Decode maps the WARC header fields and the HTTP response onto a record.
func (d *Decoder) Decode(f bundle.Frame) (bundle.Record, error) {
	r := bundle.Record{URL: f.Fields["warc-target-uri"]}
	if r.URL == "" {
		return r, bundle.ErrSkip
	}
	if ts, ok := f.Fields["warc-date"]; ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			r.Timestamp = t.Unix()
		}
	}
	if ip := f.Fields["warc-ip-address"]; ip != "" {
		r.IPAddresses = []string{ip}
	}
	if n, err := strconv.ParseInt(f.Fields["content-length"], 10, 64); err == nil {
		r.Size = n
	}
	id := f.Fields["warc-record-id"]
	if id == "" {
		id = f.Fields["warc-trec-id"]
	}
	if id != "" {
		r.SetMeta(MetaRecordID, id)
	}
	r.SetMeta(MetaType, strings.ToLower(f.Fields["warc-type"]))

	if !httpresp.Apply(&r, f.Body) {
		r.Page = f.Body
		if ct := f.Fields["content-type"]; ct != "" && !strings.HasPrefix(ct, "application/http") {
			r.Type, _, _ = strings.Cut(ct, ";")
			r.Type = strings.TrimSpace(r.Type)
		}
	}
	return r, nil
}
