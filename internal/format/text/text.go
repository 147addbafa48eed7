// Package text decodes bundles of delimited plain-text records. The layout
// comes entirely from the bundle's arc_description.ini.
package text

import (
	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
)

// Name is the registry name of the format.
const Name = "text"

// Decoder emits every delimited record as one text/plain page.
type Decoder struct {
	bundle.Base
}

// New returns a text decoder.
func New() *Decoder { return &Decoder{} }

// Name implements bundle.Decoder.
func (d *Decoder) Name() string { return Name }

// Defaults is empty: the sidecar must name extension and delimiters.
func (d *Decoder) Defaults() bundle.FormatConfig { return bundle.FormatConfig{} }

// Next returns the next delimited record.
func (d *Decoder) Next(src bundle.Source) (bundle.Frame, error) {
	rec, err := src.NextRecord()
	if err != nil {
		return bundle.Frame{}, err
	}
	return bundle.Frame{Raw: rec, Body: rec}, nil
}

// Decode wraps the record bytes.
func (d *Decoder) Decode(f bundle.Frame) (bundle.Record, error) {
	return bundle.Record{
		Page:     f.Body,
		Type:     "text/plain",
		Encoding: d.Config.Encoding,
	}, nil
}
