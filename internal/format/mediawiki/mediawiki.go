// Package mediawiki decodes MediaWiki XML dumps. The <siteinfo> block at the
// head of every dump file supplies the site name, base address and language;
// each <page> becomes one HTML record built from its latest revision.
package mediawiki

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/charset"
	"github.com/JakeFAU/archive-bundle-iterator/internal/stream"
)

// Name is the registry name of the format.
const Name = "mediawiki"

// Header and Meta keys.
const (
	KeySiteName    = "sitename"
	KeyBaseAddress = "base_address"
	KeyLang        = "lang"
	KeyIPAddress   = "ip_address"
)

// Extractor is stored in Record.Header for every page.
const Extractor = "mediawiki extractor"

var langAttr = regexp.MustCompile(`xml:lang="(.*?)"`)

// Resolver maps a URL to the IP address of its host.
type Resolver interface {
	ResolveURL(ctx context.Context, rawURL string) string
}

// Decoder frames and decodes MediaWiki pages.
type Decoder struct {
	bundle.Base
	resolver Resolver
	logger   *zap.Logger

	pending       *bundle.Frame
	siteInfoCalls int
}

// New returns a MediaWiki decoder. resolver may be nil, leaving records
// without an IP address.
func New(resolver Resolver, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{resolver: resolver, logger: logger.Named("mediawiki")}
}

// Name implements bundle.Decoder.
func (d *Decoder) Name() string { return Name }

// Defaults implements bundle.Decoder.
func (d *Decoder) Defaults() bundle.FormatConfig {
	return bundle.FormatConfig{
		Compression:    stream.Bzip2,
		FileExtension:  "xml.bz2",
		Encoding:       charset.UTF8,
		StartDelimiter: "<page",
		EndDelimiter:   "</page>",
	}
}

// SiteInfoCalls counts how many <siteinfo> blocks have been read.
func (d *Decoder) SiteInfoCalls() int { return d.siteInfoCalls }

// OnPartitionSwitch reads the dump's <siteinfo> block into the header.
func (d *Decoder) OnPartitionSwitch(ctx context.Context, src bundle.Source) error {
	d.SetHeader(nil)
	d.pending = nil
	raw, tag, err := src.NextTagged("siteinfo", "page")
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read siteinfo: %w", err)
	}
	if tag == "page" {
		d.logger.Warn("dump has no siteinfo before its first page")
		d.pending = &bundle.Frame{Raw: raw, Tag: tag}
		return nil
	}
	d.siteInfoCalls++
	if m := langAttr.FindSubmatch(src.Preamble()); m != nil {
		d.SetHeaderValue(KeyLang, string(m[1]))
	}
	doc, err := xmlquery.Parse(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse siteinfo: %w", err)
	}
	d.SetHeaderValue(KeySiteName, text(doc, "/siteinfo/sitename"))
	base := text(doc, "/siteinfo/base")
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[:i+1]
	}
	d.SetHeaderValue(KeyBaseAddress, base)
	if d.resolver != nil && base != "" {
		if ip := d.resolver.ResolveURL(ctx, base); ip != "" {
			d.SetHeaderValue(KeyIPAddress, ip)
		}
	}
	d.logger.Debug("siteinfo read",
		zap.String("sitename", d.HeaderValue(KeySiteName)),
		zap.String("base", base),
	)
	return nil
}

// Next returns the next <page> element.
func (d *Decoder) Next(src bundle.Source) (bundle.Frame, error) {
	if f := d.pending; f != nil {
		d.pending = nil
		return *f, nil
	}
	raw, tag, err := src.NextTagged("page")
	if err != nil {
		return bundle.Frame{}, err
	}
	return bundle.Frame{Raw: raw, Tag: tag}, nil
}

// Decode renders the page's latest revision as HTML.
func (d *Decoder) Decode(f bundle.Frame) (bundle.Record, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(f.Raw))
	if err != nil {
		return bundle.Record{}, fmt.Errorf("parse page: %w", err)
	}
	title := strings.TrimSpace(text(doc, "/page/title"))
	if title == "" {
		return bundle.Record{}, bundle.ErrSkip
	}
	lang := d.HeaderValue(KeyLang)
	body := ToHTML(text(doc, "/page/revision/text"), d.HeaderValue(KeyBaseAddress))

	var page strings.Builder
	page.WriteString("<html")
	if lang != "" {
		fmt.Fprintf(&page, ` lang="%s"`, html.EscapeString(lang))
	}
	esc := html.EscapeString(title)
	fmt.Fprintf(&page, "><head><title>%s</title></head>\n<body><h1>%s</h1>\n", esc, esc)
	page.WriteString(body)
	page.WriteString("\n</body></html>")

	r := bundle.Record{
		URL:      d.HeaderValue(KeyBaseAddress) + strings.ReplaceAll(title, " ", "_"),
		Page:     []byte(page.String()),
		Type:     "text/html",
		Encoding: charset.UTF8,
		Title:    title,
		Header:   Extractor,
	}
	if ts := text(doc, "/page/revision/timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(ts)); err == nil {
			r.Timestamp = t.Unix()
			r.Modified = r.Timestamp
		}
	}
	if ip := d.HeaderValue(KeyIPAddress); ip != "" {
		r.IPAddresses = []string{ip}
	}
	if v := d.HeaderValue(KeySiteName); v != "" {
		r.SetMeta(KeySiteName, v)
	}
	if lang != "" {
		r.SetMeta(KeyLang, lang)
	}
	return r, nil
}

// Weight grows with the logarithm of the page size.
func (d *Decoder) Weight(r *bundle.Record) (float64, bool) {
	return math.Ceil(math.Max(math.Log2(float64(len(r.Page)+1))-10, 1)), true
}

func text(doc *xmlquery.Node, path string) string {
	n := xmlquery.FindOne(doc, path)
	if n == nil {
		return ""
	}
	return n.InnerText()
}
