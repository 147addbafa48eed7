// Package odp decodes Open Directory Project RDF dumps. Topic elements
// become category pages listing their subtopics and links; ExternalPage
// elements become pages describing one listed site.
package odp

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/charset"
	"github.com/JakeFAU/archive-bundle-iterator/internal/stream"
)

// Name is the registry name of the format.
const Name = "odp"

// DefaultBase prefixes topic paths to build category URLs.
const DefaultBase = "http://dmoz.org/"

// Meta keys set on decoded records.
const (
	MetaTopic = "odp_topic"
	MetaTag   = "odp_tag"
)

const maxWeight = 15

var (
	tags       = []string{"Topic", "ExternalPage"}
	unprefixer = strings.NewReplacer(
		"r:id=", "id=",
		"r:resource=", "resource=",
		"d:Title", "title",
		"d:Description", "description",
	)
)

// Decoder frames and decodes ODP elements.
type Decoder struct {
	bundle.Base
	base string
}

// New returns an ODP decoder whose category URLs live under base, or under
// DefaultBase when base is empty.
func New(base string) *Decoder {
	if base == "" {
		base = DefaultBase
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &Decoder{base: base}
}

// Name implements bundle.Decoder.
func (d *Decoder) Name() string { return Name }

// Defaults implements bundle.Decoder.
func (d *Decoder) Defaults() bundle.FormatConfig {
	return bundle.FormatConfig{
		Compression:    stream.Gzip,
		FileExtension:  "rdf.u8.gz",
		Encoding:       charset.UTF8,
		StartDelimiter: "<Topic|<ExternalPage",
	}
}

// Next returns the next Topic or ExternalPage element.
func (d *Decoder) Next(src bundle.Source) (bundle.Frame, error) {
	raw, tag, err := src.NextTagged(tags...)
	if err != nil {
		return bundle.Frame{}, err
	}
	return bundle.Frame{Raw: raw, Tag: tag}, nil
}

// Decode builds the synthetic HTML page for one element.
func (d *Decoder) Decode(f bundle.Frame) (bundle.Record, error) {
	doc, err := xmlquery.Parse(bytes.NewReader([]byte(unprefixer.Replace(string(f.Raw)))))
	if err != nil {
		return bundle.Record{}, fmt.Errorf("parse %s: %w", f.Tag, err)
	}
	switch f.Tag {
	case "Topic":
		return d.topic(doc)
	case "ExternalPage":
		return d.externalPage(doc)
	}
	return bundle.Record{}, bundle.ErrSkip
}

func (d *Decoder) topic(doc *xmlquery.Node) (bundle.Record, error) {
	node := xmlquery.FindOne(doc, "/Topic")
	if node == nil {
		return bundle.Record{}, bundle.ErrSkip
	}
	id := strings.TrimSpace(node.SelectAttr("id"))
	path := strings.Trim(id, "/")
	if path == "" {
		return bundle.Record{}, bundle.ErrSkip
	}
	title := textOf(doc, "/Topic/title")
	if title == "" {
		title = path
	}

	var page strings.Builder
	d.open(&page, title)
	var narrow, links []string
	for _, n := range xmlquery.Find(doc, "/Topic/*") {
		res := strings.TrimSpace(n.SelectAttr("resource"))
		if res == "" {
			continue
		}
		switch {
		case strings.HasPrefix(n.Data, "narrow"), strings.HasPrefix(n.Data, "symbolic"):
			narrow = append(narrow, res)
		case strings.HasPrefix(n.Data, "link"):
			links = append(links, res)
		}
	}
	if len(narrow) > 0 {
		page.WriteString("<h2>Subcategories</h2>\n<ul>\n")
		for _, res := range narrow {
			res = strings.Trim(res, "/")
			fmt.Fprintf(&page, "<li><a href=\"%s\">%s</a></li>\n", html.EscapeString(d.topicURL(res)), html.EscapeString(res))
		}
		page.WriteString("</ul>\n")
	}
	if len(links) > 0 {
		page.WriteString("<h2>Sites</h2>\n<ul>\n")
		for _, res := range links {
			esc := html.EscapeString(res)
			fmt.Fprintf(&page, "<li><a href=\"%s\">%s</a></li>\n", esc, esc)
		}
		page.WriteString("</ul>\n")
	}
	page.WriteString("</body></html>")

	r := d.record(d.topicURL(path), title, page.String())
	r.SetMeta(MetaTopic, id)
	r.SetMeta(MetaTag, "Topic")
	return r, nil
}

func (d *Decoder) externalPage(doc *xmlquery.Node) (bundle.Record, error) {
	node := xmlquery.FindOne(doc, "/ExternalPage")
	if node == nil {
		return bundle.Record{}, bundle.ErrSkip
	}
	url := strings.TrimSpace(node.SelectAttr("about"))
	if url == "" {
		return bundle.Record{}, bundle.ErrSkip
	}
	title := textOf(doc, "/ExternalPage/title")
	if title == "" {
		title = url
	}
	desc := textOf(doc, "/ExternalPage/description")
	topic := textOf(doc, "/ExternalPage/topic")

	var page strings.Builder
	d.open(&page, title)
	if desc != "" {
		fmt.Fprintf(&page, "<p>%s</p>\n", html.EscapeString(desc))
	}
	if topic != "" {
		path := strings.Trim(topic, "/")
		fmt.Fprintf(&page, "<p><a href=\"%s\">%s</a></p>\n", html.EscapeString(d.topicURL(path)), html.EscapeString(path))
	}
	page.WriteString("</body></html>")

	r := d.record(url, title, page.String())
	if topic != "" {
		r.SetMeta(MetaTopic, topic)
	}
	r.SetMeta(MetaTag, "ExternalPage")
	return r, nil
}

func (d *Decoder) open(page *strings.Builder, title string) {
	esc := html.EscapeString(title)
	fmt.Fprintf(page, "<html><head><title>%s</title></head>\n<body><h1>%s</h1>\n", esc, esc)
}

func (d *Decoder) record(url, title, page string) bundle.Record {
	return bundle.Record{
		URL:      url,
		Page:     []byte(page),
		Title:    title,
		Type:     "text/html",
		Encoding: charset.UTF8,
	}
}

func (d *Decoder) topicURL(id string) string {
	return d.base + id + "/"
}

// Weight favors broad categories: each level of topic depth costs one point.
func (d *Decoder) Weight(r *bundle.Record) (float64, bool) {
	topic, ok := r.Meta[MetaTopic]
	if !ok {
		return 0, false
	}
	return TopicWeight(topic), true
}

// TopicWeight is max(15 - depth, 1), depth being the number of '/' in the
// topic path.
func TopicWeight(topic string) float64 {
	return float64(max(maxWeight-strings.Count(topic, "/"), 1))
}

func textOf(doc *xmlquery.Node, path string) string {
	n := xmlquery.FindOne(doc, path)
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.InnerText())
}
