// Package charset detects page encodings and converts pages to UTF-8.
package charset

import (
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/htmlindex"
)

// UTF8 is the canonical name used for UTF-8 pages.
const UTF8 = "UTF-8"

// FromContentType returns the charset parameter of a Content-Type value.
func FromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		if i := strings.Index(strings.ToLower(contentType), "charset="); i >= 0 {
			return strings.Trim(contentType[i+len("charset="):], `"' ;`)
		}
		return ""
	}
	return params["charset"]
}

// Canonical returns the WHATWG name for label, or "" when it is unknown.
func Canonical(label string) string {
	if label == "" {
		return ""
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return ""
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return ""
	}
	if strings.EqualFold(name, "utf-8") {
		return UTF8
	}
	return name
}

// Detect picks the encoding of page. A recognized declared label wins;
// otherwise valid UTF-8 is reported as UTF-8 and anything else is guessed.
func Detect(page []byte, declared string) string {
	if name := Canonical(declared); name != "" {
		return name
	}
	if utf8.Valid(page) {
		return UTF8
	}
	res, err := chardet.NewTextDetector().DetectBest(page)
	if err != nil || res == nil {
		return ""
	}
	return Canonical(res.Charset)
}

// ToUTF8 converts page from the named encoding to UTF-8.
func ToUTF8(page []byte, name string) ([]byte, error) {
	if name == "" || strings.EqualFold(name, UTF8) {
		return page, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", name, err)
	}
	out, err := enc.NewDecoder().Bytes(page)
	if err != nil {
		return nil, fmt.Errorf("decode %s page: %w", name, err)
	}
	return out, nil
}
