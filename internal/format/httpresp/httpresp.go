// Package httpresp splits archived HTTP responses into header fields and body.
package httpresp

import (
	"bufio"
	"bytes"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/charset"
)

// Looks reports whether payload starts with an HTTP status line.
func Looks(payload []byte) bool {
	return bytes.HasPrefix(payload, []byte("HTTP/"))
}

// Apply parses payload as an HTTP response and fills the matching fields of
// r. It reports false, leaving r untouched, when payload is not a response.
func Apply(r *bundle.Record, payload []byte) bool {
	if !Looks(payload) {
		return false
	}
	end, sepLen := headerEnd(payload)
	if end < 0 {
		return false
	}
	head := payload[:end+sepLen]
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), nil)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()

	r.Header = string(bytes.TrimRight(payload[:end], "\r\n"))
	r.Page = payload[end+sepLen:]
	r.HTTPCode = resp.StatusCode
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			r.Type = mt
		}
		if cs := charset.FromContentType(ct); cs != "" {
			r.Encoding = cs
		}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			r.Modified = t.Unix()
		}
	}
	if srv := resp.Header.Get("Server"); srv != "" {
		r.Server, r.ServerVersion, r.OperatingSystem = ParseServer(srv)
	}
	return true
}

func headerEnd(b []byte) (int, int) {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	case lf >= 0:
		return lf, 2
	}
	return -1, 0
}

// ParseServer splits a Server header such as "Apache/2.2.3 (CentOS)" into
// product, version and operating system. Missing parts are bundle.Unknown.
func ParseServer(v string) (string, string, string) {
	name, version, osName := bundle.Unknown, bundle.Unknown, bundle.Unknown
	v = strings.TrimSpace(v)
	if v == "" {
		return name, version, osName
	}
	if open := strings.IndexByte(v, '('); open >= 0 {
		if end := strings.IndexByte(v[open:], ')'); end > 1 {
			osName = strings.TrimSpace(v[open+1 : open+end])
		}
		v = strings.TrimSpace(v[:open])
	}
	product := strings.Fields(v)
	if len(product) == 0 {
		return name, version, osName
	}
	n, ver, ok := strings.Cut(product[0], "/")
	if n != "" {
		name = n
	}
	if ok && ver != "" {
		version = ver
	}
	return name, version, osName
}

// ParseTimestamp reads the compact 14 digit archive timestamp.
func ParseTimestamp(s string) (time.Time, bool) {
	const layout = "20060102150405"
	if len(s) > len(layout) {
		s = s[:len(layout)]
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
