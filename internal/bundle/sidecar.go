package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-ini/ini"

	"github.com/JakeFAU/archive-bundle-iterator/internal/stream"
)

// SidecarName is the description file read from every archive directory.
const SidecarName = "arc_description.ini"

var sidecarKeys = []string{"compression", "file_extension", "encoding", "start_delimiter", "end_delimiter", "arc_type"}

// LoadSidecar reads an arc_description.ini file. The second result is false
// when the file does not exist.
func LoadSidecar(path string) (FormatConfig, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return FormatConfig{}, false, nil
	}
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
		Insensitive:         true,
	}, path)
	if err != nil {
		return FormatConfig{}, true, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	values := make(map[string]string, len(sidecarKeys))
	for _, key := range sidecarKeys {
		values[key] = lookup(f, key)
	}
	cfg := FormatConfig{
		FileExtension:  strings.TrimPrefix(values["file_extension"], "."),
		Encoding:       values["encoding"],
		StartDelimiter: values["start_delimiter"],
		EndDelimiter:   values["end_delimiter"],
		ArcType:        values["arc_type"],
	}
	if values["compression"] != "" {
		c, err := stream.ParseCompression(values["compression"])
		if err != nil {
			return FormatConfig{}, true, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
		}
		cfg.Compression = c
	}
	return cfg, true, nil
}

// lookup finds key in the default section first, then in any named section.
func lookup(f *ini.File, key string) string {
	if f.Section("").HasKey(key) {
		return unquote(f.Section("").Key(key).String())
	}
	for _, sec := range f.Sections() {
		if sec.HasKey(key) {
			return unquote(sec.Key(key).String())
		}
	}
	return ""
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && (v[0] == '\'' && v[len(v)-1] == '\'' || v[0] == '"' && v[len(v)-1] == '"') {
		return v[1 : len(v)-1]
	}
	return v
}
