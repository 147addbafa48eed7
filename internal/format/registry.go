// Package format builds decoders by name.
package format

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-bundle-iterator/internal/bundle"
	"github.com/JakeFAU/archive-bundle-iterator/internal/format/arc"
	"github.com/JakeFAU/archive-bundle-iterator/internal/format/mediawiki"
	"github.com/JakeFAU/archive-bundle-iterator/internal/format/odp"
	"github.com/JakeFAU/archive-bundle-iterator/internal/format/text"
	"github.com/JakeFAU/archive-bundle-iterator/internal/format/warc"
)

// Options carries the collaborators some decoders need.
type Options struct {
	Logger *zap.Logger
	// Resolver looks up MediaWiki site addresses. Nil disables lookups.
	Resolver mediawiki.Resolver
	// ODPBase overrides the category URL prefix for ODP dumps.
	ODPBase string
}

type factory func(Options) bundle.Decoder

var registry = map[string]factory{
	arc.Name:       func(o Options) bundle.Decoder { return arc.New(o.Logger) },
	warc.Name:      func(o Options) bundle.Decoder { return warc.New(o.Logger) },
	mediawiki.Name: func(o Options) bundle.Decoder { return mediawiki.New(o.Resolver, o.Logger) },
	odp.Name:       func(o Options) bundle.Decoder { return odp.New(o.ODPBase) },
	text.Name:      func(Options) bundle.Decoder { return text.New() },
}

// Names lists the registered formats.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Canonical maps a format name or a sidecar arc_type such as
// "MediaWikiArchiveBundle" or "OdpRdf" to a registry name.
func Canonical(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, suffix := range []string{"archivebundleiterator", "bundleiterator", "archivebundle", "iterator"} {
		n = strings.TrimSuffix(n, suffix)
	}
	switch n {
	case "odprdf", "dmoz":
		return odp.Name
	case "wiki", "wikipedia":
		return mediawiki.Name
	case "plain", "txt":
		return text.Name
	}
	return n
}

// New returns a fresh decoder for name.
func New(name string, opts Options) (bundle.Decoder, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	f, ok := registry[Canonical(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown format %q (have %s)", bundle.ErrConfig, name, strings.Join(Names(), ", "))
	}
	return f(opts), nil
}

// ForBundle picks the decoder for an archive directory: name when set,
// otherwise the sidecar's arc_type.
func ForBundle(name, dir string, opts Options) (bundle.Decoder, error) {
	if name == "" {
		cfg, _, err := bundle.LoadSidecar(filepath.Join(dir, bundle.SidecarName))
		if err != nil {
			return nil, err
		}
		name = cfg.ArcType
	}
	if name == "" {
		return nil, fmt.Errorf("%w: no format given and %s names no arc_type", bundle.ErrConfig, bundle.SidecarName)
	}
	return New(name, opts)
}
