// Package resolve maps host names to IP addresses with an LRU cache in front
// of the system resolver.
package resolve

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultCacheSize bounds the number of cached hosts.
const DefaultCacheSize = 1024

// LookupFunc resolves host to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Resolver caches host lookups, including failed ones.
type Resolver struct {
	lookup LookupFunc
	cache  *lru.Cache[string, string]
	logger *zap.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithLookup replaces the system resolver.
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.lookup = fn
		}
	}
}

// WithLogger sets the logger used for failed lookups.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New returns a Resolver holding up to size hosts.
func New(size int, opts ...Option) (*Resolver, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("create resolver cache: %w", err)
	}
	r := &Resolver{
		lookup: net.DefaultResolver.LookupHost,
		cache:  cache,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns one address for host, preferring IPv4. It returns "" when
// the host cannot be resolved.
func (r *Resolver) Resolve(ctx context.Context, host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	if ip, ok := r.cache.Get(host); ok {
		return ip
	}
	addrs, err := r.lookup(ctx, host)
	ip := ""
	if err != nil {
		r.logger.Debug("host lookup failed", zap.String("host", host), zap.Error(err))
	} else {
		ip = pick(addrs)
	}
	r.cache.Add(host, ip)
	return ip
}

// ResolveURL resolves the host part of rawURL.
func (r *Resolver) ResolveURL(ctx context.Context, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return r.Resolve(ctx, u.Hostname())
}

func pick(addrs []string) string {
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return ip.String()
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}
