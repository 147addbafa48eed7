package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCachesLookups(t *testing.T) {
	t.Parallel()
	calls := map[string]int{}
	r, err := New(8, WithLookup(func(_ context.Context, host string) ([]string, error) {
		calls[host]++
		switch host {
		case "en.wikipedia.org":
			return []string{"2620:0:862:ed1a::1", "208.80.154.224"}, nil
		case "v6only.test":
			return []string{"::1"}, nil
		default:
			return nil, errors.New("no such host")
		}
	}))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, "208.80.154.224", r.Resolve(ctx, "en.wikipedia.org"))
	assert.Equal(t, "208.80.154.224", r.Resolve(ctx, "EN.wikipedia.org"))
	assert.Equal(t, 1, calls["en.wikipedia.org"])

	assert.Equal(t, "::1", r.Resolve(ctx, "v6only.test"))
	assert.Equal(t, "", r.Resolve(ctx, "missing.test"))
	assert.Equal(t, "", r.Resolve(ctx, "missing.test"))
	assert.Equal(t, 1, calls["missing.test"])

	assert.Equal(t, "208.80.154.224", r.ResolveURL(ctx, "https://en.wikipedia.org/wiki/Main_Page"))
	assert.Equal(t, "127.0.0.1", r.Resolve(ctx, "127.0.0.1"))
	assert.Equal(t, "", r.Resolve(ctx, " "))
	assert.Equal(t, "", r.ResolveURL(ctx, "http://%zz"))
}

func TestNewDefaultsSize(t *testing.T) {
	t.Parallel()
	r, err := New(0)
	require.NoError(t, err)
	assert.NotNil(t, r.cache)
}
