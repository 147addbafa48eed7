package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/archive-bundle-iterator/internal/publisher"
)

func TestPublisherStoresNotices(t *testing.T) {
	t.Parallel()

	pub := New()
	uris := []string{"memory://pages/a.html"}
	id1, err := pub.Publish(context.Background(), publisher.BatchNotice{RunID: "r", Format: "arc", Records: 1, BlobURIs: uris})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), publisher.BatchNotice{RunID: "r", Format: "arc", Final: true})
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	uris[0] = "changed"
	got := pub.Notices()
	require.Len(t, got, 2)
	assert.Equal(t, "memory://pages/a.html", got[0].BlobURIs[0])
	assert.True(t, got[1].Final)

	got[0].Format = "modified"
	assert.Equal(t, "arc", pub.Notices()[0].Format)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.FailWith(errors.New("topic gone"))
	_, err := pub.Publish(context.Background(), publisher.BatchNotice{})
	require.EqualError(t, err, "topic gone")
	assert.Empty(t, pub.Notices())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), publisher.BatchNotice{})
	require.NoError(t, err)
}
