// Package publisher defines the batch notification published after each
// runner batch.
package publisher

import (
	"context"
	"time"
)

// BatchNotice tells downstream consumers that a batch of records has been
// stored and indexed.
type BatchNotice struct {
	RunID     string    `json:"run_id"`
	Format    string    `json:"format"`
	Partition string    `json:"partition"`
	Batch     int       `json:"batch"`
	Records   int       `json:"records"`
	Bytes     int64     `json:"bytes"`
	BlobURIs  []string  `json:"blob_uris,omitempty"`
	Offset    int64     `json:"offset"`
	Raw       bool      `json:"raw,omitempty"`
	Final     bool      `json:"final,omitempty"`
	At        time.Time `json:"at"`
}

// Attributes returns the routing attributes attached to a message.
func (n BatchNotice) Attributes() map[string]string {
	return map[string]string{
		"run_id":    n.RunID,
		"format":    n.Format,
		"partition": n.Partition,
	}
}

// Publisher emits batch notices.
type Publisher interface {
	Publish(ctx context.Context, notice BatchNotice) (string, error)
}

// Nop drops every notice.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, BatchNotice) (string, error) { return "", nil }
