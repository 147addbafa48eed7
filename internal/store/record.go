package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecordEntry is one indexed record: its metadata plus where its page was stored.
type RecordEntry struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	Format      string
	Partition   string
	URL         string
	Hash        string
	BlobURI     string
	HTTPCode    int
	ContentType string
	Encoding    string
	Title       string
	Size        int64
	Weight      *float64
	CapturedAt  time.Time
	ModifiedAt  *time.Time
	Meta        map[string]string
}

// RecordIndex persists record metadata for re-indexing.
type RecordIndex interface {
	// StoreRecords inserts a batch of entries.
	StoreRecords(ctx context.Context, entries []RecordEntry) error
	Close()
}
