package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/archive-bundle-iterator/internal/store"
)

// RecordIndex keeps indexed records in memory.
type RecordIndex struct {
	mu      sync.RWMutex
	entries []store.RecordEntry
}

// NewRecordIndex constructs an empty RecordIndex.
func NewRecordIndex() *RecordIndex {
	return &RecordIndex{}
}

// StoreRecords appends the entries.
func (x *RecordIndex) StoreRecords(_ context.Context, entries []store.RecordEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = append(x.entries, entries...)
	return nil
}

// Entries returns a copy of everything indexed so far.
func (x *RecordIndex) Entries() []store.RecordEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]store.RecordEntry(nil), x.entries...)
}

// Close is a no-op.
func (x *RecordIndex) Close() {}
