package postgres

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/JakeFAU/archive-bundle-iterator/internal/store"
)

const defaultRecordTable = "bundle_records"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RecordStore writes record index rows into Postgres.
type RecordStore struct {
	pool  Pool
	table string
}

// NewRecordStore wraps an open pool. An empty table selects bundle_records.
func NewRecordStore(pool Pool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, defaultRecordTable)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreRecords inserts entries in one transaction. Rows already present
// (same id) are left untouched so a replayed batch is harmless.
func (s *RecordStore) StoreRecords(ctx context.Context, entries []store.RecordEntry) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if len(entries) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	format,
	partition_name,
	url,
	hash,
	blob_uri,
	http_code,
	content_type,
	encoding,
	title,
	size,
	weight,
	captured_at,
	modified_at,
	meta
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
) ON CONFLICT (id) DO NOTHING`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin record batch: %w", err)
	}
	for _, e := range entries {
		if e.URL == "" {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record url is required")
		}
		meta, err := json.Marshal(normalizeMeta(e.Meta))
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("marshal meta: %w", err)
		}
		if _, err := tx.Exec(ctx, query,
			e.ID,
			e.RunID,
			e.Format,
			e.Partition,
			e.URL,
			e.Hash,
			e.BlobURI,
			e.HTTPCode,
			e.ContentType,
			e.Encoding,
			e.Title,
			e.Size,
			e.Weight,
			e.CapturedAt,
			e.ModifiedAt,
			meta,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert record %s: %w", e.URL, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit record batch: %w", err)
	}
	return nil
}

func normalizeMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
