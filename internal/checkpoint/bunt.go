package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/buntdb"
)

// BuntFileName is the database file used by BuntStore inside the result directory.
const BuntFileName = "iterate_status.db"

// BuntStore keeps checkpoints for several output timestamps in one buntdb
// database, one key per timestamp.
type BuntStore struct {
	db       *buntdb.DB
	key      string
	compress bool
}

// OpenBuntStore opens (or creates) the database in resultDir. An empty
// resultDir keeps the database in memory.
func OpenBuntStore(resultDir, timestamp string, compress bool) (*BuntStore, error) {
	if timestamp == "" {
		return nil, errors.New("checkpoint timestamp is required")
	}
	path := ":memory:"
	if resultDir != "" {
		if err := os.MkdirAll(resultDir, 0o750); err != nil {
			return nil, fmt.Errorf("create result dir: %w", err)
		}
		path = filepath.Join(resultDir, BuntFileName)
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb: %w", err)
	}
	return &BuntStore{db: db, key: "iterate_status:" + timestamp, compress: compress}, nil
}

// Save stores st under the store's timestamp key.
func (s *BuntStore) Save(_ context.Context, st State) error {
	data, err := Encode(st, s.compress)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(s.key, string(data), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the state stored under the timestamp key.
func (s *BuntStore) Load(_ context.Context) (State, error) {
	var raw string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(s.key)
		raw = v
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return Decode([]byte(raw))
}

// Clear deletes the timestamp key.
func (s *BuntStore) Clear(_ context.Context) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(s.key)
		return err
	})
	if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *BuntStore) Close() error {
	return s.db.Close()
}
