// Package scalar is the durable key-value layer under the engine: the
// canonical, source-of-truth copy of every record lives here. Vector
// and filter indexes are derived data — if they are ever in doubt,
// this store plus the WAL is enough to rebuild them.
//
// Backing store is Badger, an embedded LSM tree, opened with
// SyncWrites so a committed put has reached disk before Put returns.
//
// Two key namespaces share the store and must never collide:
//
//   - record keys: the decimal string of the record's u64 id ("17")
//   - raw keys: arbitrary strings used by other components (filter
//     postings, the snapshot watermark). Raw keys carry a non-digit
//     prefix by convention, so they can never parse as a record id.
package scalar

import (
	"errors"
	"fmt"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Store wraps a Badger database. Safe for concurrent use — Badger
// serializes its own transactions, the wrapper adds no locking.
type Store struct {
	db  *badger.DB
	log *zap.Logger
}

// Open creates or opens the store rooted at dir.
func Open(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open scalar store at %s: %w", dir, err)
	}
	return &Store{db: db, log: log}, nil
}

// Put durably associates id with record. Overwrites silently.
func (s *Store) Put(id uint64, record []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(id), record)
	})
	if err != nil {
		return fmt.Errorf("scalar put id=%d: %w", id, err)
	}
	return nil
}

// Get returns the record bytes for id, or (nil, nil) when absent.
func (s *Store) Get(id uint64) ([]byte, error) {
	var record []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}
		record, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scalar get id=%d: %w", id, err)
	}
	return record, nil
}

// PutRaw stores value under an arbitrary string key. Callers own the
// namespace discipline: keys must not look like a decimal record id.
func (s *Store) PutRaw(key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("scalar put raw %q: %w", key, err)
	}
	return nil
}

// GetRaw returns the value under key, or "" when absent.
func (s *Store) GetRaw(key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(raw)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scalar get raw %q: %w", key, err)
	}
	return value, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(id uint64) []byte {
	return []byte(strconv.FormatUint(id, 10))
}
