// Package storage provides the persistent stores backing the cluster:
// a BoltDB-backed store for the consensus log and stable state, and a
// Badger-backed store for partition payload data.
//
// # Thread Safety Guarantees
//
// BoltStore is safe for concurrent use by multiple goroutines. The safety
// comes from BoltDB's transaction model:
//
//   - multiple read transactions (View) run concurrently
//   - write transactions (Update) are serialized by BoltDB internally
//   - readers see a consistent snapshot and do not block writers
//
// No additional locking is layered on top; BoltDB's isolation is sufficient
// for the consensus engine's requirements.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/datapunk/meridian/pkg/consensus"
)

// Bucket names for BoltDB storage
var (
	logsBucket   = []byte("logs")
	stableBucket = []byte("stable")
)

// Error types
var (
	ErrLogNotFound = errors.New("log entry not found")
	ErrKeyNotFound = errors.New("key not found")
)

// BoltStore implements both consensus.LogStore and consensus.StableStore
// using a single BoltDB file. Log entries live in the logs bucket keyed by
// big-endian index; stable state (term, vote) lives in the stable bucket.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

// NewBoltStore opens or creates the database file at path and initializes
// the required buckets.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logsBucket); err != nil {
			return fmt.Errorf("failed to create logs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(stableBucket); err != nil {
			return fmt.Errorf("failed to create stable bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, path: path}, nil
}

// Close releases all database resources.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// uint64ToBytes encodes a uint64 value to big-endian bytes. Big-endian
// encoding keeps lexicographic key order equal to numeric order, which the
// First/Last cursor operations rely on.
func uint64ToBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// bytesToUint64 decodes big-endian bytes to a uint64 value.
func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// FirstIndex returns the first index written to the log store, or 0 if the
// log is empty.
func (b *BoltStore) FirstIndex() (uint64, error) {
	var first uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logsBucket).Cursor()
		key, _ := cursor.First()
		if key != nil {
			first = bytesToUint64(key)
		}
		return nil
	})
	return first, err
}

// LastIndex returns the last index written to the log store, or 0 if the
// log is empty.
func (b *BoltStore) LastIndex() (uint64, error) {
	var last uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logsBucket).Cursor()
		key, _ := cursor.Last()
		if key != nil {
			last = bytesToUint64(key)
		}
		return nil
	})
	return last, err
}

// StoreLogs stores multiple log entries in a single batch transaction. The
// batch is atomic: either every entry is durable or none is, so a crash
// mid-write cannot leave a hole in the log.
func (b *BoltStore) StoreLogs(entries []consensus.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logsBucket)
		for _, entry := range entries {
			val, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to serialize log entry: %w", err)
			}
			if err := bucket.Put(uint64ToBytes(entry.Index), val); err != nil {
				return fmt.Errorf("failed to store log entry: %w", err)
			}
		}
		return nil
	})
}

// GetLog retrieves a log entry at the specified index. Returns ErrLogNotFound
// if the entry does not exist or index is 0.
func (b *BoltStore) GetLog(index uint64) (*consensus.LogEntry, error) {
	if index == 0 {
		return nil, ErrLogNotFound
	}

	var entry *consensus.LogEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(logsBucket).Get(uint64ToBytes(index))
		if val == nil {
			return ErrLogNotFound
		}
		entry = &consensus.LogEntry{}
		if err := json.Unmarshal(val, entry); err != nil {
			return fmt.Errorf("failed to deserialize log entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteRange removes all log entries within min and max inclusive. Used to
// truncate a conflicting log suffix. If min > max this is a no-op.
func (b *BoltStore) DeleteRange(min, max uint64) error {
	if min > max {
		return nil
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logsBucket)
		for i := min; i <= max; i++ {
			if err := bucket.Delete(uint64ToBytes(i)); err != nil {
				return fmt.Errorf("failed to delete log entry at index %d: %w", i, err)
			}
		}
		return nil
	})
}

// Set stores a key-value pair in the stable bucket.
func (b *BoltStore) Set(key []byte, val []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(stableBucket).Put(key, val); err != nil {
			return fmt.Errorf("failed to set key: %w", err)
		}
		return nil
	})
}

// Get retrieves a value by key from the stable bucket. Returns an empty byte
// slice if the key does not exist.
func (b *BoltStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(stableBucket).Get(key)
		if v == nil {
			val = []byte{}
			return nil
		}
		// Copy: BoltDB values are only valid within the transaction.
		val = make([]byte, len(v))
		copy(val, v)
		return nil
	})
	return val, err
}

// SetUint64 stores a uint64 value encoded as big-endian bytes.
func (b *BoltStore) SetUint64(key []byte, val uint64) error {
	return b.Set(key, uint64ToBytes(val))
}

// GetUint64 retrieves a uint64 value by key from the stable bucket. Returns 0
// if the key does not exist.
func (b *BoltStore) GetUint64(key []byte) (uint64, error) {
	val, err := b.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) == 0 {
		return 0, nil
	}
	return bytesToUint64(val), nil
}

// Compile-time checks that BoltStore satisfies the consensus store contracts.
var (
	_ consensus.LogStore    = (*BoltStore)(nil)
	_ consensus.StableStore = (*BoltStore)(nil)
)
