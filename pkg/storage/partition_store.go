package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/datapunk/meridian/pkg/cluster"
)

// ErrPartitionNotFound is returned when reading from a partition that holds
// no data on this node.
var ErrPartitionNotFound = errors.New("partition not found")

// PartitionStore holds partition payload data in a Badger database. Keys are
// namespaced per partition as p/<partition>/<key>, so one store serves every
// partition a node hosts and a whole partition can be exported, imported, or
// dropped by prefix scan.
type PartitionStore struct {
	db     *badger.DB
	logger *logrus.Logger

	// exportMu serializes Export/Import against each other so a transfer
	// never observes a half-imported partition.
	exportMu sync.Mutex
}

// PartitionSnapshot is a self-contained copy of one partition's records,
// the unit shipped between nodes during replication and recovery.
type PartitionSnapshot struct {
	Partition cluster.PartitionID `json:"partition"`
	Records   []Record            `json:"records"`
}

// Record is one key-value pair inside a partition.
type Record struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// NewPartitionStore opens or creates a Badger database at dir.
func NewPartitionStore(dir string, logger *logrus.Logger) (*PartitionStore, error) {
	if logger == nil {
		logger = logrus.New()
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition store: %w", err)
	}

	return &PartitionStore{db: db, logger: logger}, nil
}

func partitionPrefix(p cluster.PartitionID) []byte {
	return []byte("p/" + string(p) + "/")
}

func recordKey(p cluster.PartitionID, key []byte) []byte {
	return append(partitionPrefix(p), key...)
}

// Put writes one record into a partition.
func (s *PartitionStore) Put(p cluster.PartitionID, key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(p, key), value)
	})
}

// Get reads one record from a partition. Returns ErrPartitionNotFound when
// the key is absent.
func (s *PartitionStore) Get(p cluster.PartitionID, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(p, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrPartitionNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes one record from a partition.
func (s *PartitionStore) Delete(p cluster.PartitionID, key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(p, key))
	})
}

// Export collects every record of a partition into a snapshot. The snapshot
// is taken from a single read transaction, so it is internally consistent.
func (s *PartitionStore) Export(p cluster.PartitionID) (*PartitionSnapshot, error) {
	s.exportMu.Lock()
	defer s.exportMu.Unlock()

	snap := &PartitionSnapshot{Partition: p}
	prefix := partitionPrefix(p)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			snap.Records = append(snap.Records, Record{
				Key:   bytes.TrimPrefix(key, prefix),
				Value: value,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export partition %s: %w", p, err)
	}
	return snap, nil
}

// Import replaces the partition's local contents with the snapshot. Existing
// records are dropped first so the result matches the source exactly.
func (s *PartitionStore) Import(snap *PartitionSnapshot) error {
	s.exportMu.Lock()
	defer s.exportMu.Unlock()

	if err := s.dropPrefix(partitionPrefix(snap.Partition)); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, rec := range snap.Records {
		if err := wb.Set(recordKey(snap.Partition, rec.Key), rec.Value); err != nil {
			return fmt.Errorf("failed to import partition %s: %w", snap.Partition, err)
		}
	}
	return wb.Flush()
}

// DropPartition removes every record of a partition from this node.
func (s *PartitionStore) DropPartition(p cluster.PartitionID) error {
	s.exportMu.Lock()
	defer s.exportMu.Unlock()
	return s.dropPrefix(partitionPrefix(p))
}

func (s *PartitionStore) dropPrefix(prefix []byte) error {
	return s.db.DropPrefix(prefix)
}

// EncodeSnapshot serializes a snapshot for transfer or backup.
func EncodeSnapshot(snap *PartitionSnapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// DecodeSnapshot parses a serialized snapshot.
func DecodeSnapshot(data []byte) (*PartitionSnapshot, error) {
	var snap PartitionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode partition snapshot: %w", err)
	}
	return &snap, nil
}

// Sync flushes Badger's in-memory state to disk.
func (s *PartitionStore) Sync() error {
	return s.db.Sync()
}

// Close releases the underlying database.
func (s *PartitionStore) Close() error {
	return s.db.Close()
}
