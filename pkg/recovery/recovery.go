// Package recovery creates and restores partition backups. Backups are
// xz-compressed partition snapshots with an xxhash64 checksum, written
// atomically and verified before any restore is applied.
package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/metrics"
	"github.com/datapunk/meridian/pkg/storage"
	"github.com/datapunk/meridian/pkg/transport"
)

// ErrNoValidBackup is returned when every candidate backup of a partition is
// missing or fails checksum verification.
var ErrNoValidBackup = errors.New("no valid backup")

const (
	backupExt  = ".bak"
	metaExt    = ".meta.json"
	tmpSuffix  = ".tmp"
	defaultDir = "backups"

	defaultBackupInterval = time.Hour
	defaultRetention      = 7 * 24 * time.Hour
)

// BackupState describes the newest backup of one partition.
type BackupState struct {
	Partition  cluster.PartitionID `json:"partition"`
	Version    uint64              `json:"version"`
	LastBackup time.Time           `json:"last_backup"`
	SizeBytes  int64               `json:"size_bytes"`
	Checksum   uint64              `json:"checksum"`
}

// backupMeta is the sidecar written next to each backup file.
type backupMeta struct {
	Partition cluster.PartitionID `json:"partition"`
	Version   uint64              `json:"version"`
	Created   time.Time           `json:"created"`
	SizeBytes int64               `json:"size_bytes"`
	Checksum  uint64              `json:"checksum"`
}

// recoveryNotice tells a replica that a partition was restored and its copy
// may be stale.
type recoveryNotice struct {
	Partition cluster.PartitionID `json:"partition"`
	Version   uint64              `json:"version"`
}

// Config tunes the recovery manager.
type Config struct {
	// Dir is the backup root; each partition gets a subdirectory.
	Dir string
	// BackupInterval is the period of the automatic backup loop.
	BackupInterval time.Duration
	// Retention is how long old backups are kept before pruning.
	Retention time.Duration
	Logger    *logrus.Logger
}

// Manager creates, verifies, and restores partition backups.
type Manager struct {
	id     cluster.NodeID
	store  *storage.PartitionStore
	trans  transport.Transport
	config Config
	logger *logrus.Logger

	// localPartitions lists the partitions this node currently owns, for the
	// automatic backup loop.
	localPartitions func() []cluster.PartitionID
	// replicasOf lists the other holders of a partition, notified after a
	// restore.
	replicasOf func(cluster.PartitionID) []cluster.NodeID

	mu     sync.RWMutex
	states map[cluster.PartitionID]BackupState

	stopChan chan struct{}
	doneChan chan struct{}
	started  bool
}

// NewManager creates a recovery manager rooted at config.Dir.
func NewManager(id cluster.NodeID, store *storage.PartitionStore, trans transport.Transport,
	localPartitions func() []cluster.PartitionID, replicasOf func(cluster.PartitionID) []cluster.NodeID,
	config Config) (*Manager, error) {

	if config.Dir == "" {
		config.Dir = defaultDir
	}
	if config.BackupInterval == 0 {
		config.BackupInterval = defaultBackupInterval
	}
	if config.Retention == 0 {
		config.Retention = defaultRetention
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}

	return &Manager{
		id:              id,
		store:           store,
		trans:           trans,
		config:          config,
		logger:          config.Logger,
		localPartitions: localPartitions,
		replicasOf:      replicasOf,
		states:          make(map[cluster.PartitionID]BackupState),
		stopChan:        make(chan struct{}),
		doneChan:        make(chan struct{}),
	}, nil
}

// CreateBackup exports the partition, compresses it, and writes a versioned
// backup plus its sidecar metadata. The backup file lands via a temp file and
// rename, so a crash mid-write never leaves a plausible-looking partial
// backup.
func (m *Manager) CreateBackup(p cluster.PartitionID) (BackupState, error) {
	snap, err := m.store.Export(p)
	if err != nil {
		return BackupState{}, fmt.Errorf("failed to export partition %s: %w", p, err)
	}
	raw, err := storage.EncodeSnapshot(snap)
	if err != nil {
		return BackupState{}, err
	}

	var compressed bytes.Buffer
	xzw, err := xz.NewWriter(&compressed)
	if err != nil {
		return BackupState{}, fmt.Errorf("failed to create xz writer: %w", err)
	}
	if _, err := xzw.Write(raw); err != nil {
		return BackupState{}, fmt.Errorf("failed to compress backup: %w", err)
	}
	if err := xzw.Close(); err != nil {
		return BackupState{}, fmt.Errorf("failed to finish compression: %w", err)
	}

	data := compressed.Bytes()
	sum := xxhash.Sum64(data)

	// Continue numbering from whatever is on disk so a restart never
	// overwrites an existing backup.
	version := uint64(1)
	if existing, err := m.backupVersions(p); err == nil && len(existing) > 0 {
		version = existing[0] + 1
	}

	dir := m.partitionDir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BackupState{}, fmt.Errorf("failed to create partition backup dir: %w", err)
	}

	base := filepath.Join(dir, strconv.FormatUint(version, 10))
	if err := writeAtomic(base+backupExt, data); err != nil {
		return BackupState{}, err
	}

	meta := backupMeta{
		Partition: p,
		Version:   version,
		Created:   time.Now(),
		SizeBytes: int64(len(data)),
		Checksum:  sum,
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return BackupState{}, err
	}
	if err := writeAtomic(base+metaExt, metaRaw); err != nil {
		return BackupState{}, err
	}

	state := BackupState{
		Partition:  p,
		Version:    version,
		LastBackup: meta.Created,
		SizeBytes:  meta.SizeBytes,
		Checksum:   sum,
	}
	m.mu.Lock()
	m.states[p] = state
	m.mu.Unlock()
	metrics.BackupsCreated.Inc()

	m.logger.WithFields(logrus.Fields{
		"partition": p,
		"version":   version,
		"bytes":     meta.SizeBytes,
	}).Info("backup created")
	return state, nil
}

// RestorePartition restores a partition from backup. With version 0 the
// newest backup is tried first, falling back to older versions whenever the
// stored checksum does not match the file's contents. Only a verified backup
// is ever imported; replicas are notified afterwards so they can re-sync.
func (m *Manager) RestorePartition(ctx context.Context, p cluster.PartitionID, version uint64) (uint64, error) {
	candidates, err := m.backupVersions(p)
	if err != nil {
		return 0, err
	}
	if version != 0 {
		filtered := candidates[:0]
		for _, v := range candidates {
			if v == version {
				filtered = append(filtered, v)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return 0, fmt.Errorf("%w for partition %s", ErrNoValidBackup, p)
	}

	for _, v := range candidates {
		snap, err := m.loadVerified(p, v)
		if err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"partition": p,
				"version":   v,
			}).Warn("backup rejected, trying older version")
			continue
		}

		if err := m.store.Import(snap); err != nil {
			return 0, fmt.Errorf("failed to import restored partition %s: %w", p, err)
		}

		m.notifyReplicas(ctx, p, v)
		m.logger.WithFields(logrus.Fields{
			"partition": p,
			"version":   v,
		}).Info("partition restored from backup")
		return v, nil
	}
	return 0, fmt.Errorf("%w for partition %s", ErrNoValidBackup, p)
}

// loadVerified reads one backup, verifies its checksum against the sidecar,
// and decompresses it. A checksum mismatch aborts before anything touches
// the store.
func (m *Manager) loadVerified(p cluster.PartitionID, version uint64) (*storage.PartitionSnapshot, error) {
	base := filepath.Join(m.partitionDir(p), strconv.FormatUint(version, 10))

	metaRaw, err := os.ReadFile(base + metaExt)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup metadata: %w", err)
	}
	var meta backupMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse backup metadata: %w", err)
	}

	data, err := os.ReadFile(base + backupExt)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	if sum := xxhash.Sum64(data); sum != meta.Checksum {
		return nil, fmt.Errorf("checksum mismatch for %s version %d: stored %x, computed %x",
			p, version, meta.Checksum, sum)
	}

	xzr, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed backup: %w", err)
	}
	raw, err := io.ReadAll(xzr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress backup: %w", err)
	}
	return storage.DecodeSnapshot(raw)
}

// notifyReplicas broadcasts a recovery notice to the partition's other
// holders. Best effort: a replica that misses the notice re-syncs on its
// next health cycle.
func (m *Manager) notifyReplicas(ctx context.Context, p cluster.PartitionID, version uint64) {
	if m.replicasOf == nil || m.trans == nil {
		return
	}
	var targets []cluster.NodeID
	for _, id := range m.replicasOf(p) {
		if id != m.id {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return
	}

	notice := recoveryNotice{Partition: p, Version: version}
	for id, err := range m.trans.Broadcast(ctx, transport.TypeRecoveryResponse, notice, targets) {
		if err != nil {
			m.logger.WithError(err).WithField("node", id).Debug("recovery notice not delivered")
		}
	}
}

// GetBackupState returns the newest backup record for a partition.
func (m *Manager) GetBackupState(p cluster.PartitionID) (BackupState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[p]
	return state, ok
}

// backupVersions lists a partition's backup versions, newest first.
func (m *Manager) backupVersions(p cluster.PartitionID) ([]uint64, error) {
	entries, err := os.ReadDir(m.partitionDir(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var versions []uint64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, backupExt) {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSuffix(name, backupExt), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	return versions, nil
}

// Start launches the periodic backup and pruning loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
}

// Stop terminates the loop. An in-flight backup finishes first.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopChan)
	<-m.doneChan
}

func (m *Manager) run() {
	defer close(m.doneChan)

	ticker := time.NewTicker(m.config.BackupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.backupAll()
			m.prune()
		}
	}
}

// backupAll backs up every locally owned partition. Per-partition failures
// are logged and do not stop the sweep.
func (m *Manager) backupAll() {
	if m.localPartitions == nil {
		return
	}
	for _, p := range m.localPartitions() {
		if _, err := m.CreateBackup(p); err != nil {
			m.logger.WithError(err).WithField("partition", p).Error("scheduled backup failed")
		}
	}
}

// prune deletes backups older than the retention window, always keeping the
// newest backup of each partition regardless of age.
func (m *Manager) prune() {
	partitions, err := os.ReadDir(m.config.Dir)
	if err != nil {
		m.logger.WithError(err).Error("failed to scan backup dir")
		return
	}

	cutoff := time.Now().Add(-m.config.Retention)
	for _, pd := range partitions {
		if !pd.IsDir() {
			continue
		}
		p := cluster.PartitionID(pd.Name())
		versions, err := m.backupVersions(p)
		if err != nil || len(versions) == 0 {
			continue
		}

		// versions[0] is the newest and is always kept.
		for _, v := range versions[1:] {
			base := filepath.Join(m.partitionDir(p), strconv.FormatUint(v, 10))
			info, err := os.Stat(base + backupExt)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(base + backupExt); err != nil {
				m.logger.WithError(err).Warn("failed to prune backup")
				continue
			}
			_ = os.Remove(base + metaExt)
			metrics.BackupsPruned.Inc()
			m.logger.WithFields(logrus.Fields{
				"partition": p,
				"version":   v,
			}).Info("pruned expired backup")
		}
	}
}

func (m *Manager) partitionDir(p cluster.PartitionID) string {
	return filepath.Join(m.config.Dir, string(p))
}

// writeAtomic writes data to path through a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}
