package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapunk/meridian/pkg/cluster"
	"github.com/datapunk/meridian/pkg/storage"
	"github.com/datapunk/meridian/pkg/transport"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestManager(t *testing.T) (*Manager, *storage.PartitionStore) {
	t.Helper()

	store, err := storage.NewPartitionStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	trans := transport.NewNetwork().Join("n1", quietLogger())
	m, err := NewManager("n1", store, trans, nil, nil, Config{
		Dir:    filepath.Join(t.TempDir(), "backups"),
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	return m, store
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	m, store := newTestManager(t)

	require.NoError(t, store.Put("p-1", []byte("k1"), []byte("v1")))
	require.NoError(t, store.Put("p-1", []byte("k2"), []byte("v2")))

	state, err := m.CreateBackup("p-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Version)
	assert.Positive(t, state.SizeBytes)
	assert.NotZero(t, state.Checksum)

	// Corrupt the live data, then restore.
	require.NoError(t, store.Put("p-1", []byte("k1"), []byte("clobbered")))
	require.NoError(t, store.Put("p-1", []byte("extra"), []byte("junk")))

	version, err := m.RestorePartition(context.Background(), "p-1", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	val, err := store.Get("p-1", []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)
	// The record written after the backup must be gone.
	_, err = store.Get("p-1", []byte("extra"))
	assert.ErrorIs(t, err, storage.ErrPartitionNotFound)
}

func TestBackupVersionsIncrement(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, store.Put("p-1", []byte("k"), []byte("v")))

	s1, err := m.CreateBackup("p-1")
	require.NoError(t, err)
	s2, err := m.CreateBackup("p-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s1.Version)
	assert.Equal(t, uint64(2), s2.Version)

	got, ok := m.GetBackupState("p-1")
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Version)
}

func TestRestoreRejectsCorruptedBackup(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, store.Put("p-1", []byte("k"), []byte("original")))

	state, err := m.CreateBackup("p-1")
	require.NoError(t, err)

	// Flip one byte in the backup file; the checksum must catch it.
	path := filepath.Join(m.config.Dir, "p-1", "1.bak")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = m.RestorePartition(context.Background(), "p-1", state.Version)
	assert.ErrorIs(t, err, ErrNoValidBackup)
}

func TestRestoreFallsBackToOlderVersion(t *testing.T) {
	m, store := newTestManager(t)

	require.NoError(t, store.Put("p-1", []byte("k"), []byte("good")))
	_, err := m.CreateBackup("p-1")
	require.NoError(t, err)

	require.NoError(t, store.Put("p-1", []byte("k"), []byte("newer")))
	_, err = m.CreateBackup("p-1")
	require.NoError(t, err)

	// Corrupt only the newest backup.
	path := filepath.Join(m.config.Dir, "p-1", "2.bak")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	version, err := m.RestorePartition(context.Background(), "p-1", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version, "restore falls back past the corrupted version")

	val, err := store.Get("p-1", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), val)
}

func TestRestoreWithoutBackups(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.RestorePartition(context.Background(), "p-none", 0)
	assert.ErrorIs(t, err, ErrNoValidBackup)
}

func TestRestoreNotifiesReplicas(t *testing.T) {
	network := transport.NewNetwork()
	trans1 := network.Join("n1", quietLogger())
	trans2 := network.Join("n2", quietLogger())

	notices := make(chan transport.Message, 1)
	trans2.RegisterHandler(transport.TypeRecoveryResponse, func(msg transport.Message) {
		notices <- msg
	})

	store, err := storage.NewPartitionStore(t.TempDir(), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	replicasOf := func(cluster.PartitionID) []cluster.NodeID {
		return []cluster.NodeID{"n1", "n2"}
	}
	m, err := NewManager("n1", store, trans1, nil, replicasOf, Config{
		Dir:    filepath.Join(t.TempDir(), "backups"),
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, store.Put("p-1", []byte("k"), []byte("v")))
	_, err = m.CreateBackup("p-1")
	require.NoError(t, err)
	_, err = m.RestorePartition(context.Background(), "p-1", 0)
	require.NoError(t, err)

	select {
	case msg := <-notices:
		var notice recoveryNotice
		require.NoError(t, transport.DecodePayload(msg, &notice))
		assert.Equal(t, cluster.PartitionID("p-1"), notice.Partition)
	case <-time.After(time.Second):
		t.Fatal("replica never received recovery notice")
	}
}

func TestPruneKeepsNewestBackup(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, store.Put("p-1", []byte("k"), []byte("v")))

	_, err := m.CreateBackup("p-1")
	require.NoError(t, err)
	_, err = m.CreateBackup("p-1")
	require.NoError(t, err)

	// Age both files past retention; only the newest survives the prune.
	old := time.Now().Add(-8 * 24 * time.Hour)
	for _, name := range []string{"1.bak", "2.bak"} {
		path := filepath.Join(m.config.Dir, "p-1", name)
		require.NoError(t, os.Chtimes(path, old, old))
	}

	m.prune()

	_, err = os.Stat(filepath.Join(m.config.Dir, "p-1", "1.bak"))
	assert.True(t, os.IsNotExist(err), "old backup should be pruned")
	_, err = os.Stat(filepath.Join(m.config.Dir, "p-1", "2.bak"))
	assert.NoError(t, err, "newest backup survives regardless of age")
}
