package storage

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestPartitionStore(t *testing.T) *PartitionStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store, err := NewPartitionStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewPartitionStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPartitionStorePutGet(t *testing.T) {
	store := newTestPartitionStore(t)

	if err := store.Put("p-1", []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, err := store.Get("p-1", []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != "v" {
		t.Fatalf("Get = %q, want %q", val, "v")
	}
}

func TestPartitionStoreMissingKey(t *testing.T) {
	store := newTestPartitionStore(t)

	if _, err := store.Get("p-1", []byte("absent")); !errors.Is(err, ErrPartitionNotFound) {
		t.Fatalf("Get = %v, want ErrPartitionNotFound", err)
	}
}

func TestPartitionStoreKeysAreNamespaced(t *testing.T) {
	store := newTestPartitionStore(t)

	if err := store.Put("p-1", []byte("k"), []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("p-2", []byte("k"), []byte("two")); err != nil {
		t.Fatal(err)
	}

	val, err := store.Get("p-1", []byte("k"))
	if err != nil || string(val) != "one" {
		t.Fatalf("p-1 value = %q, %v", val, err)
	}
	val, err = store.Get("p-2", []byte("k"))
	if err != nil || string(val) != "two" {
		t.Fatalf("p-2 value = %q, %v", val, err)
	}
}

func TestPartitionStoreExportImportRoundTrip(t *testing.T) {
	source := newTestPartitionStore(t)
	target := newTestPartitionStore(t)

	records := map[string]string{"alpha": "1", "beta": "2", "gamma": "3"}
	for k, v := range records {
		if err := source.Put("p-1", []byte(k), []byte(v)); err != nil {
			t.Fatal(err)
		}
	}
	// Data in another partition must not leak into the snapshot.
	if err := source.Put("p-2", []byte("other"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	snap, err := source.Export("p-1")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(snap.Records) != len(records) {
		t.Fatalf("snapshot has %d records, want %d", len(snap.Records), len(records))
	}

	// Snapshots travel encoded over the wire.
	raw, err := EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	decoded, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if err := target.Import(decoded); err != nil {
		t.Fatalf("Import: %v", err)
	}
	for k, v := range records {
		val, err := target.Get("p-1", []byte(k))
		if err != nil {
			t.Fatalf("Get(%s) after import: %v", k, err)
		}
		if string(val) != v {
			t.Fatalf("Get(%s) = %q, want %q", k, val, v)
		}
	}
	if _, err := target.Get("p-2", []byte("other")); !errors.Is(err, ErrPartitionNotFound) {
		t.Fatal("other partition leaked through the snapshot")
	}
}

func TestPartitionStoreImportReplacesExisting(t *testing.T) {
	store := newTestPartitionStore(t)

	if err := store.Put("p-1", []byte("stale"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	snap := &PartitionSnapshot{
		Partition: "p-1",
		Records:   []Record{{Key: []byte("fresh"), Value: []byte("y")}},
	}
	if err := store.Import(snap); err != nil {
		t.Fatalf("Import: %v", err)
	}

	if _, err := store.Get("p-1", []byte("stale")); !errors.Is(err, ErrPartitionNotFound) {
		t.Fatal("stale record survived import")
	}
	val, err := store.Get("p-1", []byte("fresh"))
	if err != nil || string(val) != "y" {
		t.Fatalf("fresh record = %q, %v", val, err)
	}
}

func TestPartitionStoreDropPartition(t *testing.T) {
	store := newTestPartitionStore(t)

	if err := store.Put("p-1", []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("p-2", []byte("k"), []byte("kept")); err != nil {
		t.Fatal(err)
	}

	if err := store.DropPartition("p-1"); err != nil {
		t.Fatalf("DropPartition: %v", err)
	}

	if _, err := store.Get("p-1", []byte("k")); !errors.Is(err, ErrPartitionNotFound) {
		t.Fatal("record survived DropPartition")
	}
	val, err := store.Get("p-2", []byte("k"))
	if err != nil || string(val) != "kept" {
		t.Fatalf("p-2 affected by DropPartition: %q, %v", val, err)
	}
}
