package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	return ParseFlags(fs, args)
}

func TestParseFlagsMinimal(t *testing.T) {
	cfg, err := parse(t, "--id", "n1", "--listen", "127.0.0.1:7400", "--dir", "/tmp/meridian")
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.NodeID != "n1" || cfg.ListenAddr != "127.0.0.1:7400" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	// Defaults fill in.
	if cfg.ReplicationFactor != 3 {
		t.Errorf("replication factor = %d, want 3", cfg.ReplicationFactor)
	}
	if cfg.BackupRetention != 7*24*time.Hour {
		t.Errorf("retention = %v, want 168h", cfg.BackupRetention)
	}
	if cfg.BackupDir != "/tmp/meridian/backups" {
		t.Errorf("backup dir = %q", cfg.BackupDir)
	}
}

func TestParsePeers(t *testing.T) {
	cfg, err := parse(t,
		"--id", "n1", "--listen", ":7400", "--dir", "/tmp/m",
		"--peers", "n2=10.0.0.2:7400, n3=10.0.0.3:7400")
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("peers = %v, want 2", cfg.Peers)
	}
	if cfg.Peers[0].ID != "n2" || cfg.Peers[0].Addr != "10.0.0.2:7400" {
		t.Fatalf("first peer = %+v", cfg.Peers[0])
	}
}

func TestParsePeersRejectsBareAddress(t *testing.T) {
	_, err := parse(t,
		"--id", "n1", "--listen", ":7400", "--dir", "/tmp/m",
		"--peers", "10.0.0.2:7400")
	if err == nil {
		t.Fatal("expected error for peer without id")
	}
}

func TestValidateReportsAllMissingFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestYAMLFileWithFlagOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	content := `
node_id: file-node
listen_addr: 0.0.0.0:7400
data_dir: /var/lib/meridian
replication_factor: 5
capacity:
  storage: 1073741824
  max_partitions: 64
  rack_id: r1
  datacenter_id: dc1
peers:
  - id: n2
    addr: 10.0.0.2:7400
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := parse(t, "--config", path, "--id", "flag-node")
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	if cfg.NodeID != "flag-node" {
		t.Errorf("node id = %q, flag should override file", cfg.NodeID)
	}
	if cfg.ListenAddr != "0.0.0.0:7400" {
		t.Errorf("listen addr = %q, want file value", cfg.ListenAddr)
	}
	if cfg.ReplicationFactor != 5 {
		t.Errorf("replication factor = %d, want 5 from file", cfg.ReplicationFactor)
	}
	if cfg.Capacity.MaxPartitions != 64 || cfg.Capacity.RackID != "r1" {
		t.Errorf("capacity = %+v", cfg.Capacity)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].ID != "n2" {
		t.Errorf("peers = %+v", cfg.Peers)
	}
}
