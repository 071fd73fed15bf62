// Package config loads node configuration from a YAML file and command-line
// flags. Flags win over file values, which win over defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/datapunk/meridian/pkg/cluster"
)

// Peer binds a node ID to its transport address.
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Config is the full node configuration.
type Config struct {
	NodeID     string `yaml:"node_id"`
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	BackupDir  string `yaml:"backup_dir"`
	Peers      []Peer `yaml:"peers"`

	Capacity cluster.Capacity `yaml:"capacity"`

	ReplicationFactor int `yaml:"replication_factor"`

	HealthInterval  time.Duration `yaml:"health_interval"`
	BackupInterval  time.Duration `yaml:"backup_interval"`
	BackupRetention time.Duration `yaml:"backup_retention"`

	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	LogLevel string `yaml:"log_level"`
}

// defaults fills zero fields that have sensible defaults.
func (c *Config) defaults() {
	if c.BackupDir == "" && c.DataDir != "" {
		c.BackupDir = c.DataDir + "/backups"
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 3
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.BackupInterval == 0 {
		c.BackupInterval = time.Hour
	}
	if c.BackupRetention == 0 {
		c.BackupRetention = 7 * 24 * time.Hour
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 250 * time.Millisecond
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load reads a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.defaults()
	return cfg, nil
}

// ParseFlags builds a Config from command-line flags, optionally layered on
// top of a --config YAML file. The flag.FlagSet is injected so tests can
// parse custom argument lists.
func ParseFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	var (
		configPath string
		peersStr   string
	)
	cfg := &Config{}

	fs.StringVar(&configPath, "config", "", "Path to YAML config file")
	fs.StringVar(&cfg.NodeID, "id", "", "Node identifier (required)")
	fs.StringVar(&cfg.ListenAddr, "listen", "", "Listen address, host:port (required)")
	fs.StringVar(&cfg.DataDir, "dir", "", "Data directory path (required)")
	fs.StringVar(&peersStr, "peers", "", "Comma-separated peers as id=addr")
	fs.IntVar(&cfg.ReplicationFactor, "replication-factor", 0, "Target replicas per partition")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	base := &Config{}
	if configPath != "" {
		loaded, err := Load(configPath)
		if err != nil {
			return nil, err
		}
		base = loaded
	}

	// Flags override file values field by field.
	if cfg.NodeID != "" {
		base.NodeID = cfg.NodeID
	}
	if cfg.ListenAddr != "" {
		base.ListenAddr = cfg.ListenAddr
	}
	if cfg.DataDir != "" {
		base.DataDir = cfg.DataDir
	}
	if cfg.ReplicationFactor != 0 {
		base.ReplicationFactor = cfg.ReplicationFactor
	}
	if cfg.LogLevel != "" {
		base.LogLevel = cfg.LogLevel
	}
	if peersStr != "" {
		peers, err := parsePeers(peersStr)
		if err != nil {
			return nil, err
		}
		base.Peers = peers
	}

	base.defaults()
	return base, nil
}

// parsePeers splits "id=addr,id=addr" into peer bindings.
func parsePeers(peersStr string) ([]Peer, error) {
	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		idx := strings.Index(trimmed, "=")
		if idx <= 0 || idx == len(trimmed)-1 {
			return nil, fmt.Errorf("invalid peer %q, want id=addr", trimmed)
		}
		peers = append(peers, Peer{
			ID:   strings.TrimSpace(trimmed[:idx]),
			Addr: strings.TrimSpace(trimmed[idx+1:]),
		})
	}
	return peers, nil
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	var errs []string
	if c.NodeID == "" {
		errs = append(errs, "missing node id (--id)")
	}
	if c.ListenAddr == "" {
		errs = append(errs, "missing listen address (--listen)")
	}
	if c.DataDir == "" {
		errs = append(errs, "missing data directory (--dir)")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
