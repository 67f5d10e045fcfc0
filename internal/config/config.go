// Package config loads and saves the daemon's YAML configuration,
// following the same "read with graceful defaults on missing file"
// shape the teacher uses for its wing.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RateLimit bounds the debug HTTP/WebSocket surface's per-tenant
// request rate.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty"`
}

// RestEncryption toggles optional payload-at-rest sealing.
type RestEncryption struct {
	Enabled       bool   `yaml:"enabled,omitempty"`
	MasterKeyPath string `yaml:"master_key_path,omitempty"` // file containing the raw key bytes
}

// Config is the daemon's full runtime configuration, persisted as
// golemreplay.yaml.
type Config struct {
	// DataDir holds the SQLite database and its WAL file.
	DataDir string `yaml:"data_dir"`

	// DebugAddr is the bind address for the HTTP/WebSocket debug
	// surface (internal/debugapi). Empty disables it.
	DebugAddr string `yaml:"debug_addr,omitempty"`

	// GRPCAddr is the bind address for the read-only gRPC lookup
	// service (internal/grpcoplog). Empty disables it.
	GRPCAddr string `yaml:"grpc_addr,omitempty"`

	// OperatorPublicKeyPath points at a base64-DER ECDSA P-256 public
	// key file. When set, both the debug HTTP surface and the gRPC
	// lookup service require a valid ES256 operator JWT (internal/authgate)
	// signed by the matching private key. Empty disables auth — only
	// appropriate for loopback-only deployments.
	OperatorPublicKeyPath string `yaml:"operator_public_key_path,omitempty"`

	// LookupChunkSize bounds how many entries a single debug list
	// request returns. The gRPC lookup service does not use it; it
	// reads one entry per request.
	LookupChunkSize uint64 `yaml:"lookup_chunk_size,omitempty"`

	RateLimit      RateLimit      `yaml:"rate_limit,omitempty"`
	RestEncryption RestEncryption `yaml:"rest_encryption,omitempty"`
}

// Default returns the configuration a fresh self-hosted install starts
// from.
func Default() Config {
	return Config{
		DataDir:         "./data",
		DebugAddr:       "127.0.0.1:8081",
		GRPCAddr:        "127.0.0.1:8082",
		LookupChunkSize: 1024,
		RateLimit: RateLimit{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// SQLiteDSN returns the database file path derived from DataDir.
func (c Config) SQLiteDSN() string {
	return filepath.Join(c.DataDir, "oplog.db")
}

// WALPath returns the path SQLite's WAL mode writes to, used by
// internal/durablestore's GrowthWatcher.
func (c Config) WALPath() string {
	return c.SQLiteDSN() + "-wal"
}

// Load reads path as YAML into a Config seeded with Default(). A
// missing file is not an error — the defaults are returned as-is,
// mirroring the teacher's load-with-fallback behavior for a fresh
// install.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as
// needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
