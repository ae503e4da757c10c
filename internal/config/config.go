// Package config manages loquat process configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nocturne-games/loquat/internal/mesh"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete configuration of one loquat process.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Mesh    MeshConfig    `koanf:"mesh"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// ServerConfig identifies this process inside the cluster.
type ServerConfig struct {
	// Type is the server type, matched against the first route segment
	// (e.g. "area", "chat", "connector").
	Type string `koanf:"type"`

	// ID is the unique process id (e.g. "area-1").
	ID string `koanf:"id"`

	// Env selects the environment-specific config subtree under Base
	// (e.g. "development", "production").
	Env string `koanf:"env"`

	// Base is the application base directory holding crons.json and the
	// per-environment config tree.
	Base string `koanf:"base"`

	// Frontend marks connector-type processes that own client sessions.
	Frontend bool `koanf:"frontend"`
}

// MeshConfig holds the inter-process RPC configuration.
type MeshConfig struct {
	// Addr is the mesh listen address (e.g. ":4050").
	Addr string `koanf:"addr"`

	// Peers is the static table of reachable processes.
	Peers []PeerConfig `koanf:"peers"`
}

// PeerConfig describes one reachable process.
type PeerConfig struct {
	// Type is the peer's server type.
	Type string `koanf:"type"`

	// ID is the peer's process id.
	ID string `koanf:"id"`

	// Addr is the peer's mesh base URL (e.g. "http://10.0.0.5:4050").
	Addr string `koanf:"addr"`
}

// Peer converts the config entry into the mesh peer record.
func (pc PeerConfig) Peer() mesh.Peer {
	return mesh.Peer{ServerType: pc.Type, ID: pc.ID, Addr: pc.Addr}
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// Server.Type and Server.ID have no defaults: process identity must come
// from the config file or the environment.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Env:  "development",
			Base: ".",
		},
		Mesh: MeshConfig{
			Addr: ":4050",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for loquat configuration.
// Variables are named LOQUAT_<section>_<key>, e.g., LOQUAT_MESH_ADDR.
const envPrefix = "LOQUAT_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (LOQUAT_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	LOQUAT_SERVER_TYPE  -> server.type
//	LOQUAT_SERVER_ID    -> server.id
//	LOQUAT_MESH_ADDR    -> mesh.addr
//	LOQUAT_METRICS_ADDR -> metrics.addr
//	LOQUAT_LOG_LEVEL    -> log.level
//
// The peer table has no environment form; it comes from the file only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// LOQUAT_MESH_ADDR -> mesh.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// FromEnv builds a configuration from defaults and environment variable
// overrides alone, for deployments without a config file. Process identity
// must then come from LOQUAT_SERVER_TYPE and LOQUAT_SERVER_ID.
func FromEnv() (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from environment: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms LOQUAT_MESH_ADDR -> mesh.addr.
// Strips the LOQUAT_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"server.env":      defaults.Server.Env,
		"server.base":     defaults.Server.Base,
		"server.frontend": defaults.Server.Frontend,
		"mesh.addr":       defaults.Mesh.Addr,
		"metrics.addr":    defaults.Metrics.Addr,
		"metrics.path":    defaults.Metrics.Path,
		"log.level":       defaults.Log.Level,
		"log.format":      defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyServerType indicates the server type is missing.
	ErrEmptyServerType = errors.New("server.type must not be empty")

	// ErrEmptyServerID indicates the process id is missing.
	ErrEmptyServerID = errors.New("server.id must not be empty")

	// ErrInvalidServerType indicates the server type is not a valid route
	// segment.
	ErrInvalidServerType = errors.New("server.type must not contain dots")

	// ErrEmptyMeshAddr indicates the mesh listen address is empty.
	ErrEmptyMeshAddr = errors.New("mesh.addr must not be empty")

	// ErrInvalidPeer indicates a peer table entry is missing a field.
	ErrInvalidPeer = errors.New("peer entry needs type, id, and addr")

	// ErrDuplicatePeerID indicates two peer entries share a process id.
	ErrDuplicatePeerID = errors.New("duplicate peer id")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Server.Type == "" {
		return ErrEmptyServerType
	}
	if strings.Contains(cfg.Server.Type, ".") {
		return fmt.Errorf("server.type %q: %w", cfg.Server.Type, ErrInvalidServerType)
	}
	if cfg.Server.ID == "" {
		return ErrEmptyServerID
	}
	if cfg.Mesh.Addr == "" {
		return ErrEmptyMeshAddr
	}

	return validatePeers(cfg.Mesh.Peers)
}

// validatePeers checks each peer table entry for completeness and unique
// process ids.
func validatePeers(peers []PeerConfig) error {
	seen := make(map[string]struct{}, len(peers))

	for i, pc := range peers {
		if pc.Type == "" || pc.ID == "" || pc.Addr == "" {
			return fmt.Errorf("peers[%d]: %w", i, ErrInvalidPeer)
		}
		if _, dup := seen[pc.ID]; dup {
			return fmt.Errorf("peers[%d] id %q: %w", i, pc.ID, ErrDuplicatePeerID)
		}
		seen[pc.ID] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
