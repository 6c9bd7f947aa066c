// Package config loads loam configuration from three layers: compiled
// defaults, an optional YAML file, and LOAM_* environment variables.
// Later layers win. A missing config file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the loam server and CLI.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Ollama  OllamaConfig  `yaml:"ollama"`
	Storage StorageConfig `yaml:"storage"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Poll    PollConfig    `yaml:"poll"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OllamaConfig points at the local Ollama daemon used for embeddings.
type OllamaConfig struct {
	BaseURL    string `yaml:"base_url"`
	EmbedModel string `yaml:"embed_model"`
}

// StorageConfig locates the directory holding knowledge base files.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// IngestConfig tunes document chunking and file selection.
type IngestConfig struct {
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	Excludes     []string `yaml:"excludes"`
	UseGitignore bool     `yaml:"use_gitignore"`
}

// PollConfig tunes the console's status and telemetry polling loops.
// Intervals are in milliseconds so the YAML stays integer-only.
type PollConfig struct {
	StatusIntervalMs    int  `yaml:"status_interval_ms"`
	TelemetryIntervalMs int  `yaml:"telemetry_interval_ms"`
	RingSize            int  `yaml:"ring_size"`
	Coalesce            bool `yaml:"coalesce"`
}

// StatusInterval returns the status poll cadence as a duration.
func (p PollConfig) StatusInterval() time.Duration {
	return time.Duration(p.StatusIntervalMs) * time.Millisecond
}

// TelemetryInterval returns the telemetry poll cadence as a duration.
func (p PollConfig) TelemetryInterval() time.Duration {
	return time.Duration(p.TelemetryIntervalMs) * time.Millisecond
}

// LogConfig controls log verbosity. Level is one of debug, info, warn,
// error.
type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 5626,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ingest: IngestConfig{
			ChunkSize:    500,
			ChunkOverlap: 50,
			UseGitignore: true,
		},
		Poll: PollConfig{
			StatusIntervalMs:    1000,
			TelemetryIntervalMs: 800,
			RingSize:            50,
			Coalesce:            false,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the standard config file location,
// <user config dir>/loam/config.yaml.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "loam", "config.yaml")
}

// Load builds the configuration from defaults, the YAML file at path,
// and LOAM_* environment variables, in that order. An empty path means
// DefaultPath. A missing file leaves the defaults in place; a file
// that exists but fails to parse is an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	return loadFrom(path)
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Ollama.BaseURL == "" {
		return fmt.Errorf("ollama base_url must not be empty")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data_dir must not be empty")
	}
	if c.Ingest.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive: %d", c.Ingest.ChunkSize)
	}
	if c.Ingest.ChunkOverlap < 0 {
		return fmt.Errorf("chunk_overlap must not be negative: %d", c.Ingest.ChunkOverlap)
	}
	if c.Poll.StatusIntervalMs <= 0 {
		return fmt.Errorf("status_interval_ms must be positive: %d", c.Poll.StatusIntervalMs)
	}
	if c.Poll.TelemetryIntervalMs <= 0 {
		return fmt.Errorf("telemetry_interval_ms must be positive: %d", c.Poll.TelemetryIntervalMs)
	}
	if c.Poll.RingSize <= 0 {
		return fmt.Errorf("ring_size must be positive: %d", c.Poll.RingSize)
	}
	return nil
}
