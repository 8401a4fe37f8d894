// Package config holds all configuration types and loading logic.
// Config structure never shrinks — fields are only added, never renamed or
// removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// BackendKind selects the storage variant. The set is closed: the variant
// is chosen at construction time from these names, never by inspecting
// types at runtime.
type BackendKind string

const (
	// BackendLogFile is the binary log-file storage — the default.
	BackendLogFile BackendKind = "logfile"
	// BackendLineLog is the line-oriented text-file storage.
	BackendLineLog BackendKind = "linelog"
	// BackendMemory is the in-process storage for tests.
	BackendMemory BackendKind = "memory"
)

// Config is the root configuration for a queue service instance.
type Config struct {
	Storage   StorageConfig  `yaml:"storage"`
	Queue     QueueConfig    `yaml:"queue"`
	Producers ProducerConfig `yaml:"producers"`
}

// StorageConfig controls where and how messages are persisted.
type StorageConfig struct {
	// Backend selects the storage variant.
	Backend BackendKind `yaml:"backend"`

	// DataDir is the root directory holding one subdirectory per queue.
	// Unused by the memory backend.
	DataDir string `yaml:"data_dir"`

	// LockRetryMs is the sleep between attempts to take a queue's
	// cross-process lock.
	LockRetryMs int `yaml:"lock_retry_ms"`
}

// QueueConfig sets the delivery behaviour that applies to every queue.
type QueueConfig struct {
	// VisibilityTimeoutMs is how long a pulled message stays invisible
	// before it is automatically redelivered.
	VisibilityTimeoutMs int `yaml:"visibility_timeout_ms"`
}

// ProducerConfig sets rate limiting applied to pushes.
type ProducerConfig struct {
	// MaxRate is pushes per second; 0 disables rate limiting.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:     BackendLogFile,
			DataDir:     "./data",
			LockRetryMs: 50,
		},
		Queue: QueueConfig{
			VisibilityTimeoutMs: 30_000,
		},
		Producers: ProducerConfig{
			MaxRate: 0,
			Burst:   0,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of
// Default(). If the file does not exist the default config is returned
// without error, making it easy to run with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	MQ_DATA_DIR               — sets storage.data_dir
//	MQ_BACKEND                — sets storage.backend
//	MQ_VISIBILITY_TIMEOUT_MS  — sets queue.visibility_timeout_ms
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MQ_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("MQ_BACKEND"); v != "" {
		cfg.Storage.Backend = BackendKind(v)
	}
	if v := os.Getenv("MQ_VISIBILITY_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Queue.VisibilityTimeoutMs = ms
		}
	}
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendLogFile, BackendLineLog, BackendMemory:
		// valid
	default:
		return fmt.Errorf(`storage.backend must be one of %q, %q, %q`,
			BackendLogFile, BackendLineLog, BackendMemory)
	}
	if c.Storage.Backend != BackendMemory && c.Storage.DataDir == "" {
		return errors.New("storage.data_dir must not be empty")
	}
	if c.Storage.LockRetryMs < 0 {
		return errors.New("storage.lock_retry_ms must be >= 0")
	}
	if c.Queue.VisibilityTimeoutMs < 1 {
		return errors.New("queue.visibility_timeout_ms must be at least 1")
	}
	if c.Producers.MaxRate < 0 {
		return errors.New("producers.max_rate must be >= 0")
	}
	if c.Producers.Burst < 0 {
		return errors.New("producers.burst must be >= 0")
	}
	if c.Producers.MaxRate > 0 && c.Producers.Burst < 1 {
		return errors.New("producers.burst must be at least 1 when producers.max_rate is set")
	}
	return nil
}
