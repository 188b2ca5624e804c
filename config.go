package fieldsync

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// LocalStore configures the on-device SQLite store holding the action
	// queue, cache entries, and sync state.
	LocalStore LocalStoreConfig `json:"local_store" yaml:"local_store"`

	// Thresholds configures connection quality classification.
	Thresholds QualityThresholds `json:"thresholds" yaml:"thresholds"`

	// Sync configures scheduling, failure backoff, and reconciliation.
	Sync OrchestratorConfig `json:"sync" yaml:"sync"`

	// Remote configures the S3-backed remote document store. Ignored when a
	// RemoteStore is supplied directly to Open.
	Remote *S3RemoteConfig `json:"remote" yaml:"remote"`

	// Encryption configures at-rest encryption of cached payloads.
	// If nil or Enabled is false, cache payloads are stored unencrypted.
	Encryption *EncryptionConfig `json:"encryption" yaml:"encryption"`

	// Telemetry configures the Prometheus remote-write exporter.
	// If nil or Enabled is false, no metrics are pushed.
	Telemetry *TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// HTTP configures the local status API server.
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// LocalFields is the allow-list of locally-authoritative fields for
	// field-merge conflict resolution. Nil uses DefaultLocalFields.
	LocalFields []string `json:"local_fields" yaml:"local_fields"`

	// MaxRetries per queued action before it is parked as failed.
	// Default: 3.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// HTTPConfig groups status API server settings.
type HTTPConfig struct {
	// Enabled enables the HTTP status API.
	// Default: false.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Port for the HTTP status API.
	// Default: 8093.
	Port int `json:"port" yaml:"port"`
}

// DefaultConfig returns a configuration with sensible defaults. path is the
// SQLite database file for the local store.
func DefaultConfig(path string) Config {
	return Config{
		LocalStore: LocalStoreConfig{
			Path:           path,
			JournalMode:    "WAL",
			BusyTimeout:    5000,
			MaxConnections: 4,
		},
		Thresholds: DefaultQualityThresholds(),
		Sync:       DefaultOrchestratorConfig(),
		HTTP: HTTPConfig{
			Enabled: false,
			Port:    8093,
		},
		MaxRetries: DefaultMaxRetries,
	}
}

// Validate checks the configuration for inconsistencies that would only
// surface later as runtime failures.
func (c *Config) Validate() error {
	if c.LocalStore.Path == "" {
		return errors.New("local store path is required")
	}
	if c.Remote != nil && c.Remote.Bucket == "" {
		return errors.New("remote bucket is required when remote is configured")
	}
	if c.Encryption != nil && c.Encryption.Enabled &&
		len(c.Encryption.Key) == 0 && c.Encryption.KeyPassword == "" {
		return errors.New("encryption enabled but no key or password provided")
	}
	if c.Telemetry != nil && c.Telemetry.Enabled && c.Telemetry.TargetURL == "" {
		return errors.New("telemetry enabled but no target URL provided")
	}
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return fmt.Errorf("invalid HTTP port %d", c.HTTP.Port)
	}
	return nil
}

// LoadConfig reads a YAML configuration file. Absent fields keep the
// DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
