// Manages server configuration stored in config.yaml.

package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file in the data directory.
const FileName = "config.yaml"

// Storage engines.
const (
	EngineJSONL = "jsonl"
	EngineBolt  = "bolt"
)

// Config stores all server-wide configuration.
// Loaded from config.yaml, created with defaults if missing.
type Config struct {
	// Engine selects the document store: "jsonl" or "bolt".
	Engine string `yaml:"engine"`

	// MaxBulkOps is the number of lines written per batch.
	MaxBulkOps int `yaml:"max_bulk_ops"`

	// MaxErrorsInSummary caps the line errors reported by a bulk request.
	MaxErrorsInSummary int `yaml:"max_errors_in_summary"`

	// YieldEvery is the number of rows processed between scheduler yields.
	YieldEvery int `yaml:"yield_every"`

	// AttachmentsDir holds the line attachments. Relative to the data
	// directory when not absolute.
	AttachmentsDir string `yaml:"attachments_dir"`

	// JWTSecret is the hex encoded secret used to verify bearer tokens.
	// Auto-generated if empty on first load.
	JWTSecret string `yaml:"jwt_secret"`

	// MaxRequestBodyBytes limits the size of non-bulk request bodies.
	MaxRequestBodyBytes int64 `yaml:"max_request_body_bytes"`

	// MaxBulkBodyBytes limits the size of bulk request bodies.
	MaxBulkBodyBytes int64 `yaml:"max_bulk_body_bytes"`

	RateLimits RateLimits `yaml:"rate_limits"`
	Sync       Sync       `yaml:"sync"`
}

// RateLimits defines rate limiting configuration (requests per minute).
type RateLimits struct {
	// WritePerMin limits single line writes per actor.
	// 0 means unlimited.
	WritePerMin int `yaml:"write_per_min"`

	// BulkPerMin limits bulk requests per actor.
	// 0 means unlimited.
	BulkPerMin int `yaml:"bulk_per_min"`
}

// Validate checks that rate limit values are non-negative.
func (r *RateLimits) Validate() error {
	if r.WritePerMin < 0 {
		return errors.New("write_per_min must be non-negative")
	}
	if r.BulkPerMin < 0 {
		return errors.New("bulk_per_min must be non-negative")
	}
	return nil
}

// Sync configures the background propagation worker.
type Sync struct {
	Debounce    time.Duration `yaml:"debounce"`
	Interval    time.Duration `yaml:"interval"`
	TTLInterval time.Duration `yaml:"ttl_interval"`
	MaxRetries  int           `yaml:"max_retries"`
	Concurrency int           `yaml:"concurrency"`
}

// Validate checks that the durations and counts are positive.
func (s *Sync) Validate() error {
	if s.Debounce < 0 {
		return errors.New("debounce must be non-negative")
	}
	if s.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if s.TTLInterval <= 0 {
		return errors.New("ttl_interval must be positive")
	}
	if s.MaxRetries < 0 {
		return errors.New("max_retries must be non-negative")
	}
	if s.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}
	return nil
}

// Default returns the default configuration, without a JWT secret.
func Default() Config {
	return Config{
		Engine:              EngineJSONL,
		MaxBulkOps:          1000,
		MaxErrorsInSummary:  10,
		YieldEvery:          100,
		AttachmentsDir:      "attachments",
		MaxRequestBodyBytes: 10 * 1024 * 1024,  // 10 MiB
		MaxBulkBodyBytes:    512 * 1024 * 1024, // 512 MiB
		RateLimits: RateLimits{
			WritePerMin: 600,
			BulkPerMin:  60,
		},
		Sync: Sync{
			Debounce:    time.Second,
			Interval:    10 * time.Second,
			TTLInterval: time.Hour,
			MaxRetries:  5,
			Concurrency: 4,
		},
	}
}

// Secret returns the decoded JWT secret.
func (c *Config) Secret() ([]byte, error) {
	b, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("jwt_secret: %w", err)
	}
	return b, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine != EngineJSONL && c.Engine != EngineBolt {
		return fmt.Errorf("engine must be %q or %q, got %q", EngineJSONL, EngineBolt, c.Engine)
	}
	if c.MaxBulkOps <= 0 {
		return errors.New("max_bulk_ops must be positive")
	}
	if c.MaxErrorsInSummary < 0 {
		return errors.New("max_errors_in_summary must be non-negative")
	}
	if c.YieldEvery <= 0 {
		return errors.New("yield_every must be positive")
	}
	if c.AttachmentsDir == "" {
		return errors.New("attachments_dir is required")
	}
	secret, err := c.Secret()
	if err != nil {
		return err
	}
	if len(secret) == 0 {
		return errors.New("jwt_secret is required")
	}
	if len(secret) < 32 {
		return errors.New("jwt_secret must be at least 32 bytes")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return errors.New("max_request_body_bytes must be positive")
	}
	if c.MaxBulkBodyBytes <= 0 {
		return errors.New("max_bulk_body_bytes must be positive")
	}
	if err := c.RateLimits.Validate(); err != nil {
		return fmt.Errorf("rate_limits: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// Load loads configuration from dataDir/config.yaml.
// Creates the file with defaults if it doesn't exist.
// Auto-generates JWTSecret if empty.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, FileName)

	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir, not user input
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
		}
	}

	modified := false
	if cfg.JWTSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.JWTSecret = hex.EncodeToString(secret)
		modified = true
	}

	if modified || errors.Is(err, os.ErrNotExist) {
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}

	return &cfg, nil
}

// Save saves configuration to dataDir/config.yaml.
func (c *Config) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, FileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}

// AttachmentsPath resolves AttachmentsDir against dataDir.
func (c *Config) AttachmentsPath(dataDir string) string {
	if filepath.IsAbs(c.AttachmentsDir) {
		return c.AttachmentsDir
	}
	return filepath.Join(dataDir, c.AttachmentsDir)
}
