// Tests for configuration loading, defaults, secret generation and validation.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine != EngineJSONL || cfg.MaxBulkOps != 1000 || cfg.Sync.Interval != 10*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	secret, err := cfg.Secret()
	if err != nil || len(secret) != 32 {
		t.Fatalf("secret = %d bytes, %v", len(secret), err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	again, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if again.JWTSecret != cfg.JWTSecret {
		t.Error("secret regenerated on second load")
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	data := "engine: bolt\nmax_bulk_ops: 50\nsync:\n  interval: 1m\n"
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine != EngineBolt || cfg.MaxBulkOps != 50 {
		t.Errorf("got engine %q max_bulk_ops %d", cfg.Engine, cfg.MaxBulkOps)
	}
	if cfg.Sync.Interval != time.Minute {
		t.Errorf("interval = %v, want 1m", cfg.Sync.Interval)
	}
	// Unset keys keep their defaults.
	if cfg.Sync.TTLInterval != time.Hour || cfg.YieldEvery != 100 {
		t.Errorf("defaults lost: %+v", cfg.Sync)
	}
	written, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(written), "jwt_secret:") {
		t.Errorf("generated secret not saved:\n%s", written)
	}
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("engine: mongo\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected an error for an unknown engine")
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.JWTSecret = strings.Repeat("ab", 32)
	if err := valid.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	tests := []struct {
		name string
		mod  func(c *Config)
		want string
	}{
		{"engine", func(c *Config) { c.Engine = "" }, "engine"},
		{"bulk", func(c *Config) { c.MaxBulkOps = 0 }, "max_bulk_ops"},
		{"short secret", func(c *Config) { c.JWTSecret = "abcd" }, "at least 32 bytes"},
		{"bad secret", func(c *Config) { c.JWTSecret = "zz" }, "jwt_secret"},
		{"rate", func(c *Config) { c.RateLimits.BulkPerMin = -1 }, "bulk_per_min"},
		{"interval", func(c *Config) { c.Sync.Interval = 0 }, "interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mod(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestAttachmentsPath(t *testing.T) {
	c := Default()
	if got, want := c.AttachmentsPath("/data"), filepath.Join("/data", "attachments"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	c.AttachmentsDir = "/srv/files"
	if got := c.AttachmentsPath("/data"); got != "/srv/files" {
		t.Errorf("got %q", got)
	}
}
