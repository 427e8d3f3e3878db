// Package config loads warden runtime settings from the environment
// and an optional YAML file. Precedence: explicit file values override
// environment variables, which override the built-in defaults.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML-decodes from strings like
// "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds everything the process needs to wire the core.
type Config struct {
	AuditLogPath string        `yaml:"audit_log_path" json:"audit_log_path"`
	DatabasePath string        `yaml:"database_path,omitempty" json:"database_path,omitempty"`
	RuleDir      string        `yaml:"rule_dir,omitempty" json:"rule_dir,omitempty"`
	LockTimeout  Duration      `yaml:"lock_timeout" json:"lock_timeout"`
	Sandbox      SandboxConfig `yaml:"sandbox" json:"sandbox"`
	Score        ScoreConfig   `yaml:"score" json:"score"`
}

// SandboxConfig tunes the execution engine.
type SandboxConfig struct {
	ConcurrencyLimit int      `yaml:"concurrency_limit" json:"concurrency_limit"`
	RatePerMinute    float64  `yaml:"rate_per_minute" json:"rate_per_minute"` // 0 = unlimited
	GracePeriod      Duration `yaml:"grace_period" json:"grace_period"`
	SlotTimeout      Duration `yaml:"slot_timeout" json:"slot_timeout"`
	WorkDir          string   `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
}

// ScoreConfig overrides the scoring policy thresholds.
type ScoreConfig struct {
	MinScore float64 `yaml:"min_score" json:"min_score"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		AuditLogPath: "warden-audit.jsonl",
		LockTimeout:  Duration(5 * time.Second),
		Sandbox: SandboxConfig{
			ConcurrencyLimit: 4,
			GracePeriod:      Duration(2 * time.Second),
			SlotTimeout:      Duration(30 * time.Second),
		},
		Score: ScoreConfig{MinScore: 0.70},
	}
}

// Load builds the configuration from environment variables on top of
// the defaults.
func Load() *Config {
	cfg := Default()

	if v := os.Getenv("WARDEN_AUDIT_LOG"); v != "" {
		cfg.AuditLogPath = v
	}
	if v := os.Getenv("WARDEN_DATABASE"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("WARDEN_RULE_DIR"); v != "" {
		cfg.RuleDir = v
	}
	if v := os.Getenv("WARDEN_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockTimeout = Duration(d)
		}
	}
	if v := os.Getenv("WARDEN_SANDBOX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sandbox.ConcurrencyLimit = n
		}
	}
	if v := os.Getenv("WARDEN_SANDBOX_WORKDIR"); v != "" {
		cfg.Sandbox.WorkDir = v
	}
	if v := os.Getenv("WARDEN_MIN_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.Score.MinScore = f
		}
	}
	return cfg
}

// LoadFile layers a YAML file over cfg. Unknown keys are rejected so a
// typo in an operator file fails loudly instead of silently defaulting.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg.Validate()
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	if c.AuditLogPath == "" {
		return fmt.Errorf("config: audit_log_path must not be empty")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("config: lock_timeout must be positive")
	}
	if c.Sandbox.ConcurrencyLimit <= 0 {
		return fmt.Errorf("config: sandbox.concurrency_limit must be positive")
	}
	if c.Score.MinScore <= 0 || c.Score.MinScore > 1 {
		return fmt.Errorf("config: score.min_score must be in (0, 1]")
	}
	return nil
}
