package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration loaded from config.yaml.
type Config struct {
	DBPath         string        `yaml:"db_path"         json:"-"`
	HTTPAddr       string        `yaml:"http_addr"       json:"-"`
	LogLevel       string        `yaml:"log_level"       json:"-"`
	SignaturesDir  string        `yaml:"signatures_dir"  json:"signatures_dir"`
	UpdateSchedule string        `yaml:"update_schedule" json:"update_schedule"`
	ScanPaths      []string      `yaml:"scan_paths"      json:"scan_paths"`
	ScanSchedule   string        `yaml:"scan_schedule"   json:"scan_schedule"`
	ScanPaused     bool          `yaml:"scan_paused"     json:"scan_paused"`
	LookupFailure  string        `yaml:"lookup_failure"  json:"lookup_failure"`
	Memory         Memory        `yaml:"memory"          json:"memory"`
	BatchSize      int           `yaml:"batch_size"      json:"batch_size"`
	LockTimeout    time.Duration `yaml:"lock_timeout"    json:"lock_timeout"`
	Quarantine     Quarantine    `yaml:"quarantine"      json:"quarantine"`
}

// Memory bounds the digest buffer: Fraction of available memory, clamped to
// [MinBytes, MaxBytes].
type Memory struct {
	Fraction float64 `yaml:"fraction"  json:"fraction"`
	MinBytes int     `yaml:"min_bytes" json:"min_bytes"`
	MaxBytes int     `yaml:"max_bytes" json:"max_bytes"`
}

// Quarantine controls where matched files are moved and for how long they
// are kept.
type Quarantine struct {
	Dir           string `yaml:"dir"            json:"-"`
	RetentionDays int    `yaml:"retention_days" json:"retention_days"`
	Auto          bool   `yaml:"auto"           json:"auto"`
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "/data/hashguard.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SignaturesDir == "" {
		c.SignaturesDir = "/data/signatures"
	}
	if c.UpdateSchedule == "" {
		c.UpdateSchedule = "0 3 * * *"
	}
	if c.ScanSchedule == "" {
		c.ScanSchedule = "0 4 * * 0"
	}
	if c.LookupFailure == "" {
		c.LookupFailure = "fail_open"
	}
	if c.Memory.Fraction == 0 {
		c.Memory.Fraction = 0.5
	}
	if c.Memory.MinBytes == 0 {
		c.Memory.MinBytes = 64 << 10
	}
	if c.Memory.MaxBytes == 0 {
		c.Memory.MaxBytes = 64 << 20
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10000
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.Quarantine.Dir == "" {
		c.Quarantine.Dir = "/data/quarantine"
	}
	if c.Quarantine.RetentionDays == 0 {
		c.Quarantine.RetentionDays = 30
	}
}

// Validate rejects values that would only fail later at runtime.
func (c *Config) Validate() error {
	var errs []error
	switch c.LookupFailure {
	case "fail_open", "fail_closed":
	default:
		errs = append(errs, fmt.Errorf("lookup_failure: want fail_open or fail_closed, got %q", c.LookupFailure))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	if c.Memory.Fraction <= 0 || c.Memory.Fraction > 1 {
		errs = append(errs, fmt.Errorf("memory.fraction: must be in (0, 1], got %v", c.Memory.Fraction))
	}
	if c.Memory.MinBytes < 0 || c.Memory.MaxBytes < c.Memory.MinBytes {
		errs = append(errs, fmt.Errorf("memory: need 0 <= min_bytes <= max_bytes, got %d and %d", c.Memory.MinBytes, c.Memory.MaxBytes))
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch_size: must be positive, got %d", c.BatchSize))
	}
	if c.Quarantine.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("quarantine.retention_days: must be positive, got %d", c.Quarantine.RetentionDays))
	}
	return errors.Join(errs...)
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so the server
// can start without a mounted config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		var cfg Config
		cfg.applyDefaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return &cfg, nil
}
