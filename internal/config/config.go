package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Install      InstallConfig      `yaml:"install"`
	Hashing      HashingConfig      `yaml:"hashing"`
	Verification VerificationConfig `yaml:"verification"`
	Backup       BackupConfig       `yaml:"backup"`
	Progress     ProgressConfig     `yaml:"progress"`
	Store        StoreConfig        `yaml:"store"`
}

// InstallConfig holds install pipeline settings
type InstallConfig struct {
	Root         string `yaml:"root"`
	MinFreeSpace string `yaml:"min_free_space"`
	StopOnError  bool   `yaml:"stop_on_error"`
}

// HashingConfig holds pre-install hash collection settings
type HashingConfig struct {
	Workers int `yaml:"workers"`
}

// VerificationConfig holds post-install verification settings
type VerificationConfig struct {
	Enabled bool `yaml:"enabled"`
	Workers int  `yaml:"workers"`
}

// BackupConfig holds aircraft data protection defaults
type BackupConfig struct {
	Liveries       bool     `yaml:"liveries"`
	ConfigFiles    bool     `yaml:"config_files"`
	ConfigPatterns []string `yaml:"config_patterns"`
}

// ProgressConfig holds progress reporting settings
type ProgressConfig struct {
	MinInterval string `yaml:"min_interval"`
}

// StoreConfig holds install history settings
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Install: InstallConfig{
			MinFreeSpace: "1GB",
		},
		Hashing: HashingConfig{
			Workers: 8,
		},
		Verification: VerificationConfig{
			Enabled: true,
			Workers: 8,
		},
		Backup: BackupConfig{
			Liveries:       true,
			ConfigFiles:    true,
			ConfigPatterns: []string{"*_prefs.txt", "*.prf"},
		},
		Progress: ProgressConfig{
			MinInterval: "50ms",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"addonkit.yaml",
		"/etc/addonkit/addonkit.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "addonkit", "addonkit.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks values that YAML decoding cannot
func (c *Config) Validate() error {
	var errs []error
	if c.Install.MinFreeSpace != "" {
		if _, err := ParseSize(c.Install.MinFreeSpace); err != nil {
			errs = append(errs, fmt.Errorf("install.min_free_space: %w", err))
		}
	}
	if c.Hashing.Workers < 0 {
		errs = append(errs, fmt.Errorf("hashing.workers must not be negative"))
	}
	if c.Verification.Workers < 0 {
		errs = append(errs, fmt.Errorf("verification.workers must not be negative"))
	}
	for _, p := range c.Backup.ConfigPatterns {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("backup.config_patterns %q: %w", p, err))
		}
	}
	if c.Progress.MinInterval != "" {
		d, err := time.ParseDuration(c.Progress.MinInterval)
		if err != nil {
			errs = append(errs, fmt.Errorf("progress.min_interval: %w", err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("progress.min_interval must not be negative"))
		}
	}
	return errors.Join(errs...)
}

// MinFreeBytes returns install.min_free_space in bytes, 0 when unset
func (c *Config) MinFreeBytes() uint64 {
	if c.Install.MinFreeSpace == "" {
		return 0
	}
	n, err := ParseSize(c.Install.MinFreeSpace)
	if err != nil {
		return 0
	}
	return uint64(n)
}

// ProgressInterval returns progress.min_interval, 0 when unset
func (c *Config) ProgressInterval() time.Duration {
	d, err := time.ParseDuration(c.Progress.MinInterval)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// DBPath returns the history database location. An empty store.db_path
// resolves to .addonkit/history.db under the install root, or under the
// user config directory when no root is configured.
func (c *Config) DBPath() string {
	if c.Store.DBPath != "" {
		return c.Store.DBPath
	}
	if c.Install.Root != "" {
		return filepath.Join(c.Install.Root, ".addonkit", "history.db")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "addonkit", "history.db")
	}
	return "addonkit-history.db"
}

// ParseSize parses a human-readable size string like "25GB" into bytes.
// Supports B, KB, MB, GB, TB suffixes (case-insensitive).
// A plain number is treated as bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	s = strings.ToUpper(s)

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	for _, m := range multipliers {
		if !strings.HasSuffix(s, m.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
		if numStr == "" {
			return 0, fmt.Errorf("missing number in size: %s", s)
		}
		n, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in size %q: %w", s, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("negative size: %s", s)
		}
		return n * m.mult, nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size: %s", s)
	}
	return n, nil
}
