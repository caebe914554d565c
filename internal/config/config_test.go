package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"install root", func(c *Config) string { return c.Install.Root }, ""},
		{"min free space", func(c *Config) string { return c.Install.MinFreeSpace }, "1GB"},
		{"progress interval", func(c *Config) string { return c.Progress.MinInterval }, "50ms"},
		{"db path", func(c *Config) string { return c.Store.DBPath }, ""},
		{"config patterns", func(c *Config) string { return strings.Join(c.Backup.ConfigPatterns, ",") }, "*_prefs.txt,*.prf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if !cfg.Verification.Enabled {
		t.Errorf("Verification.Enabled = false, want true")
	}
	if !cfg.Backup.Liveries || !cfg.Backup.ConfigFiles {
		t.Errorf("Backup defaults = %+v, want liveries and config files enabled", cfg.Backup)
	}
	if cfg.Install.StopOnError {
		t.Errorf("Install.StopOnError = true, want false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "addonkit.yaml")

	configContent := `
install:
  root: "/opt/X-Plane 12"
  min_free_space: "2GB"
  stop_on_error: true
hashing:
  workers: 4
verification:
  enabled: false
  workers: 2
backup:
  liveries: false
  config_patterns:
    - "*.cfg"
progress:
  min_interval: "250ms"
store:
  db_path: "/var/lib/addonkit/history.db"
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Install.Root != "/opt/X-Plane 12" {
		t.Errorf("Install.Root = %q, want /opt/X-Plane 12", cfg.Install.Root)
	}
	if !cfg.Install.StopOnError {
		t.Errorf("Install.StopOnError = false, want true")
	}
	if cfg.Hashing.Workers != 4 {
		t.Errorf("Hashing.Workers = %d, want 4", cfg.Hashing.Workers)
	}
	if cfg.Verification.Enabled {
		t.Errorf("Verification.Enabled = true, want false")
	}
	if cfg.Verification.Workers != 2 {
		t.Errorf("Verification.Workers = %d, want 2", cfg.Verification.Workers)
	}
	if cfg.Backup.Liveries {
		t.Errorf("Backup.Liveries = true, want false")
	}
	// Keys absent from the file keep their defaults
	if !cfg.Backup.ConfigFiles {
		t.Errorf("Backup.ConfigFiles = false, want default true")
	}
	if len(cfg.Backup.ConfigPatterns) != 1 || cfg.Backup.ConfigPatterns[0] != "*.cfg" {
		t.Errorf("Backup.ConfigPatterns = %v, want [*.cfg]", cfg.Backup.ConfigPatterns)
	}
	if got := cfg.MinFreeBytes(); got != 2<<30 {
		t.Errorf("MinFreeBytes() = %d, want %d", got, uint64(2<<30))
	}
	if got := cfg.ProgressInterval(); got != 250*time.Millisecond {
		t.Errorf("ProgressInterval() = %v, want 250ms", got)
	}
	if got := cfg.DBPath(); got != "/var/lib/addonkit/history.db" {
		t.Errorf("DBPath() = %q, want /var/lib/addonkit/history.db", got)
	}
}

// TestLoadInvalidYAML tests that Load returns an error for invalid YAML
func TestLoadInvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid.yaml")

	invalidContent := `
install:
  root: "/opt/xp"
  invalid: [unclosed bracket
`

	if err := os.WriteFile(configFile, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Load() succeeded, want error for invalid YAML")
	}
}

// TestLoadRejectsInvalidValues tests that Load runs Validate
func TestLoadRejectsInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "addonkit.yaml")

	content := `
install:
  min_free_space: "lots"
`
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(configFile)
	if err == nil {
		t.Fatal("Load() succeeded, want validation error")
	}
	if !strings.Contains(err.Error(), "min_free_space") {
		t.Errorf("error %q does not name the bad key", err)
	}
}

// TestLoadNonexistentFile tests that Load returns an error for missing files
func TestLoadNonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("Load() succeeded, want error for nonexistent file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty optional values", func(c *Config) { c.Install.MinFreeSpace = ""; c.Progress.MinInterval = "" }, ""},
		{"negative hash workers", func(c *Config) { c.Hashing.Workers = -1 }, "hashing.workers"},
		{"negative verify workers", func(c *Config) { c.Verification.Workers = -2 }, "verification.workers"},
		{"bad pattern", func(c *Config) { c.Backup.ConfigPatterns = []string{"[a-"} }, "config_patterns"},
		{"bad interval", func(c *Config) { c.Progress.MinInterval = "soon" }, "min_interval"},
		{"negative interval", func(c *Config) { c.Progress.MinInterval = "-1s" }, "min_interval"},
		{"bad size", func(c *Config) { c.Install.MinFreeSpace = "-5GB" }, "min_free_space"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Install.Root = "/opt/xp"
	want := filepath.Join("/opt/xp", ".addonkit", "history.db")
	if got := cfg.DBPath(); got != want {
		t.Errorf("DBPath() = %q, want %q", got, want)
	}

	cfg.Store.DBPath = "/tmp/h.db"
	if got := cfg.DBPath(); got != "/tmp/h.db" {
		t.Errorf("DBPath() = %q, want /tmp/h.db", got)
	}

	cfg = DefaultConfig()
	if got := cfg.DBPath(); !strings.HasSuffix(got, "history.db") {
		t.Errorf("DBPath() = %q, want a history.db path", got)
	}
}

func TestUnsetDurationsAndSizes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Install.MinFreeSpace = ""
	cfg.Progress.MinInterval = ""
	if got := cfg.MinFreeBytes(); got != 0 {
		t.Errorf("MinFreeBytes() = %d, want 0", got)
	}
	if got := cfg.ProgressInterval(); got != 0 {
		t.Errorf("ProgressInterval() = %v, want 0", got)
	}
}

// TestFindConfigFileNotFound tests that FindConfigFile returns error when no config exists
func TestFindConfigFileNotFound(t *testing.T) {
	if _, err := os.Stat("/etc/addonkit/addonkit.yaml"); err == nil {
		t.Skip("system config present")
	}
	if home, err := os.UserHomeDir(); err == nil {
		if _, err := os.Stat(filepath.Join(home, ".config", "addonkit", "addonkit.yaml")); err == nil {
			t.Skip("user config present")
		}
	}

	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(originalWd); err != nil {
			t.Fatalf("failed to restore working directory: %v", err)
		}
	})

	if _, err := FindConfigFile(); err == nil {
		t.Error("FindConfigFile() succeeded, want error when no config exists")
	}
}

// TestFindConfigFileFound tests that FindConfigFile prefers the working directory
func TestFindConfigFileFound(t *testing.T) {
	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	tempDir := t.TempDir()
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(originalWd); err != nil {
			t.Fatalf("failed to restore working directory: %v", err)
		}
	})

	configFile := filepath.Join(tempDir, "addonkit.yaml")
	if err := os.WriteFile(configFile, []byte("install:\n  root: /opt/xp\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	found, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() failed: %v", err)
	}
	if found != "addonkit.yaml" {
		t.Errorf("FindConfigFile() = %q, want addonkit.yaml", found)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"100B", 100, false},
		{"1KB", 1024, false},
		{"1MB", 1024 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"25GB", 25 * 1024 * 1024 * 1024, false},
		{"1TB", 1024 * 1024 * 1024 * 1024, false},
		{"500mb", 500 * 1024 * 1024, false},
		{"2 GB", 2 * 1024 * 1024 * 1024, false},
		{"1024", 1024, false},
		{"", 0, true},
		{"GB", 0, true},
		{"-1GB", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseSize(%q) expected error, got %d", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSize(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}
