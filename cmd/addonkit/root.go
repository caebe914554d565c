package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/addonkit/internal/config"
	"github.com/BadgerOps/addonkit/internal/store"
)

var (
	// Global flags
	cfgPath     string
	installRoot string
	logLevel    string
	logFormat   string
	quiet       bool
	globalCfg   *config.Config
	logger      *slog.Logger
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "addonkit",
		Short: "Install X-Plane add-ons atomically with verified backups",
		Long: `addonkit installs X-Plane add-ons (aircraft, scenery, scenery libraries,
plugins and navdata) from folders or archives. Every install is staged next to
its target and swapped in atomically, verified against the source checksums,
and aircraft liveries and preference files are backed up and restored when an
existing aircraft is replaced.`,
		Example: `  addonkit plan detected.json -o tasks.json
  addonkit install tasks.json
  addonkit install tasks.json --json-progress
  addonkit verify ~/Downloads/A330.zip "/opt/X-Plane 12/Aircraft/A330" --archive-root A330
  addonkit history --limit 5`,
		Version:      "0.1.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if installRoot != "" {
				globalCfg.Install.Root = installRoot
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "root", globalCfg.Install.Root)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&installRoot, "root", "", "override the X-Plane install root")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newPlanCmd(),
		newInstallCmd(),
		newVerifyCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}

// openStore opens the install history database, creating its directory
func openStore() (*store.Store, error) {
	if globalCfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	dbPath := globalCfg.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return st, nil
}

// closeStore closes a store opened by openStore
func closeStore(st *store.Store) {
	if st == nil {
		return
	}
	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
}
