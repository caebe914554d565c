package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect addonkit configuration. The config file is read from --config,
or from addonkit.yaml, /etc/addonkit/addonkit.yaml or
~/.config/addonkit/addonkit.yaml, in that order.`,
		Example: `  addonkit config show
  addonkit config path`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigPathCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format, with defaults for
keys the config file leaves out and command-line overrides applied.`,
		Example: `  addonkit config show
  addonkit config show --config /etc/addonkit/addonkit.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show which config file and history database are used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalCfg == nil {
				return fmt.Errorf("config not loaded")
			}
			file := cfgPath
			if file == "" {
				file = "(none, using defaults)"
			}
			fmt.Printf("Config file: %s\n", file)
			fmt.Printf("History DB:  %s\n", globalCfg.DBPath())
			return nil
		},
	}
}
