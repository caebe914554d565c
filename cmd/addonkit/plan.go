package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/addonkit/internal/addon"
	"github.com/BadgerOps/addonkit/internal/plan"
)

var planOutput string

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan ITEMS.json",
		Short: "Turn detected add-ons into install tasks",
		Long: `Read a JSON array of detected add-on items, drop items nested inside
other items of the same source, and write one install task per remaining item.

Each task gets its target path under the install root, the configured
verification and backup defaults, and a conflict flag when the target
already exists. Use "-" to read items from stdin.`,
		Example: `  addonkit plan detected.json
  addonkit plan detected.json -o tasks.json --root "/opt/X-Plane 12"
  scanner | addonkit plan - > tasks.json`,
		Args: cobra.ExactArgs(1),
		RunE: planRun,
	}

	cmd.Flags().StringVarP(&planOutput, "output", "o", "", "write tasks to this file instead of stdout")

	return cmd
}

func planRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalCfg.Install.Root == "" {
		return fmt.Errorf("install root not set (use --root or install.root in the config file)")
	}

	src, err := openInput(args[0])
	if err != nil {
		return fmt.Errorf("failed to read detected items: %w", err)
	}
	items, err := addon.LoadDetectedItems(src)
	src.Close()
	if err != nil {
		return err
	}

	planner := plan.NewPlanner(globalCfg.Install.Root, taskDefaults(), log)
	tasks := planner.Plan(items)

	out := io.Writer(os.Stdout)
	if planOutput != "" {
		f, err := os.Create(planOutput)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", planOutput, err)
		}
		defer f.Close()
		out = f
	}

	if err := addon.WriteTasks(out, tasks); err != nil {
		return err
	}

	conflicts := 0
	for _, t := range tasks {
		if t.ConflictExists {
			conflicts++
		}
	}
	if !quiet {
		fmt.Fprintf(os.Stderr, "Planned %d task(s) from %d item(s), %d target(s) already exist\n",
			len(tasks), len(items), conflicts)
	}
	return nil
}

// taskDefaults maps the configured verification and backup settings
func taskDefaults() plan.TaskDefaults {
	return plan.TaskDefaults{
		EnableVerification: globalCfg.Verification.Enabled,
		BackupLiveries:     globalCfg.Backup.Liveries,
		BackupConfigFiles:  globalCfg.Backup.ConfigFiles,
		ConfigFilePatterns: globalCfg.Backup.ConfigPatterns,
	}
}

// openInput opens path for reading, or stdin when path is "-"
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
