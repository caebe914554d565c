package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/addonkit/internal/installer"
	"github.com/BadgerOps/addonkit/internal/store"
)

var (
	historyLimit   int
	historyRunID   int64
	historyStatus  string
	historyBackups bool
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past install runs",
		Long: `Show install runs recorded in the history database, newest first.

Use --run to list the tasks of one run with their errors and verification
failures, and --backups to list aircraft data backups that were kept
because a restore could not be verified.`,
		Example: `  addonkit history
  addonkit history --limit 5 --status failed
  addonkit history --run 12
  addonkit history --backups`,
		RunE: historyRun,
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to show (0 for all)")
	cmd.Flags().Int64Var(&historyRunID, "run", 0, "show the tasks of this run")
	cmd.Flags().StringVar(&historyStatus, "status", "", "only runs with this status (success, partial, failed, cancelled, running)")
	cmd.Flags().BoolVar(&historyBackups, "backups", false, "list kept aircraft data backups")

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(st)

	switch {
	case historyRunID != 0:
		return showRun(st, historyRunID)
	case historyBackups:
		return showBackups(st)
	}

	log := slog.Default()
	log.Debug("history request", "limit", historyLimit, "status", historyStatus)

	runs, err := st.ListRuns(historyStatus, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No install runs recorded")
		return nil
	}

	fmt.Println("Install History")
	fmt.Println("===============")
	fmt.Println("")
	fmt.Printf("%6s  %-17s %-10s %6s %9s %7s %6s %10s\n", "Run", "Started", "Status", "Tasks", "Installed", "Skipped", "Failed", "Staged")
	fmt.Println(strings.Repeat("-", 80))

	for _, run := range runs {
		staged := "-"
		var stats installer.StatsSummary
		if err := json.Unmarshal([]byte(run.StatsJSON), &stats); err == nil && stats.BytesStaged > 0 {
			staged = humanize.IBytes(uint64(stats.BytesStaged))
		}
		fmt.Printf("%6d  %-17s %-10s %6d %9d %7d %6d %10s\n",
			run.ID,
			run.StartedAt.Local().Format("2006-01-02 15:04"),
			run.Status,
			run.TaskCount,
			run.Installed,
			run.Skipped,
			run.Failed,
			staged,
		)
	}
	fmt.Println("")
	return nil
}

func showRun(st *store.Store, id int64) error {
	run, err := st.GetRun(id)
	if err != nil {
		return err
	}
	recs, err := st.ListTaskRecords(id)
	if err != nil {
		return err
	}

	fmt.Printf("Run %d: %s, started %s", run.ID, run.Status, humanize.Time(run.StartedAt))
	if !run.FinishedAt.IsZero() && run.FinishedAt.After(run.StartedAt) {
		fmt.Printf(", took %s", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Println("")
	fmt.Println("")

	for _, rec := range recs {
		fmt.Printf("%-10s %-30s %s\n", rec.Status, rec.DisplayName, rec.TargetPath)
		if rec.Scenario != "" {
			fmt.Printf("    scenario: %s, %s\n", rec.Scenario, time.Duration(rec.DurationMS)*time.Millisecond)
		}
		if rec.ErrorMessage != "" {
			fmt.Printf("    error (%s): %s\n", rec.ErrorKind, rec.ErrorMessage)
		}
		if rec.BackupPath != "" {
			fmt.Printf("    backup kept at: %s\n", rec.BackupPath)
		}
		failures, err := st.ListVerificationFailures(rec.ID)
		if err != nil {
			return err
		}
		for _, f := range failures {
			if f.Error != "" {
				fmt.Printf("    - %s: %s\n", f.Path, f.Error)
				continue
			}
			fmt.Printf("    - %s: %s expected %s, got %s\n", f.Path, f.Algorithm, f.Expected, f.Actual)
		}
	}
	return nil
}

func showBackups(st *store.Store) error {
	recs, err := st.ListKeptBackups(historyLimit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No kept backups recorded")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("run %d  %-30s %s\n", rec.RunID, rec.DisplayName, rec.BackupPath)
	}
	return nil
}
