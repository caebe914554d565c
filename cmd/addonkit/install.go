package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/addonkit/internal/addon"
	"github.com/BadgerOps/addonkit/internal/installer"
)

var (
	installJSONProgress bool
	installStopOnError  bool
	installNoHistory    bool
)

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install TASKS.json",
		Short: "Install add-ons from a task list",
		Long: `Install the tasks in TASKS.json (as written by "addonkit plan") one after
another. Each task is staged inside the install root, moved into place
atomically and verified against the checksums collected from its source.

Replacing an existing aircraft backs up its liveries and preference files,
verifies the backup, installs the new version and restores the user data.
A failed task does not stop the batch unless --stop-on-error is given.

Press Ctrl+C once to cancel after the current file; tasks already installed
stay installed. Press Ctrl+C again to abort immediately.`,
		Example: `  addonkit install tasks.json
  addonkit install tasks.json --stop-on-error
  addonkit install tasks.json --json-progress > progress.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: installRun,
	}

	cmd.Flags().BoolVar(&installJSONProgress, "json-progress", false, "write progress and the final report as JSON lines on stdout")
	cmd.Flags().BoolVar(&installStopOnError, "stop-on-error", false, "stop the batch at the first failed task")
	cmd.Flags().BoolVar(&installNoHistory, "no-history", false, "do not record this run in the history database")

	return cmd
}

func installRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	src, err := openInput(args[0])
	if err != nil {
		return fmt.Errorf("failed to read tasks: %w", err)
	}
	tasks, err := addon.LoadTasks(src)
	src.Close()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		log.Warn("no tasks to install")
		return nil
	}

	opts := installer.Options{
		InstallRoot:      globalCfg.Install.Root,
		MinFreeBytes:     globalCfg.MinFreeBytes(),
		HashWorkers:      globalCfg.Hashing.Workers,
		VerifyWorkers:    globalCfg.Verification.Workers,
		StopOnError:      globalCfg.Install.StopOnError || installStopOnError,
		ProgressInterval: globalCfg.ProgressInterval(),
		Logger:           log,
	}

	if !installNoHistory {
		st, err := openStore()
		if err != nil {
			log.Warn("install history disabled", "error", err)
		} else {
			defer closeStore(st)
			opts.Recorder = st
		}
	}

	var bar *barSink
	var jsonOut *jsonLinesSink
	switch {
	case installJSONProgress:
		jsonOut = newJSONLinesSink(os.Stdout)
		opts.Sink = jsonOut
	case !quiet:
		bar = newBarSink(os.Stderr)
		opts.Sink = bar
	}

	in := installer.New(opts)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	stop := handleInterrupts(ctx, in.Control(), cancel, log)
	defer stop()

	report, installErr := in.Install(ctx, tasks)
	if bar != nil {
		bar.finish()
	}
	if report == nil {
		return installErr
	}

	if jsonOut != nil {
		jsonOut.write(map[string]any{"report": report})
	} else if !quiet {
		printReport(os.Stdout, report)
	}

	switch {
	case report.Cancelled:
		return fmt.Errorf("install cancelled after %d of %d task(s)", report.Count(installer.StatusInstalled), len(tasks))
	case report.Count(installer.StatusFailed) > 0:
		return fmt.Errorf("install completed with %d failure(s)", report.Count(installer.StatusFailed))
	case installErr != nil && !errors.Is(installErr, installer.ErrCancelled):
		return installErr
	}
	return nil
}

// handleInterrupts turns the first SIGINT/SIGTERM into a cancel request
// honoured between files, and the second into an immediate abort.
func handleInterrupts(ctx context.Context, control *installer.TaskControl, abort context.CancelFunc, log *slog.Logger) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				if !control.CancelRequested() {
					log.Warn("cancelling after the current file, press Ctrl+C again to abort now")
					control.RequestCancel()
					continue
				}
				log.Error("aborting install")
				abort()
				return
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// barSink renders progress events on a terminal progress bar
type barSink struct {
	mu   sync.Mutex
	out  io.Writer
	bar  *progressbar.ProgressBar
	task int
}

func newBarSink(out io.Writer) *barSink {
	return &barSink{out: out, task: -1}
}

func (s *barSink) Progress(p installer.InstallProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bar == nil {
		if p.TotalBytes <= 0 {
			return
		}
		s.bar = progressbar.NewOptions64(p.TotalBytes,
			progressbar.OptionSetWriter(s.out),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(s.out) }),
		)
	}
	if p.CurrentTaskIndex != s.task || p.Phase != installer.PhaseInstalling {
		s.task = p.CurrentTaskIndex
		s.bar.Describe(fmt.Sprintf("[%d/%d] %s: %s", p.CurrentTaskIndex+1, p.TotalTasks, p.Phase, p.CurrentTaskName))
	}
	_ = s.bar.Set64(p.ProcessedBytes)
}

func (s *barSink) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar != nil {
		_ = s.bar.Finish()
	}
}

// jsonLinesSink writes each progress event as one JSON object per line
type jsonLinesSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONLinesSink(out io.Writer) *jsonLinesSink {
	return &jsonLinesSink{enc: json.NewEncoder(out)}
}

func (s *jsonLinesSink) Progress(p installer.InstallProgress) {
	s.write(p)
}

func (s *jsonLinesSink) write(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		slog.Default().Debug("failed to write progress", "error", err)
	}
}

// printReport writes a per-task table and run totals
func printReport(w io.Writer, report *installer.Report) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%-30s %-15s %-10s %-32s %10s\n", "Add-on", "Type", "Status", "Scenario", "Time")
	fmt.Fprintln(w, strings.Repeat("-", 101))

	for _, res := range report.Results {
		scenario := res.Scenario
		if scenario == "" {
			scenario = "-"
		}
		fmt.Fprintf(w, "%-30s %-15s %-10s %-32s %10s\n",
			truncate(res.DisplayName, 30),
			res.Kind,
			res.Status,
			scenario,
			res.Duration.Round(time.Millisecond),
		)
		if res.Error != "" {
			fmt.Fprintf(w, "    error (%s): %s\n", res.ErrorKind, res.Error)
		}
		if res.BackupPath != "" {
			fmt.Fprintf(w, "    your aircraft data is kept at: %s\n", res.BackupPath)
		}
		for i, m := range res.Mismatches {
			if i == 10 {
				fmt.Fprintf(w, "    ... and %d more\n", len(res.Mismatches)-i)
				break
			}
			fmt.Fprintf(w, "    - %s\n", m)
		}
	}

	s := report.Stats
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "=== INSTALL SUMMARY ===")
	fmt.Fprintf(w, "Installed:      %d\n", report.Count(installer.StatusInstalled))
	fmt.Fprintf(w, "Skipped:        %d\n", report.Count(installer.StatusSkipped))
	fmt.Fprintf(w, "Failed:         %d\n", report.Count(installer.StatusFailed))
	fmt.Fprintf(w, "Cancelled:      %d\n", report.Count(installer.StatusCancelled))
	fmt.Fprintf(w, "Files staged:   %s (%s)\n", humanize.Comma(s.FilesStaged), humanize.IBytes(uint64(s.BytesStaged)))
	fmt.Fprintf(w, "Files verified: %s\n", humanize.Comma(s.FilesVerified))
	if s.CopyFallbacks > 0 {
		fmt.Fprintf(w, "Copy fallbacks: %s\n", humanize.Comma(s.CopyFallbacks))
	}
	fmt.Fprintf(w, "Elapsed:        %s\n", report.Finished.Sub(report.Started).Round(time.Millisecond))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
