// Package installer applies install tasks to the filesystem. Each task is
// staged in a private directory on the destination volume and swapped into
// place, with rollback for replacements and a verified backup of aircraft
// user data. Tasks run sequentially; hashing and verification inside a task
// run in parallel.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/addonkit/internal/addon"
	"github.com/BadgerOps/addonkit/internal/archive"
	"github.com/BadgerOps/addonkit/internal/fileops"
	"github.com/BadgerOps/addonkit/internal/hashing"
	"github.com/BadgerOps/addonkit/internal/plan"
	"github.com/BadgerOps/addonkit/internal/safety"
	"github.com/BadgerOps/addonkit/internal/verify"
)

// TaskStatus is the outcome of one task.
type TaskStatus string

const (
	StatusInstalled TaskStatus = "installed"
	StatusSkipped   TaskStatus = "skipped"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// TaskResult records what happened to one task.
type TaskResult struct {
	TaskID      string            `json:"task_id"`
	DisplayName string            `json:"display_name"`
	Kind        addon.Kind        `json:"addon_type"`
	TargetPath  string            `json:"target_path"`
	Status      TaskStatus        `json:"status"`
	Scenario    string            `json:"scenario,omitempty"`
	ErrorKind   ErrorKind         `json:"error_kind,omitempty"`
	Error       string            `json:"error,omitempty"`
	BackupPath  string            `json:"backup_path,omitempty"`
	Mismatches  []verify.Mismatch `json:"mismatches,omitempty"`
	Duration    time.Duration     `json:"duration"`

	// Err is the full error for failed and cancelled tasks.
	Err error `json:"-"`
}

// Report summarizes an Install run.
type Report struct {
	Results   []TaskResult `json:"results"`
	Stats     StatsSummary `json:"stats"`
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
	Cancelled bool         `json:"cancelled"`
}

// Count returns how many results have status s.
func (r *Report) Count(s TaskStatus) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Recorder persists install runs. Recording errors are logged and never
// fail an install.
type Recorder interface {
	BeginRun(ctx context.Context, taskCount int) (int64, error)
	RecordTask(ctx context.Context, runID int64, result TaskResult) error
	FinishRun(ctx context.Context, runID int64, report *Report) error
}

// Options configures an Installer.
type Options struct {
	// InstallRoot holds staging and backup directories. It must be on the
	// same volume as the targets. Empty means each target's parent directory.
	InstallRoot      string
	MinFreeBytes     uint64
	HashWorkers      int
	VerifyWorkers    int
	StopOnError      bool
	ProgressInterval time.Duration
	Sink             ProgressSink
	Control          *TaskControl
	Recorder         Recorder
	Logger           *slog.Logger
}

// Installer runs batches of install tasks.
type Installer struct {
	opts    Options
	control *TaskControl
	logger  *slog.Logger

	// activeTracker is the progress tracker of the running batch, if any.
	trackerMu     sync.RWMutex
	activeTracker *ProgressTracker
}

// New creates an Installer.
func New(opts Options) *Installer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Control == nil {
		opts.Control = NewTaskControl()
	}
	return &Installer{opts: opts, control: opts.Control, logger: opts.Logger}
}

// Control returns the task control polled by Install.
func (in *Installer) Control() *TaskControl {
	return in.control
}

// ActiveProgress returns the tracker of the running batch, or nil.
func (in *Installer) ActiveProgress() *ProgressTracker {
	in.trackerMu.RLock()
	defer in.trackerMu.RUnlock()
	return in.activeTracker
}

// Install runs tasks in order. A failed task does not stop the batch unless
// StopOnError is set; tasks already installed stay installed when a later
// one fails or the batch is cancelled. The error joins every task error, and
// matches ErrCancelled when the batch stopped early.
func (in *Installer) Install(ctx context.Context, tasks []addon.InstallTask) (*Report, error) {
	stats := &Stats{}
	tracker := NewProgressTracker(in.opts.Sink, in.opts.ProgressInterval)
	in.trackerMu.Lock()
	in.activeTracker = tracker
	in.trackerMu.Unlock()

	report := &Report{Started: time.Now()}
	in.logger.Info("starting install", "tasks", len(tasks))

	tracker.SetPhase(PhaseCalculating)
	sizes := make([]int64, len(tasks))
	var total int64
	for i, task := range tasks {
		sizes[i] = in.taskSize(task)
		total += sizes[i]
	}
	tracker.SetTotals(total, len(tasks))

	runID := in.beginRun(ctx, len(tasks))

	collector := hashing.NewCollector(in.opts.HashWorkers, in.logger, &stats.Hashing)
	verifier := verify.New(in.opts.VerifyWorkers, in.logger)

	var errs []error
	for i, task := range tasks {
		if err := in.control.check(ctx); err != nil && !errors.Is(err, errSkipped) {
			report.Cancelled = true
			report.Results = append(report.Results, notRun(tasks[i:], err)...)
			break
		}

		base := tracker.Processed()
		tracker.StartTask(i, task.DisplayName)
		res := in.runTask(ctx, task, tracker, stats, collector, verifier)
		// A skip raised after the task's last poll must not carry over.
		in.control.clearSkip()
		tracker.AdvanceTo(base + sizes[i])

		report.Results = append(report.Results, res)
		in.recordTask(ctx, runID, res)

		if res.Status == StatusCancelled {
			report.Cancelled = true
			report.Results = append(report.Results, notRun(tasks[i+1:], res.Err)...)
			break
		}
		if res.Status == StatusFailed {
			errs = append(errs, res.Err)
			if in.opts.StopOnError {
				in.logger.Warn("stopping batch after failure", "task", task.ID)
				report.Results = append(report.Results, notRun(tasks[i+1:], ErrCancelled)...)
				break
			}
		}
	}

	tracker.Complete()
	report.Finished = time.Now()
	report.Stats = stats.Summary()
	in.finishRun(ctx, runID, report)

	in.logger.Info("install finished",
		"installed", report.Count(StatusInstalled),
		"skipped", report.Count(StatusSkipped),
		"failed", report.Count(StatusFailed),
		"cancelled", report.Count(StatusCancelled),
		"duration", report.Finished.Sub(report.Started).Round(time.Millisecond),
	)

	if report.Cancelled {
		return report, errors.Join(append([]error{ErrCancelled}, errs...)...)
	}
	return report, errors.Join(errs...)
}

func notRun(tasks []addon.InstallTask, cause error) []TaskResult {
	out := make([]TaskResult, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskResult{
			TaskID:      t.ID,
			DisplayName: t.DisplayName,
			Kind:        t.Kind,
			TargetPath:  t.TargetPath,
			Status:      StatusCancelled,
			ErrorKind:   KindCancelled,
			Error:       "not started",
			Err:         cause,
		})
	}
	return out
}

func (in *Installer) runTask(
	ctx context.Context,
	task addon.InstallTask,
	tracker *ProgressTracker,
	stats *Stats,
	collector *hashing.Collector,
	verifier *verify.Verifier,
) TaskResult {
	start := time.Now()
	res := TaskResult{
		TaskID:      task.ID,
		DisplayName: task.DisplayName,
		Kind:        task.Kind,
		TargetPath:  task.TargetPath,
	}

	err := in.installTask(ctx, task, tracker, stats, collector, verifier, &res)
	res.Duration = time.Since(start)

	switch {
	case err == nil:
		res.Status = StatusInstalled
		stats.TasksInstalled.Add(1)
		in.logger.Info("task installed", "task", task.ID, "name", task.DisplayName, "scenario", res.Scenario)
	case errors.Is(err, errSkipped):
		res.Status = StatusSkipped
		stats.TasksSkipped.Add(1)
		in.logger.Info("task skipped", "task", task.ID, "name", task.DisplayName)
	default:
		te := wrapTaskError(task.ID, task.DisplayName, err)
		res.Err = te
		res.Error = te.Error()
		res.ErrorKind = te.Kind
		res.BackupPath = te.BackupPath
		if te.Kind == KindCancelled {
			res.Status = StatusCancelled
			in.logger.Warn("task cancelled", "task", task.ID, "name", task.DisplayName)
			break
		}
		res.Status = StatusFailed
		stats.TasksFailed.Add(1)
		in.logger.Error("task failed", "task", task.ID, "name", task.DisplayName, "kind", te.Kind, "error", err)
	}
	return res
}

func (in *Installer) installTask(
	ctx context.Context,
	task addon.InstallTask,
	tracker *ProgressTracker,
	stats *Stats,
	collector *hashing.Collector,
	verifier *verify.Verifier,
	res *TaskResult,
) error {
	if err := in.control.check(ctx); err != nil {
		return err
	}
	if err := task.Validate(); err != nil {
		return &TaskError{Kind: KindValidation, Err: err}
	}
	if err := in.checkTarget(task); err != nil {
		return &TaskError{Kind: KindValidation, Err: err}
	}
	if _, err := os.Stat(task.SourcePath); err != nil {
		return &TaskError{Kind: KindValidation, Err: fmt.Errorf("source: %w", err)}
	}

	exists, err := fileops.Exists(task.TargetPath)
	if err != nil {
		return err
	}
	sc, err := SelectScenario(task, exists)
	if err != nil {
		return err
	}
	res.Scenario = sc.String()

	expected := task.FileHashes
	if task.EnableVerification && len(expected) == 0 {
		expected, err = collector.CollectHashes(ctx, task)
		if err != nil {
			return fmt.Errorf("collecting hashes: %w", err)
		}
	}

	root := in.opts.InstallRoot
	if root == "" {
		root = filepath.Dir(filepath.Clean(task.TargetPath))
	}
	ai, err := NewAtomicInstaller(root, AtomicOptions{
		MinFreeBytes: in.opts.MinFreeBytes,
		Logger:       in.logger,
		Stats:        stats,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = ai.Close()
	}()

	staged, err := ai.Stage(ctx, task, func(rel string, n int64) error {
		tracker.FileDone(rel, n)
		return in.control.check(ctx)
	})
	if err != nil {
		return err
	}
	if err := in.control.check(ctx); err != nil {
		return err
	}

	if err := ai.Execute(task, sc); err != nil {
		return err
	}

	if task.EnableVerification {
		if len(expected) == 0 {
			expected = staged
		}
		if sc == OverwriteProtected && task.BackupConfigFiles {
			expected = withoutConfigFiles(expected, task.ConfigFilePatterns)
		}
		if len(expected) > 0 {
			tracker.SetPhase(PhaseVerifying)
			mismatches, err := verifier.Verify(ctx, task.TargetPath, expected)
			if err != nil {
				return err
			}
			stats.FilesVerified.Add(int64(len(expected)))
			if len(mismatches) > 0 {
				res.Mismatches = mismatches
				return &TaskError{
					Kind: KindVerificationFailed,
					Err:  fmt.Errorf("%d of %d files failed verification", len(mismatches), len(expected)),
				}
			}
		}
	}

	tracker.SetPhase(PhaseFinalizing)
	return nil
}

// checkTarget refuses a target that is not strictly below its kind folder
// in the install root. Replacing the kind folder itself would take every
// add-on in it along.
func (in *Installer) checkTarget(task addon.InstallTask) error {
	target := filepath.Clean(task.TargetPath)
	if in.opts.InstallRoot == "" {
		if target == filepath.Dir(target) {
			return fmt.Errorf("target %s is a filesystem root", task.TargetPath)
		}
		return nil
	}
	root, err := filepath.Abs(in.opts.InstallRoot)
	if err != nil {
		return fmt.Errorf("resolving install root: %w", err)
	}
	dir := plan.KindDir(root, task.Kind, filepath.Base(target))
	if target == dir || !safety.IsWithin(dir, target) {
		return fmt.Errorf("target %s is not inside %s", task.TargetPath, dir)
	}
	return nil
}

// withoutConfigFiles drops root-level entries matching patterns. Restored
// user config files intentionally differ from the installed ones.
func withoutConfigFiles(hashes map[string]addon.FileHash, patterns []string) map[string]addon.FileHash {
	out := make(map[string]addon.FileHash, len(hashes))
	for rel, h := range hashes {
		if !strings.Contains(rel, "/") && matchesAny(rel, patterns) {
			continue
		}
		out[rel] = h
	}
	return out
}

// taskSize estimates the bytes a task will stage. Failures yield zero;
// progress then simply jumps when the task finishes.
func (in *Installer) taskSize(task addon.InstallTask) int64 {
	info, err := os.Stat(task.SourcePath)
	if err != nil {
		return 0
	}
	if info.IsDir() && !task.FromArchive() {
		t, err := fileops.Count(task.SourcePath)
		if err != nil {
			in.logger.Debug("sizing source failed", "task", task.ID, "error", err)
		}
		return t.Bytes
	}
	if task.ExtractionChain != nil {
		return info.Size()
	}
	size, _, err := archive.EstimateSize(task.SourcePath, task.HashRoot())
	if err != nil {
		in.logger.Debug("sizing archive failed", "task", task.ID, "error", err)
		return info.Size()
	}
	return size
}

func (in *Installer) beginRun(ctx context.Context, n int) int64 {
	if in.opts.Recorder == nil {
		return 0
	}
	id, err := in.opts.Recorder.BeginRun(ctx, n)
	if err != nil {
		in.logger.Warn("failed to record install run", "error", err)
		return 0
	}
	return id
}

func (in *Installer) recordTask(ctx context.Context, runID int64, res TaskResult) {
	if in.opts.Recorder == nil || runID == 0 {
		return
	}
	if err := in.opts.Recorder.RecordTask(context.WithoutCancel(ctx), runID, res); err != nil {
		in.logger.Warn("failed to record task result", "task", res.TaskID, "error", err)
	}
}

func (in *Installer) finishRun(ctx context.Context, runID int64, report *Report) {
	if in.opts.Recorder == nil || runID == 0 {
		return
	}
	if err := in.opts.Recorder.FinishRun(context.WithoutCancel(ctx), runID, report); err != nil {
		in.logger.Warn("failed to finish install run record", "error", err)
	}
}
