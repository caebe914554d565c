package installer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BadgerOps/addonkit/internal/addon"
	"github.com/BadgerOps/addonkit/internal/fileops"
)

// moveTree swaps staged content into place; tests replace it to force
// a failed swap.
var moveTree = fileops.Move

// ScenarioKind is the filesystem transition a task performs.
type ScenarioKind int

const (
	// ScenarioFresh installs into a target that does not exist.
	ScenarioFresh ScenarioKind = iota + 1
	// ScenarioClean renames the target aside, moves the new content in and
	// renames the old target back if that fails.
	ScenarioClean
	// ScenarioOverwrite modifies the existing target according to a MergePolicy.
	ScenarioOverwrite
)

// MergePolicy selects how an overwrite treats the existing target.
type MergePolicy int

const (
	MergeNone MergePolicy = iota
	// MergeFiles moves every staged file over the existing tree, replacing
	// same-named files and keeping everything else.
	MergeFiles
	// ProtectAircraftData backs up and verifies liveries and config files,
	// replaces the target, then restores and verifies them.
	ProtectAircraftData
)

// Scenario is a tagged union over Fresh, Clean and Overwrite(policy).
type Scenario struct {
	Kind   ScenarioKind
	Policy MergePolicy
}

var (
	Fresh              = Scenario{Kind: ScenarioFresh}
	Clean              = Scenario{Kind: ScenarioClean}
	OverwriteMerge     = Scenario{Kind: ScenarioOverwrite, Policy: MergeFiles}
	OverwriteProtected = Scenario{Kind: ScenarioOverwrite, Policy: ProtectAircraftData}
)

func (s Scenario) String() string {
	switch {
	case s == Fresh:
		return "fresh"
	case s == Clean:
		return "clean"
	case s == OverwriteMerge:
		return "overwrite_merge"
	case s == OverwriteProtected:
		return "overwrite_protect_aircraft_data"
	default:
		return "unknown"
	}
}

// SelectScenario decides how task is applied given whether its target
// currently exists.
func SelectScenario(task addon.InstallTask, targetExists bool) (Scenario, error) {
	switch {
	case !targetExists:
		return Fresh, nil
	case !task.ShouldOverwrite:
		return Scenario{}, errorf(KindConflictExists, "target %s already exists", task.TargetPath)
	case task.Kind == addon.KindAircraft && task.WantsDataBackup():
		return OverwriteProtected, nil
	case task.Kind != addon.KindAircraft && task.Merge:
		return OverwriteMerge, nil
	default:
		return Clean, nil
	}
}

// Execute applies the staged content to task.TargetPath. Until the final
// rename, all partial state lives in the staging directory.
func (a *AtomicInstaller) Execute(task addon.InstallTask, sc Scenario) error {
	if err := a.ensureStaged(); err != nil {
		return err
	}

	a.logger.Info("applying staged content",
		"task", task.ID,
		"name", task.DisplayName,
		"scenario", sc,
		"target", task.TargetPath,
	)

	switch sc {
	case Fresh:
		return a.installFresh(task.TargetPath)
	case Clean:
		sibling, err := a.swapClean(task.TargetPath)
		if err != nil {
			return err
		}
		if task.WantsDataBackup() {
			a.restoreExtras(task, sibling)
		}
		a.removeSibling(sibling)
		return nil
	case OverwriteMerge:
		return a.installMerge(task.TargetPath)
	case OverwriteProtected:
		return a.installProtected(task)
	default:
		return errorf(KindInternal, "unhandled scenario %v", sc)
	}
}

func (a *AtomicInstaller) installFresh(target string) error {
	if _, err := os.Lstat(target); err == nil {
		return errorf(KindConflictExists, "target %s appeared during install", target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", target, err)
	}
	copied, err := moveTree(a.contentDir, target)
	if copied {
		a.stats.CopyFallbacks.Add(1)
		a.logger.Warn("rename failed, installed by copy", "target", target)
	}
	if err != nil {
		return fmt.Errorf("moving staged content to %s: %w", target, err)
	}
	return nil
}

// swapClean renames target to a unique sibling and moves the staged content
// into its place. If the move fails the sibling is renamed back. On success
// the caller owns the sibling.
func (a *AtomicInstaller) swapClean(target string) (string, error) {
	sibling := backupSibling(target)
	if err := os.Rename(target, sibling); err != nil {
		return "", fmt.Errorf("renaming %s aside: %w", target, err)
	}

	copied, err := moveTree(a.contentDir, target)
	if copied {
		a.stats.CopyFallbacks.Add(1)
	}
	if err != nil {
		// A failed copy fallback may have left a partial tree behind.
		if rmErr := os.RemoveAll(target); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			a.logger.Error("failed to remove partial install", "target", target, "error", rmErr)
		}
		if rbErr := os.Rename(sibling, target); rbErr != nil {
			a.logger.Error("rollback failed, previous content left in backup",
				"target", target, "backup", sibling, "error", rbErr)
			return "", &TaskError{
				Kind:       classify(err),
				BackupPath: sibling,
				Err:        fmt.Errorf("moving staged content to %s: %w (rollback failed: %v)", target, err, rbErr),
			}
		}
		a.logger.Warn("install failed, previous content restored", "target", target, "error", err)
		return "", fmt.Errorf("moving staged content to %s: %w", target, err)
	}
	return sibling, nil
}

func (a *AtomicInstaller) removeSibling(sibling string) {
	if err := os.RemoveAll(sibling); err != nil {
		a.logger.Warn("failed to remove previous content", "path", sibling, "error", err)
	}
}

// restoreExtras merges liveries and matching config files from the replaced
// content into the new target without overwriting anything the new install
// provides. Failures are logged only; the new content is already in place.
func (a *AtomicInstaller) restoreExtras(task addon.InstallTask, sibling string) {
	if task.BackupLiveries {
		src := filepath.Join(sibling, liveriesDir)
		if ok, _ := isDir(src); ok {
			n, err := fileops.CopyMissing(src, filepath.Join(task.TargetPath, liveriesDir))
			if err != nil {
				a.logger.Warn("failed to restore some liveries", "task", task.ID, "error", err)
			}
			a.logger.Debug("restored liveries", "task", task.ID, "files", n)
		}
	}
	if task.BackupConfigFiles {
		names, err := matchingConfigFiles(sibling, task.ConfigFilePatterns)
		if err != nil {
			a.logger.Warn("failed to list config files", "task", task.ID, "error", err)
			return
		}
		for _, name := range names {
			dst := filepath.Join(task.TargetPath, name)
			if _, err := os.Lstat(dst); err == nil {
				continue
			}
			if _, err := fileops.CopyFile(filepath.Join(sibling, name), dst); err != nil {
				a.logger.Warn("failed to restore config file", "task", task.ID, "file", name, "error", err)
			}
		}
	}
}

func (a *AtomicInstaller) installMerge(target string) error {
	fallbacks, err := fileops.MergeMove(a.contentDir, target)
	a.stats.CopyFallbacks.Add(int64(fallbacks))
	if err != nil {
		return fmt.Errorf("merging staged content into %s: %w", target, err)
	}
	return nil
}

func isDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}
