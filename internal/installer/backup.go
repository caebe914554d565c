package installer

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/BadgerOps/addonkit/internal/addon"
	"github.com/BadgerOps/addonkit/internal/fileops"
)

const (
	liveriesDir = "liveries"
	configDir   = "config"
)

// countTree tallies a liveries tree before and after the backup copy.
var countTree = fileops.Count

// aircraftBackup holds user data copied aside during a protected overwrite.
// It lives only for the duration of one installProtected call.
type aircraftBackup struct {
	dir      string
	liveries *fileops.Tally   // nil when the target had no liveries folder
	config   map[string]int64 // root-level config file name -> size
}

// matchingConfigFiles lists regular files directly in dir whose names match
// any of patterns. Subdirectories are not searched.
func matchingConfigFiles(dir string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if matchesAny(e.Name(), patterns) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// installProtected runs the verified backup protocol: back up, verify the
// backup, replace the target, restore, verify the restore, then drop the
// backup. Nothing is deleted before the backup is verified, and a backup
// whose restore cannot be verified is kept and reported.
func (a *AtomicInstaller) installProtected(task addon.InstallTask) error {
	b, err := a.backupAircraftData(task)
	if err != nil {
		if b != nil {
			_ = os.RemoveAll(b.dir)
		}
		return &TaskError{Kind: KindBackupVerification, Err: fmt.Errorf("backing up aircraft data: %w", err)}
	}
	if err := b.verify(); err != nil {
		_ = os.RemoveAll(b.dir)
		return &TaskError{Kind: KindBackupVerification, Err: err}
	}
	a.logger.Info("aircraft data backed up",
		"task", task.ID,
		"backup", b.dir,
		"config_files", len(b.config),
		"has_liveries", b.liveries != nil,
	)

	sibling, err := a.swapClean(task.TargetPath)
	if err != nil {
		_ = os.RemoveAll(b.dir)
		return err
	}
	a.removeSibling(sibling)

	if err := b.restore(task.TargetPath); err != nil {
		a.logger.Error("restoring aircraft data failed", "task", task.ID, "backup", b.dir, "error", err)
		return &TaskError{Kind: KindRestoreVerification, BackupPath: b.dir, Err: err}
	}
	if err := b.verifyRestore(task.TargetPath); err != nil {
		a.logger.Error("restored aircraft data did not verify", "task", task.ID, "backup", b.dir, "error", err)
		return &TaskError{Kind: KindRestoreVerification, BackupPath: b.dir, Err: err}
	}

	if err := os.RemoveAll(b.dir); err != nil {
		a.logger.Warn("failed to remove aircraft data backup", "path", b.dir, "error", err)
	}
	return nil
}

func (a *AtomicInstaller) backupAircraftData(task addon.InstallTask) (*aircraftBackup, error) {
	b := &aircraftBackup{dir: a.newDataBackupDir(), config: make(map[string]int64)}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, err
	}

	if task.BackupLiveries {
		src := filepath.Join(task.TargetPath, liveriesDir)
		ok, err := isDir(src)
		if err != nil {
			return b, err
		}
		if ok {
			original, err := countTree(src)
			if err != nil {
				return b, fmt.Errorf("counting liveries: %w", err)
			}
			if err := fileops.CopyTree(src, filepath.Join(b.dir, liveriesDir), nil); err != nil {
				return b, fmt.Errorf("copying liveries: %w", err)
			}
			b.liveries = &original
		}
	}

	if task.BackupConfigFiles {
		names, err := matchingConfigFiles(task.TargetPath, task.ConfigFilePatterns)
		if err != nil {
			return b, fmt.Errorf("listing config files: %w", err)
		}
		if len(names) > 0 {
			if err := os.MkdirAll(filepath.Join(b.dir, configDir), 0o755); err != nil {
				return b, err
			}
		}
		for _, name := range names {
			info, err := os.Stat(filepath.Join(task.TargetPath, name))
			if err != nil {
				return b, err
			}
			if _, err := fileops.CopyFile(filepath.Join(task.TargetPath, name), filepath.Join(b.dir, configDir, name)); err != nil {
				return b, fmt.Errorf("copying %s: %w", name, err)
			}
			b.config[name] = info.Size()
		}
	}
	return b, nil
}

// verify recounts the backup copy against the recorded originals.
func (b *aircraftBackup) verify() error {
	if b.liveries != nil {
		got, err := countTree(filepath.Join(b.dir, liveriesDir))
		if err != nil {
			return fmt.Errorf("verifying liveries backup: %w", err)
		}
		if got != *b.liveries {
			return fmt.Errorf("liveries backup has %d files (%d bytes), expected %d files (%d bytes)",
				got.Files, got.Bytes, b.liveries.Files, b.liveries.Bytes)
		}
	}
	for name, size := range b.config {
		info, err := os.Stat(filepath.Join(b.dir, configDir, name))
		if err != nil {
			return fmt.Errorf("verifying config backup %s: %w", name, err)
		}
		if info.Size() != size {
			return fmt.Errorf("config backup %s has %d bytes, expected %d", name, info.Size(), size)
		}
	}
	return nil
}

// restore copies config files over the new install and merges back
// liveries the new install does not provide.
func (b *aircraftBackup) restore(target string) error {
	for name := range b.config {
		if _, err := fileops.CopyFile(filepath.Join(b.dir, configDir, name), filepath.Join(target, name)); err != nil {
			return fmt.Errorf("restoring config file %s: %w", name, err)
		}
	}
	if b.liveries != nil {
		if err := os.MkdirAll(filepath.Join(target, liveriesDir), 0o755); err != nil {
			return fmt.Errorf("restoring liveries: %w", err)
		}
		if _, err := fileops.CopyMissing(filepath.Join(b.dir, liveriesDir), filepath.Join(target, liveriesDir)); err != nil {
			return fmt.Errorf("restoring liveries: %w", err)
		}
	}
	return nil
}

func (b *aircraftBackup) verifyRestore(target string) error {
	for name, size := range b.config {
		info, err := os.Stat(filepath.Join(target, name))
		if err != nil {
			return fmt.Errorf("restored config file %s: %w", name, err)
		}
		if info.Size() != size {
			return fmt.Errorf("restored config file %s has %d bytes, expected %d", name, info.Size(), size)
		}
	}
	if b.liveries != nil {
		ok, err := isDir(filepath.Join(target, liveriesDir))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("liveries folder missing after restore")
		}
	}
	return nil
}
