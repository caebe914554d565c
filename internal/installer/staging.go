package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/BadgerOps/addonkit/internal/addon"
	"github.com/BadgerOps/addonkit/internal/archive"
	"github.com/BadgerOps/addonkit/internal/fileops"
	"github.com/BadgerOps/addonkit/internal/safety"
)

const (
	stagingPrefix    = ".addonkit_temp_"
	dataBackupPrefix = ".addonkit_backup_"
	backupInfix      = ".backup_"
)

// AtomicOptions configures an AtomicInstaller.
type AtomicOptions struct {
	// MinFreeBytes is the free-space floor checked before anything is created.
	// Zero means safety.DefaultMinFreeBytes.
	MinFreeBytes uint64
	Logger       *slog.Logger
	Stats        *Stats
}

// AtomicInstaller stages one task's content in a private directory on the
// destination volume and swaps it into place. Every AtomicInstaller must be
// closed; Close removes the staging directory whatever the outcome.
type AtomicInstaller struct {
	root       string
	stagingDir string
	contentDir string
	logger     *slog.Logger
	stats      *Stats
}

// NewAtomicInstaller checks the free-space floor, then creates the staging
// directory .addonkit_temp_<uuid> inside installRoot.
func NewAtomicInstaller(installRoot string, opts AtomicOptions) (*AtomicInstaller, error) {
	if opts.MinFreeBytes == 0 {
		opts.MinFreeBytes = safety.DefaultMinFreeBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stats == nil {
		opts.Stats = &Stats{}
	}

	root, err := filepath.Abs(installRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving install root: %w", err)
	}
	// Nothing is created on a volume that is already too full.
	if err := safety.CheckFreeSpace(root, opts.MinFreeBytes); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating install root: %w", err)
	}

	staging := filepath.Join(root, stagingPrefix+uuid.NewString())
	content := filepath.Join(staging, "content")
	if err := os.MkdirAll(content, 0o755); err != nil {
		_ = os.RemoveAll(staging)
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	return &AtomicInstaller{
		root:       root,
		stagingDir: staging,
		contentDir: content,
		logger:     opts.Logger,
		stats:      opts.Stats,
	}, nil
}

// Close removes the staging directory. It is safe to call more than once.
func (a *AtomicInstaller) Close() error {
	if a.stagingDir == "" {
		return nil
	}
	err := os.RemoveAll(a.stagingDir)
	if err != nil {
		a.logger.Error("failed to remove staging directory", "path", a.stagingDir, "error", err)
		return fmt.Errorf("removing staging directory %s: %w", a.stagingDir, err)
	}
	a.stagingDir = ""
	return nil
}

// StagingDir is the private directory removed by Close.
func (a *AtomicInstaller) StagingDir() string { return a.stagingDir }

// ContentDir is where the task's new content is staged before the swap.
func (a *AtomicInstaller) ContentDir() string { return a.contentDir }

// Stage copies or extracts the task's source into ContentDir, calling onFile
// after every file. For archives without per-entry checksums it returns the
// SHA-256 of each extracted file; otherwise the map is nil.
func (a *AtomicInstaller) Stage(ctx context.Context, task addon.InstallTask, onFile fileops.FileFunc) (map[string]addon.FileHash, error) {
	count := func(rel string, n int64) error {
		a.stats.FilesStaged.Add(1)
		a.stats.BytesStaged.Add(n)
		if onFile != nil {
			return onFile(rel, n)
		}
		return nil
	}

	info, err := os.Stat(task.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", task.SourcePath, err)
	}
	if info.IsDir() && !task.FromArchive() {
		if err := fileops.CopyTree(task.SourcePath, a.contentDir, count); err != nil {
			return nil, err
		}
		return nil, nil
	}

	source := task.SourcePath
	if task.ExtractionChain != nil {
		work := filepath.Join(a.stagingDir, "chain")
		if err := os.MkdirAll(work, 0o755); err != nil {
			return nil, err
		}
		source, err = archive.ResolveChain(ctx, task.SourcePath, task.ExtractionChain, task.Password, work)
		if err != nil {
			return nil, err
		}
	}

	r, err := archive.Open(source)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	res, err := r.Extract(ctx, a.contentDir, archive.ExtractOptions{
		Root:       task.HashRoot(),
		Password:   task.Password,
		HashSHA256: !r.Format().HasCentralDirectory(),
		OnFile:     count,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug("extracted archive", "source", source, "files", res.Files, "bytes", res.Bytes)
	return res.Hashes, nil
}

// ensureStaged fails when nothing was staged, so an empty swap can never
// replace an existing add-on.
func (a *AtomicInstaller) ensureStaged() error {
	empty, err := fileops.IsEmptyDir(a.contentDir)
	if err != nil {
		return fmt.Errorf("checking staged content: %w", err)
	}
	if empty {
		return errorf(KindValidation, "no content staged from source")
	}
	return nil
}

func (a *AtomicInstaller) newDataBackupDir() string {
	return filepath.Join(a.root, dataBackupPrefix+uuid.NewString())
}

func backupSibling(target string) string {
	return filepath.Clean(target) + backupInfix + uuid.NewString()
}
