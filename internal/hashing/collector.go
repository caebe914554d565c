package hashing

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/addonkit/internal/addon"
	"github.com/BadgerOps/addonkit/internal/archive"
)

// Stats counts hashing work for one run. The zero value is ready to use and
// a Stats must not be copied after first use.
type Stats struct {
	FilesHashed   atomic.Int64
	BytesHashed   atomic.Int64
	Failures      atomic.Int64
	MetadataReads atomic.Int64 // hashes taken from archive metadata without decompression
}

// Collector gathers the expected content hashes of an install task's source.
type Collector struct {
	workers int
	logger  *slog.Logger
	stats   *Stats
}

// NewCollector returns a Collector hashing up to workers files at once.
// A nil stats is replaced by a private counter set.
func NewCollector(workers int, logger *slog.Logger, stats *Stats) *Collector {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &Collector{workers: workers, logger: logger, stats: stats}
}

// CollectHashes returns the expected hash of every file the task will
// install, keyed by forward-slash path relative to the add-on root.
//
// Directory sources are SHA-256 hashed in parallel; files that cannot be
// read are logged and left out. Zip sources yield CRC32 values from the
// central directory. Tar-family sources have no per-entry checksum and
// return an empty map; their hashes are computed during extraction.
func (c *Collector) CollectHashes(ctx context.Context, task addon.InstallTask) (map[string]addon.FileHash, error) {
	info, err := os.Stat(task.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat source %s: %w", task.SourcePath, err)
	}
	if info.IsDir() && !task.FromArchive() {
		return c.collectDir(ctx, task.SourcePath)
	}
	return c.collectArchive(ctx, task)
}

func (c *Collector) collectDir(ctx context.Context, root string) (map[string]addon.FileHash, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			c.logger.Warn("skipping unreadable path while hashing", "path", path, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	var mu sync.Mutex
	hashes := make(map[string]addon.FileHash, len(files))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, path := range files {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)

			f, err := os.Open(path)
			if err != nil {
				c.stats.Failures.Add(1)
				c.logger.Warn("failed to hash file", "path", rel, "error", err)
				return nil
			}
			sum, n, err := SHA256Reader(f)
			_ = f.Close()
			if err != nil {
				c.stats.Failures.Add(1)
				c.logger.Warn("failed to hash file", "path", rel, "error", err)
				return nil
			}

			c.stats.FilesHashed.Add(1)
			c.stats.BytesHashed.Add(n)
			mu.Lock()
			hashes[rel] = addon.FileHash{Path: rel, Hash: sum, Algorithm: addon.AlgorithmSHA256}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.logger.Debug("collected directory hashes", "root", root, "files", len(hashes))
	return hashes, nil
}

func (c *Collector) collectArchive(ctx context.Context, task addon.InstallTask) (map[string]addon.FileHash, error) {
	innermost := task.SourcePath
	if task.ExtractionChain != nil && len(task.ExtractionChain.Archives) > 0 {
		innermost = task.ExtractionChain.Archives[len(task.ExtractionChain.Archives)-1]
	}
	if !archive.DetectFormat(innermost).HasCentralDirectory() {
		c.logger.Debug("archive has no cheap checksums, deferring to extraction",
			"source", task.SourcePath, "format", archive.DetectFormat(innermost))
		return map[string]addon.FileHash{}, nil
	}

	source := task.SourcePath
	if task.ExtractionChain != nil {
		work, err := os.MkdirTemp("", "addonkit-hash-")
		if err != nil {
			return nil, fmt.Errorf("creating chain work dir: %w", err)
		}
		defer func() {
			_ = os.RemoveAll(work)
		}()
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

	entries, err := r.Entries()
	if err != nil {
		return nil, err
	}

	root := task.HashRoot()
	hashes := make(map[string]addon.FileHash)
	for _, e := range entries {
		if e.IsDir || e.IsSymlink || !e.HasCRC {
			continue
		}
		rel, ok := archive.RelativeTo(e.Name, root)
		if !ok {
			continue
		}
		hashes[rel] = addon.FileHash{Path: rel, Hash: FormatCRC32(e.CRC32), Algorithm: addon.AlgorithmCRC32}
	}
	c.stats.MetadataReads.Add(int64(len(hashes)))

	c.logger.Debug("collected archive hashes", "source", task.SourcePath, "root", root, "files", len(hashes))
	return hashes, nil
}
