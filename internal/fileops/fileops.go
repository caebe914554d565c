// Package fileops implements the filesystem primitives the installer builds
// on: rename-first moves with a copy+delete fallback, symlink-preserving tree
// copies, directory merges and file/byte accounting.
package fileops

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileFunc is called after each file is written by a copy. rel is the path
// relative to the copy root and n the number of bytes written. Returning an
// error aborts the copy.
type FileFunc func(rel string, n int64) error

// Tally counts files and bytes under a directory tree.
type Tally struct {
	Files int
	Bytes int64
}

// CopyFile copies a regular file, preserving its permission bits.
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	return n, os.Chmod(dst, info.Mode().Perm())
}

// CopyTree recursively copies src into dst. Symlinks are recreated as
// symlinks rather than followed. dst is created if needed.
func CopyTree(src, dst string, onFile FileFunc) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := os.Lstat(path)
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("reading symlink %s: %w", path, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("creating symlink %s: %w", target, err)
			}
			if onFile != nil {
				return onFile(rel, 0)
			}
		case info.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
		case info.Mode().IsRegular():
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			n, err := CopyFile(path, target)
			if err != nil {
				return fmt.Errorf("copying %s: %w", rel, err)
			}
			if onFile != nil {
				return onFile(rel, n)
			}
		}
		return nil
	})
}

// Move relocates src to dst, which must not exist. It tries an atomic rename
// first and falls back to CopyTree followed by removal of src when the rename
// fails (for example across volumes). copied reports whether the fallback ran.
func Move(src, dst string) (copied bool, err error) {
	if err := os.Rename(src, dst); err == nil {
		return false, nil
	}

	if _, err := os.Lstat(dst); err == nil {
		return false, fmt.Errorf("move %s: destination %s already exists", src, dst)
	}

	info, err := os.Lstat(src)
	if err != nil {
		return false, err
	}

	if info.IsDir() {
		if err := CopyTree(src, dst, nil); err != nil {
			_ = os.RemoveAll(dst)
			return true, fmt.Errorf("copy fallback %s -> %s: %w", src, dst, err)
		}
	} else if err := copyEntry(src, dst, info); err != nil {
		_ = os.Remove(dst)
		return true, fmt.Errorf("copy fallback %s -> %s: %w", src, dst, err)
	}

	if err := os.RemoveAll(src); err != nil {
		return true, fmt.Errorf("removing %s after copy: %w", src, err)
	}
	return true, nil
}

// MergeMove moves every entry of src into dst. Existing destination files
// are replaced, directories are merged recursively and source directories
// are removed once emptied. The returned count is the number of fallbacks
// to copying.
func MergeMove(src, dst string) (int, error) {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, err
	}

	fallbacks := 0
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())

		existing, statErr := os.Lstat(to)
		if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
			return fallbacks, statErr
		}

		if e.IsDir() && statErr == nil && existing.IsDir() {
			n, err := MergeMove(from, to)
			fallbacks += n
			if err != nil {
				return fallbacks, err
			}
			continue
		}

		if statErr == nil {
			if err := os.RemoveAll(to); err != nil {
				return fallbacks, fmt.Errorf("replacing %s: %w", to, err)
			}
		}
		copied, err := Move(from, to)
		if copied {
			fallbacks++
		}
		if err != nil {
			return fallbacks, err
		}
	}

	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fallbacks, fmt.Errorf("removing emptied directory %s: %w", src, err)
	}
	return fallbacks, nil
}

// CopyMissing copies every file from src into dst that does not already exist
// there. Failures on individual files are collected and returned together
// after the walk completes.
func CopyMissing(src, dst string) (int, error) {
	copied := 0
	var errs []error
	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if _, err := os.Lstat(target); err == nil {
			return nil
		}
		info, err := os.Lstat(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			errs = append(errs, err)
			return nil
		}
		if err := copyEntry(path, target, info); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rel, err))
			return nil
		}
		copied++
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return copied, errors.Join(errs...)
}

// Count walks root and tallies non-directory entries and their sizes.
// Symlinks count as entries with their link size.
func Count(root string) (Tally, error) {
	var t Tally
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		t.Files++
		t.Bytes += info.Size()
		return nil
	})
	return t, err
}

// IsEmptyDir reports whether dir exists and has no entries.
func IsEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// Exists reports whether path exists without following a final symlink.
func Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func copyEntry(src, dst string, info fs.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(link, dst)
	}
	_, err := CopyFile(src, dst)
	return err
}
