// Package archive reads add-on archives: it lists entries with their sizes and,
// where the container stores them, CRC32 values, and extracts the subtree
// under an internal root into a destination directory.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/addonkit/internal/addon"
	"github.com/BadgerOps/addonkit/internal/safety"
)

// Entry describes one member of an archive.
type Entry struct {
	Name      string // forward-slash path, no leading or trailing slash
	Size      int64
	CRC32     uint32
	HasCRC    bool
	IsDir     bool
	IsSymlink bool
	Encrypted bool
}

// ExtractOptions controls Extract.
type ExtractOptions struct {
	// Root limits extraction to entries beneath it; those entries are written
	// relative to Root. Empty means the whole archive.
	Root     string
	Password string
	// HashSHA256 computes a SHA-256 of every extracted file while it streams.
	HashSHA256 bool
	// OnFile is called after each file is written. Returning an error stops
	// the extraction with that error.
	OnFile func(rel string, n int64) error
}

// ExtractResult summarizes an extraction.
type ExtractResult struct {
	Files  int
	Bytes  int64
	Hashes map[string]addon.FileHash
}

// Reader is an open archive.
type Reader interface {
	Format() Format
	// Entries lists archive members. For formats without a central directory
	// this requires a full decompression pass.
	Entries() ([]Entry, error)
	Extract(ctx context.Context, dest string, opts ExtractOptions) (*ExtractResult, error)
	// ExtractEntry writes a single regular-file member to dst.
	ExtractEntry(name, dst, password string) error
	Close() error
}

// Open opens the archive at path, choosing the reader by file extension.
func Open(path string) (Reader, error) {
	switch format := DetectFormat(path); format {
	case FormatZip:
		return openZip(path)
	case FormatTar, FormatTarGz, FormatTarXz, FormatTarZst:
		return openTar(path, format)
	default:
		return nil, newError(UnsupportedFormat, path, "", fmt.Errorf("unrecognized extension"))
	}
}

// EstimateSize returns the uncompressed size of the content under root.
// exact is false when the format forced an estimate from the compressed size.
func EstimateSize(path, root string) (size int64, exact bool, err error) {
	format := DetectFormat(path)
	if format.HasCentralDirectory() {
		r, err := Open(path)
		if err != nil {
			return 0, false, err
		}
		defer r.Close()
		entries, err := r.Entries()
		if err != nil {
			return 0, false, err
		}
		for _, e := range entries {
			if _, ok := RelativeTo(e.Name, root); ok && !e.IsDir {
				size += e.Size
			}
		}
		return size, true, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, false, newError(IO, path, "", err)
	}
	if format == FormatUnknown {
		return 0, false, newError(UnsupportedFormat, path, "", fmt.Errorf("unrecognized extension"))
	}
	return info.Size() * format.compressionRatio(), format == FormatTar && root == "", nil
}

// RelativeTo returns name relative to root, and whether name lies strictly
// beneath root. Metadata folders written by macOS archivers never match.
func RelativeTo(name, root string) (string, bool) {
	name = addon.NormalizeArchivePath(name)
	if name == "" || isMetadataEntry(name) {
		return "", false
	}
	root = addon.NormalizeArchivePath(root)
	if root == "" {
		return name, true
	}
	if !strings.HasPrefix(name, root+"/") {
		return "", false
	}
	return strings.TrimPrefix(name, root+"/"), true
}

func isMetadataEntry(name string) bool {
	return name == "__MACOSX" || strings.HasPrefix(name, "__MACOSX/") ||
		strings.HasSuffix(name, "/.DS_Store") || name == ".DS_Store"
}

// fileWriter writes extracted content and tracks totals and optional hashes.
type fileWriter struct {
	archive string
	dest    string
	opts    ExtractOptions
	result  *ExtractResult
}

func newFileWriter(archive, dest string, opts ExtractOptions) *fileWriter {
	res := &ExtractResult{}
	if opts.HashSHA256 {
		res.Hashes = make(map[string]addon.FileHash)
	}
	return &fileWriter{archive: archive, dest: dest, opts: opts, result: res}
}

func (w *fileWriter) target(rel string) (string, error) {
	p, err := safety.SafeJoinUnder(w.dest, rel)
	if err != nil {
		return "", newError(UnsafePath, w.archive, rel, err)
	}
	return p, nil
}

func (w *fileWriter) mkdir(rel string) error {
	p, err := w.target(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return newError(IO, w.archive, rel, err)
	}
	return nil
}

// symlink creates a link that must resolve inside the destination.
func (w *fileWriter) symlink(rel, linkTarget string) error {
	p, err := w.target(rel)
	if err != nil {
		return err
	}
	if err := safety.CheckLinkTarget(w.dest, p, linkTarget); err != nil {
		return newError(UnsafePath, w.archive, rel, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return newError(IO, w.archive, rel, err)
	}
	_ = os.Remove(p)
	if err := os.Symlink(linkTarget, p); err != nil {
		return newError(IO, w.archive, rel, err)
	}
	w.result.Files++
	if w.opts.OnFile != nil {
		return w.opts.OnFile(rel, 0)
	}
	return nil
}

// file streams src into rel. verify, when non-nil, runs after the content
// is flushed and before the file is reported complete.
func (w *fileWriter) file(rel string, src io.Reader, mode os.FileMode, verify func() error) error {
	p, err := w.target(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return newError(IO, w.archive, rel, err)
	}
	if mode.Perm() == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return newError(IO, w.archive, rel, err)
	}

	var h hash.Hash
	dst := io.Writer(out)
	if w.opts.HashSHA256 {
		h = sha256.New()
		dst = io.MultiWriter(out, h)
	}

	n, err := io.Copy(dst, src)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			return err
		}
		return newError(Corrupt, w.archive, rel, err)
	}
	if verify != nil {
		if err := verify(); err != nil {
			return err
		}
	}

	w.result.Files++
	w.result.Bytes += n
	if h != nil {
		key := filepath.ToSlash(rel)
		w.result.Hashes[key] = addon.FileHash{
			Path:      key,
			Hash:      hex.EncodeToString(h.Sum(nil)),
			Algorithm: addon.AlgorithmSHA256,
		}
	}
	if w.opts.OnFile != nil {
		return w.opts.OnFile(rel, n)
	}
	return nil
}

func checkContext(ctx context.Context, archive string) error {
	select {
	case <-ctx.Done():
		return newError(IO, archive, "", ctx.Err())
	default:
		return nil
	}
}
