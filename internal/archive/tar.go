package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/addonkit/internal/addon"
)

// tarReader streams tar archives. Tar has no central directory, so every
// operation re-reads the archive from the start.
type tarReader struct {
	path   string
	format Format
}

func openTar(path string, format Format) (*tarReader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, newError(IO, path, "", err)
	}
	return &tarReader{path: path, format: format}, nil
}

func (r *tarReader) Format() Format { return r.format }

func (r *tarReader) Close() error { return nil }

// stream opens the archive and returns a tar reader over the decompressed
// content plus a function releasing every underlying resource.
func (r *tarReader) stream() (*tar.Reader, func(), error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, nil, newError(IO, r.path, "", err)
	}

	var src io.Reader = f
	closers := []func(){func() { _ = f.Close() }}
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch r.format {
	case FormatTarGz:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			release()
			return nil, nil, newError(Corrupt, r.path, "", fmt.Errorf("creating gzip reader: %w", err))
		}
		closers = append(closers, func() { _ = gz.Close() })
		src = gz
	case FormatTarXz:
		xr, err := xz.NewReader(bufio.NewReader(f))
		if err != nil {
			release()
			return nil, nil, newError(Corrupt, r.path, "", fmt.Errorf("creating xz reader: %w", err))
		}
		src = xr
	case FormatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			release()
			return nil, nil, newError(Corrupt, r.path, "", fmt.Errorf("creating zstd reader: %w", err))
		}
		closers = append(closers, zr.Close)
		src = zr
	case FormatTar:
	default:
		release()
		return nil, nil, newError(UnsupportedFormat, r.path, "", nil)
	}

	return tar.NewReader(src), release, nil
}

func (r *tarReader) Entries() ([]Entry, error) {
	tr, release, err := r.stream()
	if err != nil {
		return nil, err
	}
	defer release()

	var entries []Entry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newError(Corrupt, r.path, "", fmt.Errorf("reading tar entry: %w", err))
		}
		name := addon.NormalizeArchivePath(hdr.Name)
		if name == "" {
			continue
		}
		entries = append(entries, Entry{
			Name:      name,
			Size:      hdr.Size,
			IsDir:     hdr.Typeflag == tar.TypeDir,
			IsSymlink: hdr.Typeflag == tar.TypeSymlink,
		})
	}
	return entries, nil
}

func (r *tarReader) Extract(ctx context.Context, dest string, opts ExtractOptions) (*ExtractResult, error) {
	tr, release, err := r.stream()
	if err != nil {
		return nil, err
	}
	defer release()

	w := newFileWriter(r.path, dest, opts)
	for {
		if err := checkContext(ctx, r.path); err != nil {
			return w.result, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return w.result, newError(Corrupt, r.path, "", fmt.Errorf("reading tar entry: %w", err))
		}

		rel, ok := RelativeTo(hdr.Name, opts.Root)
		if !ok {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = w.mkdir(rel)
		case tar.TypeReg:
			err = w.file(rel, tr, os.FileMode(hdr.Mode), nil)
		case tar.TypeSymlink:
			err = w.symlink(rel, hdr.Linkname)
		case tar.TypeLink:
			err = r.hardlink(w, rel, hdr.Linkname, opts.Root)
		default:
			// Device nodes, fifos and global headers have no place in an add-on.
			continue
		}
		if err != nil {
			return w.result, err
		}
	}
	return w.result, nil
}

// hardlink materializes a hard link as a copy of an already extracted file.
func (r *tarReader) hardlink(w *fileWriter, rel, linkname, root string) error {
	srcRel, ok := RelativeTo(linkname, root)
	if !ok {
		return newError(UnsafePath, r.path, rel, fmt.Errorf("hard link target %q outside extracted root", linkname))
	}
	srcPath, err := w.target(srcRel)
	if err != nil {
		return err
	}
	in, err := os.Open(srcPath)
	if err != nil {
		return newError(Corrupt, r.path, rel, fmt.Errorf("hard link target %q not extracted: %w", linkname, err))
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return newError(IO, r.path, rel, err)
	}
	return w.file(rel, in, info.Mode(), nil)
}

func (r *tarReader) ExtractEntry(name, dst, password string) error {
	tr, release, err := r.stream()
	if err != nil {
		return err
	}
	defer release()

	name = addon.NormalizeArchivePath(name)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return newError(IO, r.path, name, fs.ErrNotExist)
		}
		if err != nil {
			return newError(Corrupt, r.path, "", fmt.Errorf("reading tar entry: %w", err))
		}
		if addon.NormalizeArchivePath(hdr.Name) != name || hdr.Typeflag != tar.TypeReg {
			continue
		}
		w := newFileWriter(r.path, filepath.Dir(dst), ExtractOptions{})
		return w.file(filepath.Base(dst), tr, os.FileMode(hdr.Mode), nil)
	}
}
