package archive

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/BadgerOps/addonkit/internal/addon"
)

const (
	zipFlagEncrypted      = 0x1
	zipFlagDataDescriptor = 0x8
	zipMethodAES          = 99
)

type zipReader struct {
	path string
	f    *os.File
	zr   *zip.Reader
}

func openZip(path string) (*zipReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newError(IO, path, "", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, newError(IO, path, "", err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, newError(Corrupt, path, "", err)
	}
	return &zipReader{path: path, f: f, zr: zr}, nil
}

func (r *zipReader) Format() Format { return FormatZip }

func (r *zipReader) Close() error {
	return r.f.Close()
}

func (r *zipReader) Entries() ([]Entry, error) {
	entries := make([]Entry, 0, len(r.zr.File))
	for _, zf := range r.zr.File {
		name := addon.NormalizeArchivePath(zf.Name)
		if name == "" {
			continue
		}
		entries = append(entries, Entry{
			Name:      name,
			Size:      int64(zf.UncompressedSize64),
			CRC32:     zf.CRC32,
			HasCRC:    true,
			IsDir:     strings.HasSuffix(zf.Name, "/") || zf.Mode().IsDir(),
			IsSymlink: zf.Mode()&fs.ModeSymlink != 0,
			Encrypted: zf.Flags&zipFlagEncrypted != 0,
		})
	}
	return entries, nil
}

func (r *zipReader) Extract(ctx context.Context, dest string, opts ExtractOptions) (*ExtractResult, error) {
	type member struct {
		zf  *zip.File
		rel string
	}
	var members []member
	for _, zf := range r.zr.File {
		rel, ok := RelativeTo(zf.Name, opts.Root)
		if !ok {
			continue
		}
		if zf.Flags&zipFlagEncrypted != 0 && opts.Password == "" {
			return nil, newError(PasswordRequired, r.path, rel, nil)
		}
		members = append(members, member{zf: zf, rel: rel})
	}

	w := newFileWriter(r.path, dest, opts)
	for _, m := range members {
		if err := checkContext(ctx, r.path); err != nil {
			return w.result, err
		}

		mode := m.zf.Mode()
		switch {
		case strings.HasSuffix(m.zf.Name, "/") || mode.IsDir():
			if err := w.mkdir(m.rel); err != nil {
				return w.result, err
			}
		case mode&fs.ModeSymlink != 0:
			target, err := r.readSmall(m.zf, opts.Password)
			if err != nil {
				return w.result, err
			}
			if err := w.symlink(m.rel, string(target)); err != nil {
				return w.result, err
			}
		default:
			if err := r.extractFile(w, m.zf, m.rel, opts.Password); err != nil {
				return w.result, err
			}
		}
	}
	return w.result, nil
}

func (r *zipReader) ExtractEntry(name, dst, password string) error {
	name = addon.NormalizeArchivePath(name)
	for _, zf := range r.zr.File {
		if addon.NormalizeArchivePath(zf.Name) != name {
			continue
		}
		rc, verify, err := r.open(zf, password)
		if err != nil {
			return err
		}
		defer rc.Close()
		w := newFileWriter(r.path, filepath.Dir(dst), ExtractOptions{})
		return w.file(filepath.Base(dst), rc, 0o644, verify)
	}
	return newError(IO, r.path, name, fs.ErrNotExist)
}

func (r *zipReader) extractFile(w *fileWriter, zf *zip.File, rel, password string) error {
	rc, verify, err := r.open(zf, password)
	if err != nil {
		return err
	}
	defer rc.Close()
	return w.file(rel, rc, zf.Mode(), verify)
}

// open returns a reader of the decompressed entry. For encrypted entries the
// returned verify func checks the CRC after the body has been read, since a
// wrong password only fails the one-byte header check 255 times out of 256.
func (r *zipReader) open(zf *zip.File, password string) (io.ReadCloser, func() error, error) {
	if zf.Flags&zipFlagEncrypted == 0 {
		rc, err := zf.Open()
		if err != nil {
			return nil, nil, newError(Corrupt, r.path, zf.Name, err)
		}
		return &checksumReader{rc: rc, archive: r.path, entry: zf.Name}, nil, nil
	}

	if password == "" {
		return nil, nil, newError(PasswordRequired, r.path, zf.Name, nil)
	}
	if zf.Method == zipMethodAES {
		return nil, nil, newError(UnsupportedFormat, r.path, zf.Name, errors.New("AES-encrypted entries are not supported"))
	}

	offset, err := zf.DataOffset()
	if err != nil {
		return nil, nil, newError(Corrupt, r.path, zf.Name, err)
	}
	raw := io.NewSectionReader(r.f, offset, int64(zf.CompressedSize64))

	check := byte(zf.CRC32 >> 24)
	if zf.Flags&zipFlagDataDescriptor != 0 {
		check = byte(zf.ModifiedTime >> 8)
	}
	dec, err := newZipCryptoReader(raw, []byte(password), check)
	if err != nil {
		if errors.Is(err, errBadPassword) {
			return nil, nil, newError(PasswordIncorrect, r.path, zf.Name, nil)
		}
		return nil, nil, newError(Corrupt, r.path, zf.Name, err)
	}

	var body io.ReadCloser
	switch zf.Method {
	case zip.Store:
		body = io.NopCloser(dec)
	case zip.Deflate:
		body = flate.NewReader(dec)
	default:
		return nil, nil, newError(UnsupportedFormat, r.path, zf.Name, fmt.Errorf("compression method %d", zf.Method))
	}

	crc := crc32.NewIEEE()
	tee := &teeReadCloser{r: io.TeeReader(body, crc), c: body}
	verify := func() error {
		if crc.Sum32() != zf.CRC32 {
			return newError(PasswordIncorrect, r.path, zf.Name, errors.New("checksum mismatch after decryption"))
		}
		return nil
	}
	return tee, verify, nil
}

func (r *zipReader) readSmall(zf *zip.File, password string) ([]byte, error) {
	rc, verify, err := r.open(zf, password)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return nil, newError(Corrupt, r.path, zf.Name, err)
	}
	if verify != nil {
		if err := verify(); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// checksumReader maps the zip package's CRC failure onto Corrupt.
type checksumReader struct {
	rc      io.ReadCloser
	archive string
	entry   string
}

func (c *checksumReader) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if err != nil && err != io.EOF {
		return n, newError(Corrupt, c.archive, c.entry, err)
	}
	return n, err
}

func (c *checksumReader) Close() error { return c.rc.Close() }

type teeReadCloser struct {
	r io.Reader
	c io.Closer
}

func (t *teeReadCloser) Read(p []byte) (int, error) { return t.r.Read(p) }
func (t *teeReadCloser) Close() error               { return t.c.Close() }
