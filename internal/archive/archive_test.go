package archive

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/addonkit/internal/addon"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

// writeEncryptedZip stores a single ZipCrypto-encrypted, uncompressed entry.
func writeEncryptedZip(t *testing.T, path, name, content, password string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	plain := []byte(content)
	crc := crc32.ChecksumIEEE(plain)

	header := make([]byte, zipCryptoHeaderLen)
	for i := range header {
		header[i] = byte(i * 7)
	}
	header[zipCryptoHeaderLen-1] = byte(crc >> 24)

	payload := append(header, plain...)
	newZipCryptoKeys([]byte(password)).encrypt(payload)

	zw := zip.NewWriter(f)
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               name,
		Method:             zip.Store,
		Flags:              zipFlagEncrypted,
		CRC32:              crc,
		CompressedSize64:   uint64(len(payload)),
		UncompressedSize64: uint64(len(plain)),
	})
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

func writeTar(t *testing.T, path string, format Format, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var out io.WriteCloser
	switch format {
	case FormatTarGz:
		out = pgzip.NewWriter(f)
	case FormatTarXz:
		out, err = xz.NewWriter(f)
		require.NoError(t, err)
	case FormatTarZst:
		out, err = zstd.NewWriter(f)
		require.NoError(t, err)
	default:
		out = nopWriteCloser{f}
	}

	tw := tar.NewWriter(out)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(files[name])),
			Typeflag: tar.TypeReg,
		}))
		_, err := io.WriteString(tw, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, out.Close())
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestDetectFormat(t *testing.T) {
	tests := map[string]Format{
		"plane.zip":       FormatZip,
		"PLANE.ZIP":       FormatZip,
		"scenery.tar":     FormatTar,
		"scenery.tar.gz":  FormatTarGz,
		"scenery.tgz":     FormatTarGz,
		"nav.tar.xz":      FormatTarXz,
		"nav.tar.zst":     FormatTarZst,
		"plugin.7z":       FormatUnknown,
		"A330/readme.txt": FormatUnknown,
	}
	for name, want := range tests {
		assert.Equal(t, want, DetectFormat(name), name)
	}
	assert.True(t, FormatZip.HasCentralDirectory())
	assert.False(t, FormatTarXz.HasCentralDirectory())
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open("/tmp/addon.rar")
	require.Error(t, err)
	assert.True(t, errors.Is(err, UnsupportedFormat))
	assert.Equal(t, UnsupportedFormat, KindOf(err))
}

func TestZipEntriesCarryCRC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zip")
	writeZip(t, path, map[string]string{"A330/A330.acf": "acf", "A330/liveries/x.png": "png"})

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.HasCRC)
		assert.False(t, e.Encrypted)
	}
	assert.Equal(t, crc32.ChecksumIEEE([]byte("acf")), entries[0].CRC32)
}

func TestZipExtractUnderRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.zip")
	writeZip(t, path, map[string]string{
		"bundle/A330/A330.acf":         "acf-data",
		"bundle/A330/objects/wing.obj": "wing",
		"bundle/Plugin/plugin.xpl":     "xpl",
		"__MACOSX/bundle/A330/._A330":  "junk",
		"bundle/A330/liveries/.keep":   "",
	})

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	dest := filepath.Join(dir, "out")
	var seen []string
	res, err := r.Extract(context.Background(), dest, ExtractOptions{
		Root:       "bundle/A330",
		HashSHA256: true,
		OnFile: func(rel string, n int64) error {
			seen = append(seen, rel)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Files)
	assert.Len(t, seen, 3)
	assert.Equal(t, "acf-data", readString(t, filepath.Join(dest, "A330.acf")))
	assert.Equal(t, "wing", readString(t, filepath.Join(dest, "objects", "wing.obj")))
	assert.NoFileExists(t, filepath.Join(dest, "plugin.xpl"))
	assert.Equal(t, sha("wing"), res.Hashes["objects/wing.obj"].Hash)
	assert.Equal(t, addon.AlgorithmSHA256, res.Hashes["objects/wing.obj"].Algorithm)
}

func TestExtractStopsWhenCallbackFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZip(t, path, map[string]string{"a": "1", "b": "2", "c": "3"})

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	stop := errors.New("stop")
	calls := 0
	_, err = r.Extract(context.Background(), filepath.Join(dir, "out"), ExtractOptions{
		OnFile: func(string, int64) error {
			calls++
			return stop
		},
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestEncryptedZip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.zip")
	writeEncryptedZip(t, path, "Navdata/cycle.txt", "AIRAC 2410", "hunter2")

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Encrypted)

	_, err = r.Extract(context.Background(), filepath.Join(dir, "none"), ExtractOptions{})
	assert.ErrorIs(t, err, PasswordRequired)
	assert.NoDirExists(t, filepath.Join(dir, "none", "Navdata"))

	_, err = r.Extract(context.Background(), filepath.Join(dir, "wrong"), ExtractOptions{Password: "letmein"})
	assert.ErrorIs(t, err, PasswordIncorrect)

	dest := filepath.Join(dir, "ok")
	res, err := r.Extract(context.Background(), dest, ExtractOptions{Password: "hunter2", HashSHA256: true})
	require.NoError(t, err)
	assert.Equal(t, "AIRAC 2410", readString(t, filepath.Join(dest, "Navdata", "cycle.txt")))
	assert.Equal(t, sha("AIRAC 2410"), res.Hashes["Navdata/cycle.txt"].Hash)
}

func TestTarFormatsExtractWithHashes(t *testing.T) {
	files := map[string]string{
		"pkg/Scenery/Earth nav data/apt.dat": "1000 Version",
		"pkg/Scenery/library.txt":            "A\n800\nLIBRARY",
		"pkg/Other/ignored.txt":              "nope",
	}
	for _, format := range []Format{FormatTar, FormatTarGz, FormatTarXz, FormatTarZst} {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "scenery."+format.String())
			writeTar(t, path, format, files)

			r, err := Open(path)
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, format, r.Format())

			dest := filepath.Join(dir, "out")
			res, err := r.Extract(context.Background(), dest, ExtractOptions{Root: "pkg/Scenery", HashSHA256: true})
			require.NoError(t, err)
			assert.Equal(t, 2, res.Files)
			assert.Equal(t, "1000 Version", readString(t, filepath.Join(dest, "Earth nav data", "apt.dat")))
			assert.Equal(t, sha("A\n800\nLIBRARY"), res.Hashes["library.txt"].Hash)
			assert.NoFileExists(t, filepath.Join(dest, "ignored.txt"))

			entries, err := r.Entries()
			require.NoError(t, err)
			assert.Len(t, entries, 3)
			assert.False(t, entries[0].HasCRC)
		})
	}
}

func TestTarRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evil.tar")
	writeTar(t, path, FormatTar, map[string]string{"../../escape.txt": "x"})

	r, err := Open(path)
	require.NoError(t, err)
	_, err = r.Extract(context.Background(), filepath.Join(dir, "out"), ExtractOptions{})
	assert.ErrorIs(t, err, UnsafePath)
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestResolveChain(t *testing.T) {
	dir := t.TempDir()
	inner := filepath.Join(dir, "inner.zip")
	writeZip(t, inner, map[string]string{"Plane/Plane.acf": "acf"})
	innerData, err := os.ReadFile(inner)
	require.NoError(t, err)

	outer := filepath.Join(dir, "outer.zip")
	writeZip(t, outer, map[string]string{"downloads/inner.zip": string(innerData)})

	work := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))

	final, err := ResolveChain(context.Background(), outer, &addon.ExtractionChain{Archives: []string{"downloads/inner.zip"}}, "", work)
	require.NoError(t, err)
	assert.FileExists(t, final)
	assert.Equal(t, "inner.zip", filepath.Base(final))

	r, err := Open(final)
	require.NoError(t, err)
	defer r.Close()
	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Plane/Plane.acf", entries[0].Name)

	_, err = ResolveChain(context.Background(), outer, &addon.ExtractionChain{Archives: []string{"downloads/missing.zip"}}, "", work)
	assert.Error(t, err)
}

func TestEstimateSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.zip")
	writeZip(t, path, map[string]string{"root/a": "12345", "root/b": "123", "other/c": "1"})

	size, exact, err := EstimateSize(path, "root")
	require.NoError(t, err)
	assert.True(t, exact)
	assert.Equal(t, int64(8), size)

	tgz := filepath.Join(dir, "a.tar.gz")
	writeTar(t, tgz, FormatTarGz, map[string]string{"x": "hello"})
	size, exact, err = EstimateSize(tgz, "")
	require.NoError(t, err)
	assert.False(t, exact)
	assert.Greater(t, size, int64(0))
}
