package archive

import (
	"path/filepath"
	"strings"
)

// Format identifies a supported archive container.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGz
	FormatTarXz
	FormatTarZst
)

var suffixes = []struct {
	suffix string
	format Format
}{
	{".tar.gz", FormatTarGz},
	{".tgz", FormatTarGz},
	{".tar.xz", FormatTarXz},
	{".txz", FormatTarXz},
	{".tar.zst", FormatTarZst},
	{".tzst", FormatTarZst},
	{".tar", FormatTar},
	{".zip", FormatZip},
}

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	case FormatTarXz:
		return "tar.xz"
	case FormatTarZst:
		return "tar.zst"
	default:
		return "unknown"
	}
}

// HasCentralDirectory reports whether per-entry sizes and CRC32 values can
// be read without decompressing entry bodies.
func (f Format) HasCentralDirectory() bool {
	return f == FormatZip
}

// compressionRatio is the assumed uncompressed/compressed ratio used when a
// format gives no size metadata without a full decompression pass.
func (f Format) compressionRatio() int64 {
	switch f {
	case FormatTarGz:
		return 3
	case FormatTarXz, FormatTarZst:
		return 4
	default:
		return 1
	}
}

// DetectFormat infers the archive format from the file name.
func DetectFormat(path string) Format {
	name := strings.ToLower(filepath.Base(path))
	for _, s := range suffixes {
		if strings.HasSuffix(name, s.suffix) {
			return s.format
		}
	}
	return FormatUnknown
}

// IsArchive reports whether path names a supported archive.
func IsArchive(path string) bool {
	return DetectFormat(path) != FormatUnknown
}
