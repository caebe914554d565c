// Package hashing computes file content hashes and collects the expected
// hashes of an install task's source before installation.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/BadgerOps/addonkit/internal/addon"
)

// chunkSize is the read buffer used while streaming files through a hash.
const chunkSize = 64 * 1024

// SHA256Reader returns the lower-case hex SHA-256 digest of everything read from r.
func SHA256Reader(r io.Reader) (string, int64, error) {
	return sumReader(sha256.New(), r)
}

// CRC32Reader returns the IEEE CRC32 of r as eight zero-padded hex digits.
func CRC32Reader(r io.Reader) (string, int64, error) {
	return sumReader(crc32.NewIEEE(), r)
}

func sumReader(h hash.Hash, r io.Reader) (string, int64, error) {
	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ComputeSHA256 hashes the file at path.
func ComputeSHA256(path string) (string, error) {
	return Compute(path, addon.AlgorithmSHA256)
}

// ComputeCRC32 checksums the file at path.
func ComputeCRC32(path string) (string, error) {
	return Compute(path, addon.AlgorithmCRC32)
}

// Compute hashes the file at path with algo.
func Compute(path string, algo addon.HashAlgorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	var sum string
	switch algo {
	case addon.AlgorithmSHA256:
		sum, _, err = SHA256Reader(f)
	case addon.AlgorithmCRC32:
		sum, _, err = CRC32Reader(f)
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", algo)
	}
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return sum, nil
}

// FormatCRC32 renders a CRC32 value the way CRC32Reader does.
func FormatCRC32(v uint32) string {
	return fmt.Sprintf("%08x", v)
}
