package safety

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// DefaultMinFreeBytes is the free-space floor required before staging begins.
const DefaultMinFreeBytes uint64 = 1 << 30

// ErrInsufficientSpace is returned when the destination volume is below the floor.
var ErrInsufficientSpace = errors.New("insufficient free space")

// FreeSpace returns the bytes available to the current user on the volume
// holding path. path does not need to exist; the nearest existing ancestor
// is queried instead.
func FreeSpace(path string) (uint64, error) {
	existing, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}
	free, err := freeSpace(existing)
	if err != nil {
		return 0, fmt.Errorf("query free space for %s: %w", existing, err)
	}
	return free, nil
}

// CheckFreeSpace fails with ErrInsufficientSpace when fewer than minBytes are
// available on the volume holding path.
func CheckFreeSpace(path string, minBytes uint64) error {
	free, err := FreeSpace(path)
	if err != nil {
		return err
	}
	if free < minBytes {
		return fmt.Errorf("%w on %s: %s available, %s required", ErrInsufficientSpace,
			path, humanize.IBytes(free), humanize.IBytes(minBytes))
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	for {
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		abs = parent
	}
}
