package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/BadgerOps/addonkit/internal/addon"
)

// ResolveChain extracts each nested archive of chain into workDir, starting
// from source, and returns the path of the innermost archive. workDir must
// exist; the caller owns its cleanup.
func ResolveChain(ctx context.Context, source string, chain *addon.ExtractionChain, password, workDir string) (string, error) {
	if chain == nil || len(chain.Archives) == 0 {
		return source, nil
	}

	current := source
	for i, inner := range chain.Archives {
		if err := checkContext(ctx, current); err != nil {
			return "", err
		}

		name := addon.NormalizeArchivePath(inner)
		if !IsArchive(name) {
			return "", newError(UnsupportedFormat, current, name, fmt.Errorf("nested entry is not a supported archive"))
		}

		layerDir := filepath.Join(workDir, fmt.Sprintf("layer%d", i))
		if err := os.MkdirAll(layerDir, 0o755); err != nil {
			return "", newError(IO, current, name, err)
		}
		dst := filepath.Join(layerDir, path.Base(name))

		r, err := Open(current)
		if err != nil {
			return "", err
		}
		err = r.ExtractEntry(name, dst, password)
		_ = r.Close()
		if err != nil {
			return "", err
		}
		current = dst
	}
	return current, nil
}
