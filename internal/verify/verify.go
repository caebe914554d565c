// Package verify recomputes the hashes of installed files and compares them
// with the hashes collected before installation.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/addonkit/internal/addon"
	"github.com/BadgerOps/addonkit/internal/hashing"
	"github.com/BadgerOps/addonkit/internal/safety"
)

// Mismatch describes one file that failed verification. Error is set when
// the file could not be read at all, in which case Actual is empty.
type Mismatch struct {
	Path      string              `json:"path"`
	Algorithm addon.HashAlgorithm `json:"algorithm"`
	Expected  string              `json:"expected"`
	Actual    string              `json:"actual,omitempty"`
	Error     string              `json:"error,omitempty"`
}

func (m Mismatch) String() string {
	if m.Error != "" {
		return fmt.Sprintf("%s: %s", m.Path, m.Error)
	}
	return fmt.Sprintf("%s: %s expected %s, got %s", m.Path, m.Algorithm, m.Expected, m.Actual)
}

// Verifier checks installed files against expected hashes.
type Verifier struct {
	workers int
	logger  *slog.Logger
}

// New returns a Verifier that hashes up to workers files at once.
func New(workers int, logger *slog.Logger) *Verifier {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{workers: workers, logger: logger}
}

// Verify recomputes the hash of every file named in expected, below dir,
// using the algorithm recorded for that file. Files present on disk but not
// in expected are ignored. The returned slice is sorted by path and empty
// when every file matched; the error is non-nil only when ctx was cancelled.
func (v *Verifier) Verify(ctx context.Context, dir string, expected map[string]addon.FileHash) ([]Mismatch, error) {
	var (
		mu         sync.Mutex
		mismatches = []Mismatch{}
	)
	report := func(m Mismatch) {
		mu.Lock()
		mismatches = append(mismatches, m)
		mu.Unlock()
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for rel, want := range expected {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			algo := want.Algorithm
			if algo == "" {
				algo = addon.AlgorithmSHA256
			}
			m := Mismatch{Path: rel, Algorithm: algo, Expected: want.Hash}

			path, err := safety.SafeJoinUnder(dir, filepath.FromSlash(rel))
			if err != nil {
				m.Error = err.Error()
				report(m)
				return nil
			}
			actual, err := hashing.Compute(path, algo)
			if err != nil {
				m.Error = err.Error()
				report(m)
				return nil
			}
			if !strings.EqualFold(actual, want.Hash) {
				m.Actual = actual
				report(m)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Path < mismatches[j].Path })
	if len(mismatches) > 0 {
		v.logger.Warn("verification found mismatches", "dir", dir, "checked", len(expected), "mismatches", len(mismatches))
	} else {
		v.logger.Debug("verification passed", "dir", dir, "checked", len(expected))
	}
	return mismatches, nil
}
