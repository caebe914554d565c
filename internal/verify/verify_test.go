package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/addonkit/internal/addon"
	"github.com/BadgerOps/addonkit/internal/hashing"
)

func setup(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func expect(t *testing.T, dir, rel string, algo addon.HashAlgorithm) addon.FileHash {
	t.Helper()
	sum, err := hashing.Compute(filepath.Join(dir, filepath.FromSlash(rel)), algo)
	require.NoError(t, err)
	return addon.FileHash{Path: rel, Hash: sum, Algorithm: algo}
}

func TestVerifyOwnHashesSucceeds(t *testing.T) {
	dir := setup(t, map[string]string{
		"A330.acf":         "acf",
		"objects/wing.obj": "wing",
		"liveries/a/b.png": "png",
		"not/expected.txt": "ignored",
	})
	expected := map[string]addon.FileHash{
		"A330.acf":         expect(t, dir, "A330.acf", addon.AlgorithmSHA256),
		"objects/wing.obj": expect(t, dir, "objects/wing.obj", addon.AlgorithmCRC32),
		"liveries/a/b.png": expect(t, dir, "liveries/a/b.png", addon.AlgorithmSHA256),
	}

	mismatches, err := New(2, nil).Verify(context.Background(), dir, expected)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestVerifyWrongHashReportsMismatch(t *testing.T) {
	dir := setup(t, map[string]string{"a.txt": "a", "b.txt": "b"})
	good := expect(t, dir, "b.txt", addon.AlgorithmSHA256)
	wrong := addon.FileHash{Path: "a.txt", Hash: strings.Repeat("0", 64), Algorithm: addon.AlgorithmSHA256}

	mismatches, err := New(1, nil).Verify(context.Background(), dir, map[string]addon.FileHash{
		"a.txt": wrong,
		"b.txt": good,
	})
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "a.txt", mismatches[0].Path)
	assert.Equal(t, wrong.Hash, mismatches[0].Expected)
	assert.Len(t, mismatches[0].Actual, 64)
	assert.Empty(t, mismatches[0].Error)
}

func TestVerifyMissingFileReportsError(t *testing.T) {
	dir := setup(t, map[string]string{"present.txt": "here"})
	mismatches, err := New(1, nil).Verify(context.Background(), dir, map[string]addon.FileHash{
		"missing.txt": {Path: "missing.txt", Hash: "00000000", Algorithm: addon.AlgorithmCRC32},
		"z/gone.txt":  {Path: "z/gone.txt", Hash: "00000000", Algorithm: addon.AlgorithmCRC32},
	})
	require.NoError(t, err)
	require.Len(t, mismatches, 2)
	assert.Equal(t, "missing.txt", mismatches[0].Path)
	assert.Equal(t, "z/gone.txt", mismatches[1].Path)
	assert.NotEmpty(t, mismatches[0].Error)
	assert.Empty(t, mismatches[0].Actual)
}

func TestVerifyRejectsEscapingPath(t *testing.T) {
	dir := setup(t, nil)
	mismatches, err := New(1, nil).Verify(context.Background(), dir, map[string]addon.FileHash{
		"../outside": {Path: "../outside", Hash: "00", Algorithm: addon.AlgorithmSHA256},
	})
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.NotEmpty(t, mismatches[0].Error)
}

func TestVerifyHashCaseInsensitive(t *testing.T) {
	dir := setup(t, map[string]string{"a": "a"})
	h := expect(t, dir, "a", addon.AlgorithmCRC32)
	h.Hash = strings.ToUpper(h.Hash)
	mismatches, err := New(1, nil).Verify(context.Background(), dir, map[string]addon.FileHash{"a": h})
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestVerifyCancelled(t *testing.T) {
	dir := setup(t, map[string]string{"a": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(1, nil).Verify(ctx, dir, map[string]addon.FileHash{"a": expect(t, dir, "a", addon.AlgorithmCRC32)})
	assert.ErrorIs(t, err, context.Canceled)
}
