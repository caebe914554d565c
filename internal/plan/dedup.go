// Package plan turns detected add-ons into a deduplicated list of install
// tasks.
package plan

import (
	"path/filepath"
	"strings"

	"github.com/BadgerOps/addonkit/internal/addon"
)

// Deduplicate collapses overlapping detections. Within one add-on kind and
// one source, only the shallowest effective paths survive: an item nested
// under another same-kind item from the same source is dropped. Items of
// different kinds, or from different sources, never affect each other.
//
// Output groups items by kind in first-seen order and keeps insertion order
// within a kind. Deduplicate is idempotent.
func Deduplicate(items []addon.DetectedItem) []addon.DetectedItem {
	var order []addon.Kind
	byKind := make(map[addon.Kind][]addon.DetectedItem)
	for _, item := range items {
		if _, seen := byKind[item.Kind]; !seen {
			order = append(order, item.Kind)
		}
		byKind[item.Kind] = insertItem(byKind[item.Kind], item)
	}

	out := make([]addon.DetectedItem, 0, len(items))
	for _, k := range order {
		out = append(out, byKind[k]...)
	}
	return out
}

func insertItem(result []addon.DetectedItem, item addon.DetectedItem) []addon.DetectedItem {
	path := item.EffectivePath()
	for _, existing := range result {
		if sameSource(existing, item) && strictlyUnder(path, existing.EffectivePath(), item.FromArchive()) {
			return result
		}
	}

	kept := result[:0]
	duplicate := false
	for _, existing := range result {
		if sameSource(existing, item) {
			existingPath := existing.EffectivePath()
			if strictlyUnder(existingPath, path, item.FromArchive()) {
				continue
			}
			if existingPath == path {
				duplicate = true
			}
		}
		kept = append(kept, existing)
	}
	if duplicate {
		return kept
	}
	return append(kept, item)
}

// sameSource reports whether a and b come from the same archive, or from
// directories where one contains the other.
func sameSource(a, b addon.DetectedItem) bool {
	if a.FromArchive() != b.FromArchive() {
		return false
	}
	if a.FromArchive() {
		return a.ArchiveKey() == b.ArchiveKey()
	}
	pa, pb := filepath.Clean(a.Path), filepath.Clean(b.Path)
	return pa == pb || strictlyUnder(pa, pb, false) || strictlyUnder(pb, pa, false)
}

// strictlyUnder reports whether child is a proper descendant of parent,
// comparing whole path components. Archive paths use forward slashes and
// the empty path is the archive root.
func strictlyUnder(child, parent string, archivePath bool) bool {
	if child == parent {
		return false
	}
	sep := string(filepath.Separator)
	if archivePath {
		sep = "/"
		if parent == "" {
			return child != ""
		}
	}
	prefix := parent
	if !strings.HasSuffix(prefix, sep) {
		prefix += sep
	}
	return strings.HasPrefix(child, prefix)
}

// DeduplicateByTargetPath keeps the first task for each target path.
func DeduplicateByTargetPath(tasks []addon.InstallTask) []addon.InstallTask {
	seen := make(map[string]struct{}, len(tasks))
	out := make([]addon.InstallTask, 0, len(tasks))
	for _, t := range tasks {
		key := filepath.Clean(t.TargetPath)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
