package installer

import (
	"sync/atomic"

	"github.com/BadgerOps/addonkit/internal/hashing"
)

// Stats counts work done during one Install run. Pass a fresh Stats per run;
// counters are atomic so hashing and staging workers can share it.
type Stats struct {
	TasksInstalled atomic.Int64
	TasksSkipped   atomic.Int64
	TasksFailed    atomic.Int64
	FilesStaged    atomic.Int64
	BytesStaged    atomic.Int64
	CopyFallbacks  atomic.Int64 // renames that had to fall back to copy+delete
	FilesVerified  atomic.Int64

	Hashing hashing.Stats
}

// StatsSummary is a plain copy of Stats for reporting.
type StatsSummary struct {
	TasksInstalled int64 `json:"tasks_installed"`
	TasksSkipped   int64 `json:"tasks_skipped"`
	TasksFailed    int64 `json:"tasks_failed"`
	FilesStaged    int64 `json:"files_staged"`
	BytesStaged    int64 `json:"bytes_staged"`
	CopyFallbacks  int64 `json:"copy_fallbacks"`
	FilesVerified  int64 `json:"files_verified"`
	FilesHashed    int64 `json:"files_hashed"`
	HashFailures   int64 `json:"hash_failures"`
	MetadataHashes int64 `json:"metadata_hashes"`
}

// Summary returns the current counter values.
func (s *Stats) Summary() StatsSummary {
	return StatsSummary{
		TasksInstalled: s.TasksInstalled.Load(),
		TasksSkipped:   s.TasksSkipped.Load(),
		TasksFailed:    s.TasksFailed.Load(),
		FilesStaged:    s.FilesStaged.Load(),
		BytesStaged:    s.BytesStaged.Load(),
		CopyFallbacks:  s.CopyFallbacks.Load(),
		FilesVerified:  s.FilesVerified.Load(),
		FilesHashed:    s.Hashing.FilesHashed.Load(),
		HashFailures:   s.Hashing.Failures.Load(),
		MetadataHashes: s.Hashing.MetadataReads.Load(),
	}
}
