package store

import "time"

// InstallRun records one Install call
type InstallRun struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	TaskCount  int
	Installed  int
	Skipped    int
	Failed     int
	Cancelled  int
	Status     string // "running", "success", "partial", "failed", "cancelled"
	StatsJSON  string // installer.StatsSummary as JSON
}

// TaskRecord is the outcome of one install task within a run
type TaskRecord struct {
	ID           int64
	RunID        int64
	TaskID       string
	DisplayName  string
	AddonType    string
	TargetPath   string
	Status       string // "installed", "skipped", "failed", "cancelled"
	Scenario     string
	ErrorKind    string
	ErrorMessage string
	BackupPath   string // kept backup the user must recover from, if any
	DurationMS   int64
	RecordedAt   time.Time
}

// VerificationFailure is one file that failed post-install verification
type VerificationFailure struct {
	ID           int64
	TaskRecordID int64
	Path         string
	Algorithm    string
	Expected     string
	Actual       string
	Error        string
}
