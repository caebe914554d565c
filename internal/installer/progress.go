package installer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Phase is the stage of the install run reported in progress events.
type Phase string

const (
	PhaseCalculating Phase = "Calculating"
	PhaseInstalling  Phase = "Installing"
	PhaseVerifying   Phase = "Verifying"
	PhaseFinalizing  Phase = "Finalizing"
)

// DefaultMinEmitInterval is the minimum spacing of throttled progress events.
const DefaultMinEmitInterval = 50 * time.Millisecond

// InstallProgress is a snapshot of the run, safe for JSON serialization.
type InstallProgress struct {
	Percentage       float64 `json:"percentage"`
	TotalBytes       int64   `json:"totalBytes"`
	ProcessedBytes   int64   `json:"processedBytes"`
	CurrentTaskIndex int     `json:"currentTaskIndex"`
	TotalTasks       int     `json:"totalTasks"`
	CurrentTaskName  string  `json:"currentTaskName"`
	CurrentFile      *string `json:"currentFile"`
	Phase            Phase   `json:"phase"`
}

// ProgressSink receives progress events. Progress is called from the
// goroutine that produced the update and must not block for long.
type ProgressSink interface {
	Progress(InstallProgress)
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(InstallProgress)

// Progress calls f(p).
func (f ProgressSinkFunc) Progress(p InstallProgress) { f(p) }

// ProgressTracker accumulates byte progress from staging workers and forwards
// throttled snapshots to a sink. The processed counter is atomic; everything
// else, including the last emit time, is guarded by mu.
type ProgressTracker struct {
	processed atomic.Int64

	mu          sync.Mutex
	sink        ProgressSink
	interval    time.Duration
	now         func() time.Time
	sleep       func(time.Duration)
	lastEmit    time.Time
	totalBytes  int64
	totalTasks  int
	taskIndex   int
	taskName    string
	currentFile *string
	phase       Phase
	done        bool
}

// NewProgressTracker creates a tracker emitting to sink at most once per
// interval. A nil sink discards events; a non-positive interval uses
// DefaultMinEmitInterval.
func NewProgressTracker(sink ProgressSink, interval time.Duration) *ProgressTracker {
	if sink == nil {
		sink = ProgressSinkFunc(func(InstallProgress) {})
	}
	if interval <= 0 {
		interval = DefaultMinEmitInterval
	}
	return &ProgressTracker{
		sink:     sink,
		interval: interval,
		now:      time.Now,
		sleep:    time.Sleep,
		phase:    PhaseCalculating,
	}
}

// Snapshot returns a copy of the current progress state.
func (t *ProgressTracker) Snapshot() InstallProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// snapshotLocked must be called with t.mu held.
func (t *ProgressTracker) snapshotLocked() InstallProgress {
	processed := t.processed.Load()
	var pct float64
	switch {
	case t.done:
		pct = 100
	case t.totalBytes > 0:
		pct = float64(processed) / float64(t.totalBytes) * 100
		if pct > 100 {
			pct = 100
		}
	}

	var file *string
	if t.currentFile != nil {
		f := *t.currentFile
		file = &f
	}
	return InstallProgress{
		Percentage:       pct,
		TotalBytes:       t.totalBytes,
		ProcessedBytes:   processed,
		CurrentTaskIndex: t.taskIndex,
		TotalTasks:       t.totalTasks,
		CurrentTaskName:  t.taskName,
		CurrentFile:      file,
		Phase:            t.phase,
	}
}

// emit sends a snapshot unless one was sent less than interval ago.
// Every update, phase changes included, goes through the throttle; a
// dropped state is carried by the next event or by Complete.
func (t *ProgressTracker) emit() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < t.interval {
		return
	}
	t.lastEmit = now
	t.sink.Progress(t.snapshotLocked())
}

// SetTotals records the expected byte total and task count after calculation.
func (t *ProgressTracker) SetTotals(totalBytes int64, totalTasks int) {
	t.mu.Lock()
	t.totalBytes = totalBytes
	t.totalTasks = totalTasks
	t.mu.Unlock()
	t.emit()
}

// SetPhase changes the reported phase.
func (t *ProgressTracker) SetPhase(phase Phase) {
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
	t.emit()
}

// StartTask marks task index (zero based) as current and switches to
// PhaseInstalling.
func (t *ProgressTracker) StartTask(index int, name string) {
	t.mu.Lock()
	t.taskIndex = index
	t.taskName = name
	t.currentFile = nil
	t.phase = PhaseInstalling
	t.mu.Unlock()
	t.emit()
}

// FileDone adds n processed bytes for file. Safe to call from several
// goroutines; the event it may trigger is throttled.
func (t *ProgressTracker) FileDone(file string, n int64) {
	t.processed.Add(n)
	t.mu.Lock()
	t.currentFile = &file
	t.mu.Unlock()
	t.emit()
}

// AdvanceTo raises the processed counter to at least n. It keeps the
// percentage monotonic when a task ends early or its size was estimated.
func (t *ProgressTracker) AdvanceTo(n int64) {
	for {
		cur := t.processed.Load()
		if cur >= n || t.processed.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Processed returns the processed byte counter.
func (t *ProgressTracker) Processed() int64 {
	return t.processed.Load()
}

// Complete reports 100% in PhaseFinalizing. The final event is always
// delivered, after waiting out whatever remains of the current interval.
func (t *ProgressTracker) Complete() {
	t.mu.Lock()
	t.done = true
	t.phase = PhaseFinalizing
	t.currentFile = nil
	var wait time.Duration
	if !t.lastEmit.IsZero() {
		wait = t.interval - t.now().Sub(t.lastEmit)
	}
	t.mu.Unlock()

	if wait > 0 {
		t.sleep(wait)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastEmit = t.now()
	t.sink.Progress(t.snapshotLocked())
}
