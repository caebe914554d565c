package installer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// newClockedTracker returns a tracker on a fake clock that records the
// time of every event it emits.
func newClockedTracker(interval time.Duration) (*ProgressTracker, *fakeClock, *[]InstallProgress, *[]time.Time) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var events []InstallProgress
	var stamps []time.Time
	tracker := NewProgressTracker(ProgressSinkFunc(func(p InstallProgress) {
		events = append(events, p)
		stamps = append(stamps, clock.now())
	}), interval)
	tracker.now = clock.now
	tracker.sleep = clock.advance
	return tracker, clock, &events, &stamps
}

func TestProgressTrackerThrottles(t *testing.T) {
	tracker, clock, eventsp, stampsp := newClockedTracker(50 * time.Millisecond)

	tracker.SetTotals(1000, 2)
	require.Len(t, *eventsp, 1)

	tracker.StartTask(0, "A330")
	assert.Len(t, *eventsp, 1, "task start inside the interval is dropped")

	clock.advance(10 * time.Millisecond)
	tracker.FileDone("a.txt", 100)
	tracker.FileDone("b.txt", 100)
	assert.Len(t, *eventsp, 1, "updates inside the interval are dropped")

	clock.advance(50 * time.Millisecond)
	tracker.FileDone("c.txt", 100)
	events := *eventsp
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, PhaseInstalling, last.Phase)
	assert.Equal(t, int64(300), last.ProcessedBytes)
	assert.InDelta(t, 30.0, last.Percentage, 0.001)
	require.NotNil(t, last.CurrentFile)
	assert.Equal(t, "c.txt", *last.CurrentFile)
	assert.Equal(t, "A330", last.CurrentTaskName)
	assert.Equal(t, 2, last.TotalTasks)

	tracker.SetPhase(PhaseVerifying)
	assert.Len(t, *eventsp, 2, "phase changes are throttled too")
	assert.Equal(t, PhaseVerifying, tracker.Snapshot().Phase)

	clock.advance(20 * time.Millisecond)
	tracker.Complete()
	events, stamps := *eventsp, *stampsp
	require.Len(t, events, 3)
	final := events[2]
	assert.Equal(t, PhaseFinalizing, final.Phase)
	assert.Equal(t, float64(100), final.Percentage)
	assert.Nil(t, final.CurrentFile)
	assert.Equal(t, 50*time.Millisecond, stamps[2].Sub(stamps[1]), "the final event waits out the interval")
}

func TestProgressTrackerKeepsIntervalAcrossManyTasks(t *testing.T) {
	const interval = 50 * time.Millisecond
	tracker, clock, eventsp, stampsp := newClockedTracker(interval)

	tracker.SetPhase(PhaseCalculating)
	tracker.SetTotals(50*100, 50)
	for i := 0; i < 50; i++ {
		tracker.StartTask(i, "task")
		clock.advance(time.Millisecond)
		tracker.FileDone("f", 100)
		tracker.SetPhase(PhaseVerifying)
		tracker.SetPhase(PhaseFinalizing)
	}
	tracker.Complete()

	events, stamps := *eventsp, *stampsp
	require.NotEmpty(t, events)
	assert.Less(t, len(events), 10, "50ms of work yields about one event per interval")
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), interval, "event %d came too soon", i)
	}
	final := events[len(events)-1]
	assert.Equal(t, PhaseFinalizing, final.Phase)
	assert.Equal(t, float64(100), final.Percentage)
	assert.Equal(t, 49, final.CurrentTaskIndex)
}

func TestProgressTrackerCompleteWithoutPriorEvent(t *testing.T) {
	tracker, _, eventsp, _ := newClockedTracker(50 * time.Millisecond)
	tracker.Complete()
	require.Len(t, *eventsp, 1)
	assert.Equal(t, PhaseFinalizing, (*eventsp)[0].Phase)
}

func TestProgressTrackerAdvanceToIsMonotonic(t *testing.T) {
	tracker := NewProgressTracker(nil, 0)
	tracker.SetTotals(100, 1)
	tracker.FileDone("a", 60)
	tracker.AdvanceTo(40)
	assert.Equal(t, int64(60), tracker.Processed())
	tracker.AdvanceTo(100)
	assert.Equal(t, int64(100), tracker.Processed())

	tracker.FileDone("b", 50)
	assert.Equal(t, float64(100), tracker.Snapshot().Percentage, "percentage is capped")
}

func TestProgressTrackerZeroTotal(t *testing.T) {
	tracker := NewProgressTracker(nil, 0)
	assert.Equal(t, float64(0), tracker.Snapshot().Percentage)
	assert.Equal(t, PhaseCalculating, tracker.Snapshot().Phase)
}

func TestTaskControl(t *testing.T) {
	c := NewTaskControl()
	ctx := context.Background()
	assert.NoError(t, c.check(ctx))

	c.RequestSkip()
	assert.ErrorIs(t, c.check(ctx), errSkipped)
	c.clearSkip()
	assert.NoError(t, c.check(ctx))

	c.RequestSkip()
	c.RequestCancel()
	assert.ErrorIs(t, c.check(ctx), ErrCancelled)

	c.Reset()
	assert.False(t, c.CancelRequested())
	assert.False(t, c.SkipRequested())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := c.check(cancelled)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
