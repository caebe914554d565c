package installer

import (
	"context"
	"errors"
	"sync/atomic"
)

// errSkipped ends the current task without counting it as a failure.
var errSkipped = errors.New("task skipped")

// TaskControl carries cooperative cancel-all and skip-current requests into
// a running Install. Requests are polled between files and between tasks;
// in-flight file operations always finish. A TaskControl is safe for
// concurrent use.
type TaskControl struct {
	cancel atomic.Bool
	skip   atomic.Bool
}

// NewTaskControl returns a control with no pending requests.
func NewTaskControl() *TaskControl {
	return &TaskControl{}
}

// RequestCancel asks the installer to stop after the current file or task.
func (c *TaskControl) RequestCancel() { c.cancel.Store(true) }

// RequestSkip asks the installer to abandon the current task and move on.
func (c *TaskControl) RequestSkip() { c.skip.Store(true) }

// CancelRequested reports whether cancel-all is pending.
func (c *TaskControl) CancelRequested() bool { return c.cancel.Load() }

// SkipRequested reports whether skip-current is pending.
func (c *TaskControl) SkipRequested() bool { return c.skip.Load() }

// Reset clears both requests.
func (c *TaskControl) Reset() {
	c.cancel.Store(false)
	c.skip.Store(false)
}

// clearSkip drops a pending skip request; Install calls it after every task.
func (c *TaskControl) clearSkip() { c.skip.Store(false) }

// check returns ErrCancelled or errSkipped when a request is pending, or the
// context error when ctx is done. Cancellation wins over skip.
func (c *TaskControl) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(ErrCancelled, err)
	}
	if c.cancel.Load() {
		return ErrCancelled
	}
	if c.skip.Load() {
		return errSkipped
	}
	return nil
}
