package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/BadgerOps/addonkit/internal/archive"
	"github.com/BadgerOps/addonkit/internal/safety"
)

// ErrorKind classifies a task failure. The set is closed.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindNotFound            ErrorKind = "not_found"
	KindPermissionDenied    ErrorKind = "permission_denied"
	KindInsufficientSpace   ErrorKind = "insufficient_space"
	KindPasswordRequired    ErrorKind = "password_required"
	KindPasswordIncorrect   ErrorKind = "password_incorrect"
	KindConflictExists      ErrorKind = "conflict_exists"
	KindBackupVerification  ErrorKind = "backup_verification"
	KindRestoreVerification ErrorKind = "restore_verification"
	KindVerificationFailed  ErrorKind = "verification_failed"
	KindCancelled           ErrorKind = "cancelled"
	KindIO                  ErrorKind = "io"
	KindInternal            ErrorKind = "internal"
)

// Error makes an ErrorKind usable with errors.Is.
func (k ErrorKind) Error() string { return string(k) }

// Sentinels for errors.Is checks against task errors.
var (
	ErrCancelled         error = KindCancelled
	ErrConflictExists    error = KindConflictExists
	ErrInsufficientSpace error = KindInsufficientSpace
	ErrPasswordRequired  error = KindPasswordRequired
	ErrPasswordIncorrect error = KindPasswordIncorrect
)

// TaskError reports a failed task with enough context to retry, skip or
// abort the rest of the batch. BackupPath is set when user data was left in
// a backup directory that must be recovered by hand.
type TaskError struct {
	Kind        ErrorKind
	TaskID      string
	DisplayName string
	BackupPath  string
	Err         error
}

func (e *TaskError) Error() string {
	msg := fmt.Sprintf("task %s (%s): %s", e.TaskID, e.DisplayName, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.BackupPath != "" {
		msg += fmt.Sprintf(" (backup kept at %s)", e.BackupPath)
	}
	return msg
}

func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// errorf creates an error of a specific kind without task context. It is
// attached by wrapTaskError once the failure reaches the orchestrator.
func errorf(kind ErrorKind, format string, args ...any) error {
	return &TaskError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// wrapTaskError attaches the task identity to err, classifying it when it
// does not already carry a kind.
func wrapTaskError(id, name string, err error) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		if te.TaskID == "" {
			te.TaskID = id
			te.DisplayName = name
		}
		return te
	}
	return &TaskError{Kind: classify(err), TaskID: id, DisplayName: name, Err: err}
}

// classify maps an arbitrary error onto the closed kind set.
func classify(err error) ErrorKind {
	var kind ErrorKind
	switch {
	case err == nil:
		return ""
	case errors.As(err, &kind):
		return kind
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, safety.ErrInsufficientSpace):
		return KindInsufficientSpace
	}

	switch archive.KindOf(err) {
	case archive.PasswordRequired:
		return KindPasswordRequired
	case archive.PasswordIncorrect:
		return KindPasswordIncorrect
	case archive.UnsafePath, archive.UnsupportedFormat:
		return KindValidation
	case archive.Corrupt:
		return KindIO
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	default:
		return KindIO
	}
}

// KindOf returns the kind carried by err, classifying it if necessary.
func KindOf(err error) ErrorKind {
	return classify(err)
}
