package archive

import (
	"errors"
	"fmt"
)

// Kind classifies archive failures. The set is closed; callers branch on it
// with errors.Is(err, archive.PasswordRequired) or KindOf.
type Kind int

const (
	IO Kind = iota + 1
	PasswordRequired
	PasswordIncorrect
	UnsupportedFormat
	Corrupt
	UnsafePath
)

var kinds = []Kind{PasswordRequired, PasswordIncorrect, UnsupportedFormat, Corrupt, UnsafePath, IO}

func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case PasswordRequired:
		return "password_required"
	case PasswordIncorrect:
		return "password_incorrect"
	case UnsupportedFormat:
		return "unsupported_format"
	case Corrupt:
		return "corrupt"
	case UnsafePath:
		return "unsafe_path"
	default:
		return "unknown"
	}
}

// Error makes a Kind usable as an errors.Is target.
func (k Kind) Error() string {
	return "archive: " + k.String()
}

// Error is returned by every operation in this package.
type Error struct {
	Kind    Kind
	Archive string
	Entry   string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("archive %s: %s", e.Archive, e.Kind)
	if e.Entry != "" {
		msg += fmt.Sprintf(" (entry %s)", e.Entry)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the archive error kind carried by err, or 0 when err did not
// originate in this package.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return 0
}

func newError(kind Kind, archive, entry string, err error) *Error {
	return &Error{Kind: kind, Archive: archive, Entry: entry, Err: err}
}
