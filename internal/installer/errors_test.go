package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BadgerOps/addonkit/internal/archive"
	"github.com/BadgerOps/addonkit/internal/safety"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"not exist", fmt.Errorf("open: %w", fs.ErrNotExist), KindNotFound},
		{"permission", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, KindPermissionDenied},
		{"space", fmt.Errorf("%w on /", safety.ErrInsufficientSpace), KindInsufficientSpace},
		{"password required", &archive.Error{Kind: archive.PasswordRequired, Archive: "a.zip"}, KindPasswordRequired},
		{"password incorrect", &archive.Error{Kind: archive.PasswordIncorrect, Archive: "a.zip"}, KindPasswordIncorrect},
		{"unsafe path", &archive.Error{Kind: archive.UnsafePath, Archive: "a.zip"}, KindValidation},
		{"corrupt", &archive.Error{Kind: archive.Corrupt, Archive: "a.zip"}, KindIO},
		{"archive io cancelled", &archive.Error{Kind: archive.IO, Err: context.Canceled}, KindCancelled},
		{"explicit kind", errorf(KindBackupVerification, "mismatch"), KindBackupVerification},
		{"plain", errors.New("boom"), KindIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestWrapTaskErrorMatchesSentinels(t *testing.T) {
	err := wrapTaskError("t1", "Zip", &archive.Error{Kind: archive.PasswordRequired, Archive: "a.zip"})
	assert.ErrorIs(t, err, ErrPasswordRequired)
	assert.ErrorIs(t, err, archive.PasswordRequired)
	assert.Equal(t, "t1", err.TaskID)
}
