package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindClassification(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{&ValidationError{Field: "category"}, KindValidation},
		{&SourceNotFoundError{Name: "a.tif"}, KindSourceNotFound},
		{&SourceUnreachableError{Hint: "h", Err: errors.New("403")}, KindSourceUnreachable},
		{&IncompleteUploadError{Expected: 3, Missing: []int{1}}, KindIncompleteUpload},
		{&ConversionFailedError{ExitCode: 1, Err: errors.New("boom")}, KindConversionFailed},
		{&TransferFailedError{Key: "k", Err: errors.New("eof")}, KindTransferFailed},
		{&TimeoutError{Stage: "converting", Err: context.DeadlineExceeded}, KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("who knows"), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, Kind(tc.err), "err=%v", tc.err)
	}
}

func TestKindSeesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("作业失败: %w", &ConversionFailedError{ExitCode: 2, Err: errors.New("x")})
	assert.Equal(t, KindConversionFailed, Kind(wrapped))
}

func TestSourceNotFoundErrorListsNames(t *testing.T) {
	err := &SourceNotFoundError{Name: "ORTHO.TIF", Available: []string{"ortho.tif", "visual.tif"}}
	assert.Contains(t, err.Error(), "ORTHO.TIF")
	assert.Contains(t, err.Error(), "ortho.tif")
}
