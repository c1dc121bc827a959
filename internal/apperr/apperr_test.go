package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedChain(t *testing.T) {
	base := NotFound("locate original", "job %s", "abc")
	wrapped := fmt.Errorf("reprocess: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.False(t, Is(wrapped, KindStorage))
}

func TestKindOfPlainErrors(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("stage: %w", context.DeadlineExceeded)))
}

func TestWrapReclassifiesContextErrors(t *testing.T) {
	err := Wrap(KindRead, "clean", context.Canceled)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)

	assert.Nil(t, Wrap(KindRead, "clean", nil))
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"op and message", New(KindValidation, "upload", "filename required"), "upload: filename required"},
		{"op and cause", Wrap(KindStorage, "save original", errors.New("disk full")), "save original: disk full"},
		{"kind only", &Error{Kind: KindAmbiguous}, "ambiguous"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}
