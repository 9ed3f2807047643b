package download

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MatchesByKind(t *testing.T) {
	err := newError(KindAborted, "http://cdn/a.ts", nil)
	wrapped := fmt.Errorf("fragment 4: %w", err)

	assert.ErrorIs(t, wrapped, ErrAborted)
	assert.NotErrorIs(t, wrapped, ErrTransferFailed)
	assert.Equal(t, KindAborted, KindOf(wrapped))
	assert.Contains(t, err.Error(), "Aborted")
	assert.Contains(t, err.Error(), "http://cdn/a.ts")
}

func TestError_UnwrapsCause(t *testing.T) {
	err := asTransferError("http://cdn/a.ts", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.Contains(t, err.Error(), "deadline exceeded")
}

func TestKindOf_ForeignErrors(t *testing.T) {
	assert.Equal(t, KindTransferFailed, KindOf(errors.New("eof")))
}

func TestErrorKind_String(t *testing.T) {
	tests := map[ErrorKind]string{
		KindTransferFailed:      "TransferFailed",
		KindPreprocessingFailed: "PreprocessingFailed",
		KindAborted:             "Aborted",
		KindInvalidRange:        "InvalidRange",
		ErrorKind(42):           "Unknown",
	}
	for kind, want := range tests {
		assert.Equal(t, want, kind.String())
	}
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "http://cdn/a.ts", Key{URL: "http://cdn/a.ts"}.String())
	assert.Equal(t, "http://cdn/a.ts@0-100", Key{URL: "http://cdn/a.ts", RangeEnd: 100}.String())
}
