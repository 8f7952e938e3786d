package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "save job %d", 42)

	assert.Contains(t, wrapped.Error(), "save job 42")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestSentinels(t *testing.T) {
	tests := []struct {
		name     string
		sentinel error
	}{
		{"not found", ErrNotFound},
		{"no workers", ErrNoWorkers},
		{"job not running", ErrJobNotRunning},
		{"closed", ErrClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := Wrap(tt.sentinel, "context")
			assert.True(t, Is(wrapped, tt.sentinel))
			assert.False(t, Is(wrapped, ErrConflict))
		})
	}
}

func TestNotFoundHelpers(t *testing.T) {
	err := NewNotFoundError("job %s", "abc")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "job abc")

	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(New("other")))
}

func TestInvalidRequestHelpers(t *testing.T) {
	err := NewInvalidRequestError("bad field %q", "minute")
	assert.True(t, IsInvalidRequestError(err))
	assert.False(t, IsInvalidRequestError(ErrNotFound))
}

func TestHints(t *testing.T) {
	err := WithHint(ErrNoWorkers, "start a worker with `tock worker`")
	assert.True(t, Is(err, ErrNoWorkers))
	assert.Contains(t, FlattenHints(err), "tock worker")
}
