package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_UnwrapAndMessage(t *testing.T) {
	cause := errors.New("connection reset")
	err := newErr(KindTransient, "download.read", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, err.Error(), "download.read")
}

func TestIsCancelled(t *testing.T) {
	cancelled := newErr(KindCancelled, "download.do", nil)
	other := newErr(KindTransient, "download.do", nil)

	assert.True(t, IsCancelled(cancelled))
	assert.False(t, IsCancelled(other))
	assert.False(t, IsCancelled(errors.New("plain error")))
}

func TestIsCancelled_ThroughWrapping(t *testing.T) {
	inner := newErr(KindCancelled, "inner", nil)
	wrapped := fmt.Errorf("outer context: %w", inner)
	assert.True(t, IsCancelled(wrapped))
}
