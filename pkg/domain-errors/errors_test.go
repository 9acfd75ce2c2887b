package domainerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	t.Run("nil error stays nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, CodeTimeout, "metrics write"))
	})

	t.Run("keeps cause reachable", func(t *testing.T) {
		err := Wrap(context.DeadlineExceeded, CodeTimeout, "metrics write")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, "metrics write: context deadline exceeded", err.Error())
	})
}

func TestHasCode(t *testing.T) {
	inner := New(CodeUnavailable, "influx down")
	outer := Wrap(inner, CodeTimeout, "metrics write")
	wrapped := fmt.Errorf("persist: %w", outer)

	assert.True(t, HasCode(wrapped, CodeTimeout))
	assert.True(t, HasCode(wrapped, CodeUnavailable))
	assert.False(t, HasCode(wrapped, CodeMisconfigured))
	assert.False(t, HasCode(errors.New("plain"), CodeInternal))
	assert.False(t, HasCode(nil, CodeInternal))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeTimeout, CodeOf(Wrap(errors.New("x"), CodeTimeout, "y")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}
