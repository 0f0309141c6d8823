package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNavError(t *testing.T) {
	t.Run("status error message", func(t *testing.T) {
		err := NewStatusError("/shop", 500)

		assert.Equal(t, "[fetch/status] target:/shop status:500 fetch failed with status 500", err.Error())
		assert.Equal(t, 500, StatusCode(err))
		assert.True(t, IsFetchError(err))
		assert.True(t, ShouldFallback(err))
	})

	t.Run("unwrap keeps the cause", func(t *testing.T) {
		cause := context.DeadlineExceeded
		err := NewResourceLoadError(CodeTimeout, "/a.css", cause)

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, IsResourceLoadError(err))
		assert.False(t, ShouldFallback(err))
		assert.True(t, err.Recoverable)
	})

	t.Run("errors.Is matches kind sentinels", func(t *testing.T) {
		wrapped := fmt.Errorf("navigate: %w", NewFetchError(CodeTransport, "dial failed", nil))

		assert.ErrorIs(t, wrapped, ErrFetch)
		assert.NotErrorIs(t, wrapped, ErrResource)
		assert.ErrorIs(t, wrapped, &NavError{Kind: KindFetch, Code: CodeTransport})
		assert.NotErrorIs(t, wrapped, &NavError{Kind: KindFetch, Code: CodeStatus})
	})

	t.Run("superseded never falls back", func(t *testing.T) {
		err := NewSupersededError("/a", 1, 2)

		assert.True(t, IsSuperseded(err))
		assert.False(t, ShouldFallback(err))
	})

	t.Run("unknown errors fall back", func(t *testing.T) {
		assert.True(t, ShouldFallback(errors.New("surprise")))
		assert.False(t, ShouldFallback(nil))
	})
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, KindFetch, CodeTransport, "x"))

	original := NewStatusError("/a", 404)
	assert.Same(t, original, Wrap(fmt.Errorf("ctx: %w", original), KindUnexpected, CodeCommit, "y"))

	plain := Wrap(errors.New("eof"), KindUnexpected, CodeParse, "parse failed")
	assert.Equal(t, KindUnexpected, plain.Kind)
	assert.True(t, ShouldFallback(plain))

	withCtx := plain.WithContext("bytes", 12).WithTarget("/b")
	assert.Equal(t, 12, withCtx.Context["bytes"])
	assert.Equal(t, "/b", withCtx.Target)
}
