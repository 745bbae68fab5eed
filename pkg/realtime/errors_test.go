package realtime

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	t.Run("kind survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("request failed: %w", NewError(KindAckTimeout, "no ack"))
		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindAckTimeout, kind)
		assert.True(t, IsAckTimeout(err))
	})

	t.Run("predicates discriminate", func(t *testing.T) {
		err := NewError(KindServer, "no permission")
		assert.True(t, IsServer(err))
		assert.False(t, IsConnection(err))
		assert.False(t, IsAckTimeout(err))
		assert.False(t, IsHandshakeTimeout(err))
		assert.False(t, IsValidation(err))
	})

	t.Run("foreign errors have no kind", func(t *testing.T) {
		_, ok := KindOf(errors.New("plain"))
		assert.False(t, ok)
		assert.False(t, IsConnection(errors.New("plain")))
		assert.False(t, IsConnection(nil))
	})

	t.Run("errors.Is matches by kind", func(t *testing.T) {
		err := WrapError(KindConnection, "dial failed", errors.New("refused"))
		assert.ErrorIs(t, err, &Error{Kind: KindConnection})
		assert.NotErrorIs(t, err, &Error{Kind: KindServer})
	})

	t.Run("unwrap exposes the cause", func(t *testing.T) {
		cause := errors.New("refused")
		err := WrapError(KindConnection, "dial failed", cause)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("message rendering", func(t *testing.T) {
		assert.Equal(t, "realtime: validation: topic is required",
			NewError(KindValidation, "topic is required").Error())
		assert.Equal(t, "realtime: connection: dial failed: refused",
			WrapError(KindConnection, "dial failed", errors.New("refused")).Error())
	})
}
