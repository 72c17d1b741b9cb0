package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)
	assert.True(t, CheckPassword("s3cret", hash))
	assert.False(t, CheckPassword("wrong", hash))
	assert.False(t, CheckPassword("s3cret", "not a hash"))
}

func TestTokens(t *testing.T) {
	secret, err := RandomSecret()
	require.NoError(t, err)
	tokens := NewTokens(secret, time.Hour)

	token, err := tokens.Issue(42)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		id, err := tokens.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, uint(42), id)
	})

	t.Run("other secret", func(t *testing.T) {
		_, err := NewTokens([]byte("another"), time.Hour).Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		late := NewTokens(secret, time.Hour)
		late.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := late.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tokens.Verify("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
