package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	m := NewManager("test-secret")

	token, err := m.GenerateJWT("user-42")
	require.NoError(t, err)

	userID, err := m.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, err := NewManager("secret-a").GenerateJWT("user-42")
	require.NoError(t, err)

	_, err = NewManager("secret-b").ValidateJWT(token)
	assert.Error(t, err)
}

func TestJWTRejectsGarbage(t *testing.T) {
	_, err := NewManager("secret").ValidateJWT("not-a-token")
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("contraseña")
	require.NoError(t, err)
	assert.NotEqual(t, "contraseña", hash)

	assert.True(t, CheckPasswordHash("contraseña", hash))
	assert.False(t, CheckPasswordHash("otra", hash))
}
