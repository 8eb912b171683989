package devices

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyToken(t *testing.T) {
	token, err := GenerateDeviceToken()
	require.NoError(t, err)
	require.NotEmpty(t, token)

	hash, err := hashToken(token)
	require.NoError(t, err)
	require.NotEqual(t, token, hash)

	ok, err := verifyToken(token, hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = verifyToken("wrong-token", hash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGenerateDeviceTokenIsUnique(t *testing.T) {
	a, err := GenerateDeviceToken()
	require.NoError(t, err)
	b, err := GenerateDeviceToken()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	require.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	require.False(t, isUniqueViolation(nil))
}
