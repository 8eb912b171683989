package claim

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestRandomCodeLengthAndAlphabet(t *testing.T) {
	code, err := randomCode()
	require.NoError(t, err)
	require.Len(t, code, codeLength)
	for _, r := range code {
		require.Contains(t, codeAlphabet, string(r))
	}
}

func TestRandomCodeUniqueAcrossCalls(t *testing.T) {
	a, err := randomCode()
	require.NoError(t, err)
	b, err := randomCode()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	require.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	require.False(t, isUniqueViolation(nil))
}
