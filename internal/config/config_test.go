package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateAppSecretRejectsShortSecret(t *testing.T) {
	require.Error(t, ValidateAppSecret("too-short"))
}

func TestValidateAppSecretRejectsLowDiversity(t *testing.T) {
	require.Error(t, ValidateAppSecret("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
}

func TestValidateAppSecretAcceptsStrongSecret(t *testing.T) {
	require.NoError(t, ValidateAppSecret("Tr0ub4dor&3-correct-horse-battery-staple-9f8e7d"))
}

func TestRotateSecretKeepsPreviousForTransition(t *testing.T) {
	m := NewAppSecretManager("initial-secret-with-enough-length-and-variety-1")
	require.NoError(t, m.Rotate("rotated-secret-with-enough-length-and-variety-2"))

	current, previous, hasPrevious := m.AllActiveSecrets()
	require.Equal(t, "rotated-secret-with-enough-length-and-variety-2", current)
	require.Equal(t, "initial-secret-with-enough-length-and-variety-1", previous)
	require.True(t, hasPrevious)
}

func TestRotateSecretRejectsWeakReplacement(t *testing.T) {
	m := NewAppSecretManager("initial-secret-with-enough-length-and-variety-1")
	require.Error(t, m.Rotate("short"))
}

func TestShouldRotateRespectsInterval(t *testing.T) {
	m := NewAppSecretManager("initial-secret-with-enough-length-and-variety-1")
	m.SetRotationInterval(24 * time.Hour)
	require.False(t, m.ShouldRotate())

	m.rotationInterval = 0
	require.False(t, m.ShouldRotate())
}

func TestGetSecretPreviewMasksMiddle(t *testing.T) {
	require.Equal(t, "abcd...wxyz", getSecretPreview("abcdefghijklmnopqrstuvwxyz"))
	require.Equal(t, "****", getSecretPreview("short"))
}
