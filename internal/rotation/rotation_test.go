package rotation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mydia/remoteaccess/internal/config"
	"github.com/mydia/remoteaccess/internal/token"
)

func TestForceImmediateRotationUpdatesConfigAndSigningKeys(t *testing.T) {
	secrets := config.NewAppSecretManager("initial-secret-with-enough-length-and-variety-1")
	keys := token.NewSigningKeyManager([]byte("initial-secret-with-enough-length-and-variety-1"))
	before := keys.Current()

	s := NewScheduler(secrets, keys)
	require.NoError(t, s.ForceImmediateRotation())

	current, _, hasPrevious := secrets.AllActiveSecrets()
	require.True(t, hasPrevious)
	require.NotEqual(t, "initial-secret-with-enough-length-and-variety-1", current)
	require.Equal(t, []byte(current), keys.Current())
	require.Equal(t, before, keys.Prior())
}

func TestStartStopDoesNotPanicWhenDisabled(t *testing.T) {
	secrets := config.NewAppSecretManager("initial-secret-with-enough-length-and-variety-1")
	keys := token.NewSigningKeyManager([]byte("initial-secret-with-enough-length-and-variety-1"))

	s := NewScheduler(secrets, keys)
	s.enabled = false
	s.Start()
	s.Stop()
}
