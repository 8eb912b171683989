package clientstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUnsetValuesReturnErrNotSet(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ServerPublicKey()
	require.ErrorIs(t, err, ErrNotSet)
}

func TestSetAndGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetServerPublicKey("abc123"))
	got, err := s.ServerPublicKey()
	require.NoError(t, err)
	require.Equal(t, "abc123", got)
}

func TestSetOverwritesPreviousValue(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetPairingDeviceID("device-1"))
	require.NoError(t, s.SetPairingDeviceID("device-2"))
	got, err := s.PairingDeviceID()
	require.NoError(t, err)
	require.Equal(t, "device-2", got)
}

func TestPairingDirectURLsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	urls := []string{"https://192.168.1.5:8443", "https://10.0.0.2:8443"}
	require.NoError(t, s.SetPairingDirectURLs(urls))

	got, err := s.PairingDirectURLs()
	require.NoError(t, err)
	require.Equal(t, urls, got)
}

func TestPairingDirectURLsEmptyWhenUnset(t *testing.T) {
	s := openTestStore(t)
	got, err := s.PairingDirectURLs()
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestConnectionLastHintRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SetConnectionLastHint("direct", "https://192.168.1.5:8443"))

	transportType, url, err := s.ConnectionLastHint()
	require.NoError(t, err)
	require.Equal(t, "direct", transportType)
	require.Equal(t, "https://192.168.1.5:8443", url)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.SetInstanceID("instance-xyz"))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.InstanceID()
	require.NoError(t, err)
	require.Equal(t, "instance-xyz", got)
}
