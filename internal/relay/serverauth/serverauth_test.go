package serverauth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsLoopbackAcceptsIPv4AndIPv6(t *testing.T) {
	require.True(t, isLoopback("127.0.0.1:54321"))
	require.True(t, isLoopback("[::1]:54321"))
	require.True(t, isLoopback("127.0.0.1"))
}

func TestIsLoopbackRejectsRemoteOrEmpty(t *testing.T) {
	require.False(t, isLoopback("203.0.113.7:54321"))
	require.False(t, isLoopback(""))
	require.False(t, isLoopback("not-an-address"))
}

func TestSignAndVerifySignatureMatch(t *testing.T) {
	secret := []byte("shared-relay-secret")
	now := time.Unix(1700000000, 0)
	sig := Sign(secret, "11111111-1111-1111-1111-111111111111", now.Unix())
	require.Equal(t, signFor(secret, "11111111-1111-1111-1111-111111111111", "1700000000"), sig)
}

func TestGatePassesThroughWithoutRelayHeaders(t *testing.T) {
	called := false
	handler := Gate([]byte("secret"), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := UserFromContext(r.Context())
		require.False(t, ok)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, called)
}

func TestGateIgnoresRelayHeadersFromNonLoopbackPeer(t *testing.T) {
	called := false
	handler := Gate([]byte("secret"), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := UserFromContext(r.Context())
		require.False(t, ok)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.Header.Set("x-relay-tunnel", "true")
	req.Header.Set("x-relay-device-id", "11111111-1111-1111-1111-111111111111")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, called)
}

func TestGateRejectsStaleTimestampEvenOnLoopback(t *testing.T) {
	secret := []byte("shared-relay-secret")
	deviceID := "11111111-1111-1111-1111-111111111111"
	stale := time.Now().Add(-time.Hour).Unix()

	called := false
	handler := Gate(secret, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := UserFromContext(r.Context())
		require.False(t, ok)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("x-relay-tunnel", "true")
	req.Header.Set("x-relay-device-id", deviceID)
	req.Header.Set("x-relay-timestamp", strconv.FormatInt(stale, 10))
	req.Header.Set("x-relay-signature", Sign(secret, deviceID, stale))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, called)
}
