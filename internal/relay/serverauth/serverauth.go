// Package serverauth implements the relay-device auth gate (spec component
// C10): a loopback-only trust boundary that lets the server accept requests
// forwarded by its own co-located relay-exit process without re-running the
// full media-token verification, while refusing to trust anything arriving
// from anywhere else.
package serverauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mydia/remoteaccess/internal/devices"
)

var logger = log.New(os.Stdout, "[RELAY-AUTH] ", log.Ldate|log.Ltime|log.LUTC)

const (
	headerTunnel    = "x-relay-tunnel"
	headerDeviceID  = "x-relay-device-id"
	headerTimestamp = "x-relay-timestamp"
	headerSignature = "x-relay-signature"

	maxClockSkew = 60 * time.Second
)

type contextKey string

const userKey contextKey = "relay_auth_user"

// UserFromContext returns the user id attached by Gate, if the request was
// authenticated via the relay-device path.
func UserFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(userKey).(uuid.UUID)
	return v, ok
}

// Gate wraps next with the relay-device auth check. On success it attaches
// the owning user to the request context. On any failure — missing
// headers, non-loopback peer, bad signature, unknown or revoked device — it
// does nothing and simply calls next: this gate never itself rejects a
// request, it only ever optionally authenticates one, per the protocol's
// design (authentication falls through to the normal media-token gate).
func Gate(secret []byte, registry *devices.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(headerTunnel) != "true" || r.Header.Get(headerDeviceID) == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !isLoopback(r.RemoteAddr) {
				logger.Printf("relay headers present from non-loopback peer %q, ignoring", r.RemoteAddr)
				next.ServeHTTP(w, r)
				return
			}

			userID, ok := verify(r, secret, registry)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), userKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verify(r *http.Request, secret []byte, registry *devices.Registry) (uuid.UUID, bool) {
	deviceIDStr := r.Header.Get(headerDeviceID)
	timestampStr := r.Header.Get(headerTimestamp)
	signature := r.Header.Get(headerSignature)
	if timestampStr == "" || signature == "" {
		return uuid.Nil, false
	}

	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return uuid.Nil, false
	}
	skew := time.Since(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkew {
		return uuid.Nil, false
	}

	expected := signFor(secret, deviceIDStr, timestampStr)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return uuid.Nil, false
	}

	deviceID, err := uuid.Parse(deviceIDStr)
	if err != nil {
		return uuid.Nil, false
	}
	dev, err := registry.Get(deviceID)
	if err != nil {
		return uuid.Nil, false
	}
	if dev.Revoked() {
		return uuid.Nil, false
	}

	return dev.UserID, true
}

// Sign produces the header value a relay-exit process must send for a given
// device id and unix timestamp, matching x-relay-signature's definition.
func Sign(secret []byte, deviceID string, timestamp int64) string {
	return signFor(secret, deviceID, strconv.FormatInt(timestamp, 10))
}

func signFor(secret []byte, deviceID, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(fmt.Sprintf("%s:%s", deviceID, timestamp)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// isLoopback defaults to denying whenever the peer address cannot be
// determined or parsed: an empty or malformed RemoteAddr is never treated
// as loopback.
func isLoopback(remoteAddr string) bool {
	if remoteAddr == "" {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
