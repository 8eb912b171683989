package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pairing channel metrics
	PairingHandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mydia_pairing_handshakes_total",
			Help: "Total number of pairing handshake attempts",
		},
		[]string{"result"}, // ok, invalid_message
	)

	PairingClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mydia_pairing_claims_total",
			Help: "Total number of claim-code redemption attempts",
		},
		[]string{"result"}, // ok, invalid_claim_code, claim_code_expired, handshake_incomplete
	)

	// Reconnect channel metrics
	ReconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mydia_reconnect_attempts_total",
			Help: "Total number of reconnect key_exchange attempts",
		},
		[]string{"result"}, // ok, device_not_found, invalid_device_token, rate_limited
	)

	ReconnectLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mydia_reconnect_latency_seconds",
			Help:    "Time to complete a reconnect key exchange, dominated by argon2 verification",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to 10s
		},
	)

	// Media token metrics
	MediaTokensIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mydia_media_tokens_issued_total",
			Help: "Total number of media access tokens issued",
		},
	)

	MediaTokenVerifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mydia_media_token_verify_total",
			Help: "Total number of media access token verifications",
		},
		[]string{"result"}, // ok, expired, invalid, device_not_found, device_revoked
	)

	// Device registry metrics
	DevicesRegisteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mydia_devices_registered_total",
			Help: "Total number of devices paired",
		},
	)

	DevicesRevokedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mydia_devices_revoked_total",
			Help: "Total number of devices revoked",
		},
	)

	// Relay-device auth gate metrics (C10)
	RelayAuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mydia_relay_auth_attempts_total",
			Help: "Total number of relay-device auth gate evaluations",
		},
		[]string{"result"}, // authenticated, ignored_non_loopback, rejected
	)

	// HTTP API metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mydia_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mydia_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Connection-manager metrics (client), useful in dev/integration runs
	// that drive connmgr under this process's own HTTP metrics endpoint.
	ConnectionModeGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mydia_connection_mode",
			Help: "1 if the connection manager currently has this mode active, 0 otherwise",
		},
		[]string{"mode"}, // relayOnly, directOnly, dual
	)

	ConnectionProbeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mydia_connection_probe_failures_total",
			Help: "Total number of failed direct-URL probes",
		},
	)
)

// MetricsMiddleware wraps HTTP handlers with request count/latency metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordPairingHandshake(result string) {
	PairingHandshakesTotal.WithLabelValues(result).Inc()
}

func RecordPairingClaim(result string) {
	PairingClaimsTotal.WithLabelValues(result).Inc()
}

func RecordReconnectAttempt(result string, latency time.Duration) {
	ReconnectAttemptsTotal.WithLabelValues(result).Inc()
	ReconnectLatency.Observe(latency.Seconds())
}

func RecordMediaTokenIssued() {
	MediaTokensIssuedTotal.Inc()
}

func RecordMediaTokenVerify(result string) {
	MediaTokenVerifyTotal.WithLabelValues(result).Inc()
}

func RecordDeviceRegistered() {
	DevicesRegisteredTotal.Inc()
}

func RecordDeviceRevoked() {
	DevicesRevokedTotal.Inc()
}

func RecordRelayAuthAttempt(result string) {
	RelayAuthAttemptsTotal.WithLabelValues(result).Inc()
}

func SetConnectionMode(active string) {
	for _, mode := range []string{"relayOnly", "directOnly", "dual"} {
		value := 0.0
		if mode == active {
			value = 1.0
		}
		ConnectionModeGauge.WithLabelValues(mode).Set(value)
	}
}

func RecordConnectionProbeFailure() {
	ConnectionProbeFailuresTotal.Inc()
}
