package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/mydia/remoteaccess/internal/claim"
	"github.com/mydia/remoteaccess/internal/config"
	"github.com/mydia/remoteaccess/internal/db"
	"github.com/mydia/remoteaccess/internal/devices"
	"github.com/mydia/remoteaccess/internal/metrics"
	"github.com/mydia/remoteaccess/internal/pairing"
	"github.com/mydia/remoteaccess/internal/pinning"
	"github.com/mydia/remoteaccess/internal/reconnect"
	"github.com/mydia/remoteaccess/internal/registry"
	"github.com/mydia/remoteaccess/internal/relay/serverauth"
	"github.com/mydia/remoteaccess/internal/rotation"
	"github.com/mydia/remoteaccess/internal/token"
	"github.com/mydia/remoteaccess/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	cfg := config.Load()

	log.Printf("starting mydia remote-access server: %s", cfg.ServerID)

	database, err := db.NewPostgresDB(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("warning: failed to close database: %v", err)
		}
	}()

	for _, schema := range []string{devices.Schema, claim.Schema, db.ServerKeyPairSchema} {
		if _, err := database.DB().Exec(schema); err != nil {
			log.Fatalf("failed to apply schema: %v", err)
		}
	}

	serverKeys, err := db.LoadOrGenerateServerKeyPair(database, []byte(cfg.AppSecret))
	if err != nil {
		log.Fatalf("failed to load or generate server keypair: %v", err)
	}

	deviceRegistry := devices.NewRegistry(database.DB())
	claimIssuer := claim.NewIssuer(database.DB())

	signingKeys := token.NewSigningKeyManager([]byte(cfg.AppSecret))
	tokenService := token.NewService(signingKeys, deviceRegistry)

	rotationScheduler := rotation.NewScheduler(cfg.Secrets, signingKeys)
	rotationScheduler.Start()
	defer rotationScheduler.Stop()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("warning: failed to close redis: %v", err)
		}
	}()
	rateLimiter := reconnect.NewRedisRateLimiter(redisClient, cfg.ReconnectLimit, cfg.ReconnectWindow)

	serviceRegistry, err := registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServerID, cfg.ServerPort)
	if err != nil {
		log.Fatalf("failed to connect to consul: %v", err)
	}

	directURLs := parseDirectURLs(os.Getenv("DIRECT_URLS"))

	if err := serviceRegistry.Register(directURLs); err != nil {
		log.Fatalf("failed to register service: %v", err)
	}
	defer func() {
		if err := serviceRegistry.Deregister(); err != nil {
			log.Printf("warning: failed to deregister service: %v", err)
		}
	}()

	go serviceRegistry.WatchServices(func(servers []string) {
		log.Printf("cluster membership changed: %d healthy mydia-server instances", len(servers))
	})

	certFingerprint, tlsConfig := loadServerCertificate()

	pairingDeps := pairing.Deps{
		DB:              database.DB(),
		ServerKeys:      serverKeys,
		Devices:         deviceRegistry,
		Claims:          claimIssuer,
		Tokens:          tokenService,
		DirectURLs:      serviceRegistry.DirectURLs,
		InstanceID:      cfg.ServerID,
		CertFingerprint: certFingerprint,
	}

	reconnectDeps := reconnect.Deps{
		ServerKeys: serverKeys,
		Devices:    deviceRegistry,
		Tokens:     tokenService,
		RateLimit:  rateLimiter,
	}

	router := mux.NewRouter()

	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/pair", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("pairing upgrade failed: %v", err)
			return
		}
		conn := wire.NewConn(ws)
		pairing.NewHandler(pairingDeps).Serve(conn)
	}).Methods("GET")

	router.HandleFunc("/reconnect", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("reconnect upgrade failed: %v", err)
			return
		}
		handler, err := reconnect.NewHandler(reconnectDeps)
		if err != nil {
			log.Printf("failed to start reconnect handler: %v", err)
			_ = ws.Close()
			return
		}
		conn := wire.NewConn(ws)
		handler.Serve(conn, r.RemoteAddr)
	}).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	relayGate := serverauth.Gate([]byte(cfg.RelayAuthSecret), deviceRegistry)
	mediaAuth := token.MediaAuth(tokenService)

	media := api.PathPrefix("/media").Subrouter()
	media.Use(relayGate)
	media.Use(mediaAuth)
	media.HandleFunc("/ping", mediaPing).Methods("GET")

	admin := router.PathPrefix("/internal").Subrouter()
	admin.Use(loopbackOnly)
	admin.HandleFunc("/claim-codes", issueClaimCode(claimIssuer, cfg.ClaimCodeTTL)).Methods("POST")
	admin.HandleFunc("/devices/{deviceId}/revoke", revokeDevice(deviceRegistry)).Methods("POST")
	admin.HandleFunc("/cluster", clusterStatus(serviceRegistry)).Methods("GET")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Relay-Instance-Id"},
		AllowCredentials: true,
	})

	handler := metrics.MetricsMiddleware(corsHandler.Handler(router))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if tlsConfig != nil {
		server.TLSConfig = tlsConfig
	}

	go func() {
		log.Printf("listening on port %s", cfg.ServerPort)
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %v, starting graceful shutdown", sig)

	if err := serviceRegistry.Deregister(); err != nil {
		log.Printf("warning: failed to deregister from consul: %v", err)
	}
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("warning: http server shutdown error: %v", err)
	}

	log.Println("server stopped gracefully")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func mediaPing(w http.ResponseWriter, r *http.Request) {
	claims, _ := token.ClaimsFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"permissions": claims.Permissions,
	})
}

func issueClaimCode(issuer *claim.Issuer, ttl time.Duration) http.HandlerFunc {
	type request struct {
		UserID string `json:"user_id"`
	}
	type response struct {
		Code      string    `json:"code"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var in request
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		userID, err := uuid.Parse(in.UserID)
		if err != nil {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}

		code, err := issuer.Issue(userID, ttl)
		if err != nil {
			log.Printf("claim code issuance failed: %v", err)
			http.Error(w, "failed to issue claim code", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response{Code: code.Code, ExpiresAt: code.ExpiresAt})
	}
}

func revokeDevice(registry *devices.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := uuid.Parse(mux.Vars(r)["deviceId"])
		if err != nil {
			http.Error(w, "invalid device id", http.StatusBadRequest)
			return
		}
		if err := registry.Revoke(deviceID); err != nil {
			http.Error(w, "failed to revoke device", http.StatusInternalServerError)
			return
		}
		metrics.RecordDeviceRevoked()
		w.WriteHeader(http.StatusNoContent)
	}
}

// clusterStatus reports the set of healthy mydia-server instances known to
// Consul, for operator visibility into the cluster this instance belongs to.
func clusterStatus(reg *registry.ConsulRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		servers, err := reg.GetHealthyServers()
		if err != nil {
			http.Error(w, "failed to query cluster status", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy_instances": servers,
		}); err != nil {
			log.Printf("warning: failed to encode cluster status response: %v", err)
		}
	}
}

// loopbackOnly restricts admin operations (claim-code issuance, device
// revocation) to same-host callers, consistent with the relay-auth gate's
// own loopback trust boundary for operations outside this subsystem's core.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseDirectURLs(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}

// loadServerCertificate loads the direct-transport TLS certificate from
// TLS_CERT_FILE/TLS_KEY_FILE if configured, computing its pinnable
// fingerprint for the pairing reply's cert_fingerprint field. Returns a nil
// tls.Config when no certificate is configured (relay-only deployment).
func loadServerCertificate() (fingerprint string, tlsConfig *tls.Config) {
	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	if certFile == "" || keyFile == "" {
		return "", nil
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		log.Fatalf("failed to load TLS certificate: %v", err)
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		log.Fatalf("failed to read TLS certificate for fingerprinting: %v", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		log.Fatalf("failed to decode TLS certificate PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		log.Fatalf("failed to parse TLS certificate: %v", err)
	}

	fp := pinning.Fingerprint(leaf.Raw)
	log.Printf("serving direct transport with pinned certificate fingerprint %s", pinning.Format(fp, 16))

	return fp, &tls.Config{Certificates: []tls.Certificate{cert}}
}
