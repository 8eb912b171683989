package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mydia/remoteaccess/internal/carrier"
	"github.com/mydia/remoteaccess/internal/clientstore"
	"github.com/mydia/remoteaccess/internal/connmgr"
	"github.com/mydia/remoteaccess/internal/crypto"
	"github.com/mydia/remoteaccess/internal/pinning"
	relayclient "github.com/mydia/remoteaccess/internal/relay/client"
	"github.com/mydia/remoteaccess/internal/wire"

	"github.com/gorilla/websocket"
)

func main() {
	storePath := getenv("CLIENT_STORE_PATH", "mydia-client.db")
	store, err := clientstore.Open(storePath)
	if err != nil {
		log.Fatalf("failed to open client store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("warning: failed to close client store: %v", err)
		}
	}()

	instanceID, err := store.InstanceID()
	if errors.Is(err, clientstore.ErrNotSet) {
		instanceID = getenv("INSTANCE_ID", "")
	}

	pins := pinning.NewStore()
	if fp, err := store.PairingCertFingerprint(); err == nil && fp != "" {
		pins.TrustFingerprint(instanceID, fp)
	}

	relayURL := os.Getenv("RELAY_URL")
	deviceToken, _ := store.PairingDeviceToken()
	directURLs, _ := store.PairingDirectURLs()

	if deviceToken == "" {
		if pairURL, claimCode := os.Getenv("PAIR_URL"), os.Getenv("CLAIM_CODE"); pairURL != "" && claimCode != "" {
			pairCtx, pairCancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := runPairing(pairCtx, pairURL, claimCode, getenv("DEVICE_NAME", "mydia-client"), getenv("DEVICE_PLATFORM", "linux"), store)
			pairCancel()
			if err != nil {
				log.Fatalf("pairing failed: %v", err)
			}
			log.Println("pairing completed")

			deviceToken, _ = store.PairingDeviceToken()
			directURLs, _ = store.PairingDirectURLs()
			instanceID, _ = store.InstanceID()
			if fp, err := store.PairingCertFingerprint(); err == nil && fp != "" {
				pins.TrustFingerprint(instanceID, fp)
			}
		} else {
			log.Fatalf("no paired device found; set PAIR_URL and CLAIM_CODE to pair for the first time")
		}
	}

	mgr := connmgr.New(connmgr.Options{
		DirectURLs:   directURLs,
		ProbeTimeout: 5 * time.Second,
		ConnectRelay: func(ctx context.Context) (connmgr.Tunnel, error) {
			if relayURL == "" {
				return nil, errors.New("mydia-client: no relay url configured")
			}
			tun, err := relayclient.Dial(ctx, relayURL, instanceID, deviceToken)
			if err != nil {
				return nil, err
			}
			return tun, nil
		},
		ProbeDirect: func(ctx context.Context, url string) error {
			client := directHTTPClient(pins, instanceID)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("mydia-client: health probe returned status %d", resp.StatusCode)
			}
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := mgr.Start(ctx, false); err != nil {
		cancel()
		log.Fatalf("failed to establish a connection to the paired server: %v", err)
	}
	cancel()

	log.Printf("connected: %s", mgr)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	go watchConnectionMode(mgr, store)
	go mgr.RunProbeLoop(runCtx)

	transport := &carrierTransport{mgr: mgr, pins: pins, instanceID: instanceID}
	gql := carrier.New(transport, func() string {
		tok, _ := store.PairingMediaToken()
		return tok
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reqCtx, reqCancel := context.WithTimeout(context.Background(), 10*time.Second)
			resp, err := gql.Execute(reqCtx, carrier.Operation{Query: "{ ping }"})
			reqCancel()
			if err != nil {
				log.Printf("periodic ping failed: %v", err)
				continue
			}
			log.Printf("ping ok: %s", string(resp.Data))
		case <-quit:
			log.Println("shutting down")
			return
		}
	}
}

// watchConnectionMode logs every connection-manager state transition and
// persists the active transport as a restart hint, so a future launch can
// prefer whichever transport last worked instead of always probing relay
// first.
func watchConnectionMode(mgr *connmgr.Manager, store *clientstore.Store) {
	for state := range mgr.Subscribe() {
		log.Printf("connection mode: %s", state.Mode)
		hintType, hintURL := "relay", ""
		if state.Mode == connmgr.ModeDirectOnly || state.Mode == connmgr.ModeDual {
			hintType, hintURL = "direct", state.DirectURL
		}
		if err := store.SetConnectionLastHint(hintType, hintURL); err != nil {
			log.Printf("warning: failed to persist connection hint: %v", err)
		}
	}
}

// directHTTPClient returns an http.Client whose TLS verification is
// replaced by the pinning store's TOFU check, for probing and issuing
// requests against the paired server's direct URL.
func directHTTPClient(pins *pinning.Store, instanceID string) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: pins.CreateClient(instanceID, true),
		},
	}
}

// carrierTransport adapts the connection manager and relay/direct
// transports to carrier.Transporter: a single GraphQL POST over whichever
// transport connmgr currently selects.
type carrierTransport struct {
	mgr        *connmgr.Manager
	pins       *pinning.Store
	instanceID string
}

func (t *carrierTransport) Do(ctx context.Context, body []byte, tok string) ([]byte, error) {
	return connmgr.ExecuteRequest(t.mgr, func(tun connmgr.Tunnel, directURL string) ([]byte, error) {
		headers := map[string][]string{
			"Content-Type":  {"application/json"},
			"Authorization": {"Bearer " + tok},
		}

		if directURL != "" {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, directURL+"/graphql", nil)
			if err != nil {
				return nil, err
			}
			req.Header = headers
			client := directHTTPClient(t.pins, t.instanceID)
			resp, err := client.Do(req)
			if err != nil {
				return nil, &transportError{err: err, retryable: true}
			}
			defer resp.Body.Close()
			return io.ReadAll(resp.Body)
		}

		relayTun, ok := tun.(*relayclient.Tunnel)
		if !ok || relayTun == nil {
			return nil, &transportError{err: errors.New("mydia-client: no active relay tunnel"), retryable: true}
		}
		resp, err := relayTun.Request(ctx, http.MethodPost, "/graphql", headers, body)
		if err != nil {
			retryable := errors.Is(err, relayclient.ErrTimeout) || errors.Is(err, relayclient.ErrClosed)
			return nil, &transportError{err: err, retryable: retryable}
		}
		return resp.Body, nil
	})
}

func (t *carrierTransport) EnsureConnected(ctx context.Context) error {
	if t.mgr.Snapshot().Mode != connmgr.ModeUnset {
		return nil
	}
	return t.mgr.Start(ctx, false)
}

// transportError wraps a transport-layer failure with carrier's
// retryable/non-retryable distinction, per carrier.RetryableError.
type transportError struct {
	err       error
	retryable bool
}

func (e *transportError) Error() string  { return e.err.Error() }
func (e *transportError) Unwrap() error   { return e.err }
func (e *transportError) Retryable() bool { return e.retryable }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// runPairing drives a first-time pairing exchange against pairURL, prompting
// nothing interactively: claimCode must already be known to the caller
// (e.g. typed by the user from the server's admin UI). On success the
// device's private material and the server's identity are persisted to
// store.
func runPairing(ctx context.Context, pairURL, claimCode, deviceName, platform string, store *clientstore.Store) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, pairURL, nil)
	if err != nil {
		return fmt.Errorf("mydia-client: dial pairing channel: %w", err)
	}
	defer conn.Close()

	ephemeral, err := crypto.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("mydia-client: generate ephemeral keypair: %w", err)
	}

	handshakeReq := wire.Message{
		Topic: wire.TopicPair,
		Event: "pairing_handshake",
		Payload: mustJSON(map[string]string{
			"client_ephemeral_public_key": base64.StdEncoding.EncodeToString(ephemeral.Public[:]),
		}),
	}
	if err := conn.WriteJSON(handshakeReq); err != nil {
		return fmt.Errorf("mydia-client: send pairing_handshake: %w", err)
	}

	var handshakeResp wire.Message
	if err := conn.ReadJSON(&handshakeResp); err != nil {
		return fmt.Errorf("mydia-client: read pairing_handshake reply: %w", err)
	}

	claimReq := wire.Message{
		Topic: wire.TopicPair,
		Event: "claim_code",
		Payload: mustJSON(map[string]string{
			"code":        claimCode,
			"device_name": deviceName,
			"platform":    platform,
		}),
	}
	if err := conn.WriteJSON(claimReq); err != nil {
		return fmt.Errorf("mydia-client: send claim_code: %w", err)
	}

	var claimResp wire.Message
	if err := conn.ReadJSON(&claimResp); err != nil {
		return fmt.Errorf("mydia-client: read claim_code reply: %w", err)
	}

	var reply struct {
		DeviceID         string   `json:"device_id"`
		MediaToken       string   `json:"media_token"`
		DevicePublicKey  string   `json:"device_public_key"`
		DevicePrivateKey string   `json:"device_private_key"`
		DeviceToken      string   `json:"device_token"`
		ServerPublicKey  string   `json:"server_public_key"`
		DirectURLs       []string `json:"direct_urls"`
		CertFingerprint  string   `json:"cert_fingerprint"`
		InstanceID       string   `json:"instance_id"`
	}
	if err := json.Unmarshal(claimResp.Payload, &reply); err != nil {
		return fmt.Errorf("mydia-client: unmarshal claim_code reply: %w", err)
	}

	if err := store.SetInstanceID(reply.InstanceID); err != nil {
		return err
	}
	if err := store.SetServerPublicKey(reply.ServerPublicKey); err != nil {
		return err
	}
	if err := store.SetPairingDeviceID(reply.DeviceID); err != nil {
		return err
	}
	if err := store.SetPairingDeviceToken(reply.DeviceToken); err != nil {
		return err
	}
	if err := store.SetPairingMediaToken(reply.MediaToken); err != nil {
		return err
	}
	if err := store.SetPairingCertFingerprint(reply.CertFingerprint); err != nil {
		return err
	}
	return store.SetPairingDirectURLs(reply.DirectURLs)
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
