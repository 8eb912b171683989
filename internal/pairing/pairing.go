// Package pairing implements the pairing channel (spec component C4): the
// per-connection handshake and claim-code exchange a freshly-installed
// client uses to establish trust with the server for the first time.
package pairing

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mydia/remoteaccess/internal/claim"
	"github.com/mydia/remoteaccess/internal/crypto"
	"github.com/mydia/remoteaccess/internal/devices"
	"github.com/mydia/remoteaccess/internal/token"
	"github.com/mydia/remoteaccess/internal/wire"
)

var logger = log.New(os.Stdout, "[PAIRING] ", log.Ldate|log.Ltime|log.LUTC)

// state is the per-connection handshake state variant described in the
// spec's design notes as Joined → AwaitingHandshake → AwaitingPayload →
// Done. Here the channel starts already "joined" (the WebSocket upgrade
// itself is the join), so the three live states are init (awaiting
// handshake), handshakeOK (awaiting claim_code), and terminal (done;
// further messages are rejected).
type state int

const (
	stateInit state = iota
	stateHandshakeOK
	stateTerminal
)

// DirectURLsProvider returns the server's currently advertised direct
// connection URLs, sourced from Consul service discovery at the call site.
type DirectURLsProvider func() []string

// Deps bundles the pairing channel's server-side collaborators.
type Deps struct {
	DB              *sql.DB
	ServerKeys      crypto.KeyPair
	Devices         *devices.Registry
	Claims          *claim.Issuer
	Tokens          *token.Service
	DirectURLs      DirectURLsProvider
	InstanceID      string
	CertFingerprint string
}

// Handler owns one connection's handshake state. A fresh Handler MUST be
// created per connection; it is not safe for concurrent use because the
// channel protocol processes messages strictly in arrival order.
type Handler struct {
	deps  Deps
	state state
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Serve drives conn until the pairing exchange completes or the connection
// closes.
func (h *Handler) Serve(conn *wire.Conn) {
	conn.Run(func(msg wire.Message) bool {
		if msg.Topic != wire.TopicPair {
			_ = conn.SendError(msg.Topic, msg.Event, wire.ReasonInvalidTopic, msg.CorrelationID)
			return true
		}

		switch msg.Event {
		case "pairing_handshake":
			h.handleHandshake(conn, msg)
		case "claim_code":
			h.handleClaimCode(conn, msg)
		default:
			_ = conn.SendError(msg.Topic, msg.Event, wire.ReasonInvalidMessage, msg.CorrelationID)
		}
		return h.state != stateTerminal
	})
}

type handshakeInput struct {
	ClientEphemeralPublicKey string `json:"client_ephemeral_public_key"`
}

type handshakeReply struct {
	ServerPublicKey string `json:"server_public_key"`
}

func (h *Handler) handleHandshake(conn *wire.Conn, msg wire.Message) {
	reply, reason, err := h.processHandshake(msg.Payload)
	if err != nil {
		_ = conn.SendError(msg.Topic, msg.Event, reason, msg.CorrelationID)
		return
	}

	payload, _ := json.Marshal(reply)
	_ = conn.Send(wire.Message{Topic: msg.Topic, Event: msg.Event, Payload: payload, CorrelationID: msg.CorrelationID})
}

// processHandshake is the pure state transition for pairing_handshake,
// isolated from the wire.Conn plumbing so it can be exercised directly in
// tests.
func (h *Handler) processHandshake(payload json.RawMessage) (handshakeReply, wire.Reason, error) {
	if h.state != stateInit {
		return handshakeReply{}, wire.ReasonInvalidMessage, errors.New("pairing: handshake out of order")
	}

	var in handshakeInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return handshakeReply{}, wire.ReasonInvalidMessage, err
	}

	clientPub, err := decodeKey32(in.ClientEphemeralPublicKey)
	if err != nil {
		return handshakeReply{}, wire.ReasonInvalidMessage, err
	}

	// The shared secret's only required role is proving to the client that
	// the server controls its static private key; it is not placed on the
	// wire. Deriving and discarding it here still exercises the ECDH
	// operation so a malformed client key surfaces as invalid_message
	// rather than succeeding silently.
	if _, err := crypto.DeriveSessionKey(h.deps.ServerKeys.Private, clientPub, nil, nil); err != nil {
		return handshakeReply{}, wire.ReasonInvalidMessage, err
	}

	h.state = stateHandshakeOK
	return handshakeReply{
		ServerPublicKey: base64.StdEncoding.EncodeToString(h.deps.ServerKeys.Public[:]),
	}, "", nil
}

type claimCodeInput struct {
	Code       string `json:"code"`
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
}

type claimCodeReply struct {
	DeviceID         string   `json:"device_id"`
	MediaToken       string   `json:"media_token"`
	DevicePublicKey  string   `json:"device_public_key"`
	DevicePrivateKey string   `json:"device_private_key"`
	DeviceToken      string   `json:"device_token"`
	ServerPublicKey  string   `json:"server_public_key"`
	DirectURLs       []string `json:"direct_urls"`
	CertFingerprint  string   `json:"cert_fingerprint,omitempty"`
	InstanceID       string   `json:"instance_id,omitempty"`
}

func (h *Handler) handleClaimCode(conn *wire.Conn, msg wire.Message) {
	if h.state != stateHandshakeOK {
		_ = conn.SendError(msg.Topic, msg.Event, wire.ReasonHandshakeIncomplete, msg.CorrelationID)
		return
	}

	var in claimCodeInput
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		_ = conn.SendError(msg.Topic, msg.Event, wire.ReasonInvalidMessage, msg.CorrelationID)
		return
	}

	reply, reason, err := h.completeClaim(in)
	if err != nil {
		logger.Printf("claim_code failed: %v", err)
		_ = conn.SendError(msg.Topic, msg.Event, reason, msg.CorrelationID)
		return
	}

	payload, _ := json.Marshal(reply)
	_ = conn.Send(wire.Message{Topic: msg.Topic, Event: msg.Event, Payload: payload, CorrelationID: msg.CorrelationID})
	h.state = stateTerminal
}

// completeClaim runs claim validation, device creation, claim consumption,
// and token issuance as a single database transaction: either all three are
// visible together or none are.
func (h *Handler) completeClaim(in claimCodeInput) (claimCodeReply, wire.Reason, error) {
	existing, err := h.deps.Claims.Lookup(in.Code)
	if errors.Is(err, claim.ErrNotFound) {
		return claimCodeReply{}, wire.ReasonInvalidClaimCode, err
	}
	if err != nil {
		return claimCodeReply{}, wire.ReasonInvalidMessage, err
	}
	if existing.UsedAt.Valid {
		return claimCodeReply{}, wire.ReasonInvalidClaimCode, claim.ErrAlreadyUsed
	}
	if time.Now().UTC().After(existing.ExpiresAt) {
		return claimCodeReply{}, wire.ReasonClaimCodeExpired, claim.ErrExpired
	}

	tx, err := h.deps.DB.Begin()
	if err != nil {
		return claimCodeReply{}, wire.ReasonInvalidMessage, fmt.Errorf("pairing: begin tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logger.Printf("warning: rollback failed: %v", err)
		}
	}()

	devKeys, err := crypto.GenerateKeypair()
	if err != nil {
		return claimCodeReply{}, wire.ReasonInvalidMessage, err
	}
	devTokenPlain, err := devices.GenerateDeviceToken()
	if err != nil {
		return claimCodeReply{}, wire.ReasonInvalidMessage, err
	}

	dev, err := h.deps.Devices.CreateTx(tx, existing.UserID, in.DeviceName, in.Platform, devKeys.Public, devTokenPlain)
	if err != nil {
		return claimCodeReply{}, wire.ReasonInvalidMessage, err
	}

	if _, err := h.deps.Claims.ConsumeTx(tx, in.Code, dev.ID); err != nil {
		// Lost the race against another consumer between Lookup and here;
		// the device row rolls back with the transaction.
		return claimCodeReply{}, wire.ReasonInvalidClaimCode, err
	}

	mediaToken, _, err := h.deps.Tokens.CreateToken(dev, token.CreateOpts{})
	if err != nil {
		return claimCodeReply{}, wire.ReasonInvalidMessage, err
	}

	if err := tx.Commit(); err != nil {
		return claimCodeReply{}, wire.ReasonInvalidMessage, fmt.Errorf("pairing: commit: %w", err)
	}

	var directURLs []string
	if h.deps.DirectURLs != nil {
		directURLs = h.deps.DirectURLs()
	}

	return claimCodeReply{
		DeviceID:         dev.ID.String(),
		MediaToken:       mediaToken,
		DevicePublicKey:  base64.StdEncoding.EncodeToString(devKeys.Public[:]),
		DevicePrivateKey: base64.StdEncoding.EncodeToString(devKeys.Private[:]),
		DeviceToken:      devTokenPlain,
		ServerPublicKey:  base64.StdEncoding.EncodeToString(h.deps.ServerKeys.Public[:]),
		DirectURLs:       directURLs,
		CertFingerprint:  h.deps.CertFingerprint,
		InstanceID:       h.deps.InstanceID,
	}, "", nil
}

func decodeKey32(b64 string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("pairing: expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
