// Package reconnect implements the reconnect channel (spec component C5):
// the single-round key exchange a previously-paired device uses to
// establish a fresh session and media token.
package reconnect

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/mydia/remoteaccess/internal/crypto"
	"github.com/mydia/remoteaccess/internal/devices"
	"github.com/mydia/remoteaccess/internal/token"
	"github.com/mydia/remoteaccess/internal/wire"
)

var logger = log.New(os.Stdout, "[RECONNECT] ", log.Ldate|log.Ltime|log.LUTC)

// RateLimiter gates reconnect attempts per source address. See
// internal/reconnect/ratelimit.go for the Redis-backed implementation.
type RateLimiter interface {
	Allow(sourceAddr string) (bool, error)
}

// Deps bundles the reconnect channel's server-side collaborators.
type Deps struct {
	ServerKeys crypto.KeyPair
	Devices    *devices.Registry
	Tokens     *token.Service
	RateLimit  RateLimiter
}

// Handler owns one connection's ephemeral keypair, generated fresh on join.
type Handler struct {
	deps      Deps
	ephemeral crypto.KeyPair
	done      bool
}

func NewHandler(deps Deps) (*Handler, error) {
	ephemeral, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("reconnect: generate ephemeral keypair: %w", err)
	}
	return &Handler{deps: deps, ephemeral: ephemeral}, nil
}

// Serve drives conn for the lifetime of one reconnect exchange. sourceAddr
// is the peer address used for rate limiting.
func (h *Handler) Serve(conn *wire.Conn, sourceAddr string) {
	conn.Run(func(msg wire.Message) bool {
		if msg.Topic != wire.TopicReconnect {
			_ = conn.SendError(msg.Topic, msg.Event, wire.ReasonInvalidTopic, msg.CorrelationID)
			return true
		}

		switch msg.Event {
		case "handshake_init":
			// Deprecated path: reject without touching state, so
			// pre-migration clients are told explicitly rather than
			// silently failing.
			_ = conn.SendError(msg.Topic, msg.Event, wire.ReasonUseKeyExchange, msg.CorrelationID)
		case "key_exchange":
			h.handleKeyExchange(conn, msg, sourceAddr)
		default:
			_ = conn.SendError(msg.Topic, msg.Event, wire.ReasonInvalidMessage, msg.CorrelationID)
		}
		return !h.done
	})
}

type keyExchangeInput struct {
	ClientPublicKey string `json:"client_public_key"`
	DeviceToken     string `json:"device_token"`
}

type keyExchangeReply struct {
	DeviceID        string `json:"device_id"`
	ServerPublicKey string `json:"server_public_key"`
	Token           string `json:"token"`
}

func (h *Handler) handleKeyExchange(conn *wire.Conn, msg wire.Message, sourceAddr string) {
	if h.deps.RateLimit != nil {
		allowed, err := h.deps.RateLimit.Allow(sourceAddr)
		if err != nil {
			logger.Printf("rate limiter error for %s: %v", sourceAddr, err)
		} else if !allowed {
			// No dedicated wire reason for rate limiting exists in the
			// protocol; drop the connection rather than disclose the
			// limiter's existence to a possible brute-force client.
			logger.Printf("rate limit exceeded for %s", sourceAddr)
			h.done = true
			return
		}
	}

	reply, reason, err := h.processKeyExchange(msg.Payload)
	if err != nil {
		logger.Printf("key_exchange failed from %s: %v", sourceAddr, err)
		_ = conn.SendError(msg.Topic, msg.Event, reason, msg.CorrelationID)
		h.done = true
		return
	}

	payload, _ := json.Marshal(reply)
	_ = conn.Send(wire.Message{Topic: msg.Topic, Event: msg.Event, Payload: payload, CorrelationID: msg.CorrelationID})
	h.done = true
}

func (h *Handler) processKeyExchange(payload json.RawMessage) (keyExchangeReply, wire.Reason, error) {
	var in keyExchangeInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return keyExchangeReply{}, wire.ReasonInvalidMessage, err
	}

	clientPub, err := decodeKey32(in.ClientPublicKey)
	if err != nil {
		return keyExchangeReply{}, wire.ReasonInvalidMessage, err
	}

	dev, err := h.deps.Devices.VerifyForReconnect(clientPub, in.DeviceToken)
	if errors.Is(err, devices.ErrNotFound) {
		return keyExchangeReply{}, wire.ReasonDeviceNotFound, err
	}
	if errors.Is(err, devices.ErrInvalidToken) {
		return keyExchangeReply{}, wire.ReasonInvalidDeviceToken, err
	}
	if err != nil {
		return keyExchangeReply{}, wire.ReasonInvalidMessage, err
	}

	// Session key derivation uses the server's long-lived static private
	// key and the client's static public key, matching the interop
	// parameters; server_ephemeral is generated per connection but not
	// required to be mixed in for both sides to agree.
	if _, err := crypto.DeriveSessionKey(h.deps.ServerKeys.Private, clientPub, nil, nil); err != nil {
		return keyExchangeReply{}, wire.ReasonInvalidMessage, err
	}

	if err := h.deps.Devices.TouchLastSeen(dev.ID); err != nil {
		logger.Printf("warning: touch_last_seen failed for %s: %v", dev.ID, err)
	}

	mediaToken, _, err := h.deps.Tokens.CreateToken(dev, token.CreateOpts{})
	if err != nil {
		return keyExchangeReply{}, wire.ReasonInvalidMessage, err
	}

	return keyExchangeReply{
		DeviceID:        dev.ID.String(),
		ServerPublicKey: base64.StdEncoding.EncodeToString(h.deps.ServerKeys.Public[:]),
		Token:           mediaToken,
	}, "", nil
}

func decodeKey32(b64 string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("reconnect: expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
