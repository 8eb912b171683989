// Package wire defines the message envelope and closed error-reason type
// shared by the pairing and reconnect channels, and a thin wrapper around a
// single WebSocket connection that owns one channel's lifecycle.
//
// The wire itself only ever carries string event names and string error
// reasons; Reason is the internal closed sum type re-expressed at this
// boundary, per the "cross-module coupling via tags" design note.
package wire

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var logger = log.New(os.Stdout, "[WIRE] ", log.Ldate|log.Ltime|log.LUTC)

// Reason is the closed set of machine-readable error tokens the channel
// protocol can surface. Values map 1:1 onto the wire strings in the exact
// casing the spec requires.
type Reason string

const (
	ReasonInvalidMessage      Reason = "invalid_message"
	ReasonInvalidTopic        Reason = "invalid_topic"
	ReasonInvalidClaimCode    Reason = "invalid_claim_code"
	ReasonClaimCodeExpired    Reason = "claim_code_expired"
	ReasonHandshakeIncomplete Reason = "handshake_incomplete"
	ReasonDeviceNotFound      Reason = "device_not_found"
	ReasonInvalidDeviceToken  Reason = "invalid_device_token"
	ReasonUseKeyExchange      Reason = "use_key_exchange"
)

// Topics the channel protocol recognizes.
const (
	TopicPair      = "device:pair"
	TopicReconnect = "device:reconnect"
)

// Message is the on-wire envelope: a topic, an event name, a JSON payload,
// and an optional correlation id the client may echo back from its request.
type Message struct {
	Topic         string          `json:"topic"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// ErrorPayload is the payload shape for a rejected message.
type ErrorPayload struct {
	Reason Reason `json:"reason"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Conn wraps a single WebSocket connection for the lifetime of one pairing
// or reconnect channel. Each Conn is owned by exactly one goroutine running
// its read loop; replies are serialized through a buffered send channel so
// the read loop and any ping ticker never write to the socket concurrently.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn takes ownership of an already-upgraded WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

// Send enqueues a message for delivery. Safe to call from any goroutine.
func (c *Conn) Send(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return errors.New("wire: connection closed")
	}
}

// SendError enqueues a rejection carrying a Reason.
func (c *Conn) SendError(topic, event string, reason Reason, correlationID string) error {
	payload, _ := json.Marshal(ErrorPayload{Reason: reason})
	return c.Send(Message{Topic: topic, Event: event, Payload: payload, CorrelationID: correlationID})
}

// Close shuts down the connection exactly once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Run drives the read loop, dispatching each inbound Message to handle,
// until the connection closes or handle signals it should stop by returning
// false. Run also owns the write pump and ping ticker, matching the
// teacher's ReadPump/WritePump split but collapsed into one goroutine pair
// since each channel here is single-purpose rather than a shared hub.
func (c *Conn) Run(handle func(Message) bool) {
	writeDone := make(chan struct{})
	go c.writePump(writeDone)
	defer func() {
		_ = c.Close()
		<-writeDone
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Printf("channel read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = c.SendError("", "", ReasonInvalidMessage, "")
			continue
		}

		if !handle(msg) {
			return
		}
	}
}

func (c *Conn) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case b, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
