// Package client implements the client-side relay tunnel transport (spec
// component C7): a multiplexed request/response layer over a single
// WebSocket connection to a third-party relay, used when the paired server
// is not directly reachable.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var logger = log.New(os.Stdout, "[RELAY-CLIENT] ", log.Ldate|log.Ltime|log.LUTC)

// ErrTimeout is returned by Request when no response frame arrives before
// the context deadline. It is always retryable, unlike a returned non-2xx
// status, which is an application-level outcome.
var ErrTimeout = errors.New("relay: request timed out waiting for response")

// ErrClosed is returned by Request once the tunnel has been closed.
var ErrClosed = errors.New("relay: tunnel closed")

// RelayTunnelInfo is delivered by the relay once a tunnel to instanceID is
// established.
type RelayTunnelInfo struct {
	SessionID       string   `json:"session_id"`
	InstanceID      string   `json:"instance_id"`
	PublicKeyBase64 string   `json:"public_key_base64"`
	DirectURLs      []string `json:"direct_urls"`
}

type requestFrame struct {
	ID      string              `json:"id"`
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

type responseFrame struct {
	ID      string              `json:"id"`
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// Response is the result of a successfully completed Request call —
// "successfully completed" meaning a response frame arrived, regardless of
// the HTTP status it carries.
type Response struct {
	Status  int
	Headers map[string][]string
	Body    []byte
}

// Tunnel is a live connection to the relay for one paired instance.
type Tunnel struct {
	info RelayTunnelInfo

	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan responseFrame
	closed  bool
	done    chan struct{}
}

// Dial connects to the relay at relayURL, identifies the target by
// instanceID, and waits for the relay's RelayTunnelInfo frame.
func Dial(ctx context.Context, relayURL, instanceID, authToken string) (*Tunnel, error) {
	header := make(map[string][]string)
	if authToken != "" {
		header["Authorization"] = []string{"Bearer " + authToken}
	}
	header["X-Relay-Instance-Id"] = []string{instanceID}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, relayURL, header)
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}

	var info RelayTunnelInfo
	if err := conn.ReadJSON(&info); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay: read tunnel info: %w", err)
	}

	t := &Tunnel{
		info:    info,
		conn:    conn,
		pending: make(map[string]chan responseFrame),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *Tunnel) Info() RelayTunnelInfo { return t.info }

func (t *Tunnel) readLoop() {
	defer close(t.done)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			logger.Printf("read loop ended: %v", err)
			t.failAllPending(err)
			return
		}

		var frame responseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Printf("malformed response frame: %v", err)
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[frame.ID]
		if ok {
			delete(t.pending, frame.ID)
		}
		t.mu.Unlock()

		if ok {
			ch <- frame
		}
	}
}

func (t *Tunnel) failAllPending(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		ch <- responseFrame{ID: id, Error: err.Error()}
		delete(t.pending, id)
	}
}

// Request proxies an HTTP-like request over the tunnel, multiplexing a
// fresh request id and waiting for the matching response frame. A context
// deadline exceeded while waiting surfaces as ErrTimeout, distinct from any
// non-2xx status the relay-proxied server itself returned.
func (t *Tunnel) Request(ctx context.Context, method, path string, headers map[string][]string, body []byte) (Response, error) {
	if !t.IsActive() {
		return Response{}, ErrClosed
	}

	id := uuid.NewString()
	replyCh := make(chan responseFrame, 1)

	t.mu.Lock()
	t.pending[id] = replyCh
	t.mu.Unlock()

	frame := requestFrame{ID: id, Method: method, Path: path, Headers: headers, Body: body}
	data, err := json.Marshal(frame)
	if err != nil {
		t.removePending(id)
		return Response{}, fmt.Errorf("relay: marshal request frame: %w", err)
	}

	t.writeMu.Lock()
	err = t.conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		t.removePending(id)
		return Response{}, fmt.Errorf("relay: write request frame: %w", err)
	}

	select {
	case resp := <-replyCh:
		if resp.Error != "" {
			return Response{}, fmt.Errorf("relay: %s", resp.Error)
		}
		return Response{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}, nil
	case <-ctx.Done():
		t.removePending(id)
		return Response{}, ErrTimeout
	case <-t.done:
		return Response{}, ErrClosed
	}
}

func (t *Tunnel) removePending(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Tunnel) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
