// Package connmgr implements the client's connection manager (spec
// component C9): a state machine over transports that decides whether to
// route application traffic through a relay tunnel, a direct pinned
// connection, or both during a hot-swap window.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

var logger = log.New(os.Stdout, "[CONNMGR] ", log.Ldate|log.Ltime|log.LUTC)

// ErrNotInitialized is returned by ExecuteRequest before any mode has been
// selected by Start.
var ErrNotInitialized = errors.New("connmgr: not initialized")

// ErrAllTransportsFailed is returned by Start when neither relay nor any
// direct URL could be reached.
var ErrAllTransportsFailed = errors.New("connmgr: relay unreachable and no direct URL reachable")

type Mode int

const (
	ModeUnset Mode = iota
	ModeRelayOnly
	ModeDirectOnly
	ModeDual
)

func (m Mode) String() string {
	switch m {
	case ModeRelayOnly:
		return "relayOnly"
	case ModeDirectOnly:
		return "directOnly"
	case ModeDual:
		return "dual"
	default:
		return "unset"
	}
}

// probeBackoff is indexed by the current probe-failure count and clamped at
// the final entry.
var probeBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second, 5 * time.Minute}

func nextProbeDelay(failureCount int) time.Duration {
	if failureCount < 0 {
		failureCount = 0
	}
	if failureCount >= len(probeBackoff) {
		failureCount = len(probeBackoff) - 1
	}
	return probeBackoff[failureCount]
}

// Tunnel is the minimal relay-transport surface the manager needs; see
// internal/relay/client for the concrete implementation.
type Tunnel interface {
	IsActive() bool
	Close() error
}

// State is a snapshot of the manager's mutable fields, published to
// subscribers after every mutation.
type State struct {
	Mode              Mode
	DirectURL         string
	PendingRelay      int
	PendingDirect     int
	ProbeFailureCount int
}

// DirectProbe attempts to reach one direct URL within timeout, returning
// nil on success.
type DirectProbe func(ctx context.Context, url string) error

// RelayConnect attempts to bring up a relay tunnel, returning it on success.
type RelayConnect func(ctx context.Context) (Tunnel, error)

// Manager owns the current transport mode and routes execute_request calls
// per mode. All mutators run under mu so that concurrent ExecuteRequest
// calls never lose a pending-counter increment/decrement.
type Manager struct {
	mu    sync.Mutex
	state State
	tun   Tunnel

	directURLs   []string
	probeTimeout time.Duration

	connectRelay RelayConnect
	probeDirect  DirectProbe

	subMu sync.Mutex
	subs  []chan State
}

type Options struct {
	DirectURLs      []string
	ForceDirectOnly bool
	ProbeTimeout    time.Duration
	ConnectRelay    RelayConnect
	ProbeDirect     DirectProbe
}

func New(opts Options) *Manager {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Manager{
		directURLs:   opts.DirectURLs,
		probeTimeout: opts.ProbeTimeout,
		connectRelay: opts.ConnectRelay,
		probeDirect:  opts.ProbeDirect,
	}
}

// Start selects the initial mode: relay-first unless forceDirectOnly is
// set or no relay connector is configured, falling back to probing direct
// URLs in order.
func (m *Manager) Start(ctx context.Context, forceDirectOnly bool) error {
	if !forceDirectOnly && m.connectRelay != nil {
		tun, err := m.connectRelay(ctx)
		if err == nil {
			m.mu.Lock()
			m.tun = tun
			m.state.Mode = ModeRelayOnly
			m.mu.Unlock()
			m.publish()
			return nil
		}
		logger.Printf("relay connect failed, falling back to direct: %v", err)
	}

	for _, url := range m.directURLs {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := m.probeDirect(probeCtx, url)
		cancel()
		if err == nil {
			m.mu.Lock()
			m.state.Mode = ModeDirectOnly
			m.state.DirectURL = url
			m.mu.Unlock()
			m.publish()
			return nil
		}
	}

	return ErrAllTransportsFailed
}

// Subscribe returns a channel that immediately receives the current state
// and then every subsequent state after a mutation commits. The channel is
// buffered by one so a slow subscriber never blocks a mutator; a missed
// intermediate update is acceptable (replay-from-current-state is not
// required), but the initial delivery is guaranteed.
func (m *Manager) Subscribe() <-chan State {
	ch := make(chan State, 1)

	m.mu.Lock()
	current := m.state
	m.mu.Unlock()
	ch <- current

	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) publish() {
	m.mu.Lock()
	current := m.state
	m.mu.Unlock()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- current:
		default:
			// drop the stale buffered value and deliver the latest
			select {
			case <-ch:
			default:
			}
			ch <- current
		}
	}
}

// ExecuteRequest runs fn against the manager's currently active transport,
// tracking a pending-request counter for the duration of the call. The
// counter is decremented exactly once even if fn panics.
func ExecuteRequest[R any](m *Manager, fn func(tun Tunnel, directURL string) (R, error)) (R, error) {
	var zero R

	m.mu.Lock()
	mode := m.state.Mode
	tun := m.tun
	directURL := m.state.DirectURL
	if mode == ModeUnset {
		m.mu.Unlock()
		return zero, ErrNotInitialized
	}

	// Dual routes new requests to direct once a direct URL is known; relay
	// is only still used for requests already in flight when the hot-swap
	// began.
	useRelay := mode == ModeRelayOnly
	if useRelay {
		m.state.PendingRelay++
	} else {
		m.state.PendingDirect++
	}
	m.mu.Unlock()
	m.publish()

	defer func() {
		m.mu.Lock()
		if useRelay {
			m.state.PendingRelay--
		} else {
			m.state.PendingDirect--
		}
		m.mu.Unlock()
		m.publish()
		if useRelay {
			m.maybeCloseRelay()
		}
	}()

	if useRelay {
		return fn(tun, "")
	}
	return fn(nil, directURL)
}

// NotifyDirectReachable is called by the probe loop when, while in
// relayOnly mode, a direct URL becomes reachable: the manager enters dual
// mode, routing new requests to direct while the relay drains.
func (m *Manager) NotifyDirectReachable(url string) {
	m.mu.Lock()
	if m.state.Mode != ModeRelayOnly {
		m.mu.Unlock()
		return
	}
	m.state.Mode = ModeDual
	m.state.DirectURL = url
	m.state.ProbeFailureCount = 0
	m.mu.Unlock()
	m.publish()

	m.maybeCloseRelay()
}

// NotifyProbeFailed advances the probe-failure counter and returns the next
// delay to wait before probing again.
func (m *Manager) NotifyProbeFailed() time.Duration {
	m.mu.Lock()
	m.state.ProbeFailureCount++
	delay := nextProbeDelay(m.state.ProbeFailureCount)
	m.mu.Unlock()
	m.publish()
	return delay
}

// RunProbeLoop periodically probes the configured direct URLs while the
// manager is in relayOnly mode, backing off between failed attempts per
// probeBackoff and promoting to dual mode the first time one succeeds.
// Returns once the manager leaves relayOnly mode or ctx is done.
func (m *Manager) RunProbeLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		mode := m.state.Mode
		m.mu.Unlock()
		if mode != ModeRelayOnly {
			return
		}

		var reached string
		for _, url := range m.directURLs {
			probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			err := m.probeDirect(probeCtx, url)
			cancel()
			if err == nil {
				reached = url
				break
			}
		}

		if reached != "" {
			m.NotifyDirectReachable(reached)
			return
		}

		delay := m.NotifyProbeFailed()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// maybeCloseRelay closes the relay tunnel and finalizes the transition to
// directOnly once no relay requests remain pending. Safe to call
// repeatedly; it is a no-op until the relay has fully drained.
func (m *Manager) maybeCloseRelay() {
	m.mu.Lock()
	if m.state.Mode != ModeDual || m.state.PendingRelay != 0 {
		m.mu.Unlock()
		return
	}
	tun := m.tun
	m.tun = nil
	m.state.Mode = ModeDirectOnly
	m.mu.Unlock()

	if tun != nil {
		if err := tun.Close(); err != nil {
			logger.Printf("error closing drained relay tunnel: %v", err)
		}
	}
	m.publish()
}

// DrainRelay should be called after every request completes while in dual
// mode, to finalize the hot-swap once the relay has no pending requests.
func (m *Manager) DrainRelay() {
	m.maybeCloseRelay()
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) String() string {
	s := m.Snapshot()
	return fmt.Sprintf("connmgr(mode=%s direct_url=%s pending_relay=%d pending_direct=%d probe_failures=%d)",
		s.Mode, s.DirectURL, s.PendingRelay, s.PendingDirect, s.ProbeFailureCount)
}
