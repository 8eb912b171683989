package connmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTunnel struct {
	closed bool
}

func (f *fakeTunnel) IsActive() bool { return !f.closed }
func (f *fakeTunnel) Close() error   { f.closed = true; return nil }

func TestExecuteRequestBeforeStartReturnsNotInitialized(t *testing.T) {
	m := New(Options{})
	_, err := ExecuteRequest(m, func(tun Tunnel, directURL string) (string, error) {
		return "unused", nil
	})
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestStartPrefersRelayWhenAvailable(t *testing.T) {
	tun := &fakeTunnel{}
	m := New(Options{
		ConnectRelay: func(ctx context.Context) (Tunnel, error) { return tun, nil },
		DirectURLs:   []string{"https://192.168.1.5:8443"},
		ProbeDirect:  func(ctx context.Context, url string) error { return nil },
	})
	require.NoError(t, m.Start(context.Background(), false))
	require.Equal(t, ModeRelayOnly, m.Snapshot().Mode)
}

func TestStartFallsBackToDirectWhenRelayFails(t *testing.T) {
	m := New(Options{
		ConnectRelay: func(ctx context.Context) (Tunnel, error) { return nil, errors.New("relay down") },
		DirectURLs:   []string{"https://192.168.1.5:8443"},
		ProbeDirect:  func(ctx context.Context, url string) error { return nil },
	})
	require.NoError(t, m.Start(context.Background(), false))
	snap := m.Snapshot()
	require.Equal(t, ModeDirectOnly, snap.Mode)
	require.Equal(t, "https://192.168.1.5:8443", snap.DirectURL)
}

func TestStartForceDirectOnlySkipsRelay(t *testing.T) {
	relayCalled := false
	m := New(Options{
		ConnectRelay: func(ctx context.Context) (Tunnel, error) { relayCalled = true; return nil, nil },
		DirectURLs:   []string{"https://192.168.1.5:8443"},
		ProbeDirect:  func(ctx context.Context, url string) error { return nil },
	})
	require.NoError(t, m.Start(context.Background(), true))
	require.False(t, relayCalled)
	require.Equal(t, ModeDirectOnly, m.Snapshot().Mode)
}

func TestStartFailsWhenAllTransportsUnreachable(t *testing.T) {
	m := New(Options{
		ConnectRelay: func(ctx context.Context) (Tunnel, error) { return nil, errors.New("relay down") },
		DirectURLs:   []string{"https://192.168.1.5:8443"},
		ProbeDirect:  func(ctx context.Context, url string) error { return errors.New("unreachable") },
	})
	require.ErrorIs(t, m.Start(context.Background(), false), ErrAllTransportsFailed)
}

func TestExecuteRequestRoutesByModeAndTracksPending(t *testing.T) {
	m := New(Options{
		ConnectRelay: func(ctx context.Context) (Tunnel, error) { return nil, errors.New("no relay") },
		DirectURLs:   []string{"https://192.168.1.5:8443"},
		ProbeDirect:  func(ctx context.Context, url string) error { return nil },
	})
	require.NoError(t, m.Start(context.Background(), false))

	result, err := ExecuteRequest(m, func(tun Tunnel, directURL string) (string, error) {
		require.Nil(t, tun)
		require.Equal(t, "https://192.168.1.5:8443", directURL)
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 0, m.Snapshot().PendingDirect)
}

func TestSubscribeDeliversCurrentStateImmediately(t *testing.T) {
	m := New(Options{})
	ch := m.Subscribe()
	select {
	case s := <-ch:
		require.Equal(t, ModeUnset, s.Mode)
	case <-time.After(time.Second):
		t.Fatal("expected immediate initial state")
	}
}

func TestProbeBackoffClampsAtFinalEntry(t *testing.T) {
	m := New(Options{})
	require.Equal(t, 5*time.Second, m.NotifyProbeFailed())
	require.Equal(t, 10*time.Second, m.NotifyProbeFailed())
	require.Equal(t, 30*time.Second, m.NotifyProbeFailed())
	require.Equal(t, 60*time.Second, m.NotifyProbeFailed())
	require.Equal(t, 5*time.Minute, m.NotifyProbeFailed())
	require.Equal(t, 5*time.Minute, m.NotifyProbeFailed())
}

func TestHotSwapDrainsRelayOnlyAfterPendingReachesZero(t *testing.T) {
	tun := &fakeTunnel{}
	m := New(Options{
		ConnectRelay: func(ctx context.Context) (Tunnel, error) { return tun, nil },
	})
	require.NoError(t, m.Start(context.Background(), false))
	require.Equal(t, ModeRelayOnly, m.Snapshot().Mode)

	done := make(chan struct{})
	go func() {
		_, _ = ExecuteRequest(m, func(t Tunnel, directURL string) (string, error) {
			<-done
			return "ok", nil
		})
	}()

	// Give the goroutine a chance to register its pending-relay count.
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, m.Snapshot().PendingRelay)

	m.NotifyDirectReachable("https://192.168.1.5:8443")
	require.Equal(t, ModeDual, m.Snapshot().Mode)
	require.False(t, tun.closed)

	close(done)
	require.Eventually(t, func() bool {
		return m.Snapshot().Mode == ModeDirectOnly
	}, time.Second, 5*time.Millisecond)
	require.True(t, tun.closed)
}

func TestRunProbeLoopPromotesToDualOnFirstReachableURL(t *testing.T) {
	tun := &fakeTunnel{}
	var attempts int
	m := New(Options{
		ConnectRelay: func(ctx context.Context) (Tunnel, error) { return tun, nil },
		DirectURLs:   []string{"https://192.168.1.5:8443"},
		ProbeTimeout: time.Second,
		ProbeDirect: func(ctx context.Context, url string) error {
			attempts++
			if attempts < 3 {
				return errors.New("not yet reachable")
			}
			return nil
		},
	})
	require.NoError(t, m.Start(context.Background(), false))
	require.Equal(t, ModeRelayOnly, m.Snapshot().Mode)

	original := probeBackoff
	probeBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { probeBackoff = original }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.RunProbeLoop(ctx)

	snap := m.Snapshot()
	require.Equal(t, ModeDual, snap.Mode)
	require.Equal(t, "https://192.168.1.5:8443", snap.DirectURL)
	require.GreaterOrEqual(t, attempts, 3)
}

func TestRunProbeLoopReturnsImmediatelyWhenNotRelayOnly(t *testing.T) {
	m := New(Options{
		ConnectRelay: func(ctx context.Context) (Tunnel, error) { return nil, errors.New("relay down") },
		DirectURLs:   []string{"https://192.168.1.5:8443"},
		ProbeDirect:  func(ctx context.Context, url string) error { return nil },
	})
	require.NoError(t, m.Start(context.Background(), false))
	require.Equal(t, ModeDirectOnly, m.Snapshot().Mode)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.RunProbeLoop(ctx)
}
