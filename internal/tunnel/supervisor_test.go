package tunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestURLPattern(t *testing.T) {
	line := "2026-08-24T10:00:00Z INF +  https://witty-otter-lamp-zebra.trycloudflare.com  +"
	require.Equal(t, "https://witty-otter-lamp-zebra.trycloudflare.com", urlPattern.FindString(line))

	require.Empty(t, urlPattern.FindString("http://plain.trycloudflare.com"), "scheme must be https")
	require.Empty(t, urlPattern.FindString("https://evil.example.com"))
	require.Empty(t, urlPattern.FindString("Starting tunnel, waiting for URL"))
}

func TestSupervisorDefaults(t *testing.T) {
	s := New(8188, zap.NewNop())
	require.Equal(t, 8188, s.Port())
	require.Empty(t, s.URL())
	require.False(t, s.Running())
}

func TestStopWithoutStart(t *testing.T) {
	s := New(8188, zap.NewNop())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked with no child process")
	}
}

func TestHeartbeatLoopStopsOnSignal(t *testing.T) {
	s := New(8188, zap.NewNop())
	s.OnHeartbeat(func() {})

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.heartbeatLoop(stopCh)
		close(done)
	}()
	close(stopCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop ignored stop signal")
	}
}
