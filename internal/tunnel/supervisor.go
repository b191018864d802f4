// Package tunnel supervises the cloudflared subprocess that exposes the
// local ComfyUI port through an outbound public HTTPS tunnel.
//
// cloudflared does not offer a machine-readable channel for the assigned
// public URL; the only contract is a line on its merged stdout/stderr
// matching the trycloudflare hostname pattern. The supervisor scrapes the
// log stream line by line, records the first match, fires the registered
// callback exactly once per Start, and begins a 30 s heartbeat that
// re-registers the machine while the tunnel runs. If the pattern never
// appears the URL stays empty and heartbeats never begin, visible through
// the /tunnel/status endpoint.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/rdlogout/comfyui-agent/internal/metrics"
	"go.uber.org/zap"
)

const (
	// binaryName is the tunnel binary probed on PATH.
	binaryName = "cloudflared"

	// probeTimeout bounds the version invocation used to detect the binary.
	probeTimeout = 10 * time.Second

	// stopGrace is how long Stop waits after SIGTERM before SIGKILL.
	stopGrace = 5 * time.Second

	// heartbeatInterval is how often the machine re-registers while the
	// tunnel is up. The control plane marks the machine offline when
	// heartbeats stop arriving.
	heartbeatInterval = 30 * time.Second
)

// urlPattern matches the public URL cloudflared prints once the tunnel is
// established. This line shape is the contract with the tunnel vendor.
var urlPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// Supervisor owns the cloudflared child process. One instance exists per
// agent process; all state is guarded by mu and mutated only by the
// supervisor's own goroutines; endpoint handlers read snapshots.
type Supervisor struct {
	port   int
	logger *zap.Logger

	// onURLReady fires once per Start invocation when the public URL is
	// first observed. Registration and heartbeat scheduling hang off it.
	onURLReady func(url string)

	// heartbeat is invoked every heartbeatInterval while running. Failures
	// are the callee's to log; the next beat is always scheduled.
	heartbeat func()

	mu      sync.Mutex
	cmd     *exec.Cmd
	url     string
	running bool
	stopCh  chan struct{}
}

// New creates a Supervisor for a backend on the given loopback port.
func New(port int, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		port:   port,
		logger: logger.Named("tunnel"),
	}
}

// OnURLReady registers the one-shot URL callback. Must be called before Start.
func (s *Supervisor) OnURLReady(fn func(url string)) { s.onURLReady = fn }

// OnHeartbeat registers the recurring heartbeat. Must be called before Start.
func (s *Supervisor) OnHeartbeat(fn func()) { s.heartbeat = fn }

// Start launches the tunnel. Idempotent: returns true immediately when a
// tunnel is already running. Returns false without crashing when the binary
// is not on PATH.
func (s *Supervisor) Start() bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("tunnel already running")
		return true
	}
	s.mu.Unlock()

	if !s.probeBinary() {
		s.logger.Error("cloudflared is not installed or not in PATH")
		return false
	}

	localURL := fmt.Sprintf("http://localhost:%d", s.port)
	cmd := exec.Command(binaryName, "tunnel", "--url", localURL)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.logger.Error("failed to open tunnel stdout pipe", zap.Error(err))
		return false
	}
	// cloudflared logs the URL on stderr; merge both streams into one pipe.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		s.logger.Error("failed to start cloudflared", zap.Error(err))
		return false
	}

	stopCh := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.running = true
	s.url = ""
	s.stopCh = stopCh
	s.mu.Unlock()

	s.logger.Info("tunnel starting", zap.String("local_url", localURL))

	go s.scrape(cmd, stdout, stopCh)
	return true
}

// scrape reads the merged log stream until the child exits. The first URL
// match fires the callback and starts the heartbeat loop.
func (s *Supervisor) scrape(cmd *exec.Cmd, stdout interface{ Read([]byte) (int, error) }, stopCh chan struct{}) {
	urlSeen := false

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.logger.Debug("cloudflared output", zap.String("line", line))

		if urlSeen {
			continue
		}
		if match := urlPattern.FindString(line); match != "" {
			urlSeen = true
			s.mu.Lock()
			s.url = match
			s.mu.Unlock()
			metrics.TunnelConnected.Set(1)
			s.logger.Info("tunnel URL ready", zap.String("url", match))

			if s.onURLReady != nil {
				go s.onURLReady(match)
			}
			if s.heartbeat != nil {
				go s.heartbeatLoop(stopCh)
			}
		}
	}

	err := cmd.Wait()

	s.mu.Lock()
	s.running = false
	s.url = ""
	s.cmd = nil
	s.mu.Unlock()
	metrics.TunnelConnected.Set(0)
	close(stopCh)

	if err != nil {
		s.logger.Error("cloudflared exited", zap.Error(err))
	} else {
		s.logger.Info("cloudflared exited")
	}
}

// heartbeatLoop re-registers on a fixed interval until the tunnel stops.
// A failed beat is logged by the callee; the next one is still scheduled.
func (s *Supervisor) heartbeatLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

// Stop terminates the child gracefully, escalating to SIGKILL after the
// grace period. Registered as a process-exit hook in cmd/agent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	running := s.running
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return
	}

	s.logger.Info("stopping tunnel")
	if err := cmd.Process.Signal(stopSignal); err != nil {
		s.logger.Warn("failed to signal cloudflared", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		// Wait is owned by scrape; poll the running flag instead.
		for {
			s.mu.Lock()
			stopped := !s.running
			s.mu.Unlock()
			if stopped {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(stopGrace):
		s.logger.Warn("tunnel did not stop in time, killing")
		_ = cmd.Process.Kill()
	}
}

// URL returns the current public URL, or "" while unknown.
func (s *Supervisor) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Running reports whether the child process exists and has not exited.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Port returns the local port the tunnel fronts.
func (s *Supervisor) Port() int { return s.port }

// probeBinary checks that cloudflared is invocable within the probe timeout.
func (s *Supervisor) probeBinary() bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binaryName, "--version")
	if err := cmd.Run(); err != nil {
		return false
	}
	return true
}
