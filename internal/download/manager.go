// Package download transfers remote artifacts to paths under the ComfyUI
// install directory with resume, bounded concurrency, retry with backoff,
// and atomic publication. Every transfer streams through a .tmp sidecar and
// only reaches its final name via rename, so a half-written file is never
// observable and an interrupted download resumes from the sidecar's size.
package download

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rdlogout/comfyui-agent/internal/metrics"
	"go.uber.org/zap"
)

// Status is a download task's lifecycle state. Transitions are monotonic
// within a worker: starting → downloading (→ retrying → downloading)* →
// completed | error | failed_permanent.
type Status string

const (
	StatusStarting        Status = "starting"
	StatusDownloading     Status = "downloading"
	StatusRetrying        Status = "retrying"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
	StatusFailedPermanent Status = "failed_permanent"
)

// Task is a snapshot of one download's state. Progress is -1 on error,
// otherwise 0..100. Total is 0 while the size is unknown.
type Task struct {
	ID         string `json:"task_id"`
	URL        string `json:"url"`
	Path       string `json:"path"`
	Progress   int    `json:"progress"`
	Status     Status `json:"status"`
	Message    string `json:"message"`
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
	Retries    int    `json:"retries"`
}

const (
	// maxConcurrent bounds simultaneous byte downloads process-wide.
	maxConcurrent = 8

	// Connection pool limits shared by all workers.
	maxConns        = 20
	maxConnsPerHost = 5

	connectTimeout = 30 * time.Second
	headTimeout    = 30 * time.Second
	// readTimeout cuts off a server that accepted the request but stalls
	// mid-body; each successful read rearms it.
	readTimeout = 60 * time.Second
	// attemptTimeout bounds one full transfer attempt. Interrupted attempts
	// leave the .tmp sidecar behind, so the next attempt resumes.
	attemptTimeout = 300 * time.Second

	// maxRetries is the number of retries after the first attempt.
	maxRetries = 3

	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second
)

// Manager owns the process-wide task map. Construct once in the bootstrapper
// and inject everywhere; the map is what the agent supervises.
type Manager struct {
	root   string // ComfyUI install directory; all destinations are relative to it
	logger *zap.Logger
	client *http.Client

	// onComplete runs after each successful publication. Wired to the
	// backend's model-cache refresh; best-effort by contract.
	onComplete func()

	sem chan struct{}

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewManager creates a Manager rooted at the ComfyUI install directory.
func NewManager(root string, logger *zap.Logger) *Manager {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxConns,
		MaxConnsPerHost:       maxConnsPerHost,
		ResponseHeaderTimeout: readTimeout,
	}
	return &Manager{
		root:   root,
		logger: logger.Named("download"),
		client: &http.Client{Transport: transport},
		sem:    make(chan struct{}, maxConcurrent),
		tasks:  make(map[string]*Task),
	}
}

// OnComplete registers the post-publication hook.
func (m *Manager) OnComplete(fn func()) { m.onComplete = fn }

// TaskKey builds the map key for a (url, path) pair. The path is normalized
// so "/models/a.bin" and "models/a.bin" address the same task.
func TaskKey(url, relPath string) string {
	return url + ":" + cleanPath(relPath)
}

// cleanPath strips leading slashes so destinations stay relative to root.
func cleanPath(p string) string {
	return path.Clean(strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/"))
}

// Submit schedules a download and returns the task's current snapshot. If a
// task with the same (url, path) key already exists and force is false, the
// existing task is returned untouched; two concurrent submits for the same
// pair share a single worker. force deletes the entry and starts over.
func (m *Manager) Submit(url, relPath string, force bool) Task {
	key := TaskKey(url, relPath)

	m.mu.Lock()
	if existing, ok := m.tasks[key]; ok {
		if !force {
			snapshot := *existing
			m.mu.Unlock()
			return snapshot
		}
		delete(m.tasks, key)
	}
	task := &Task{
		ID:       key,
		URL:      url,
		Path:     cleanPath(relPath),
		Status:   StatusStarting,
		Message:  "Checking file status...",
		Progress: 0,
	}
	m.tasks[key] = task
	snapshot := *task
	m.mu.Unlock()

	metrics.DownloadsSubmitted.Inc()
	go m.run(key, url, cleanPath(relPath), force)
	return snapshot
}

// Get returns a task snapshot by id.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		return *t, true
	}
	return Task{}, false
}

// All returns snapshots of every task.
func (m *Manager) All() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

// update mutates a task under the lock. Only the owning worker calls it, so
// status transitions stay monotonic.
func (m *Manager) update(key string, fn func(*Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[key]; ok {
		fn(t)
	}
}

// RemoteSize returns the server-declared size for a URL, or -1 when the
// probe fails or the size is unknown.
func (m *Manager) RemoteSize(url string) int64 {
	return m.headContentLength(url)
}

// DestPath resolves a task-relative destination to its absolute path under
// the install root.
func (m *Manager) DestPath(relPath string) string {
	return filepath.Join(m.root, filepath.FromSlash(cleanPath(relPath)))
}

// nextBackoff doubles the delay, capped at backoffMax.
func nextBackoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffMax || d <= 0 {
		d = backoffMax
	}
	return d
}

// jitter adds a random 10–30% of the delay on top, spreading retries from
// workers that failed together.
func jitter(d time.Duration) time.Duration {
	frac := 0.1 + rand.Float64()*0.2
	return d + time.Duration(float64(d)*frac)
}

// headContentLength issues a HEAD and returns the declared size, or -1 when
// it is unknown or the probe fails.
func (m *Manager) headContentLength(url string) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), headTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return -1
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("HEAD probe failed", zap.String("url", url), zap.Error(err))
		return -1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.ContentLength <= 0 {
		return -1
	}
	return resp.ContentLength
}
