// Package progress maintains the agent's single long-lived subscription to
// the backend's websocket event stream and the per-job progress map fed by
// it. The map is a process-wide singleton owned by the Tracker; handlers
// read snapshots under the Tracker's lock.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rdlogout/comfyui-agent/internal/metrics"
	"go.uber.org/zap"
)

// Status of a tracked job.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Entry is the progress snapshot for one backend job id. Entries are created
// on first event and overwritten on each subsequent event, except that a
// completed entry is sticky: straggler progress events cannot demote it.
type Entry struct {
	Progress  float64 `json:"progress"`
	NodeID    string  `json:"nodeId,omitempty"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value,omitempty"`
	Max       float64 `json:"max,omitempty"`
	Status    string  `json:"status,omitempty"`
	Error     string  `json:"error,omitempty"`
}

const (
	// reconnectDelay is applied after a connection closes.
	reconnectDelay = 5 * time.Second
	// connectRetryDelay is applied after a dial failure.
	connectRetryDelay = 10 * time.Second
)

// Tracker subscribes to ws://<backend>/ws?clientId=<id> and keeps the
// progress map current. One instance per process.
type Tracker struct {
	wsURL    string
	clientID string
	logger   *zap.Logger

	mu        sync.Mutex
	entries   map[string]Entry
	connected bool
}

// NewTracker creates a Tracker for a backend on the given loopback port.
// The client id is stable for the process lifetime so the backend routes
// our own submissions' events back to us.
func NewTracker(port int, logger *zap.Logger) *Tracker {
	clientID := uuid.NewString()
	return &Tracker{
		wsURL:    fmt.Sprintf("ws://localhost:%d/ws?clientId=%s", port, clientID),
		clientID: clientID,
		logger:   logger.Named("progress"),
		entries:  make(map[string]Entry),
	}
}

// NewTrackerWithURL creates a Tracker against an explicit websocket URL.
// Tests use this with an httptest websocket server.
func NewTrackerWithURL(wsURL string, logger *zap.Logger) *Tracker {
	return &Tracker{
		wsURL:    wsURL,
		clientID: uuid.NewString(),
		logger:   logger.Named("progress"),
		entries:  make(map[string]Entry),
	}
}

// ClientID returns the subscriber's stable client identifier.
func (t *Tracker) ClientID() string { return t.clientID }

// Run connects and reads events until ctx is cancelled, reconnecting with
// fixed delays for the lifetime of the process.
func (t *Tracker) Run(ctx context.Context) {
	first := true
	for {
		if ctx.Err() != nil {
			t.logger.Info("progress tracker stopped")
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.wsURL, nil)
		if err != nil {
			t.logger.Warn("websocket connect failed, retrying",
				zap.Error(err),
				zap.Duration("delay", connectRetryDelay),
			)
			if !sleepCtx(ctx, connectRetryDelay) {
				return
			}
			continue
		}

		t.setConnected(true)
		if !first {
			metrics.WebsocketReconnects.Inc()
		}
		first = false
		t.logger.Info("websocket connected", zap.String("client_id", t.clientID))

		t.readLoop(ctx, conn)

		t.setConnected(false)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("websocket closed, reconnecting", zap.Duration("delay", reconnectDelay))
		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// readLoop consumes frames until the connection fails or ctx is cancelled.
func (t *Tracker) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// The backend also emits binary preview frames; only text events
		// carry job state.
		if msgType != websocket.TextMessage {
			continue
		}
		t.handleMessage(data)
	}
}

// event is the envelope of every text frame on the backend stream.
type event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleMessage applies one event to the progress map. Unknown event types
// are ignored.
func (t *Tracker) handleMessage(raw []byte) {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.logger.Error("unparseable websocket frame", zap.Error(err))
		return
	}

	switch ev.Type {
	case "progress":
		var data struct {
			PromptID string  `json:"prompt_id"`
			Value    float64 `json:"value"`
			Max      float64 `json:"max"`
			Node     string  `json:"node"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.PromptID == "" {
			return
		}
		pct := 0.0
		if data.Max > 0 {
			pct = data.Value / data.Max * 100
		}
		t.mu.Lock()
		// completed is sticky; a straggling progress event must not
		// resurrect a finished job.
		if existing, ok := t.entries[data.PromptID]; !ok || existing.Status != StatusCompleted {
			t.entries[data.PromptID] = Entry{
				Progress:  pct,
				NodeID:    data.Node,
				Timestamp: time.Now().UnixMilli(),
				Value:     data.Value,
				Max:       data.Max,
				Status:    StatusRunning,
			}
		}
		t.mu.Unlock()

	case "executed":
		var data struct {
			PromptID string `json:"prompt_id"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.PromptID == "" {
			return
		}
		t.mu.Lock()
		entry := t.entries[data.PromptID]
		entry.Progress = 100
		entry.Status = StatusCompleted
		entry.Timestamp = time.Now().UnixMilli()
		t.entries[data.PromptID] = entry
		t.mu.Unlock()
		t.logger.Info("execution completed", zap.String("prompt_id", data.PromptID))

	case "execution_error":
		var data struct {
			PromptID         string `json:"prompt_id"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.PromptID == "" {
			return
		}
		msg := data.ExceptionMessage
		if msg == "" {
			msg = "Unknown error"
		}
		t.mu.Lock()
		t.entries[data.PromptID] = Entry{
			Progress:  0,
			Status:    StatusError,
			Error:     msg,
			Timestamp: time.Now().UnixMilli(),
		}
		t.mu.Unlock()
		t.logger.Error("execution error",
			zap.String("prompt_id", data.PromptID),
			zap.String("message", msg),
		)
	}
}

// Get returns the entry for one job id.
func (t *Tracker) Get(promptID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[promptID]
	return e, ok
}

// All returns a copy of the whole progress map.
func (t *Tracker) All() map[string]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Entry, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Connected reports whether the subscriber session is currently up.
// Endpoints refuse status queries with a 503 while it is false.
func (t *Tracker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Tracker) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

// sleepCtx sleeps unless ctx ends first. Returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
