// Package backend is the typed client for the local ComfyUI HTTP API. The
// backend is a black box reached over loopback; this package owns the URL
// shapes and response decoding so no other package hard-codes them.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// cacheRefreshTimeout bounds the best-effort model-cache refresh issued after
// a model download completes.
const cacheRefreshTimeout = 10 * time.Second

// Client reaches the ComfyUI server on localhost.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a Client for a backend listening on the given loopback port.
func New(port int, logger *zap.Logger) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://localhost:%d", port),
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger.Named("backend"),
	}
}

// NewWithBaseURL creates a Client against an explicit base URL. Tests use
// this to point the client at an httptest server.
func NewWithBaseURL(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger.Named("backend"),
	}
}

// BaseURL returns the backend base URL, e.g. "http://localhost:8188".
func (c *Client) BaseURL() string { return c.baseURL }

// QueueResponse is the backend's reply to a prompt submission.
type QueueResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

// QueuePrompt submits an execution-format prompt. A non-2xx status is
// returned as an error carrying the raw body so the orchestrator can
// propagate it to the control plane verbatim.
func (c *Client) QueuePrompt(ctx context.Context, prompt map[string]any) (*QueueResponse, error) {
	payload, err := json.Marshal(map[string]any{"prompt": prompt})
	if err != nil {
		return nil, fmt.Errorf("backend: failed to marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/prompt", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("backend: failed to build prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: prompt submit failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("backend: prompt submit returned %d: %s", resp.StatusCode, string(body))
	}

	var out QueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("backend: failed to decode prompt response: %w", err)
	}
	return &out, nil
}

// History returns the backend's history entry for one prompt id, or nil when
// the backend has no record of it. The shape is the raw history object keyed
// by prompt id; the caller picks out status.messages and outputs.
func (c *Client) History(ctx context.Context, promptID string) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &out); err != nil {
		return nil, err
	}
	entry, ok := out[promptID].(map[string]any)
	if !ok {
		return nil, nil
	}
	return entry, nil
}

// Queue returns the backend's current queue state (queue_running and
// queue_pending arrays).
func (c *Client) Queue(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/queue", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ObjectInfo returns the backend's node-class metadata for a single type.
// A 404 or an empty object means the type is unknown; (nil, nil) is returned
// so the normalizer can fall back to best-effort orderings.
func (c *Client) ObjectInfo(ctx context.Context, nodeType string) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/object_info/"+url.PathEscape(nodeType), &out); err != nil {
		return nil, err
	}
	info, ok := out[nodeType].(map[string]any)
	if !ok {
		return nil, nil
	}
	return info, nil
}

// RefreshModelCache asks the backend to rescan its model folders. Best
// effort: failures are logged and swallowed, never propagated.
func (c *Client) RefreshModelCache() {
	ctx, cancel := context.WithTimeout(context.Background(), cacheRefreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/object_info", nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("model cache refresh failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	c.logger.Debug("model cache refresh requested", zap.Int("status", resp.StatusCode))
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("backend: failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: GET %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend: GET %s returned %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("backend: failed to decode %s response: %w", path, err)
	}
	return nil
}
