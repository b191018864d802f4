// Package controlplane implements the thin authenticated JSON client for the
// central control plane. Every call carries the machine identity in the
// x-machine-id header. The client deliberately does not retry: transient
// failures surface as nil results and the caller decides whether to try
// again (the downloader and subscriber have their own retry policies).
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// machineIDHeader is mandatory on every outbound control-plane call.
const machineIDHeader = "x-machine-id"

// requestTimeout bounds every control-plane call. Registration payloads and
// desired-state lists are small; anything slower than this is a transient
// failure the caller should treat as nil.
const requestTimeout = 30 * time.Second

// Client talks JSON to the control plane. A missing machine ID short-circuits
// every call with a logged error and a nil result; callers treat that as a
// hard configuration failure, never a retryable one.
type Client struct {
	baseURL   string
	machineID string
	http      *http.Client
	logger    *zap.Logger
}

// New creates a Client. machineID may be empty; the client then refuses all
// calls (logged once per call, not fatal to the process).
func New(baseURL, machineID string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		machineID: machineID,
		http:      &http.Client{Timeout: requestTimeout},
		logger:    logger.Named("controlplane"),
	}
}

// Enabled reports whether a machine identity is configured.
func (c *Client) Enabled() bool { return c.machineID != "" }

// Get performs an authenticated GET against the given relative path and
// decodes the JSON response. Returns nil on missing identity, transport
// error, or non-2xx status, each logged.
func (c *Client) Get(ctx context.Context, path string) any {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post performs an authenticated POST with a JSON body. Same nil-on-error
// semantics as Get.
func (c *Client) Post(ctx context.Context, path string, body any) any {
	return c.do(ctx, http.MethodPost, path, body)
}

// PostAsync fires a Post on its own goroutine. Used from request handlers
// and background reconcilers where the response does not gate the caller.
func (c *Client) PostAsync(path string, body any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		c.Post(ctx, path, body)
	}()
}

func (c *Client) do(ctx context.Context, method, path string, body any) any {
	if c.machineID == "" {
		c.logger.Error("MACHINE_ID not configured, refusing control-plane call",
			zap.String("path", path),
		)
		return nil
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.logger.Error("failed to marshal request body",
				zap.String("path", path),
				zap.Error(err),
			)
			return nil
		}
		reader = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, strings.TrimLeft(path, "/"))
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		c.logger.Error("failed to build request", zap.String("url", url), zap.Error(err))
		return nil
	}
	req.Header.Set(machineIDHeader, c.machineID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("control-plane request failed",
			zap.String("method", method),
			zap.String("url", url),
			zap.Error(err),
		)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("control-plane returned non-2xx",
			zap.String("method", method),
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
		)
		return nil
	}

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.logger.Error("failed to decode control-plane response",
			zap.String("url", url),
			zap.Error(err),
		)
		return nil
	}
	return out
}
