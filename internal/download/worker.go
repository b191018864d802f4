package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rdlogout/comfyui-agent/internal/metrics"
	"go.uber.org/zap"
)

const (
	chunkSize = 32 * 1024

	// progressInterval throttles task-map updates during a transfer.
	progressInterval = 500 * time.Millisecond
)

// permanentStatuses are HTTP codes that will not succeed on retry.
var permanentStatuses = map[int]bool{
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
	http.StatusNotFound:     true,
	http.StatusGone:         true,
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// run is the per-task worker. It acquires the global download slot, walks
// the pre-check / resume / transfer / publish state machine, and retries
// retryable failures with exponential backoff plus jitter.
func (m *Manager) run(key, url, relPath string, force bool) {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	dest := filepath.Join(m.root, filepath.FromSlash(relPath))
	tmp := dest + ".tmp"

	if done := m.precheck(key, url, dest, tmp, force); done {
		return
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		m.fail(key, StatusError, fmt.Sprintf("cannot create destination directory: %v", err))
		return
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := jitter(nextBackoff(attempt))
			m.update(key, func(t *Task) {
				t.Status = StatusRetrying
				t.Retries = attempt
				t.Message = fmt.Sprintf("Retrying in %s (attempt %d/%d)", delay.Round(time.Second), attempt, maxRetries)
			})
			m.logger.Warn("download retrying",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			time.Sleep(delay)
		}

		err := m.attempt(key, url, dest, tmp)
		if err == nil {
			m.update(key, func(t *Task) {
				t.Status = StatusCompleted
				t.Progress = 100
				t.Message = "Download completed successfully"
			})
			m.logger.Info("download completed", zap.String("path", relPath))
			metrics.DownloadsCompleted.Inc()
			if m.onComplete != nil {
				m.onComplete()
			}
			return
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			// Retrying cannot help; drop the sidecar so a later submit
			// starts clean.
			os.Remove(tmp)
			m.fail(key, StatusFailedPermanent, perm.Error())
			return
		}
		// Retryable: keep the sidecar so the next attempt resumes.
		lastErr = err
	}

	os.Remove(tmp)
	m.fail(key, StatusError, fmt.Sprintf("download failed after %d retries: %v", maxRetries, lastErr))
}

// precheck handles the already-present destination. Without force an
// existing file completes the task immediately. With force the file is
// HEAD-verified and always removed for a clean re-download, matching sizes
// included, since force means the caller distrusts the local copy.
func (m *Manager) precheck(key, url, dest, tmp string, force bool) bool {
	info, err := os.Stat(dest)
	if err != nil {
		return false
	}

	if info.Size() == 0 {
		os.Remove(dest)
		return false
	}

	if !force {
		m.update(key, func(t *Task) {
			t.Status = StatusCompleted
			t.Progress = 100
			t.Downloaded = info.Size()
			t.Total = info.Size()
			t.Message = "File already exists and is complete"
		})
		m.logger.Info("download skipped, file exists", zap.String("path", dest))
		return true
	}

	expected := m.headContentLength(url)
	if expected > 0 && expected == info.Size() {
		m.logger.Info("forced re-download of size-matching file", zap.String("path", dest))
	} else {
		m.logger.Info("forced re-download, size mismatch or unknown",
			zap.String("path", dest),
			zap.Int64("local", info.Size()),
			zap.Int64("remote", expected),
		)
	}
	os.Remove(dest)
	os.Remove(tmp)
	return false
}

// attempt performs one transfer, resuming from the .tmp sidecar when one
// exists. Returns a *permanentError for failures retrying cannot fix.
func (m *Manager) attempt(key, url, dest, tmp string) error {
	var resumeFrom int64
	if info, err := os.Stat(tmp); err == nil {
		resumeFrom = info.Size()
	}

	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &permanentError{fmt.Errorf("invalid URL: %w", err)}
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
		m.logger.Info("resuming download", zap.String("url", url), zap.Int64("offset", resumeFrom))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// "bytes=<size>-" is unsatisfiable when the sidecar already holds
		// every byte; publish it instead of fetching the file again.
		return m.publishFullSidecar(key, url, dest, tmp, resumeFrom, resp)
	case permanentStatuses[resp.StatusCode]:
		return &permanentError{fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)}
	case resp.StatusCode >= 500:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	default:
		return &permanentError{fmt.Errorf("unexpected HTTP %d: %s", resp.StatusCode, resp.Status)}
	}

	// A 200 to a ranged request means the server ignored the Range header;
	// the body is the whole file, so the sidecar must restart.
	if resumeFrom > 0 && resp.StatusCode == http.StatusOK {
		resumeFrom = 0
	}

	total := totalSize(resp, resumeFrom)

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open sidecar: %w", err)
	}

	downloaded := resumeFrom
	m.update(key, func(t *Task) {
		t.Status = StatusDownloading
		t.Downloaded = downloaded
		t.Total = total
		t.Progress = percent(downloaded, total)
		t.Message = "Starting download..."
	})

	// A body read that makes no progress for readTimeout cancels the
	// attempt; the context error surfaces as a retryable read failure.
	stall := time.AfterFunc(readTimeout, cancel)
	defer stall.Stop()

	buf := make([]byte, chunkSize)
	lastPublish := time.Now()
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			stall.Reset(readTimeout)
			if _, werr := file.Write(buf[:n]); werr != nil {
				file.Close()
				return fmt.Errorf("write failed: %w", werr)
			}
			downloaded += int64(n)

			if time.Since(lastPublish) >= progressInterval {
				lastPublish = time.Now()
				p := percent(downloaded, total)
				m.update(key, func(t *Task) {
					t.Downloaded = downloaded
					t.Progress = p
					t.Message = fmt.Sprintf("Downloading... %d%%", p)
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			file.Close()
			return fmt.Errorf("read failed: %w", readErr)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync failed: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	m.update(key, func(t *Task) {
		t.Downloaded = downloaded
		if t.Total == 0 {
			t.Total = downloaded
		}
	})
	return nil
}

// publishFullSidecar resolves a 416 on a resumed request. The server's total
// comes from the 416's "Content-Range: bytes */<total>" trailer, falling back
// to a HEAD probe. When it equals the sidecar size the file is complete and
// is renamed into place; any other disagreement is permanent, since the same
// offset would be rejected again on every retry.
func (m *Manager) publishFullSidecar(key, url, dest, tmp string, resumeFrom int64, resp *http.Response) error {
	total := unsatisfiedRangeTotal(resp)
	if total <= 0 {
		total = m.headContentLength(url)
	}
	if total <= 0 || total != resumeFrom {
		return &permanentError{fmt.Errorf("HTTP %d: resume offset %d does not match remote size %d", resp.StatusCode, resumeFrom, total)}
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	m.update(key, func(t *Task) {
		t.Downloaded = total
		t.Total = total
	})
	m.logger.Info("sidecar already complete, publishing without transfer",
		zap.String("path", dest),
		zap.Int64("size", total),
	)
	return nil
}

// unsatisfiedRangeTotal parses the total from a 416's Content-Range header,
// "bytes */<total>". Returns 0 when absent or malformed.
func unsatisfiedRangeTotal(resp *http.Response) int64 {
	cr := resp.Header.Get("Content-Range")
	if idx := strings.LastIndex(cr, "/"); idx >= 0 {
		if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// totalSize derives the full size from Content-Length on a 200 or the
// Content-Range trailer on a 206. Returns 0 when unknown.
func totalSize(resp *http.Response, resumeFrom int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx >= 0 {
				if n, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
					return n
				}
			}
		}
		if resp.ContentLength > 0 {
			return resumeFrom + resp.ContentLength
		}
		return 0
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}

func percent(downloaded, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(downloaded * 100 / total)
}

// fail records a terminal failure. Progress -1 is the error sentinel.
func (m *Manager) fail(key string, status Status, msg string) {
	metrics.DownloadsFailed.Inc()
	m.update(key, func(t *Task) {
		t.Status = status
		t.Progress = -1
		t.Message = msg
	})
	m.logger.Error("download failed", zap.String("task", key), zap.String("reason", msg))
}
