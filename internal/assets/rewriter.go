// Package assets localizes external asset references inside a workflow.
// Prompts arriving from the control plane carry HTTPS URLs on the
// installation's asset host; the backend can only read files from its input
// directory, so each URL is downloaded and replaced with the local filename.
package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxConcurrent bounds parallel asset downloads within one workflow.
const maxConcurrent = 3

// Rewriter downloads asset URLs into the backend's input directory and
// rewrites the workflow to reference the downloaded filenames.
type Rewriter struct {
	assetHost string
	inputDir  string
	client    *http.Client
	logger    *zap.Logger
}

// NewRewriter creates a Rewriter for the given asset host and backend input
// directory.
func NewRewriter(assetHost, inputDir string, logger *zap.Logger) *Rewriter {
	return &Rewriter{
		assetHost: assetHost,
		inputDir:  inputDir,
		client:    &http.Client{},
		logger:    logger.Named("assets"),
	}
}

// Rewrite walks the decoded workflow, downloads every distinct asset URL and
// returns a copy with the successful ones replaced by local filenames. A URL
// whose download fails is left in place; the backend's own validation
// reports it.
func (r *Rewriter) Rewrite(ctx context.Context, doc any) any {
	urls := make(map[string]bool)
	r.collect(doc, urls)
	if len(urls) == 0 {
		return doc
	}

	replacements := r.download(ctx, urls)
	if len(replacements) == 0 {
		return doc
	}
	return replace(doc, replacements)
}

func (r *Rewriter) collect(obj any, urls map[string]bool) {
	switch value := obj.(type) {
	case map[string]any:
		for _, v := range value {
			if s, ok := v.(string); ok && r.isAssetURL(s) {
				urls[s] = true
			} else {
				r.collect(v, urls)
			}
		}
	case []any:
		for _, v := range value {
			r.collect(v, urls)
		}
	}
}

// isAssetURL reports whether a string is an HTTPS URL on the asset host.
func (r *Rewriter) isAssetURL(value string) bool {
	u, err := url.Parse(value)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Hostname() == r.assetHost
}

// download fetches each URL under the concurrency bound and returns the
// url → filename map of the successful ones.
func (r *Rewriter) download(ctx context.Context, urls map[string]bool) map[string]string {
	var (
		mu           sync.Mutex
		wg           sync.WaitGroup
		replacements = make(map[string]string, len(urls))
		sem          = make(chan struct{}, maxConcurrent)
	)

	for rawURL := range urls {
		wg.Add(1)
		go func(rawURL string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			filename := localFilename(rawURL)
			if err := r.fetch(ctx, rawURL, filename); err != nil {
				r.logger.Error("asset download failed",
					zap.String("url", rawURL),
					zap.Error(err),
				)
				return
			}
			r.logger.Info("asset localized",
				zap.String("url", rawURL),
				zap.String("filename", filename),
			)
			mu.Lock()
			replacements[rawURL] = filename
			mu.Unlock()
		}(rawURL)
	}
	wg.Wait()
	return replacements
}

// localFilename derives a collision-free input filename from the URL's base
// name: <stem>_<8 hex chars><ext>.
func localFilename(rawURL string) string {
	base := "asset"
	if u, err := url.Parse(rawURL); err == nil {
		if b := path.Base(u.Path); b != "" && b != "." && b != "/" {
			base = b
		}
	}
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s%s", stem, suffix, ext)
}

func (r *Rewriter) fetch(ctx context.Context, rawURL, filename string) error {
	if err := os.MkdirAll(r.inputDir, 0o755); err != nil {
		return fmt.Errorf("assets: cannot create input dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("assets: failed to build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("assets: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("assets: download returned %d", resp.StatusCode)
	}

	dest := filepath.Join(r.inputDir, filename)
	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("assets: cannot create %s: %w", dest, err)
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(dest)
		return fmt.Errorf("assets: transfer failed: %w", err)
	}
	return file.Close()
}

// replace returns a copy of the workflow with every successful URL swapped
// for its filename.
func replace(obj any, replacements map[string]string) any {
	switch value := obj.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, v := range value {
			if s, ok := v.(string); ok {
				if filename, hit := replacements[s]; hit {
					out[k] = filename
					continue
				}
			}
			out[k] = replace(v, replacements)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, v := range value {
			out[i] = replace(v, replacements)
		}
		return out
	default:
		return obj
	}
}
