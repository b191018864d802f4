// Package modelhub downloads model artifacts from the Hugging Face hub with
// cache-first semantics. The hub's cache is a directory layout, not a
// service: models--{org}--{name}/refs/<revision> names a commit and
// snapshots/<commit>/<file> holds the content. A single-file request that
// resolves inside that layout returns without network I/O.
package modelhub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

const (
	defaultEndpoint = "https://huggingface.co"
	defaultRevision = "main"

	headTimeout = 30 * time.Second
)

// Request describes one hub download. Filename selects a single file;
// otherwise the whole repository snapshot is fetched, optionally filtered
// by AllowPatterns globs.
type Request struct {
	RepoID        string
	LocalDir      string
	Filename      string
	AllowPatterns []string
	Revision      string
}

// Downloader fetches files from a model hub.
type Downloader struct {
	endpoint string
	cacheDir string // hub cache root (HF_HOME or ~/.cache/huggingface)
	fallback string // <comfy>/models/shared
	client   *http.Client
	logger   *zap.Logger
}

// New creates a Downloader. hfHome may be empty to use the hub default
// cache root; fallbackDir is the shared models directory used when a
// requested local directory is unusable.
func New(hfHome, fallbackDir string, logger *zap.Logger) *Downloader {
	cacheDir := hfHome
	if cacheDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cacheDir = filepath.Join(home, ".cache", "huggingface")
		} else {
			cacheDir = ".huggingface"
		}
	}
	return &Downloader{
		endpoint: defaultEndpoint,
		cacheDir: cacheDir,
		fallback: fallbackDir,
		client:   &http.Client{},
		logger:   logger.Named("modelhub"),
	}
}

// SetEndpoint overrides the hub endpoint. Tests point it at an httptest
// server.
func (d *Downloader) SetEndpoint(endpoint string) { d.endpoint = strings.TrimRight(endpoint, "/") }

// Download fetches the requested file or snapshot. Returns true only when a
// single-file request was already satisfied by the cache; repository
// snapshots always return false, since per-file cache hits cannot be rolled
// up into one answer.
func (d *Downloader) Download(ctx context.Context, req Request) (bool, error) {
	if req.RepoID == "" {
		return false, fmt.Errorf("modelhub: repo id is required")
	}
	revision := req.Revision
	if revision == "" {
		revision = defaultRevision
	}

	if req.Filename != "" {
		if cached := d.cachedPath(req.RepoID, revision, req.Filename); cached != "" {
			d.logger.Info("file already cached",
				zap.String("repo", req.RepoID),
				zap.String("file", req.Filename),
			)
			return true, nil
		}
		dir := d.resolveLocalDir(req.LocalDir, req.RepoID, revision)
		if err := d.fetchFile(ctx, req.RepoID, revision, req.Filename, dir); err != nil {
			return false, err
		}
		return false, nil
	}

	dir := d.resolveLocalDir(req.LocalDir, req.RepoID, revision)
	if err := d.fetchSnapshot(ctx, req.RepoID, revision, req.AllowPatterns, dir); err != nil {
		return false, err
	}
	return false, nil
}

// cachedPath resolves a file inside the hub cache layout, returning "" when
// it is not cached.
func (d *Downloader) cachedPath(repoID, revision, filename string) string {
	repoDir := filepath.Join(d.cacheDir, "hub", "models--"+strings.ReplaceAll(repoID, "/", "--"))

	commit := revision
	if ref, err := os.ReadFile(filepath.Join(repoDir, "refs", revision)); err == nil {
		commit = strings.TrimSpace(string(ref))
	}

	p := filepath.Join(repoDir, "snapshots", commit, filepath.FromSlash(filename))
	if info, err := os.Stat(p); err == nil && info.Size() > 0 {
		return p
	}
	return ""
}

// resolveLocalDir validates the requested directory per the fallback chain:
// usable as-is → its parent when it is a file → the shared models dir →
// the hub cache.
func (d *Downloader) resolveLocalDir(localDir, repoID, revision string) string {
	if localDir != "" {
		if dir, ok := usableDir(localDir); ok {
			return dir
		}
		d.logger.Warn("requested local dir unusable, falling back",
			zap.String("local_dir", localDir),
			zap.String("fallback", d.fallback),
		)
	}
	if dir, ok := usableDir(d.fallback); ok && d.fallback != "" {
		return dir
	}
	// Last resort: materialize into the cache's snapshot directory.
	repoDir := filepath.Join(d.cacheDir, "hub", "models--"+strings.ReplaceAll(repoID, "/", "--"))
	return filepath.Join(repoDir, "snapshots", revision)
}

// usableDir reports whether p is (or can become) a writable directory,
// resolving file paths to their parent.
func usableDir(p string) (string, bool) {
	if p == "" {
		return "", false
	}
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		p = filepath.Dir(p)
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", false
	}
	probe := filepath.Join(p, ".write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return "", false
	}
	f.Close()
	os.Remove(probe)
	return p, true
}

// treeEntry is one row of the hub's repository tree listing.
type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// fetchSnapshot lists the repository tree and downloads every file passing
// the allow patterns.
func (d *Downloader) fetchSnapshot(ctx context.Context, repoID, revision string, patterns []string, dir string) error {
	listURL := fmt.Sprintf("%s/api/models/%s/tree/%s?recursive=true",
		d.endpoint, repoID, url.PathEscape(revision))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return fmt.Errorf("modelhub: failed to build tree request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("modelhub: tree listing failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("modelhub: tree listing returned %d for %s", resp.StatusCode, repoID)
	}

	var entries []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("modelhub: failed to decode tree listing: %w", err)
	}

	for _, entry := range entries {
		if entry.Type != "file" || !matchesAny(entry.Path, patterns) {
			continue
		}
		if err := d.fetchFile(ctx, repoID, revision, entry.Path, dir); err != nil {
			return err
		}
	}
	return nil
}

// matchesAny reports whether the path passes the allow patterns. An empty
// pattern list allows everything.
func matchesAny(p string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return true
		}
		// Patterns like "*.safetensors" are conventionally matched against
		// the base name as well.
		if ok, err := doublestar.Match(pattern, filepath.Base(p)); err == nil && ok {
			return true
		}
	}
	return false
}

// fetchFile streams one file through a .tmp sidecar into dir, skipping the
// transfer when a size-matching copy already exists.
func (d *Downloader) fetchFile(ctx context.Context, repoID, revision, filename, dir string) error {
	dest := filepath.Join(dir, filepath.FromSlash(filename))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("modelhub: cannot create %s: %w", filepath.Dir(dest), err)
	}

	fileURL := fmt.Sprintf("%s/%s/resolve/%s/%s",
		d.endpoint, repoID, url.PathEscape(revision), filename)

	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		if expected := d.headSize(fileURL); expected > 0 && expected == info.Size() {
			d.logger.Debug("local file matches hub size, skipping",
				zap.String("file", filename),
			)
			return nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("modelhub: failed to build file request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("modelhub: download of %s failed: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("modelhub: download of %s returned %d", filename, resp.StatusCode)
	}

	tmp := dest + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("modelhub: cannot create sidecar: %w", err)
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("modelhub: transfer of %s failed: %w", filename, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("modelhub: close failed: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("modelhub: publish failed: %w", err)
	}

	d.logger.Info("downloaded hub file",
		zap.String("repo", repoID),
		zap.String("file", filename),
		zap.String("dest", dest),
	)
	return nil
}

func (d *Downloader) headSize(fileURL string) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), headTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fileURL, nil)
	if err != nil {
		return -1
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return -1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return -1
	}
	return resp.ContentLength
}
