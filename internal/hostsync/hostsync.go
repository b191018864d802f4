// Package hostsync holds the reconciliation logic behind the sync endpoints:
// registering the host with the control plane, converging the local plugin
// and model inventory on the control plane's desired state, and resolving
// dependency lists in the background.
package hostsync

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rdlogout/comfyui-agent/internal/config"
	"github.com/rdlogout/comfyui-agent/internal/controlplane"
	"github.com/rdlogout/comfyui-agent/internal/download"
	"github.com/rdlogout/comfyui-agent/internal/hostinfo"
	"github.com/rdlogout/comfyui-agent/internal/modelhub"
	"github.com/rdlogout/comfyui-agent/internal/plugins"
	"github.com/rdlogout/comfyui-agent/internal/tunnel"
	"go.uber.org/zap"
)

// maxModelChecks bounds parallel per-item model classification.
const maxModelChecks = 8

// dependencyTimeout bounds one background dependency reconciliation.
const dependencyTimeout = 60 * time.Minute

// Syncer wires the reconciliation flows to their collaborators.
type Syncer struct {
	cfg       *config.Config
	plane     *controlplane.Client
	tunnel    *tunnel.Supervisor
	collector *hostinfo.Collector
	downloads *download.Manager
	hub       *modelhub.Downloader
	installer *plugins.Installer
	logger    *zap.Logger
}

// New creates a Syncer.
func New(cfg *config.Config, plane *controlplane.Client, tun *tunnel.Supervisor, collector *hostinfo.Collector, downloads *download.Manager, hub *modelhub.Downloader, installer *plugins.Installer, logger *zap.Logger) *Syncer {
	return &Syncer{
		cfg:       cfg,
		plane:     plane,
		tunnel:    tun,
		collector: collector,
		downloads: downloads,
		hub:       hub,
		installer: installer,
		logger:    logger.Named("hostsync"),
	}
}

// SyncHost collects the current host facts and registers them, together with
// the tunnel URL, at the control plane. The same call serves first
// registration and heartbeat.
func (s *Syncer) SyncHost(ctx context.Context) (hostinfo.Registration, error) {
	facts := s.collector.Collect(ctx)
	reg := facts.Registration(s.tunnel.URL())

	if resp := s.plane.Post(ctx, controlplane.PathConnect, reg); resp == nil {
		return reg, fmt.Errorf("hostsync: registration failed")
	}
	s.logger.Info("host registered", zap.String("endpoint", reg.Endpoint))
	return reg, nil
}

// NodeResult is one row of a plugin reconciliation.
type NodeResult struct {
	ID      string `json:"id,omitempty"`
	URL     string `json:"url"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SyncNodes pulls the desired plugin list, installs what is missing and acks
// the installed ids back. Already-present plugins are reported as skipped;
// their dependencies are still reconciled by the installer.
func (s *Syncer) SyncNodes(ctx context.Context) ([]NodeResult, error) {
	raw := s.plane.Get(ctx, controlplane.PathCustomNodes)
	if raw == nil {
		return nil, fmt.Errorf("hostsync: failed to fetch custom nodes list")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("hostsync: invalid custom nodes payload")
	}

	results := make([]NodeResult, 0, len(items))
	var installedIDs []string

	for _, entry := range items {
		id, gitURL := nodeItem(entry)
		if gitURL == "" {
			results = append(results, NodeResult{
				ID:      id,
				Status:  "error",
				Message: "Missing custom node url",
			})
			continue
		}

		existed, err := s.installer.Install(ctx, gitURL)
		switch {
		case err != nil:
			results = append(results, NodeResult{
				ID:      id,
				URL:     gitURL,
				Status:  "error",
				Message: fmt.Sprintf("Failed to install: %v", err),
			})
		case existed:
			results = append(results, NodeResult{
				ID:      id,
				URL:     gitURL,
				Status:  "skipped",
				Message: "Custom node already exists",
			})
			if id != "" {
				installedIDs = append(installedIDs, id)
			}
		default:
			results = append(results, NodeResult{
				ID:      id,
				URL:     gitURL,
				Status:  "success",
				Message: "Custom node installed",
			})
			if id != "" {
				installedIDs = append(installedIDs, id)
			}
		}
	}

	if len(installedIDs) > 0 {
		s.plane.PostAsync(controlplane.PathCustomNodes, map[string]any{"ids": installedIDs})
	}
	return results, nil
}

// nodeItem accepts both the bare-URL and the {id, url} item shapes.
func nodeItem(entry any) (id, gitURL string) {
	switch item := entry.(type) {
	case string:
		return "", item
	case map[string]any:
		id = stringField(item, "id")
		gitURL, _ = item["url"].(string)
		if gitURL == "" {
			gitURL, _ = item["custom_node_url"].(string)
		}
		return id, gitURL
	}
	return "", ""
}

// ModelState is one row of a model reconciliation: the item's id, its
// destination path and the current download progress (100 = present).
type ModelState struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Progress int    `json:"progress"`
}

// ModelSummary aggregates one sync-models pass.
type ModelSummary struct {
	Total       int          `json:"total"`
	Ready       int          `json:"ready"`
	Downloading int          `json:"downloading"`
	Models      []ModelState `json:"models"`
	Errors      []string     `json:"errors,omitempty"`
}

// SyncModels pulls the desired model list and classifies each item in
// parallel: a local file matching the remote size reports progress 100 with
// no byte transfer; anything else schedules a download worker and reports
// that task's current progress.
func (s *Syncer) SyncModels(ctx context.Context) (*ModelSummary, error) {
	raw := s.plane.Get(ctx, controlplane.PathModels)
	if raw == nil {
		return nil, fmt.Errorf("hostsync: failed to fetch models list")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("hostsync: invalid models payload")
	}

	summary := &ModelSummary{
		Total:  len(items),
		Models: make([]ModelState, len(items)),
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, maxModelChecks)
	)
	for i, entry := range items {
		wg.Add(1)
		go func(i int, entry any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			state, err := s.checkModel(entry)
			mu.Lock()
			defer mu.Unlock()
			summary.Models[i] = state
			if err != nil {
				summary.Errors = append(summary.Errors, err.Error())
				return
			}
			if state.Progress == 100 {
				summary.Ready++
			} else {
				summary.Downloading++
			}
		}(i, entry)
	}
	wg.Wait()
	return summary, nil
}

// checkModel classifies one model item. A size-matching local file is a
// cache hit; a mismatching one forces delete-and-redownload.
func (s *Syncer) checkModel(entry any) (ModelState, error) {
	item, ok := entry.(map[string]any)
	if !ok {
		return ModelState{}, fmt.Errorf("malformed model item")
	}
	id := stringField(item, "id")
	url, _ := item["url"].(string)
	path, _ := item["path"].(string)
	if url == "" || path == "" {
		return ModelState{ID: id, Path: path}, fmt.Errorf("model item %s missing url or path", id)
	}

	state := ModelState{ID: id, Path: path}

	if info, err := os.Stat(s.downloads.DestPath(path)); err == nil && info.Size() > 0 {
		if expected := s.downloads.RemoteSize(url); expected > 0 && expected == info.Size() {
			state.Progress = 100
			return state, nil
		}
		// Size mismatch: the worker re-verifies, deletes and redownloads.
		task := s.downloads.Submit(url, path, true)
		state.Progress = task.Progress
		return state, nil
	}

	task := s.downloads.Submit(url, path, false)
	state.Progress = task.Progress
	return state, nil
}

// DependencyResult is one row posted back after a dependency install.
type DependencyResult struct {
	ID  string `json:"id"`
	Msg string `json:"msg"`
}

// SyncDependencies fetches the dependency list and resolves it on a
// background goroutine, posting per-item results to the control plane when
// done. The returned count is what the caller reports immediately.
func (s *Syncer) SyncDependencies(ctx context.Context) (int, error) {
	raw := s.plane.Get(ctx, controlplane.PathDependencies)
	if raw == nil {
		return 0, fmt.Errorf("hostsync: failed to fetch dependencies")
	}
	items, ok := raw.([]any)
	if !ok {
		return 0, fmt.Errorf("hostsync: invalid dependencies payload")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dependencyTimeout)
		defer cancel()

		results := s.resolveDependencies(ctx, items)
		s.logger.Info("dependency reconciliation finished",
			zap.Int("items", len(items)),
			zap.Int("results", len(results)),
		)
		if resp := s.plane.Post(ctx, controlplane.PathDependencies, map[string]any{"results": results}); resp == nil {
			s.logger.Error("failed to post dependency results")
		}
	}()

	return len(items), nil
}

// resolveDependencies processes the list sequentially. Result rows are only
// emitted for actions actually taken or refused; silent cache hits produce
// nothing.
func (s *Syncer) resolveDependencies(ctx context.Context, items []any) []DependencyResult {
	results := make([]DependencyResult, 0, len(items))

	for _, entry := range items {
		item, ok := entry.(map[string]any)
		if !ok {
			results = append(results, DependencyResult{Msg: "Malformed dependency item"})
			continue
		}
		id := stringField(item, "id")
		kind, _ := item["type"].(string)

		switch kind {
		case "custom_node":
			gitURL, _ := item["url"].(string)
			if gitURL == "" {
				gitURL, _ = item["custom_node_url"].(string)
			}
			if gitURL == "" {
				results = append(results, DependencyResult{ID: id, Msg: "Missing custom node url"})
				continue
			}
			if _, err := s.installer.Install(ctx, gitURL); err != nil {
				results = append(results, DependencyResult{ID: id, Msg: fmt.Sprintf("Failed to install custom node: %v", err)})
			} else {
				results = append(results, DependencyResult{ID: id, Msg: fmt.Sprintf("Installed custom node: %s", gitURL)})
			}

		case "model":
			results = append(results, s.resolveModelDependency(ctx, id, item)...)

		default:
			results = append(results, DependencyResult{ID: id, Msg: fmt.Sprintf("Unknown dependency type %q", kind)})
		}
	}
	return results
}

// resolveModelDependency validates and downloads one hub model dependency.
func (s *Syncer) resolveModelDependency(ctx context.Context, id string, item map[string]any) []DependencyResult {
	repoID, _ := item["model_repo_id"].(string)
	if repoID == "" {
		return []DependencyResult{{ID: id, Msg: "Missing model_repo_id"}}
	}
	modelType, _ := item["model_type"].(string)
	switch modelType {
	case "", "file", "folder", "repo":
	default:
		return []DependencyResult{{ID: id, Msg: fmt.Sprintf("Unknown model_type %q", modelType)}}
	}

	req := modelhub.Request{
		RepoID:   repoID,
		LocalDir: stringField(item, "model_local_dir"),
		Revision: stringField(item, "model_revision"),
	}
	if modelType == "file" || modelType == "" {
		req.Filename = stringField(item, "model_filename")
	}
	if patterns, ok := item["model_allow_patterns"].([]any); ok {
		for _, p := range patterns {
			if pattern, ok := p.(string); ok {
				req.AllowPatterns = append(req.AllowPatterns, pattern)
			}
		}
	}

	cached, err := s.hub.Download(ctx, req)
	if err != nil {
		return []DependencyResult{{ID: id, Msg: fmt.Sprintf("Failed to download model: %v", err)}}
	}
	if cached {
		// Already present; nothing worth reporting.
		return nil
	}
	name := req.Filename
	if name == "" {
		name = repoID
	}
	return []DependencyResult{{ID: id, Msg: fmt.Sprintf("Downloaded model: %s", name)}}
}

// stringField reads a map field that may arrive as a string or a number.
func stringField(item map[string]any, key string) string {
	switch v := item[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}
