package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rdlogout/comfyui-agent/internal/metrics"
	"go.uber.org/zap"
)

// handleTunnelStatus reports the tunnel's public URL, liveness and port.
func (s *server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	var url any
	if u := s.cfg.Tunnel.URL(); u != "" {
		url = u
	}
	JSON(w, http.StatusOK, envelope{
		"url":     url,
		"running": s.cfg.Tunnel.Running(),
		"port":    s.cfg.Tunnel.Port(),
	})
}

// handleSyncHost forces a registration with the current host facts and
// tunnel URL.
func (s *server) handleSyncHost(w http.ResponseWriter, r *http.Request) {
	reg, err := s.cfg.Syncer.SyncHost(r.Context())
	if err != nil {
		s.logger.Error("host sync failed", zap.Error(err))
		Err(w, http.StatusInternalServerError, err.Error())
		return
	}
	Ok(w, envelope{"machine": reg})
}

// handleSyncNodes reconciles the plugin inventory against the control
// plane's desired state.
func (s *server) handleSyncNodes(w http.ResponseWriter, r *http.Request) {
	results, err := s.cfg.Syncer.SyncNodes(r.Context())
	if err != nil {
		s.logger.Error("node sync failed", zap.Error(err))
		Err(w, http.StatusInternalServerError, err.Error())
		return
	}
	Ok(w, envelope{
		"message": "Custom nodes installation completed",
		"results": results,
	})
}

// handleSyncModels reconciles the model inventory; per-item checks run in
// parallel inside the syncer.
func (s *server) handleSyncModels(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Syncer.SyncModels(r.Context())
	if err != nil {
		s.logger.Error("model sync failed", zap.Error(err))
		Err(w, http.StatusInternalServerError, err.Error())
		return
	}
	Ok(w, envelope{
		"models":      summary.Models,
		"total":       summary.Total,
		"ready":       summary.Ready,
		"downloading": summary.Downloading,
		"errors":      summary.Errors,
	})
}

// handleDependencies kicks off background dependency reconciliation and
// returns immediately; results are posted to the control plane when done.
func (s *server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	count, err := s.cfg.Syncer.SyncDependencies(r.Context())
	if err != nil {
		s.logger.Error("dependency sync failed", zap.Error(err))
		Err(w, http.StatusInternalServerError, err.Error())
		return
	}
	Ok(w, envelope{"status": "processing", "count": count})
}

// handleWorkflowRun pulls the pending run list and queues every item.
func (s *server) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Orchestrator.ProcessPending(r.Context())
	if err != nil {
		s.logger.Error("workflow run processing failed", zap.Error(err))
		Err(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.RunsQueued.Add(float64(summary.Queued))
	metrics.RunsFailed.Add(float64(summary.Failed))
	Ok(w, envelope{
		"results": summary,
		"message": fmt.Sprintf("Processed %d workflow items", summary.Processed),
	})
}

// handleQueuePrompt submits a single prompt directly. The body is either
// {"prompt": {...}, "id": "..."} or a bare execution-format object.
func (s *server) handleQueuePrompt(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Err(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	id := ""
	prompt := body
	if wrapped, ok := body["prompt"].(map[string]any); ok {
		prompt = wrapped
		id, _ = body["id"].(string)
	}
	if len(prompt) == 0 {
		Err(w, http.StatusBadRequest, "Missing prompt")
		return
	}

	resp, err := s.cfg.Orchestrator.Queue(r.Context(), id, prompt)
	if err != nil {
		metrics.RunsFailed.Inc()
		Err(w, http.StatusBadGateway, err.Error())
		return
	}
	metrics.RunsQueued.Inc()
	Ok(w, envelope{
		"prompt_id": resp.PromptID,
		"number":    resp.Number,
		"message":   "Workflow processed and queued successfully",
	})
}

// handlePullUpdate clones or fast-forwards the agent's own repository.
func (s *server) handlePullUpdate(w http.ResponseWriter, r *http.Request) {
	result, err := s.cfg.Updater.Run(r.Context())
	if err != nil {
		s.logger.Error("pull update failed", zap.Error(err))
		Err(w, http.StatusInternalServerError, err.Error())
		return
	}
	Ok(w, envelope{"updated": result.Updated, "message": result.Message})
}
