package api

import (
	"fmt"
	"net/http"
)

// handlePromptStatus merges the progress map, backend history and backend
// queue into one status object for a single job id.
func (s *server) handlePromptStatus(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Tracker.Connected() {
		Err(w, http.StatusServiceUnavailable,
			"ComfyUI WebSocket service is not connected",
			envelope{"service_status": "disconnected"})
		return
	}

	promptID := r.URL.Query().Get("id")
	if promptID == "" {
		Err(w, http.StatusBadRequest, "Missing required query parameter: id")
		return
	}

	data, found := s.cfg.Orchestrator.PromptStatus(r.Context(), promptID)
	if !found {
		Err(w, http.StatusNotFound,
			fmt.Sprintf("No progress data found for prompt_id: %s", promptID),
			envelope{"prompt_id": promptID})
		return
	}

	Ok(w, envelope{
		"prompt_id":      promptID,
		"data":           data,
		"service_status": "connected",
	})
}

// handleAllPromptStatus dumps the progress map.
func (s *server) handleAllPromptStatus(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Tracker.Connected() {
		Err(w, http.StatusServiceUnavailable,
			"ComfyUI WebSocket service is not connected",
			envelope{"service_status": "disconnected"})
		return
	}

	all := s.cfg.Tracker.All()
	Ok(w, envelope{
		"data":           all,
		"count":          len(all),
		"service_status": "connected",
	})
}

// handleServiceStatus reports the subscriber connection flag.
func (s *server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	connected := s.cfg.Tracker.Connected()
	status := "disconnected"
	if connected {
		status = "connected"
	}
	Ok(w, envelope{"service_status": status, "connected": connected})
}
