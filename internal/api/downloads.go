package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// downloadRequest is the single-item download submit body.
type downloadRequest struct {
	URL   string `json:"url"`
	Path  string `json:"path"`
	Force bool   `json:"force"`
}

// handleDownloadModel schedules one byte download under the install root.
func (s *server) handleDownloadModel(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Err(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if req.URL == "" || req.Path == "" {
		Err(w, http.StatusBadRequest, "url and path are required")
		return
	}

	task := s.cfg.Downloads.Submit(req.URL, req.Path, req.Force)
	Ok(w, envelope{"task": task})
}

// handleDownloadProgress reports one task. The task id embeds the source
// URL, so it arrives either as the wildcard remainder of the path or as the
// id query parameter.
func (s *server) handleDownloadProgress(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("id")
	if taskID == "" {
		taskID = chi.URLParam(r, "*")
	}
	if taskID == "" {
		Err(w, http.StatusBadRequest, "Missing task id")
		return
	}

	task, ok := s.cfg.Downloads.Get(taskID)
	if !ok {
		Err(w, http.StatusNotFound, fmt.Sprintf("No task found for id: %s", taskID))
		return
	}
	Ok(w, envelope{"task": task})
}

// handleDownloadTasks enumerates every download task.
func (s *server) handleDownloadTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.cfg.Downloads.All()
	Ok(w, envelope{"tasks": tasks, "count": len(tasks)})
}
