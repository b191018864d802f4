package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/rdlogout/comfyui-agent/internal/metrics"
	"github.com/rdlogout/comfyui-agent/internal/workflow"
	"go.uber.org/zap"
)

// maxWorkflowBody bounds a submitted workflow document. Editor graphs with
// embedded previews can be large, but not this large.
const maxWorkflowBody = 32 << 20

// handleConvertInfo serves the human-facing banner for browsers poking the
// conversion endpoint.
func (s *server) handleConvertInfo(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, envelope{
		"service": "workflow converter",
		"usage":   "POST an editor-format workflow to this endpoint to receive the execution format",
	})
}

// handleConvert normalizes a workflow document. Execution-format input
// passes through unchanged; output is pretty-printed without unicode
// escaping.
func (s *server) handleConvert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWorkflowBody))
	if err != nil {
		Err(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	result, err := s.cfg.Normalizer.Normalize(r.Context(), body)
	if err != nil {
		if errors.Is(err, workflow.ErrInvalidFormat) {
			Err(w, http.StatusBadRequest, "Invalid workflow format - missing nodes or links")
			return
		}
		s.logger.Error("workflow conversion failed", zap.Error(err))
		Err(w, http.StatusBadRequest, err.Error())
		return
	}

	metrics.WorkflowConversions.Inc()
	PrettyJSON(w, http.StatusOK, result)
}
