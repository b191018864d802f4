// Package orchestrator drives workflow runs end to end: pull pending items
// from the control plane, localize their external assets, submit them to the
// backend queue and acknowledge the outcome. Runs are never retried here;
// the control plane re-enqueues failures.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rdlogout/comfyui-agent/internal/assets"
	"github.com/rdlogout/comfyui-agent/internal/backend"
	"github.com/rdlogout/comfyui-agent/internal/controlplane"
	"github.com/rdlogout/comfyui-agent/internal/progress"
	"go.uber.org/zap"
)

// Summary aggregates one processing pass over the pending run list.
type Summary struct {
	Total     int      `json:"total"`
	Processed int      `json:"processed"`
	Queued    int      `json:"queued"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

// Orchestrator connects the control plane's run queue to the backend.
type Orchestrator struct {
	plane    *controlplane.Client
	backend  *backend.Client
	rewriter *assets.Rewriter
	tracker  *progress.Tracker
	logger   *zap.Logger
}

// New creates an Orchestrator.
func New(plane *controlplane.Client, be *backend.Client, rewriter *assets.Rewriter, tracker *progress.Tracker, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		plane:    plane,
		backend:  be,
		rewriter: rewriter,
		tracker:  tracker,
		logger:   logger.Named("orchestrator"),
	}
}

// ProcessPending fetches the pending workflow runs and queues each item
// sequentially, returning the aggregate summary. An unreachable control
// plane is the only whole-pass error.
func (o *Orchestrator) ProcessPending(ctx context.Context) (*Summary, error) {
	raw := o.plane.Get(ctx, controlplane.PathWorkflowRuns)
	if raw == nil {
		return nil, errors.New("orchestrator: failed to fetch workflow items")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errors.New("orchestrator: invalid workflow items format")
	}

	o.logger.Info("processing workflow runs", zap.Int("count", len(items)))
	summary := &Summary{Total: len(items), Errors: []string{}}

	for _, entry := range items {
		item, ok := entry.(map[string]any)
		if !ok {
			summary.Failed++
			summary.Errors = append(summary.Errors, "Malformed workflow item")
			continue
		}
		id := itemID(item["id"])
		if id == "" {
			summary.Failed++
			summary.Errors = append(summary.Errors, "Missing item ID")
			continue
		}
		prompt, ok := item["prompt"].(map[string]any)
		if !ok || len(prompt) == 0 {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("Missing prompt for item %s", id))
			continue
		}

		summary.Processed++
		if _, err := o.Queue(ctx, id, prompt); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("Failed to queue item %s: %v", id, err))
			continue
		}
		summary.Queued++
		o.logger.Info("queued workflow item", zap.String("id", id))
	}
	return summary, nil
}

// Queue localizes one prompt's assets and submits it to the backend. When a
// run id is supplied the outcome is acknowledged to the control plane: the
// queued prompt id on the run's queue route, a failed submit on the run's
// own route with the raw backend message.
func (o *Orchestrator) Queue(ctx context.Context, id string, prompt map[string]any) (*backend.QueueResponse, error) {
	localized, ok := o.rewriter.Rewrite(ctx, prompt).(map[string]any)
	if !ok {
		localized = prompt
	}

	resp, err := o.backend.QueuePrompt(ctx, localized)
	if err != nil {
		if id != "" {
			o.plane.PostAsync(controlplane.PathRun(id), map[string]any{
				"status": "failed",
				"error":  err.Error(),
			})
		}
		return nil, err
	}

	if id != "" {
		o.plane.PostAsync(controlplane.PathRunQueue(id), map[string]any{
			"prompt_id": resp.PromptID,
		})
	}
	return resp, nil
}

// itemID accepts both string and numeric run ids.
func itemID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	}
	return ""
}
