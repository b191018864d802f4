package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// PromptStatus merges the three local views of one job id: the live
// progress map, the backend's history record (terminal state, artifacts,
// timestamps) and the backend's queue (not-yet-started jobs). The second
// return is false when the id is unknown everywhere.
func (o *Orchestrator) PromptStatus(ctx context.Context, promptID string) (map[string]any, bool) {
	merged := make(map[string]any)
	found := false

	if entry, ok := o.tracker.Get(promptID); ok {
		found = true
		mergeFields(merged, entry)
	}

	if history, err := o.backend.History(ctx, promptID); err == nil && history != nil {
		found = true
		applyHistory(merged, history)
	} else if !found {
		// Not executing and no history: the job may still be waiting in
		// the backend queue.
		if state := o.queuePosition(ctx, promptID); state != "" {
			found = true
			merged["status"] = state
			merged["progress"] = 0.0
		}
	}

	return merged, found
}

// queuePosition reports "running" or "pending" when the id sits in the
// backend queue, "" otherwise.
func (o *Orchestrator) queuePosition(ctx context.Context, promptID string) string {
	queue, err := o.backend.Queue(ctx)
	if err != nil || queue == nil {
		return ""
	}
	if queueContains(queue["queue_running"], promptID) {
		return "running"
	}
	if queueContains(queue["queue_pending"], promptID) {
		return "pending"
	}
	return ""
}

// queueContains scans a backend queue array; each entry is a tuple whose
// second element is the prompt id.
func queueContains(section any, promptID string) bool {
	entries, ok := section.([]any)
	if !ok {
		return false
	}
	for _, entry := range entries {
		tuple, ok := entry.([]any)
		if !ok || len(tuple) < 2 {
			continue
		}
		if id, ok := tuple[1].(string); ok && id == promptID {
			return true
		}
	}
	return false
}

// applyHistory folds a backend history record into the status object:
// terminal status, execution timestamps, the error message when present and
// the produced artifact URLs.
func applyHistory(merged map[string]any, history map[string]any) {
	status := "completed"
	if statusObj, ok := history["status"].(map[string]any); ok {
		if s, ok := statusObj["status_str"].(string); ok && s == "error" {
			status = "error"
		}
		start, end, errMsg := timeline(statusObj["messages"])
		if start != 0 {
			merged["started_at"] = start
		}
		if end != 0 {
			merged["ended_at"] = end
		}
		if errMsg != "" {
			status = "error"
			merged["error"] = errMsg
		}
	}
	merged["status"] = status
	if status == "completed" {
		merged["progress"] = 100.0
	}
	if files := artifactURLs(history["outputs"]); len(files) > 0 {
		merged["files"] = files
	}
}

// timeline extracts start/end timestamps and any error message from the
// history's message log, a list of [kind, data] tuples.
func timeline(messages any) (start, end int64, errMsg string) {
	rows, ok := messages.([]any)
	if !ok {
		return 0, 0, ""
	}
	for _, row := range rows {
		tuple, ok := row.([]any)
		if !ok || len(tuple) < 2 {
			continue
		}
		kind, _ := tuple[0].(string)
		data, _ := tuple[1].(map[string]any)
		ts := int64(0)
		if f, ok := data["timestamp"].(float64); ok {
			ts = int64(f)
		}
		switch kind {
		case "execution_start":
			start = ts
		case "execution_success":
			end = ts
		case "execution_error":
			end = ts
			if msg, ok := data["exception_message"].(string); ok {
				errMsg = msg
			}
		}
	}
	return start, end, errMsg
}

// artifactURLs flattens the history's per-node outputs into backend view
// URLs. The /api/view query-string shape is part of the contract with the
// control plane.
func artifactURLs(outputs any) []string {
	nodes, ok := outputs.(map[string]any)
	if !ok {
		return nil
	}
	var files []string
	for _, nodeOutputs := range nodes {
		fields, ok := nodeOutputs.(map[string]any)
		if !ok {
			continue
		}
		for _, field := range fields {
			rows, ok := field.([]any)
			if !ok {
				continue
			}
			for _, row := range rows {
				artifact, ok := row.(map[string]any)
				if !ok {
					continue
				}
				filename, _ := artifact["filename"].(string)
				if filename == "" {
					continue
				}
				kind, _ := artifact["type"].(string)
				subfolder, _ := artifact["subfolder"].(string)
				files = append(files, fmt.Sprintf("/api/view?filename=%s&type=%s&subfolder=%s",
					url.QueryEscape(filename), url.QueryEscape(kind), url.QueryEscape(subfolder)))
			}
		}
	}
	return files
}

// mergeFields flattens a struct's JSON fields into the status object.
func mergeFields(dst map[string]any, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}
	for k, val := range fields {
		dst[k] = val
	}
}
