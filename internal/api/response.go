// Package api implements the agent's local HTTP surface, exposed to the
// control plane through the tunnel. It uses Chi as the router. Responses
// follow the agent's wire contract: successful payloads carry
// {"success": true, ...}, failures {"success": false, "error": "..."}.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper.
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 response with success:true merged into the payload.
func Ok(w http.ResponseWriter, payload envelope) {
	body := envelope{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	JSON(w, http.StatusOK, body)
}

// Err writes an error response with success:false and a human-readable
// message, optionally merged with extra fields.
func Err(w http.ResponseWriter, status int, message string, extra ...envelope) {
	body := envelope{"success": false, "error": message}
	for _, fields := range extra {
		for k, v := range fields {
			body[k] = v
		}
	}
	JSON(w, status, body)
}

// PrettyJSON writes an indented response without HTML or unicode escaping.
// The conversion endpoint's output is read by humans and re-submitted
// verbatim, so byte shape matters.
func PrettyJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
