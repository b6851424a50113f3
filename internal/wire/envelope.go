// Package wire holds the shared response envelope, SSE framer, and request
// ID generation used across the sandbox HTTP server, bridge, and edge
// router — one schema module so all three stay in lockstep.
package wire

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/goclaw/internal/apperr"
)

// timeNow is overridable in tests.
var timeNow = time.Now

// WriteJSON writes v as a JSON success envelope: {success:true, ...v,
// timestamp}. v must marshal to a JSON object (a struct or map), since its
// fields are spliced alongside success/timestamp.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	body := mergeEnvelope(map[string]any{"success": true}, payload)
	body["timestamp"] = timeNow().UTC().Format(time.RFC3339)
	writeJSON(w, status, body)
}

// WriteError renders err as the {success:false, error, code, details,
// timestamp} envelope. Non-*apperr.Error values are converted to an
// INTERNAL_ERROR with a fresh request id; the original error is logged
// (never surfaced to the client).
func WriteError(w http.ResponseWriter, err error) {
	e := apperr.As(err)
	if e == nil {
		reqID := uuid.NewString()
		slog.Error("unhandled internal error", "error", err, "requestId", reqID)
		e = apperr.Internal(reqID)
	}
	body := map[string]any{
		"success":   false,
		"error":     e.Message,
		"code":      e.Code,
		"timestamp": timeNow().UTC().Format(time.RFC3339),
	}
	if e.Details != nil {
		body["details"] = e.Details
	}
	writeJSON(w, e.Status, body)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func mergeEnvelope(base map[string]any, payload any) map[string]any {
	if payload == nil {
		return base
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return base
	}
	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err != nil {
		return base
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}

// SetCORSHeaders applies a permissive CORS policy to every JSON
// response.
func SetCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// HandlePreflight writes a 204 response for an OPTIONS request and reports
// whether it did so (callers should return immediately when true).
func HandlePreflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	SetCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
	return true
}
