// Package httpapi is the HTTP/SSE adapter: chi handlers translating the
// external interface onto core/store, core/x402, core/sse, core/bundle,
// and core/governance. Composed the way gateway/routes/router.go composes
// route groups.
package httpapi

import (
	"encoding/json"
	"net/http"

	"settld/core/governance"
	"settld/core/sse"
	"settld/core/store"
	"settld/core/x402"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// writeError maps a returned error onto the HTTP response. GateError and
// CursorError already carry a status/code; everything else falls back to a
// generic 500 so a forgotten case never leaks a raw Go error string.
func writeError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *x402.GateError:
		writeJSON(w, e.HTTPStatus, errorBody{Code: e.Code, Message: e.Message, Details: e.Details})
	case *x402.PolicyViolation:
		writeErrorCode(w, http.StatusConflict, "X402_WALLET_POLICY_VIOLATION", e.Error())
	case *sse.CursorError:
		status := http.StatusBadRequest
		if e.Code == "SESSION_EVENT_CURSOR_CONFLICT" || e.ReasonCode == "SESSION_EVENT_CURSOR_NOT_FOUND" {
			status = http.StatusConflict
		}
		writeErrorCode(w, status, e.Code, e.Error())
	case *governance.GovernanceError:
		writeErrorCode(w, http.StatusForbidden, e.ReasonCode, e.Error())
	case *store.NotFoundError:
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", e.Error())
	case *store.ConflictError:
		writeErrorCode(w, http.StatusConflict, "CONFLICT", e.Error())
	default:
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
