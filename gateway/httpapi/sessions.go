package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"settld/core/chainlog"
	"settld/core/sse"
	"settld/core/store"
	"settld/gateway/middleware"
)

// Session event types a gateway client may append. The registry is closed:
// any other type is rejected before it ever reaches chainlog.Append.
const (
	EventTypeMessage    = "session.message"
	EventTypeToolCall   = "session.tool_call"
	EventTypeToolResult = "session.tool_result"
	EventTypeStatus     = "session.status"
)

func init() {
	for _, t := range []string{EventTypeMessage, EventTypeToolCall, EventTypeToolResult, EventTypeStatus} {
		eventType := t
		chainlog.RegisterPayloadType(eventType, func() any { return map[string]any{} })
	}
}

const headerExpectedPrevChainHash = "X-Proxy-Expected-Prev-Chain-Hash"

type createSessionRequest struct {
	Visibility   string   `json:"visibility"`
	Participants []string `json:"participants"`
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "malformed request body")
		return
	}
	if req.Visibility == "" {
		req.Visibility = "tenant"
	}
	now := h.cfg.Now().UTC().Format(time.RFC3339Nano)
	session := store.Session{
		SessionID:    "sess_" + uuid.NewString(),
		TenantID:     tenantID,
		Visibility:   req.Visibility,
		Participants: req.Participants,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	batch := store.Batch{At: now, Ops: []store.Op{store.SessionCreateOp{Session: session}}}
	if err := h.cfg.Store.CommitTx(r.Context(), batch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

type appendEventRequest struct {
	Type    string         `json:"type"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

func (h *handlers) appendSessionEvent(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	if _, err := h.cfg.Store.GetSession(r.Context(), tenantID, sessionID); err != nil {
		writeError(w, err)
		return
	}

	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "malformed request body")
		return
	}
	if !chainlog.IsRegisteredType(req.Type) {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "unknown event type: "+req.Type)
		return
	}

	var expectedPrev *string
	if v := r.Header.Get(headerExpectedPrevChainHash); v != "" {
		expectedPrev = &v
	}

	now := h.cfg.Now().UTC().Format(time.RFC3339Nano)
	draft := chainlog.CreateEvent(chainlog.CreateEventInput{
		StreamID: sessionID, Type: req.Type, Actor: req.Actor, Payload: req.Payload, At: now,
		ID: "evt_" + uuid.NewString(),
	})
	batch := store.Batch{At: now, Ops: []store.Op{store.SessionAppendEventOp{
		SessionID: sessionID, Draft: draft, ExpectedPrevChain: expectedPrev,
	}}}
	if err := h.cfg.Store.CommitTx(r.Context(), batch); err != nil {
		writeError(w, err)
		return
	}

	rec, err := h.cfg.Store.GetSessionEvent(r.Context(), sessionID, draft.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.cfg.Sessions != nil {
		h.cfg.Sessions.Publish(sessionID, sse.Candidate{ID: rec.EventID, Payload: map[string]any{
			"id": rec.EventID, "type": rec.Type, "at": rec.At, "actor": rec.Actor,
			"payload": rec.Payload, "chainHash": rec.ChainHash,
		}})
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handlers) streamSessionEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")

	if _, err := h.cfg.Store.GetSession(r.Context(), tenantID, sessionID); err != nil {
		writeError(w, err)
		return
	}

	cursor, err := sse.ResolveCursor(r.Header.Get("Last-Event-ID"), resolveQueryCursor(r.URL.Query()))
	if err != nil {
		writeError(w, err)
		return
	}
	if cursor != "" {
		if _, err := h.cfg.Store.GetSessionEvent(r.Context(), sessionID, cursor); err != nil {
			writeJSON(w, http.StatusConflict, errorBody{Code: "SESSION_EVENT_CURSOR_INVALID", Message: "cursor does not resolve to a known event", Details: map[string]any{"reasonCode": "SESSION_EVENT_CURSOR_NOT_FOUND"}})
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	head, err := h.cfg.Store.GetStreamHead(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	firstEventID := ""
	if head.EventCount > 0 {
		first, err := h.cfg.Store.ListSessionEvents(r.Context(), sessionID, "", 1)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(first) > 0 {
			firstEventID = first[0].EventID
		}
	}
	snap, err := sse.BuildSessionHeadSnapshot(head, firstEventID, cursor)
	if err != nil {
		writeError(w, err)
		return
	}

	backlog, err := h.cfg.Store.ListSessionEvents(r.Context(), sessionID, cursor, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	filter := parseFilterSpec(r.URL.Query()).Build()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	writeHeadSnapshotHeaders(w, snap)
	w.WriteHeader(http.StatusOK)

	writeSSEFrame(w, readyFrame("session.ready", snap))
	for _, rec := range backlog {
		candidate := sse.Candidate{ID: rec.EventID, Payload: map[string]any{
			"id": rec.EventID, "type": rec.Type, "at": rec.At, "actor": rec.Actor,
			"payload": rec.Payload, "chainHash": rec.ChainHash,
		}}
		if filter(candidate) {
			writeSSEFrame(w, sse.Frame{Event: "session.event", ID: rec.EventID, Data: candidate.Payload})
		} else {
			writeSSEFrame(w, sse.Frame{Event: "session.watermark", ID: rec.EventID, Data: map[string]any{"id": rec.EventID}})
		}
	}
	flusher.Flush()

	if h.cfg.Sessions == nil {
		return
	}
	sub := h.cfg.Sessions.Subscribe(sessionID, "session.event", "session.watermark", filter)
	defer sub.Cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.Frames:
			if !ok {
				return
			}
			writeSSEFrame(w, frame)
			flusher.Flush()
		}
	}
}
