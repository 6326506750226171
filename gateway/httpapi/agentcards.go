package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"settld/core/sse"
	"settld/core/store"
	"settld/gateway/middleware"
)

const publicAgentCardsTopic = "public-agent-cards"

// RateLimitKeyPublicAgentCards is the gateway/middleware.RateLimit bucket
// key the public agent-card discovery stream's rate limit is configured
// under; exported so cmd/settld-api can build the RateLimiter's limits map
// with the same key this handler looks up.
const RateLimitKeyPublicAgentCards = "public-agent-cards"

// streamPublicAgentCards serves the unauthenticated public-card SSE stream.
// Only agent cards with visibility "public" are ever published to this
// topic (upsertAgentCard's publishAgentCardChange decides that on write),
// so delivery-time filtering only ever narrows within that already-public
// set.
func (h *handlers) streamPublicAgentCards(w http.ResponseWriter, r *http.Request) {
	if !h.allowPublicAgentCardDiscovery(r) {
		writeErrorCode(w, http.StatusTooManyRequests, "AGENT_CARD_PUBLIC_DISCOVERY_RATE_LIMITED", "rate limit exceeded")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	cursor, err := sse.ResolveCursor(r.Header.Get("Last-Event-ID"), resolveQueryCursor(r.URL.Query()))
	if err != nil {
		writeError(w, err)
		return
	}

	count, firstID, lastID := int64(0), "", ""
	if h.cfg.AgentCards != nil {
		count, firstID, lastID = h.cfg.AgentCards.Head(publicAgentCardsTopic)
	}
	snap, err := sse.BuildAgentCardsHeadSnapshot(count, firstID, lastID, cursor)
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
	writeSSEFrame(w, readyFrame("agent_cards.ready", snap))
	flusher.Flush()

	if h.cfg.AgentCards == nil {
		return
	}
	sub := h.cfg.AgentCards.Subscribe(publicAgentCardsTopic, "agent_card.upsert", "agent_card.watermark", filter)
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

// allowPublicAgentCardDiscovery applies the public stream's rate limit,
// bypassed for a request bearing a valid API key provisioned with a paid
// toolId (spec §4.4's paid/rate-limit bypass rule). A nil RateLimiter
// disables the limit entirely (matches every other optional Config layer).
func (h *handlers) allowPublicAgentCardDiscovery(r *http.Request) bool {
	if h.cfg.RateLimiter == nil {
		return true
	}
	if h.cfg.Authenticator != nil {
		if token := middleware.ExtractBearer(r.Header.Get("Authorization")); token != "" {
			if _, ok := h.cfg.Authenticator.ResolvePaidToolID(token); ok {
				return true
			}
		}
	}
	return h.cfg.RateLimiter.Allow(RateLimitKeyPublicAgentCards, middleware.ClientID(r))
}

type upsertAgentCardRequest struct {
	AgentID      string   `json:"agentId"`
	Visibility   string   `json:"visibility"`
	Capabilities []string `json:"capabilities"`
	Host         string   `json:"host"`
	Tools        []string `json:"tools"`
}

// upsertAgentCard creates or updates the caller's agent card and publishes
// the resulting agent_card.upsert/agent_card.removed frame to the public
// stream. Visibility is the only field that changes which event fires: a
// card entering "public" is an upsert, one leaving it is a removal with
// reasonCode NO_LONGER_VISIBLE, and one that was never public publishes
// nothing.
func (h *handlers) upsertAgentCard(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	var req upsertAgentCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "malformed request body")
		return
	}
	if req.AgentID == "" || req.Visibility == "" {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "agentId and visibility are required")
		return
	}

	previous, err := h.cfg.Store.GetAgentCard(r.Context(), tenantID, req.AgentID)
	if err != nil {
		if _, ok := err.(*store.NotFoundError); !ok {
			writeError(w, err)
			return
		}
		previous = nil
	}
	revision := int64(1)
	if previous != nil {
		revision = previous.Revision + 1
	}

	now := h.cfg.Now().UTC().Format(time.RFC3339Nano)
	card := store.AgentCard{
		AgentID: req.AgentID, TenantID: tenantID, Visibility: req.Visibility,
		Capabilities: req.Capabilities, Host: req.Host, Tools: req.Tools,
		UpdatedAt: now, Revision: revision,
	}
	batch := store.Batch{At: now, Ops: []store.Op{store.AgentCardUpsertOp{Card: card}}}
	if err := h.cfg.Store.CommitTx(r.Context(), batch); err != nil {
		writeError(w, err)
		return
	}

	h.publishAgentCardChange(previous, card)
	writeJSON(w, http.StatusOK, card)
}

func (h *handlers) publishAgentCardChange(previous *store.AgentCard, card store.AgentCard) {
	if h.cfg.AgentCards == nil {
		return
	}
	wasPublic := previous != nil && previous.Visibility == "public"
	isPublic := card.Visibility == "public"
	id := card.AgentID + "@" + strconv.FormatInt(card.Revision, 10)

	if isPublic {
		h.cfg.AgentCards.Publish(publicAgentCardsTopic, sse.Candidate{ID: id, Payload: map[string]any{
			"agentId": card.AgentID, "visibility": card.Visibility, "capabilities": card.Capabilities,
			"host": card.Host, "tools": card.Tools, "updatedAt": card.UpdatedAt, "revision": card.Revision,
		}})
		return
	}
	if wasPublic {
		h.cfg.AgentCards.Publish(publicAgentCardsTopic, sse.Candidate{
			ID: id, Event: "agent_card.removed",
			Payload: map[string]any{"agentId": card.AgentID, "reasonCode": "NO_LONGER_VISIBLE"},
		})
	}
}
