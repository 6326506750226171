package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"settld/core/sse"
	"settld/core/store"
	"settld/gateway/middleware"
)

// TestUpsertAgentCardPublishesUpsertThenRemoved builds its own router (rather
// than newTestRouter's) because it needs a direct handle on the AgentCards
// broadcaster to subscribe to it.
func TestUpsertAgentCardPublishesUpsertThenRemoved(t *testing.T) {
	agentCards := sse.NewBroadcaster()
	st := store.NewMemory()
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	auth := middleware.NewAuthenticator(
		middleware.AuthConfig{Enabled: true},
		map[string]middleware.APIKey{"key_1": {TenantID: "tenant_a", Secret: "s3cret"}},
		nil,
	)
	router := New(Config{Store: st, AgentCards: agentCards, Authenticator: auth, Now: clock})

	sub := agentCards.Subscribe(publicAgentCardsTopic, "agent_card.upsert", "agent_card.watermark", nil)
	defer sub.Cancel()

	rec := doJSON(t, router, http.MethodPost, "/agent-cards", "idem-card-1", map[string]any{
		"agentId": "agent_1", "visibility": "public", "capabilities": []string{"payments.refund"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var created store.AgentCard
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	if created.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", created.Revision)
	}

	upsertFrame := recvFrame(t, sub.Frames)
	if upsertFrame.Event != "agent_card.upsert" {
		t.Fatalf("expected agent_card.upsert, got %s", upsertFrame.Event)
	}

	rec = doJSON(t, router, http.MethodPost, "/agent-cards", "idem-card-2", map[string]any{
		"agentId": "agent_1", "visibility": "private",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	removedFrame := recvFrame(t, sub.Frames)
	if removedFrame.Event != "agent_card.removed" {
		t.Fatalf("expected agent_card.removed, got %s", removedFrame.Event)
	}
	if removedFrame.Data["reasonCode"] != "NO_LONGER_VISIBLE" {
		t.Fatalf("expected reasonCode NO_LONGER_VISIBLE, got %v", removedFrame.Data)
	}
}

func TestUpsertAgentCardNeverPublicNeverPublishes(t *testing.T) {
	agentCards := sse.NewBroadcaster()
	st := store.NewMemory()
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	auth := middleware.NewAuthenticator(
		middleware.AuthConfig{Enabled: true},
		map[string]middleware.APIKey{"key_1": {TenantID: "tenant_a", Secret: "s3cret"}},
		nil,
	)
	router := New(Config{Store: st, AgentCards: agentCards, Authenticator: auth, Now: clock})

	rec := doJSON(t, router, http.MethodPost, "/agent-cards", "idem-card-1", map[string]any{
		"agentId": "agent_2", "visibility": "private",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if count, _, _ := agentCards.Head(publicAgentCardsTopic); count != 0 {
		t.Fatalf("expected no published candidates for a card that was never public, got count %d", count)
	}
}

func TestStreamPublicAgentCardsRateLimitedWithoutPaidKey(t *testing.T) {
	agentCards := sse.NewBroadcaster()
	auth := middleware.NewAuthenticator(
		middleware.AuthConfig{Enabled: true, OptionalPaths: []string{"/public"}, AllowAnonymous: true},
		map[string]middleware.APIKey{
			"key_free": {TenantID: "tenant_a", Secret: "s3cret"},
			"key_paid": {TenantID: "tenant_a", Secret: "s3cret", PaidToolID: "tool_1"},
		},
		nil,
	)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		RateLimitKeyPublicAgentCards: {RatePerSecond: 1, Burst: 1},
	}, nil)
	router := New(Config{
		Store: store.NewMemory(), AgentCards: agentCards, Authenticator: auth, RateLimiter: limiter,
	})

	rec := runCancelableStream(t, router, "/public/agent-cards/stream", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass under burst, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/public/agent-cards/stream", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d: %s", rec2.Code, rec2.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec2.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body["code"] != "AGENT_CARD_PUBLIC_DISCOVERY_RATE_LIMITED" {
		t.Fatalf("expected AGENT_CARD_PUBLIC_DISCOVERY_RATE_LIMITED, got %v", body)
	}

	rec3 := runCancelableStream(t, router, "/public/agent-cards/stream", "key_paid.s3cret")
	if rec3.Code != http.StatusOK {
		t.Fatalf("expected paid key to bypass the rate limit, got %d: %s", rec3.Code, rec3.Body.String())
	}
}

// runCancelableStream drives an SSE route that blocks on a live subscribe
// loop: it cancels the request context shortly after issuing the request so
// ServeHTTP returns, then returns the recorder with the response already
// fully written.
func runCancelableStream(t *testing.T, h http.Handler, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after context cancellation")
	}
	return rec
}
