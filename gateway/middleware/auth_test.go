package middleware

import (
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(
		AuthConfig{Enabled: true},
		map[string]APIKey{"key_1": {TenantID: "tenant_a", Secret: "s3cret"}},
		log.New(log.Writer(), "", 0),
	)
}

func TestAuthenticatorAcceptsValidKey(t *testing.T) {
	a := newTestAuthenticator()
	var gotTenant string
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, _ = TenantIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer key_1.s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotTenant != "tenant_a" {
		t.Fatalf("expected tenant_a in context, got %q", gotTenant)
	}
}

func TestAuthenticatorRejectsWrongSecret(t *testing.T) {
	a := newTestAuthenticator()
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer key_1.wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticatorRejectsMissingHeader(t *testing.T) {
	a := newTestAuthenticator()
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticatorAllowsOptionalAnonymousPath(t *testing.T) {
	a := NewAuthenticator(
		AuthConfig{Enabled: true, OptionalPaths: []string{"/public"}, AllowAnonymous: true},
		map[string]APIKey{},
		nil,
	)
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/public/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for optional anonymous path, got %d", rec.Code)
	}
}

func TestAuthenticatorAcceptsValidJWT(t *testing.T) {
	a := NewAuthenticator(
		AuthConfig{Enabled: true, JWT: JWTConfig{Enabled: true, HMACSecret: "jwtsecret"}},
		map[string]APIKey{},
		log.New(log.Writer(), "", 0),
	)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenantId": "tenant_b",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("jwtsecret"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}

	var gotTenant string
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, _ = TenantIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotTenant != "tenant_b" {
		t.Fatalf("expected tenant_b in context, got %q", gotTenant)
	}
}

func TestAuthenticatorRejectsJWTWithWrongSecret(t *testing.T) {
	a := NewAuthenticator(
		AuthConfig{Enabled: true, JWT: JWTConfig{Enabled: true, HMACSecret: "jwtsecret"}},
		map[string]APIKey{},
		log.New(log.Writer(), "", 0),
	)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenantId": "tenant_b"})
	signed, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}

	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticatorRejectsJWTMissingTenantClaim(t *testing.T) {
	a := NewAuthenticator(
		AuthConfig{Enabled: true, JWT: JWTConfig{Enabled: true, HMACSecret: "jwtsecret"}},
		map[string]APIKey{},
		log.New(log.Writer(), "", 0),
	)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "caller_1"})
	signed, err := token.SignedString([]byte("jwtsecret"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}

	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestParseAPIKeysEmptyReturnsEmptyMap(t *testing.T) {
	keys, err := ParseAPIKeys("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %+v", keys)
	}
}

func TestParseAPIKeysDecodesEntries(t *testing.T) {
	raw := `[{"keyId":"key_1","tenantId":"tenant_a","secret":"s3cret"}]`
	keys, err := ParseAPIKeys(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key, ok := keys["key_1"]
	if !ok || key.TenantID != "tenant_a" || key.Secret != "s3cret" {
		t.Fatalf("unexpected keys: %+v", keys)
	}
}

func TestParseAPIKeysRejectsMissingFields(t *testing.T) {
	if _, err := ParseAPIKeys(`[{"keyId":"key_1"}]`); err == nil {
		t.Fatalf("expected error for entry missing tenantId/secret")
	}
}

func TestParseAPIKeysRejectsMalformedJSON(t *testing.T) {
	if _, err := ParseAPIKeys(`not json`); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}
