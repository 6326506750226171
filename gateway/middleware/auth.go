package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// APIKey is one tenant-scoped credential: a keyId maps to exactly one
// tenant and carries the shared secret checked against the bearer token.
type APIKey struct {
	TenantID string
	Secret   string
	// PaidToolID, if set, marks this key as provisioned for a paid toolId —
	// checked by the public agent-card discovery stream's rate-limit bypass.
	PaidToolID string
}

// AuthConfig controls the Authenticator's enforcement behavior.
type AuthConfig struct {
	Enabled        bool
	OptionalPaths  []string
	AllowAnonymous bool
	JWT            JWTConfig
}

// JWTConfig enables a second bearer scheme alongside the static
// "<keyId>.<secret>" credential: an HS256 JWT whose "tenantId" claim
// names the caller's tenant, for remote signer callers that mint their
// own short-lived tokens instead of holding a standing API key.
type JWTConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
}

type contextKey string

const (
	ContextKeyTenantID contextKey = "gateway.tenantId"
	ContextKeyKeyID    contextKey = "gateway.keyId"
)

// Authenticator checks the "Authorization: Bearer <keyId>.<secret>" scheme
// against a fixed set of per-tenant API keys.
type Authenticator struct {
	cfg       AuthConfig
	logger    *log.Logger
	mu        sync.RWMutex
	keys      map[string]APIKey
	jwtSecret []byte
}

// NewAuthenticator constructs an Authenticator over keys, keyed by keyId.
func NewAuthenticator(cfg AuthConfig, keys map[string]APIKey, logger *log.Logger) *Authenticator {
	if logger == nil {
		logger = log.Default()
	}
	copied := make(map[string]APIKey, len(keys))
	for k, v := range keys {
		copied[k] = v
	}
	return &Authenticator{cfg: cfg, logger: logger, keys: copied, jwtSecret: []byte(cfg.JWT.HMACSecret)}
}

// apiKeyEntry is one element of the APIKeys JSON array: [{"keyId":"...",
// "tenantId":"...","secret":"..."}, ...].
type apiKeyEntry struct {
	KeyID      string `json:"keyId"`
	TenantID   string `json:"tenantId"`
	Secret     string `json:"secret"`
	PaidToolID string `json:"paidToolId"`
}

// ParseAPIKeys decodes the APIKeys JSON array accepted via the APIKeys
// config field, the same array-of-objects shape
// services/escrow-gateway/config.go parses out of ESCROW_GATEWAY_API_KEYS.
func ParseAPIKeys(raw string) (map[string]APIKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]APIKey{}, nil
	}
	var entries []apiKeyEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("middleware: parse api keys: %w", err)
	}
	keys := make(map[string]APIKey, len(entries))
	for _, entry := range entries {
		keyID := strings.TrimSpace(entry.KeyID)
		tenantID := strings.TrimSpace(entry.TenantID)
		secret := strings.TrimSpace(entry.Secret)
		if keyID == "" || tenantID == "" || secret == "" {
			return nil, errors.New("middleware: api key entries must include keyId, tenantId, and secret")
		}
		keys[keyID] = APIKey{TenantID: tenantID, Secret: secret, PaidToolID: strings.TrimSpace(entry.PaidToolID)}
	}
	return keys, nil
}

// SetKey installs or rotates a single API key without disturbing others,
// so a key rotation never requires rebuilding the whole Authenticator.
func (a *Authenticator) SetKey(keyID string, key APIKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[keyID] = key
}

// Middleware authenticates every request, attaching the resolved tenantId
// and keyId to the request context on success.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			if a.isOptional(r.URL.Path) && a.cfg.AllowAnonymous {
				next.ServeHTTP(w, r)
				return
			}
			token := ExtractBearer(r.Header.Get("Authorization"))
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if a.cfg.JWT.Enabled && looksLikeJWT(token) {
				tenantID, err := a.verifyJWT(token)
				if err != nil {
					a.logger.Printf("auth: rejected jwt: %v", err)
					http.Error(w, "invalid bearer token", http.StatusUnauthorized)
					return
				}
				ctx := context.WithValue(r.Context(), ContextKeyTenantID, tenantID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			keyID, secret, ok := splitKeyToken(token)
			if !ok {
				http.Error(w, "malformed bearer token", http.StatusUnauthorized)
				return
			}
			a.mu.RLock()
			key, found := a.keys[keyID]
			a.mu.RUnlock()
			if !found || subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) != 1 {
				a.logger.Printf("auth: rejected key %q", keyID)
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyTenantID, key.TenantID)
			ctx = context.WithValue(ctx, ContextKeyKeyID, keyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ResolvePaidToolID checks a static "<keyId>.<secret>" bearer token and
// returns the paid toolId it's provisioned for, if any. Unlike Middleware,
// this never rejects the request — callers use it only to decide a rate
// limit bypass, falling back to the limiter on any failure to resolve.
func (a *Authenticator) ResolvePaidToolID(token string) (string, bool) {
	keyID, secret, ok := splitKeyToken(token)
	if !ok {
		return "", false
	}
	a.mu.RLock()
	key, found := a.keys[keyID]
	a.mu.RUnlock()
	if !found || subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) != 1 {
		return "", false
	}
	if key.PaidToolID == "" {
		return "", false
	}
	return key.PaidToolID, true
}

// looksLikeJWT distinguishes a three-part "header.payload.signature" JWT
// from the static "<keyId>.<secret>" scheme, which never carries a second
// dot.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// verifyJWT parses and validates an HS256 JWT against the configured
// HMAC secret, the same signing-method/claims shape
// services/otc-gateway/auth.newJWTVerifier's HS256 branch checks, pared
// down to the one claim this gateway needs: tenantId.
func (a *Authenticator) verifyJWT(token string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.cfg.JWT.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.JWT.Issuer))
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("parse jwt: %w", err)
	}
	tenantID, _ := claims["tenantId"].(string)
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", errors.New("jwt missing tenantId claim")
	}
	return tenantID, nil
}

func (a *Authenticator) isOptional(path string) bool {
	for _, prefix := range a.cfg.OptionalPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// TenantIDFromContext returns the tenantId the Authenticator attached to
// ctx, if any.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyTenantID).(string)
	return v, ok
}

// KeyIDFromContext returns the keyId the Authenticator attached to ctx, if
// any.
func KeyIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyKeyID).(string)
	return v, ok
}

// ExtractBearer pulls the token out of an "Authorization: Bearer <token>"
// header value, used both by Middleware and by routes that authenticate
// outside the standard middleware chain (the public agent-card stream's
// paid-key rate-limit bypass).
func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// splitKeyToken splits "<keyId>.<secret>" on the first dot.
func splitKeyToken(token string) (keyID string, secret string, ok bool) {
	idx := strings.IndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return "", "", false
	}
	return token[:idx], token[idx+1:], true
}
