package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"settld/core/bundle"
	"settld/core/crypto"
	"settld/core/governance"
	"settld/core/sse"
	"settld/core/store"
	"settld/core/x402"
	"settld/gateway/middleware"
)

func newBundleTestRouter(t *testing.T) (http.Handler, ed25519.PrivateKey) {
	t.Helper()
	st := store.NewMemory()
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	proc := x402.NewProcessor(st, x402.NewWalletPolicyEnforcer(st), x402.WithClock(clock))
	auth := middleware.NewAuthenticator(
		middleware.AuthConfig{Enabled: true},
		map[string]middleware.APIKey{"key_1": {TenantID: "tenant_a", Secret: "s3cret"}},
		nil,
	)
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := crypto.NewEd25519Signer("bundle_key_1", priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	h := New(Config{
		Store: st, Processor: proc, Sessions: sse.NewBroadcaster(), AgentCards: sse.NewBroadcaster(),
		Bundles: bundle.NewBuilder(), BundleSigner: signer,
		Governance:    governance.NewVerifier(crypto.Ed25519Verifier{}),
		Authenticator: auth, Now: clock,
	})
	return h, priv
}

func TestBuildBundleOverHTTP(t *testing.T) {
	h, _ := newBundleTestRouter(t)

	body := map[string]any{
		"kind":        string(bundle.KindJobProofBundle),
		"generatedAt": "2026-01-01T00:00:00Z",
		"heads":       map[string]string{"session_1": "deadbeef"},
		"toolVersion": "1.0.0",
		"toolCommit":  "abc123",
		"payload":     map[string]string{"job_proof.json": base64.StdEncoding.EncodeToString([]byte(`{"ok":true}`))},
	}
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/bundles/build", bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer key_1.s3cret")
	req.Header.Set(middleware.HeaderIdempotencyKey, "idem-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp buildBundleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if _, ok := resp.Files["job_proof.json"]; !ok {
		t.Fatalf("expected job_proof.json in bundle files, got %+v", resp.Files)
	}
	if _, ok := resp.Files["manifest.json"]; !ok {
		t.Fatalf("expected manifest.json in bundle files")
	}
}

func TestBuildBundleRejectsInvalidBase64Payload(t *testing.T) {
	h, _ := newBundleTestRouter(t)

	body := map[string]any{
		"kind":        string(bundle.KindJobProofBundle),
		"generatedAt": "2026-01-01T00:00:00Z",
		"payload":     map[string]string{"job_proof.json": "not-valid-base64!!"},
	}
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/bundles/build", bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer key_1.s3cret")
	req.Header.Set(middleware.HeaderIdempotencyKey, "idem-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestVerifyBundleArtifactOverHTTP(t *testing.T) {
	h, priv := newBundleTestRouter(t)
	pub := priv.Public().(ed25519.PublicKey)
	signer, err := crypto.NewEd25519Signer("bundle_key_1", priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	policyHash := []byte("policy-hash")
	sig, err := signer.Sign(context.Background(), policyHash, crypto.PurposeGovernancePolicy, nil)
	if err != nil {
		t.Fatalf("sign policy: %v", err)
	}

	revListBytes := []byte(`{"schemaVersion":1,"keys":[]}`)
	revListHash := []byte("rev-list-hash")
	revSig, err := signer.Sign(context.Background(), revListHash, crypto.PurposeRevocationList, nil)
	if err != nil {
		t.Fatalf("sign revocation list: %v", err)
	}

	policy := governance.Policy{
		SchemaVersion: 2,
		Subjects: map[string]governance.SubjectPolicy{
			string(bundle.KindJobProofBundle): {
				SubjectType:              string(bundle.KindJobProofBundle),
				AllowedAttestationKeyIDs: []string{"bundle_key_1"},
			},
		},
		RevocationListRef: governance.RevocationListRef{Path: "governance/revocations.json", SHA256: sha256Hex(revListBytes)},
		Signature:         sig,
	}

	body := map[string]any{
		"rootPublicKey":     base64.StdEncoding.EncodeToString(pub),
		"policy":            policy,
		"policyPayloadHash": base64.StdEncoding.EncodeToString(policyHash),
		"revocationList": governance.RevocationList{
			SchemaVersion: 1,
			Signature:     revSig,
		},
		"revocationListBytes":       base64.StdEncoding.EncodeToString(revListBytes),
		"revocationListPayloadHash": base64.StdEncoding.EncodeToString(revListHash),
		"signedObjects": []map[string]any{
			{
				"subjectType": string(bundle.KindJobProofBundle), "role": "attestation",
				"signerKeyId": "bundle_key_1", "signedAt": "2026-01-01T00:00:00Z",
				"payloadHash": base64.StdEncoding.EncodeToString([]byte("obj-hash")),
			},
		},
	}
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/governance/verify", bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer key_1.s3cret")
	req.Header.Set(middleware.HeaderIdempotencyKey, "idem-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
