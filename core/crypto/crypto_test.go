package crypto

import (
	"context"
	"crypto/ed25519"
	"testing"
)

func newTestSigner(t *testing.T) (*Ed25519Signer, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := NewEd25519Signer("key-1", priv)
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	return signer, pub
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, pub := newTestSigner(t)
	payloadHash := []byte("0123456789abcdef0123456789abcdef")
	sig, err := signer.Sign(context.Background(), payloadHash, PurposeEventPayload, map[string]string{"streamId": "s1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	var verifier Ed25519Verifier
	if err := verifier.Verify(pub, payloadHash, PurposeEventPayload, map[string]string{"streamId": "s1"}, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsWrongPurpose(t *testing.T) {
	signer, pub := newTestSigner(t)
	payloadHash := []byte("payload-hash-bytes")
	sig, err := signer.Sign(context.Background(), payloadHash, PurposeEventPayload, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	var verifier Ed25519Verifier
	err = verifier.Verify(pub, payloadHash, PurposeGovernancePolicy, nil, sig)
	if err == nil {
		t.Fatal("expected verification to fail for mismatched purpose")
	}
	ve, ok := err.(*VerifyError)
	if !ok || ve.ReasonCode != "SIGNATURE_INVALID" {
		t.Fatalf("expected SIGNATURE_INVALID, got %v", err)
	}
}

func TestVerifyRejectsWrongContext(t *testing.T) {
	signer, pub := newTestSigner(t)
	payloadHash := []byte("payload-hash-bytes")
	sig, err := signer.Sign(context.Background(), payloadHash, PurposeEventPayload, map[string]string{"streamId": "s1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	var verifier Ed25519Verifier
	err = verifier.Verify(pub, payloadHash, PurposeEventPayload, map[string]string{"streamId": "s2"}, sig)
	if err == nil {
		t.Fatal("expected verification to fail for mismatched context")
	}
}

func TestNewEd25519SignerRejectsBadKey(t *testing.T) {
	if _, err := NewEd25519Signer("k", make([]byte, 10)); err == nil {
		t.Fatal("expected error for malformed private key")
	}
}
