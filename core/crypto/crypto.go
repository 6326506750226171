// Package crypto provides the signing surface: a Signer capability over
// purpose-bound envelopes, with a local Ed25519 implementation. Remote
// signers (HTTP, plugin, stdio) are expected to implement the same Signer
// interface rather than being modeled here.
package crypto

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"settld/core/canon"
)

// Purpose is a closed set of signing intents. Binding purpose into the
// signed material prevents a signature minted for one purpose from
// verifying under another.
type Purpose string

const (
	PurposeEventPayload           Purpose = "event_payload"
	PurposeGovernancePolicy       Purpose = "governance_policy"
	PurposeRevocationList         Purpose = "revocation_list"
	PurposeTimestampProof         Purpose = "timestamp_proof"
	PurposePricingMatrix          Purpose = "pricing_matrix"
	PurposeBundleHeadAttestation  Purpose = "bundle_head_attestation"
	PurposeVerificationReport     Purpose = "verification_report"
	PurposeSettlementDecisionReport Purpose = "settlement_decision_report"
)

// SignatureError is returned when a key is malformed or signing fails for a
// reason unrelated to the verification path.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string { return "crypto: signature error: " + e.Reason }

// VerifyError carries a machine-readable reasonCode for verification
// failures, distinct from SignatureError which covers key/format problems.
type VerifyError struct {
	ReasonCode string
}

func (e *VerifyError) Error() string { return "crypto: verify failed: " + e.ReasonCode }

// Signer is the capability every signing call goes through, whether the
// implementation is local Ed25519 or a remote HTTP/plugin/stdio adapter.
type Signer interface {
	// KeyID identifies the signing key this Signer represents.
	KeyID() string
	// Sign binds purpose and context into the signed digest and returns a
	// base64-encoded signature over that digest, never over payloadHash
	// directly.
	Sign(ctx context.Context, payloadHash []byte, purpose Purpose, signingContext map[string]string) (signatureBase64 string, err error)
}

// Verifier checks a signature produced by a Signer against a known public
// key, re-deriving the same purpose-bound envelope.
type Verifier interface {
	Verify(publicKey ed25519.PublicKey, payloadHash []byte, purpose Purpose, signingContext map[string]string, signatureBase64 string) error
}

// envelope is the material that gets canonicalized and signed/verified —
// never the raw payload hash alone.
type envelope struct {
	Purpose     string            `json:"purpose"`
	Context     map[string]string `json:"context"`
	PayloadHash string            `json:"payloadHash"`
}

func digestFor(payloadHash []byte, purpose Purpose, signingContext map[string]string) ([]byte, error) {
	if signingContext == nil {
		signingContext = map[string]string{}
	}
	env := envelope{
		Purpose:     string(purpose),
		Context:     signingContext,
		PayloadHash: canon.HashBytes(payloadHash),
	}
	data, err := canon.Marshal(envSignable(env))
	if err != nil {
		return nil, &SignatureError{Reason: fmt.Sprintf("canonicalize envelope: %v", err)}
	}
	return data, nil
}

func envSignable(env envelope) map[string]any {
	ctx := make(map[string]any, len(env.Context))
	for k, v := range env.Context {
		ctx[k] = v
	}
	return map[string]any{
		"purpose":     env.Purpose,
		"context":     ctx,
		"payloadHash": env.PayloadHash,
	}
}

// Ed25519Signer signs locally with an in-process private key.
type Ed25519Signer struct {
	keyID      string
	privateKey ed25519.PrivateKey
}

// NewEd25519Signer constructs a local signer bound to keyID.
func NewEd25519Signer(keyID string, privateKey ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, &SignatureError{Reason: fmt.Sprintf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(privateKey))}
	}
	if keyID == "" {
		return nil, &SignatureError{Reason: "keyID must not be empty"}
	}
	return &Ed25519Signer{keyID: keyID, privateKey: privateKey}, nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) Sign(_ context.Context, payloadHash []byte, purpose Purpose, signingContext map[string]string) (string, error) {
	digest, err := digestFor(payloadHash, purpose, signingContext)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(s.privateKey, digest)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Ed25519Verifier verifies signatures produced by Ed25519Signer.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(publicKey ed25519.PublicKey, payloadHash []byte, purpose Purpose, signingContext map[string]string, signatureBase64 string) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return &VerifyError{ReasonCode: "SIGNER_KEY_MALFORMED"}
	}
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return &VerifyError{ReasonCode: "SIGNATURE_MALFORMED"}
	}
	digest, err := digestFor(payloadHash, purpose, signingContext)
	if err != nil {
		return &VerifyError{ReasonCode: "ENVELOPE_MALFORMED"}
	}
	if !ed25519.Verify(publicKey, digest, sig) {
		return &VerifyError{ReasonCode: "SIGNATURE_INVALID"}
	}
	return nil
}
