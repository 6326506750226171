// Package governance implements the governance policy and revocation
// list model, and the four-step verification required before trusting any
// signed artifact in a bundle.
package governance

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"

	"settld/core/crypto"
)

// RevocationListRef pins the revocation list a policy was authored
// against, by content hash, so a policy can never be paired with a
// different revocation list than the one its authors reviewed.
type RevocationListRef struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// SubjectPolicy is the per-bundle-kind signer allow-list.
type SubjectPolicy struct {
	SubjectType             string   `json:"subjectType"`
	AllowedAttestationKeyIDs []string `json:"allowedAttestationKeyIds"`
	AllowedReportKeyIDs      []string `json:"allowedReportKeyIds"`
	Scope                    string   `json:"scope"` // global | tenant
	RequireGoverned          bool     `json:"requireGoverned"`
	RequiredPurpose          string   `json:"requiredPurpose"`
}

// Policy is the GovernancePolicy.v2 structure.
type Policy struct {
	SchemaVersion     int                      `json:"schemaVersion"`
	Subjects          map[string]SubjectPolicy `json:"subjects"`
	RevocationListRef RevocationListRef        `json:"revocationListRef"`
	SignerKeyID       string                   `json:"signerKeyId,omitempty"`
	Signature         string                   `json:"signature,omitempty"`
}

// RevokedKey is one rotated/revoked signing key.
type RevokedKey struct {
	KeyID      string `json:"keyId"`
	RevokedAt  string `json:"revokedAt"`
	ReasonCode string `json:"reasonCode,omitempty"`
}

// RevocationList is the RevocationList.v1 structure.
type RevocationList struct {
	SchemaVersion int          `json:"schemaVersion"`
	Keys          []RevokedKey `json:"keys"`
	SignerKeyID   string       `json:"signerKeyId,omitempty"`
	Signature     string       `json:"signature,omitempty"`
}

// GovernanceError carries the GOVERNANCE_* reason code for whichever of
// the four verification steps failed.
type GovernanceError struct {
	ReasonCode string
}

func (e *GovernanceError) Error() string { return "governance: " + e.ReasonCode }

const (
	ReasonPolicySignatureInvalid           = "GOVERNANCE_POLICY_SIGNATURE_INVALID"
	ReasonRevocationListRefMismatch         = "GOVERNANCE_REVOCATION_LIST_REF_MISMATCH"
	ReasonRevocationListSignatureInvalid   = "GOVERNANCE_REVOCATION_LIST_SIGNATURE_INVALID"
	ReasonSignerNotAllowed                 = "GOVERNANCE_SIGNER_NOT_ALLOWED"
	ReasonSignerRevoked                    = "GOVERNANCE_SIGNER_REVOKED"
	ReasonSubjectUnknown                   = "GOVERNANCE_SUBJECT_UNKNOWN"
)

// SignedObject is one artifact within a bundle whose signature must be
// checked against the resolved policy: a bundle head attestation or a
// verification report.
type SignedObject struct {
	SubjectType    string // bundle kind, e.g. "JobProofBundle.v1"
	Role           string // "attestation" | "report"
	SignerKeyID    string
	SignedAt       string
	PayloadHash    []byte
	Purpose        crypto.Purpose
	SigningContext map[string]string
	Signature      string
}

// VerifyArtifactInput is everything Verifier.VerifyArtifact needs.
type VerifyArtifactInput struct {
	RootPublicKey       ed25519.PublicKey
	Policy              Policy
	PolicyPayloadHash    []byte // hash the policy's own signature was computed over
	RevocationList       RevocationList
	RevocationListBytes  []byte // raw bytes of the bundled revocation list file, hashed against Policy.RevocationListRef.SHA256
	RevocationListPayloadHash []byte
	SignedObjects       []SignedObject
}

// Verifier runs the four-step governance check.
type Verifier struct {
	verify crypto.Verifier
}

// NewVerifier constructs a Verifier using v to check Ed25519 signatures.
func NewVerifier(v crypto.Verifier) *Verifier {
	return &Verifier{verify: v}
}

// VerifyArtifact performs the mandated four steps, fatal at the first
// failing one: policy signature + revocation-list reference, revocation
// list signature, then per-signed-object allow-list + revocation checks.
func (v *Verifier) VerifyArtifact(ctx context.Context, in VerifyArtifactInput) error {
	if err := v.verify.Verify(in.RootPublicKey, in.PolicyPayloadHash, crypto.PurposeGovernancePolicy, nil, in.Policy.Signature); err != nil {
		return &GovernanceError{ReasonCode: ReasonPolicySignatureInvalid}
	}
	sum := sha256.Sum256(in.RevocationListBytes)
	if hex.EncodeToString(sum[:]) != in.Policy.RevocationListRef.SHA256 {
		return &GovernanceError{ReasonCode: ReasonRevocationListRefMismatch}
	}

	if err := v.verify.Verify(in.RootPublicKey, in.RevocationListPayloadHash, crypto.PurposeRevocationList, nil, in.RevocationList.Signature); err != nil {
		return &GovernanceError{ReasonCode: ReasonRevocationListSignatureInvalid}
	}

	revokedAt := map[string]string{}
	for _, k := range in.RevocationList.Keys {
		revokedAt[k.KeyID] = k.RevokedAt
	}

	for _, obj := range in.SignedObjects {
		subject, ok := in.Policy.Subjects[obj.SubjectType]
		if !ok {
			return &GovernanceError{ReasonCode: ReasonSubjectUnknown}
		}
		allowed := subject.AllowedAttestationKeyIDs
		if obj.Role == "report" {
			allowed = subject.AllowedReportKeyIDs
		}
		if !containsKeyID(allowed, obj.SignerKeyID) {
			return &GovernanceError{ReasonCode: ReasonSignerNotAllowed}
		}
		if revokedAt, ok := revokedAt[obj.SignerKeyID]; ok && revokedAt <= obj.SignedAt {
			return &GovernanceError{ReasonCode: ReasonSignerRevoked}
		}
	}
	return nil
}

func containsKeyID(haystack []string, keyID string) bool {
	for _, k := range haystack {
		if k == keyID {
			return true
		}
	}
	return false
}
