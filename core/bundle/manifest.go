package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"settld/core/canon"
	"settld/core/crypto"
)

// FileEntry is one manifested file's identity.
type FileEntry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// HashingInfo pins the manifest's own hashing convention, so a verifier
// never has to guess the file-ordering/exclusion rules that produced it.
type HashingInfo struct {
	SchemaVersion int      `json:"schemaVersion"`
	FileOrder     string   `json:"fileOrder"`
	Excludes      []string `json:"excludes"`
}

// Manifest is the bundle's manifest.json structure.
type Manifest struct {
	SchemaVersion int            `json:"schemaVersion"`
	Type          string         `json:"type"`
	TenantID      string         `json:"tenantId"`
	Scope         map[string]any `json:"scope"`
	CreatedAt     string         `json:"createdAt"`
	Protocol      string         `json:"protocol"`
	Hashing       HashingInfo    `json:"hashing"`
	Files         []FileEntry    `json:"files"`
	ManifestHash  string         `json:"manifestHash,omitempty"`
}

const manifestSchemaVersion = 1
const manifestProtocol = "settld-bundle/1"

// buildManifest computes the manifest for files (pre-manifest, pre-
// attestation, pre-verification-report) and returns both the struct (for
// downstream attestation binding) and its canonical JSON bytes with a
// trailing newline.
func buildManifest(kind Kind, in BuildInputs, files map[string][]byte) (Manifest, []byte, error) {
	paths := sortedPaths(files)
	entries := make([]FileEntry, 0, len(paths))
	for _, p := range paths {
		data := files[p]
		sum := sha256.Sum256(data)
		entries = append(entries, FileEntry{Name: p, SHA256: hex.EncodeToString(sum[:]), Bytes: len(data)})
	}

	m := Manifest{
		SchemaVersion: manifestSchemaVersion,
		Type:          string(kind),
		TenantID:      in.TenantID,
		Scope:         in.Scope,
		CreatedAt:     in.GeneratedAt,
		Protocol:      manifestProtocol,
		Hashing:       HashingInfo{SchemaVersion: manifestSchemaVersion, FileOrder: "path_asc", Excludes: []string{"verify/**"}},
		Files:         entries,
	}

	hash, err := canon.Hash(m)
	if err != nil {
		return Manifest{}, nil, err
	}
	m.ManifestHash = hash

	rendered, err := canonicalWithTrailingNewline(m)
	if err != nil {
		return Manifest{}, nil, err
	}
	return m, rendered, nil
}

// canonicalWithTrailingNewline renders v as canonical JSON with a single
// trailing newline, the wire format every JSON file in a bundle uses.
func canonicalWithTrailingNewline(v any) ([]byte, error) {
	data, err := canon.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// BundleHeadAttestation is the bundle's attestation structure.
type BundleHeadAttestation struct {
	Kind            string            `json:"kind"`
	TenantID        string            `json:"tenantId"`
	Scope           map[string]any    `json:"scope"`
	GeneratedAt     string            `json:"generatedAt"`
	ManifestHash    string            `json:"manifestHash"`
	Heads           map[string]string `json:"heads,omitempty"`
	SignerKeyID     string            `json:"signerKeyId,omitempty"`
	AttestationHash string            `json:"attestationHash,omitempty"`
	Signature       string            `json:"signature,omitempty"`
}

func buildAttestation(ctx context.Context, kind Kind, in BuildInputs, manifestHash string) ([]byte, error) {
	a := BundleHeadAttestation{
		Kind: string(kind), TenantID: in.TenantID, Scope: in.Scope,
		GeneratedAt: in.GeneratedAt, ManifestHash: manifestHash, Heads: in.Heads,
	}
	hash, err := canon.Hash(a)
	if err != nil {
		return nil, err
	}
	a.AttestationHash = hash

	if in.Signer != nil {
		sig, err := in.Signer.Sign(ctx, []byte(hash), crypto.PurposeBundleHeadAttestation, map[string]string{
			"kind": string(kind), "tenantId": in.TenantID,
		})
		if err != nil {
			return nil, err
		}
		a.Signature = sig
		a.SignerKeyID = in.Signer.KeyID()
	}
	return canonicalWithTrailingNewline(a)
}

// VerificationReport is the bundle's verify/verification_report.json structure.
type VerificationReport struct {
	Kind                  string            `json:"kind"`
	TenantID              string            `json:"tenantId"`
	ManifestHash          string            `json:"manifestHash"`
	BundleHeadAttestation string            `json:"bundleHeadAttestation"`
	Inputs                map[string]any    `json:"inputs,omitempty"`
	SignerKeyID           string            `json:"signerKeyId,omitempty"`
	ToolVersion           string            `json:"toolVersion,omitempty"`
	ToolCommit            string            `json:"toolCommit,omitempty"`
	Warnings              []string          `json:"warnings,omitempty"`
	Signature             string            `json:"signature,omitempty"`
	Heads                 map[string]string `json:"heads,omitempty"`
}

func buildVerificationReport(kind Kind, in BuildInputs, manifestHash string, warnings []string) ([]byte, error) {
	r := VerificationReport{
		Kind: string(kind), TenantID: in.TenantID, ManifestHash: manifestHash,
		BundleHeadAttestation: "attestation/bundle_head_attestation.json",
		Inputs:                map[string]any{"scope": in.Scope, "generatedAt": in.GeneratedAt},
		ToolVersion:           in.ToolVersion, ToolCommit: in.ToolCommit,
		Warnings: warnings, Heads: in.Heads,
	}
	if in.Signer != nil {
		hash, err := canon.Hash(r)
		if err != nil {
			return nil, err
		}
		sig, err := in.Signer.Sign(context.Background(), []byte(hash), crypto.PurposeVerificationReport, map[string]string{
			"kind": string(kind), "tenantId": in.TenantID,
		})
		if err != nil {
			return nil, err
		}
		r.Signature = sig
		r.SignerKeyID = in.Signer.KeyID()
	}
	return canonicalWithTrailingNewline(r)
}
