package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"settld/core/bundle"
	"settld/core/crypto"
)

func writeBundleDir(t *testing.T, dir string, b bundle.Bundle) {
	t.Helper()
	for path, data := range b.Files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", path, err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func TestVerifyBundleDirAcceptsValidBundle(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := crypto.NewEd25519Signer("bundle_key_1", priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	pub := priv.Public().(ed25519.PublicKey)

	builder := bundle.NewBuilder()
	b, _, err := builder.Build(context.Background(), bundle.KindJobProofBundle, bundle.BuildInputs{
		TenantID:    "tenant_a",
		Scope:       map[string]any{"jobId": "job_1"},
		GeneratedAt: "2026-07-30T00:00:00Z",
		Signer:      signer,
		ToolVersion: "test",
		ToolCommit:  "deadbeef",
		Payload:     map[string][]byte{"job_proof.json": []byte(`{"jobId":"job_1"}` + "\n")},
	})
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}

	dir := t.TempDir()
	writeBundleDir(t, dir, b)

	summary, err := verifyBundleDir(dir, base64.StdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatalf("expected bundle to verify, got: %v", err)
	}
	if summary == "" {
		t.Fatalf("expected a non-empty summary")
	}
}

func TestVerifyBundleDirRejectsTamperedFile(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := crypto.NewEd25519Signer("bundle_key_1", priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	pub := priv.Public().(ed25519.PublicKey)

	builder := bundle.NewBuilder()
	b, _, err := builder.Build(context.Background(), bundle.KindJobProofBundle, bundle.BuildInputs{
		TenantID:    "tenant_a",
		GeneratedAt: "2026-07-30T00:00:00Z",
		Signer:      signer,
		Payload:     map[string][]byte{"job_proof.json": []byte(`{"jobId":"job_1"}` + "\n")},
	})
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}

	dir := t.TempDir()
	writeBundleDir(t, dir, b)
	if err := os.WriteFile(filepath.Join(dir, "job_proof.json"), []byte(`{"jobId":"tampered"}`), 0o644); err != nil {
		t.Fatalf("tamper file: %v", err)
	}

	if _, err := verifyBundleDir(dir, base64.StdEncoding.EncodeToString(pub)); err == nil {
		t.Fatalf("expected tampered file to fail verification")
	}
}

func TestVerifyBundleDirRejectsWrongSignerKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := crypto.NewEd25519Signer("bundle_key_1", priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	otherPub := otherPriv.Public().(ed25519.PublicKey)

	builder := bundle.NewBuilder()
	b, _, err := builder.Build(context.Background(), bundle.KindJobProofBundle, bundle.BuildInputs{
		TenantID:    "tenant_a",
		GeneratedAt: "2026-07-30T00:00:00Z",
		Signer:      signer,
		Payload:     map[string][]byte{"job_proof.json": []byte(`{"jobId":"job_1"}` + "\n")},
	})
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}

	dir := t.TempDir()
	writeBundleDir(t, dir, b)

	if _, err := verifyBundleDir(dir, base64.StdEncoding.EncodeToString(otherPub)); err == nil {
		t.Fatalf("expected verification to fail against the wrong signer key")
	}
}

func TestHashPolicyFileReportsSubjectCountAndHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	contents := `schemaVersion: 2
subjects:
  jobProofBundle:
    subjectType: jobProofBundle
    allowedAttestationKeyIds: ["attester_1"]
    scope: global
    requireGoverned: true
    requiredPurpose: bundle_head_attestation
revocationListRef:
  path: revocation/keys.json
  sha256: deadbeef
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	summary, err := hashPolicyFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == "" {
		t.Fatalf("expected a non-empty summary")
	}
}

func TestHashPolicyFileRejectsMissingFile(t *testing.T) {
	if _, err := hashPolicyFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing policy file")
	}
}
