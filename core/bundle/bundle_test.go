package bundle

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"strings"
	"testing"

	"settld/core/canon"
	"settld/core/crypto"
)

func testSigner(t *testing.T) crypto.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := crypto.NewEd25519Signer("key_1", priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

func TestBuildJobProofBundleIsDeterministic(t *testing.T) {
	signer := testSigner(t)
	in := BuildInputs{
		TenantID: "t1", Scope: map[string]any{"jobId": "job_1"}, GeneratedAt: "2026-01-01T00:00:00Z",
		Signer: signer, ToolVersion: "1.2.3", ToolCommit: "abc123",
		Payload: map[string][]byte{"job_proof.json": []byte(`{"b":2,"a":1}` + "\n")},
	}
	b := NewBuilder()

	bundle1, warn1, err := b.Build(context.Background(), KindJobProofBundle, in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	bundle2, _, err := b.Build(context.Background(), KindJobProofBundle, in)
	if err != nil {
		t.Fatalf("build again: %v", err)
	}
	if len(warn1) != 0 {
		t.Fatalf("expected no warnings with tool version/commit set, got %v", warn1)
	}
	if len(bundle1.Files) != len(bundle2.Files) {
		t.Fatalf("file count differs across builds")
	}
	for path, data := range bundle1.Files {
		if string(bundle2.Files[path]) != string(data) {
			t.Fatalf("file %s differs across identical builds", path)
		}
	}
	if _, ok := bundle1.Files["manifest.json"]; !ok {
		t.Fatalf("expected manifest.json in bundle")
	}
	if _, ok := bundle1.Files["attestation/bundle_head_attestation.json"]; !ok {
		t.Fatalf("expected attestation file in bundle")
	}
	if _, ok := bundle1.Files["verify/verification_report.json"]; !ok {
		t.Fatalf("expected verification report in bundle")
	}
}

func TestBuildExcludesVerifyFromManifest(t *testing.T) {
	signer := testSigner(t)
	in := BuildInputs{
		TenantID: "t1", GeneratedAt: "2026-01-01T00:00:00Z", Signer: signer,
		ToolVersion: "1.0.0", ToolCommit: "deadbeef",
		Payload: map[string][]byte{"a.json": []byte("{}\n")},
	}
	b := NewBuilder()
	built, _, err := b.Build(context.Background(), KindJobProofBundle, in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(built.Files["manifest.json"], &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	for _, f := range manifest.Files {
		if strings.HasPrefix(f.Name, "verify/") {
			t.Fatalf("manifest must not list verify/** files, found %s", f.Name)
		}
	}
}

func TestBuildMissingToolInfoWarns(t *testing.T) {
	in := BuildInputs{TenantID: "t1", GeneratedAt: "2026-01-01T00:00:00Z", Payload: map[string][]byte{"a.json": []byte("{}\n")}}
	b := NewBuilder()
	_, warnings, err := b.Build(context.Background(), KindJobProofBundle, in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(warnings) != 2 || warnings[0] != "TOOL_VERSION_UNKNOWN" || warnings[1] != "TOOL_COMMIT_UNKNOWN" {
		t.Fatalf("expected both tool-unknown warnings, got %v", warnings)
	}
}

func TestBuildInvoiceEmbedsJobProofByteForByte(t *testing.T) {
	signer := testSigner(t)
	jobIn := BuildInputs{
		TenantID: "t1", Scope: map[string]any{"jobId": "job_1"}, GeneratedAt: "2026-01-01T00:00:00Z",
		Signer: signer, ToolVersion: "1.0.0", ToolCommit: "deadbeef",
		Payload: map[string][]byte{"job_proof.json": []byte("{}\n")},
	}
	b := NewBuilder()
	jobBundle, _, err := b.Build(context.Background(), KindJobProofBundle, jobIn)
	if err != nil {
		t.Fatalf("build job bundle: %v", err)
	}

	invoiceIn := BuildInputs{
		TenantID: "t1", Scope: map[string]any{"invoiceId": "inv_1"}, GeneratedAt: "2026-01-01T00:00:00Z",
		Signer: signer, ToolVersion: "1.0.0", ToolCommit: "deadbeef",
		Payload: map[string][]byte{"invoice.json": []byte("{}\n")},
		Embed:   []EmbeddedChild{{Prefix: "payload/job_proof_bundle", Child: jobBundle}},
	}
	invoiceBundle, _, err := b.Build(context.Background(), KindInvoiceBundle, invoiceIn)
	if err != nil {
		t.Fatalf("build invoice bundle: %v", err)
	}
	for path, data := range jobBundle.Files {
		embedded, ok := invoiceBundle.Files["payload/job_proof_bundle/"+path]
		if !ok {
			t.Fatalf("expected embedded child file at %s", "payload/job_proof_bundle/"+path)
		}
		if string(embedded) != string(data) {
			t.Fatalf("embedded child file %s not byte-for-byte identical", path)
		}
	}
}

func TestManifestHashMatchesCanonicalRehash(t *testing.T) {
	in := BuildInputs{TenantID: "t1", GeneratedAt: "2026-01-01T00:00:00Z", Payload: map[string][]byte{"a.json": []byte("{}\n")}}
	b := NewBuilder()
	built, _, err := b.Build(context.Background(), KindJobProofBundle, in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(built.Files["manifest.json"], &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	withoutHash := manifest
	withoutHash.ManifestHash = ""
	recomputed, err := canon.Hash(withoutHash)
	if err != nil {
		t.Fatalf("recompute hash: %v", err)
	}
	if recomputed != manifest.ManifestHash {
		t.Fatalf("manifestHash %s does not match recomputed hash %s", manifest.ManifestHash, recomputed)
	}
}
