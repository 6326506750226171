package governance

import (
	"os"
	"path/filepath"
	"testing"
)

const testPolicyYAML = `
schemaVersion: 2
subjects:
  jobProofBundle:
    subjectType: jobProofBundle
    allowedAttestationKeyIds: ["attester_1", "attester_2"]
    scope: global
    requireGoverned: true
    requiredPurpose: bundle_head_attestation
revocationListRef:
  path: revocation/keys.json
  sha256: deadbeef
`

func writePolicyFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	return path
}

func TestLoadPolicyFileParsesSubjectsAndRevocationRef(t *testing.T) {
	path := writePolicyFile(t, t.TempDir(), testPolicyYAML)

	policy, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if policy.SchemaVersion != 2 {
		t.Fatalf("unexpected schema version: %d", policy.SchemaVersion)
	}
	subject, ok := policy.Subjects["jobProofBundle"]
	if !ok {
		t.Fatalf("expected jobProofBundle subject, got %+v", policy.Subjects)
	}
	if len(subject.AllowedAttestationKeyIDs) != 2 || subject.AllowedAttestationKeyIDs[0] != "attester_1" {
		t.Fatalf("unexpected allowed attestation key ids: %+v", subject.AllowedAttestationKeyIDs)
	}
	if !subject.RequireGoverned {
		t.Fatalf("expected requireGoverned true")
	}
	if policy.RevocationListRef.Path != "revocation/keys.json" || policy.RevocationListRef.SHA256 != "deadbeef" {
		t.Fatalf("unexpected revocation list ref: %+v", policy.RevocationListRef)
	}
}

func TestLoadPolicyFileRejectsMissingSchemaVersion(t *testing.T) {
	path := writePolicyFile(t, t.TempDir(), `subjects:
  jobProofBundle:
    subjectType: jobProofBundle
`)

	if _, err := LoadPolicyFile(path); err == nil {
		t.Fatalf("expected error for missing schemaVersion")
	}
}

func TestLoadPolicyFileRejectsEmptySubjects(t *testing.T) {
	path := writePolicyFile(t, t.TempDir(), `schemaVersion: 2
subjects: {}
`)

	if _, err := LoadPolicyFile(path); err == nil {
		t.Fatalf("expected error for empty subjects")
	}
}

func TestLoadPolicyFileRejectsMissingNonexistentFile(t *testing.T) {
	if _, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
