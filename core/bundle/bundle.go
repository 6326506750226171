// Package bundle implements the proof-bundle assembler: a deterministic
// {path -> bytes} file set plus a manifest pinning every file's SHA-256,
// a signed head attestation, and a trailing verification report.
package bundle

import (
	"context"
	"sort"
	"strings"

	"settld/core/crypto"
)

// Kind enumerates the supported bundle shapes.
type Kind string

const (
	KindJobProofBundle    Kind = "JobProofBundle.v1"
	KindMonthProofBundle  Kind = "MonthProofBundle.v1"
	KindFinancePackBundle Kind = "FinancePackBundle.v1"
	KindInvoiceBundle     Kind = "InvoiceBundle.v1"
	KindClosePack         Kind = "ClosePack.v1"
)

// Bundle is the deterministic output: a path -> bytes map. File iteration
// for hashing/manifesting always walks Files in lexicographic path order.
type Bundle struct {
	Files map[string][]byte
}

// EmbeddedChild is a previously-built child bundle to splice into a
// composite bundle under Prefix, byte-for-byte.
type EmbeddedChild struct {
	Prefix string
	Child  Bundle
}

// GovernanceInputs carries the bundle's governance files as already-signed
// bytes. Build copies each non-nil field into the bundle unchanged; it does
// not sign governance content and does not check the signatures it is given.
type GovernanceInputs struct {
	PolicyJSON      []byte // governance/policy.json bytes; nil leaves the file out
	RevocationsJSON []byte // governance/revocations.json bytes; nil leaves the file out
}

// BuildInputs is everything Build needs to assemble one bundle.
type BuildInputs struct {
	TenantID    string
	Scope       map[string]any
	GeneratedAt string
	Heads       map[string]string
	Signer      crypto.Signer
	ToolVersion string // "" triggers a TOOL_VERSION_UNKNOWN warning
	ToolCommit  string // "" triggers a TOOL_COMMIT_UNKNOWN warning

	// Payload holds the kind-specific domain files (e.g. job_proof.json,
	// ledger_lines.json) keyed by their final path within the bundle.
	Payload map[string][]byte

	Governance *GovernanceInputs
	Embed      []EmbeddedChild
}

// Builder assembles bundles. Stateless: every method is deterministic given
// its inputs, so one Builder is safely shared across concurrent requests.
type Builder struct{}

// NewBuilder constructs a Builder.
func NewBuilder() *Builder { return &Builder{} }

// Build assembles the named bundle kind from in, returning the complete
// file set (domain files + manifest + attestation + verification report).
func (b *Builder) Build(ctx context.Context, kind Kind, in BuildInputs) (Bundle, []string, error) {
	files := map[string][]byte{}
	for path, data := range in.Payload {
		files[path] = data
	}
	for _, emb := range in.Embed {
		for path, data := range emb.Child.Files {
			files[joinBundlePath(emb.Prefix, path)] = data
		}
	}

	var warnings []string
	if in.Governance != nil {
		if in.Governance.PolicyJSON != nil {
			files["governance/policy.json"] = in.Governance.PolicyJSON
		}
		if in.Governance.RevocationsJSON != nil {
			files["governance/revocations.json"] = in.Governance.RevocationsJSON
		}
	}

	manifest, manifestJSON, err := buildManifest(kind, in, files)
	if err != nil {
		return Bundle{}, nil, err
	}
	files["manifest.json"] = manifestJSON

	attestationJSON, err := buildAttestation(ctx, kind, in, manifest.ManifestHash)
	if err != nil {
		return Bundle{}, nil, err
	}
	files["attestation/bundle_head_attestation.json"] = attestationJSON

	if in.ToolVersion == "" {
		warnings = append(warnings, "TOOL_VERSION_UNKNOWN")
	}
	if in.ToolCommit == "" {
		warnings = append(warnings, "TOOL_COMMIT_UNKNOWN")
	}

	reportJSON, err := buildVerificationReport(kind, in, manifest.ManifestHash, warnings)
	if err != nil {
		return Bundle{}, nil, err
	}
	files["verify/verification_report.json"] = reportJSON

	return Bundle{Files: files}, warnings, nil
}

// joinBundlePath joins a prefix and child-relative path using forward
// slashes regardless of host OS, since bundle paths are a wire format, not
// filesystem paths.
func joinBundlePath(prefix, childPath string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix + "/" + childPath
}

// sortedPaths returns the keys of files in lexicographic order, excluding
// any path matching the verify/** prefix.
func sortedPaths(files map[string][]byte) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		if strings.HasPrefix(p, "verify/") {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
