package governance

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// subjectPolicyFile mirrors the YAML representation of one subject's policy
// entry, the way payoutd's policyFile mirrors a YAML payout-cap entry.
type subjectPolicyFile struct {
	SubjectType              string   `yaml:"subjectType"`
	AllowedAttestationKeyIDs []string `yaml:"allowedAttestationKeyIds"`
	AllowedReportKeyIDs      []string `yaml:"allowedReportKeyIds"`
	Scope                    string   `yaml:"scope"`
	RequireGoverned          bool     `yaml:"requireGoverned"`
	RequiredPurpose          string   `yaml:"requiredPurpose"`
}

type revocationListRefFile struct {
	Path   string `yaml:"path"`
	SHA256 string `yaml:"sha256"`
}

// policyFile mirrors the YAML source an operator authors a governance policy
// in, before it is canonicalized, hashed, and signed for distribution.
type policyFile struct {
	SchemaVersion     int                          `yaml:"schemaVersion"`
	Subjects          map[string]subjectPolicyFile `yaml:"subjects"`
	RevocationListRef revocationListRefFile        `yaml:"revocationListRef"`
}

// LoadPolicyFile reads an operator-authored governance policy from a YAML
// file on disk and converts it into the canonical Policy structure that
// gets hashed and signed, the same shape payoutd/policy.go's LoadPolicies
// turns a YAML payout-cap file into enforceable policy state.
func LoadPolicyFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return Policy{}, fmt.Errorf("decode policy file: %w", err)
	}
	if pf.SchemaVersion == 0 {
		return Policy{}, fmt.Errorf("policy schemaVersion is required")
	}
	if len(pf.Subjects) == 0 {
		return Policy{}, fmt.Errorf("policy must declare at least one subject")
	}
	subjects := make(map[string]SubjectPolicy, len(pf.Subjects))
	for kind, s := range pf.Subjects {
		if s.SubjectType == "" {
			return Policy{}, fmt.Errorf("subject %q: subjectType is required", kind)
		}
		subjects[kind] = SubjectPolicy{
			SubjectType:              s.SubjectType,
			AllowedAttestationKeyIDs: s.AllowedAttestationKeyIDs,
			AllowedReportKeyIDs:      s.AllowedReportKeyIDs,
			Scope:                    s.Scope,
			RequireGoverned:          s.RequireGoverned,
			RequiredPurpose:          s.RequiredPurpose,
		}
	}
	return Policy{
		SchemaVersion: pf.SchemaVersion,
		Subjects:      subjects,
		RevocationListRef: RevocationListRef{
			Path:   pf.RevocationListRef.Path,
			SHA256: pf.RevocationListRef.SHA256,
		},
	}, nil
}
