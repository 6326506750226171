package x402

import "strings"

// NormalizeReasonCodes implements the order-preserving, dedup,
// trim+upper normalization. The gateway header-writing adapter MUST call
// this exact function (not reimplement it) so the X-Settld-Reason-Code /
// X-Settld-Verification-Codes headers stay bit-for-bit identical to the
// decision record the core wrote.
func NormalizeReasonCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		normalized := strings.ToUpper(strings.TrimSpace(c))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}
