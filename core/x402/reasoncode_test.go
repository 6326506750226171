package x402

import (
	"reflect"
	"testing"
)

func TestNormalizeReasonCodesDedupOrderPreserving(t *testing.T) {
	in := []string{"  X402_PROVIDER_SIGNATURE_INVALID  ", "POLICY_ALLOW", "X402_PROVIDER_SIGNATURE_INVALID", "BETA"}
	want := []string{"X402_PROVIDER_SIGNATURE_INVALID", "POLICY_ALLOW", "BETA"}
	got := NormalizeReasonCodes(in)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNormalizeReasonCodesScenarioFromSpec(t *testing.T) {
	combined := append([]string{}, "  X402_PROVIDER_SIGNATURE_INVALID  ", "POLICY_ALLOW", "X402_PROVIDER_SIGNATURE_INVALID", "BETA")
	combined = append(combined, "ALPHA", "POLICY_ALLOW", "ALPHA", "", "BETA")
	want := []string{"X402_PROVIDER_SIGNATURE_INVALID", "POLICY_ALLOW", "BETA", "ALPHA"}
	got := NormalizeReasonCodes(combined)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNormalizeReasonCodesIdempotent(t *testing.T) {
	in := []string{"b", "A", "b", "a", ""}
	once := NormalizeReasonCodes(in)
	twice := NormalizeReasonCodes(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("normalize not idempotent: %v vs %v", once, twice)
	}
}
