package metrics

import "testing"

func TestX402MetricsIsASingleton(t *testing.T) {
	a := X402()
	b := X402()
	if a != b {
		t.Fatalf("expected X402() to return the same registry instance")
	}
	a.RecordGateTransition("created", "quoted")
	a.RecordEscalation()
	a.RecordWindDown()
}

func TestOutboxMetricsIsASingleton(t *testing.T) {
	a := Outbox()
	b := Outbox()
	if a != b {
		t.Fatalf("expected Outbox() to return the same registry instance")
	}
	a.RecordDelivery("X402_AGENT_WINDDOWN_REVERSAL_REQUESTED", "delivered")
}
