package sse

import "testing"

func TestFilterSpecMatchesTopLevelFields(t *testing.T) {
	filter := FilterSpec{EventType: "session.status"}.Build()
	if !filter(Candidate{Payload: map[string]any{"type": "session.status"}}) {
		t.Fatal("expected matching eventType to pass")
	}
	if filter(Candidate{Payload: map[string]any{"type": "session.message"}}) {
		t.Fatal("expected mismatched eventType to be filtered out")
	}
}

func TestFilterSpecMatchesNestedPayloadFields(t *testing.T) {
	filter := FilterSpec{Runtime: "python"}.Build()
	candidate := Candidate{Payload: map[string]any{
		"type":    "session.tool_call",
		"payload": map[string]any{"runtime": "python"},
	}}
	if !filter(candidate) {
		t.Fatal("expected nested runtime match to pass")
	}
	candidate = Candidate{Payload: map[string]any{
		"type":    "session.tool_call",
		"payload": map[string]any{"runtime": "node"},
	}}
	if filter(candidate) {
		t.Fatal("expected mismatched nested runtime to be filtered out")
	}
}

func TestFilterSpecMatchesListMembership(t *testing.T) {
	filter := FilterSpec{Capability: "payments.refund"}.Build()
	if !filter(Candidate{Payload: map[string]any{"capabilities": []string{"payments.refund", "payments.charge"}}}) {
		t.Fatal("expected capability membership match to pass")
	}
	if filter(Candidate{Payload: map[string]any{"capabilities": []string{"payments.charge"}}}) {
		t.Fatal("expected absent capability to be filtered out")
	}
}

func TestFilterSpecMatchesToolSideEffecting(t *testing.T) {
	want := true
	filter := FilterSpec{ToolSideEffecting: &want}.Build()
	if !filter(Candidate{Payload: map[string]any{"payload": map[string]any{"toolSideEffecting": true}}}) {
		t.Fatal("expected toolSideEffecting match to pass")
	}
	if filter(Candidate{Payload: map[string]any{"payload": map[string]any{"toolSideEffecting": false}}}) {
		t.Fatal("expected mismatched toolSideEffecting to be filtered out")
	}
	if filter(Candidate{Payload: map[string]any{}}) {
		t.Fatal("expected missing toolSideEffecting field to be filtered out")
	}
}

func TestFilterSpecEmptyAllowsEverything(t *testing.T) {
	filter := FilterSpec{}.Build()
	if !filter(Candidate{Payload: map[string]any{}}) {
		t.Fatal("expected empty FilterSpec to allow all")
	}
}

func TestBroadcasterHeadTracksCount(t *testing.T) {
	b := NewBroadcaster()
	if count, first, last := b.Head("agent-cards"); count != 0 || first != "" || last != "" {
		t.Fatalf("expected zero head for unpublished topic, got %d %q %q", count, first, last)
	}
	b.Publish("agent-cards", Candidate{ID: "agent_1@1", Payload: map[string]any{}})
	b.Publish("agent-cards", Candidate{ID: "agent_2@1", Payload: map[string]any{}})
	count, first, last := b.Head("agent-cards")
	if count != 2 || first != "agent_1@1" || last != "agent_2@1" {
		t.Fatalf("expected count 2, first agent_1@1, last agent_2@1, got %d %q %q", count, first, last)
	}
}

func TestPublishCandidateEventOverridesSubscriberEventName(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("agent-cards", "agent_card.upsert", "agent_card.watermark", nil)
	defer sub.Cancel()

	b.Publish("agent-cards", Candidate{ID: "agent_1@2", Event: "agent_card.removed", Payload: map[string]any{"agentId": "agent_1"}})
	frame := recvFrame(t, sub.Frames)
	if frame.Event != "agent_card.removed" {
		t.Fatalf("expected overridden event name agent_card.removed, got %s", frame.Event)
	}
}
