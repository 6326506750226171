package sse

import (
	"testing"
	"time"
)

func TestPublishDeliversToMatchingFilter(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("stream_1", "session.event", "session.watermark", func(c Candidate) bool {
		return c.Payload["type"] == "wanted"
	})
	defer sub.Cancel()

	b.Publish("stream_1", Candidate{ID: "evt_1", Payload: map[string]any{"type": "wanted"}})
	b.Publish("stream_1", Candidate{ID: "evt_2", Payload: map[string]any{"type": "other"}})

	f1 := recvFrame(t, sub.Frames)
	if f1.Event != "session.event" || f1.ID != "evt_1" {
		t.Fatalf("expected delivered event frame, got %+v", f1)
	}
	f2 := recvFrame(t, sub.Frames)
	if f2.Event != "session.watermark" || f2.ID != "evt_2" {
		t.Fatalf("expected watermark frame for filtered-out candidate, got %+v", f2)
	}
}

func recvFrame(t *testing.T, ch <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Frame{}
}

func TestSubscribeCancelRemovesSubscriber(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("topic", "ev", "wm", nil)
	if b.SubscriberCount("topic") != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	sub.Cancel()
	if b.SubscriberCount("topic") != 0 {
		t.Fatalf("expected 0 subscribers after cancel")
	}
}

func TestOverflowDropsSubscriberWithTerminalFrame(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("topic", "ev", "wm", nil)
	for i := 0; i < subscriberBufferSize+5; i++ {
		b.Publish("topic", Candidate{ID: "e", Payload: map[string]any{}})
	}
	if b.SubscriberCount("topic") != 0 {
		t.Fatal("expected overflowed subscriber to be dropped")
	}
	var sawTerminal bool
	for f := range sub.Frames {
		if f.Event == "session.error" {
			sawTerminal = true
		}
	}
	if !sawTerminal {
		t.Fatal("expected a terminal session.error frame in the drained channel")
	}
}

func TestResolveCursorConflict(t *testing.T) {
	_, err := ResolveCursor("evt_a", "evt_b")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	ce := err.(*CursorError)
	if ce.Code != "SESSION_EVENT_CURSOR_CONFLICT" {
		t.Fatalf("expected SESSION_EVENT_CURSOR_CONFLICT, got %s", ce.Code)
	}
}

func TestResolveCursorPrefersEitherSource(t *testing.T) {
	got, err := ResolveCursor("evt_a", "")
	if err != nil || got != "evt_a" {
		t.Fatalf("expected evt_a, got %q err %v", got, err)
	}
	got, err = ResolveCursor("", "evt_b")
	if err != nil || got != "evt_b" {
		t.Fatalf("expected evt_b, got %q err %v", got, err)
	}
}
