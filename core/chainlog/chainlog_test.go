package chainlog

import (
	"context"
	"crypto/ed25519"
	"strconv"
	"testing"

	"settld/core/crypto"
)

func TestAppendChainsPrevHash(t *testing.T) {
	var events []Event
	d1 := CreateEvent(CreateEventInput{StreamID: "s1", Type: "session.created", Actor: "agent_a", Payload: map[string]any{"x": 1}, At: "2026-01-01T00:00:00Z", ID: "evt_1"})
	events, err := Append(context.Background(), events, d1, nil)
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if events[0].PrevChainHash != nil {
		t.Fatalf("first event should have nil prevChainHash")
	}
	d2 := CreateEvent(CreateEventInput{StreamID: "s1", Type: "session.updated", Actor: "agent_a", Payload: map[string]any{"x": 2}, At: "2026-01-01T00:00:01Z", ID: "evt_2"})
	events, err = Append(context.Background(), events, d2, nil)
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if events[1].PrevChainHash == nil || *events[1].PrevChainHash != events[0].ChainHash {
		t.Fatalf("second event prevChainHash must equal first event chainHash")
	}
}

func TestVerifySucceedsOnCleanChain(t *testing.T) {
	var events []Event
	for i := 0; i < 3; i++ {
		id := "evt_" + strconv.Itoa(i)
		d := CreateEvent(CreateEventInput{StreamID: "s1", Type: "session.updated", Actor: "a", Payload: map[string]any{"i": i}, At: "2026-01-01T00:00:00Z", ID: id})
		var err error
		events, err = Append(context.Background(), events, d, nil)
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	res := Verify(events, VerifyOptions{})
	if !res.OK {
		t.Fatalf("expected clean verify, got %+v", res.Error)
	}
}

func TestVerifyDetectsTamperedPayloadHash(t *testing.T) {
	var events []Event
	d := CreateEvent(CreateEventInput{StreamID: "s1", Type: "session.updated", Actor: "a", Payload: map[string]any{"i": 1}, At: "2026-01-01T00:00:00Z", ID: "evt_0"})
	events, err := Append(context.Background(), events, d, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	events[0].PayloadHash = "0000000000000000000000000000000000000000000000000000000000000"
	res := Verify(events, VerifyOptions{})
	if res.OK {
		t.Fatal("expected verify to fail on tampered payload hash")
	}
	if res.Error.Reason != ReasonPayloadHashMismatch {
		t.Fatalf("expected payloadHashMismatch, got %s", res.Error.Reason)
	}
}

func TestVerifyDetectsBrokenChainLink(t *testing.T) {
	var events []Event
	d1 := CreateEvent(CreateEventInput{StreamID: "s1", Type: "t", Actor: "a", Payload: map[string]any{}, At: "2026-01-01T00:00:00Z", ID: "evt_0"})
	d2 := CreateEvent(CreateEventInput{StreamID: "s1", Type: "t", Actor: "a", Payload: map[string]any{}, At: "2026-01-01T00:00:01Z", ID: "evt_1"})
	events, _ = Append(context.Background(), events, d1, nil)
	events, err := Append(context.Background(), events, d2, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	broken := "deadbeef"
	events[1].PrevChainHash = &broken
	res := Verify(events, VerifyOptions{})
	if res.OK || res.Error.Index != 1 || res.Error.Reason != ReasonPrevChainHashMismatch {
		t.Fatalf("expected prevChainHashMismatch at index 1, got %+v", res.Error)
	}
}

func TestAppendAndVerifyWithSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := crypto.NewEd25519Signer("key-1", priv)
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	d := CreateEvent(CreateEventInput{StreamID: "s1", Type: "t", Actor: "a", Payload: map[string]any{}, At: "2026-01-01T00:00:00Z", ID: "evt_0"})
	events, err := Append(context.Background(), nil, d, signer)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if events[0].Signature == nil || events[0].SignerKeyID == nil {
		t.Fatal("expected signed event to carry signature and signerKeyId")
	}
	res := Verify(events, VerifyOptions{PublicKeyByKeyID: map[string][]byte{"key-1": pub}})
	if !res.OK {
		t.Fatalf("expected signed chain to verify, got %+v", res.Error)
	}
}

func TestVerifyUnknownSignerKeyID(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := crypto.NewEd25519Signer("key-1", priv)
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	d := CreateEvent(CreateEventInput{StreamID: "s1", Type: "t", Actor: "a", Payload: map[string]any{}, At: "2026-01-01T00:00:00Z", ID: "evt_0"})
	events, err := Append(context.Background(), nil, d, signer)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	res := Verify(events, VerifyOptions{PublicKeyByKeyID: map[string][]byte{}})
	if res.OK || res.Error.Reason != ReasonUnknownSignerKeyID {
		t.Fatalf("expected unknownSignerKeyId, got %+v", res.Error)
	}
}
