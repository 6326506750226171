// Package chainlog implements the per-stream append-only chained event log:
// canonical hashing, hash-chain linkage, optional signing, and verification.
// A package-level registry records which event type names are known
// (RegisterPayloadType / IsRegisteredType); payloads themselves stay
// map[string]any.
package chainlog

import (
	"context"
	"fmt"
	"sync"

	"settld/core/canon"
	"settld/core/crypto"
)

// Event is the immutable, committed form of a chained event.
type Event struct {
	V             int               `json:"v"`
	ID            string            `json:"id"`
	StreamID      string            `json:"streamId"`
	Type          string            `json:"type"`
	At            string            `json:"at"`
	Actor         string            `json:"actor"`
	Payload       map[string]any    `json:"payload"`
	PayloadHash   string            `json:"payloadHash"`
	PrevChainHash *string           `json:"prevChainHash"`
	ChainHash     string            `json:"chainHash"`
	Signature     *string           `json:"signature,omitempty"`
	SignerKeyID   *string           `json:"signerKeyId,omitempty"`
}

// DraftEvent is an unhashed, unsigned event under construction.
type DraftEvent struct {
	V        int
	ID       string
	StreamID string
	Type     string
	At       string
	Actor    string
	Payload  map[string]any
}

// CreateEventInput is the argument shape for CreateEvent.
type CreateEventInput struct {
	StreamID string
	Type     string
	Actor    string
	Payload  map[string]any
	At       string
	ID       string // optional; caller-supplied id, else must be set by caller before append
}

// CreateEvent constructs an unhashed, unsigned draft event. It does not
// assign an id if the caller omitted one — id assignment is store/caller
// responsibility since ids frequently come from a sequence.
func CreateEvent(in CreateEventInput) DraftEvent {
	return DraftEvent{
		V:        1,
		ID:       in.ID,
		StreamID: in.StreamID,
		Type:     in.Type,
		At:       in.At,
		Actor:    in.Actor,
		Payload:  in.Payload,
	}
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() any{}
)

// RegisterPayloadType registers a zero-value constructor for a payload type
// name. Append does not consult this registry and accepts any event.Type;
// callers that allow only known types check IsRegisteredType before
// appending.
func RegisterPayloadType(eventType string, zero func() any) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[eventType] = zero
}

// IsRegisteredType reports whether eventType has a registered payload shape.
func IsRegisteredType(eventType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[eventType]
	return ok
}

// ChainIntegrityError reports the first index at which verification failed
// and why. Verification is fatal at the first offending index; it never
// continues past it.
type ChainIntegrityError struct {
	Index  int
	Reason string
}

const (
	ReasonPrevChainHashMismatch = "prevChainHashMismatch"
	ReasonPayloadHashMismatch   = "payloadHashMismatch"
	ReasonChainHashMismatch     = "chainHashMismatch"
	ReasonSignatureInvalid      = "signatureInvalid"
	ReasonUnknownSignerKeyID    = "unknownSignerKeyId"
	ReasonMissingSignerKeyID    = "missingSignerKeyId"
)

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chainlog: integrity failure at index %d: %s", e.Index, e.Reason)
}

func payloadHash(d DraftEvent) (string, error) {
	material := map[string]any{
		"v":        d.V,
		"id":       d.ID,
		"at":       d.At,
		"streamId": d.StreamID,
		"type":     d.Type,
		"actor":    d.Actor,
		"payload":  d.Payload,
	}
	return canon.Hash(material)
}

func chainHash(prevChainHash *string, payloadHashHex string) (string, error) {
	var prev any
	if prevChainHash != nil {
		prev = *prevChainHash
	}
	material := map[string]any{
		"v":             1,
		"prevChainHash": prev,
		"payloadHash":   payloadHashHex,
	}
	return canon.Hash(material)
}

// Append finalizes the hash chain for draft against the tail of events,
// optionally signs payloadHash with signer, and returns the extended
// sequence. events is never mutated; a new slice is returned.
func Append(ctx context.Context, events []Event, draft DraftEvent, signer crypto.Signer) ([]Event, error) {
	if draft.ID == "" {
		return nil, fmt.Errorf("chainlog: draft event missing id")
	}
	var prevChainHash *string
	if n := len(events); n > 0 {
		h := events[n-1].ChainHash
		prevChainHash = &h
	}
	ph, err := payloadHash(draft)
	if err != nil {
		return nil, err
	}
	ch, err := chainHash(prevChainHash, ph)
	if err != nil {
		return nil, err
	}
	event := Event{
		V:             draft.V,
		ID:            draft.ID,
		StreamID:      draft.StreamID,
		Type:          draft.Type,
		At:            draft.At,
		Actor:         draft.Actor,
		Payload:       draft.Payload,
		PayloadHash:   ph,
		PrevChainHash: prevChainHash,
		ChainHash:     ch,
	}
	if signer != nil {
		sigB64, err := signer.Sign(ctx, []byte(ph), crypto.PurposeEventPayload, map[string]string{"streamId": draft.StreamID})
		if err != nil {
			return nil, err
		}
		keyID := signer.KeyID()
		event.Signature = &sigB64
		event.SignerKeyID = &keyID
	}
	out := make([]Event, 0, len(events)+1)
	out = append(out, events...)
	out = append(out, event)
	return out, nil
}

// VerifyOptions supplies public keys for signature checking, keyed by
// signerKeyId.
type VerifyOptions struct {
	PublicKeyByKeyID map[string][]byte
	Verifier         crypto.Verifier
}

// VerifyResult reports success, or the first offending index and reason.
type VerifyResult struct {
	OK    bool
	Error *ChainIntegrityError
}

// Verify checks every event's hash chain and, when present, signature.
// Verification stops at the first offending index.
func Verify(events []Event, opts VerifyOptions) VerifyResult {
	var prevChainHash *string
	for i, ev := range events {
		if (prevChainHash == nil) != (ev.PrevChainHash == nil) || (prevChainHash != nil && ev.PrevChainHash != nil && *prevChainHash != *ev.PrevChainHash) {
			return VerifyResult{Error: &ChainIntegrityError{Index: i, Reason: ReasonPrevChainHashMismatch}}
		}
		draft := DraftEvent{V: ev.V, ID: ev.ID, StreamID: ev.StreamID, Type: ev.Type, At: ev.At, Actor: ev.Actor, Payload: ev.Payload}
		ph, err := payloadHash(draft)
		if err != nil || ph != ev.PayloadHash {
			return VerifyResult{Error: &ChainIntegrityError{Index: i, Reason: ReasonPayloadHashMismatch}}
		}
		ch, err := chainHash(ev.PrevChainHash, ev.PayloadHash)
		if err != nil || ch != ev.ChainHash {
			return VerifyResult{Error: &ChainIntegrityError{Index: i, Reason: ReasonChainHashMismatch}}
		}
		if ev.Signature != nil {
			if ev.SignerKeyID == nil || *ev.SignerKeyID == "" {
				return VerifyResult{Error: &ChainIntegrityError{Index: i, Reason: ReasonMissingSignerKeyID}}
			}
			pub, ok := opts.PublicKeyByKeyID[*ev.SignerKeyID]
			if !ok {
				return VerifyResult{Error: &ChainIntegrityError{Index: i, Reason: ReasonUnknownSignerKeyID}}
			}
			verifier := opts.Verifier
			if verifier == nil {
				verifier = crypto.Ed25519Verifier{}
			}
			if err := verifier.Verify(pub, []byte(ev.PayloadHash), crypto.PurposeEventPayload, map[string]string{"streamId": ev.StreamID}, *ev.Signature); err != nil {
				return VerifyResult{Error: &ChainIntegrityError{Index: i, Reason: ReasonSignatureInvalid}}
			}
		}
		ch2 := ev.ChainHash
		prevChainHash = &ch2
	}
	return VerifyResult{OK: true}
}
