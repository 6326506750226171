package store

import (
	"context"
	"sort"
	"sync"

	"settld/core/chainlog"
)

// tenantState holds one tenant's entities. Memory is the dev/test backend;
// single-writer discipline is enforced by one mutex guarding the whole
// store rather than per-tenant locks.
type tenantState struct {
	agentCards   map[string]AgentCard
	gates        map[string]X402Gate
	escalations  map[string]X402Escalation
	lifecycles   map[string]X402AgentLifecycle
	settlements  map[string]AgentRunSettlement
	idempotency  map[string]IdempotencyRecord
	outbox       map[string]OutboxMessage
	outboxByDisp map[string]string // dispatchId -> outbox message id
}

func newTenantState() *tenantState {
	return &tenantState{
		agentCards:   map[string]AgentCard{},
		gates:        map[string]X402Gate{},
		escalations:  map[string]X402Escalation{},
		lifecycles:   map[string]X402AgentLifecycle{},
		settlements:  map[string]AgentRunSettlement{},
		idempotency:  map[string]IdempotencyRecord{},
		outbox:       map[string]OutboxMessage{},
		outboxByDisp: map[string]string{},
	}
}

// Memory is the in-process Store implementation: single-writer discipline
// behind one sync.Mutex, per-tenant maps. Used for tests, dev, and
// settldctl's offline mode.
type Memory struct {
	mu             sync.Mutex
	tenants        map[string]*tenantState
	sessions       map[string]Session // sessionId -> Session (global index; sessions are tenant-owned via Session.TenantID)
	streamEvents   map[string][]chainlog.Event
	walletPolicies map[string]X402WalletPolicy // sponsorWalletRef -> policy
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants:        map[string]*tenantState{},
		sessions:       map[string]Session{},
		streamEvents:   map[string][]chainlog.Event{},
		walletPolicies: map[string]X402WalletPolicy{},
	}
}

func (m *Memory) tenant(id string) *tenantState {
	t, ok := m.tenants[id]
	if !ok {
		t = newTenantState()
		m.tenants[id] = t
	}
	return t
}

// CommitTx applies ops atomically: every op is validated against the
// current state before any op is applied, so a failing op leaves no trace.
// Each op is validated on its own, not against earlier ops in the batch.
func (m *Memory) CommitTx(_ context.Context, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Pre-validate every op against current state before mutating anything,
	// so a later op's failure cannot leave earlier ops' effects applied.
	for _, op := range batch.Ops {
		if err := m.validateOp(op); err != nil {
			return err
		}
	}
	for _, op := range batch.Ops {
		m.applyOp(op, batch.At)
	}
	return nil
}

func (m *Memory) validateOp(op Op) error {
	switch v := op.(type) {
	case SessionAppendEventOp:
		if v.ExpectedPrevChain != nil {
			events := m.streamEvents[v.SessionID]
			var actual *string
			if n := len(events); n > 0 {
				h := events[n-1].ChainHash
				actual = &h
			}
			if actual == nil || *actual != *v.ExpectedPrevChain {
				return &ConflictError{Reason: "expected prev chain hash mismatch"}
			}
		}
	case IdempotencyPutOp:
		t := m.tenant(v.Record.TenantID)
		if existing, ok := t.idempotency[v.Record.Key]; ok {
			if existing.RequestFingerprint != v.Record.RequestFingerprint {
				return &ConflictError{Reason: "idempotency key fingerprint mismatch"}
			}
		}
	case OutboxEnqueueOp:
		if v.Message.DispatchID != "" {
			t := m.tenant(v.Message.TenantID)
			if _, ok := t.outboxByDisp[v.Message.DispatchID]; ok {
				return &ConflictError{Reason: "dispatch already enqueued"}
			}
		}
	}
	return nil
}

func (m *Memory) applyOp(op Op, at string) {
	switch v := op.(type) {
	case AgentCardUpsertOp:
		t := m.tenant(v.Card.TenantID)
		t.agentCards[v.Card.AgentID] = v.Card
	case SessionCreateOp:
		m.sessions[v.Session.SessionID] = v.Session
	case SessionAppendEventOp:
		events := m.streamEvents[v.SessionID]
		var signer *presignedSig
		if v.Signature != nil && v.SignerKeyID != nil {
			signer = &presignedSig{keyID: *v.SignerKeyID, sig: *v.Signature}
		}
		extended, err := appendPresigned(events, v.Draft, signer)
		if err != nil {
			// Pre-validated ops should never fail here; surface nothing
			// since CommitTx has no partial-apply error channel left at
			// this point. A programming error, not a runtime condition.
			return
		}
		m.streamEvents[v.SessionID] = extended
		if sess, ok := m.sessions[v.SessionID]; ok {
			last := extended[len(extended)-1]
			sess.LastEventID = last.ID
			sess.LastChainHash = last.ChainHash
			sess.UpdatedAt = at
			m.sessions[v.SessionID] = sess
		}
	case X402GatePutOp:
		t := m.tenant(v.Gate.TenantID)
		t.gates[v.Gate.GateID] = v.Gate
	case X402EscalationPutOp:
		t := m.tenant(v.Escalation.TenantID)
		t.escalations[v.Escalation.EscalationID] = v.Escalation
	case X402WalletPolicyPutOp:
		m.walletPolicies[v.Policy.SponsorWalletRef] = v.Policy
	case X402AgentLifecyclePutOp:
		t := m.tenant(v.Lifecycle.TenantID)
		t.lifecycles[v.Lifecycle.AgentID] = v.Lifecycle
	case AgentRunSettlementPutOp:
		// Settlements are not tenant-keyed in the data model; store under a
		// synthetic "global" tenant bucket keyed by runId.
		t := m.tenant("__settlements__")
		t.settlements[v.Settlement.RunID] = v.Settlement
	case OutboxEnqueueOp:
		t := m.tenant(v.Message.TenantID)
		t.outbox[v.Message.ID] = v.Message
		if v.Message.DispatchID != "" {
			t.outboxByDisp[v.Message.DispatchID] = v.Message.ID
		}
	case OutboxUpdateOp:
		t := m.tenant(v.Message.TenantID)
		t.outbox[v.Message.ID] = v.Message
	case IdempotencyPutOp:
		t := m.tenant(v.Record.TenantID)
		t.idempotency[v.Record.Key] = v.Record
	}
}

// presignedSig carries a signature already computed by the caller (e.g. a
// remote signer invoked before CommitTx) rather than signing again inside
// the lock — CommitTx must never itself perform I/O.
type presignedSig struct {
	keyID string
	sig   string
}

// appendPresigned finalizes the hash chain and, if signer is non-nil,
// attaches its pre-computed signature directly without invoking Sign again.
func appendPresigned(events []chainlog.Event, draft chainlog.DraftEvent, signer *presignedSig) ([]chainlog.Event, error) {
	extended, err := chainlog.Append(context.Background(), events, draft, nil)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		last := extended[len(extended)-1]
		keyID := signer.keyID
		sig := signer.sig
		last.Signature = &sig
		last.SignerKeyID = &keyID
		extended[len(extended)-1] = last
	}
	return extended, nil
}

func (m *Memory) GetSession(_ context.Context, tenantID, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.TenantID != tenantID {
		return nil, &NotFoundError{Entity: "session", ID: sessionID}
	}
	cp := s
	return &cp, nil
}

func (m *Memory) GetStreamHead(_ context.Context, streamID string) (*StreamHead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.streamEvents[streamID]
	if len(events) == 0 {
		return &StreamHead{StreamID: streamID}, nil
	}
	last := events[len(events)-1]
	return &StreamHead{StreamID: streamID, LastEventID: last.ID, LastChainHash: last.ChainHash, EventCount: int64(len(events))}, nil
}

func (m *Memory) ListSessionEvents(_ context.Context, streamID string, afterEventID string, limit int) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.streamEvents[streamID]
	start := 0
	if afterEventID != "" {
		found := false
		for i, e := range events {
			if e.ID == afterEventID {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, &NotFoundError{Entity: "event", ID: afterEventID}
		}
	}
	out := make([]EventRecord, 0, len(events)-start)
	for _, e := range events[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, toRecord(streamID, e))
	}
	return out, nil
}

func (m *Memory) GetSessionEvent(_ context.Context, streamID, eventID string) (*EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.streamEvents[streamID] {
		if e.ID == eventID {
			rec := toRecord(streamID, e)
			return &rec, nil
		}
	}
	return nil, &NotFoundError{Entity: "event", ID: eventID}
}

func toRecord(streamID string, e chainlog.Event) EventRecord {
	return EventRecord{
		StreamID: streamID, EventID: e.ID, Type: e.Type, At: e.At, Actor: e.Actor,
		Payload: e.Payload, PayloadHash: e.PayloadHash, PrevChainHash: e.PrevChainHash,
		ChainHash: e.ChainHash, Signature: e.Signature, SignerKeyID: e.SignerKeyID,
	}
}

func (m *Memory) ListAgentCards(_ context.Context, tenantID string, opts ListOptions) ([]AgentCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[tenantID]
	if t == nil {
		return nil, nil
	}
	cards := make([]AgentCard, 0, len(t.agentCards))
	for _, c := range t.agentCards {
		cards = append(cards, c)
	}
	sort.Slice(cards, func(i, j int) bool {
		if cards[i].UpdatedAt != cards[j].UpdatedAt {
			return cards[i].UpdatedAt < cards[j].UpdatedAt
		}
		return cards[i].AgentID < cards[j].AgentID
	})
	if opts.AfterID != "" {
		idx := 0
		for i, c := range cards {
			if c.AgentID == opts.AfterID {
				idx = i + 1
				break
			}
		}
		cards = cards[idx:]
	}
	if opts.Limit > 0 && len(cards) > opts.Limit {
		cards = cards[:opts.Limit]
	}
	return cards, nil
}

func (m *Memory) GetAgentCard(_ context.Context, tenantID, agentID string) (*AgentCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[tenantID]
	if t == nil {
		return nil, &NotFoundError{Entity: "agentCard", ID: agentID}
	}
	c, ok := t.agentCards[agentID]
	if !ok {
		return nil, &NotFoundError{Entity: "agentCard", ID: agentID}
	}
	return &c, nil
}

func (m *Memory) GetX402Gate(_ context.Context, tenantID, gateID string) (*X402Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[tenantID]
	if t == nil {
		return nil, &NotFoundError{Entity: "x402Gate", ID: gateID}
	}
	g, ok := t.gates[gateID]
	if !ok {
		return nil, &NotFoundError{Entity: "x402Gate", ID: gateID}
	}
	return &g, nil
}

func (m *Memory) GetX402Escalation(_ context.Context, tenantID, escalationID string) (*X402Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[tenantID]
	if t == nil {
		return nil, &NotFoundError{Entity: "x402Escalation", ID: escalationID}
	}
	e, ok := t.escalations[escalationID]
	if !ok {
		return nil, &NotFoundError{Entity: "x402Escalation", ID: escalationID}
	}
	return &e, nil
}

func (m *Memory) ListX402EscalationsByAgent(_ context.Context, tenantID, agentID, status string) ([]X402Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[tenantID]
	if t == nil {
		return nil, nil
	}
	out := make([]X402Escalation, 0)
	for _, e := range t.escalations {
		if e.AgentID == agentID && (status == "" || e.Status == status) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscalationID < out[j].EscalationID })
	return out, nil
}

func (m *Memory) ListX402GatesByPayer(_ context.Context, tenantID, payerAgentID string) ([]X402Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[tenantID]
	if t == nil {
		return nil, nil
	}
	out := make([]X402Gate, 0)
	for _, g := range t.gates {
		if g.PayerAgentID == payerAgentID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GateID < out[j].GateID })
	return out, nil
}

func (m *Memory) GetX402WalletPolicy(_ context.Context, sponsorWalletRef string) (*X402WalletPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.walletPolicies[sponsorWalletRef]
	if !ok {
		return nil, &NotFoundError{Entity: "x402WalletPolicy", ID: sponsorWalletRef}
	}
	return &p, nil
}

func (m *Memory) GetX402AgentLifecycle(_ context.Context, tenantID, agentID string) (*X402AgentLifecycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[tenantID]
	if t == nil {
		return nil, &NotFoundError{Entity: "x402AgentLifecycle", ID: agentID}
	}
	l, ok := t.lifecycles[agentID]
	if !ok {
		return nil, &NotFoundError{Entity: "x402AgentLifecycle", ID: agentID}
	}
	return &l, nil
}

func (m *Memory) ListX402AgentLifecyclesDue(_ context.Context, _ string) ([]X402AgentLifecycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]X402AgentLifecycle, 0)
	for _, t := range m.tenants {
		for _, l := range t.lifecycles {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *Memory) GetAgentRunSettlement(_ context.Context, runID string) (*AgentRunSettlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants["__settlements__"]
	if t == nil {
		return nil, &NotFoundError{Entity: "agentRunSettlement", ID: runID}
	}
	s, ok := t.settlements[runID]
	if !ok {
		return nil, &NotFoundError{Entity: "agentRunSettlement", ID: runID}
	}
	return &s, nil
}

func (m *Memory) GetIdempotencyRecord(_ context.Context, tenantID, key string) (*IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[tenantID]
	if t == nil {
		return nil, &NotFoundError{Entity: "idempotencyRecord", ID: key}
	}
	r, ok := t.idempotency[key]
	if !ok {
		return nil, &NotFoundError{Entity: "idempotencyRecord", ID: key}
	}
	return &r, nil
}

func (m *Memory) ListDueOutboxMessages(_ context.Context, tenantID string, outType string, now string, limit int) ([]OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[tenantID]
	if t == nil {
		return nil, nil
	}
	out := make([]OutboxMessage, 0)
	for _, msg := range t.outbox {
		if msg.Dead || msg.DeliveredAt != "" {
			continue
		}
		if outType != "" && msg.Type != outType {
			continue
		}
		if msg.NextAttemptAt > now {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At != out[j].At {
			return out[i].At < out[j].At
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetOutboxMessageByDispatchID(_ context.Context, tenantID, dispatchID string) (*OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenants[tenantID]
	if t == nil {
		return nil, &NotFoundError{Entity: "outboxMessage", ID: dispatchID}
	}
	id, ok := t.outboxByDisp[dispatchID]
	if !ok {
		return nil, &NotFoundError{Entity: "outboxMessage", ID: dispatchID}
	}
	msg := t.outbox[id]
	return &msg, nil
}

var _ Store = (*Memory)(nil)
