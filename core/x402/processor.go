package x402

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"settld/core/canon"
	"settld/core/crypto"
	"settld/core/store"
)

const reasonAgentInsolventAutoDeny = "AGENT_INSOLVENT_AUTO_DENY"
const reasonAgentFrozen = "X402_AGENT_FROZEN"
const outboxTypeWinddownReversal = "X402_AGENT_WINDDOWN_REVERSAL_REQUESTED"

// Metrics is the narrow observability surface the processor needs; the
// concrete implementation (backed by prometheus) lives in
// observability/metrics so core/x402 never imports a metrics backend
// directly.
type Metrics interface {
	RecordGateTransition(from, to string)
	RecordEscalation()
	RecordWindDown()
}

type noopMetrics struct{}

func (noopMetrics) RecordGateTransition(string, string) {}
func (noopMetrics) RecordEscalation()                   {}
func (noopMetrics) RecordWindDown()                     {}

// Processor drives the gate FSM, wallet policy enforcement, and wind-down/
// insolvency sweeps. Shaped directly after services/payoutd/processor.go's
// Processor: functional-options construction, an in-flight dedup map
// guarded by one mutex, and an otel span tree around every I/O boundary.
type Processor struct {
	store    store.Store
	policies *WalletPolicyEnforcer
	signer   crypto.Signer // optional; PolicyDecision records are unsigned if nil
	metrics  Metrics
	now      func() time.Time
	tracer   trace.Tracer

	mu       sync.Mutex
	inFlight map[string]struct{} // gateId -> in progress, guards concurrent authorize/verify retries
}

// ProcessorOption customizes Processor construction.
type ProcessorOption func(*Processor)

func WithSigner(s crypto.Signer) ProcessorOption { return func(p *Processor) { p.signer = s } }
func WithMetrics(m Metrics) ProcessorOption      { return func(p *Processor) { p.metrics = m } }
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// NewProcessor constructs a gate processor over st, enforcing policies.
func NewProcessor(st store.Store, policies *WalletPolicyEnforcer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store: st, policies: policies, metrics: noopMetrics{}, now: time.Now,
		tracer: otel.Tracer("settld/x402"), inFlight: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) nowISO() string { return p.now().UTC().Format(time.RFC3339Nano) }

// lockGate claims exclusive in-flight status for gateId, returning a
// release func. Concurrent retries of authorize/verify for the same gate
// collapse onto the same outcome rather than racing.
func (p *Processor) lockGate(gateID string) (release func(), alreadyInFlight bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[gateID]; busy {
		return func() {}, true
	}
	p.inFlight[gateID] = struct{}{}
	return func() {
		p.mu.Lock()
		delete(p.inFlight, gateID)
		p.mu.Unlock()
	}, false
}

// CreateGateInput is the argument shape for Create.
type CreateGateInput struct {
	TenantID      string
	GateID        string
	PayerAgentID  string
	PayeeAgentID  string
	AmountCents   int64
	Currency      string
	ToolID        string
	AgentPassport map[string]any
}

// Create records a proposed paid tool invocation. Rejects frozen payers.
func (p *Processor) Create(ctx context.Context, in CreateGateInput) (*store.X402Gate, error) {
	ctx, span := p.tracer.Start(ctx, "x402.create", trace.WithAttributes(attribute.String("gate.id", in.GateID)))
	defer span.End()

	lifecycle, err := p.store.GetX402AgentLifecycle(ctx, in.TenantID, in.PayerAgentID)
	if err == nil && lifecycle.Status == "frozen" {
		err := errAgentFrozen()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Message)
		return nil, err
	}
	now := p.nowISO()
	gate := store.X402Gate{
		GateID: in.GateID, TenantID: in.TenantID, PayerAgentID: in.PayerAgentID, PayeeAgentID: in.PayeeAgentID,
		AmountCents: in.AmountCents, Currency: in.Currency, ToolID: in.ToolID, AgentPassport: in.AgentPassport,
		State: StateCreated, CreatedAt: now, UpdatedAt: now,
	}
	if err := p.store.CommitTx(ctx, store.Batch{At: now, Ops: []store.Op{store.X402GatePutOp{Gate: gate}}}); err != nil {
		return nil, err
	}
	p.metrics.RecordGateTransition("", StateCreated)
	return &gate, nil
}

// QuoteInput is the argument shape for Quote.
type QuoteInput struct {
	TenantID    string
	GateID      string
	QuoteID     string
	ExpiresAt   string
	AmountCents int64
	Currency    string
}

// Quote produces a quote on a created gate. The same idempotency key
// (enforced by the gateway middleware, not here) always returns the same
// quote because Quote is deterministic given (gateId, quoteId).
func (p *Processor) Quote(ctx context.Context, in QuoteInput) (*store.X402Gate, error) {
	gate, err := p.store.GetX402Gate(ctx, in.TenantID, in.GateID)
	if err != nil {
		return nil, err
	}
	if gate.Quote != nil && gate.Quote.QuoteID == in.QuoteID {
		return gate, nil
	}
	if !canTransition(gate.State, StateQuoted) {
		return nil, &GateError{HTTPStatus: 409, Code: "X402_GATE_STATE_CONFLICT", Message: fmt.Sprintf("cannot quote gate in state %s", gate.State)}
	}
	now := p.nowISO()
	updated := *gate
	updated.State = StateQuoted
	updated.Quote = &store.X402Quote{QuoteID: in.QuoteID, ExpiresAt: in.ExpiresAt, AmountCents: in.AmountCents, Currency: in.Currency}
	updated.UpdatedAt = now
	if err := p.store.CommitTx(ctx, store.Batch{At: now, Ops: []store.Op{store.X402GatePutOp{Gate: updated}}}); err != nil {
		return nil, err
	}
	p.metrics.RecordGateTransition(gate.State, StateQuoted)
	return &updated, nil
}

// AuthorizeDecision is the result of a successful wallet authorization.
type AuthorizeDecision struct {
	DecisionToken string
	SignedAt      string
}

// AuthorizeWallet runs the caller-side wallet authorization decision.
// Policy violations raise an escalation and return
// X402_AUTHORIZATION_ESCALATION_REQUIRED with the escalation id.
func (p *Processor) AuthorizeWallet(ctx context.Context, tenantID, agentID string, req AuthorizeRequest) (*AuthorizeDecision, error) {
	ctx, span := p.tracer.Start(ctx, "x402.authorize_wallet")
	defer span.End()

	if err := p.policies.Validate(ctx, req); err != nil {
		escalationID := "esc_" + req.GateID
		now := p.nowISO()
		esc := store.X402Escalation{
			EscalationID: escalationID, TenantID: tenantID, GateID: req.GateID, AgentID: agentID,
			Status: "pending", CreatedAt: now, UpdatedAt: now,
		}
		if cerr := p.store.CommitTx(ctx, store.Batch{At: now, Ops: []store.Op{store.X402EscalationPutOp{Escalation: esc}}}); cerr != nil {
			return nil, cerr
		}
		p.metrics.RecordEscalation()
		gateErr := errEscalationRequired(escalationID)
		span.RecordError(gateErr)
		span.SetStatus(codes.Error, gateErr.Message)
		return nil, gateErr
	}
	p.policies.RecordAuthorization(req.SponsorWalletRef, req.AmountCents)
	digest := canon.HashBytes([]byte(req.GateID + req.SponsorWalletRef))
	token := digest
	if p.signer != nil {
		sig, err := p.signer.Sign(ctx, []byte(digest), crypto.PurposeSettlementDecisionReport, map[string]string{"gateId": req.GateID})
		if err == nil {
			token = sig
		}
	}
	return &AuthorizeDecision{DecisionToken: token, SignedAt: p.nowISO()}, nil
}

// AuthorizePayment consumes a decision token (server-side) and pins the
// authorization to the gate. Idempotent by gateId: a second call observing
// an already-authorized gate is a no-op returning the existing gate.
func (p *Processor) AuthorizePayment(ctx context.Context, tenantID, gateID, decisionToken, sponsorRef string) (*store.X402Gate, error) {
	release, busy := p.lockGate(gateID)
	defer release()
	if busy {
		return p.store.GetX402Gate(ctx, tenantID, gateID)
	}
	gate, err := p.store.GetX402Gate(ctx, tenantID, gateID)
	if err != nil {
		return nil, err
	}
	if gate.State == StateAuthorized {
		return gate, nil
	}
	if !canTransition(gate.State, StateAuthorized) {
		return nil, &GateError{HTTPStatus: 409, Code: "X402_GATE_STATE_CONFLICT", Message: fmt.Sprintf("cannot authorize gate in state %s", gate.State)}
	}
	now := p.nowISO()
	updated := *gate
	updated.State = StateAuthorized
	updated.Authorization = &store.X402Authorization{DecisionToken: decisionToken, SponsorRef: sponsorRef, AuthorizedAt: now}
	updated.UpdatedAt = now
	if err := p.store.CommitTx(ctx, store.Batch{At: now, Ops: []store.Op{store.X402GatePutOp{Gate: updated}}}); err != nil {
		return nil, err
	}
	p.metrics.RecordGateTransition(gate.State, StateAuthorized)
	return &updated, nil
}

// VerifyResult is the outcome of Verify: the gate's new state plus
// normalized reason codes for the gateway adapter's response headers.
type VerifyResult struct {
	Gate        *store.X402Gate
	ReasonCodes []string
	NoCharge    bool // true when a strict/holdback FAIL closed the job with no revenue recognized
}

// Verify transitions an authorized gate to verified/settled. Reason codes
// passed in rawReasons are normalized via NormalizeReasonCodes before being
// recorded, so the gateway header writer and this decision record are
// guaranteed bit-for-bit identical.
func (p *Processor) Verify(ctx context.Context, tenantID, gateID string, rawReasons []string, strictHoldback bool, proofFailed bool) (*VerifyResult, error) {
	release, busy := p.lockGate(gateID)
	defer release()
	if busy {
		gate, err := p.store.GetX402Gate(ctx, tenantID, gateID)
		if err != nil {
			return nil, err
		}
		return &VerifyResult{Gate: gate, ReasonCodes: NormalizeReasonCodes(rawReasons)}, nil
	}
	gate, err := p.store.GetX402Gate(ctx, tenantID, gateID)
	if err != nil {
		return nil, err
	}
	reasons := NormalizeReasonCodes(rawReasons)

	// In strict/holdback proof-policy modes, a
	// FAIL proof closes the job financially with no revenue recognized —
	// there is exactly one code path, never a PROOF_EVALUATED-triggered
	// fork.
	noCharge := strictHoldback && proofFailed

	next := StateVerified
	if !noCharge {
		next = StateSettled
	}
	if !canTransition(gate.State, StateVerified) && gate.State != StateVerified {
		return nil, &GateError{HTTPStatus: 409, Code: "X402_GATE_STATE_CONFLICT", Message: fmt.Sprintf("cannot verify gate in state %s", gate.State)}
	}
	now := p.nowISO()
	updated := *gate
	updated.State = next
	updated.UpdatedAt = now
	if err := p.store.CommitTx(ctx, store.Batch{At: now, Ops: []store.Op{store.X402GatePutOp{Gate: updated}}}); err != nil {
		return nil, err
	}
	p.metrics.RecordGateTransition(gate.State, next)
	return &VerifyResult{Gate: &updated, ReasonCodes: reasons, NoCharge: noCharge}, nil
}

// WindDownResult summarizes an unwind sweep's effect, returned verbatim in
// the wind-down endpoint's response body.
type WindDownResult struct {
	LifecycleStatus        string
	EscalationsDenied      int
	QuotesCanceled         int
	ReversalDispatchQueued int
}

// WindDown freezes agentID and runs the unwind sweep: denies pending
// escalations, cancels active quotes, and enqueues reversal dispatch for
// every authorized-but-unverified gate. windDownID seeds the reversal
// dispatchId so repeated calls (retries, or the periodic insolvency sweep
// re-observing an already-frozen agent) dedupe rather than re-enqueue.
func (p *Processor) WindDown(ctx context.Context, tenantID, agentID, windDownID, reasonCode string) (*WindDownResult, error) {
	ctx, span := p.tracer.Start(ctx, "x402.wind_down", trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	now := p.nowISO()
	ops := []store.Op{store.X402AgentLifecyclePutOp{Lifecycle: store.X402AgentLifecycle{
		AgentID: agentID, TenantID: tenantID, Status: "frozen", ReasonCode: reasonCode, UpdatedAt: now,
	}}}

	result := &WindDownResult{LifecycleStatus: "frozen"}

	pending, err := p.store.ListX402EscalationsByAgent(ctx, tenantID, agentID, "pending")
	if err != nil {
		return nil, err
	}
	for _, esc := range pending {
		esc.Status = "denied"
		esc.ReasonCode = reasonAgentInsolventAutoDeny
		esc.UpdatedAt = now
		ops = append(ops, store.X402EscalationPutOp{Escalation: esc})
		result.EscalationsDenied++
	}

	gates, err := p.store.ListX402GatesByPayer(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	for _, gate := range gates {
		switch gate.State {
		case StateQuoted:
			if gate.Quote == nil {
				continue
			}
			gate.State = StateCancelled
			gate.QuoteCancelReasonCode = reasonAgentFrozen
			gate.QuoteCanceledAt = now
			gate.Quote.ExpiresAt = now
			gate.UpdatedAt = now
			ops = append(ops, store.X402GatePutOp{Gate: gate})
			result.QuotesCanceled++
		case StateAuthorized:
			dispatchID, err := canon.Hash(map[string]any{
				"tenantId": tenantID, "gateId": gate.GateID, "agentId": agentID, "windDownId": windDownID,
			})
			if err != nil {
				return nil, err
			}
			if _, err := p.store.GetOutboxMessageByDispatchID(ctx, tenantID, dispatchID); err == nil {
				continue // already enqueued by a prior wind-down attempt with this windDownId
			}
			ops = append(ops, store.OutboxEnqueueOp{Message: store.OutboxMessage{
				ID: "ob_" + dispatchID, TenantID: tenantID, Type: outboxTypeWinddownReversal,
				At: now, NextAttemptAt: now, DispatchID: dispatchID,
				Payload: map[string]any{"gateId": gate.GateID, "agentId": agentID, "windDownId": windDownID},
			}})
			result.ReversalDispatchQueued++
		}
	}

	if err := p.store.CommitTx(ctx, store.Batch{At: now, Ops: ops}); err != nil {
		return nil, err
	}
	p.metrics.RecordWindDown()
	return result, nil
}

// InsolvencyCandidate is one payer the insolvency sweep decided to freeze.
type InsolvencyCandidate struct {
	AgentID    string
	ReasonCode string // FUNDS_EXHAUSTED | DELEGATION_EXPIRED
}

// InsolvencySweep runs WindDown for every candidate the tick scheduler
// identified (wallets with zero available+escrow funds but outstanding
// obligations, or gates whose agent passport has expired). Candidate
// selection reads wallet/passport state the tick scheduler owns; this
// method only performs the freeze + unwind once a candidate is named.
func (p *Processor) InsolvencySweep(ctx context.Context, tenantID string, candidates []InsolvencyCandidate, windDownIDFor func(agentID string) string) ([]WindDownResult, error) {
	ctx, span := p.tracer.Start(ctx, "x402.insolvency_sweep")
	defer span.End()

	results := make([]WindDownResult, 0, len(candidates))
	for _, c := range candidates {
		res, err := p.WindDown(ctx, tenantID, c.AgentID, windDownIDFor(c.AgentID), c.ReasonCode)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// ReversalDispatchOutcome is the per-message result of DispatchReversal.
type ReversalDispatchOutcome struct {
	DispatchID string
	Skipped    bool
	Reason     string
}

// DispatchReversal records the reversal of gateID's authorization: if the
// gate's reversalDispatch is already completed, it is a no-op (at-least-once
// outbox delivery replaying a completed dispatch). Otherwise it records a
// void_authorization reversal with status voided, marks reversalDispatch
// completed, and, when runID is non-empty, writes the agent-run settlement
// as refunded. It invokes no external reversal action.
func (p *Processor) DispatchReversal(ctx context.Context, tenantID, gateID string, runID string) (*ReversalDispatchOutcome, error) {
	ctx, span := p.tracer.Start(ctx, "x402.dispatch_reversal", trace.WithAttributes(attribute.String("gate.id", gateID)))
	defer span.End()

	gate, err := p.store.GetX402Gate(ctx, tenantID, gateID)
	if err != nil {
		return nil, err
	}
	if gate.ReversalDispatch != nil && gate.ReversalDispatch.Status == "completed" {
		return &ReversalDispatchOutcome{DispatchID: gate.ReversalDispatch.DispatchID, Skipped: true, Reason: "dispatch_already_completed"}, nil
	}
	now := p.nowISO()
	updated := *gate
	updated.Reversal = &store.X402Reversal{Action: ReversalVoidAuthorization, Status: "voided"}
	dispatchID := ""
	if gate.ReversalDispatch != nil {
		dispatchID = gate.ReversalDispatch.DispatchID
	}
	updated.ReversalDispatch = &store.X402ReversalDispatch{DispatchID: dispatchID, Status: "completed"}
	updated.UpdatedAt = now

	ops := []store.Op{store.X402GatePutOp{Gate: updated}}
	if runID != "" {
		ops = append(ops, store.AgentRunSettlementPutOp{Settlement: store.AgentRunSettlement{
			SettlementID: "settlement_" + runID, RunID: runID, Status: "refunded",
		}})
	}
	if err := p.store.CommitTx(ctx, store.Batch{At: now, Ops: ops}); err != nil {
		return nil, err
	}
	return &ReversalDispatchOutcome{DispatchID: dispatchID}, nil
}
