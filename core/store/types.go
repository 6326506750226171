// Package store defines the transactional store abstraction: entity
// getters/listers plus a single mutator, CommitTx, that applies a batch of
// typed operations atomically. Two backends implement this interface:
// store/memory.go (single-writer, in-process) and core/storepg (Postgres,
// gorm, SERIALIZABLE transactions).
package store

import "settld/core/chainlog"

// Session is one chained event stream per session.
type Session struct {
	SessionID     string
	TenantID      string
	Visibility    string // tenant | private | public
	Participants  []string
	CreatedAt     string
	UpdatedAt     string
	LastEventID   string
	LastChainHash string
}

// AgentCard is an agent's published capability card.
type AgentCard struct {
	AgentID      string
	TenantID     string
	Visibility   string
	Capabilities []string
	Host         string
	Tools        []string
	UpdatedAt    string
	Revision     int64
}

// X402Gate is the authoritative per-gate FSM state for a payment gate.
type X402Gate struct {
	GateID                string
	TenantID              string
	PayerAgentID          string
	PayeeAgentID          string
	AmountCents           int64
	Currency              string
	ToolID                string
	State                 string
	AgentPassport         map[string]any
	Quote                 *X402Quote
	Authorization         *X402Authorization
	Reversal              *X402Reversal
	ReversalDispatch      *X402ReversalDispatch
	QuoteCancelReasonCode string
	QuoteCanceledAt       string
	CreatedAt             string
	UpdatedAt             string
}

// X402Quote is the quote sub-record attached to a gate.
type X402Quote struct {
	QuoteID     string
	ExpiresAt   string
	AmountCents int64
	Currency    string
}

// X402Authorization is the pinned authorization decision on a gate.
type X402Authorization struct {
	DecisionToken string
	SponsorRef    string
	AuthorizedAt  string
}

// X402Reversal tracks a gate's reversal outcome.
type X402Reversal struct {
	Action string // void_authorization | request_refund | resolve_refund
	Status string // pending | voided
}

// X402ReversalDispatch tracks the outbox dispatch bound to a reversal.
type X402ReversalDispatch struct {
	DispatchID string
	Status     string // pending | completed
}

// X402WalletPolicy is the wallet policy entity governing authorization
// decisions.
type X402WalletPolicy struct {
	SponsorRef                  string
	SponsorWalletRef            string
	PolicyRef                   string
	PolicyVersion               string
	Status                      string
	MaxAmountCents              int64
	MaxDailyAuthorizationCents  int64
	AllowedProviderIDs          []string
	AllowedToolIDs              []string
	AllowedCurrencies           []string
	AllowedReversalActions      []string
	RequireQuote                bool
	RequireStrictRequestBinding bool
	RequireAgentKeyMatch        bool
}

// X402AgentLifecycle is an agent's wind-down lifecycle entity.
type X402AgentLifecycle struct {
	AgentID    string
	TenantID   string
	Status     string // active | suspended | frozen
	ReasonCode string
	UpdatedAt  string
	Revision   int64
}

// X402Escalation is a paused authorization decision awaiting review.
type X402Escalation struct {
	EscalationID string
	TenantID     string
	GateID       string
	AgentID      string
	Status       string // pending | approved | denied
	ReasonCode   string
	CreatedAt    string
	UpdatedAt    string
}

// OutboxMessage is a durable per-tenant queue row.
type OutboxMessage struct {
	ID            string
	TenantID      string
	Type          string
	At            string
	Payload       map[string]any
	Attempts      int
	NextAttemptAt string
	DeliveredAt   string
	DispatchID    string
	Dead          bool
}

// IdempotencyRecord bounds repeated side effects for one (tenant, key).
type IdempotencyRecord struct {
	TenantID           string
	Key                string
	RequestFingerprint string
	ResponseStatus     int
	ResponseBody       []byte
	CreatedAt          string
}

// AgentRunSettlement is escrow state per run.
type AgentRunSettlement struct {
	SettlementID string
	RunID        string
	Status       string // locked | released | refunded
	AmountCents  int64
	Revision     int64
}

// StreamHead tracks the append cursor for one chained event stream.
type StreamHead struct {
	StreamID      string
	LastEventID   string
	LastChainHash string
	EventCount    int64
}

// NotFoundError is returned by getters/listers when an entity does not
// exist. Callers type-assert to distinguish "absent" from other failures.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return "store: " + e.Entity + " not found: " + e.ID }

// ConflictError is returned when an operation's precondition (expected prev
// chain hash, idempotency fingerprint, unused dispatchId) does not hold.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "store: conflict: " + e.Reason }

// Batch is a sequence of typed operations applied atomically by CommitTx:
// all operations succeed, or none are observable.
type Batch struct {
	At  string
	Ops []Op
}

// Op is implemented by every typed operation kind. Op is a closed marker
// interface — backends type-switch over concrete Op values, mirroring the
// one-struct-per-kind shape used for domain events throughout this
// codebase.
type Op interface {
	opKind() string
}

type AgentCardUpsertOp struct {
	Card AgentCard
}

func (AgentCardUpsertOp) opKind() string { return "AGENT_CARD_UPSERT" }

type SessionCreateOp struct {
	Session Session
}

func (SessionCreateOp) opKind() string { return "SESSION_CREATE" }

// SessionAppendEventOp appends a draft event to a session's stream and
// updates the stream head in the same transaction.
type SessionAppendEventOp struct {
	SessionID         string
	Draft             chainlog.DraftEvent
	ExpectedPrevChain *string // nil means "don't check"; spec's X-Proxy-Expected-Prev-Chain-Hash
	Signature         *string
	SignerKeyID       *string
}

func (SessionAppendEventOp) opKind() string { return "SESSION_APPEND_EVENT" }

type X402GatePutOp struct {
	Gate X402Gate
}

func (X402GatePutOp) opKind() string { return "X402_GATE_PUT" }

type X402EscalationPutOp struct {
	Escalation X402Escalation
}

func (X402EscalationPutOp) opKind() string { return "X402_ESCALATION_PUT" }

type X402WalletPolicyPutOp struct {
	Policy X402WalletPolicy
}

func (X402WalletPolicyPutOp) opKind() string { return "X402_WALLET_POLICY_PUT" }

type X402AgentLifecyclePutOp struct {
	Lifecycle X402AgentLifecycle
}

func (X402AgentLifecyclePutOp) opKind() string { return "X402_AGENT_LIFECYCLE_PUT" }

type AgentRunSettlementPutOp struct {
	Settlement AgentRunSettlement
}

func (AgentRunSettlementPutOp) opKind() string { return "AGENT_RUN_SETTLEMENT_PUT" }

type OutboxEnqueueOp struct {
	Message OutboxMessage
}

func (OutboxEnqueueOp) opKind() string { return "OUTBOX_ENQUEUE" }

type OutboxUpdateOp struct {
	Message OutboxMessage
}

func (OutboxUpdateOp) opKind() string { return "OUTBOX_UPDATE" }

type IdempotencyPutOp struct {
	Record IdempotencyRecord
}

func (IdempotencyPutOp) opKind() string { return "IDEMPOTENCY_PUT" }
