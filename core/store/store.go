package store

import "context"

// ListOptions paginate entity listers. Cursors are entity IDs, not opaque
// tokens; listers return stable orderings (updatedAt ASC, entityId ASC) to
// break timestamp ties deterministically.
type ListOptions struct {
	AfterID string
	Limit   int
}

// Store is the abstraction every gateway handler and tick operation goes
// through. Implementations: store/memory.go (in-process, single-writer)
// and core/storepg (Postgres via gorm, SERIALIZABLE transactions).
type Store interface {
	CommitTx(ctx context.Context, batch Batch) error

	GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error)
	GetStreamHead(ctx context.Context, streamID string) (*StreamHead, error)
	ListSessionEvents(ctx context.Context, streamID string, afterEventID string, limit int) ([]EventRecord, error)
	GetSessionEvent(ctx context.Context, streamID, eventID string) (*EventRecord, error)

	ListAgentCards(ctx context.Context, tenantID string, opts ListOptions) ([]AgentCard, error)
	GetAgentCard(ctx context.Context, tenantID, agentID string) (*AgentCard, error)

	GetX402Gate(ctx context.Context, tenantID, gateID string) (*X402Gate, error)
	GetX402Escalation(ctx context.Context, tenantID, escalationID string) (*X402Escalation, error)
	ListX402EscalationsByAgent(ctx context.Context, tenantID, agentID, status string) ([]X402Escalation, error)
	ListX402GatesByPayer(ctx context.Context, tenantID, payerAgentID string) ([]X402Gate, error)
	GetX402WalletPolicy(ctx context.Context, sponsorWalletRef string) (*X402WalletPolicy, error)
	GetX402AgentLifecycle(ctx context.Context, tenantID, agentID string) (*X402AgentLifecycle, error)
	ListX402AgentLifecyclesDue(ctx context.Context, now string) ([]X402AgentLifecycle, error)

	GetAgentRunSettlement(ctx context.Context, runID string) (*AgentRunSettlement, error)

	GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error)

	ListDueOutboxMessages(ctx context.Context, tenantID string, outType string, now string, limit int) ([]OutboxMessage, error)
	GetOutboxMessageByDispatchID(ctx context.Context, tenantID, dispatchID string) (*OutboxMessage, error)
}

// EventRecord is a chainlog.Event persisted against a stream, carried in
// store results so callers don't need a separate chainlog fetch.
type EventRecord struct {
	StreamID      string
	EventID       string
	Type          string
	At            string
	Actor         string
	Payload       map[string]any
	PayloadHash   string
	PrevChainHash *string
	ChainHash     string
	Signature     *string
	SignerKeyID   *string
}
