// Package storepg is the Postgres backend: one *gorm.DB per process,
// CommitTx wraps every batch in a SERIALIZABLE transaction, and rows carry
// a uuid primary key, tenantId/entityId columns, and a revision counter
// that every update increments; no write compares the stored revision
// before updating — the shape used throughout services/otc-gateway/models.
package storepg

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionRow mirrors store.Session.
type SessionRow struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID      string    `gorm:"type:text;index:idx_session_tenant"`
	SessionID     string    `gorm:"type:text;uniqueIndex"`
	Visibility    string    `gorm:"type:text"`
	Participants  string    `gorm:"type:text"` // comma-joined; small cardinality, avoids a join table
	CreatedAt     string    `gorm:"type:text"`
	UpdatedAt     string    `gorm:"type:text"`
	LastEventID   string    `gorm:"type:text"`
	LastChainHash string    `gorm:"type:text"`
	Revision      int64     `gorm:"type:bigint;default:0"`
}

// StreamEventRow mirrors chainlog.Event, persisted flat per stream.
type StreamEventRow struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	StreamID      string    `gorm:"type:text;index:idx_event_stream"`
	EventID       string    `gorm:"type:text;uniqueIndex:idx_event_stream_event"`
	Seq           int64     `gorm:"type:bigint"`
	Type          string    `gorm:"type:text"`
	At            string    `gorm:"type:text"`
	Actor         string    `gorm:"type:text"`
	PayloadJSON   string    `gorm:"type:text"`
	PayloadHash   string    `gorm:"type:text"`
	PrevChainHash *string   `gorm:"type:text"`
	ChainHash     string    `gorm:"type:text"`
	Signature     *string   `gorm:"type:text"`
	SignerKeyID   *string   `gorm:"type:text"`
}

// AgentCardRow mirrors store.AgentCard.
type AgentCardRow struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID       string    `gorm:"type:text;index:idx_card_tenant"`
	AgentID        string    `gorm:"type:text;uniqueIndex:idx_card_tenant_agent"`
	Visibility     string    `gorm:"type:text"`
	CapabilitiesJSON string  `gorm:"type:text"`
	Host           string    `gorm:"type:text"`
	ToolsJSON      string    `gorm:"type:text"`
	UpdatedAt      string    `gorm:"type:text"`
	Revision       int64     `gorm:"type:bigint;default:0"`
}

// X402GateRow mirrors store.X402Gate, with sub-records flattened to JSON
// columns — the gate is read and written as a whole to keep its FSM state
// consistent.
type X402GateRow struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID              string    `gorm:"type:text;index:idx_gate_tenant"`
	GateID                string    `gorm:"type:text;uniqueIndex:idx_gate_tenant_gate"`
	PayerAgentID          string    `gorm:"type:text;index:idx_gate_payer"`
	PayeeAgentID          string    `gorm:"type:text"`
	AmountCents           int64     `gorm:"type:bigint"`
	Currency              string    `gorm:"type:text"`
	ToolID                string    `gorm:"type:text"`
	State                 string    `gorm:"type:text"`
	AgentPassportJSON     string    `gorm:"type:text"`
	QuoteJSON             string    `gorm:"type:text"`
	AuthorizationJSON     string    `gorm:"type:text"`
	ReversalJSON          string    `gorm:"type:text"`
	ReversalDispatchJSON  string    `gorm:"type:text"`
	QuoteCancelReasonCode string    `gorm:"type:text"`
	QuoteCanceledAt       string    `gorm:"type:text"`
	CreatedAt             string    `gorm:"type:text"`
	UpdatedAt             string    `gorm:"type:text"`
	Revision              int64     `gorm:"type:bigint;default:0"`
}

// X402EscalationRow mirrors store.X402Escalation.
type X402EscalationRow struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID     string    `gorm:"type:text;index:idx_escalation_tenant"`
	EscalationID string    `gorm:"type:text;uniqueIndex:idx_escalation_tenant_id"`
	GateID       string    `gorm:"type:text"`
	AgentID      string    `gorm:"type:text;index:idx_escalation_agent"`
	Status       string    `gorm:"type:text"`
	ReasonCode   string    `gorm:"type:text"`
	CreatedAt    string    `gorm:"type:text"`
	UpdatedAt    string    `gorm:"type:text"`
	Revision     int64     `gorm:"type:bigint;default:0"`
}

// X402WalletPolicyRow mirrors store.X402WalletPolicy.
type X402WalletPolicyRow struct {
	ID                          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SponsorRef                  string    `gorm:"type:text"`
	SponsorWalletRef            string    `gorm:"type:text;uniqueIndex"`
	PolicyRef                   string    `gorm:"type:text"`
	PolicyVersion               string    `gorm:"type:text"`
	Status                      string    `gorm:"type:text"`
	MaxAmountCents              int64     `gorm:"type:bigint"`
	MaxDailyAuthorizationCents  int64     `gorm:"type:bigint"`
	AllowedProviderIDsJSON      string    `gorm:"type:text"`
	AllowedToolIDsJSON          string    `gorm:"type:text"`
	AllowedCurrenciesJSON       string    `gorm:"type:text"`
	AllowedReversalActionsJSON  string    `gorm:"type:text"`
	RequireQuote                bool
	RequireStrictRequestBinding bool
	RequireAgentKeyMatch        bool
	Revision                    int64 `gorm:"type:bigint;default:0"`
}

// X402AgentLifecycleRow mirrors store.X402AgentLifecycle.
type X402AgentLifecycleRow struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID   string    `gorm:"type:text;index:idx_lifecycle_tenant"`
	AgentID    string    `gorm:"type:text;uniqueIndex:idx_lifecycle_tenant_agent"`
	Status     string    `gorm:"type:text"`
	ReasonCode string    `gorm:"type:text"`
	UpdatedAt  string    `gorm:"type:text"`
	Revision   int64     `gorm:"type:bigint;default:0"`
}

// AgentRunSettlementRow mirrors store.AgentRunSettlement.
type AgentRunSettlementRow struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SettlementID string    `gorm:"type:text;uniqueIndex"`
	RunID        string    `gorm:"type:text;uniqueIndex"`
	Status       string    `gorm:"type:text"`
	AmountCents  int64     `gorm:"type:bigint"`
	Revision     int64     `gorm:"type:bigint;default:0"`
}

// OutboxMessageRow mirrors store.OutboxMessage.
type OutboxMessageRow struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID      string    `gorm:"type:text;index:idx_outbox_tenant_due"`
	MessageID     string    `gorm:"type:text;uniqueIndex"`
	Type          string    `gorm:"type:text;index:idx_outbox_tenant_due"`
	At            string    `gorm:"type:text"`
	PayloadJSON   string    `gorm:"type:text"`
	Attempts      int
	NextAttemptAt string `gorm:"type:text;index:idx_outbox_tenant_due"`
	DeliveredAt   string `gorm:"type:text"`
	DispatchID    string `gorm:"type:text;uniqueIndex:idx_outbox_dispatch,where:dispatch_id <> ''"`
	Dead          bool
}

// IdempotencyRecordRow mirrors store.IdempotencyRecord.
type IdempotencyRecordRow struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID            string   `gorm:"type:text;uniqueIndex:idx_idem_tenant_key"`
	Key                 string   `gorm:"type:text;uniqueIndex:idx_idem_tenant_key"`
	RequestFingerprint  string   `gorm:"type:text"`
	ResponseStatus      int
	ResponseBody        []byte    `gorm:"type:bytea"`
	CreatedAt           string    `gorm:"type:text"`
}

// AutoMigrate creates/updates the schema for all storepg models, matching
// services/otc-gateway/models.AutoMigrate's shape.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SessionRow{}, &StreamEventRow{}, &AgentCardRow{},
		&X402GateRow{}, &X402EscalationRow{}, &X402WalletPolicyRow{},
		&X402AgentLifecycleRow{}, &AgentRunSettlementRow{}, &OutboxMessageRow{},
		&IdempotencyRecordRow{},
	)
}

func newUUID() uuid.UUID { return uuid.New() }
