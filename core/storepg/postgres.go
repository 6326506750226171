package storepg

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"settld/core/chainlog"
	"settld/core/store"
)

// Postgres is the gorm backend: github.com/jackc/pgx in production, or the
// pure-Go github.com/glebarez/sqlite (modernc.org/sqlite) dialect for local
// dev/tests without cgo, the same embedded-dev role
// services/escrow-gateway/storage.go gives modernc.org/sqlite. One *gorm.DB
// serves the whole process; CommitTx wraps every batch in a single
// SERIALIZABLE transaction on Postgres.
type Postgres struct {
	db      *gorm.DB
	dialect string
}

// New wraps an already-connected *gorm.DB (opened via
// gorm.io/driver/postgres.Open by the caller) after running AutoMigrate.
func New(db *gorm.DB) (*Postgres, error) {
	return newWithDialect(db, "postgres")
}

// NewSQLite wraps a *gorm.DB opened via github.com/glebarez/sqlite.Open,
// the embedded backend storeselect.Open hands back for STORE=sqlite.
// SQLite serializes all writes through a single connection already, so
// CommitTx skips the Postgres-only isolation-level statement.
func NewSQLite(db *gorm.DB) (*Postgres, error) {
	return newWithDialect(db, "sqlite")
}

func newWithDialect(db *gorm.DB, dialect string) (*Postgres, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storepg: automigrate: %w", err)
	}
	return &Postgres{db: db, dialect: dialect}, nil
}

func (p *Postgres) CommitTx(ctx context.Context, batch store.Batch) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.dialect == "postgres" {
			if err := tx.Exec("SET TRANSACTION ISOLATION LEVEL SERIALIZABLE").Error; err != nil {
				return fmt.Errorf("storepg: set isolation level: %w", err)
			}
		}
		for _, op := range batch.Ops {
			if err := applyOp(tx, op, batch.At); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyOp(tx *gorm.DB, op store.Op, at string) error {
	switch v := op.(type) {
	case store.AgentCardUpsertOp:
		return upsertAgentCard(tx, v.Card)
	case store.SessionCreateOp:
		return createSession(tx, v.Session)
	case store.SessionAppendEventOp:
		return appendSessionEvent(tx, v, at)
	case store.X402GatePutOp:
		return putGate(tx, v.Gate)
	case store.X402EscalationPutOp:
		return putEscalation(tx, v.Escalation)
	case store.X402WalletPolicyPutOp:
		return putWalletPolicy(tx, v.Policy)
	case store.X402AgentLifecyclePutOp:
		return putLifecycle(tx, v.Lifecycle)
	case store.AgentRunSettlementPutOp:
		return putSettlement(tx, v.Settlement)
	case store.OutboxEnqueueOp:
		return enqueueOutbox(tx, v.Message)
	case store.OutboxUpdateOp:
		return updateOutbox(tx, v.Message)
	case store.IdempotencyPutOp:
		return putIdempotency(tx, v.Record)
	default:
		return fmt.Errorf("storepg: unknown op kind %T", op)
	}
}

func upsertAgentCard(tx *gorm.DB, c store.AgentCard) error {
	caps, _ := json.Marshal(c.Capabilities)
	tools, _ := json.Marshal(c.Tools)
	row := AgentCardRow{
		TenantID: c.TenantID, AgentID: c.AgentID, Visibility: c.Visibility,
		CapabilitiesJSON: string(caps), Host: c.Host, ToolsJSON: string(tools),
		UpdatedAt: c.UpdatedAt,
	}
	var existing AgentCardRow
	err := tx.Where("tenant_id = ? AND agent_id = ?", c.TenantID, c.AgentID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		row.ID = newUUID()
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}
	row.ID = existing.ID
	row.Revision = existing.Revision + 1
	return tx.Save(&row).Error
}

func createSession(tx *gorm.DB, s store.Session) error {
	participants := joinStrings(s.Participants)
	row := SessionRow{
		ID: newUUID(), TenantID: s.TenantID, SessionID: s.SessionID, Visibility: s.Visibility,
		Participants: participants, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
		LastEventID: s.LastEventID, LastChainHash: s.LastChainHash,
	}
	return tx.Create(&row).Error
}

func appendSessionEvent(tx *gorm.DB, op store.SessionAppendEventOp, at string) error {
	var last StreamEventRow
	err := tx.Where("stream_id = ?", op.SessionID).Order("seq DESC").First(&last).Error
	var prevChainHash *string
	seq := int64(0)
	if err == nil {
		h := last.ChainHash
		prevChainHash = &h
		seq = last.Seq + 1
	} else if err != gorm.ErrRecordNotFound {
		return err
	}
	if op.ExpectedPrevChain != nil {
		if prevChainHash == nil || *prevChainHash != *op.ExpectedPrevChain {
			return &store.ConflictError{Reason: "expected prev chain hash mismatch"}
		}
	}
	extended, err := chainlog.Append(context.Background(), tailOf(prevChainHash), op.Draft, nil)
	if err != nil {
		return err
	}
	ev := extended[len(extended)-1]
	if op.Signature != nil && op.SignerKeyID != nil {
		ev.Signature = op.Signature
		ev.SignerKeyID = op.SignerKeyID
	}
	payloadJSON, _ := json.Marshal(ev.Payload)
	row := StreamEventRow{
		ID: newUUID(), StreamID: op.SessionID, EventID: ev.ID, Seq: seq, Type: ev.Type,
		At: ev.At, Actor: ev.Actor, PayloadJSON: string(payloadJSON), PayloadHash: ev.PayloadHash,
		PrevChainHash: ev.PrevChainHash, ChainHash: ev.ChainHash, Signature: ev.Signature, SignerKeyID: ev.SignerKeyID,
	}
	if err := tx.Create(&row).Error; err != nil {
		return err
	}
	return tx.Model(&SessionRow{}).Where("session_id = ?", op.SessionID).
		Updates(map[string]any{"last_event_id": ev.ID, "last_chain_hash": ev.ChainHash, "updated_at": at}).Error
}

// tailOf builds a synthetic one-event tail slice carrying only the
// chainHash needed to derive the next link, used because chainlog.Append
// takes the full prior sequence rather than a bare hash.
func tailOf(prevChainHash *string) []chainlog.Event {
	if prevChainHash == nil {
		return nil
	}
	return []chainlog.Event{{ChainHash: *prevChainHash}}
}

func putGate(tx *gorm.DB, g store.X402Gate) error {
	passport, _ := json.Marshal(g.AgentPassport)
	quote, _ := json.Marshal(g.Quote)
	auth, _ := json.Marshal(g.Authorization)
	reversal, _ := json.Marshal(g.Reversal)
	dispatch, _ := json.Marshal(g.ReversalDispatch)
	row := X402GateRow{
		TenantID: g.TenantID, GateID: g.GateID, PayerAgentID: g.PayerAgentID, PayeeAgentID: g.PayeeAgentID,
		AmountCents: g.AmountCents, Currency: g.Currency, ToolID: g.ToolID, State: g.State,
		AgentPassportJSON: string(passport), QuoteJSON: string(quote), AuthorizationJSON: string(auth),
		ReversalJSON: string(reversal), ReversalDispatchJSON: string(dispatch),
		QuoteCancelReasonCode: g.QuoteCancelReasonCode, QuoteCanceledAt: g.QuoteCanceledAt,
		CreatedAt: g.CreatedAt, UpdatedAt: g.UpdatedAt,
	}
	var existing X402GateRow
	err := tx.Where("tenant_id = ? AND gate_id = ?", g.TenantID, g.GateID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		row.ID = newUUID()
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}
	row.ID = existing.ID
	row.Revision = existing.Revision + 1
	return tx.Save(&row).Error
}

func putEscalation(tx *gorm.DB, e store.X402Escalation) error {
	row := X402EscalationRow{
		TenantID: e.TenantID, EscalationID: e.EscalationID, GateID: e.GateID, AgentID: e.AgentID,
		Status: e.Status, ReasonCode: e.ReasonCode, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
	}
	var existing X402EscalationRow
	err := tx.Where("tenant_id = ? AND escalation_id = ?", e.TenantID, e.EscalationID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		row.ID = newUUID()
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}
	row.ID = existing.ID
	row.Revision = existing.Revision + 1
	return tx.Save(&row).Error
}

func putWalletPolicy(tx *gorm.DB, p store.X402WalletPolicy) error {
	providers, _ := json.Marshal(p.AllowedProviderIDs)
	tools, _ := json.Marshal(p.AllowedToolIDs)
	currencies, _ := json.Marshal(p.AllowedCurrencies)
	actions, _ := json.Marshal(p.AllowedReversalActions)
	row := X402WalletPolicyRow{
		SponsorRef: p.SponsorRef, SponsorWalletRef: p.SponsorWalletRef, PolicyRef: p.PolicyRef,
		PolicyVersion: p.PolicyVersion, Status: p.Status, MaxAmountCents: p.MaxAmountCents,
		MaxDailyAuthorizationCents: p.MaxDailyAuthorizationCents,
		AllowedProviderIDsJSON:     string(providers), AllowedToolIDsJSON: string(tools),
		AllowedCurrenciesJSON: string(currencies), AllowedReversalActionsJSON: string(actions),
		RequireQuote: p.RequireQuote, RequireStrictRequestBinding: p.RequireStrictRequestBinding,
		RequireAgentKeyMatch: p.RequireAgentKeyMatch,
	}
	var existing X402WalletPolicyRow
	err := tx.Where("sponsor_wallet_ref = ?", p.SponsorWalletRef).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		row.ID = newUUID()
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}
	row.ID = existing.ID
	row.Revision = existing.Revision + 1
	return tx.Save(&row).Error
}

func putLifecycle(tx *gorm.DB, l store.X402AgentLifecycle) error {
	row := X402AgentLifecycleRow{TenantID: l.TenantID, AgentID: l.AgentID, Status: l.Status, ReasonCode: l.ReasonCode, UpdatedAt: l.UpdatedAt}
	var existing X402AgentLifecycleRow
	err := tx.Where("tenant_id = ? AND agent_id = ?", l.TenantID, l.AgentID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		row.ID = newUUID()
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}
	row.ID = existing.ID
	row.Revision = existing.Revision + 1
	return tx.Save(&row).Error
}

func putSettlement(tx *gorm.DB, s store.AgentRunSettlement) error {
	row := AgentRunSettlementRow{SettlementID: s.SettlementID, RunID: s.RunID, Status: s.Status, AmountCents: s.AmountCents}
	var existing AgentRunSettlementRow
	err := tx.Where("run_id = ?", s.RunID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		row.ID = newUUID()
		return tx.Create(&row).Error
	}
	if err != nil {
		return err
	}
	row.ID = existing.ID
	row.Revision = existing.Revision + 1
	return tx.Save(&row).Error
}

func enqueueOutbox(tx *gorm.DB, m store.OutboxMessage) error {
	if m.DispatchID != "" {
		var existing OutboxMessageRow
		err := tx.Where("dispatch_id = ?", m.DispatchID).First(&existing).Error
		if err == nil {
			return &store.ConflictError{Reason: "dispatch already enqueued"}
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
	}
	payload, _ := json.Marshal(m.Payload)
	row := OutboxMessageRow{
		ID: newUUID(), TenantID: m.TenantID, MessageID: m.ID, Type: m.Type, At: m.At,
		PayloadJSON: string(payload), Attempts: m.Attempts, NextAttemptAt: m.NextAttemptAt,
		DeliveredAt: m.DeliveredAt, DispatchID: m.DispatchID, Dead: m.Dead,
	}
	return tx.Create(&row).Error
}

func updateOutbox(tx *gorm.DB, m store.OutboxMessage) error {
	return tx.Model(&OutboxMessageRow{}).Where("message_id = ?", m.ID).Updates(map[string]any{
		"attempts": m.Attempts, "next_attempt_at": m.NextAttemptAt,
		"delivered_at": m.DeliveredAt, "dead": m.Dead,
	}).Error
}

func putIdempotency(tx *gorm.DB, r store.IdempotencyRecord) error {
	var existing IdempotencyRecordRow
	err := tx.Where("tenant_id = ? AND key = ?", r.TenantID, r.Key).First(&existing).Error
	if err == nil {
		if existing.RequestFingerprint != r.RequestFingerprint {
			return &store.ConflictError{Reason: "idempotency key fingerprint mismatch"}
		}
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	row := IdempotencyRecordRow{
		ID: newUUID(), TenantID: r.TenantID, Key: r.Key, RequestFingerprint: r.RequestFingerprint,
		ResponseStatus: r.ResponseStatus, ResponseBody: r.ResponseBody, CreatedAt: r.CreatedAt,
	}
	return tx.Create(&row).Error
}

func joinStrings(ss []string) string {
	out, _ := json.Marshal(ss)
	return string(out)
}

func splitStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// --- read paths ---

func (p *Postgres) GetSession(ctx context.Context, tenantID, sessionID string) (*store.Session, error) {
	var row SessionRow
	err := p.db.WithContext(ctx).Where("tenant_id = ? AND session_id = ?", tenantID, sessionID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &store.NotFoundError{Entity: "session", ID: sessionID}
	}
	if err != nil {
		return nil, err
	}
	return &store.Session{
		SessionID: row.SessionID, TenantID: row.TenantID, Visibility: row.Visibility,
		Participants: splitStrings(row.Participants), CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
		LastEventID: row.LastEventID, LastChainHash: row.LastChainHash,
	}, nil
}

func (p *Postgres) GetStreamHead(ctx context.Context, streamID string) (*store.StreamHead, error) {
	var last StreamEventRow
	err := p.db.WithContext(ctx).Where("stream_id = ?", streamID).Order("seq DESC").First(&last).Error
	if err == gorm.ErrRecordNotFound {
		return &store.StreamHead{StreamID: streamID}, nil
	}
	if err != nil {
		return nil, err
	}
	var count int64
	if err := p.db.WithContext(ctx).Model(&StreamEventRow{}).Where("stream_id = ?", streamID).Count(&count).Error; err != nil {
		return nil, err
	}
	return &store.StreamHead{StreamID: streamID, LastEventID: last.EventID, LastChainHash: last.ChainHash, EventCount: count}, nil
}

func (p *Postgres) ListSessionEvents(ctx context.Context, streamID string, afterEventID string, limit int) ([]store.EventRecord, error) {
	q := p.db.WithContext(ctx).Where("stream_id = ?", streamID)
	if afterEventID != "" {
		var after StreamEventRow
		if err := p.db.WithContext(ctx).Where("stream_id = ? AND event_id = ?", streamID, afterEventID).First(&after).Error; err != nil {
			return nil, &store.NotFoundError{Entity: "event", ID: afterEventID}
		}
		q = q.Where("seq > ?", after.Seq)
	}
	q = q.Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []StreamEventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.EventRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToRecord(r))
	}
	return out, nil
}

func (p *Postgres) GetSessionEvent(ctx context.Context, streamID, eventID string) (*store.EventRecord, error) {
	var row StreamEventRow
	err := p.db.WithContext(ctx).Where("stream_id = ? AND event_id = ?", streamID, eventID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &store.NotFoundError{Entity: "event", ID: eventID}
	}
	if err != nil {
		return nil, err
	}
	rec := rowToRecord(row)
	return &rec, nil
}

func rowToRecord(row StreamEventRow) store.EventRecord {
	var payload map[string]any
	_ = json.Unmarshal([]byte(row.PayloadJSON), &payload)
	return store.EventRecord{
		StreamID: row.StreamID, EventID: row.EventID, Type: row.Type, At: row.At, Actor: row.Actor,
		Payload: payload, PayloadHash: row.PayloadHash, PrevChainHash: row.PrevChainHash,
		ChainHash: row.ChainHash, Signature: row.Signature, SignerKeyID: row.SignerKeyID,
	}
}

func (p *Postgres) ListAgentCards(ctx context.Context, tenantID string, opts store.ListOptions) ([]store.AgentCard, error) {
	q := p.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if opts.AfterID != "" {
		var after AgentCardRow
		if err := p.db.WithContext(ctx).Where("tenant_id = ? AND agent_id = ?", tenantID, opts.AfterID).First(&after).Error; err == nil {
			q = q.Where("(updated_at, agent_id) > (?, ?)", after.UpdatedAt, after.AgentID)
		}
	}
	q = q.Order("updated_at ASC, agent_id ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var rows []AgentCardRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.AgentCard, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToAgentCard(r))
	}
	return out, nil
}

func rowToAgentCard(r AgentCardRow) store.AgentCard {
	var caps, tools []string
	_ = json.Unmarshal([]byte(r.CapabilitiesJSON), &caps)
	_ = json.Unmarshal([]byte(r.ToolsJSON), &tools)
	return store.AgentCard{
		AgentID: r.AgentID, TenantID: r.TenantID, Visibility: r.Visibility,
		Capabilities: caps, Host: r.Host, Tools: tools, UpdatedAt: r.UpdatedAt, Revision: r.Revision,
	}
}

func (p *Postgres) GetAgentCard(ctx context.Context, tenantID, agentID string) (*store.AgentCard, error) {
	var row AgentCardRow
	err := p.db.WithContext(ctx).Where("tenant_id = ? AND agent_id = ?", tenantID, agentID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &store.NotFoundError{Entity: "agentCard", ID: agentID}
	}
	if err != nil {
		return nil, err
	}
	card := rowToAgentCard(row)
	return &card, nil
}

func (p *Postgres) GetX402Gate(ctx context.Context, tenantID, gateID string) (*store.X402Gate, error) {
	var row X402GateRow
	err := p.db.WithContext(ctx).Where("tenant_id = ? AND gate_id = ?", tenantID, gateID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &store.NotFoundError{Entity: "x402Gate", ID: gateID}
	}
	if err != nil {
		return nil, err
	}
	g := rowToGate(row)
	return &g, nil
}

func rowToGate(row X402GateRow) store.X402Gate {
	var passport map[string]any
	var quote *store.X402Quote
	var auth *store.X402Authorization
	var reversal *store.X402Reversal
	var dispatch *store.X402ReversalDispatch
	_ = json.Unmarshal([]byte(row.AgentPassportJSON), &passport)
	_ = json.Unmarshal([]byte(row.QuoteJSON), &quote)
	_ = json.Unmarshal([]byte(row.AuthorizationJSON), &auth)
	_ = json.Unmarshal([]byte(row.ReversalJSON), &reversal)
	_ = json.Unmarshal([]byte(row.ReversalDispatchJSON), &dispatch)
	return store.X402Gate{
		GateID: row.GateID, TenantID: row.TenantID, PayerAgentID: row.PayerAgentID, PayeeAgentID: row.PayeeAgentID,
		AmountCents: row.AmountCents, Currency: row.Currency, ToolID: row.ToolID, State: row.State,
		AgentPassport: passport, Quote: quote, Authorization: auth, Reversal: reversal, ReversalDispatch: dispatch,
		QuoteCancelReasonCode: row.QuoteCancelReasonCode, QuoteCanceledAt: row.QuoteCanceledAt,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}

func (p *Postgres) GetX402Escalation(ctx context.Context, tenantID, escalationID string) (*store.X402Escalation, error) {
	var row X402EscalationRow
	err := p.db.WithContext(ctx).Where("tenant_id = ? AND escalation_id = ?", tenantID, escalationID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &store.NotFoundError{Entity: "x402Escalation", ID: escalationID}
	}
	if err != nil {
		return nil, err
	}
	return rowToEscalation(row), nil
}

func rowToEscalation(row X402EscalationRow) *store.X402Escalation {
	return &store.X402Escalation{
		EscalationID: row.EscalationID, TenantID: row.TenantID, GateID: row.GateID, AgentID: row.AgentID,
		Status: row.Status, ReasonCode: row.ReasonCode, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}

func (p *Postgres) ListX402EscalationsByAgent(ctx context.Context, tenantID, agentID, status string) ([]store.X402Escalation, error) {
	q := p.db.WithContext(ctx).Where("tenant_id = ? AND agent_id = ?", tenantID, agentID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []X402EscalationRow
	if err := q.Order("escalation_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.X402Escalation, 0, len(rows))
	for _, r := range rows {
		out = append(out, *rowToEscalation(r))
	}
	return out, nil
}

func (p *Postgres) ListX402GatesByPayer(ctx context.Context, tenantID, payerAgentID string) ([]store.X402Gate, error) {
	var rows []X402GateRow
	if err := p.db.WithContext(ctx).Where("tenant_id = ? AND payer_agent_id = ?", tenantID, payerAgentID).Order("gate_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.X402Gate, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToGate(r))
	}
	return out, nil
}

func (p *Postgres) GetX402WalletPolicy(ctx context.Context, sponsorWalletRef string) (*store.X402WalletPolicy, error) {
	var row X402WalletPolicyRow
	err := p.db.WithContext(ctx).Where("sponsor_wallet_ref = ?", sponsorWalletRef).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &store.NotFoundError{Entity: "x402WalletPolicy", ID: sponsorWalletRef}
	}
	if err != nil {
		return nil, err
	}
	return &store.X402WalletPolicy{
		SponsorRef: row.SponsorRef, SponsorWalletRef: row.SponsorWalletRef, PolicyRef: row.PolicyRef,
		PolicyVersion: row.PolicyVersion, Status: row.Status, MaxAmountCents: row.MaxAmountCents,
		MaxDailyAuthorizationCents: row.MaxDailyAuthorizationCents,
		AllowedProviderIDs:         splitStrings(row.AllowedProviderIDsJSON),
		AllowedToolIDs:             splitStrings(row.AllowedToolIDsJSON),
		AllowedCurrencies:          splitStrings(row.AllowedCurrenciesJSON),
		AllowedReversalActions:     splitStrings(row.AllowedReversalActionsJSON),
		RequireQuote:               row.RequireQuote, RequireStrictRequestBinding: row.RequireStrictRequestBinding,
		RequireAgentKeyMatch: row.RequireAgentKeyMatch,
	}, nil
}

func (p *Postgres) GetX402AgentLifecycle(ctx context.Context, tenantID, agentID string) (*store.X402AgentLifecycle, error) {
	var row X402AgentLifecycleRow
	err := p.db.WithContext(ctx).Where("tenant_id = ? AND agent_id = ?", tenantID, agentID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &store.NotFoundError{Entity: "x402AgentLifecycle", ID: agentID}
	}
	if err != nil {
		return nil, err
	}
	return &store.X402AgentLifecycle{AgentID: row.AgentID, TenantID: row.TenantID, Status: row.Status, ReasonCode: row.ReasonCode, UpdatedAt: row.UpdatedAt, Revision: row.Revision}, nil
}

func (p *Postgres) ListX402AgentLifecyclesDue(ctx context.Context, _ string) ([]store.X402AgentLifecycle, error) {
	var rows []X402AgentLifecycleRow
	if err := p.db.WithContext(ctx).Order("agent_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.X402AgentLifecycle, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.X402AgentLifecycle{AgentID: r.AgentID, TenantID: r.TenantID, Status: r.Status, ReasonCode: r.ReasonCode, UpdatedAt: r.UpdatedAt, Revision: r.Revision})
	}
	return out, nil
}

func (p *Postgres) GetAgentRunSettlement(ctx context.Context, runID string) (*store.AgentRunSettlement, error) {
	var row AgentRunSettlementRow
	err := p.db.WithContext(ctx).Where("run_id = ?", runID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &store.NotFoundError{Entity: "agentRunSettlement", ID: runID}
	}
	if err != nil {
		return nil, err
	}
	return &store.AgentRunSettlement{SettlementID: row.SettlementID, RunID: row.RunID, Status: row.Status, AmountCents: row.AmountCents, Revision: row.Revision}, nil
}

func (p *Postgres) GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*store.IdempotencyRecord, error) {
	var row IdempotencyRecordRow
	err := p.db.WithContext(ctx).Where("tenant_id = ? AND key = ?", tenantID, key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &store.NotFoundError{Entity: "idempotencyRecord", ID: key}
	}
	if err != nil {
		return nil, err
	}
	return &store.IdempotencyRecord{
		TenantID: row.TenantID, Key: row.Key, RequestFingerprint: row.RequestFingerprint,
		ResponseStatus: row.ResponseStatus, ResponseBody: row.ResponseBody, CreatedAt: row.CreatedAt,
	}, nil
}

func (p *Postgres) ListDueOutboxMessages(ctx context.Context, tenantID string, outType string, now string, limit int) ([]store.OutboxMessage, error) {
	q := p.db.WithContext(ctx).Where("tenant_id = ? AND dead = false AND delivered_at = '' AND next_attempt_at <= ?", tenantID, now)
	if outType != "" {
		q = q.Where("type = ?", outType)
	}
	q = q.Order("at ASC, message_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []OutboxMessageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.OutboxMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToOutbox(r))
	}
	return out, nil
}

func rowToOutbox(r OutboxMessageRow) store.OutboxMessage {
	var payload map[string]any
	_ = json.Unmarshal([]byte(r.PayloadJSON), &payload)
	return store.OutboxMessage{
		ID: r.MessageID, TenantID: r.TenantID, Type: r.Type, At: r.At, Payload: payload,
		Attempts: r.Attempts, NextAttemptAt: r.NextAttemptAt, DeliveredAt: r.DeliveredAt,
		DispatchID: r.DispatchID, Dead: r.Dead,
	}
}

func (p *Postgres) GetOutboxMessageByDispatchID(ctx context.Context, tenantID, dispatchID string) (*store.OutboxMessage, error) {
	var row OutboxMessageRow
	err := p.db.WithContext(ctx).Where("tenant_id = ? AND dispatch_id = ?", tenantID, dispatchID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, &store.NotFoundError{Entity: "outboxMessage", ID: dispatchID}
	}
	if err != nil {
		return nil, err
	}
	msg := rowToOutbox(row)
	return &msg, nil
}

var _ store.Store = (*Postgres)(nil)
