package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"settld/core/x402"
	"settld/gateway/middleware"
)

const headerSettldProtocol = "X-Settld-Protocol"

// headerSettldReasonCode/headerSettldVerificationCodes are the gateway
// adapter parity headers core/x402/reasoncode.go's doc comment requires:
// the first normalized reason code alone, and the full normalized list.
const (
	headerSettldReasonCode        = "X-Settld-Reason-Code"
	headerSettldVerificationCodes = "X-Settld-Verification-Codes"
)

type createGateRequest struct {
	GateID        string         `json:"gateId"`
	PayerAgentID  string         `json:"payerAgentId"`
	PayeeAgentID  string         `json:"payeeAgentId"`
	AmountCents   int64          `json:"amountCents"`
	Currency      string         `json:"currency"`
	ToolID        string         `json:"toolId"`
	AgentPassport map[string]any `json:"agentPassport"`
}

func (h *handlers) createGate(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	var req createGateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "malformed request body")
		return
	}
	if r.Header.Get(headerSettldProtocol) == "" {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", headerSettldProtocol+" header is required")
		return
	}
	if req.GateID == "" {
		req.GateID = "gate_" + uuid.NewString()
	}
	gate, err := h.cfg.Processor.Create(r.Context(), x402.CreateGateInput{
		TenantID: tenantID, GateID: req.GateID, PayerAgentID: req.PayerAgentID, PayeeAgentID: req.PayeeAgentID,
		AmountCents: req.AmountCents, Currency: req.Currency, ToolID: req.ToolID, AgentPassport: req.AgentPassport,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gate)
}

type quoteGateRequest struct {
	GateID      string `json:"gateId"`
	QuoteID     string `json:"quoteId"`
	ExpiresAt   string `json:"expiresAt"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

func (h *handlers) quoteGate(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	var req quoteGateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "malformed request body")
		return
	}
	gate, err := h.cfg.Processor.Quote(r.Context(), x402.QuoteInput{
		TenantID: tenantID, GateID: req.GateID, QuoteID: req.QuoteID,
		ExpiresAt: req.ExpiresAt, AmountCents: req.AmountCents, Currency: req.Currency,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

type authorizeWalletRequest struct {
	GateID       string `json:"gateId"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
	PayeeAgentID string `json:"payeeAgentId"`
	ToolID       string `json:"toolId"`
	AgentID      string `json:"agentId"`
}

func (h *handlers) authorizeWallet(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	walletRef := chi.URLParam(r, "walletRef")
	var req authorizeWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "malformed request body")
		return
	}
	decision, err := h.cfg.Processor.AuthorizeWallet(r.Context(), tenantID, req.AgentID, x402.AuthorizeRequest{
		SponsorWalletRef: walletRef, GateID: req.GateID, AmountCents: req.AmountCents,
		Currency: req.Currency, PayeeAgentID: req.PayeeAgentID, ToolID: req.ToolID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type authorizePaymentRequest struct {
	GateID        string `json:"gateId"`
	DecisionToken string `json:"decisionToken"`
	SponsorRef    string `json:"sponsorRef"`
}

func (h *handlers) authorizePayment(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	var req authorizePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "malformed request body")
		return
	}
	gate, err := h.cfg.Processor.AuthorizePayment(r.Context(), tenantID, req.GateID, req.DecisionToken, req.SponsorRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

type verifyGateRequest struct {
	GateID         string   `json:"gateId"`
	ReasonCodes    []string `json:"reasonCodes"`
	StrictHoldback bool     `json:"strictHoldback"`
	ProofFailed    bool     `json:"proofFailed"`
}

func (h *handlers) verifyGate(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	var req verifyGateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "malformed request body")
		return
	}
	result, err := h.cfg.Processor.Verify(r.Context(), tenantID, req.GateID, req.ReasonCodes, req.StrictHoldback, req.ProofFailed)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(result.ReasonCodes) > 0 {
		w.Header().Set(headerSettldReasonCode, result.ReasonCodes[0])
		w.Header().Set(headerSettldVerificationCodes, strings.Join(result.ReasonCodes, ","))
	}
	writeJSON(w, http.StatusOK, result)
}

type windDownRequest struct {
	WindDownID string `json:"windDownId"`
	ReasonCode string `json:"reasonCode"`
}

func (h *handlers) windDownAgent(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	agentID := chi.URLParam(r, "id")
	var req windDownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "SCHEMA_INVALID", "malformed request body")
		return
	}
	if req.WindDownID == "" {
		req.WindDownID = "wd_" + agentID + "_" + h.cfg.Now().UTC().Format("20060102T150405")
	}
	result, err := h.cfg.Processor.WindDown(r.Context(), tenantID, agentID, req.WindDownID, req.ReasonCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) getEscalation(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := middleware.TenantIDFromContext(r.Context())
	escalationID := chi.URLParam(r, "id")
	esc, err := h.cfg.Store.GetX402Escalation(r.Context(), tenantID, escalationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}
