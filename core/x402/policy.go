package x402

import (
	"context"
	"sync"

	"settld/core/store"
)

// WalletPolicyEnforcer checks a proposed authorization against a sponsor
// wallet's policy against its caller-side authorization rule list.
type WalletPolicyEnforcer struct {
	store store.Store

	mu sync.Mutex
	// dailyTotals tracks authorized-cents per sponsorWalletRef; the
	// in-memory accumulator is cleared only by ResetDaily, which nothing in
	// this module calls on a day boundary. Guarded by mu since
	// concurrent AuthorizeWallet calls for the same sponsorWalletRef read
	// and write it from Validate/RecordAuthorization.
	dailyTotals map[string]int64
}

// NewWalletPolicyEnforcer constructs an enforcer reading policy from st.
func NewWalletPolicyEnforcer(st store.Store) *WalletPolicyEnforcer {
	return &WalletPolicyEnforcer{store: st, dailyTotals: map[string]int64{}}
}

// AuthorizeRequest is the input to policy validation.
type AuthorizeRequest struct {
	SponsorWalletRef string
	GateID           string
	AmountCents      int64
	Currency         string
	PayeeAgentID     string
	ToolID           string
}

// Validate returns nil when the request satisfies the sponsor wallet's
// policy, or a PolicyViolation describing the first rule that failed.
type PolicyViolation struct {
	Reason string
}

func (p *PolicyViolation) Error() string { return "x402: policy violation: " + p.Reason }

func (e *WalletPolicyEnforcer) Validate(ctx context.Context, req AuthorizeRequest) error {
	policy, err := e.store.GetX402WalletPolicy(ctx, req.SponsorWalletRef)
	if err != nil {
		return err
	}
	if policy.Status != "active" {
		return &PolicyViolation{Reason: "wallet policy not active"}
	}
	if req.AmountCents > policy.MaxAmountCents {
		return &PolicyViolation{Reason: "amount exceeds maxAmountCents"}
	}
	if !contains(policy.AllowedCurrencies, req.Currency) {
		return &PolicyViolation{Reason: "currency not allowed"}
	}
	if !contains(policy.AllowedProviderIDs, req.PayeeAgentID) {
		return &PolicyViolation{Reason: "payee not an allowed provider"}
	}
	if req.ToolID != "" && !contains(policy.AllowedToolIDs, req.ToolID) {
		return &PolicyViolation{Reason: "toolId not allowed"}
	}
	e.mu.Lock()
	projected := e.dailyTotals[req.SponsorWalletRef] + req.AmountCents
	e.mu.Unlock()
	if projected > policy.MaxDailyAuthorizationCents {
		return &PolicyViolation{Reason: "exceeds maxDailyAuthorizationCents"}
	}
	return nil
}

// RecordAuthorization books amountCents against today's running total for
// sponsorWalletRef, called only after a successful Validate + commit.
func (e *WalletPolicyEnforcer) RecordAuthorization(sponsorWalletRef string, amountCents int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyTotals[sponsorWalletRef] += amountCents
}

// ResetDaily clears all accumulated daily totals. No caller in this module
// invokes it.
func (e *WalletPolicyEnforcer) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyTotals = map[string]int64{}
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
