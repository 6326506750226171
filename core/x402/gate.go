package x402

const (
	StateCreated    = "created"
	StateQuoted     = "quoted"
	StateAuthorized = "authorized"
	StateVerified   = "verified"
	StateSettled    = "settled"
	StateCancelled  = "cancelled"
	StateBlocked    = "blocked"
	StateVoided     = "voided"
)

const (
	ReversalVoidAuthorization = "void_authorization"
	ReversalRequestRefund     = "request_refund"
	ReversalResolveRefund     = "resolve_refund"
)

// GateError is the machine-readable failure shape for x402 operations,
// carrying the HTTP status + code the gateway adapter surfaces verbatim.
type GateError struct {
	HTTPStatus int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *GateError) Error() string { return e.Message }

func errAgentFrozen() *GateError {
	return &GateError{HTTPStatus: 410, Code: "X402_AGENT_FROZEN", Message: "payer agent is frozen"}
}

func errEscalationRequired(escalationID string) *GateError {
	return &GateError{
		HTTPStatus: 409, Code: "X402_AUTHORIZATION_ESCALATION_REQUIRED",
		Message: "wallet authorization requires escalation",
		Details: map[string]any{"escalation": escalationID},
	}
}

// canTransition enumerates the gate's allowed FSM edges.
func canTransition(from, to string) bool {
	edges := map[string][]string{
		StateCreated:    {StateQuoted, StateBlocked},
		StateQuoted:     {StateAuthorized, StateCancelled},
		StateAuthorized: {StateVerified, StateVoided},
		StateVerified:   {StateSettled},
	}
	for _, allowed := range edges[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
