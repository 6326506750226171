package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"settld/core/bundle"
	"settld/core/crypto"
	"settld/core/governance"
	"settld/core/sse"
	"settld/core/store"
	"settld/core/x402"
	"settld/gateway/middleware"
)

// Config wires the adapter layer's dependencies. Store and Processor are
// required. A nil Authenticator, Observability, Audit or RateLimiter
// disables that layer; the bundle and governance routes are registered
// only when both Bundles and Governance are set. CORS is always applied,
// with defaults for its empty fields.
type Config struct {
	Store         store.Store
	Processor     *x402.Processor
	Sessions      *sse.Broadcaster
	AgentCards    *sse.Broadcaster
	Bundles       *bundle.Builder
	BundleSigner  crypto.Signer
	Governance    *governance.Verifier
	Authenticator *middleware.Authenticator
	Observability *middleware.Observability
	Audit         *middleware.Auditor
	RateLimiter   *middleware.RateLimiter
	CORS          middleware.CORSConfig
	Now           func() time.Time
}

// New assembles the full HTTP surface onto a chi router.
func New(cfg Config) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &handlers{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	r.Group(func(pub chi.Router) {
		pub.Get("/public/agent-cards/stream", h.streamPublicAgentCards)
	})

	r.Group(func(auth chi.Router) {
		if cfg.Authenticator != nil {
			auth.Use(cfg.Authenticator.Middleware())
		}
		if cfg.Audit != nil {
			auth.Use(cfg.Audit.Middleware())
		}

		writes := func(sr chi.Router) {
			sr.Use(middleware.Idempotency(cfg.Store, cfg.Now))
		}

		auth.Group(func(sr chi.Router) {
			writes(sr)
			sr.Post("/sessions", h.createSession)
			sr.Post("/sessions/{id}/events", h.appendSessionEvent)
			sr.Post("/agent-cards", h.upsertAgentCard)
		})
		auth.Get("/sessions/{id}/events/stream", h.streamSessionEvents)

		auth.Group(func(sr chi.Router) {
			writes(sr)
			sr.Post("/x402/gate/create", h.createGate)
			sr.Post("/x402/gate/quote", h.quoteGate)
			sr.Post("/x402/wallets/{walletRef}/authorize", h.authorizeWallet)
			sr.Post("/x402/gate/authorize-payment", h.authorizePayment)
			sr.Post("/x402/gate/verify", h.verifyGate)
			sr.Post("/x402/gate/agents/{id}/wind-down", h.windDownAgent)
		})
		auth.Get("/x402/gate/escalations/{id}", h.getEscalation)

		if cfg.Bundles != nil && cfg.Governance != nil {
			auth.Group(func(sr chi.Router) {
				writes(sr)
				sr.Post("/bundles/build", h.buildBundle)
				sr.Post("/governance/verify", h.verifyBundleArtifact)
			})
		}
	})

	return r
}

type handlers struct {
	cfg Config
}
