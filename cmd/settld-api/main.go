// Command settld-api runs the gateway's HTTP/SSE surface: sessions, x402
// payment gates, proof bundles, and governance verification. Startup
// follows services/escrow-gateway/main.go's sequence: structured logging,
// OTel init, config load, dependency wiring, then serve-until-signal.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"settld/core/bundle"
	"settld/core/crypto"
	"settld/core/governance"
	"settld/core/sse"
	"settld/core/storeselect"
	"settld/core/x402"
	"settld/gateway/httpapi"
	"settld/gateway/middleware"
	"settld/gateway/settldconfig"
	"settld/observability/logging"
	telemetry "settld/observability/otel"
)

const shutdownTimeout = 10 * time.Second

func main() {
	env := strings.TrimSpace(os.Getenv("NHB_ENV"))
	logging.Setup("settld-api", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settld-api",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := settldconfig.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	st, err := storeselect.Open(cfg.Store)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	keys, err := middleware.ParseAPIKeys(cfg.Auth.APIKeysJSON)
	if err != nil {
		log.Fatalf("parse api keys: %v", err)
	}
	auth := middleware.NewAuthenticator(
		middleware.AuthConfig{
			Enabled:        cfg.Auth.Enabled,
			OptionalPaths:  []string{"/public", "/healthz", "/metrics"},
			AllowAnonymous: true,
			JWT: middleware.JWTConfig{
				Enabled:    cfg.Auth.JWT.Enabled,
				HMACSecret: cfg.Auth.JWT.HMACSecret,
				Issuer:     cfg.Auth.JWT.Issuer,
			},
		},
		keys, nil,
	)

	observability := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: cfg.Observability.ServiceName, MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests: true, Enabled: true,
	}, nil)

	rateLimiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		httpapi.RateLimitKeyPublicAgentCards: {
			RatePerSecond: cfg.Limits.RateLimitRPM / 60,
			Burst:         cfg.Limits.RateLimitBurst,
		},
	}, nil)

	auditor := middleware.NewAuditor(middleware.AuditConfig{
		Enabled:    cfg.Audit.Enabled,
		FilePath:   cfg.Audit.FilePath,
		MaxSizeMB:  cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
		MaxAgeDays: cfg.Audit.MaxAgeDays,
		Compress:   cfg.Audit.Compress,
	})
	defer func() {
		if err := auditor.Close(); err != nil {
			log.Printf("close audit log: %v", err)
		}
	}()

	handlerCfg := httpapi.Config{
		Store:         st,
		Processor:     x402.NewProcessor(st, x402.NewWalletPolicyEnforcer(st)),
		Sessions:      sse.NewBroadcaster(),
		AgentCards:    sse.NewBroadcaster(),
		Authenticator: auth,
		Observability: observability,
		Audit:         auditor,
		RateLimiter:   rateLimiter,
	}
	if bundleSigner, err := loadBundleSigner(cfg.Bundle); err != nil {
		log.Fatalf("load bundle signer: %v", err)
	} else if bundleSigner != nil {
		handlerCfg.Bundles = bundle.NewBuilder()
		handlerCfg.BundleSigner = bundleSigner
		handlerCfg.Governance = governance.NewVerifier(crypto.Ed25519Verifier{})
	}

	handler := httpapi.New(handlerCfg)

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(handler, "settld-api"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Printf("settld-api listening on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down settld-api")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// loadBundleSigner constructs the gateway's bundle-signing key from
// PROXY_BUNDLE_SIGNING_KEY/_ID, or returns a nil Signer (and nil error) when
// neither is configured, leaving the bundle/governance routes disabled.
func loadBundleSigner(cfg settldconfig.BundleConfig) (crypto.Signer, error) {
	keyID := strings.TrimSpace(cfg.SigningKeyID)
	keyB64 := strings.TrimSpace(cfg.SigningKeyB64)
	if keyID == "" && keyB64 == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, err
	}
	return crypto.NewEd25519Signer(keyID, ed25519.PrivateKey(raw))
}
