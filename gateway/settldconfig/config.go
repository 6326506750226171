// Package settldconfig loads the settld gateway's runtime configuration
// from the process environment, the way services/lending's
// LoadConfigFromEnv and services/otc-gateway/config's FromEnv load theirs.
package settldconfig

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-tunable knob the gateway reads at startup.
type Config struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration

	Observability ObservabilityConfig
	Store         StoreConfig
	Tick          TickConfig
	Limits        LimitsConfig
	Outbox        OutboxConfig
	Evidence      EvidenceConfig
	Secrets       SecretsConfig
	Auth          AuthConfig
	Bundle        BundleConfig
	Audit         AuditConfig
}

type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
}

type StoreConfig struct {
	Backend     string // "memory", "sqlite", or "pg"
	DatabaseURL string // sqlite: file path or ":memory:"; pg: postgres:// DSN
	PGSchema    string
}

type TickConfig struct {
	AutoTick         bool
	AutoTickInterval time.Duration
}

type LimitsConfig struct {
	MaxBodyBytes   int64
	MaxIngestItems int
	RateLimitRPM   float64
	RateLimitBurst int
}

type OutboxConfig struct {
	MaxAttempts         int
	ReclaimAfterSeconds int
}

type EvidenceConfig struct {
	PresignMaxSeconds int
}

type SecretsConfig struct {
	CacheTTL           time.Duration
	AllowInlineSecrets bool
}

// AuthConfig is the raw material for middleware.NewAuthenticator: the
// bearer-auth toggle and the JSON-encoded API key set middleware.
// ParseAPIKeys decodes.
type AuthConfig struct {
	Enabled     bool
	APIKeysJSON string
	JWT         JWTConfig
}

// JWTConfig is the raw material for middleware.JWTConfig: the HS256 bearer
// scheme remote signer callers use instead of a standing API key.
type JWTConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
}

// BundleConfig is the key material the gateway signs bundle head
// attestations with.
type BundleConfig struct {
	SigningKeyID  string
	SigningKeyB64 string // base64-encoded ed25519 private key seed+key (64 bytes)
}

// AuditConfig is the raw material for middleware.NewAuditor: the rotating
// audit-log file sink's path and rotation thresholds.
type AuditConfig struct {
	Enabled    bool
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var schemaNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LoadFromEnv reads gateway configuration from the process environment,
// filling in production-safe defaults for anything unset.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress: envOr("LISTEN_ADDRESS", ":8080"),
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Observability: ObservabilityConfig{
			ServiceName:   "settld-gateway",
			MetricsPrefix: "settld",
		},
		Store: StoreConfig{
			Backend:     envOr("STORE", "memory"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
			PGSchema:    envOr("PROXY_PG_SCHEMA", "public"),
		},
		Tick: TickConfig{
			AutoTick:         envBool("PROXY_AUTOTICK", false),
			AutoTickInterval: time.Duration(envInt("PROXY_AUTOTICK_INTERVAL_MS", 1000)) * time.Millisecond,
		},
		Limits: LimitsConfig{
			MaxBodyBytes:   int64(envInt("PROXY_MAX_BODY_BYTES", 1<<20)),
			MaxIngestItems: envInt("PROXY_INGEST_MAX_EVENTS", 100),
			RateLimitRPM:   float64(envInt("PROXY_RATE_LIMIT_RPM", 600)),
			RateLimitBurst: envInt("PROXY_RATE_LIMIT_BURST", 60),
		},
		Outbox: OutboxConfig{
			MaxAttempts:         envInt("PROXY_OUTBOX_MAX_ATTEMPTS", 8),
			ReclaimAfterSeconds: envInt("PROXY_RECLAIM_AFTER_SECONDS", 60),
		},
		Evidence: EvidenceConfig{
			PresignMaxSeconds: envInt("PROXY_EVIDENCE_PRESIGN_MAX_SECONDS", 900),
		},
		Secrets: SecretsConfig{
			CacheTTL:           time.Duration(envInt("PROXY_SECRETS_CACHE_TTL_SECONDS", 300)) * time.Second,
			AllowInlineSecrets: envBool("PROXY_ALLOW_INLINE_SECRETS", false),
		},
		Auth: AuthConfig{
			Enabled:     envBool("PROXY_AUTH_ENABLED", true),
			APIKeysJSON: os.Getenv("PROXY_API_KEYS"),
			JWT: JWTConfig{
				Enabled:    envBool("PROXY_JWT_ENABLED", false),
				HMACSecret: os.Getenv("PROXY_JWT_HMAC_SECRET"),
				Issuer:     envOr("PROXY_JWT_ISSUER", ""),
			},
		},
		Bundle: BundleConfig{
			SigningKeyID:  envOr("PROXY_BUNDLE_SIGNING_KEY_ID", ""),
			SigningKeyB64: os.Getenv("PROXY_BUNDLE_SIGNING_KEY"),
		},
		Audit: AuditConfig{
			Enabled:    envBool("PROXY_AUDIT_ENABLED", false),
			FilePath:   envOr("PROXY_AUDIT_LOG_PATH", "audit.log"),
			MaxSizeMB:  envInt("PROXY_AUDIT_MAX_SIZE_MB", 100),
			MaxBackups: envInt("PROXY_AUDIT_MAX_BACKUPS", 7),
			MaxAgeDays: envInt("PROXY_AUDIT_MAX_AGE_DAYS", 30),
			Compress:   envBool("PROXY_AUDIT_COMPRESS", true),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot safely start with.
func (cfg *Config) Validate() error {
	switch cfg.Store.Backend {
	case "memory":
	case "sqlite":
	case "pg":
		if cfg.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=pg")
		}
	default:
		return fmt.Errorf("STORE must be one of {memory, sqlite, pg}, got %q", cfg.Store.Backend)
	}
	if !schemaNamePattern.MatchString(cfg.Store.PGSchema) {
		return fmt.Errorf("PROXY_PG_SCHEMA %q does not match %s", cfg.Store.PGSchema, schemaNamePattern.String())
	}
	if cfg.Evidence.PresignMaxSeconds <= 0 || cfg.Evidence.PresignMaxSeconds > 3600 {
		return fmt.Errorf("PROXY_EVIDENCE_PRESIGN_MAX_SECONDS must be in (0, 3600], got %d", cfg.Evidence.PresignMaxSeconds)
	}
	if cfg.Limits.MaxBodyBytes <= 0 {
		return fmt.Errorf("PROXY_MAX_BODY_BYTES must be positive")
	}
	if cfg.Limits.MaxIngestItems <= 0 {
		return fmt.Errorf("PROXY_INGEST_MAX_EVENTS must be positive")
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("PROXY_OUTBOX_MAX_ATTEMPTS must be positive")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.APIKeysJSON) == "" {
		return fmt.Errorf("PROXY_API_KEYS is required when PROXY_AUTH_ENABLED=true")
	}
	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.FilePath) == "" {
		return fmt.Errorf("PROXY_AUDIT_LOG_PATH is required when PROXY_AUDIT_ENABLED=true")
	}
	if cfg.Auth.JWT.Enabled && strings.TrimSpace(cfg.Auth.JWT.HMACSecret) == "" {
		return fmt.Errorf("PROXY_JWT_HMAC_SECRET is required when PROXY_JWT_ENABLED=true")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
