// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends selectable via STORE_BACKEND.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the browser-facing auth HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the internal gRPC server listens on (e.g. :9090).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// OIDCProvider selects the claims mapper: "entra" or "generic".
	OIDCProvider string `mapstructure:"OIDC_PROVIDER"`
	// OIDCIssuer is the expected iss claim, also used for discovery.
	OIDCIssuer string `mapstructure:"OIDC_ISSUER"`
	// OIDCClientID is the registered client id; expected aud claim.
	OIDCClientID string `mapstructure:"OIDC_CLIENT_ID"`
	// OIDCClientSecret authenticates this client at the token endpoint.
	OIDCClientSecret string `mapstructure:"OIDC_CLIENT_SECRET"`
	// OIDCTenantID is the directory tenant this deployment trusts; empty accepts any tenant the mapper yields.
	OIDCTenantID string `mapstructure:"OIDC_TENANT_ID"`
	// OIDCRedirectURI is the callback URL registered with the provider.
	OIDCRedirectURI string `mapstructure:"OIDC_REDIRECT_URI"`
	// OIDCAuthURL, OIDCTokenURL and OIDCJWKSURI override discovery when all three are set.
	OIDCAuthURL  string `mapstructure:"OIDC_AUTH_URL"`
	OIDCTokenURL string `mapstructure:"OIDC_TOKEN_URL"`
	OIDCJWKSURI  string `mapstructure:"OIDC_JWKS_URI"`
	// OIDCScopes is a comma-separated scope list.
	OIDCScopes string `mapstructure:"OIDC_SCOPES"`
	// OIDCTenantClaim is the claim holding the tenant id for the generic mapper.
	OIDCTenantClaim string `mapstructure:"OIDC_TENANT_CLAIM"`
	// OIDCRolesClaim is the claim holding role names.
	OIDCRolesClaim string `mapstructure:"OIDC_ROLES_CLAIM"`
	// OIDCClockSkew is the tolerance applied to iat/exp/nbf.
	OIDCClockSkew time.Duration `mapstructure:"OIDC_CLOCK_SKEW"`
	// OIDCHTTPTimeout bounds each call to the provider.
	OIDCHTTPTimeout time.Duration `mapstructure:"OIDC_HTTP_TIMEOUT"`
	// OIDCMaxRetries bounds retries of transient provider failures.
	OIDCMaxRetries int `mapstructure:"OIDC_MAX_RETRIES"`
	// LoginAttemptTTL is how long a started login (state, PKCE verifier) stays redeemable.
	LoginAttemptTTL time.Duration `mapstructure:"LOGIN_ATTEMPT_TTL"`

	// SessionAbsoluteLifetime is the hard ceiling from issue; required.
	SessionAbsoluteLifetime time.Duration `mapstructure:"SESSION_ABSOLUTE_LIFETIME"`
	// SessionSlidingIncrement is the idle window each successful validation extends to; required.
	SessionSlidingIncrement time.Duration `mapstructure:"SESSION_SLIDING_INCREMENT"`
	// RefreshReuseDetection enables replay handling for rotated-away refresh tokens.
	RefreshReuseDetection bool `mapstructure:"REFRESH_REUSE_DETECTION"`
	// RefreshFamilyRevocation revokes every session from the same login on replay.
	RefreshFamilyRevocation bool `mapstructure:"REFRESH_FAMILY_REVOCATION"`
	// SessionCookieName is the HTTP-only cookie that carries the session id.
	SessionCookieName string `mapstructure:"SESSION_COOKIE_NAME"`
	// SessionCookieSecure sets the Secure attribute; must be true in production.
	SessionCookieSecure bool `mapstructure:"SESSION_COOKIE_SECURE"`
	// SessionCookieSameSite is lax, strict or none; none requires SESSION_COOKIE_SECURE.
	SessionCookieSameSite string `mapstructure:"SESSION_COOKIE_SAMESITE"`

	// CORSAllowedOrigins is a comma-separated list of browser origins allowed to call /auth
	// with credentials. Empty disables CORS.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	// CORSMaxAgeSeconds is how long browsers may cache a preflight response.
	CORSMaxAgeSeconds int `mapstructure:"CORS_MAX_AGE_SECONDS"`
	// TrustedProxies lists proxy CIDRs whose X-Forwarded-For / X-Real-IP headers are believed.
	// Empty trusts none and the connection peer is the client address.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`

	// JWKSTTL is how long a fetched signing key set is served before refetch.
	JWKSTTL time.Duration `mapstructure:"JWKS_TTL"`
	// JWKSRefreshAhead is how long before expiry the background refresh runs.
	JWKSRefreshAhead time.Duration `mapstructure:"JWKS_REFRESH_AHEAD"`
	// JWKSRotationOverlap keeps rotated-out keys valid for this long; required.
	JWKSRotationOverlap time.Duration `mapstructure:"JWKS_ROTATION_OVERLAP"`
	// JWKSMinRefreshInterval limits forced refetches on unknown kid.
	JWKSMinRefreshInterval time.Duration `mapstructure:"JWKS_MIN_REFRESH_INTERVAL"`
	// ClaimsCacheTTL is how long verified ID token claims are reused.
	ClaimsCacheTTL time.Duration `mapstructure:"CLAIMS_CACHE_TTL"`
	// ClaimsCacheSize bounds the claims LRU.
	ClaimsCacheSize int `mapstructure:"CLAIMS_CACHE_SIZE"`

	// LockoutThreshold is the failure count within LockoutWindow that locks a key; required.
	LockoutThreshold int `mapstructure:"LOCKOUT_THRESHOLD"`
	// LockoutWindow is the sliding window failures are counted over; required.
	LockoutWindow time.Duration `mapstructure:"LOCKOUT_WINDOW"`
	// LockoutDuration is how long a key stays locked; required.
	LockoutDuration time.Duration `mapstructure:"LOCKOUT_DURATION"`

	// AuditBufferSize is the async audit queue capacity.
	AuditBufferSize int `mapstructure:"AUDIT_BUFFER_SIZE"`
	// AuditWorkers is the number of goroutines draining the audit queue.
	AuditWorkers int `mapstructure:"AUDIT_WORKERS"`

	// LoginRatePerSecond and LoginRateBurst shape the per-IP token bucket on /auth/login.
	LoginRatePerSecond float64 `mapstructure:"LOGIN_RATE_PER_SECOND"`
	LoginRateBurst     int     `mapstructure:"LOGIN_RATE_BURST"`

	// StoreBackend selects memory, redis or postgres for sessions, users, pending logins and lockout.
	StoreBackend string `mapstructure:"STORE_BACKEND"`
	// DatabaseURL is the Postgres DSN; required for the postgres backend.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisURL is the redis:// URL; required for the redis backend.
	RedisURL string `mapstructure:"REDIS_URL"`
	// RedisKeyPrefix namespaces every key this service writes.
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	// KafkaBrokers is a comma-separated list; when set, audit events are also published to Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the topic for audit events.
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`

	// OTLPEndpoint is the OpenTelemetry collector (host:port or URL); empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is reported as service.name.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// RolesFile is a YAML file of role definitions; empty uses the built-in staff/manager/admin set.
	RolesFile string `mapstructure:"ROLES_FILE"`
	// ConditionFile is an optional Rego module (package dineops.authz, rule allow) that can
	// further restrict what roles grant.
	ConditionFile string `mapstructure:"AUTHZ_CONDITION_FILE"`
}

// keys lists every variable so AutomaticEnv values reach Unmarshal even without a default.
var keys = []string{
	"HTTP_ADDR", "GRPC_ADDR", "APP_ENV", "LOG_LEVEL",
	"OIDC_PROVIDER", "OIDC_ISSUER", "OIDC_CLIENT_ID", "OIDC_CLIENT_SECRET", "OIDC_TENANT_ID",
	"OIDC_REDIRECT_URI", "OIDC_AUTH_URL", "OIDC_TOKEN_URL", "OIDC_JWKS_URI", "OIDC_SCOPES",
	"OIDC_TENANT_CLAIM", "OIDC_ROLES_CLAIM", "OIDC_CLOCK_SKEW", "OIDC_HTTP_TIMEOUT", "OIDC_MAX_RETRIES",
	"LOGIN_ATTEMPT_TTL",
	"SESSION_ABSOLUTE_LIFETIME", "SESSION_SLIDING_INCREMENT", "REFRESH_REUSE_DETECTION",
	"REFRESH_FAMILY_REVOCATION", "SESSION_COOKIE_NAME", "SESSION_COOKIE_SECURE",
	"SESSION_COOKIE_SAMESITE", "CORS_ALLOWED_ORIGINS", "CORS_MAX_AGE_SECONDS", "TRUSTED_PROXIES",
	"JWKS_TTL", "JWKS_REFRESH_AHEAD", "JWKS_ROTATION_OVERLAP", "JWKS_MIN_REFRESH_INTERVAL",
	"CLAIMS_CACHE_TTL", "CLAIMS_CACHE_SIZE",
	"LOCKOUT_THRESHOLD", "LOCKOUT_WINDOW", "LOCKOUT_DURATION",
	"AUDIT_BUFFER_SIZE", "AUDIT_WORKERS", "LOGIN_RATE_PER_SECOND", "LOGIN_RATE_BURST",
	"STORE_BACKEND", "DATABASE_URL", "REDIS_URL", "REDIS_KEY_PREFIX",
	"KAFKA_BROKERS", "AUDIT_KAFKA_TOPIC",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SERVICE_NAME",
	"ROLES_FILE", "AUTHZ_CONDITION_FILE",
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
// Session lifetime, sliding increment, rotation overlap and lockout settings have no defaults:
// Load fails when any of them is unset.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OIDC_PROVIDER", "entra")
	v.SetDefault("OIDC_SCOPES", "openid,profile,email,offline_access")
	v.SetDefault("OIDC_TENANT_CLAIM", "tid")
	v.SetDefault("OIDC_ROLES_CLAIM", "roles")
	v.SetDefault("OIDC_CLOCK_SKEW", "2m")
	v.SetDefault("OIDC_HTTP_TIMEOUT", "10s")
	v.SetDefault("OIDC_MAX_RETRIES", 3)
	v.SetDefault("LOGIN_ATTEMPT_TTL", "10m")
	v.SetDefault("REFRESH_REUSE_DETECTION", true)
	v.SetDefault("REFRESH_FAMILY_REVOCATION", true)
	v.SetDefault("SESSION_COOKIE_NAME", "dineops_session")
	v.SetDefault("SESSION_COOKIE_SECURE", true)
	v.SetDefault("SESSION_COOKIE_SAMESITE", "lax")
	v.SetDefault("CORS_MAX_AGE_SECONDS", 600)
	v.SetDefault("JWKS_TTL", "1h")
	v.SetDefault("JWKS_REFRESH_AHEAD", "5m")
	v.SetDefault("JWKS_MIN_REFRESH_INTERVAL", "30s")
	v.SetDefault("CLAIMS_CACHE_TTL", "10s")
	v.SetDefault("CLAIMS_CACHE_SIZE", 1024)
	v.SetDefault("AUDIT_BUFFER_SIZE", 1024)
	v.SetDefault("AUDIT_WORKERS", 2)
	v.SetDefault("LOGIN_RATE_PER_SECOND", 5)
	v.SetDefault("LOGIN_RATE_BURST", 10)
	v.SetDefault("STORE_BACKEND", StoreMemory)
	v.SetDefault("REDIS_KEY_PREFIX", "dineops:auth:")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "dineops-auth-events")
	v.SetDefault("OTEL_SERVICE_NAME", "dineops-auth")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.OIDCIssuer == "" || c.OIDCClientID == "" || c.OIDCRedirectURI == "" {
		return errors.New("config: OIDC_ISSUER, OIDC_CLIENT_ID and OIDC_REDIRECT_URI must be set")
	}
	if c.OIDCProvider != "entra" && c.OIDCProvider != "generic" {
		return fmt.Errorf("config: OIDC_PROVIDER must be entra or generic, got %q", c.OIDCProvider)
	}
	if c.SessionAbsoluteLifetime <= 0 {
		return errors.New("config: SESSION_ABSOLUTE_LIFETIME must be set")
	}
	if c.SessionSlidingIncrement <= 0 {
		return errors.New("config: SESSION_SLIDING_INCREMENT must be set")
	}
	if c.SessionSlidingIncrement > c.SessionAbsoluteLifetime {
		return errors.New("config: SESSION_SLIDING_INCREMENT must not exceed SESSION_ABSOLUTE_LIFETIME")
	}
	if c.JWKSRotationOverlap <= 0 {
		return errors.New("config: JWKS_ROTATION_OVERLAP must be set")
	}
	if c.LockoutThreshold <= 0 || c.LockoutWindow <= 0 || c.LockoutDuration <= 0 {
		return errors.New("config: LOCKOUT_THRESHOLD, LOCKOUT_WINDOW and LOCKOUT_DURATION must be set")
	}
	if c.JWKSRefreshAhead >= c.JWKSTTL {
		return errors.New("config: JWKS_REFRESH_AHEAD must be shorter than JWKS_TTL")
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("config: REDIS_URL must be set when STORE_BACKEND=redis")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("config: STORE_BACKEND must be memory, redis or postgres, got %q", c.StoreBackend)
	}
	if c.Env == "production" && !c.SessionCookieSecure {
		return errors.New("config: SESSION_COOKIE_SECURE must be true when APP_ENV=production")
	}
	c.SessionCookieSameSite = strings.ToLower(strings.TrimSpace(c.SessionCookieSameSite))
	switch c.SessionCookieSameSite {
	case "":
		c.SessionCookieSameSite = "lax"
	case "lax", "strict":
	case "none":
		if !c.SessionCookieSecure {
			return errors.New("config: SESSION_COOKIE_SAMESITE=none requires SESSION_COOKIE_SECURE=true")
		}
	default:
		return fmt.Errorf("config: SESSION_COOKIE_SAMESITE must be lax, strict or none, got %q", c.SessionCookieSameSite)
	}
	for _, o := range c.CORSOrigins() {
		if o == "*" {
			return errors.New("config: CORS_ALLOWED_ORIGINS must list origins; * cannot be used with credentials")
		}
	}
	if c.AuditBufferSize <= 0 {
		c.AuditBufferSize = 1024
	}
	if c.AuditWorkers <= 0 {
		c.AuditWorkers = 1
	}
	return nil
}

// Scopes returns the requested OIDC scopes from the comma-separated config.
func (c *Config) Scopes() []string {
	return splitList(c.OIDCScopes)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the Kafka audit sink.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// CORSOrigins returns the allowed CORS origins. An empty list disables CORS.
func (c *Config) CORSOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

// TrustedProxyList returns the trusted proxy CIDRs or addresses.
func (c *Config) TrustedProxyList() []string {
	return splitList(c.TrustedProxies)
}

// ExplicitEndpoints reports whether all provider endpoints are configured, making discovery unnecessary.
func (c *Config) ExplicitEndpoints() bool {
	return c.OIDCAuthURL != "" && c.OIDCTokenURL != "" && c.OIDCJWKSURI != ""
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
