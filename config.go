package taskgate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/taskgate/ratelimit"
)

// Endpoint classes. Each maps to a rate-limit policy in RateLimitConfig.
const (
	ClassLogin    = "login"
	ClassRegister = "register"
	ClassRefresh  = "refresh"
	ClassLogout   = "logout"
	ClassDefault  = "default"
)

// Token store backends.
const (
	TokenBackendRedis    = "redis"
	TokenBackendPostgres = "postgres"
)

// Config is the complete gate configuration. Build it with DefaultConfig or
// LoadConfigFromEnv and treat it as immutable once passed to the Builder.
type Config struct {
	Redis     RedisConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Tokens    TokenConfig
	JWT       JWTConfig
	Password  PasswordConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	HTTP      HTTPConfig
	Log       LogConfig
}

/*
====================================
STORE CONFIG
====================================
*/

type RedisConfig struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	PoolSize  int
	OpTimeout time.Duration
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite"; empty infers it from DSN.
	Driver          string
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Migrate         bool
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig maps endpoint classes to policies. Classes without an entry
// use the ClassDefault policy.
type RateLimitConfig struct {
	KeyPrefix            string
	Policies             map[string]ratelimit.Policy
	FailOpenLogPerSecond float64
	FailOpenLogBurst     int
	// TrustAPIKeyHeader lets an X-API-Key header name the caller when no
	// authenticated subject is present.
	TrustAPIKeyHeader bool
}

// PolicyFor returns the policy for class, falling back to ClassDefault.
func (c Config) PolicyFor(class string) ratelimit.Policy {
	if p, ok := c.RateLimit.Policies[class]; ok {
		return p
	}
	return c.RateLimit.Policies[ClassDefault]
}

/*
====================================
TOKEN CONFIG
====================================
*/

type TokenConfig struct {
	Backend string
	// RefreshTTL is the lifetime of every refresh token, including rotated ones.
	RefreshTTL  time.Duration
	RedisPrefix string
	// Retention keeps Redis rows past expiry so replay of a recently rotated
	// token is still recognised as reuse.
	Retention     time.Duration
	SweepInterval time.Duration
	StoreTimeout  time.Duration
}

type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinBytes    int
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TrustedProxies  []string
}

/*
====================================
DEFAULTS
====================================
*/

// DefaultConfig returns a configuration usable against a local Redis. JWT key
// material is left empty and must be supplied.
func DefaultConfig() Config {
	return Config{
		Redis: RedisConfig{
			Addrs:     []string{"127.0.0.1:6379"},
			PoolSize:  20,
			OpTimeout: 2 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:taskgate.db?cache=shared",
			MaxOpenConns:    25,
			ConnMaxLifetime: 30 * time.Minute,
			Migrate:         true,
		},
		RateLimit: RateLimitConfig{
			KeyPrefix: ratelimit.DefaultKeyPrefix,
			Policies: map[string]ratelimit.Policy{
				ClassLogin:    {Points: 5, Duration: time.Minute, BlockDuration: 5 * time.Minute, ScopeKey: "auth:login"},
				ClassRegister: {Points: 3, Duration: time.Hour, ScopeKey: "auth:register"},
				ClassRefresh:  {Points: 30, Duration: time.Minute, ScopeKey: "auth:refresh"},
				ClassLogout:   {Points: 30, Duration: time.Minute, ScopeKey: "auth:logout"},
				ClassDefault:  {Points: 120, Duration: time.Minute, ScopeKey: "api"},
			},
			FailOpenLogPerSecond: 1,
			FailOpenLogBurst:     5,
		},
		Tokens: TokenConfig{
			Backend:       TokenBackendRedis,
			RefreshTTL:    7 * 24 * time.Hour,
			RedisPrefix:   "rt:",
			Retention:     24 * time.Hour,
			SweepInterval: 10 * time.Minute,
			StoreTimeout:  2 * time.Second,
		},
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "hs256",
			Issuer:        "taskgate",
			Leeway:        30 * time.Second,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinBytes:    8,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.Redis.Addrs = append([]string(nil), cfg.Redis.Addrs...)
	out.HTTP.TrustedProxies = append([]string(nil), cfg.HTTP.TrustedProxies...)
	out.RateLimit.Policies = make(map[string]ratelimit.Policy, len(cfg.RateLimit.Policies))
	for k, v := range cfg.RateLimit.Policies {
		out.RateLimit.Policies[k] = v
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks the parts of the configuration the gate itself consumes.
// Redis addresses and database DSNs are checked when they are dialled.
func (c *Config) Validate() error {
	// Rate limits
	if _, ok := c.RateLimit.Policies[ClassDefault]; !ok {
		return errors.New("ratelimit: a default policy is required")
	}
	for class, p := range c.RateLimit.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("ratelimit policy %q: %w", class, err)
		}
	}
	if c.RateLimit.FailOpenLogPerSecond < 0 || c.RateLimit.FailOpenLogBurst < 0 {
		return errors.New("ratelimit: fail-open log rate must be >= 0")
	}

	// Tokens
	switch c.Tokens.Backend {
	case TokenBackendRedis, TokenBackendPostgres:
	default:
		return fmt.Errorf("tokens: unsupported backend %q", c.Tokens.Backend)
	}
	if c.Tokens.RefreshTTL <= 0 {
		return errors.New("tokens: RefreshTTL must be > 0")
	}
	if c.Tokens.Retention < 0 || c.Tokens.SweepInterval < 0 || c.Tokens.StoreTimeout < 0 {
		return errors.New("tokens: durations must be >= 0")
	}

	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("jwt: AccessTTL must be > 0")
	}
	if c.JWT.AccessTTL >= c.Tokens.RefreshTTL {
		return errors.New("jwt: AccessTTL must be shorter than Tokens.RefreshTTL")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("jwt: Leeway must be within [0, 2m]")
	}
	switch strings.ToLower(c.JWT.SigningMethod) {
	case "", "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("jwt: hs256 requires a key of at least 32 bytes")
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("jwt: ed25519 requires a private key")
		}
	default:
		return fmt.Errorf("jwt: unsupported signing method %q", c.JWT.SigningMethod)
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("audit: BufferSize must be > 0 when enabled")
	}
	return nil
}
