package taskgate

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "TASKGATE_"

// LoadConfigFromEnv starts from DefaultConfig, loads the given .env files (or
// ".env" when none are named; a missing file is not an error) and then applies
// TASKGATE_* variables. Variables already set in the process environment win
// over .env contents.
func LoadConfigFromEnv(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := DefaultConfig()
	e := &envReader{}

	e.list("REDIS_ADDRS", &cfg.Redis.Addrs)
	e.str("REDIS_USERNAME", &cfg.Redis.Username)
	e.str("REDIS_PASSWORD", &cfg.Redis.Password)
	e.integer("REDIS_DB", &cfg.Redis.DB)
	e.integer("REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	e.duration("REDIS_OP_TIMEOUT", &cfg.Redis.OpTimeout)

	e.str("DB_DRIVER", &cfg.Database.Driver)
	e.str("DB_DSN", &cfg.Database.DSN)
	e.integer("DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	e.duration("DB_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime)
	e.boolean("DB_MIGRATE", &cfg.Database.Migrate)

	e.str("RATE_LIMIT_KEY_PREFIX", &cfg.RateLimit.KeyPrefix)
	e.boolean("RATE_LIMIT_TRUST_API_KEY", &cfg.RateLimit.TrustAPIKeyHeader)
	for class, p := range cfg.RateLimit.Policies {
		name := "RATE_LIMIT_" + strings.ToUpper(class) + "_"
		e.integer(name+"POINTS", &p.Points)
		e.duration(name+"DURATION", &p.Duration)
		e.duration(name+"BLOCK", &p.BlockDuration)
		e.str(name+"SCOPE", &p.ScopeKey)
		cfg.RateLimit.Policies[class] = p
	}

	e.str("TOKEN_BACKEND", &cfg.Tokens.Backend)
	e.duration("REFRESH_TTL", &cfg.Tokens.RefreshTTL)
	e.str("TOKEN_REDIS_PREFIX", &cfg.Tokens.RedisPrefix)
	e.duration("TOKEN_RETENTION", &cfg.Tokens.Retention)
	e.duration("TOKEN_SWEEP_INTERVAL", &cfg.Tokens.SweepInterval)
	e.duration("TOKEN_STORE_TIMEOUT", &cfg.Tokens.StoreTimeout)

	e.duration("JWT_ACCESS_TTL", &cfg.JWT.AccessTTL)
	e.str("JWT_SIGNING_METHOD", &cfg.JWT.SigningMethod)
	e.key("JWT_PRIVATE_KEY", &cfg.JWT.PrivateKey)
	e.key("JWT_PUBLIC_KEY", &cfg.JWT.PublicKey)
	e.str("JWT_ISSUER", &cfg.JWT.Issuer)
	e.str("JWT_AUDIENCE", &cfg.JWT.Audience)
	e.duration("JWT_LEEWAY", &cfg.JWT.Leeway)

	e.integer("PASSWORD_MIN_BYTES", &cfg.Password.MinBytes)

	e.boolean("AUDIT_ENABLED", &cfg.Audit.Enabled)
	e.integer("AUDIT_BUFFER_SIZE", &cfg.Audit.BufferSize)
	e.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)

	e.str("HTTP_ADDR", &cfg.HTTP.Addr)
	e.duration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	e.duration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	e.duration("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	e.list("HTTP_TRUSTED_PROXIES", &cfg.HTTP.TrustedProxies)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)

	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(name string, err error) {
	e.errs = append(e.errs, fmt.Errorf("config: %s%s: %w", envPrefix, name, err))
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, err)
		return
	}
	*dst = d
}

// key accepts "base64:<data>" or a literal value (raw secret or PEM).
func (e *envReader) key(name string, dst *[]byte) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	if rest, found := strings.CutPrefix(v, "base64:"); found {
		b, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
		return
	}
	*dst = []byte(strings.ReplaceAll(v, `\n`, "\n"))
}
