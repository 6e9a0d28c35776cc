package taskgate

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrEthical07/taskgate/internal/flows"
	"github.com/MrEthical07/taskgate/internal/logging"
	"github.com/MrEthical07/taskgate/jwt"
	"github.com/MrEthical07/taskgate/kv"
	"github.com/MrEthical07/taskgate/password"
	"github.com/MrEthical07/taskgate/ratelimit"
	"github.com/MrEthical07/taskgate/refresh"
	"github.com/MrEthical07/taskgate/tokens"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Builder assembles a Gate. It is single use.
type Builder struct {
	config     Config
	redis      redis.UniversalClient
	tokenStore tokens.Store
	userStore  UserStore
	logger     *slog.Logger
	auditSink  AuditSink
	now        func() time.Time

	built bool
}

func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the shared store connection. The Gate does not close it.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithTokenStore overrides the refresh-token store. It is required when
// Config.Tokens.Backend is "postgres".
func (b *Builder) WithTokenStore(store tokens.Store) *Builder {
	b.tokenStore = store
	return b
}

// WithUserStore enables Register and Login and supplies roles for access
// tokens. Without it the Gate only rotates and admits.
func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.userStore = store
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock replaces time.Now for the limiter, token lifetimes and JWTs.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) Build() (*Gate, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	var log logging.Logger = logging.Nop{}
	if b.logger != nil {
		log = logging.NewSlogLogger(b.logger)
	}

	store := kv.NewClient(b.redis, cfg.Redis.OpTimeout)

	tokenStore := b.tokenStore
	if tokenStore == nil {
		if cfg.Tokens.Backend != TokenBackendRedis {
			return nil, errors.New("postgres token backend requires WithTokenStore")
		}
		tokenStore = tokens.NewRedisStore(store, tokens.RedisOptions{
			Prefix:    cfg.Tokens.RedisPrefix,
			Retention: cfg.Tokens.Retention,
		})
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinBytes:    cfg.Password.MinBytes,
	})
	if err != nil {
		return nil, err
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(strings.ToLower(cfg.JWT.SigningMethod)),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	g := &Gate{
		config:     cfg,
		kv:         store,
		tokenStore: tokenStore,
		users:      b.userStore,
		hasher:     hasher,
		jwt:        jm,
		log:        log,
		now:        now,
		metrics:    NewMetrics(cfg.Metrics),
		audit:      newAuditDispatcher(cfg.Audit, b.auditSink),
	}
	g.limiter = ratelimit.New(store,
		ratelimit.WithClock(now),
		ratelimit.WithLogger(log.With("component", "ratelimit")),
		ratelimit.WithKeyPrefix(cfg.RateLimit.KeyPrefix),
		ratelimit.WithFailOpenLogRate(cfg.RateLimit.FailOpenLogPerSecond, cfg.RateLimit.FailOpenLogBurst),
	)
	g.flows = flows.Deps{
		Refresh: flows.RefreshDeps{
			Now:         now,
			Lifetime:    cfg.Tokens.RefreshTTL,
			NewToken:    refresh.Generate,
			NewID:       uuid.NewString,
			IssueAccess: g.issueAccess,
			Store:       tokenStore,
		},
		Login: flows.LoginDeps{
			FindUser:           g.findLoginUser,
			UserNotFound:       errLoginUserMissing,
			VerifyPassword:     hasher.Verify,
			DummyHash:          hasher.DummyHash(),
			InvalidCredentials: ErrInvalidCredentials,
		},
	}

	b.built = true
	return g, nil
}
