// Package gatetest builds a Gate over miniredis and an in-memory sqlite user
// table for HTTP-layer tests.
package gatetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/taskgate"
	"github.com/MrEthical07/taskgate/users"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SigningKey is the HS256 key used by Config.
var SigningKey = []byte("gatetest-signing-key-0123456789abcdef")

type Fixture struct {
	Gate  *taskgate.Gate
	Redis *miniredis.Miniredis
	Users *users.Repository
	Audit *taskgate.ChannelSink
}

// Config returns a valid configuration with cheap password hashing.
func Config() taskgate.Config {
	cfg := taskgate.DefaultConfig()
	cfg.JWT.PrivateKey = SigningKey
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Redis.OpTimeout = 500 * time.Millisecond
	return cfg
}

// New builds a Gate. mutate, when non-nil, adjusts the configuration first.
func New(t testing.TB, mutate func(*taskgate.Config)) *Fixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := newUsers(t)
	sink := taskgate.NewChannelSink(256)

	cfg := Config()
	if mutate != nil {
		mutate(&cfg)
	}

	g, err := taskgate.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(repo).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("build gate: %v", err)
	}
	t.Cleanup(g.Close)

	return &Fixture{Gate: g, Redis: mr, Users: repo, Audit: sink}
}

func newUsers(t testing.TB) *users.Repository {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:gatetest_%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return users.NewRepository(db)
}

// Password satisfies the default minimum length.
const Password = "correct-horse-battery-staple"

// SignIn registers email with Password and logs in.
func (f *Fixture) SignIn(t testing.TB, email string) taskgate.Pair {
	t.Helper()

	ctx := context.Background()
	if _, err := f.Gate.Register(ctx, email, Password); err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	pair, err := f.Gate.Login(ctx, email, Password)
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return pair
}
