package taskgate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrEthical07/taskgate/ratelimit"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = testKey
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{name: "defaults with key", mutate: func(*Config) {}, wantValid: true},
		{
			name:      "missing jwt key",
			mutate:    func(c *Config) { c.JWT.PrivateKey = nil },
			wantValid: false,
		},
		{
			name:      "unknown signing method",
			mutate:    func(c *Config) { c.JWT.SigningMethod = "rs256" },
			wantValid: false,
		},
		{
			name:      "leeway too large",
			mutate:    func(c *Config) { c.JWT.Leeway = 3 * time.Minute },
			wantValid: false,
		},
		{
			name:      "access outlives refresh",
			mutate:    func(c *Config) { c.JWT.AccessTTL = 8 * 24 * time.Hour },
			wantValid: false,
		},
		{
			name:      "postgres backend",
			mutate:    func(c *Config) { c.Tokens.Backend = TokenBackendPostgres },
			wantValid: true,
		},
		{
			name:      "unknown backend",
			mutate:    func(c *Config) { c.Tokens.Backend = "memcached" },
			wantValid: false,
		},
		{
			name:      "missing default policy",
			mutate:    func(c *Config) { delete(c.RateLimit.Policies, ClassDefault) },
			wantValid: false,
		},
		{
			name: "invalid class policy",
			mutate: func(c *Config) {
				c.RateLimit.Policies[ClassLogin] = ratelimit.Policy{Points: 0, Duration: time.Minute, ScopeKey: "x"}
			},
			wantValid: false,
		},
		{
			name:      "audit without buffer",
			mutate:    func(c *Config) { c.Audit.BufferSize = 0 },
			wantValid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantValid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.wantValid && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestPolicyForFallsBackToDefault(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.PolicyFor(ClassLogin); got.ScopeKey != "auth:login" {
		t.Fatalf("login policy: %+v", got)
	}
	if got := cfg.PolicyFor("tasks.list"); got.ScopeKey != cfg.RateLimit.Policies[ClassDefault].ScopeKey {
		t.Fatalf("unknown class should use default, got %+v", got)
	}
}

func TestCloneConfigIsDeep(t *testing.T) {
	cfg := validConfig()
	clone := cloneConfig(cfg)

	clone.JWT.PrivateKey[0] = 'X'
	clone.RateLimit.Policies[ClassLogin] = ratelimit.Policy{Points: 99, Duration: time.Second, ScopeKey: "z"}
	clone.Redis.Addrs[0] = "elsewhere:6379"

	if cfg.JWT.PrivateKey[0] == 'X' {
		t.Fatal("private key shared with clone")
	}
	if cfg.RateLimit.Policies[ClassLogin].Points == 99 {
		t.Fatal("policies shared with clone")
	}
	if cfg.Redis.Addrs[0] == "elsewhere:6379" {
		t.Fatal("redis addrs shared with clone")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	content := "TASKGATE_REDIS_ADDRS=a:6379, b:6379\n" +
		"TASKGATE_RATE_LIMIT_LOGIN_POINTS=7\n" +
		"TASKGATE_REFRESH_TTL=48h\n" +
		"TASKGATE_JWT_PRIVATE_KEY=base64:MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=\n" +
		"TASKGATE_LOG_LEVEL=debug\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKGATE_LOG_LEVEL", "warn")
	for _, k := range []string{"TASKGATE_REDIS_ADDRS", "TASKGATE_RATE_LIMIT_LOGIN_POINTS", "TASKGATE_REFRESH_TTL", "TASKGATE_JWT_PRIVATE_KEY"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := LoadConfigFromEnv(envFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Redis.Addrs) != 2 || cfg.Redis.Addrs[1] != "b:6379" {
		t.Fatalf("redis addrs: %v", cfg.Redis.Addrs)
	}
	if cfg.PolicyFor(ClassLogin).Points != 7 {
		t.Fatalf("login points: %d", cfg.PolicyFor(ClassLogin).Points)
	}
	if cfg.Tokens.RefreshTTL != 48*time.Hour {
		t.Fatalf("refresh ttl: %v", cfg.Tokens.RefreshTTL)
	}
	if string(cfg.JWT.PrivateKey) != string(testKey) {
		t.Fatalf("jwt key not decoded: %q", cfg.JWT.PrivateKey)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("process env should win over .env, got %q", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}
}

func TestLoadConfigFromEnvReportsBadValues(t *testing.T) {
	t.Setenv("TASKGATE_REFRESH_TTL", "a week")
	t.Setenv("TASKGATE_REDIS_DB", "zero")

	if _, err := LoadConfigFromEnv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected parse errors")
	}
}
