package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithEnv(t *testing.T) {
	t.Setenv("DISPUTE_AUTH_JWT_SECRET", "secret")
	t.Setenv("DISPUTE_SCHEDULER_MAX_ATTEMPTS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.JWTSecret != "secret" {
		t.Fatalf("expected secret from env, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Scheduler.MaxAttempts != 7 {
		t.Fatalf("expected max attempts 7, got %d", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Resolution.CoolOffDays != 3 || cfg.Resolution.AppealDays != 7 || cfg.Resolution.MinReasoningLength != 50 {
		t.Fatalf("unexpected resolution defaults: %+v", cfg.Resolution)
	}
	if cfg.Scheduler.BaseBackoff != 30*time.Second || cfg.Scheduler.MaxBackoff != 30*time.Minute {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Scheduler)
	}
	if cfg.Escalation.ResponseWindow != 48*time.Hour {
		t.Fatalf("expected 48h response window, got %s", cfg.Escalation.ResponseWindow)
	}
	if cfg.DB.DSN != "" || cfg.Redis.Addr != "" {
		t.Fatalf("expected empty dsn and redis addr by default, got %+v %+v", cfg.DB, cfg.Redis)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
auth:
  jwt_secret: from-file
resolution:
  cool_off_days: 5
kafka:
  brokers: ["k1:9092", "k2:9092"]
scheduler:
  spec: "@every 30s"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-file" || cfg.Resolution.CoolOffDays != 5 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
	if cfg.Scheduler.Spec != "@every 30s" {
		t.Fatalf("unexpected scheduler spec %q", cfg.Scheduler.Spec)
	}
}

func TestLoad_RequiresSecret(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected missing jwt secret to fail")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("DISPUTE_AUTH_JWT_SECRET", "secret")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Auth:       AuthConfig{JWTSecret: "s"},
			Resolution: ResolutionConfig{MinReasoningLength: 50},
			Scheduler: SchedulerConfig{
				MaxAttempts:    5,
				BaseBackoff:    time.Second,
				MaxBackoff:     time.Minute,
				ExecutionLease: time.Minute,
			},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "valid", mutate: func(*Config) {}, ok: true},
		{name: "zero attempts", mutate: func(c *Config) { c.Scheduler.MaxAttempts = 0 }},
		{name: "max below base", mutate: func(c *Config) { c.Scheduler.MaxBackoff = time.Millisecond }},
		{name: "no lease", mutate: func(c *Config) { c.Scheduler.ExecutionLease = 0 }},
		{name: "negative reasoning", mutate: func(c *Config) { c.Resolution.MinReasoningLength = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
