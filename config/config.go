package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Resolution ResolutionConfig `mapstructure:"resolution"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Payments   PaymentsConfig   `mapstructure:"payments"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// DBConfig leaves DSN empty to run on the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Migrate         bool          `mapstructure:"migrate"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ResolutionConfig struct {
	CoolOffDays             int  `mapstructure:"cool_off_days"`
	AppealDays              int  `mapstructure:"appeal_days"`
	MinReasoningLength      int  `mapstructure:"min_reasoning_length"`
	AuditValidationFailures bool `mapstructure:"audit_validation_failures"`
}

type SchedulerConfig struct {
	Spec           string        `mapstructure:"spec"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ExecutionLease time.Duration `mapstructure:"execution_lease"`
	ExecuteTimeout time.Duration `mapstructure:"execute_timeout"`
	BatchSize      int           `mapstructure:"batch_size"`
	TickLeaseTTL   time.Duration `mapstructure:"tick_lease_ttl"`
}

type EscalationConfig struct {
	Spec           string        `mapstructure:"spec"`
	ResponseWindow time.Duration `mapstructure:"response_window"`
}

type OutboxConfig struct {
	Spec        string `mapstructure:"spec"`
	BatchSize   int    `mapstructure:"batch_size"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// KafkaConfig with no brokers makes the relay log messages instead of
// publishing them.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	LeaseKey string `mapstructure:"lease_key"`
}

type PaymentsConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
}

// Load reads path (YAML) when it is non-empty and overlays DISPUTE_*
// environment variables on top of the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISPUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	// Env values arrive as one comma separated string.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers[0])
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: auth.jwt_secret is required")
	}
	if c.Resolution.MinReasoningLength < 0 {
		return errors.New("config: resolution.min_reasoning_length must not be negative")
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return errors.New("config: scheduler.max_attempts must be positive")
	}
	if c.Scheduler.BaseBackoff <= 0 || c.Scheduler.MaxBackoff < c.Scheduler.BaseBackoff {
		return errors.New("config: scheduler backoff must satisfy 0 < base_backoff <= max_backoff")
	}
	if c.Scheduler.ExecutionLease <= 0 {
		return errors.New("config: scheduler.execution_lease must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 20)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.migrate", true)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("resolution.cool_off_days", 3)
	v.SetDefault("resolution.appeal_days", 7)
	v.SetDefault("resolution.min_reasoning_length", 50)
	v.SetDefault("resolution.audit_validation_failures", false)
	v.SetDefault("scheduler.spec", "@every 1m")
	v.SetDefault("scheduler.max_attempts", 5)
	v.SetDefault("scheduler.base_backoff", "30s")
	v.SetDefault("scheduler.max_backoff", "30m")
	v.SetDefault("scheduler.execution_lease", "5m")
	v.SetDefault("scheduler.execute_timeout", "20s")
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.tick_lease_ttl", "1m")
	v.SetDefault("escalation.spec", "@every 5m")
	v.SetDefault("escalation.response_window", "48h")
	v.SetDefault("outbox.spec", "@every 10s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_attempts", 10)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "dispute-events")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lease_key", "dispute:scheduler:tick")
	v.SetDefault("payments.base_url", "http://localhost:9090")
	v.SetDefault("payments.timeout", "15s")
	v.SetDefault("payments.rate_limit", 10)
	v.SetDefault("payments.burst", 5)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
