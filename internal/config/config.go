package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultUrgentSymptoms = "chest pain,difficulty breathing,severe bleeding,unconscious,stroke symptoms"

type Config struct {
	Port                   string `mapstructure:"PORT"`
	Env                    string `mapstructure:"ENV"`
	DatabaseURL            string `mapstructure:"DB_DSN"`
	RedisAddr              string `mapstructure:"REDIS_ADDR"`
	RedisPassword          string `mapstructure:"REDIS_PASSWORD"`
	RedisDB                int    `mapstructure:"REDIS_DB"`
	KafkaBrokersRaw        string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic             string `mapstructure:"KAFKA_TOPIC"`
	UrgentSymptomsRaw      string `mapstructure:"URGENT_SYMPTOMS"`
	DepartmentsRaw         string `mapstructure:"DEPARTMENTS"`
	Timezone               string `mapstructure:"TIMEZONE"`
	TokenSequenceStart     int64  `mapstructure:"TOKEN_SEQUENCE_START"`
	RestoreHashCost        int    `mapstructure:"RESTORE_HASH_COST"`
	IdempotencyWaitSeconds int    `mapstructure:"IDEMPOTENCY_WAIT_SECONDS"`
	IdempotencyTTLHours    int    `mapstructure:"IDEMPOTENCY_TTL_HOURS"`
	IdempotencyPendingSecs int    `mapstructure:"IDEMPOTENCY_PENDING_TTL_SECONDS"`
	SubscriberBuffer       int    `mapstructure:"SUBSCRIBER_BUFFER"`
	NoShowGraceSeconds     int    `mapstructure:"NO_SHOW_GRACE_SECONDS"`
	NoShowIntervalSeconds  int    `mapstructure:"NO_SHOW_SCAN_INTERVAL_SECONDS"`
	OTLPEndpoint           string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure           bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	KafkaBrokers   []string       `mapstructure:"-"`
	UrgentSymptoms []string       `mapstructure:"-"`
	Departments    []string       `mapstructure:"-"`
	Location       *time.Location `mapstructure:"-"`
}

var keys = []string{
	"PORT", "ENV", "DB_DSN", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"URGENT_SYMPTOMS", "DEPARTMENTS", "TIMEZONE", "TOKEN_SEQUENCE_START", "RESTORE_HASH_COST",
	"IDEMPOTENCY_WAIT_SECONDS", "IDEMPOTENCY_TTL_HOURS", "IDEMPOTENCY_PENDING_TTL_SECONDS", "SUBSCRIBER_BUFFER",
	"NO_SHOW_GRACE_SECONDS",
	"NO_SHOW_SCAN_INTERVAL_SECONDS", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("KAFKA_TOPIC", "queue.updated")
	v.SetDefault("URGENT_SYMPTOMS", defaultUrgentSymptoms)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("TOKEN_SEQUENCE_START", 100)
	v.SetDefault("RESTORE_HASH_COST", 10)
	v.SetDefault("IDEMPOTENCY_WAIT_SECONDS", 5)
	v.SetDefault("IDEMPOTENCY_TTL_HOURS", 24)
	v.SetDefault("IDEMPOTENCY_PENDING_TTL_SECONDS", 120)
	v.SetDefault("SUBSCRIBER_BUFFER", 16)
	v.SetDefault("NO_SHOW_GRACE_SECONDS", 0)
	v.SetDefault("NO_SHOW_SCAN_INTERVAL_SECONDS", 30)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitCSV(cfg.KafkaBrokersRaw)
	cfg.UrgentSymptoms = splitCSV(cfg.UrgentSymptomsRaw)
	cfg.Departments = splitCSV(cfg.DepartmentsRaw)

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.Location = location

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.TokenSequenceStart < 0 {
		return fmt.Errorf("TOKEN_SEQUENCE_START must be >= 0, got %d", c.TokenSequenceStart)
	}
	if c.RestoreHashCost < 4 || c.RestoreHashCost > 31 {
		return fmt.Errorf("RESTORE_HASH_COST must be between 4 and 31, got %d", c.RestoreHashCost)
	}
	if c.IdempotencyWaitSeconds <= 0 {
		return fmt.Errorf("IDEMPOTENCY_WAIT_SECONDS must be > 0")
	}
	if c.IdempotencyPendingSecs < c.IdempotencyWaitSeconds {
		return fmt.Errorf("IDEMPOTENCY_PENDING_TTL_SECONDS must be >= IDEMPOTENCY_WAIT_SECONDS")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("SUBSCRIBER_BUFFER must be > 0")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IdempotencyWait() time.Duration {
	return time.Duration(c.IdempotencyWaitSeconds) * time.Second
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

// IdempotencyPendingTTL bounds how long an unfinished check-in keeps its key
// before another request may take it over.
func (c *Config) IdempotencyPendingTTL() time.Duration {
	return time.Duration(c.IdempotencyPendingSecs) * time.Second
}

// NoShowGrace is zero when the automatic no-show sweep is disabled.
func (c *Config) NoShowGrace() time.Duration {
	if c.NoShowGraceSeconds <= 0 {
		return 0
	}
	return time.Duration(c.NoShowGraceSeconds) * time.Second
}

func (c *Config) NoShowInterval() time.Duration {
	if c.NoShowIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NoShowIntervalSeconds) * time.Second
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
