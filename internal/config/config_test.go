package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("PORT", "")
	t.Setenv("URGENT_SYMPTOMS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.TokenSequenceStart != 100 {
		t.Errorf("expected token start 100, got %d", cfg.TokenSequenceStart)
	}
	if len(cfg.UrgentSymptoms) != 5 || cfg.UrgentSymptoms[0] != "chest pain" {
		t.Errorf("unexpected urgent symptoms: %v", cfg.UrgentSymptoms)
	}
	if cfg.Location != time.UTC {
		t.Errorf("expected UTC location, got %v", cfg.Location)
	}
	if cfg.NoShowGrace() != 0 {
		t.Errorf("expected no-show sweep disabled by default")
	}
	if cfg.IdempotencyWait() != 5*time.Second {
		t.Errorf("expected 5s idempotency wait, got %s", cfg.IdempotencyWait())
	}
	if cfg.IdempotencyPendingTTL() != 2*time.Minute {
		t.Errorf("expected 2m pending TTL, got %s", cfg.IdempotencyPendingTTL())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("DEPARTMENTS", "GM:General Medicine,ENT")
	t.Setenv("URGENT_SYMPTOMS", "Chest Pain")
	t.Setenv("NO_SHOW_GRACE_SECONDS", "300")
	t.Setenv("TIMEZONE", "Asia/Jakarta")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if len(cfg.Departments) != 2 || cfg.Departments[0] != "GM:General Medicine" {
		t.Errorf("unexpected departments: %v", cfg.Departments)
	}
	if len(cfg.UrgentSymptoms) != 1 || cfg.UrgentSymptoms[0] != "Chest Pain" {
		t.Errorf("unexpected urgent symptoms: %v", cfg.UrgentSymptoms)
	}
	if cfg.NoShowGrace() != 5*time.Minute {
		t.Errorf("expected 5m grace, got %s", cfg.NoShowGrace())
	}
	if cfg.Location.String() != "Asia/Jakarta" {
		t.Errorf("expected Asia/Jakarta, got %s", cfg.Location)
	}
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	t.Setenv("TIMEZONE", "Mars/Olympus")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestValidate(t *testing.T) {
	c := &Config{Port: "8080", RestoreHashCost: 2, IdempotencyWaitSeconds: 5, IdempotencyPendingSecs: 120, SubscriberBuffer: 16}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for low hash cost")
	}
	c.RestoreHashCost = 10
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.IdempotencyPendingSecs = 2
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for a pending TTL shorter than the wait window")
	}
}
