package postgres

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"qms/visit-service/internal/models"
)

func TestVisitArgsNormalizesNulls(t *testing.T) {
	args := visitArgs(models.Visit{ID: "v1", DepartmentID: "GM"})
	if len(args) != 19 {
		t.Fatalf("expected 19 args, got %d", len(args))
	}
	if symptoms, ok := args[5].([]string); !ok || symptoms == nil {
		t.Fatalf("expected empty symptom slice, got %#v", args[5])
	}
	if args[7] != nil {
		t.Fatalf("expected NULL restore hash, got %#v", args[7])
	}
}

func TestJSONArg(t *testing.T) {
	if jsonArg(nil) != nil {
		t.Fatalf("expected nil for empty json")
	}
	if got, ok := jsonArg([]byte(`{"state":"WAITING"}`)).([]byte); !ok || string(got) != `{"state":"WAITING"}` {
		t.Fatalf("unexpected json arg %#v", got)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	content, err := migrationFiles.ReadFile("migrations/" + entries[0].Name())
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, table := range []string{"visits", "visit_token_sequences", "audit_events", "idempotency_keys"} {
		if !strings.Contains(string(content), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Fatalf("migration missing table %s", table)
		}
	}
}

func TestPendingTTLNeverShorterThanWait(t *testing.T) {
	cases := []struct {
		options Options
		want    time.Duration
	}{
		{Options{}, 2 * time.Minute},
		{Options{IdempotencyWait: 5 * time.Second, PendingTTL: time.Second}, 5 * time.Second},
		{Options{IdempotencyWait: 5 * time.Second, PendingTTL: 10 * time.Minute}, 10 * time.Minute},
	}
	for _, tt := range cases {
		if got := NewStore(nil, tt.options).pendingTTL; got != tt.want {
			t.Fatalf("pendingTTL for %+v = %v, want %v", tt.options, got, tt.want)
		}
	}
}
