package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/visit-service/internal/models"
	"qms/visit-service/internal/store"
)

func TestUpdateChecksVersion(t *testing.T) {
	ctx := context.Background()
	st := NewVisitStore(Options{})
	visit := models.Visit{ID: "v1", DepartmentID: "GM", State: models.StateWaiting, Version: 1}
	if err := st.Create(ctx, visit); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := visit
	next.State = models.StateCalled
	next.Version = 2
	if err := st.Update(ctx, next, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := st.Update(ctx, next, 1); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored, ok, err := st.GetByID(ctx, "v1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if stored.Version != 2 || stored.State != models.StateCalled {
		t.Fatalf("unexpected stored visit: %+v", stored)
	}
}

func TestUpdateMissingVisit(t *testing.T) {
	st := NewVisitStore(Options{})
	err := st.Update(context.Background(), models.Visit{ID: "missing", Version: 2}, 1)
	if !errors.Is(err, store.ErrVisitNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetByIDReturnsCopy(t *testing.T) {
	ctx := context.Background()
	st := NewVisitStore(Options{})
	_ = st.Create(ctx, models.Visit{ID: "v1", DepartmentID: "GM", Symptoms: []string{"Cough"}, Version: 1})

	got, _, _ := st.GetByID(ctx, "v1")
	got.Symptoms[0] = "mutated"

	again, _, _ := st.GetByID(ctx, "v1")
	if again.Symptoms[0] != "Cough" {
		t.Fatalf("store state leaked through returned slice")
	}
}

func TestNextTokenNumberPerDepartmentAndDay(t *testing.T) {
	ctx := context.Background()
	st := NewVisitStore(Options{TokenStart: 100})
	day := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		department string
		now        time.Time
		want       string
	}{
		{"GM", day, "GM-101"},
		{"GM", day.Add(time.Hour), "GM-102"},
		{"CARD", day, "CARD-101"},
		{"GM", day.Add(24 * time.Hour), "GM-101"},
	}
	for _, tt := range cases {
		got, err := st.NextTokenNumber(ctx, tt.department, tt.now)
		if err != nil {
			t.Fatalf("next token: %v", err)
		}
		if got != tt.want {
			t.Fatalf("expected %s, got %s", tt.want, got)
		}
	}

	if _, err := st.NextTokenNumber(ctx, " ", day); !errors.Is(err, store.ErrInvalidDepartment) {
		t.Fatalf("expected invalid department, got %v", err)
	}
}

func TestHighestTokenNumber(t *testing.T) {
	ctx := context.Background()
	st := NewVisitStore(Options{TokenStart: 100})
	day := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	if got, _ := st.HighestTokenNumber(ctx, "GM", day); got != 0 {
		t.Fatalf("expected 0 for an empty day, got %d", got)
	}
	if _, err := st.NextTokenNumber(ctx, "GM", day); err != nil {
		t.Fatalf("next token: %v", err)
	}
	if got, _ := st.HighestTokenNumber(ctx, "GM", day); got != 101 {
		t.Fatalf("expected 101 from the sequence, got %d", got)
	}

	for _, visit := range []models.Visit{
		{ID: "v1", DepartmentID: "GM", TokenNumber: "GM-140", CreatedAt: day},
		{ID: "v2", DepartmentID: "GM", TokenNumber: "GM-900", CreatedAt: day.Add(-24 * time.Hour)},
		{ID: "v3", DepartmentID: "ENT", TokenNumber: "ENT-500", CreatedAt: day},
	} {
		if err := st.Create(ctx, visit); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if got, _ := st.HighestTokenNumber(ctx, "GM", day); got != 140 {
		t.Fatalf("expected 140 from the day's visits, got %d", got)
	}
}

func TestNextTokenNumberConcurrent(t *testing.T) {
	ctx := context.Background()
	st := NewVisitStore(Options{})
	now := time.Now()

	const n = 50
	var wg sync.WaitGroup
	tokens := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := st.NextTokenNumber(ctx, "GM", now)
			if err != nil {
				t.Errorf("next token: %v", err)
				return
			}
			tokens <- token
		}()
	}
	wg.Wait()
	close(tokens)

	seen := make(map[string]bool)
	for token := range tokens {
		if seen[token] {
			t.Fatalf("duplicate token %s", token)
		}
		seen[token] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d tokens, got %d", n, len(seen))
	}
}

func TestIdempotencyReserveFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	st := NewIdempotencyStore(Options{IdempotencyWait: time.Second})

	_, reserved, err := st.Reserve(ctx, "checkin:GM", "k1")
	if err != nil || !reserved {
		t.Fatalf("expected first reserve to win, reserved=%v err=%v", reserved, err)
	}

	result := make(chan string, 1)
	go func() {
		payload, reserved, err := st.Reserve(ctx, "checkin:GM", "k1")
		if err != nil || reserved {
			t.Errorf("expected waiter to observe payload, reserved=%v err=%v", reserved, err)
		}
		result <- payload
	}()

	time.Sleep(20 * time.Millisecond)
	if err := st.Put(ctx, "checkin:GM", "k1", "first"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Put(ctx, "checkin:GM", "k1", "second"); err != nil {
		t.Fatalf("second put: %v", err)
	}

	if got := <-result; got != "first" {
		t.Fatalf("expected waiter to see first payload, got %q", got)
	}
	payload, ok, _ := st.Get(ctx, "checkin:GM", "k1")
	if !ok || payload != "first" {
		t.Fatalf("expected stored payload first, got %q ok=%v", payload, ok)
	}
}

func TestIdempotencyReleaseLetsNextCallerReserve(t *testing.T) {
	ctx := context.Background()
	st := NewIdempotencyStore(Options{IdempotencyWait: time.Second})

	if _, reserved, _ := st.Reserve(ctx, "s", "k"); !reserved {
		t.Fatalf("expected reservation")
	}
	if err := st.Release(ctx, "s", "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, reserved, _ := st.Reserve(ctx, "s", "k"); !reserved {
		t.Fatalf("expected reservation after release")
	}
	if _, ok, _ := st.Get(ctx, "s", "k"); ok {
		t.Fatalf("pending reservation must not be visible to Get")
	}
}

func TestIdempotencyReserveTimesOut(t *testing.T) {
	ctx := context.Background()
	st := NewIdempotencyStore(Options{IdempotencyWait: 20 * time.Millisecond})
	_, _, _ = st.Reserve(ctx, "s", "k")

	if _, _, err := st.Reserve(ctx, "s", "k"); !errors.Is(err, store.ErrRequestInProgress) {
		t.Fatalf("expected request in progress, got %v", err)
	}
}

func TestAuditSinkChainsPerDepartment(t *testing.T) {
	ctx := context.Background()
	sink := NewAuditSink()
	for i, department := range []string{"GM", "CARD", "GM", "GM"} {
		_, err := sink.Append(ctx, models.AuditEvent{
			ID:           string(rune('a' + i)),
			DepartmentID: department,
			Action:       models.ActionVisitCheckedIn,
			Timestamp:    time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	gm := sink.Department("GM")
	if len(gm) != 3 {
		t.Fatalf("expected 3 GM events, got %d", len(gm))
	}
	if idx := store.VerifyAuditChain(gm); idx != -1 {
		t.Fatalf("expected valid chain, broken at %d", idx)
	}

	latest, _ := sink.List(ctx, 2)
	if len(latest) != 2 || latest[0].ID != "d" {
		t.Fatalf("expected newest first, got %+v", latest)
	}
}
