package lifecycle

import (
	"testing"
	"time"

	"qms/visit-service/internal/models"
)

func TestBuildSnapshotOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	at := func(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

	visits := []models.Visit{
		{ID: "done", TokenNumber: "GM-101", State: models.StateCompleted, Priority: models.PriorityNormal, CreatedAt: at(0), Version: 4},
		{ID: "wait-late", TokenNumber: "GM-106", State: models.StateWaiting, Priority: models.PriorityNormal, CreatedAt: at(9), Version: 1},
		{ID: "urgent", TokenNumber: "GM-105", State: models.StateUrgent, Priority: models.PriorityUrgent, CreatedAt: at(8), Version: 1},
		{ID: "wait-early", TokenNumber: "GM-103", State: models.StateWaiting, Priority: models.PriorityNormal, CreatedAt: at(2), Version: 1},
		{ID: "consult", TokenNumber: "GM-102", State: models.StateInConsultation, Priority: models.PriorityNormal, CreatedAt: at(1), Version: 3},
		{ID: "called", TokenNumber: "GM-104", State: models.StateCalled, Priority: models.PriorityNormal, CreatedAt: at(3), Version: 2},
		{ID: "noshow", TokenNumber: "GM-100", State: models.StateNoShow, Priority: models.PriorityUrgent, CreatedAt: at(5), Version: 3},
	}

	snapshot := BuildSnapshot("GM", visits, at(10))

	want := []string{"called", "consult", "urgent", "wait-early", "wait-late", "noshow", "done"}
	if len(snapshot.Visits) != len(want) {
		t.Fatalf("expected %d visits, got %d", len(want), len(snapshot.Visits))
	}
	for i, id := range want {
		if snapshot.Visits[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, snapshot.Visits[i].ID)
		}
	}
	if snapshot.NowServing == nil || *snapshot.NowServing != "GM-104" {
		t.Fatalf("expected now serving GM-104, got %v", snapshot.NowServing)
	}
	if len(snapshot.Serving) != 2 || snapshot.Serving[1] != "GM-102" {
		t.Fatalf("unexpected serving list: %v", snapshot.Serving)
	}
	if snapshot.Revision != 15 {
		t.Fatalf("expected revision 15, got %d", snapshot.Revision)
	}
	if visits[0].ID != "done" {
		t.Fatalf("input slice must not be reordered")
	}
}

func TestBuildSnapshotPriorityBreaksStateTies(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	visits := []models.Visit{
		{ID: "normal", State: models.StateWaiting, Priority: models.PriorityNormal, CreatedAt: base},
		{ID: "urgent", State: models.StateWaiting, Priority: models.PriorityUrgent, CreatedAt: base.Add(time.Hour)},
	}
	snapshot := BuildSnapshot("GM", visits, base)
	if snapshot.Visits[0].ID != "urgent" {
		t.Fatalf("expected urgent priority first, got %s", snapshot.Visits[0].ID)
	}
}

func TestBuildSnapshotWithoutActiveVisit(t *testing.T) {
	snapshot := BuildSnapshot("GM", nil, time.Now())
	if snapshot.NowServing != nil {
		t.Fatalf("expected no now serving, got %v", *snapshot.NowServing)
	}
	if snapshot.Serving == nil || len(snapshot.Visits) != 0 {
		t.Fatalf("expected empty, non-nil serving list and no visits")
	}
}
