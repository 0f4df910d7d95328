package memory

import (
	"context"
	"sync"
	"time"

	"qms/visit-service/internal/models"
	"qms/visit-service/internal/store"
)

type AuditSink struct {
	mu       sync.Mutex
	events   []models.AuditEvent
	lastHash map[string]string
}

func NewAuditSink() *AuditSink {
	return &AuditSink{lastHash: make(map[string]string)}
}

func (s *AuditSink) Append(ctx context.Context, event models.AuditEvent) (models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC().Truncate(time.Microsecond)
	event.PrevHash = s.lastHash[event.DepartmentID]
	event.Hash = store.ComputeAuditHash(event.PrevHash, event)
	s.lastHash[event.DepartmentID] = event.Hash
	s.events = append(s.events, event)
	return event, nil
}

// List returns up to limit events, newest first.
func (s *AuditSink) List(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]models.AuditEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

// Department returns every event for one department, oldest first.
func (s *AuditSink) Department(departmentID string) []models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEvent
	for _, event := range s.events {
		if event.DepartmentID == departmentID {
			out = append(out, event)
		}
	}
	return out
}
