// Package memory is the in-process reference implementation of the store
// ports. A single mutex serializes every check-and-write.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"qms/visit-service/internal/models"
	"qms/visit-service/internal/store"
)

type VisitStore struct {
	mu         sync.RWMutex
	visits     map[string]models.Visit
	sequences  map[string]int64
	tokenStart int64
}

type Options struct {
	// TokenStart offsets the per-day counter, so TokenStart 100 makes the
	// first token of the day "<dept>-101".
	TokenStart      int64
	IdempotencyWait time.Duration
}

func NewVisitStore(options Options) *VisitStore {
	return &VisitStore{
		visits:     make(map[string]models.Visit),
		sequences:  make(map[string]int64),
		tokenStart: options.TokenStart,
	}
}

func (s *VisitStore) Create(ctx context.Context, visit models.Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.visits[visit.ID]; exists {
		return store.ErrVersionConflict
	}
	s.visits[visit.ID] = visit.Clone()
	return nil
}

func (s *VisitStore) GetByID(ctx context.Context, visitID string) (models.Visit, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	visit, ok := s.visits[visitID]
	if !ok {
		return models.Visit{}, false, nil
	}
	return visit.Clone(), true, nil
}

func (s *VisitStore) Update(ctx context.Context, visit models.Visit, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.visits[visit.ID]
	if !ok {
		return store.ErrVisitNotFound
	}
	if current.Version != expectedVersion || visit.Version != expectedVersion+1 {
		return store.ErrVersionConflict
	}
	s.visits[visit.ID] = visit.Clone()
	return nil
}

func (s *VisitStore) ListByDepartment(ctx context.Context, departmentID string) ([]models.Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var visits []models.Visit
	for _, visit := range s.visits {
		if visit.DepartmentID == departmentID {
			visits = append(visits, visit.Clone())
		}
	}
	return visits, nil
}

func (s *VisitStore) NextTokenNumber(ctx context.Context, departmentID string, now time.Time) (string, error) {
	if strings.TrimSpace(departmentID) == "" {
		return "", store.ErrInvalidDepartment
	}
	key := departmentID + "|" + store.DayKey(now)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[key]++
	return store.FormatToken(departmentID, s.tokenStart+s.sequences[key]), nil
}

func (s *VisitStore) HighestTokenNumber(ctx context.Context, departmentID string, now time.Time) (int64, error) {
	day := store.DayKey(now)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var highest int64
	if n, ok := s.sequences[departmentID+"|"+day]; ok {
		highest = s.tokenStart + n
	}
	for _, visit := range s.visits {
		if visit.DepartmentID != departmentID || store.DayKey(visit.CreatedAt.In(now.Location())) != day {
			continue
		}
		if n, ok := store.ParseTokenNumber(departmentID, visit.TokenNumber); ok && n > highest {
			highest = n
		}
	}
	return highest, nil
}
