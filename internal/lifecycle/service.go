// Package lifecycle implements the visit lifecycle engine: the state machine,
// triage, idempotent check-in, version-checked transitions, the audit trail
// and queue snapshot fan-out. All mutable state lives behind the store ports.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/visit-service/internal/metrics"
	"qms/visit-service/internal/models"
	"qms/visit-service/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
)

const checkInScopePrefix = "checkin:"

var (
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrDoctorRequired         = errors.New("a doctor must be assigned before entering this state")
)

// Publisher fans a department's queue snapshot out to its observers. It must
// not block on slow subscribers and is a no-op when nobody is subscribed.
type Publisher interface {
	PublishQueueUpdated(ctx context.Context, snapshot models.QueueSnapshot) error
}

// Departments tells the service which departments accept check-ins.
type Departments interface {
	Exists(ctx context.Context, departmentID string) (bool, error)
}

type Deps struct {
	Visits      store.VisitStore
	Audit       store.AuditSink
	Idempotency store.IdempotencyStore
	Publisher   Publisher
	Departments Departments
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

type Options struct {
	Triage          TriageConfig
	Location        *time.Location
	RestoreHashCost int
	Now             func() time.Time
}

type Service struct {
	visits      store.VisitStore
	audit       store.AuditSink
	idempotency store.IdempotencyStore
	publisher   Publisher
	departments Departments
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer

	triage   TriageConfig
	location *time.Location
	hashCost int
	now      func() time.Time
}

type CheckInInput struct {
	DepartmentID   string
	PatientName    string
	Age            int
	Symptoms       []string
	RestoreToken   string
	IdempotencyKey string
	TraceID        string
}

type TransitionInput struct {
	VisitID          string
	To               models.State
	Actor            models.Actor
	ExpectedVersion  int64
	TraceID          string
	PrescriptionText *string
}

type auditState struct {
	State       models.State    `json:"state"`
	TokenNumber string          `json:"token_number,omitempty"`
	Priority    models.Priority `json:"priority,omitempty"`
	Version     int64           `json:"version,omitempty"`
	DoctorID    string          `json:"doctor_id,omitempty"`
}

func New(deps Deps, options Options) *Service {
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	cost := options.RestoreHashCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		visits:      deps.Visits,
		audit:       deps.Audit,
		idempotency: deps.Idempotency,
		publisher:   deps.Publisher,
		departments: deps.Departments,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer("qms/visit-service/lifecycle"),
		triage:      options.Triage,
		location:    location,
		hashCost:    cost,
		now:         now,
	}
}

// CheckIn creates a visit exactly once per (department, idempotency key).
// Every caller using the same pair, including concurrent retries, gets the
// same visit back.
func (s *Service) CheckIn(ctx context.Context, input CheckInInput) (visit models.Visit, err error) {
	ctx, span := s.startSpan(ctx, "lifecycle.CheckIn", input.TraceID,
		attribute.String("qms.department_id", input.DepartmentID))
	defer func() { endSpan(span, err) }()

	departmentID := strings.TrimSpace(input.DepartmentID)
	if departmentID == "" {
		return models.Visit{}, store.ErrInvalidDepartment
	}
	if strings.TrimSpace(input.IdempotencyKey) == "" {
		return models.Visit{}, ErrIdempotencyKeyRequired
	}
	if s.departments != nil {
		ok, err := s.departments.Exists(ctx, departmentID)
		if err != nil {
			return models.Visit{}, fmt.Errorf("lookup department: %w", err)
		}
		if !ok {
			return models.Visit{}, store.ErrInvalidDepartment
		}
	}

	scope := checkInScopePrefix + departmentID
	payload, reserved, err := s.idempotency.Reserve(ctx, scope, input.IdempotencyKey)
	if err != nil {
		return models.Visit{}, err
	}
	if !reserved {
		if err := json.Unmarshal([]byte(payload), &visit); err != nil {
			return models.Visit{}, fmt.Errorf("decode stored check-in: %w", err)
		}
		s.metrics.IncCheckInReplay()
		s.logger.Info().
			Str("trace_id", input.TraceID).
			Str("visit_id", visit.ID).
			Str("department_id", departmentID).
			Msg("check-in replayed from idempotency store")
		return visit, nil
	}

	visit, err = s.createVisit(ctx, departmentID, input)
	if err != nil {
		if releaseErr := s.idempotency.Release(context.WithoutCancel(ctx), scope, input.IdempotencyKey); releaseErr != nil {
			s.logger.Error().Err(releaseErr).Str("trace_id", input.TraceID).Msg("release idempotency key")
		}
		return models.Visit{}, err
	}

	// From here the visit exists: the key is always settled so a retry can
	// never create a second visit. The remaining steps ignore cancellation of
	// the request, since a client that disconnects now is about to retry.
	ctx = context.WithoutCancel(ctx)
	auditErr := s.appendAudit(ctx, models.AuditEvent{
		TraceID:      input.TraceID,
		ActorID:      visit.PatientSessionID,
		ActorRole:    models.RolePatient,
		Action:       models.ActionVisitCheckedIn,
		EntityType:   models.EntityVisit,
		EntityID:     visit.ID,
		DepartmentID: departmentID,
		Timestamp:    visit.CreatedAt,
	}, nil, &auditState{State: visit.State, TokenNumber: visit.TokenNumber, Priority: visit.Priority})

	s.publish(ctx, departmentID, input.TraceID)

	encoded, err := json.Marshal(visit)
	if err != nil {
		return models.Visit{}, fmt.Errorf("encode check-in response: %w", err)
	}
	if err := s.idempotency.Put(ctx, scope, input.IdempotencyKey, string(encoded)); err != nil {
		s.logger.Error().Err(err).
			Str("trace_id", input.TraceID).
			Str("visit_id", visit.ID).
			Msg("store idempotent check-in response")
	}

	if auditErr != nil {
		return models.Visit{}, fmt.Errorf("append check-in audit: %w", auditErr)
	}

	s.metrics.IncCheckIn(string(visit.Priority))
	s.logger.Info().
		Str("trace_id", input.TraceID).
		Str("visit_id", visit.ID).
		Str("department_id", departmentID).
		Str("token_number", visit.TokenNumber).
		Str("priority", string(visit.Priority)).
		Msg("visit checked in")
	return visit, nil
}

func (s *Service) createVisit(ctx context.Context, departmentID string, input CheckInInput) (models.Visit, error) {
	now := s.clock()
	token, err := s.visits.NextTokenNumber(ctx, departmentID, now.In(s.location))
	if err != nil {
		return models.Visit{}, fmt.Errorf("allocate token: %w", err)
	}

	restoreHash, err := s.hashRestoreToken(input.RestoreToken)
	if err != nil {
		return models.Visit{}, err
	}

	priority := ClassifyPriority(input.Symptoms, s.triage)
	state := models.StateWaiting
	if priority == models.PriorityUrgent {
		state = models.StateUrgent
	}

	symptoms := append([]string{}, input.Symptoms...)
	visit := models.Visit{
		ID:               uuid.NewString(),
		DepartmentID:     departmentID,
		TokenNumber:      token,
		PatientName:      strings.TrimSpace(input.PatientName),
		Age:              input.Age,
		Symptoms:         symptoms,
		PatientSessionID: uuid.NewString(),
		RestoreTokenHash: restoreHash,
		State:            state,
		Priority:         priority,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.visits.Create(ctx, visit); err != nil {
		return models.Visit{}, fmt.Errorf("create visit: %w", err)
	}
	return visit, nil
}

// Transition moves a visit to a new state, provided expectedVersion still
// matches the stored version. It is not idempotent: a replay
// with a stale version fails with store.ErrVersionConflict.
func (s *Service) Transition(ctx context.Context, input TransitionInput) (next models.Visit, err error) {
	ctx, span := s.startSpan(ctx, "lifecycle.Transition", input.TraceID,
		attribute.String("qms.visit_id", input.VisitID),
		attribute.String("qms.to_state", string(input.To)))
	defer func() { endSpan(span, err) }()

	current, found, err := s.visits.GetByID(ctx, input.VisitID)
	if err != nil {
		return models.Visit{}, err
	}
	if !found {
		return models.Visit{}, store.ErrVisitNotFound
	}
	// A caller holding a stale version loses with a conflict even when the
	// newer state makes its transition invalid. Update re-checks atomically.
	if current.Version != input.ExpectedVersion {
		s.metrics.IncVersionConflict()
		return models.Visit{}, store.ErrVersionConflict
	}
	if err := AssertTransition(current.State, input.To); err != nil {
		return models.Visit{}, err
	}

	now := s.clock()
	next = current.Clone()
	next.State = input.To
	next.Version = current.Version + 1
	next.UpdatedAt = now
	if input.Actor.Role == models.RoleDoctor && input.Actor.UserID != "" {
		doctorID := input.Actor.UserID
		next.DoctorID = &doctorID
	}
	if requiresDoctor(next.State) && (next.DoctorID == nil || *next.DoctorID == "") {
		return models.Visit{}, ErrDoctorRequired
	}
	stampTransition(&next, now)
	if next.State == models.StateCompleted {
		prescription := ""
		if input.PrescriptionText != nil {
			prescription = SanitizePrescription(*input.PrescriptionText)
		}
		next.PrescriptionText = &prescription
	}

	if err := s.visits.Update(ctx, next, input.ExpectedVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			s.metrics.IncVersionConflict()
		}
		return models.Visit{}, err
	}

	// The transition is committed; audit and publish must not be lost to a
	// cancelled request.
	ctx = context.WithoutCancel(ctx)
	auditErr := s.appendAudit(ctx, models.AuditEvent{
		TraceID:      input.TraceID,
		ActorID:      input.Actor.UserID,
		ActorRole:    input.Actor.Role,
		Action:       models.TransitionAction(next.State),
		EntityType:   models.EntityVisit,
		EntityID:     next.ID,
		DepartmentID: next.DepartmentID,
		Timestamp:    now,
	}, snapshotState(current), snapshotState(next))

	s.publish(ctx, next.DepartmentID, input.TraceID)

	if auditErr != nil {
		return models.Visit{}, fmt.Errorf("append transition audit: %w", auditErr)
	}

	s.metrics.IncTransition(string(next.State))
	s.logger.Info().
		Str("trace_id", input.TraceID).
		Str("visit_id", next.ID).
		Str("department_id", next.DepartmentID).
		Str("from", string(current.State)).
		Str("to", string(next.State)).
		Int64("version", next.Version).
		Str("actor_id", input.Actor.UserID).
		Msg("visit transitioned")
	return next, nil
}

func (s *Service) GetVisit(ctx context.Context, visitID string) (models.Visit, bool, error) {
	return s.visits.GetByID(ctx, visitID)
}

func (s *Service) GetDepartmentQueue(ctx context.Context, departmentID string) (models.QueueSnapshot, error) {
	visits, err := s.visits.ListByDepartment(ctx, departmentID)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	return BuildSnapshot(departmentID, visits, s.clock()), nil
}

// RestoreVisit lets a patient recover their visit with the secret they were
// handed at check-in. Unknown visits and wrong secrets are indistinguishable.
func (s *Service) RestoreVisit(ctx context.Context, visitID, restoreToken string) (models.Visit, error) {
	visit, found, err := s.visits.GetByID(ctx, visitID)
	if err != nil {
		return models.Visit{}, err
	}
	if !found || visit.RestoreTokenHash == "" || restoreToken == "" {
		return models.Visit{}, store.ErrVisitNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(visit.RestoreTokenHash), []byte(restoreToken)); err != nil {
		return models.Visit{}, store.ErrVisitNotFound
	}
	return visit, nil
}

// SweepNoShows marks visits that have stayed CALLED longer than grace as
// NO_SHOW on behalf of the system actor. Visits someone else touched in the
// meantime are skipped.
func (s *Service) SweepNoShows(ctx context.Context, departmentID string, grace time.Duration, traceID string) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	visits, err := s.visits.ListByDepartment(ctx, departmentID)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock().Add(-grace)
	processed := 0
	for _, visit := range visits {
		if visit.State != models.StateCalled || visit.CalledAt == nil || visit.CalledAt.After(cutoff) {
			continue
		}
		_, err := s.Transition(ctx, TransitionInput{
			VisitID:         visit.ID,
			To:              models.StateNoShow,
			Actor:           models.SystemActor,
			ExpectedVersion: visit.Version,
			TraceID:         traceID,
		})
		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (s *Service) appendAudit(ctx context.Context, event models.AuditEvent, before, after *auditState) error {
	event.ID = uuid.NewString()
	if before != nil {
		raw, err := json.Marshal(before)
		if err != nil {
			return err
		}
		event.Before = raw
	}
	if after != nil {
		raw, err := json.Marshal(after)
		if err != nil {
			return err
		}
		event.After = raw
	}
	_, err := s.audit.Append(ctx, event)
	return err
}

func (s *Service) publish(ctx context.Context, departmentID, traceID string) {
	if s.publisher == nil {
		return
	}
	snapshot, err := s.GetDepartmentQueue(ctx, departmentID)
	if err != nil {
		s.logger.Error().Err(err).Str("trace_id", traceID).Str("department_id", departmentID).Msg("compute queue snapshot")
		return
	}
	if err := s.publisher.PublishQueueUpdated(ctx, snapshot); err != nil {
		s.logger.Warn().Err(err).Str("trace_id", traceID).Str("department_id", departmentID).Msg("publish queue snapshot")
	}
}

func (s *Service) hashRestoreToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), s.hashCost)
	if err != nil {
		return "", fmt.Errorf("hash restore token: %w", err)
	}
	return string(hash), nil
}

// clock truncates to microseconds so timestamps survive a round trip through
// postgres unchanged.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) startSpan(ctx context.Context, name, traceID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("qms.trace_id", traceID))
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requiresDoctor(state models.State) bool {
	return state == models.StateCalled || state == models.StateInConsultation || state == models.StateCompleted
}

func stampTransition(visit *models.Visit, now time.Time) {
	at := now
	switch visit.State {
	case models.StateCalled:
		if visit.CalledAt == nil {
			visit.CalledAt = &at
		}
	case models.StateInConsultation:
		if visit.ConsultationStartedAt == nil {
			visit.ConsultationStartedAt = &at
		}
	case models.StateCompleted:
		if visit.CompletedAt == nil {
			visit.CompletedAt = &at
		}
	case models.StateNoShow:
		if visit.NoShowAt == nil {
			visit.NoShowAt = &at
		}
	}
}

func snapshotState(visit models.Visit) *auditState {
	state := &auditState{
		State:       visit.State,
		TokenNumber: visit.TokenNumber,
		Priority:    visit.Priority,
		Version:     visit.Version,
	}
	if visit.DoctorID != nil {
		state.DoctorID = *visit.DoctorID
	}
	return state
}
