// Package postgres implements the store ports on PostgreSQL via pgx. Version
// checks are conditional UPDATEs and per-department serialization uses
// transaction-scoped advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"qms/visit-service/internal/models"
	"qms/visit-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const visitColumns = `visit_id, department_id, token_number, patient_name, age, symptoms, patient_session_id,
	restore_token_hash, state, priority, doctor_id, prescription_text, version, created_at, updated_at,
	called_at, consultation_started_at, completed_at, no_show_at`

type Store struct {
	pool            *pgxpool.Pool
	tokenStart      int64
	idempotencyWait time.Duration
	pendingTTL      time.Duration
	pollInterval    time.Duration
}

type Options struct {
	TokenStart      int64
	IdempotencyWait time.Duration
	// PendingTTL is how long an unsettled idempotency key stays owned by the
	// request that reserved it. It must outlive any check-in, so it is never
	// shorter than IdempotencyWait.
	PendingTTL   time.Duration
	PollInterval time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	wait := options.IdempotencyWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	pendingTTL := options.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = 2 * time.Minute
	}
	if pendingTTL < wait {
		pendingTTL = wait
	}
	poll := options.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &Store{
		pool:            pool,
		tokenStart:      options.TokenStart,
		idempotencyWait: wait,
		pendingTTL:      pendingTTL,
		pollInterval:    poll,
	}
}

func (s *Store) Create(ctx context.Context, visit models.Visit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO visits (`+visitColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, visitArgs(visit)...)
	return err
}

func (s *Store) GetByID(ctx context.Context, visitID string) (models.Visit, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+visitColumns+` FROM visits WHERE visit_id = $1`, visitID)
	visit, err := scanVisit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Visit{}, false, nil
		}
		return models.Visit{}, false, err
	}
	return visit, true, nil
}

// Update writes visit only while the stored version still equals
// expectedVersion. The WHERE clause makes check and write one statement.
func (s *Store) Update(ctx context.Context, visit models.Visit, expectedVersion int64) error {
	if visit.Version != expectedVersion+1 {
		return store.ErrVersionConflict
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE visits SET
			state = $3,
			priority = $4,
			doctor_id = $5,
			prescription_text = $6,
			version = $7,
			updated_at = $8,
			called_at = $9,
			consultation_started_at = $10,
			completed_at = $11,
			no_show_at = $12
		WHERE visit_id = $1 AND version = $2
	`, visit.ID, expectedVersion, visit.State, visit.Priority, visit.DoctorID, visit.PrescriptionText,
		visit.Version, visit.UpdatedAt, visit.CalledAt, visit.ConsultationStartedAt, visit.CompletedAt, visit.NoShowAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM visits WHERE visit_id = $1)`, visit.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrVisitNotFound
	}
	return store.ErrVersionConflict
}

func (s *Store) ListByDepartment(ctx context.Context, departmentID string) ([]models.Visit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+visitColumns+`
		FROM visits
		WHERE department_id = $1
		ORDER BY created_at ASC, visit_id ASC
	`, departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []models.Visit
	for rows.Next() {
		visit, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, visit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return visits, nil
}

func (s *Store) NextTokenNumber(ctx context.Context, departmentID string, now time.Time) (string, error) {
	if strings.TrimSpace(departmentID) == "" {
		return "", store.ErrInvalidDepartment
	}
	var next int64
	row := s.pool.QueryRow(ctx, `
		INSERT INTO visit_token_sequences (department_id, day_key, next_number)
		VALUES ($1, $2, $3 + 1)
		ON CONFLICT (department_id, day_key)
		DO UPDATE SET next_number = visit_token_sequences.next_number + 1
		RETURNING next_number
	`, departmentID, store.DayKey(now), s.tokenStart)
	if err := row.Scan(&next); err != nil {
		return "", err
	}
	return store.FormatToken(departmentID, next), nil
}

// HighestTokenNumber combines the day's sequence row with the tokens stored
// on the day's visits, which also covers tokens issued by an external counter.
func (s *Store) HighestTokenNumber(ctx context.Context, departmentID string, now time.Time) (int64, error) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 0, 1)
	var highest int64
	row := s.pool.QueryRow(ctx, `
		SELECT GREATEST(
			COALESCE((
				SELECT next_number FROM visit_token_sequences
				WHERE department_id = $1 AND day_key = $2
			), 0),
			COALESCE((
				SELECT MAX(CASE
					WHEN substr(token_number, length($1) + 2) ~ '^[0-9]{1,18}$'
					THEN substr(token_number, length($1) + 2)::bigint
				END)
				FROM visits
				WHERE department_id = $1 AND created_at >= $3 AND created_at < $4
					AND left(token_number, length($1) + 1) = $1 || '-'
			), 0)
		)
	`, departmentID, store.DayKey(now), start, end)
	if err := row.Scan(&highest); err != nil {
		return 0, err
	}
	return highest, nil
}

func visitArgs(visit models.Visit) []interface{} {
	symptoms := visit.Symptoms
	if symptoms == nil {
		symptoms = []string{}
	}
	return []interface{}{
		visit.ID,
		visit.DepartmentID,
		visit.TokenNumber,
		visit.PatientName,
		visit.Age,
		symptoms,
		visit.PatientSessionID,
		nullIfEmpty(visit.RestoreTokenHash),
		visit.State,
		visit.Priority,
		visit.DoctorID,
		visit.PrescriptionText,
		visit.Version,
		visit.CreatedAt,
		visit.UpdatedAt,
		visit.CalledAt,
		visit.ConsultationStartedAt,
		visit.CompletedAt,
		visit.NoShowAt,
	}
}

func scanVisit(row pgx.Row) (models.Visit, error) {
	var visit models.Visit
	var restoreHash sql.NullString
	var doctorID sql.NullString
	var prescription sql.NullString
	var calledAt sql.NullTime
	var consultationAt sql.NullTime
	var completedAt sql.NullTime
	var noShowAt sql.NullTime
	if err := row.Scan(
		&visit.ID, &visit.DepartmentID, &visit.TokenNumber, &visit.PatientName, &visit.Age, &visit.Symptoms,
		&visit.PatientSessionID, &restoreHash, &visit.State, &visit.Priority, &doctorID, &prescription,
		&visit.Version, &visit.CreatedAt, &visit.UpdatedAt, &calledAt, &consultationAt, &completedAt, &noShowAt,
	); err != nil {
		return models.Visit{}, err
	}
	visit.CreatedAt = visit.CreatedAt.UTC()
	visit.UpdatedAt = visit.UpdatedAt.UTC()
	visit.RestoreTokenHash = restoreHash.String
	visit.DoctorID = nullStringPtr(doctorID)
	visit.PrescriptionText = nullStringPtr(prescription)
	visit.CalledAt = nullTimePtr(calledAt)
	visit.ConsultationStartedAt = nullTimePtr(consultationAt)
	visit.CompletedAt = nullTimePtr(completedAt)
	visit.NoShowAt = nullTimePtr(noShowAt)
	return visit, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	out := value.Time.UTC()
	return &out
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
