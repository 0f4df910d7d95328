package postgres

import (
	"context"
	"errors"
	"time"

	"qms/visit-service/internal/models"
	"qms/visit-service/internal/store"

	"github.com/jackc/pgx/v5"
)

// Append chains event onto the department's audit log. The advisory lock
// keeps concurrent appends for one department from reading the same tail.
func (s *Store) Append(ctx context.Context, event models.AuditEvent) (appended models.AuditEvent, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.AuditEvent{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "audit:"+event.DepartmentID); err != nil {
		return models.AuditEvent{}, err
	}

	prev := ""
	row := tx.QueryRow(ctx, `
		SELECT hash
		FROM audit_events
		WHERE department_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, event.DepartmentID)
	if err = row.Scan(&prev); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.AuditEvent{}, err
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC().Truncate(time.Microsecond)
	event.PrevHash = prev
	event.Hash = store.ComputeAuditHash(prev, event)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (
			event_id, department_id, entity_type, entity_id, action, actor_id, actor_role,
			trace_id, before_state, after_state, created_at, prev_hash, hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, event.ID, event.DepartmentID, event.EntityType, event.EntityID, event.Action, event.ActorID, event.ActorRole,
		event.TraceID, jsonArg(event.Before), jsonArg(event.After), event.Timestamp, event.PrevHash, event.Hash)
	if err != nil {
		return models.AuditEvent{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.AuditEvent{}, err
	}
	return event, nil
}

// List returns up to limit events across all departments, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	query := `
		SELECT event_id, department_id, entity_type, entity_id, action, actor_id, actor_role,
			trace_id, before_state, after_state, created_at, prev_hash, hash
		FROM audit_events
		ORDER BY seq DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	return s.queryAudit(ctx, query, args...)
}

// ListDepartmentAudit returns one department's chain, oldest first.
func (s *Store) ListDepartmentAudit(ctx context.Context, departmentID string) ([]models.AuditEvent, error) {
	return s.queryAudit(ctx, `
		SELECT event_id, department_id, entity_type, entity_id, action, actor_id, actor_role,
			trace_id, before_state, after_state, created_at, prev_hash, hash
		FROM audit_events
		WHERE department_id = $1
		ORDER BY seq ASC
	`, departmentID)
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...interface{}) ([]models.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var event models.AuditEvent
		var before, after []byte
		if err := rows.Scan(&event.ID, &event.DepartmentID, &event.EntityType, &event.EntityID, &event.Action,
			&event.ActorID, &event.ActorRole, &event.TraceID, &before, &after, &event.Timestamp,
			&event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Timestamp = event.Timestamp.UTC()
		if before != nil {
			event.Before = before
		}
		if after != nil {
			event.After = after
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func jsonArg(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
