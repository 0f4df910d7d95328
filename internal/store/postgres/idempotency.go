package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qms/visit-service/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Store) Get(ctx context.Context, scope, key string) (string, bool, error) {
	var response sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT response FROM idempotency_keys WHERE scope = $1 AND idem_key = $2
	`, scope, key)
	if err := row.Scan(&response); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	if !response.Valid {
		return "", false, nil
	}
	return response.String, true, nil
}

// Reserve inserts a pending row; the primary key lets exactly one caller win.
// Losers poll until the winner stores its response, releases the key, or the
// wait window closes. A pending row older than the pending TTL belongs to a
// caller that died mid-request and is taken over.
func (s *Store) Reserve(ctx context.Context, scope, key string) (string, bool, error) {
	deadline := time.Now().Add(s.idempotencyWait)
	for {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO idempotency_keys (scope, idem_key, created_at)
			VALUES ($1, $2, now())
			ON CONFLICT (scope, idem_key) DO NOTHING
		`, scope, key)
		if err != nil {
			return "", false, err
		}
		if tag.RowsAffected() == 1 {
			return "", true, nil
		}

		var response sql.NullString
		var createdAt time.Time
		row := s.pool.QueryRow(ctx, `
			SELECT response, created_at FROM idempotency_keys WHERE scope = $1 AND idem_key = $2
		`, scope, key)
		err = row.Scan(&response, &createdAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			continue
		case err != nil:
			return "", false, err
		case response.Valid:
			return response.String, false, nil
		}

		if time.Since(createdAt) > s.pendingTTL {
			tag, err := s.pool.Exec(ctx, `
				UPDATE idempotency_keys SET created_at = now()
				WHERE scope = $1 AND idem_key = $2 AND response IS NULL AND created_at = $3
			`, scope, key, createdAt)
			if err != nil {
				return "", false, err
			}
			if tag.RowsAffected() == 1 {
				return "", true, nil
			}
		}

		if time.Now().After(deadline) {
			return "", false, store.ErrRequestInProgress
		}
		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-timer.C:
		}
	}
}

// Put settles the key. An already settled key keeps its first payload.
func (s *Store) Put(ctx context.Context, scope, key, payload string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (scope, idem_key, response, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (scope, idem_key)
		DO UPDATE SET response = EXCLUDED.response
		WHERE idempotency_keys.response IS NULL
	`, scope, key, payload)
	return err
}

func (s *Store) Release(ctx context.Context, scope, key string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys WHERE scope = $1 AND idem_key = $2 AND response IS NULL
	`, scope, key)
	return err
}

// PurgeIdempotency removes settled keys older than ttl.
func (s *Store) PurgeIdempotency(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys WHERE response IS NOT NULL AND created_at < $1
	`, time.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
