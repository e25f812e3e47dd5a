package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	insertDeadLetterSQL = `INSERT INTO dead_letters (
        stage,
        alert_id,
        evaluation_id,
        error_class,
        last_error,
        payload,
        max_retries,
        next_retry_at,
        status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,'pending'
    )
    RETURNING id;`

	claimDueDeadLettersSQL = `UPDATE dead_letters
    SET status = 'retrying', updated_at = now()
    WHERE id IN (
        SELECT id FROM dead_letters
        WHERE status = 'pending'
          AND next_retry_at IS NOT NULL
          AND next_retry_at <= $1
        ORDER BY next_retry_at
        FOR UPDATE SKIP LOCKED
        LIMIT $2
    )
    RETURNING id, stage, alert_id, evaluation_id, error_class, last_error,
              payload, retry_count, max_retries, next_retry_at, status,
              resolved_at, resolved_by, created_at, updated_at;`

	resolveDeadLetterSQL = `UPDATE dead_letters
    SET status = 'resolved', resolved_at = now(), resolved_by = $2, updated_at = now()
    WHERE id = $1
      AND status <> 'resolved';`

	rescheduleDeadLetterSQL = `UPDATE dead_letters
    SET status = 'pending',
        retry_count   = $2,
        next_retry_at = $3,
        last_error    = $4,
        updated_at    = now()
    WHERE id = $1;`

	exhaustDeadLetterSQL = `UPDATE dead_letters
    SET status = 'failed', last_error = $2, next_retry_at = NULL, updated_at = now()
    WHERE id = $1;`

	listDeadLettersSQL = `SELECT
        id, stage, alert_id, evaluation_id, error_class, last_error,
        payload, retry_count, max_retries, next_retry_at, status,
        resolved_at, resolved_by, created_at, updated_at
    FROM dead_letters
    WHERE ($1 = '' OR status = $1)
    ORDER BY created_at DESC
    LIMIT $2;`

	purgeResolvedDeadLettersSQL = `DELETE FROM dead_letters
    WHERE status = 'resolved'
      AND resolved_at < $1;`
)

// DeadLetterStore defines dead letter persistence.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, entry DeadLetterEntry) (int64, error)
	ClaimDueDeadLetters(ctx context.Context, now time.Time, limit int) ([]DeadLetterEntry, error)
	ResolveDeadLetter(ctx context.Context, id int64, resolvedBy string) error
	RescheduleDeadLetter(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastError string) error
	ExhaustDeadLetter(ctx context.Context, id int64, lastError string) error
	ListDeadLetters(ctx context.Context, status string, limit int) ([]DeadLetterEntry, error)
}

// InsertDeadLetter captures one failed unit of work.
func (s *Store) InsertDeadLetter(ctx context.Context, entry DeadLetterEntry) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var alertID interface{}
	if entry.AlertID != nil {
		alertID = *entry.AlertID
	}
	var evaluationID interface{}
	if entry.EvaluationID != nil {
		evaluationID = *entry.EvaluationID
	}
	var nextRetry interface{}
	if entry.NextRetryAt != nil {
		nextRetry = *entry.NextRetryAt
	}

	var id int64
	if scanErr := pool.QueryRow(ctx, insertDeadLetterSQL,
		entry.Stage,
		alertID,
		evaluationID,
		entry.ErrorClass,
		entry.LastError,
		[]byte(entry.Payload),
		entry.MaxRetries,
		nextRetry,
	).Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("insert dead letter: %w", scanErr)
	}
	return id, nil
}

// ClaimDueDeadLetters atomically moves due pending entries to retrying.
func (s *Store) ClaimDueDeadLetters(ctx context.Context, now time.Time, limit int) ([]DeadLetterEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, claimDueDeadLettersSQL, now, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("claim due dead letters: %w", queryErr)
	}
	defer rows.Close()

	return collectDeadLetters(rows)
}

// ResolveDeadLetter marks an entry resolved, recording who resolved it.
func (s *Store) ResolveDeadLetter(ctx context.Context, id int64, resolvedBy string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, resolveDeadLetterSQL, id, resolvedBy)
	if execErr != nil {
		return fmt.Errorf("resolve dead letter: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RescheduleDeadLetter returns a retrying entry to pending with a new due time.
func (s *Store) RescheduleDeadLetter(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastError string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, rescheduleDeadLetterSQL, id, retryCount, nextRetryAt, lastError); execErr != nil {
		return fmt.Errorf("reschedule dead letter: %w", execErr)
	}
	return nil
}

// ExhaustDeadLetter marks an entry terminally failed pending manual triage.
func (s *Store) ExhaustDeadLetter(ctx context.Context, id int64, lastError string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, exhaustDeadLetterSQL, id, lastError); execErr != nil {
		return fmt.Errorf("exhaust dead letter: %w", execErr)
	}
	return nil
}

// ListDeadLetters lists entries, optionally filtered by status.
func (s *Store) ListDeadLetters(ctx context.Context, status string, limit int) ([]DeadLetterEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDeadLettersSQL, status, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list dead letters: %w", queryErr)
	}
	defer rows.Close()

	return collectDeadLetters(rows)
}

// PurgeResolvedDeadLetters deletes resolved entries past the retention horizon.
func (s *Store) PurgeResolvedDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, purgeResolvedDeadLettersSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("purge resolved dead letters: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func collectDeadLetters(rows pgx.Rows) ([]DeadLetterEntry, error) {
	entries := make([]DeadLetterEntry, 0)
	for rows.Next() {
		entry, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

func scanDeadLetter(rows pgx.Rows) (DeadLetterEntry, error) {
	var (
		entry        DeadLetterEntry
		alertID      sql.NullString
		evaluationID sql.NullInt64
		payload      json.RawMessage
		nextRetry    sql.NullTime
		resolvedAt   sql.NullTime
		resolvedBy   sql.NullString
	)

	if err := rows.Scan(
		&entry.ID,
		&entry.Stage,
		&alertID,
		&evaluationID,
		&entry.ErrorClass,
		&entry.LastError,
		&payload,
		&entry.RetryCount,
		&entry.MaxRetries,
		&nextRetry,
		&entry.Status,
		&resolvedAt,
		&resolvedBy,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return DeadLetterEntry{}, err
	}

	entry.Payload = payload
	if alertID.Valid {
		value := alertID.String
		entry.AlertID = &value
	}
	if evaluationID.Valid {
		value := evaluationID.Int64
		entry.EvaluationID = &value
	}
	if nextRetry.Valid {
		value := nextRetry.Time
		entry.NextRetryAt = &value
	}
	if resolvedAt.Valid {
		value := resolvedAt.Time
		entry.ResolvedAt = &value
	}
	if resolvedBy.Valid {
		value := resolvedBy.String
		entry.ResolvedBy = &value
	}

	return entry, nil
}
