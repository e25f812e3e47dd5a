package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNoPendingEntries indicates the dispatch queue has nothing claimable.
var ErrNoPendingEntries = errors.New("storage: no pending queue entries")

const (
	enqueueNotificationSQL = `INSERT INTO notification_queue (
        evaluation_id,
        alert_id,
        priority,
        status
    ) VALUES (
        $1,$2,$3,'pending'
    )
    ON CONFLICT (evaluation_id) DO NOTHING;`

	claimNextNotificationSQL = `UPDATE notification_queue
    SET status = 'sending', updated_at = now()
    WHERE id = (
        SELECT id FROM notification_queue
        WHERE status IN ('pending', 'rate_limited')
          AND (next_retry_at IS NULL OR next_retry_at <= $1)
        ORDER BY priority DESC, created_at ASC
        FOR UPDATE SKIP LOCKED
        LIMIT 1
    )
    RETURNING id, evaluation_id, alert_id, priority, status, retry_count,
              next_retry_at, last_error, sent_at, created_at, updated_at;`

	markNotificationSentSQL = `UPDATE notification_queue
    SET status = 'sent', sent_at = now(), updated_at = now()
    WHERE id = $1
      AND status = 'sending';`

	requeueNotificationSQL = `UPDATE notification_queue
    SET status = $2,
        retry_count   = $3,
        next_retry_at = $4,
        last_error    = $5,
        updated_at    = now()
    WHERE id = $1
      AND status = 'sending';`

	markNotificationFailedSQL = `UPDATE notification_queue
    SET status = 'failed', last_error = $2, updated_at = now()
    WHERE id = $1
      AND status = 'sending';`

	markNotificationRedeliveredSQL = `UPDATE notification_queue
    SET status = 'sent', sent_at = now(), last_error = NULL, updated_at = now()
    WHERE id = $1
      AND status = 'failed';`

	requeueStaleClaimsSQL = `UPDATE notification_queue
    SET status = 'pending', updated_at = now()
    WHERE status = 'sending'
      AND updated_at < $1;`

	listQueueEntriesSQL = `SELECT
        id, evaluation_id, alert_id, priority, status, retry_count,
        next_retry_at, last_error, sent_at, created_at, updated_at
    FROM notification_queue
    ORDER BY created_at DESC
    LIMIT $1;`

	queueStatusForEvaluationSQL = `SELECT status FROM notification_queue
    WHERE evaluation_id = $1;`
)

// QueueStore defines notification queue persistence for the dispatcher.
type QueueStore interface {
	EnqueueNotification(ctx context.Context, evaluationID int64, alertID string, priority float64) error
	ClaimNextNotification(ctx context.Context, now time.Time) (NotificationQueueEntry, error)
	MarkNotificationSent(ctx context.Context, id int64) error
	RequeueNotification(ctx context.Context, id int64, status string, retryCount int, nextRetryAt time.Time, lastError string) error
	MarkNotificationFailed(ctx context.Context, id int64, lastError string) error
	MarkNotificationRedelivered(ctx context.Context, id int64) error
	ListQueueEntries(ctx context.Context, limit int) ([]NotificationQueueEntry, error)
}

// EnqueueNotification inserts a pending entry for one qualifying evaluation.
// The unique evaluation_id constraint makes re-enqueueing a no-op.
func (s *Store) EnqueueNotification(ctx context.Context, evaluationID int64, alertID string, priority float64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, enqueueNotificationSQL, evaluationID, alertID, priority); execErr != nil {
		return fmt.Errorf("enqueue notification: %w", execErr)
	}
	return nil
}

// ClaimNextNotification atomically reserves the highest-priority due entry.
// SKIP LOCKED lets concurrent dispatch workers claim disjoint entries.
func (s *Store) ClaimNextNotification(ctx context.Context, now time.Time) (NotificationQueueEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return NotificationQueueEntry{}, err
	}

	rows, queryErr := pool.Query(ctx, claimNextNotificationSQL, now)
	if queryErr != nil {
		return NotificationQueueEntry{}, fmt.Errorf("claim notification: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return NotificationQueueEntry{}, rows.Err()
		}
		return NotificationQueueEntry{}, ErrNoPendingEntries
	}
	return scanQueueEntry(rows)
}

// MarkNotificationSent transitions a claimed entry to its terminal sent state.
// The status guard means a stale worker can never regress a sent row.
func (s *Store) MarkNotificationSent(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markNotificationSentSQL, id)
	if execErr != nil {
		return fmt.Errorf("mark notification sent: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RequeueNotification returns a claimed entry to the queue for a later attempt.
func (s *Store) RequeueNotification(ctx context.Context, id int64, status string, retryCount int, nextRetryAt time.Time, lastError string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, requeueNotificationSQL, id, status, retryCount, nextRetryAt, lastError); execErr != nil {
		return fmt.Errorf("requeue notification: %w", execErr)
	}
	return nil
}

// MarkNotificationFailed transitions a claimed entry to its terminal failed state.
func (s *Store) MarkNotificationFailed(ctx context.Context, id int64, lastError string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markNotificationFailedSQL, id, lastError); execErr != nil {
		return fmt.Errorf("mark notification failed: %w", execErr)
	}
	return nil
}

// MarkNotificationRedelivered flips a failed entry to sent after a successful
// dead letter replay. Sent rows are untouched; the transition only runs
// forward out of failed.
func (s *Store) MarkNotificationRedelivered(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markNotificationRedeliveredSQL, id); execErr != nil {
		return fmt.Errorf("mark notification redelivered: %w", execErr)
	}
	return nil
}

// RequeueStaleClaims returns long-stuck 'sending' claims to pending. Covers
// workers that died between claiming and finishing.
func (s *Store) RequeueStaleClaims(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, requeueStaleClaimsSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("requeue stale claims: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

// ListQueueEntries lists recent queue entries for the read surfaces.
func (s *Store) ListQueueEntries(ctx context.Context, limit int) ([]NotificationQueueEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listQueueEntriesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list queue entries: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]NotificationQueueEntry, 0, limit)
	for rows.Next() {
		entry, scanErr := scanQueueEntry(rows)
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

// QueueStatusForEvaluation reports the queue state of one evaluation, if queued.
func (s *Store) QueueStatusForEvaluation(ctx context.Context, evaluationID int64) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	var status string
	if scanErr := pool.QueryRow(ctx, queueStatusForEvaluationSQL, evaluationID).Scan(&status); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", pgx.ErrNoRows
		}
		return "", fmt.Errorf("queue status for evaluation: %w", scanErr)
	}
	return status, nil
}

func scanQueueEntry(rows pgx.Rows) (NotificationQueueEntry, error) {
	var (
		entry     NotificationQueueEntry
		nextRetry sql.NullTime
		lastError sql.NullString
		sentAt    sql.NullTime
	)

	if err := rows.Scan(
		&entry.ID,
		&entry.EvaluationID,
		&entry.AlertID,
		&entry.Priority,
		&entry.Status,
		&entry.RetryCount,
		&nextRetry,
		&lastError,
		&sentAt,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return NotificationQueueEntry{}, err
	}

	if nextRetry.Valid {
		value := nextRetry.Time
		entry.NextRetryAt = &value
	}
	if lastError.Valid {
		msg := lastError.String
		entry.LastError = &msg
	}
	if sentAt.Valid {
		value := sentAt.Time
		entry.SentAt = &value
	}

	return entry, nil
}
