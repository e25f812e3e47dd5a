package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Serialises lazy window creation across concurrent reservers and instances.
const rateWindowLockKey = int64(0x72617465)

const (
	lockActiveWindowSQL = `SELECT id, notifications_sent, max_notifications
    FROM rate_limit_windows
    WHERE is_active
      AND window_start <= $1
      AND window_end > $1
    ORDER BY window_start DESC
    LIMIT 1
    FOR UPDATE;`

	insertWindowSQL = `INSERT INTO rate_limit_windows (
        window_start, window_end, notifications_sent, max_notifications, is_active
    ) VALUES ($1,$2,0,$3,TRUE)
    RETURNING id;`

	incrementWindowSQL = `UPDATE rate_limit_windows
    SET notifications_sent = notifications_sent + 1
    WHERE id = $1;`

	deactivateExpiredWindowsSQL = `UPDATE rate_limit_windows
    SET is_active = FALSE
    WHERE is_active
      AND window_end <= $1;`

	advisoryXactLockSQL = `SELECT pg_advisory_xact_lock($1);`
)

// WindowStore defines the atomic rate limit reservation primitive.
type WindowStore interface {
	ReserveWindowSlot(ctx context.Context, now time.Time, period time.Duration, maxPerWindow int) (bool, error)
}

// ReserveWindowSlot checks and increments the active window in one
// transaction. The row lock keeps check-and-increment indivisible under
// concurrent dispatch workers; the transaction-scoped advisory lock keeps
// lazy window creation from racing when no window covers "now" yet.
func (s *Store) ReserveWindowSlot(ctx context.Context, now time.Time, period time.Duration, maxPerWindow int) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin reserve transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, execErr := tx.Exec(ctx, advisoryXactLockSQL, rateWindowLockKey); execErr != nil {
		return false, fmt.Errorf("acquire window lock: %w", execErr)
	}

	var (
		windowID int64
		sent     int
		maximum  int
	)
	scanErr := tx.QueryRow(ctx, lockActiveWindowSQL, now).Scan(&windowID, &sent, &maximum)
	switch {
	case errors.Is(scanErr, pgx.ErrNoRows):
		if err := tx.QueryRow(ctx, insertWindowSQL, now, now.Add(period), maxPerWindow).Scan(&windowID); err != nil {
			return false, fmt.Errorf("create rate window: %w", err)
		}
		sent, maximum = 0, maxPerWindow
	case scanErr != nil:
		return false, fmt.Errorf("lock active window: %w", scanErr)
	}

	if sent >= maximum {
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("commit reserve transaction: %w", err)
		}
		return false, nil
	}

	if _, execErr := tx.Exec(ctx, incrementWindowSQL, windowID); execErr != nil {
		return false, fmt.Errorf("increment window counter: %w", execErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit reserve transaction: %w", err)
	}
	return true, nil
}

// DeactivateExpiredWindows retires windows past their end. Rows are kept for
// audit, never deleted.
func (s *Store) DeactivateExpiredWindows(ctx context.Context, now time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, deactivateExpiredWindowsSQL, now)
	if execErr != nil {
		return 0, fmt.Errorf("deactivate expired windows: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}
