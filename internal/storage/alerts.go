package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	selectOpenAlertsForUpdateSQL = `SELECT
        alert_id,
        source_id,
        ticker,
        strategy,
        action,
        entry_price,
        strike,
        expiration,
        quantity,
        posted_at,
        status,
        created_at,
        updated_at
    FROM trade_alerts
    WHERE source_id = $1
      AND status = 'open'
    FOR UPDATE SKIP LOCKED;`

	insertAlertSQL = `INSERT INTO trade_alerts (
        alert_id,
        source_id,
        ticker,
        strategy,
        action,
        entry_price,
        strike,
        expiration,
        quantity,
        posted_at,
        status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'open'
    )
    ON CONFLICT (alert_id) DO NOTHING;`

	selectAlertStatusSQL = `SELECT status FROM trade_alerts WHERE alert_id = $1;`

	updateAlertSQL = `UPDATE trade_alerts
    SET entry_price = $2,
        strike      = $3,
        quantity    = $4,
        updated_at  = now()
    WHERE alert_id = $1
      AND status = 'open';`

	closeAlertSQL = `UPDATE trade_alerts
    SET status = 'closed', updated_at = now()
    WHERE alert_id = $1
      AND status = 'open';`

	getAlertSQL = `SELECT
        alert_id, source_id, ticker, strategy, action, entry_price,
        strike, expiration, quantity, posted_at, status, created_at, updated_at
    FROM trade_alerts
    WHERE alert_id = $1;`

	listRecentAlertsSQL = `SELECT
        alert_id, source_id, ticker, strategy, action, entry_price,
        strike, expiration, quantity, posted_at, status, created_at, updated_at
    FROM trade_alerts
    ORDER BY updated_at DESC
    LIMIT $1;`
)

// AlertStore defines trade alert persistence as seen by the diff engine
// and the read surfaces.
type AlertStore interface {
	ReconcileSource(ctx context.Context, sourceID string, plan func(open []TradeAlert) DiffPlan) (DiffPlan, error)
	GetAlert(ctx context.Context, alertID string) (TradeAlert, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]TradeAlert, error)
}

// ReconcileSource executes one diff batch for a source inside a single
// serializable transaction. Open alerts are loaded with FOR UPDATE SKIP
// LOCKED so a concurrent batch for the same source processes what it can
// instead of blocking; the plan callback is pure and receives only the rows
// this transaction actually locked. Any failure rolls back the whole batch.
func (s *Store) ReconcileSource(ctx context.Context, sourceID string, plan func(open []TradeAlert) DiffPlan) (DiffPlan, error) {
	pool, err := s.getPool()
	if err != nil {
		return DiffPlan{}, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return DiffPlan{}, fmt.Errorf("begin diff transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, selectOpenAlertsForUpdateSQL, sourceID)
	if err != nil {
		return DiffPlan{}, fmt.Errorf("load open alerts: %w", err)
	}

	open := make([]TradeAlert, 0)
	for rows.Next() {
		alert, scanErr := scanTradeAlert(rows)
		if scanErr != nil {
			rows.Close()
			return DiffPlan{}, scanErr
		}
		open = append(open, alert)
	}
	rows.Close()
	if rows.Err() != nil {
		return DiffPlan{}, rows.Err()
	}

	applied := plan(open)

	inserted := make([]TradeAlert, 0, len(applied.Insert))
	for _, alert := range applied.Insert {
		strike := nullDecimal(alert.Strike)
		expiration := nullTime(alert.Expiration)
		tag, execErr := tx.Exec(ctx, insertAlertSQL,
			alert.AlertID,
			alert.SourceID,
			alert.Ticker,
			alert.Strategy,
			alert.Action,
			alert.EntryPrice.String(),
			strike,
			expiration,
			alert.Quantity.String(),
			alert.PostedAt,
		)
		if execErr != nil {
			return DiffPlan{}, fmt.Errorf("insert trade alert %s: %w", alert.AlertID, execErr)
		}
		if tag.RowsAffected() == 0 {
			// The id already exists: either a closed row sharing the identity
			// tuple, or an open row a concurrent batch holds past SKIP LOCKED.
			var status string
			if scanErr := tx.QueryRow(ctx, selectAlertStatusSQL, alert.AlertID).Scan(&status); scanErr != nil {
				return DiffPlan{}, fmt.Errorf("inspect conflicting alert %s: %w", alert.AlertID, scanErr)
			}
			applied.Dropped = append(applied.Dropped, DroppedInsert{AlertID: alert.AlertID, Status: status})
			continue
		}
		inserted = append(inserted, alert)
	}
	applied.Insert = inserted

	for _, alert := range applied.Update {
		strike := nullDecimal(alert.Strike)
		if _, execErr := tx.Exec(ctx, updateAlertSQL,
			alert.AlertID,
			alert.EntryPrice.String(),
			strike,
			alert.Quantity.String(),
		); execErr != nil {
			return DiffPlan{}, fmt.Errorf("update trade alert %s: %w", alert.AlertID, execErr)
		}
	}

	for _, alertID := range applied.Close {
		if _, execErr := tx.Exec(ctx, closeAlertSQL, alertID); execErr != nil {
			return DiffPlan{}, fmt.Errorf("close trade alert %s: %w", alertID, execErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return DiffPlan{}, fmt.Errorf("commit diff transaction: %w", err)
	}

	return applied, nil
}

// GetAlert fetches one alert by id.
func (s *Store) GetAlert(ctx context.Context, alertID string) (TradeAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return TradeAlert{}, err
	}

	rows, queryErr := pool.Query(ctx, getAlertSQL, alertID)
	if queryErr != nil {
		return TradeAlert{}, fmt.Errorf("get trade alert: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return TradeAlert{}, rows.Err()
		}
		return TradeAlert{}, pgx.ErrNoRows
	}
	return scanTradeAlert(rows)
}

// ListRecentAlerts lists alerts ordered by most recent activity.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]TradeAlert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]TradeAlert, 0, limit)
	for rows.Next() {
		alert, scanErr := scanTradeAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanTradeAlert(rows pgx.Rows) (TradeAlert, error) {
	var (
		alert      TradeAlert
		priceStr   string
		strikeStr  sql.NullString
		expiration sql.NullTime
		qtyStr     string
	)

	if err := rows.Scan(
		&alert.AlertID,
		&alert.SourceID,
		&alert.Ticker,
		&alert.Strategy,
		&alert.Action,
		&priceStr,
		&strikeStr,
		&expiration,
		&qtyStr,
		&alert.PostedAt,
		&alert.Status,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	); err != nil {
		return TradeAlert{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return TradeAlert{}, fmt.Errorf("parse entry price: %w", err)
	}
	alert.EntryPrice = price

	qty, err := decimal.NewFromString(qtyStr)
	if err != nil {
		return TradeAlert{}, fmt.Errorf("parse quantity: %w", err)
	}
	alert.Quantity = qty

	if strikeStr.Valid {
		strike, convErr := decimal.NewFromString(strikeStr.String)
		if convErr != nil {
			return TradeAlert{}, fmt.Errorf("parse strike: %w", convErr)
		}
		alert.Strike = &strike
	}
	if expiration.Valid {
		value := expiration.Time
		alert.Expiration = &value
	}

	return alert, nil
}

func nullDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
