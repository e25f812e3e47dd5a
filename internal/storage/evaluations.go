package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	insertEvaluationSQL = `INSERT INTO evaluations (
        alert_id,
        consensus_score,
        score_stddev,
        providers_used,
        recommendation,
        reasoning,
        key_risk,
        provider_scores,
        duration_ms,
        evaluated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (alert_id, evaluated_at) DO NOTHING
    RETURNING id;`

	getEvaluationIDSQL = `SELECT id FROM evaluations
    WHERE alert_id = $1 AND evaluated_at = $2;`

	listEvaluationsForAlertSQL = `SELECT
        id, alert_id, consensus_score, score_stddev, providers_used,
        recommendation, reasoning, key_risk, provider_scores, duration_ms,
        evaluated_at, created_at
    FROM evaluations
    WHERE alert_id = $1
    ORDER BY evaluated_at DESC;`

	listEvaluationsBetweenSQL = `SELECT
        id, alert_id, consensus_score, score_stddev, providers_used,
        recommendation, reasoning, key_risk, provider_scores, duration_ms,
        evaluated_at, created_at
    FROM evaluations
    WHERE evaluated_at >= $1
      AND evaluated_at < $2
    ORDER BY evaluated_at;`

	getEvaluationSQL = `SELECT
        id, alert_id, consensus_score, score_stddev, providers_used,
        recommendation, reasoning, key_risk, provider_scores, duration_ms,
        evaluated_at, created_at
    FROM evaluations
    WHERE id = $1;`

	latestEvaluationForAlertSQL = `SELECT
        id, alert_id, consensus_score, score_stddev, providers_used,
        recommendation, reasoning, key_risk, provider_scores, duration_ms,
        evaluated_at, created_at
    FROM evaluations
    WHERE alert_id = $1
    ORDER BY evaluated_at DESC
    LIMIT 1;`
)

// EvaluationStore defines evaluation persistence.
type EvaluationStore interface {
	InsertEvaluation(ctx context.Context, eval Evaluation) (int64, error)
	GetEvaluation(ctx context.Context, id int64) (Evaluation, error)
	ListEvaluationsForAlert(ctx context.Context, alertID string) ([]Evaluation, error)
	ListEvaluationsBetween(ctx context.Context, from, to time.Time) ([]Evaluation, error)
	LatestEvaluationForAlert(ctx context.Context, alertID string) (Evaluation, error)
}

// InsertEvaluation persists a consensus verdict. The row is keyed by
// (alert_id, evaluated_at) so a retried insert after a transient store
// failure lands on the existing row instead of duplicating it.
func (s *Store) InsertEvaluation(ctx context.Context, eval Evaluation) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	scores, err := json.Marshal(eval.ProviderScores)
	if err != nil {
		return 0, fmt.Errorf("marshal provider scores: %w", err)
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertEvaluationSQL,
		eval.AlertID,
		eval.ConsensusScore,
		eval.ScoreStdDev,
		eval.ProvidersUsed,
		eval.Recommendation,
		eval.Reasoning,
		eval.KeyRisk,
		scores,
		eval.Duration.Milliseconds(),
		eval.EvaluatedAt,
	).Scan(&id)
	if scanErr == nil {
		return id, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return 0, fmt.Errorf("insert evaluation: %w", scanErr)
	}

	// Conflict path: the row already exists from an earlier attempt.
	if err := pool.QueryRow(ctx, getEvaluationIDSQL, eval.AlertID, eval.EvaluatedAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolve existing evaluation: %w", err)
	}
	return id, nil
}

// GetEvaluation fetches one evaluation by id.
func (s *Store) GetEvaluation(ctx context.Context, id int64) (Evaluation, error) {
	pool, err := s.getPool()
	if err != nil {
		return Evaluation{}, err
	}

	rows, queryErr := pool.Query(ctx, getEvaluationSQL, id)
	if queryErr != nil {
		return Evaluation{}, fmt.Errorf("get evaluation: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return Evaluation{}, rows.Err()
		}
		return Evaluation{}, pgx.ErrNoRows
	}
	return scanEvaluation(rows)
}

// ListEvaluationsForAlert returns the full audit history for one alert.
func (s *Store) ListEvaluationsForAlert(ctx context.Context, alertID string) ([]Evaluation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEvaluationsForAlertSQL, alertID)
	if queryErr != nil {
		return nil, fmt.Errorf("list evaluations for alert: %w", queryErr)
	}
	defer rows.Close()

	return collectEvaluations(rows)
}

// ListEvaluationsBetween lists evaluations within a time window.
func (s *Store) ListEvaluationsBetween(ctx context.Context, from, to time.Time) ([]Evaluation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEvaluationsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list evaluations between: %w", queryErr)
	}
	defer rows.Close()

	return collectEvaluations(rows)
}

// LatestEvaluationForAlert returns the most recent verdict for one alert.
func (s *Store) LatestEvaluationForAlert(ctx context.Context, alertID string) (Evaluation, error) {
	pool, err := s.getPool()
	if err != nil {
		return Evaluation{}, err
	}

	rows, queryErr := pool.Query(ctx, latestEvaluationForAlertSQL, alertID)
	if queryErr != nil {
		return Evaluation{}, fmt.Errorf("latest evaluation for alert: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return Evaluation{}, rows.Err()
		}
		return Evaluation{}, pgx.ErrNoRows
	}
	return scanEvaluation(rows)
}

func collectEvaluations(rows pgx.Rows) ([]Evaluation, error) {
	evals := make([]Evaluation, 0)
	for rows.Next() {
		eval, scanErr := scanEvaluation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		evals = append(evals, eval)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return evals, nil
}

func scanEvaluation(rows pgx.Rows) (Evaluation, error) {
	var (
		eval       Evaluation
		scores     json.RawMessage
		durationMS int64
	)

	if err := rows.Scan(
		&eval.ID,
		&eval.AlertID,
		&eval.ConsensusScore,
		&eval.ScoreStdDev,
		&eval.ProvidersUsed,
		&eval.Recommendation,
		&eval.Reasoning,
		&eval.KeyRisk,
		&scores,
		&durationMS,
		&eval.EvaluatedAt,
		&eval.CreatedAt,
	); err != nil {
		return Evaluation{}, err
	}

	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &eval.ProviderScores); err != nil {
			return Evaluation{}, fmt.Errorf("unmarshal provider scores: %w", err)
		}
	}
	eval.Duration = time.Duration(durationMS) * time.Millisecond

	return eval, nil
}
