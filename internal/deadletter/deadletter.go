// Package deadletter preserves failed evaluation and dispatch work for
// scheduled reattempt or manual triage. The handler stores enough of the
// original input to replay the operation; it never re-invents the logic.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"alert-relay/internal/resilience"
	"alert-relay/internal/storage"
)

// EvaluationPayload is the replay snapshot for a failed consensus evaluation.
type EvaluationPayload struct {
	Alert storage.TradeAlert `json:"alert"`
}

// DispatchPayload is the replay snapshot for a failed delivery.
type DispatchPayload struct {
	QueueEntryID int64  `json:"queue_entry_id"`
	EvaluationID int64  `json:"evaluation_id"`
	AlertID      string `json:"alert_id"`
}

// Options tune retry scheduling.
type Options struct {
	MaxRetries int
	Backoff    resilience.BackoffPolicy
	RetryBatch int
}

// Handler captures failed units of work and feeds due retries back to the
// orchestrator.
type Handler struct {
	store  storage.DeadLetterStore
	opts   Options
	logger zerolog.Logger
}

// New constructs a handler.
func New(store storage.DeadLetterStore, opts Options, logger zerolog.Logger) *Handler {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBatch <= 0 {
		opts.RetryBatch = 10
	}

	return &Handler{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "deadletter").Logger(),
	}
}

// CaptureEvaluation dead-letters a failed evaluation with its alert snapshot.
func (h *Handler) CaptureEvaluation(ctx context.Context, payload EvaluationPayload, class resilience.Classification, cause error) (int64, error) {
	alertID := payload.Alert.AlertID
	return h.capture(ctx, storage.DeadLetterStageEvaluation, &alertID, nil, payload, class, cause)
}

// CaptureDispatch dead-letters a failed delivery with its queue snapshot.
func (h *Handler) CaptureDispatch(ctx context.Context, payload DispatchPayload, class resilience.Classification, cause error) (int64, error) {
	alertID := payload.AlertID
	evaluationID := payload.EvaluationID
	return h.capture(ctx, storage.DeadLetterStageDispatch, &alertID, &evaluationID, payload, class, cause)
}

func (h *Handler) capture(ctx context.Context, stage string, alertID *string, evaluationID *int64, payload interface{}, class resilience.Classification, cause error) (int64, error) {
	snapshot, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal dead letter payload: %w", err)
	}

	entry := storage.DeadLetterEntry{
		Stage:        stage,
		AlertID:      alertID,
		EvaluationID: evaluationID,
		ErrorClass:   string(class),
		LastError:    cause.Error(),
		Payload:      snapshot,
		MaxRetries:   h.opts.MaxRetries,
	}

	// Permanent failures wait for an operator; everything else gets a
	// scheduled reattempt.
	if class != resilience.ClassPermanent {
		retryAt := h.opts.Backoff.NextRetryAt(time.Now().UTC(), 0)
		entry.NextRetryAt = &retryAt
	}

	id, err := h.store.InsertDeadLetter(ctx, entry)
	if err != nil {
		return 0, fmt.Errorf("capture %s failure: %w", stage, err)
	}

	h.logger.Warn().
		Int64("dead_letter_id", id).
		Str("stage", stage).
		Str("class", string(class)).
		Err(cause).
		Msg("work dead lettered")
	return id, nil
}

// ClaimDue atomically claims entries whose retry time has arrived.
func (h *Handler) ClaimDue(ctx context.Context) ([]storage.DeadLetterEntry, error) {
	entries, err := h.store.ClaimDueDeadLetters(ctx, time.Now().UTC(), h.opts.RetryBatch)
	if err != nil {
		return nil, fmt.Errorf("claim due dead letters: %w", err)
	}
	return entries, nil
}

// CompleteRetry resolves an entry after a successful reattempt.
func (h *Handler) CompleteRetry(ctx context.Context, entry storage.DeadLetterEntry) error {
	if err := h.store.ResolveDeadLetter(ctx, entry.ID, "auto-retry"); err != nil {
		return fmt.Errorf("resolve dead letter %d: %w", entry.ID, err)
	}
	h.logger.Info().Int64("dead_letter_id", entry.ID).Str("stage", entry.Stage).Msg("dead letter resolved by retry")
	return nil
}

// FailRetry reschedules a failed reattempt or exhausts the entry once the
// retry budget is spent.
func (h *Handler) FailRetry(ctx context.Context, entry storage.DeadLetterEntry, cause error) error {
	retryCount := entry.RetryCount + 1
	if retryCount >= entry.MaxRetries {
		if err := h.store.ExhaustDeadLetter(ctx, entry.ID, cause.Error()); err != nil {
			return fmt.Errorf("exhaust dead letter %d: %w", entry.ID, err)
		}
		h.logger.Error().
			Int64("dead_letter_id", entry.ID).
			Str("stage", entry.Stage).
			Err(cause).
			Msg("dead letter exhausted, manual resolution required")
		return nil
	}

	retryAt := h.opts.Backoff.NextRetryAt(time.Now().UTC(), retryCount)
	if err := h.store.RescheduleDeadLetter(ctx, entry.ID, retryCount, retryAt, cause.Error()); err != nil {
		return fmt.Errorf("reschedule dead letter %d: %w", entry.ID, err)
	}
	h.logger.Warn().
		Int64("dead_letter_id", entry.ID).
		Int("retry_count", retryCount).
		Time("retry_at", retryAt).
		Msg("dead letter retry failed, rescheduled")
	return nil
}

// Resolve marks an entry manually resolved by an operator. It does not
// re-attempt the work.
func (h *Handler) Resolve(ctx context.Context, id int64, resolvedBy string) error {
	if resolvedBy == "" {
		resolvedBy = "operator"
	}
	if err := h.store.ResolveDeadLetter(ctx, id, resolvedBy); err != nil {
		return fmt.Errorf("resolve dead letter %d: %w", id, err)
	}
	h.logger.Info().Int64("dead_letter_id", id).Str("resolved_by", resolvedBy).Msg("dead letter manually resolved")
	return nil
}
