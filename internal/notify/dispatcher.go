package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"alert-relay/internal/deadletter"
	"alert-relay/internal/ratelimit"
	"alert-relay/internal/resilience"
	"alert-relay/internal/storage"
)

// Reserver is the rate limit slot reservation the dispatcher consults before
// every send.
type Reserver interface {
	Reserve(ctx context.Context) (bool, error)
	Window() time.Duration
}

// DispatcherOptions tune qualification and retry behaviour.
type DispatcherOptions struct {
	MinScore        float64
	Recommendations []string
	MaxRetries      int
	Backoff         resilience.BackoffPolicy
}

// Dispatcher owns the notification queue: qualification at enqueue time,
// then priority-ordered delivery under the rate limit.
type Dispatcher struct {
	queue       storage.QueueStore
	evaluations storage.EvaluationStore
	alerts      storage.AlertStore
	limiter     Reserver
	channels    []Channel
	deadLetters *deadletter.Handler
	opts        DispatcherOptions
	recommendOK map[string]bool
	logger      zerolog.Logger
}

// NewDispatcher constructs the dispatcher.
func NewDispatcher(
	queue storage.QueueStore,
	evaluations storage.EvaluationStore,
	alerts storage.AlertStore,
	limiter Reserver,
	channels []Channel,
	deadLetters *deadletter.Handler,
	opts DispatcherOptions,
	logger zerolog.Logger,
) *Dispatcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	recommendOK := make(map[string]bool, len(opts.Recommendations))
	for _, r := range opts.Recommendations {
		recommendOK[r] = true
	}

	return &Dispatcher{
		queue:       queue,
		evaluations: evaluations,
		alerts:      alerts,
		limiter:     limiter,
		channels:    channels,
		deadLetters: deadLetters,
		opts:        opts,
		recommendOK: recommendOK,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Qualifies reports whether an evaluation deserves a notification. The check
// runs once, at enqueue time; a later evaluation for the same alert is judged
// independently.
func (d *Dispatcher) Qualifies(eval storage.Evaluation) bool {
	return eval.ConsensusScore >= d.opts.MinScore && d.recommendOK[eval.Recommendation]
}

// Enqueue records a pending notification for a qualifying evaluation.
// Priority derives from the consensus score, so stronger findings jump the
// queue. Non-qualifying evaluations are silently skipped.
func (d *Dispatcher) Enqueue(ctx context.Context, eval storage.Evaluation) (bool, error) {
	if !d.Qualifies(eval) {
		return false, nil
	}

	if err := d.queue.EnqueueNotification(ctx, eval.ID, eval.AlertID, eval.ConsensusScore); err != nil {
		return false, fmt.Errorf("enqueue evaluation %d: %w", eval.ID, err)
	}

	d.logger.Info().
		Str("alert_id", eval.AlertID).
		Int64("evaluation_id", eval.ID).
		Float64("priority", eval.ConsensusScore).
		Msg("notification enqueued")
	return true, nil
}

// Stats summarise one dispatch pass.
type Stats struct {
	Claimed     int
	Sent        int
	RateLimited int
	Requeued    int
	Failed      int
}

// Dispatch drains due queue entries in priority order until the queue is
// empty or the rate limit window is exhausted. Per-entry failures never abort
// the pass.
func (d *Dispatcher) Dispatch(ctx context.Context) (Stats, error) {
	var stats Stats

	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		entry, err := d.queue.ClaimNextNotification(ctx, time.Now().UTC())
		if errors.Is(err, storage.ErrNoPendingEntries) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("claim queue entry: %w", err)
		}
		stats.Claimed++

		ok, err := d.limiter.Reserve(ctx)
		if err != nil {
			// Put the claim back untouched; the slot was never consumed.
			if requeueErr := d.queue.RequeueNotification(ctx, entry.ID, storage.QueueStatusPending, entry.RetryCount, time.Now().UTC(), err.Error()); requeueErr != nil {
				d.logger.Error().Err(requeueErr).Int64("entry_id", entry.ID).Msg("failed to release claim after reserve error")
			}
			return stats, fmt.Errorf("reserve send slot: %w", err)
		}
		if !ok {
			stats.RateLimited++
			retryAt := time.Now().UTC().Add(d.limiter.Window())
			if requeueErr := d.queue.RequeueNotification(ctx, entry.ID, storage.QueueStatusRateLimited, entry.RetryCount, retryAt, ratelimit.ErrCapacityExhausted.Error()); requeueErr != nil {
				d.logger.Error().Err(requeueErr).Int64("entry_id", entry.ID).Msg("failed to park rate limited entry")
			}
			d.logger.Info().Int64("entry_id", entry.ID).Time("retry_at", retryAt).Msg("dispatch paused: window exhausted")
			return stats, nil
		}

		d.deliver(ctx, entry, &stats)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, entry storage.NotificationQueueEntry, stats *Stats) {
	msg, err := d.render(ctx, entry)
	if err != nil {
		d.handleDeliveryFailure(ctx, entry, err, stats)
		return
	}

	sendErr := d.sendAny(ctx, msg)
	if sendErr == nil {
		if err := d.queue.MarkNotificationSent(ctx, entry.ID); err != nil {
			d.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to mark entry sent")
			return
		}
		stats.Sent++
		d.logger.Info().
			Int64("entry_id", entry.ID).
			Str("alert_id", entry.AlertID).
			Float64("priority", entry.Priority).
			Msg("notification sent")
		return
	}

	d.handleDeliveryFailure(ctx, entry, sendErr, stats)
}

// handleDeliveryFailure applies the retry policy to any failure on the way to
// a delivery, whether loading the payload or sending it: permanent causes fail
// the entry, everything else requeues with backoff until retries run out.
func (d *Dispatcher) handleDeliveryFailure(ctx context.Context, entry storage.NotificationQueueEntry, cause error, stats *Stats) {
	if resilience.Classify(cause) == resilience.ClassPermanent {
		d.failEntry(ctx, entry, resilience.ClassPermanent, cause, stats)
		return
	}

	retryCount := entry.RetryCount + 1
	if retryCount > d.opts.MaxRetries {
		d.failEntry(ctx, entry, resilience.ClassExhausted, cause, stats)
		return
	}

	retryAt := d.opts.Backoff.NextRetryAt(time.Now().UTC(), retryCount)
	if err := d.queue.RequeueNotification(ctx, entry.ID, storage.QueueStatusPending, retryCount, retryAt, cause.Error()); err != nil {
		d.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to requeue entry")
		return
	}
	stats.Requeued++
	d.logger.Warn().
		Err(cause).
		Int64("entry_id", entry.ID).
		Int("retry_count", retryCount).
		Time("retry_at", retryAt).
		Msg("transient delivery failure, requeued")
}

// sendAny tries the channels in configured order and stops at the first
// success, so a retried entry is never delivered twice. All-channel failure
// is permanent only when no channel failed transiently.
func (d *Dispatcher) sendAny(ctx context.Context, msg Message) error {
	if len(d.channels) == 0 {
		return resilience.Permanent(errors.New("no delivery channels configured"))
	}

	var lastErr error
	sawTransient := false
	for _, channel := range d.channels {
		err := channel.Send(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("channel %s: %w", channel.Name(), err)
		if resilience.Classify(err) == resilience.ClassTransient {
			sawTransient = true
		}
	}

	if sawTransient {
		return lastErr
	}
	return resilience.Permanent(lastErr)
}

// Redeliver re-attempts a dead-lettered delivery from its payload snapshot.
// It respects the rate limit like any other send; on success the original
// queue entry is moved to sent so the dashboards agree with what went out.
// The slot is reserved only once the payload rows loaded, so a load failure
// never burns window capacity.
func (d *Dispatcher) Redeliver(ctx context.Context, payload deadletter.DispatchPayload) error {
	eval, err := d.evaluations.GetEvaluation(ctx, payload.EvaluationID)
	if err != nil {
		return fmt.Errorf("load evaluation %d: %w", payload.EvaluationID, err)
	}
	alert, err := d.alerts.GetAlert(ctx, payload.AlertID)
	if err != nil {
		return fmt.Errorf("load alert %s: %w", payload.AlertID, err)
	}

	ok, err := d.limiter.Reserve(ctx)
	if err != nil {
		return fmt.Errorf("reserve send slot: %w", err)
	}
	if !ok {
		return ratelimit.ErrCapacityExhausted
	}

	if err := d.sendAny(ctx, Render(alert, eval)); err != nil {
		return err
	}

	if err := d.queue.MarkNotificationRedelivered(ctx, payload.QueueEntryID); err != nil {
		d.logger.Warn().Err(err).Int64("entry_id", payload.QueueEntryID).Msg("redelivered but could not mark queue entry sent")
	}
	return nil
}

// render loads the payload rows. A missing row is permanent (retrying cannot
// bring it back); any other store failure keeps its transient default.
func (d *Dispatcher) render(ctx context.Context, entry storage.NotificationQueueEntry) (Message, error) {
	eval, err := d.evaluations.GetEvaluation(ctx, entry.EvaluationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = resilience.Permanent(err)
		}
		return Message{}, fmt.Errorf("load evaluation %d: %w", entry.EvaluationID, err)
	}
	alert, err := d.alerts.GetAlert(ctx, entry.AlertID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = resilience.Permanent(err)
		}
		return Message{}, fmt.Errorf("load alert %s: %w", entry.AlertID, err)
	}
	return Render(alert, eval), nil
}

func (d *Dispatcher) failEntry(ctx context.Context, entry storage.NotificationQueueEntry, class resilience.Classification, cause error, stats *Stats) {
	if err := d.queue.MarkNotificationFailed(ctx, entry.ID, cause.Error()); err != nil {
		d.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to mark entry failed")
	}
	stats.Failed++

	if d.deadLetters != nil {
		payload := deadletter.DispatchPayload{
			QueueEntryID: entry.ID,
			EvaluationID: entry.EvaluationID,
			AlertID:      entry.AlertID,
		}
		if _, err := d.deadLetters.CaptureDispatch(ctx, payload, class, cause); err != nil {
			d.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to dead letter entry")
		}
	}

	d.logger.Error().
		Err(cause).
		Int64("entry_id", entry.ID).
		Str("class", string(class)).
		Msg("notification delivery failed")
}
