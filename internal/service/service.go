// Package service ties the pipeline stages together: per-cycle health gate,
// bounded fan-out over tracked sources, diff, enrichment, consensus scoring,
// dispatch, and dead letter replay.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"alert-relay/internal/consensus"
	"alert-relay/internal/deadletter"
	"alert-relay/internal/diff"
	"alert-relay/internal/feed"
	"alert-relay/internal/health"
	"alert-relay/internal/marketdata"
	"alert-relay/internal/notify"
	"alert-relay/internal/resilience"
	"alert-relay/internal/scheduler"
	"alert-relay/internal/storage"
)

// Options tune the orchestrator.
type Options struct {
	CycleDeadline     time.Duration
	SourceConcurrency int
	UnhealthyBackoff  time.Duration
	AdvisoryLockKey   int64
	AlertTimeout      time.Duration
}

// Service orchestrates one poll cycle per scheduler tick.
type Service struct {
	scheduler   *scheduler.Scheduler
	sources     []feed.Source
	market      marketdata.Provider
	differ      *diff.Engine
	evaluator   *consensus.Engine
	evaluations storage.EvaluationStore
	dispatcher  *notify.Dispatcher
	deadLetters *deadletter.Handler
	monitor     *health.Monitor
	locker      storage.AdvisoryLocker
	opts        Options
	logger      zerolog.Logger

	mu          sync.Mutex
	pausedUntil time.Time
}

// New constructs the orchestrator.
func New(
	sched *scheduler.Scheduler,
	sources []feed.Source,
	market marketdata.Provider,
	differ *diff.Engine,
	evaluator *consensus.Engine,
	evaluations storage.EvaluationStore,
	dispatcher *notify.Dispatcher,
	deadLetters *deadletter.Handler,
	monitor *health.Monitor,
	locker storage.AdvisoryLocker,
	opts Options,
	logger zerolog.Logger,
) *Service {
	if opts.SourceConcurrency <= 0 {
		opts.SourceConcurrency = 5
	}
	if opts.CycleDeadline <= 0 {
		opts.CycleDeadline = 4 * time.Minute
	}
	if opts.AlertTimeout <= 0 {
		opts.AlertTimeout = time.Minute
	}

	return &Service{
		scheduler:   sched,
		sources:     sources,
		market:      market,
		differ:      differ,
		evaluator:   evaluator,
		evaluations: evaluations,
		dispatcher:  dispatcher,
		deadLetters: deadLetters,
		monitor:     monitor,
		locker:      locker,
		opts:        opts,
		logger:      logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the aligned cycle loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// ProcessCycle executes one full pipeline cycle for one scheduler tick.
func (s *Service) ProcessCycle(ctx context.Context, tick time.Time) error {
	logger := s.logger.With().Str("cycle_id", uuid.NewString()).Time("tick", tick).Logger()

	if until, paused := s.paused(); paused {
		logger.Info().Time("paused_until", until).Msg("cycle skipped while dependencies recover")
		return nil
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	report := s.monitor.Check(ctx)
	if !report.StoreOK {
		s.pause(s.opts.UnhealthyBackoff)
		logger.Error().Msg("store unhealthy, cycle skipped and orchestrator paused")
		return nil
	}

	badSources := report.UnhealthySources()
	badProviders := report.UnhealthyProviders()
	if report.Status == health.StatusDegraded {
		logger.Warn().
			Int("unhealthy_sources", len(badSources)).
			Int("unhealthy_providers", len(badProviders)).
			Msg("cycle proceeding in degraded mode")
	}

	cycleCtx, cancel := context.WithDeadline(ctx, time.Now().Add(s.opts.CycleDeadline))
	defer cancel()

	s.runSources(ctx, cycleCtx, logger, badSources, badProviders)

	stats, err := s.dispatcher.Dispatch(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("dispatch pass failed")
	}
	logger.Info().
		Int("claimed", stats.Claimed).
		Int("sent", stats.Sent).
		Int("rate_limited", stats.RateLimited).
		Int("requeued", stats.Requeued).
		Int("failed", stats.Failed).
		Msg("dispatch pass completed")

	s.retryDeadLetters(ctx, logger, badProviders)

	return nil
}

// runSources fans work out over the tracked sources on a bounded pool so one
// slow source cannot starve the others. cycleCtx gates starting new alerts;
// each in-flight alert runs under its own timeout derived from the parent
// context so it can finish past the cycle deadline.
func (s *Service) runSources(ctx, cycleCtx context.Context, logger zerolog.Logger, badSources, badProviders map[string]bool) {
	sem := make(chan struct{}, s.opts.SourceConcurrency)
	var wg sync.WaitGroup

	for _, source := range s.sources {
		if badSources[source.ID()] {
			logger.Warn().Str("source_id", source.ID()).Msg("source skipped this cycle: probe failed")
			continue
		}

		wg.Add(1)
		go func(source feed.Source) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-cycleCtx.Done():
				logger.Warn().Str("source_id", source.ID()).Msg("source skipped: cycle deadline reached")
				return
			}

			s.processSource(ctx, cycleCtx, logger, source, badProviders)
		}(source)
	}

	wg.Wait()
}

func (s *Service) processSource(ctx, cycleCtx context.Context, logger zerolog.Logger, source feed.Source, badProviders map[string]bool) {
	sourceLogger := logger.With().Str("source_id", source.ID()).Logger()

	postings, err := source.Fetch(cycleCtx)
	if err != nil {
		sourceLogger.Error().Err(err).Msg("feed fetch failed, source skipped this cycle")
		return
	}

	events, err := s.differ.Run(cycleCtx, source.ID(), postings)
	if err != nil {
		sourceLogger.Error().Err(err).Msg("diff batch failed, source skipped this cycle")
		return
	}

	counts := map[diff.EventType]int{}
	for _, event := range events {
		counts[event.Type]++
	}
	sourceLogger.Info().
		Int("postings", len(postings)).
		Int("new", counts[diff.EventNew]).
		Int("updated", counts[diff.EventUpdate]).
		Int("closed", counts[diff.EventClose]).
		Msg("source reconciled")

	for _, event := range events {
		if event.Type == diff.EventClose {
			continue
		}

		// The deadline stops new alerts from starting; the one in flight
		// finishes under its own timeout.
		if cycleCtx.Err() != nil {
			sourceLogger.Warn().Msg("cycle deadline reached, remaining alerts deferred to next cycle")
			return
		}

		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AlertTimeout)
		s.processAlert(alertCtx, sourceLogger, event.Alert, badProviders)
		cancel()
	}
}

// processAlert runs enrich -> evaluate -> persist -> qualify for one alert.
// Failures route to the dead letter handler instead of being dropped.
func (s *Service) processAlert(ctx context.Context, logger zerolog.Logger, alert storage.TradeAlert, badProviders map[string]bool) {
	alertLogger := logger.With().Str("alert_id", alert.AlertID).Str("ticker", alert.Ticker).Logger()

	market, err := s.market.Enrich(ctx, alert.Ticker)
	if err != nil {
		// Enrichment is best effort: scoring proceeds on trade data alone.
		alertLogger.Warn().Err(err).Msg("market enrichment failed, scoring without context")
		market = marketdata.Context{Ticker: alert.Ticker}
	}

	eval, err := s.evaluator.Evaluate(ctx, consensus.Request{Alert: alert, Market: market}, badProviders)
	if err != nil {
		s.captureEvaluationFailure(ctx, alertLogger, alert, err)
		return
	}

	id, err := s.evaluations.InsertEvaluation(ctx, eval)
	if err != nil {
		s.captureEvaluationFailure(ctx, alertLogger, alert, err)
		return
	}
	eval.ID = id

	queued, err := s.dispatcher.Enqueue(ctx, eval)
	if err != nil {
		alertLogger.Error().Err(err).Msg("failed to enqueue qualifying evaluation")
		return
	}
	if !queued {
		alertLogger.Debug().
			Float64("consensus_score", eval.ConsensusScore).
			Str("recommendation", eval.Recommendation).
			Msg("evaluation below notification bar")
	}
}

func (s *Service) captureEvaluationFailure(ctx context.Context, logger zerolog.Logger, alert storage.TradeAlert, cause error) {
	class := resilience.Classify(cause)
	payload := deadletter.EvaluationPayload{Alert: alert}
	if _, err := s.deadLetters.CaptureEvaluation(ctx, payload, class, cause); err != nil {
		logger.Error().Err(err).Msg("failed to dead letter evaluation")
		return
	}
	logger.Error().Err(cause).Str("class", string(class)).Msg("evaluation failed, dead lettered")
}

// retryDeadLetters replays due dead letters: evaluations re-run the scoring
// path, dispatch entries re-attempt delivery.
func (s *Service) retryDeadLetters(ctx context.Context, logger zerolog.Logger, badProviders map[string]bool) {
	entries, err := s.deadLetters.ClaimDue(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim due dead letters")
		return
	}
	if len(entries) == 0 {
		return
	}
	logger.Info().Int("entries", len(entries)).Msg("replaying due dead letters")

	for _, entry := range entries {
		replayErr := s.replayDeadLetter(ctx, logger, entry, badProviders)
		if replayErr == nil {
			if err := s.deadLetters.CompleteRetry(ctx, entry); err != nil {
				logger.Error().Err(err).Int64("dead_letter_id", entry.ID).Msg("failed to complete dead letter retry")
			}
			continue
		}
		if err := s.deadLetters.FailRetry(ctx, entry, replayErr); err != nil {
			logger.Error().Err(err).Int64("dead_letter_id", entry.ID).Msg("failed to record dead letter retry failure")
		}
	}
}

func (s *Service) replayDeadLetter(ctx context.Context, logger zerolog.Logger, entry storage.DeadLetterEntry, badProviders map[string]bool) error {
	switch entry.Stage {
	case storage.DeadLetterStageEvaluation:
		var payload deadletter.EvaluationPayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return resilience.Permanent(fmt.Errorf("decode evaluation payload: %w", err))
		}

		market, err := s.market.Enrich(ctx, payload.Alert.Ticker)
		if err != nil {
			market = marketdata.Context{Ticker: payload.Alert.Ticker}
		}

		eval, err := s.evaluator.Evaluate(ctx, consensus.Request{Alert: payload.Alert, Market: market}, badProviders)
		if err != nil {
			return err
		}

		id, err := s.evaluations.InsertEvaluation(ctx, eval)
		if err != nil {
			return err
		}
		eval.ID = id

		if _, err := s.dispatcher.Enqueue(ctx, eval); err != nil {
			return err
		}
		return nil

	case storage.DeadLetterStageDispatch:
		var payload deadletter.DispatchPayload
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return resilience.Permanent(fmt.Errorf("decode dispatch payload: %w", err))
		}
		return s.dispatcher.Redeliver(ctx, payload)

	default:
		return resilience.Permanent(fmt.Errorf("unknown dead letter stage %q", entry.Stage))
	}
}

func (s *Service) paused() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Now().Before(s.pausedUntil) {
		return s.pausedUntil, true
	}
	return time.Time{}, false
}

func (s *Service) pause(d time.Duration) {
	if d <= 0 {
		d = 15 * time.Minute
	}
	s.mu.Lock()
	s.pausedUntil = time.Now().Add(d)
	s.mu.Unlock()
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
