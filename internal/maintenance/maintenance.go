// Package maintenance runs the housekeeping jobs that keep the pipeline
// tables tidy: retiring expired rate windows, unsticking abandoned dispatch
// claims, and purging resolved dead letters past retention.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one named housekeeping task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner schedules jobs on cron specs.
type Runner struct {
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewRunner constructs a runner.
func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{
		cron:   cron.New(),
		logger: logger.With().Str("component", "maintenance").Logger(),
	}
}

// Add registers a job on a cron spec.
func (r *Runner) Add(spec string, job Job) error {
	_, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if err := job.Run(ctx); err != nil {
			r.logger.Error().Err(err).Str("job", job.Name()).Msg("maintenance job failed")
			return
		}
		r.logger.Debug().Str("job", job.Name()).Msg("maintenance job completed")
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", job.Name(), err)
	}

	r.logger.Info().Str("job", job.Name()).Str("schedule", spec).Msg("maintenance job registered")
	return nil
}

// Start begins scheduling; Stop waits for running jobs to finish.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info().Msg("maintenance runner started")
}

// Stop halts scheduling and blocks until in-flight jobs complete.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("maintenance runner stopped")
}

// WindowSweeper deactivates expired rate limit windows. Rows stay for audit.
type WindowSweeper interface {
	DeactivateExpiredWindows(ctx context.Context, now time.Time) (int64, error)
}

// WindowSweepJob retires expired rate limit windows.
type WindowSweepJob struct {
	Store  WindowSweeper
	Logger zerolog.Logger
}

func (j *WindowSweepJob) Name() string { return "window_sweep" }

func (j *WindowSweepJob) Run(ctx context.Context) error {
	n, err := j.Store.DeactivateExpiredWindows(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		j.Logger.Info().Int64("windows", n).Msg("expired rate windows deactivated")
	}
	return nil
}

// ClaimSweeper requeues dispatch claims abandoned by a dead worker.
type ClaimSweeper interface {
	RequeueStaleClaims(ctx context.Context, olderThan time.Time) (int64, error)
}

// ClaimSweepJob unsticks stale 'sending' queue claims.
type ClaimSweepJob struct {
	Store  ClaimSweeper
	MaxAge time.Duration
	Logger zerolog.Logger
}

func (j *ClaimSweepJob) Name() string { return "claim_sweep" }

func (j *ClaimSweepJob) Run(ctx context.Context) error {
	maxAge := j.MaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	n, err := j.Store.RequeueStaleClaims(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return err
	}
	if n > 0 {
		j.Logger.Warn().Int64("entries", n).Msg("stale dispatch claims requeued")
	}
	return nil
}

// DeadLetterPurger deletes resolved dead letters past retention.
type DeadLetterPurger interface {
	PurgeResolvedDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)
}

// DeadLetterPurgeJob enforces dead letter retention.
type DeadLetterPurgeJob struct {
	Store     DeadLetterPurger
	Retention time.Duration
	Logger    zerolog.Logger
}

func (j *DeadLetterPurgeJob) Name() string { return "dead_letter_purge" }

func (j *DeadLetterPurgeJob) Run(ctx context.Context) error {
	retention := j.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	n, err := j.Store.PurgeResolvedDeadLetters(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return err
	}
	if n > 0 {
		j.Logger.Info().Int64("entries", n).Msg("resolved dead letters purged")
	}
	return nil
}
