package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"alert-relay/internal/api"
	"alert-relay/internal/config"
	"alert-relay/internal/consensus"
	"alert-relay/internal/deadletter"
	"alert-relay/internal/diff"
	"alert-relay/internal/feed"
	"alert-relay/internal/health"
	"alert-relay/internal/maintenance"
	"alert-relay/internal/marketdata"
	"alert-relay/internal/notify"
	"alert-relay/internal/ratelimit"
	"alert-relay/internal/resilience"
	"alert-relay/internal/scheduler"
	"alert-relay/internal/service"
	"alert-relay/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSources() []feed.Source {
	sources := make([]feed.Source, 0, len(a.Config.Sources))
	for _, src := range a.Config.Sources {
		sources = append(sources, feed.NewHTTPSource(feed.Options{
			SourceID:       src.ID,
			BaseURL:        src.BaseURL,
			Timeout:        src.RequestTimeout,
			RequestsPerSec: src.RequestsPerSec,
		}, a.Logger))
	}
	return sources
}

func (a *App) newMarketData() marketdata.Provider {
	return marketdata.NewClient(marketdata.Options{
		BaseURL: a.Config.MarketData.BaseURL,
		Timeout: a.Config.MarketData.RequestTimeout,
	}, a.Logger)
}

func (a *App) newEvaluator() *consensus.Engine {
	providers := make([]consensus.Provider, 0, len(a.Config.Evaluation.Providers))
	settings := make(map[string]consensus.ProviderSettings, len(a.Config.Evaluation.Providers))

	for _, p := range a.Config.Evaluation.Providers {
		providers = append(providers, consensus.NewHTTPProvider(consensus.ProviderOptions{
			Name:    p.Name,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Weight:  p.Weight,
			Timeout: p.RequestTimeout,
		}))
		settings[p.Name] = consensus.ProviderSettings{
			Timeout: p.RequestTimeout,
			Breaker: consensus.BreakerSettings{
				MaxFailures:       p.Breaker.MaxFailures,
				Cooldown:          p.Breaker.Cooldown,
				HalfOpenSuccesses: p.Breaker.HalfOpenSuccesses,
			},
		}
	}

	thresholds := consensus.Thresholds{
		StrongBuy: a.Config.Evaluation.Thresholds.StrongBuy,
		Buy:       a.Config.Evaluation.Thresholds.Buy,
		Hold:      a.Config.Evaluation.Thresholds.Hold,
	}

	return consensus.New(providers, settings, thresholds, a.Logger)
}

func (a *App) newChannels() []notify.Channel {
	var channels []notify.Channel
	if a.Config.Notification.Telegram.Enabled {
		cfg := a.Config.Notification.Telegram
		channels = append(channels, notify.NewTelegramChannel(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if a.Config.Notification.AMQP.Enabled {
		cfg := a.Config.Notification.AMQP
		channels = append(channels, notify.NewAMQPChannel(cfg.URL, cfg.Queue, a.Logger))
	}
	return channels
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newMonitor(store *storage.Store, sources []feed.Source, evaluator *consensus.Engine, market marketdata.Provider) *health.Monitor {
	storeProbe := health.Probe{Name: "store", Check: store.Ping}

	sourceProbes := make([]health.Probe, 0, len(sources))
	for _, src := range sources {
		sourceProbes = append(sourceProbes, health.Probe{Name: src.ID(), Check: src.Ping})
	}

	providerProbes := make([]health.Probe, 0, len(evaluator.Providers())+1)
	for _, p := range evaluator.Providers() {
		providerProbes = append(providerProbes, health.Probe{Name: p.Name(), Check: p.Ping})
	}
	if market != nil {
		providerProbes = append(providerProbes, health.Probe{Name: "market_data", Check: market.Ping})
	}

	return health.New(storeProbe, sourceProbes, providerProbes, 5*time.Second, a.Logger)
}

// Run executes the long-running pipeline: scheduler-driven cycles, the
// maintenance cron jobs, and the embedded ops API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sources := a.newSources()
	market := a.newMarketData()
	evaluator := a.newEvaluator()
	channels := a.newChannels()
	monitor := a.newMonitor(store, sources, evaluator, market)

	limiter := ratelimit.New(store, ratelimit.Options{
		MaxPerWindow: a.Config.Notification.RateLimit.MaxPerWindow,
		Window:       a.Config.Notification.RateLimit.Window,
	}, a.Logger)

	deadLetters := deadletter.New(store, deadletter.Options{
		MaxRetries: a.Config.DeadLetter.MaxRetries,
		Backoff:    resilience.NewBackoffPolicy(a.Config.DeadLetter.BackoffBase, a.Config.DeadLetter.BackoffCap),
		RetryBatch: a.Config.DeadLetter.RetryBatch,
	}, a.Logger)

	dispatcher := notify.NewDispatcher(store, store, store, limiter, channels, deadLetters, notify.DispatcherOptions{
		MinScore:        a.Config.Notification.MinScore,
		Recommendations: a.Config.Notification.Recommendations,
		MaxRetries:      a.Config.Notification.MaxRetries,
		Backoff:         resilience.NewBackoffPolicy(a.Config.Notification.BackoffBase, a.Config.Notification.BackoffCap),
	}, a.Logger)

	differ := diff.New(store, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(sched, sources, market, differ, evaluator, store, dispatcher, deadLetters, monitor, store, service.Options{
		CycleDeadline:     a.Config.Scheduler.CycleDeadline,
		SourceConcurrency: a.Config.Scheduler.SourceConcurrency,
		UnhealthyBackoff:  a.Config.Scheduler.UnhealthyBackoff,
		AdvisoryLockKey:   a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)

	runner := maintenance.NewRunner(a.Logger)
	if err := a.registerMaintenance(runner, store); err != nil {
		return err
	}
	runner.Start()
	defer runner.Stop()

	if a.Config.API.Enabled {
		server := api.NewServer(api.Stores{
			Alerts:      store,
			Evaluations: store,
			Queue:       store,
			DeadLetters: store,
		}, monitor, deadLetters, api.Options{
			ListenAddr: a.Config.API.ListenAddr,
			RateLimit: api.RateLimitConfig{
				RequestsPerSec: a.Config.API.RequestsPerSec,
				Burst:          a.Config.API.Burst,
			},
		}, a.Logger)

		go func() {
			if err := server.Start(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("ops api terminated")
				cancel()
			}
		}()
	}

	a.Logger.Info().Msg("starting alert pipeline")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert pipeline stopped")
	return nil
}

func (a *App) registerMaintenance(runner *maintenance.Runner, store *storage.Store) error {
	cfg := a.Config.Maintenance

	if err := runner.Add(cfg.WindowSweep, &maintenance.WindowSweepJob{Store: store, Logger: a.Logger}); err != nil {
		return err
	}
	if err := runner.Add(cfg.ClaimSweep, &maintenance.ClaimSweepJob{Store: store, MaxAge: cfg.StaleClaimAge, Logger: a.Logger}); err != nil {
		return err
	}
	if err := runner.Add(cfg.DeadLetterPurge, &maintenance.DeadLetterPurgeJob{Store: store, Retention: a.Config.DeadLetter.Retention, Logger: a.Logger}); err != nil {
		return err
	}
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate() error {
	if err := storage.Migrate(a.Config.Database); err != nil {
		return err
	}
	a.Logger.Info().Msg("database migrations applied")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting evaluation history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// DLQListOptions configure dead letter listing.
type DLQListOptions struct {
	Status string
	Limit  int
}
