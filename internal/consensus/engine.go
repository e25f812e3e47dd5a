// Package consensus fans an enriched alert out to a panel of independent
// scoring providers and aggregates their verdicts into one weighted score.
package consensus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"alert-relay/internal/resilience"
	"alert-relay/internal/storage"
)

// ErrNoProviders indicates every provider failed or was excluded, so no
// consensus could be formed.
var ErrNoProviders = errors.New("consensus: no providers responded")

// Recommendation labels.
const (
	RecommendStrongBuy = "strong_buy"
	RecommendBuy       = "buy"
	RecommendHold      = "hold"
	RecommendAvoid     = "avoid"
)

// Thresholds map a consensus score to a recommendation.
type Thresholds struct {
	StrongBuy float64
	Buy       float64
	Hold      float64
}

// Recommend applies the fixed thresholds to a score.
func (t Thresholds) Recommend(score float64) string {
	switch {
	case score >= t.StrongBuy:
		return RecommendStrongBuy
	case score >= t.Buy:
		return RecommendBuy
	case score >= t.Hold:
		return RecommendHold
	default:
		return RecommendAvoid
	}
}

// Engine coordinates the provider panel.
type Engine struct {
	providers  []Provider
	breakers   map[string]*resilience.Breaker
	timeouts   map[string]time.Duration
	thresholds Thresholds
	logger     zerolog.Logger
}

// BreakerSettings tune the per-provider circuit breakers.
type BreakerSettings struct {
	MaxFailures       int
	Cooldown          time.Duration
	HalfOpenSuccesses int
}

// ProviderSettings binds one provider to its timeout and breaker tuning.
type ProviderSettings struct {
	Timeout time.Duration
	Breaker BreakerSettings
}

// New constructs a consensus engine. Each provider gets its own breaker so
// one degraded panelist cannot inflate every cycle's latency.
func New(providers []Provider, settings map[string]ProviderSettings, thresholds Thresholds, logger zerolog.Logger) *Engine {
	breakers := make(map[string]*resilience.Breaker, len(providers))
	timeouts := make(map[string]time.Duration, len(providers))
	for _, p := range providers {
		cfg := settings[p.Name()]
		breakers[p.Name()] = resilience.NewBreaker(resilience.BreakerOptions{
			Name:              p.Name(),
			MaxFailures:       cfg.Breaker.MaxFailures,
			Cooldown:          cfg.Breaker.Cooldown,
			HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
		}, logger)

		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		timeouts[p.Name()] = timeout
	}

	return &Engine{
		providers:  providers,
		breakers:   breakers,
		timeouts:   timeouts,
		thresholds: thresholds,
		logger:     logger.With().Str("component", "consensus").Logger(),
	}
}

type providerOutcome struct {
	provider Provider
	result   Result
	latency  time.Duration
	err      error
}

// Evaluate scores one enriched alert across the panel. Providers that time
// out, error, or sit behind an open breaker contribute no score and are
// excluded; weights renormalize over the responding subset. The exclude set
// names providers the health monitor flagged this cycle.
func (e *Engine) Evaluate(ctx context.Context, req Request, exclude map[string]bool) (storage.Evaluation, error) {
	started := time.Now()

	panel := make([]Provider, 0, len(e.providers))
	for _, p := range e.providers {
		if exclude[p.Name()] {
			continue
		}
		panel = append(panel, p)
	}
	if len(panel) == 0 {
		return storage.Evaluation{}, ErrNoProviders
	}

	outcomes := make([]providerOutcome, len(panel))
	var wg sync.WaitGroup
	for i, p := range panel {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			outcomes[i] = e.callProvider(ctx, p, req)
		}(i, p)
	}
	wg.Wait()

	scores := make([]float64, 0, len(panel))
	weights := make([]float64, 0, len(panel))
	recorded := make([]storage.ProviderScore, 0, len(panel))
	var responded []providerOutcome

	for _, outcome := range outcomes {
		entry := storage.ProviderScore{
			Provider:  outcome.provider.Name(),
			Weight:    outcome.provider.Weight(),
			LatencyMS: outcome.latency.Milliseconds(),
		}
		if outcome.err != nil {
			entry.Error = outcome.err.Error()
			recorded = append(recorded, entry)
			continue
		}

		score := outcome.result.Score
		entry.Score = &score
		recorded = append(recorded, entry)

		scores = append(scores, score)
		weights = append(weights, outcome.provider.Weight())
		responded = append(responded, outcome)
	}

	if len(responded) == 0 {
		return storage.Evaluation{}, ErrNoProviders
	}

	consensusScore := stat.Mean(scores, weights)
	stddev := 0.0
	if len(scores) > 1 {
		stddev = stat.StdDev(scores, weights)
	}

	sort.SliceStable(responded, func(i, j int) bool {
		return responded[i].provider.Weight() > responded[j].provider.Weight()
	})
	reasoning := responded[0].result.Text

	eval := storage.Evaluation{
		AlertID:        req.Alert.AlertID,
		ConsensusScore: consensusScore,
		ScoreStdDev:    stddev,
		ProvidersUsed:  len(responded),
		Recommendation: e.thresholds.Recommend(consensusScore),
		Reasoning:      reasoning,
		KeyRisk:        extractKeyRisk(allText(responded)),
		ProviderScores: recorded,
		Duration:       time.Since(started),
		EvaluatedAt:    started.UTC().Truncate(time.Millisecond),
	}

	e.logger.Info().
		Str("alert_id", req.Alert.AlertID).
		Float64("consensus_score", consensusScore).
		Float64("score_stddev", stddev).
		Int("providers_used", len(responded)).
		Str("recommendation", eval.Recommendation).
		Msg("consensus formed")

	return eval, nil
}

// Providers exposes the configured panel, for health probing.
func (e *Engine) Providers() []Provider {
	return e.providers
}

func (e *Engine) callProvider(ctx context.Context, p Provider, req Request) providerOutcome {
	started := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, e.timeouts[p.Name()])
	defer cancel()

	var result Result
	err := e.breakers[p.Name()].Execute(callCtx, func(ctx context.Context) error {
		var scoreErr error
		result, scoreErr = p.Score(ctx, req)
		return scoreErr
	})

	outcome := providerOutcome{
		provider: p,
		result:   result,
		latency:  time.Since(started),
		err:      err,
	}

	if err != nil {
		e.logger.Warn().
			Err(err).
			Str("provider", p.Name()).
			Dur("latency", outcome.latency).
			Msg("provider excluded from consensus")
	}

	return outcome
}

func allText(outcomes []providerOutcome) []string {
	texts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.result.Text != "" {
			texts = append(texts, o.result.Text)
		}
	}
	return texts
}
