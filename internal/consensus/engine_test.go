package consensus

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"alert-relay/internal/storage"
)

type fakeProvider struct {
	name   string
	weight float64
	score  float64
	text   string
	err    error
	delay  time.Duration
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Weight() float64 { return f.weight }

func (f *fakeProvider) Score(ctx context.Context, req Request) (Result, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Score: f.score, Text: f.text}, nil
}

func (f *fakeProvider) Ping(ctx context.Context) error { return nil }

func testThresholds() Thresholds {
	return Thresholds{StrongBuy: 85, Buy: 70, Hold: 50}
}

func testRequest() Request {
	return Request{Alert: storage.TradeAlert{AlertID: "abc123", Ticker: "AAPL"}}
}

func newTestEngine(providers []Provider, settings map[string]ProviderSettings) *Engine {
	return New(providers, settings, testThresholds(), zerolog.Nop())
}

func TestEvaluateWeightedConsensus(t *testing.T) {
	providers := []Provider{
		&fakeProvider{name: "alpha", weight: 0.5, score: 90, text: "strong setup"},
		&fakeProvider{name: "beta", weight: 0.3, score: 70},
		&fakeProvider{name: "gamma", weight: 0.2, score: 50},
	}
	engine := newTestEngine(providers, nil)

	eval, err := engine.Evaluate(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	// 0.5*90 + 0.3*70 + 0.2*50 = 76
	if math.Abs(eval.ConsensusScore-76) > 1e-9 {
		t.Fatalf("consensus score = %f, want 76", eval.ConsensusScore)
	}
	if eval.ProvidersUsed != 3 {
		t.Fatalf("providers used = %d, want 3", eval.ProvidersUsed)
	}
	if eval.Recommendation != RecommendBuy {
		t.Fatalf("recommendation = %q, want buy", eval.Recommendation)
	}
	if eval.Reasoning != "strong setup" {
		t.Fatalf("reasoning should come from highest-weight responder, got %q", eval.Reasoning)
	}
	if eval.ScoreStdDev <= 0 {
		t.Fatal("dispersion should be positive for disagreeing providers")
	}
	if len(eval.ProviderScores) != 3 {
		t.Fatalf("expected 3 provider score records, got %d", len(eval.ProviderScores))
	}
}

func TestEvaluateRenormalizesOverResponders(t *testing.T) {
	providers := []Provider{
		&fakeProvider{name: "alpha", weight: 0.5, score: 80},
		&fakeProvider{name: "beta", weight: 0.3, score: 60},
		&fakeProvider{name: "gamma", weight: 0.2, err: errors.New("upstream 500")},
	}
	engine := newTestEngine(providers, nil)

	eval, err := engine.Evaluate(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	// (0.5*80 + 0.3*60) / 0.8 = 72.5
	if math.Abs(eval.ConsensusScore-72.5) > 1e-9 {
		t.Fatalf("consensus score = %f, want 72.5", eval.ConsensusScore)
	}
	if eval.ProvidersUsed != 2 {
		t.Fatalf("providers used = %d, want 2", eval.ProvidersUsed)
	}

	var failedRecorded bool
	for _, ps := range eval.ProviderScores {
		if ps.Provider == "gamma" {
			failedRecorded = true
			if ps.Score != nil {
				t.Fatal("failed provider should record no score")
			}
			if ps.Error == "" {
				t.Fatal("failed provider should record its error")
			}
		}
	}
	if !failedRecorded {
		t.Fatal("failed provider should still appear in the record")
	}
}

func TestEvaluateTimeoutExcludesProvider(t *testing.T) {
	providers := []Provider{
		&fakeProvider{name: "fast", weight: 0.6, score: 88, text: "momentum intact"},
		&fakeProvider{name: "slow", weight: 0.4, score: 20, delay: time.Second},
	}
	settings := map[string]ProviderSettings{
		"fast": {Timeout: time.Second},
		"slow": {Timeout: 20 * time.Millisecond},
	}
	engine := newTestEngine(providers, settings)

	eval, err := engine.Evaluate(context.Background(), testRequest(), nil)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	if eval.ProvidersUsed != 1 {
		t.Fatalf("providers used = %d, want 1", eval.ProvidersUsed)
	}
	if math.Abs(eval.ConsensusScore-88) > 1e-9 {
		t.Fatalf("single responder should carry full weight, got %f", eval.ConsensusScore)
	}
	if eval.ScoreStdDev != 0 {
		t.Fatalf("single responder dispersion should be zero, got %f", eval.ScoreStdDev)
	}
}

func TestEvaluateExcludeSet(t *testing.T) {
	providers := []Provider{
		&fakeProvider{name: "alpha", weight: 0.5, score: 90},
		&fakeProvider{name: "beta", weight: 0.5, score: 40},
	}
	engine := newTestEngine(providers, nil)

	eval, err := engine.Evaluate(context.Background(), testRequest(), map[string]bool{"beta": true})
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if eval.ProvidersUsed != 1 || math.Abs(eval.ConsensusScore-90) > 1e-9 {
		t.Fatalf("excluded provider should not contribute, got %+v", eval)
	}
}

func TestEvaluateAllFailed(t *testing.T) {
	providers := []Provider{
		&fakeProvider{name: "alpha", weight: 1, err: errors.New("down")},
	}
	engine := newTestEngine(providers, nil)

	if _, err := engine.Evaluate(context.Background(), testRequest(), nil); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}

func TestEvaluateAllExcluded(t *testing.T) {
	providers := []Provider{
		&fakeProvider{name: "alpha", weight: 1, score: 80},
	}
	engine := newTestEngine(providers, nil)

	if _, err := engine.Evaluate(context.Background(), testRequest(), map[string]bool{"alpha": true}); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}

func TestThresholdBoundaries(t *testing.T) {
	th := testThresholds()
	cases := []struct {
		score float64
		want  string
	}{
		{92, RecommendStrongBuy},
		{85, RecommendStrongBuy},
		{84.9, RecommendBuy},
		{70, RecommendBuy},
		{69.9, RecommendHold},
		{50, RecommendHold},
		{49.9, RecommendAvoid},
		{0, RecommendAvoid},
	}
	for _, tc := range cases {
		if got := th.Recommend(tc.score); got != tc.want {
			t.Errorf("Recommend(%f) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestExtractKeyRisk(t *testing.T) {
	cases := []struct {
		texts []string
		want  string
	}{
		{[]string{"solid setup but earnings next week"}, "earnings event risk"},
		{[]string{"watch for IV crush after the report"}, "implied volatility crush"},
		{[]string{"thin volume on this name"}, "low liquidity"},
		{[]string{"theta burn is significant here"}, "time decay"},
		{[]string{"clean chart, good entry"}, NoRiskIdentified},
		{nil, NoRiskIdentified},
	}
	for _, tc := range cases {
		if got := extractKeyRisk(tc.texts); got != tc.want {
			t.Errorf("extractKeyRisk(%v) = %q, want %q", tc.texts, got, tc.want)
		}
	}
}
