package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"alert-relay/internal/consensus"
	"alert-relay/internal/diff"
	"alert-relay/internal/feed"
	"alert-relay/internal/marketdata"
	"alert-relay/internal/notify"
)

// SimulateOptions shape the synthetic posting.
type SimulateOptions struct {
	Ticker   string
	Strategy string
	Action   string
	Price    decimal.Decimal
	Score    float64
	Deliver  bool
}

// Simulate pushes one synthetic posting through diff planning, consensus
// scoring with a static provider panel, and message rendering. No database
// is touched; with --deliver the rendered message goes out through the
// configured channels.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	posting := feed.Posting{
		Ticker:   opts.Ticker,
		Strategy: opts.Strategy,
		Action:   opts.Action,
		Price:    opts.Price,
		Quantity: decimal.NewFromInt(1),
		PostedAt: time.Now().UTC(),
	}

	plan, events := diff.BuildPlan("simulated", nil, []feed.Posting{posting}, time.Now().UTC())
	if len(plan.Insert) != 1 || len(events) != 1 {
		return errors.New("expected exactly one NEW event from synthetic posting")
	}
	alert := plan.Insert[0]

	a.Logger.Info().
		Str("alert_id", alert.AlertID).
		Str("event", string(events[0].Type)).
		Msg("synthetic posting reconciled")

	providers := []consensus.Provider{
		&staticProvider{name: "alpha", weight: 0.5, score: opts.Score, text: "simulated verdict"},
		&staticProvider{name: "beta", weight: 0.3, score: opts.Score - 5, text: "simulated verdict"},
		&staticProvider{name: "gamma", weight: 0.2, score: opts.Score + 5, text: "simulated verdict"},
	}
	thresholds := consensus.Thresholds{
		StrongBuy: a.Config.Evaluation.Thresholds.StrongBuy,
		Buy:       a.Config.Evaluation.Thresholds.Buy,
		Hold:      a.Config.Evaluation.Thresholds.Hold,
	}
	engine := consensus.New(providers, nil, thresholds, a.Logger)

	eval, err := engine.Evaluate(ctx, consensus.Request{
		Alert:  alert,
		Market: marketdata.Context{Ticker: alert.Ticker},
	}, nil)
	if err != nil {
		return fmt.Errorf("simulated evaluation: %w", err)
	}

	msg := notify.Render(alert, eval)
	fmt.Fprintln(os.Stdout, msg.Title)
	fmt.Fprintln(os.Stdout, msg.Body)

	if !opts.Deliver {
		return nil
	}

	channels := a.newChannels()
	if len(channels) == 0 {
		return errors.New("no delivery channels configured")
	}
	for _, channel := range channels {
		if err := channel.Send(ctx, msg); err != nil {
			return fmt.Errorf("deliver via %s: %w", channel.Name(), err)
		}
	}
	return nil
}

type staticProvider struct {
	name   string
	weight float64
	score  float64
	text   string
}

func (p *staticProvider) Name() string    { return p.name }
func (p *staticProvider) Weight() float64 { return p.weight }

func (p *staticProvider) Score(ctx context.Context, req consensus.Request) (consensus.Result, error) {
	score := p.score
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return consensus.Result{Score: score, Text: p.text}, nil
}

func (p *staticProvider) Ping(ctx context.Context) error { return nil }

var _ consensus.Provider = (*staticProvider)(nil)
