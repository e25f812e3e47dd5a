package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"alert-relay/internal/marketdata"
	"alert-relay/internal/resilience"
	"alert-relay/internal/storage"
)

// Request is the material sent to each scoring provider.
type Request struct {
	Alert  storage.TradeAlert
	Market marketdata.Context
}

// Result is one provider's raw verdict.
type Result struct {
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

// Provider scores an enriched alert on a 0-100 scale.
type Provider interface {
	Name() string
	Weight() float64
	Score(ctx context.Context, req Request) (Result, error)
	Ping(ctx context.Context) error
}

// ProviderOptions parameterise an HTTP scoring provider.
type ProviderOptions struct {
	Name    string
	BaseURL string
	APIKey  string
	Weight  float64
	Timeout time.Duration
}

// HTTPProvider calls one scoring provider's REST endpoint.
type HTTPProvider struct {
	opts   ProviderOptions
	client *resty.Client
}

// NewHTTPProvider constructs a provider client.
func NewHTTPProvider(opts ProviderOptions) *HTTPProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}

	return &HTTPProvider{opts: opts, client: client}
}

// Name returns the configured provider name.
func (p *HTTPProvider) Name() string { return p.opts.Name }

// Weight returns the provider's configured consensus weight.
func (p *HTTPProvider) Weight() float64 { return p.opts.Weight }

type scoreRequest struct {
	Alert  alertPayload       `json:"alert"`
	Market marketdata.Context `json:"market"`
}

type alertPayload struct {
	AlertID    string `json:"alert_id"`
	Ticker     string `json:"ticker"`
	Strategy   string `json:"strategy"`
	Action     string `json:"action"`
	EntryPrice string `json:"entry_price"`
	Strike     string `json:"strike,omitempty"`
	Expiration string `json:"expiration,omitempty"`
	Quantity   string `json:"quantity"`
}

// Score submits the alert for scoring.
func (p *HTTPProvider) Score(ctx context.Context, req Request) (Result, error) {
	payload := scoreRequest{
		Alert: alertPayload{
			AlertID:    req.Alert.AlertID,
			Ticker:     req.Alert.Ticker,
			Strategy:   req.Alert.Strategy,
			Action:     req.Alert.Action,
			EntryPrice: req.Alert.EntryPrice.String(),
			Quantity:   req.Alert.Quantity.String(),
		},
		Market: req.Market,
	}
	if req.Alert.Strike != nil {
		payload.Alert.Strike = req.Alert.Strike.String()
	}
	if req.Alert.Expiration != nil {
		payload.Alert.Expiration = req.Alert.Expiration.UTC().Format(time.RFC3339)
	}

	var result Result
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/score")
	if err != nil {
		return Result{}, fmt.Errorf("score request to %s: %w", p.opts.Name, err)
	}

	status := resp.StatusCode()
	switch {
	case status == 401 || status == 403:
		return Result{}, resilience.Permanent(fmt.Errorf("provider %s rejected credentials: status %d", p.opts.Name, status))
	case status < 200 || status >= 300:
		return Result{}, fmt.Errorf("provider %s returned status %d", p.opts.Name, status)
	}

	if result.Score < 0 || result.Score > 100 {
		return Result{}, fmt.Errorf("provider %s returned out-of-range score %.2f", p.opts.Name, result.Score)
	}

	return result, nil
}

// Ping probes the provider's health endpoint.
func (p *HTTPProvider) Ping(ctx context.Context) error {
	resp, err := p.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("ping provider %s: %w", p.opts.Name, err)
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("provider %s unhealthy: status %d", p.opts.Name, resp.StatusCode())
	}
	return nil
}

var _ Provider = (*HTTPProvider)(nil)
