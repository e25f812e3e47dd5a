// Package marketdata wraps the market enrichment collaborator. Every field of
// the returned context is optional; callers must tolerate partial data.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Context is the market enrichment attached to an alert before scoring.
type Context struct {
	Ticker       string           `json:"ticker"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	Volatility   *float64         `json:"volatility,omitempty"`
	Week52High   *decimal.Decimal `json:"week_52_high,omitempty"`
	Week52Low    *decimal.Decimal `json:"week_52_low,omitempty"`
	Sector       string           `json:"sector,omitempty"`
	Volume       *int64           `json:"volume,omitempty"`
}

// Empty reports whether no enrichment field was populated.
func (c Context) Empty() bool {
	return c.CurrentPrice == nil &&
		c.Volatility == nil &&
		c.Week52High == nil &&
		c.Week52Low == nil &&
		c.Sector == "" &&
		c.Volume == nil
}

// Provider enriches a ticker with market context.
type Provider interface {
	Enrich(ctx context.Context, ticker string) (Context, error)
	Ping(ctx context.Context) error
}

// Options parameterise the HTTP market data client.
type Options struct {
	BaseURL string
	Timeout time.Duration
}

// Client is the HTTP market data provider.
type Client struct {
	opts    Options
	client  *http.Client
	baseURL string
	logger  zerolog.Logger
}

// NewClient constructs a market data client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		logger:  logger.With().Str("component", "marketdata").Logger(),
	}
}

// Enrich fetches market context for a ticker. Absent fields stay nil.
func (c *Client) Enrich(ctx context.Context, ticker string) (Context, error) {
	endpoint := fmt.Sprintf("%s/quote/%s", c.baseURL, url.PathEscape(ticker))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Context{}, fmt.Errorf("create enrich request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Context{}, fmt.Errorf("fetch market context: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Context{}, fmt.Errorf("market data returned status %d", resp.StatusCode)
	}

	var enriched Context
	if err := json.NewDecoder(resp.Body).Decode(&enriched); err != nil {
		return Context{}, fmt.Errorf("decode market context: %w", err)
	}
	enriched.Ticker = ticker

	return enriched, nil
}

// Ping probes the market data endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create market data ping request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping market data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("market data unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

var _ Provider = (*Client)(nil)
