// Package feed wraps the external feed source collaborator that returns
// structured trade postings. How the postings are harvested upstream is not
// this pipeline's concern.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Posting is one raw trade-alert posting as scraped from a source.
type Posting struct {
	Ticker     string           `json:"ticker"`
	Strategy   string           `json:"strategy"`
	Action     string           `json:"action"`
	Price      decimal.Decimal  `json:"price"`
	Strike     *decimal.Decimal `json:"strike,omitempty"`
	Expiration *time.Time       `json:"expiration,omitempty"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Text       string           `json:"text,omitempty"`
	PostedAt   time.Time        `json:"posted_at"`
}

// Source fetches the currently open postings of one tracked feed.
// An empty result is a valid "nothing currently open" signal.
type Source interface {
	ID() string
	Fetch(ctx context.Context) ([]Posting, error)
	Ping(ctx context.Context) error
}

// Options parameterise an HTTP feed source.
type Options struct {
	SourceID       string
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
	UserAgent      string
}

// HTTPSource fetches postings from a JSON endpoint, paced by a client-side
// rate limiter so a tight retry loop cannot hammer the upstream.
type HTTPSource struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
	logger  zerolog.Logger
}

// NewHTTPSource constructs an HTTP feed source.
func NewHTTPSource(opts Options, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rps := opts.RequestsPerSec
	if rps <= 0 {
		rps = 1
	}

	return &HTTPSource{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		logger:  logger.With().Str("component", "feed").Str("source_id", opts.SourceID).Logger(),
	}
}

// ID returns the configured source identifier.
func (s *HTTPSource) ID() string {
	return s.opts.SourceID
}

// Fetch retrieves the source's current postings.
func (s *HTTPSource) Fetch(ctx context.Context) ([]Posting, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for feed pacing: %w", err)
	}

	endpoint := s.baseURL + "/postings"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "alertrelay/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch postings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("feed %s returned status %d: %s", s.opts.SourceID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var postings []Posting
	if err := json.NewDecoder(resp.Body).Decode(&postings); err != nil {
		return nil, fmt.Errorf("decode postings: %w", err)
	}

	s.logger.Debug().Int("postings", len(postings)).Msg("postings fetched")
	return postings, nil
}

// Ping probes the feed endpoint with a short request.
func (s *HTTPSource) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create feed ping request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping feed %s: %w", s.opts.SourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("feed %s unhealthy: status %d", s.opts.SourceID, resp.StatusCode)
	}
	return nil
}

var _ Source = (*HTTPSource)(nil)
