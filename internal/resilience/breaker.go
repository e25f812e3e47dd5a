package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBreakerOpen is returned when a call is rejected without being attempted.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerOptions tune one circuit breaker.
type BreakerOptions struct {
	Name              string
	MaxFailures       int
	Cooldown          time.Duration
	HalfOpenSuccesses int
}

// Breaker stops calling a consistently failing dependency until a cooldown
// elapses: closed -> open after MaxFailures consecutive failures -> half-open
// after Cooldown -> closed again after HalfOpenSuccesses successes.
type Breaker struct {
	opts        BreakerOptions
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	mu          sync.Mutex
	logger      zerolog.Logger
}

// NewBreaker constructs a circuit breaker.
func NewBreaker(opts BreakerOptions, logger zerolog.Logger) *Breaker {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	if opts.HalfOpenSuccesses <= 0 {
		opts.HalfOpenSuccesses = 1
	}

	return &Breaker{
		opts:   opts,
		state:  BreakerClosed,
		logger: logger.With().Str("component", "breaker").Str("breaker", opts.Name).Logger(),
	}
}

// Execute runs fn under breaker protection. A rejected call returns
// ErrBreakerOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.opts.Cooldown {
			b.transition(BreakerHalfOpen)
			b.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = time.Now()

		switch b.state {
		case BreakerClosed:
			if b.failures >= b.opts.MaxFailures {
				b.transition(BreakerOpen)
			}
		case BreakerHalfOpen:
			b.transition(BreakerOpen)
		}
		return
	}

	b.failures = 0
	b.successes++
	if b.state == BreakerHalfOpen && b.successes >= b.opts.HalfOpenSuccesses {
		b.transition(BreakerClosed)
	}
}

func (b *Breaker) transition(state BreakerState) {
	if b.state == state {
		return
	}
	b.logger.Info().
		Str("from", b.state.String()).
		Str("to", state.String()).
		Int("failures", b.failures).
		Msg("breaker state changed")
	b.state = state
}
