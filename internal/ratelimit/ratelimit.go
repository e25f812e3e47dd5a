// Package ratelimit bounds outbound notification volume with a store-backed
// sliding window. The counter lives in the database, never in process memory,
// because multiple deployment instances may dispatch against one shared store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"alert-relay/internal/storage"
)

// ErrCapacityExhausted reports a send attempted against a fully spent window.
// Callers that cannot park the work branch on this sentinel.
var ErrCapacityExhausted = errors.New("rate limit window exhausted")

// Options tune one limiter instance.
type Options struct {
	MaxPerWindow int
	Window       time.Duration
}

// Limiter answers "may I send now?" atomically.
type Limiter struct {
	store  storage.WindowStore
	opts   Options
	logger zerolog.Logger
}

// New constructs a limiter.
func New(store storage.WindowStore, opts Options, logger zerolog.Logger) *Limiter {
	if opts.MaxPerWindow <= 0 {
		opts.MaxPerWindow = 10
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}

	return &Limiter{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Reserve atomically claims one send slot in the active window. The check and
// the increment are one store round trip, so concurrent callers can never
// both observe spare capacity and both send past the ceiling.
func (l *Limiter) Reserve(ctx context.Context) (bool, error) {
	ok, err := l.store.ReserveWindowSlot(ctx, time.Now().UTC(), l.opts.Window, l.opts.MaxPerWindow)
	if err != nil {
		return false, fmt.Errorf("reserve rate limit slot: %w", err)
	}
	if !ok {
		l.logger.Debug().
			Int("max_per_window", l.opts.MaxPerWindow).
			Dur("window", l.opts.Window).
			Msg("rate limit window exhausted")
	}
	return ok, nil
}

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration {
	return l.opts.Window
}
