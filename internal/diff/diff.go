// Package diff reconciles freshly scraped postings against persisted open
// alert state, emitting NEW, UPDATE, and CLOSE events.
package diff

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"alert-relay/internal/feed"
	"alert-relay/internal/storage"
)

// EventType labels one lifecycle change detected by reconciliation.
type EventType string

const (
	EventNew    EventType = "new"
	EventUpdate EventType = "update"
	EventClose  EventType = "close"
)

// Event is one detected change and the alert it applies to.
type Event struct {
	Type  EventType
	Alert storage.TradeAlert
}

// Engine runs reconciliation batches against the store.
type Engine struct {
	store  storage.AlertStore
	logger zerolog.Logger
}

// New constructs a diff engine.
func New(store storage.AlertStore, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.With().Str("component", "diff").Logger(),
	}
}

// Run reconciles one source's scraped postings against its open alerts. The
// read-compare-write sequence executes inside a single store transaction; the
// returned events reflect exactly what that transaction committed.
func (e *Engine) Run(ctx context.Context, sourceID string, postings []feed.Posting) ([]Event, error) {
	var events []Event

	applied, err := e.store.ReconcileSource(ctx, sourceID, func(open []storage.TradeAlert) storage.DiffPlan {
		plan, planEvents := BuildPlan(sourceID, open, postings, time.Now().UTC())
		events = planEvents
		return plan
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile source %s: %w", sourceID, err)
	}

	if len(applied.Dropped) > 0 {
		events = e.stripDropped(sourceID, events, applied.Dropped)
	}

	e.logger.Debug().
		Str("source_id", sourceID).
		Int("postings", len(postings)).
		Int("events", len(events)).
		Msg("reconciliation batch applied")

	return events, nil
}

// stripDropped removes NEW events whose insert the store refused. A conflict
// with a closed row means two distinct postings produced the same identity
// tuple and nothing downstream may act on it, so it logs at Error; a conflict
// with an open row is a concurrent batch holding the lock and logs at Warn.
func (e *Engine) stripDropped(sourceID string, events []Event, dropped []storage.DroppedInsert) []Event {
	statusByID := make(map[string]string, len(dropped))
	for _, d := range dropped {
		statusByID[d.AlertID] = d.Status
	}

	kept := events[:0]
	for _, event := range events {
		status, refused := statusByID[event.Alert.AlertID]
		if !refused || event.Type != EventNew {
			kept = append(kept, event)
			continue
		}

		entry := e.logger.Warn()
		msg := "insert raced a concurrent batch, posting skipped"
		if status == storage.AlertStatusClosed {
			entry = e.logger.Error()
			msg = "posting collides with a closed alert, dropped"
		}
		entry.
			Str("source_id", sourceID).
			Str("alert_id", event.Alert.AlertID).
			Str("ticker", event.Alert.Ticker).
			Str("existing_status", status).
			Msg(msg)
	}
	return kept
}

// BuildPlan computes the state changes for one batch. It is pure: callers
// provide the open set as of one transaction snapshot. Duplicate postings for
// the same alert id collapse to the last seen values; an open alert absent
// from the scrape is closed, so an empty scrape closes everything.
func BuildPlan(sourceID string, open []storage.TradeAlert, postings []feed.Posting, now time.Time) (storage.DiffPlan, []Event) {
	openByID := make(map[string]storage.TradeAlert, len(open))
	for _, alert := range open {
		openByID[alert.AlertID] = alert
	}

	// Last-seen-wins collapse of duplicates within one scrape.
	order := make([]string, 0, len(postings))
	latest := make(map[string]feed.Posting, len(postings))
	for _, posting := range postings {
		id := AlertID(sourceID, posting)
		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		latest[id] = posting
	}

	var plan storage.DiffPlan
	var events []Event
	seen := make(map[string]struct{}, len(latest))

	for _, id := range order {
		posting := latest[id]
		seen[id] = struct{}{}

		existing, found := openByID[id]
		if !found {
			alert := fromPosting(id, sourceID, posting, now)
			plan.Insert = append(plan.Insert, alert)
			events = append(events, Event{Type: EventNew, Alert: alert})
			continue
		}

		if changed(existing, posting) {
			updated := existing
			updated.EntryPrice = posting.Price
			updated.Quantity = posting.Quantity
			updated.Strike = posting.Strike
			updated.UpdatedAt = now
			plan.Update = append(plan.Update, updated)
			events = append(events, Event{Type: EventUpdate, Alert: updated})
		}
	}

	for _, alert := range open {
		if _, present := seen[alert.AlertID]; present {
			continue
		}
		closed := alert
		closed.Status = storage.AlertStatusClosed
		closed.UpdatedAt = now
		plan.Close = append(plan.Close, alert.AlertID)
		events = append(events, Event{Type: EventClose, Alert: closed})
	}

	return plan, events
}

// AlertID derives the deterministic id for a posting: a SHA-256 over the
// fixed field tuple (source, ticker, strategy, strike, expiration, posted
// timestamp). Re-scraping the same posting always lands on the same id; a
// position reappearing after closure differs in posted_at and gets a new one.
// Collisions beyond tuple identity are not defended against here.
func AlertID(sourceID string, posting feed.Posting) string {
	strike := ""
	if posting.Strike != nil {
		strike = posting.Strike.String()
	}
	expiration := ""
	if posting.Expiration != nil {
		expiration = posting.Expiration.UTC().Format(time.RFC3339)
	}

	tuple := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		sourceID,
		posting.Ticker,
		posting.Strategy,
		strike,
		expiration,
		posting.PostedAt.UTC().Unix(),
	)

	sum := sha256.Sum256([]byte(tuple))
	return hex.EncodeToString(sum[:])
}

func fromPosting(id, sourceID string, posting feed.Posting, now time.Time) storage.TradeAlert {
	return storage.TradeAlert{
		AlertID:    id,
		SourceID:   sourceID,
		Ticker:     posting.Ticker,
		Strategy:   posting.Strategy,
		Action:     posting.Action,
		EntryPrice: posting.Price,
		Strike:     posting.Strike,
		Expiration: posting.Expiration,
		Quantity:   posting.Quantity,
		PostedAt:   posting.PostedAt.UTC(),
		Status:     storage.AlertStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func changed(existing storage.TradeAlert, posting feed.Posting) bool {
	if !existing.EntryPrice.Equal(posting.Price) {
		return true
	}
	if !existing.Quantity.Equal(posting.Quantity) {
		return true
	}
	switch {
	case existing.Strike == nil && posting.Strike == nil:
		return false
	case existing.Strike == nil || posting.Strike == nil:
		return true
	default:
		return !existing.Strike.Equal(*posting.Strike)
	}
}
