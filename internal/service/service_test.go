package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"alert-relay/internal/consensus"
	"alert-relay/internal/deadletter"
	"alert-relay/internal/diff"
	"alert-relay/internal/feed"
	"alert-relay/internal/health"
	"alert-relay/internal/marketdata"
	"alert-relay/internal/notify"
	"alert-relay/internal/ratelimit"
	"alert-relay/internal/storage"
)

// memStore is a single in-memory stand-in for every store interface the
// orchestrator's collaborators touch.
type memStore struct {
	mu sync.Mutex

	alerts      map[string]storage.TradeAlert
	evaluations map[int64]storage.Evaluation
	nextEvalID  int64
	queue       []storage.NotificationQueueEntry
	nextQueueID int64
	deadLetters []storage.DeadLetterEntry
	windowUsed  int
	windowMax   int
}

func newMemStore() *memStore {
	return &memStore{
		alerts:      make(map[string]storage.TradeAlert),
		evaluations: make(map[int64]storage.Evaluation),
		windowMax:   100,
	}
}

func (s *memStore) ReconcileSource(ctx context.Context, sourceID string, plan func(open []storage.TradeAlert) storage.DiffPlan) (storage.DiffPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []storage.TradeAlert
	for _, a := range s.alerts {
		if a.SourceID == sourceID && a.Status == storage.AlertStatusOpen {
			open = append(open, a)
		}
	}

	p := plan(open)
	for _, a := range p.Insert {
		s.alerts[a.AlertID] = a
	}
	for _, a := range p.Update {
		s.alerts[a.AlertID] = a
	}
	for _, id := range p.Close {
		a := s.alerts[id]
		a.Status = storage.AlertStatusClosed
		s.alerts[id] = a
	}
	return p, nil
}

func (s *memStore) GetAlert(ctx context.Context, alertID string) (storage.TradeAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return storage.TradeAlert{}, errors.New("alert not found")
	}
	return a, nil
}

func (s *memStore) ListRecentAlerts(ctx context.Context, limit int) ([]storage.TradeAlert, error) {
	return nil, nil
}

func (s *memStore) InsertEvaluation(ctx context.Context, eval storage.Evaluation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEvalID++
	eval.ID = s.nextEvalID
	s.evaluations[eval.ID] = eval
	return eval.ID, nil
}

func (s *memStore) GetEvaluation(ctx context.Context, id int64) (storage.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eval, ok := s.evaluations[id]
	if !ok {
		return storage.Evaluation{}, errors.New("evaluation not found")
	}
	return eval, nil
}

func (s *memStore) ListEvaluationsForAlert(ctx context.Context, alertID string) ([]storage.Evaluation, error) {
	return nil, nil
}

func (s *memStore) ListEvaluationsBetween(ctx context.Context, from, to time.Time) ([]storage.Evaluation, error) {
	return nil, nil
}

func (s *memStore) LatestEvaluationForAlert(ctx context.Context, alertID string) (storage.Evaluation, error) {
	return storage.Evaluation{}, errors.New("not implemented")
}

func (s *memStore) EnqueueNotification(ctx context.Context, evaluationID int64, alertID string, priority float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		if e.EvaluationID == evaluationID {
			return nil
		}
	}
	s.nextQueueID++
	s.queue = append(s.queue, storage.NotificationQueueEntry{
		ID:           s.nextQueueID,
		EvaluationID: evaluationID,
		AlertID:      alertID,
		Priority:     priority,
		Status:       storage.QueueStatusPending,
	})
	return nil
}

func (s *memStore) ClaimNextNotification(ctx context.Context, now time.Time) (storage.NotificationQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		e := &s.queue[i]
		if e.Status != storage.QueueStatusPending {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		e.Status = storage.QueueStatusSending
		return *e, nil
	}
	return storage.NotificationQueueEntry{}, storage.ErrNoPendingEntries
}

func (s *memStore) MarkNotificationSent(ctx context.Context, id int64) error {
	return s.setQueueStatus(id, storage.QueueStatusSent)
}

func (s *memStore) RequeueNotification(ctx context.Context, id int64, status string, retryCount int, nextRetryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].ID == id {
			s.queue[i].Status = status
			s.queue[i].RetryCount = retryCount
			at := nextRetryAt
			s.queue[i].NextRetryAt = &at
			return nil
		}
	}
	return errors.New("entry not found")
}

func (s *memStore) MarkNotificationFailed(ctx context.Context, id int64, lastError string) error {
	return s.setQueueStatus(id, storage.QueueStatusFailed)
}

func (s *memStore) MarkNotificationRedelivered(ctx context.Context, id int64) error {
	return s.setQueueStatus(id, storage.QueueStatusSent)
}

func (s *memStore) ListQueueEntries(ctx context.Context, limit int) ([]storage.NotificationQueueEntry, error) {
	return s.queue, nil
}

func (s *memStore) setQueueStatus(id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].ID == id {
			s.queue[i].Status = status
			return nil
		}
	}
	return errors.New("entry not found")
}

func (s *memStore) InsertDeadLetter(ctx context.Context, entry storage.DeadLetterEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, entry)
	return int64(len(s.deadLetters)), nil
}

func (s *memStore) ClaimDueDeadLetters(ctx context.Context, now time.Time, limit int) ([]storage.DeadLetterEntry, error) {
	return nil, nil
}

func (s *memStore) ResolveDeadLetter(ctx context.Context, id int64, resolvedBy string) error {
	return nil
}

func (s *memStore) RescheduleDeadLetter(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastError string) error {
	return nil
}

func (s *memStore) ExhaustDeadLetter(ctx context.Context, id int64, lastError string) error {
	return nil
}

func (s *memStore) ListDeadLetters(ctx context.Context, status string, limit int) ([]storage.DeadLetterEntry, error) {
	return s.deadLetters, nil
}

func (s *memStore) ReserveWindowSlot(ctx context.Context, now time.Time, period time.Duration, maxPerWindow int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.windowUsed >= s.windowMax {
		return false, nil
	}
	s.windowUsed++
	return true, nil
}

type fakeSource struct {
	id       string
	postings []feed.Posting
	fetches  int
	err      error
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Fetch(ctx context.Context) ([]feed.Posting, error) {
	f.fetches++
	return f.postings, f.err
}

func (f *fakeSource) Ping(ctx context.Context) error { return nil }

type fakeMarket struct{}

func (fakeMarket) Enrich(ctx context.Context, ticker string) (marketdata.Context, error) {
	return marketdata.Context{Ticker: ticker}, nil
}

func (fakeMarket) Ping(ctx context.Context) error { return nil }

type scoringProvider struct {
	name   string
	weight float64
	score  float64
	err    error
}

func (p *scoringProvider) Name() string    { return p.name }
func (p *scoringProvider) Weight() float64 { return p.weight }

func (p *scoringProvider) Score(ctx context.Context, req consensus.Request) (consensus.Result, error) {
	if p.err != nil {
		return consensus.Result{}, p.err
	}
	return consensus.Result{Score: p.score, Text: "looks strong"}, nil
}

func (p *scoringProvider) Ping(ctx context.Context) error { return nil }

type fakeLocker struct {
	acquired bool
}

func (l *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type fixture struct {
	service *Service
	store   *memStore
	source  *fakeSource
	channel *recordingChannel
}

type recordingChannel struct {
	mu    sync.Mutex
	sends int
}

func (c *recordingChannel) Name() string { return "test" }

func (c *recordingChannel) Send(ctx context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

func newFixture(t *testing.T, providers []consensus.Provider, storeHealthy bool) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	store := newMemStore()
	source := &fakeSource{
		id: "srcA",
		postings: []feed.Posting{{
			Ticker:   "AAPL",
			Strategy: "swing",
			Action:   "buy",
			Price:    decimal.NewFromFloat(182.50),
			Quantity: decimal.NewFromInt(100),
			PostedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		}},
	}

	differ := diff.New(store, logger)
	evaluator := consensus.New(providers, nil, consensus.Thresholds{StrongBuy: 85, Buy: 70, Hold: 50}, logger)
	limiter := ratelimit.New(store, ratelimit.Options{MaxPerWindow: 100, Window: time.Hour}, logger)
	dlHandler := deadletter.New(store, deadletter.Options{MaxRetries: 3}, logger)
	channel := &recordingChannel{}

	dispatcher := notify.NewDispatcher(store, store, store, limiter, []notify.Channel{channel}, dlHandler, notify.DispatcherOptions{
		MinScore:        80,
		Recommendations: []string{"strong_buy", "buy"},
		MaxRetries:      2,
	}, logger)

	storeProbe := health.Probe{Name: "store", Check: func(ctx context.Context) error {
		if storeHealthy {
			return nil
		}
		return errors.New("store down")
	}}
	monitor := health.New(storeProbe, []health.Probe{{Name: "srcA", Check: source.Ping}}, nil, time.Second, logger)

	svc := New(nil, []feed.Source{source}, fakeMarket{}, differ, evaluator, store, dispatcher, dlHandler, monitor, &fakeLocker{acquired: true}, Options{
		CycleDeadline:     time.Minute,
		SourceConcurrency: 2,
		UnhealthyBackoff:  time.Hour,
		AdvisoryLockKey:   42,
		AlertTimeout:      time.Second,
	}, logger)

	return &fixture{service: svc, store: store, source: source, channel: channel}
}

func TestProcessCycleEndToEnd(t *testing.T) {
	providers := []consensus.Provider{
		&scoringProvider{name: "alpha", weight: 0.6, score: 92},
		&scoringProvider{name: "beta", weight: 0.4, score: 88},
	}
	f := newFixture(t, providers, true)

	if err := f.service.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if len(f.store.alerts) != 1 {
		t.Fatalf("expected one persisted alert, got %d", len(f.store.alerts))
	}
	if len(f.store.evaluations) != 1 {
		t.Fatalf("expected one evaluation, got %d", len(f.store.evaluations))
	}
	if len(f.store.queue) != 1 {
		t.Fatalf("expected one queue entry, got %d", len(f.store.queue))
	}
	if got := f.store.queue[0].Status; got != storage.QueueStatusSent {
		t.Fatalf("queue entry status = %q, want sent", got)
	}
	if f.channel.count() != 1 {
		t.Fatalf("expected one delivery, got %d", f.channel.count())
	}
}

func TestProcessCycleBelowBarNotQueued(t *testing.T) {
	providers := []consensus.Provider{
		&scoringProvider{name: "alpha", weight: 1, score: 55},
	}
	f := newFixture(t, providers, true)

	if err := f.service.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if len(f.store.evaluations) != 1 {
		t.Fatalf("evaluation should still be recorded, got %d", len(f.store.evaluations))
	}
	if len(f.store.queue) != 0 {
		t.Fatal("below-bar evaluation must not be queued")
	}
	if f.channel.count() != 0 {
		t.Fatal("nothing should be delivered")
	}
}

func TestProcessCycleUnhealthyStorePauses(t *testing.T) {
	providers := []consensus.Provider{
		&scoringProvider{name: "alpha", weight: 1, score: 90},
	}
	f := newFixture(t, providers, false)

	if err := f.service.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if f.source.fetches != 0 {
		t.Fatal("unhealthy store must skip the whole cycle")
	}

	// The orchestrator stays paused without re-probing.
	if err := f.service.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if f.source.fetches != 0 {
		t.Fatal("paused orchestrator must not fetch")
	}
}

func TestProcessCycleLockHeldElsewhere(t *testing.T) {
	providers := []consensus.Provider{
		&scoringProvider{name: "alpha", weight: 1, score: 90},
	}
	f := newFixture(t, providers, true)
	f.service.locker = &fakeLocker{acquired: false}

	if err := f.service.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if f.source.fetches != 0 {
		t.Fatal("cycle must be skipped when another instance holds the lock")
	}
}

func TestProcessCycleEvaluationFailureDeadLetters(t *testing.T) {
	providers := []consensus.Provider{
		&scoringProvider{name: "alpha", weight: 1, err: errors.New("provider down")},
	}
	f := newFixture(t, providers, true)

	if err := f.service.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if len(f.store.deadLetters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(f.store.deadLetters))
	}
	if got := f.store.deadLetters[0].Stage; got != storage.DeadLetterStageEvaluation {
		t.Fatalf("dead letter stage = %q, want evaluation", got)
	}
	if len(f.store.queue) != 0 {
		t.Fatal("failed evaluation must not reach the queue")
	}
}

func TestProcessCycleIdempotentRescrape(t *testing.T) {
	providers := []consensus.Provider{
		&scoringProvider{name: "alpha", weight: 1, score: 92},
	}
	f := newFixture(t, providers, true)

	if err := f.service.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if err := f.service.ProcessCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	if len(f.store.alerts) != 1 {
		t.Fatalf("re-scrape must not duplicate alerts, got %d", len(f.store.alerts))
	}
	// Unchanged postings produce no new evaluation.
	if len(f.store.evaluations) != 1 {
		t.Fatalf("unchanged posting should not be re-evaluated, got %d", len(f.store.evaluations))
	}
	if f.channel.count() != 1 {
		t.Fatalf("expected exactly one delivery across cycles, got %d", f.channel.count())
	}
}
