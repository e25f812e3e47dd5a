package notify

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"alert-relay/internal/deadletter"
	"alert-relay/internal/ratelimit"
	"alert-relay/internal/resilience"
	"alert-relay/internal/storage"
)

type fakeQueue struct {
	entries []storage.NotificationQueueEntry
	nextID  int64
}

func (q *fakeQueue) EnqueueNotification(ctx context.Context, evaluationID int64, alertID string, priority float64) error {
	for _, e := range q.entries {
		if e.EvaluationID == evaluationID {
			return nil
		}
	}
	q.nextID++
	q.entries = append(q.entries, storage.NotificationQueueEntry{
		ID:           q.nextID,
		EvaluationID: evaluationID,
		AlertID:      alertID,
		Priority:     priority,
		Status:       storage.QueueStatusPending,
	})
	return nil
}

func (q *fakeQueue) ClaimNextNotification(ctx context.Context, now time.Time) (storage.NotificationQueueEntry, error) {
	sort.SliceStable(q.entries, func(i, j int) bool {
		return q.entries[i].Priority > q.entries[j].Priority
	})
	for i := range q.entries {
		e := &q.entries[i]
		if e.Status != storage.QueueStatusPending && e.Status != storage.QueueStatusRateLimited {
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

func (q *fakeQueue) MarkNotificationSent(ctx context.Context, id int64) error {
	return q.setStatus(id, storage.QueueStatusSent)
}

func (q *fakeQueue) RequeueNotification(ctx context.Context, id int64, status string, retryCount int, nextRetryAt time.Time, lastError string) error {
	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries[i].Status = status
			q.entries[i].RetryCount = retryCount
			at := nextRetryAt
			q.entries[i].NextRetryAt = &at
			msg := lastError
			q.entries[i].LastError = &msg
			return nil
		}
	}
	return errors.New("entry not found")
}

func (q *fakeQueue) MarkNotificationFailed(ctx context.Context, id int64, lastError string) error {
	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries[i].Status = storage.QueueStatusFailed
			msg := lastError
			q.entries[i].LastError = &msg
			return nil
		}
	}
	return errors.New("entry not found")
}

func (q *fakeQueue) MarkNotificationRedelivered(ctx context.Context, id int64) error {
	return q.setStatus(id, storage.QueueStatusSent)
}

func (q *fakeQueue) ListQueueEntries(ctx context.Context, limit int) ([]storage.NotificationQueueEntry, error) {
	return q.entries, nil
}

func (q *fakeQueue) setStatus(id int64, status string) error {
	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries[i].Status = status
			return nil
		}
	}
	return errors.New("entry not found")
}

func (q *fakeQueue) entry(t *testing.T, id int64) storage.NotificationQueueEntry {
	t.Helper()
	for _, e := range q.entries {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("queue entry %d not found", id)
	return storage.NotificationQueueEntry{}
}

type fakeEvaluations struct {
	byID map[int64]storage.Evaluation
	err  error
}

func (s *fakeEvaluations) InsertEvaluation(ctx context.Context, eval storage.Evaluation) (int64, error) {
	return eval.ID, nil
}

func (s *fakeEvaluations) GetEvaluation(ctx context.Context, id int64) (storage.Evaluation, error) {
	if s.err != nil {
		return storage.Evaluation{}, s.err
	}
	eval, ok := s.byID[id]
	if !ok {
		return storage.Evaluation{}, pgx.ErrNoRows
	}
	return eval, nil
}

func (s *fakeEvaluations) ListEvaluationsForAlert(ctx context.Context, alertID string) ([]storage.Evaluation, error) {
	return nil, nil
}

func (s *fakeEvaluations) ListEvaluationsBetween(ctx context.Context, from, to time.Time) ([]storage.Evaluation, error) {
	return nil, nil
}

func (s *fakeEvaluations) LatestEvaluationForAlert(ctx context.Context, alertID string) (storage.Evaluation, error) {
	return storage.Evaluation{}, errors.New("not implemented")
}

type fakeAlerts struct {
	byID map[string]storage.TradeAlert
}

func (s *fakeAlerts) ReconcileSource(ctx context.Context, sourceID string, plan func(open []storage.TradeAlert) storage.DiffPlan) (storage.DiffPlan, error) {
	return storage.DiffPlan{}, nil
}

func (s *fakeAlerts) GetAlert(ctx context.Context, alertID string) (storage.TradeAlert, error) {
	alert, ok := s.byID[alertID]
	if !ok {
		return storage.TradeAlert{}, errors.New("alert not found")
	}
	return alert, nil
}

func (s *fakeAlerts) ListRecentAlerts(ctx context.Context, limit int) ([]storage.TradeAlert, error) {
	return nil, nil
}

type fakeReserver struct {
	allowed int
	used    int
}

func (r *fakeReserver) Reserve(ctx context.Context) (bool, error) {
	if r.used >= r.allowed {
		return false, nil
	}
	r.used++
	return true, nil
}

func (r *fakeReserver) Window() time.Duration { return time.Hour }

type fakeChannel struct {
	name  string
	errs  []error
	sends int
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(ctx context.Context, msg Message) error {
	idx := c.sends
	c.sends++
	if idx < len(c.errs) {
		return c.errs[idx]
	}
	return nil
}

type fakeDeadLetterStore struct {
	inserted []storage.DeadLetterEntry
}

func (s *fakeDeadLetterStore) InsertDeadLetter(ctx context.Context, entry storage.DeadLetterEntry) (int64, error) {
	s.inserted = append(s.inserted, entry)
	return int64(len(s.inserted)), nil
}

func (s *fakeDeadLetterStore) ClaimDueDeadLetters(ctx context.Context, now time.Time, limit int) ([]storage.DeadLetterEntry, error) {
	return nil, nil
}

func (s *fakeDeadLetterStore) ResolveDeadLetter(ctx context.Context, id int64, resolvedBy string) error {
	return nil
}

func (s *fakeDeadLetterStore) RescheduleDeadLetter(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, lastError string) error {
	return nil
}

func (s *fakeDeadLetterStore) ExhaustDeadLetter(ctx context.Context, id int64, lastError string) error {
	return nil
}

func (s *fakeDeadLetterStore) ListDeadLetters(ctx context.Context, status string, limit int) ([]storage.DeadLetterEntry, error) {
	return nil, nil
}

type dispatcherFixture struct {
	dispatcher  *Dispatcher
	queue       *fakeQueue
	evaluations *fakeEvaluations
	reserver    *fakeReserver
	channel     *fakeChannel
	dlStore     *fakeDeadLetterStore
}

func newDispatcherFixture(t *testing.T, channel *fakeChannel, allowedSends int) *dispatcherFixture {
	t.Helper()

	queue := &fakeQueue{}
	evaluations := &fakeEvaluations{byID: map[int64]storage.Evaluation{
		1: {ID: 1, AlertID: "alert-1", ConsensusScore: 87, Recommendation: "strong_buy", KeyRisk: "none identified", EvaluatedAt: time.Now().UTC()},
	}}
	alerts := &fakeAlerts{byID: map[string]storage.TradeAlert{
		"alert-1": {AlertID: "alert-1", Ticker: "AAPL", Strategy: "swing", Action: "buy"},
	}}
	reserver := &fakeReserver{allowed: allowedSends}
	dlStore := &fakeDeadLetterStore{}
	handler := deadletter.New(dlStore, deadletter.Options{MaxRetries: 3}, zerolog.Nop())

	d := NewDispatcher(queue, evaluations, alerts, reserver, []Channel{channel}, handler, DispatcherOptions{
		MinScore:        80,
		Recommendations: []string{"strong_buy", "buy"},
		MaxRetries:      2,
		Backoff:         resilience.NewBackoffPolicy(time.Minute, time.Hour),
	}, zerolog.Nop())

	return &dispatcherFixture{dispatcher: d, queue: queue, evaluations: evaluations, reserver: reserver, channel: channel, dlStore: dlStore}
}

func TestQualifies(t *testing.T) {
	f := newDispatcherFixture(t, &fakeChannel{name: "test"}, 10)

	cases := []struct {
		score          float64
		recommendation string
		want           bool
	}{
		{87, "strong_buy", true},
		{80, "buy", true},
		{79.9, "strong_buy", false},
		{60, "buy", false},
		{92, "hold", false},
		{92, "avoid", false},
	}
	for _, tc := range cases {
		eval := storage.Evaluation{ConsensusScore: tc.score, Recommendation: tc.recommendation}
		if got := f.dispatcher.Qualifies(eval); got != tc.want {
			t.Errorf("Qualifies(%.1f, %s) = %v, want %v", tc.score, tc.recommendation, got, tc.want)
		}
	}
}

func TestEnqueueSkipsNonQualifying(t *testing.T) {
	f := newDispatcherFixture(t, &fakeChannel{name: "test"}, 10)

	enqueued, err := f.dispatcher.Enqueue(context.Background(), storage.Evaluation{ID: 9, AlertID: "alert-1", ConsensusScore: 60, Recommendation: "buy"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if enqueued || len(f.queue.entries) != 0 {
		t.Fatal("sub-threshold evaluation must not be enqueued")
	}

	enqueued, err = f.dispatcher.Enqueue(context.Background(), storage.Evaluation{ID: 1, AlertID: "alert-1", ConsensusScore: 87, Recommendation: "strong_buy"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if !enqueued || len(f.queue.entries) != 1 {
		t.Fatal("qualifying evaluation should be enqueued")
	}
	if f.queue.entries[0].Priority != 87 {
		t.Fatalf("priority should mirror the score, got %f", f.queue.entries[0].Priority)
	}
}

func TestDispatchSendsAndMarksSent(t *testing.T) {
	f := newDispatcherFixture(t, &fakeChannel{name: "test"}, 10)
	mustEnqueue(t, f)

	stats, err := f.dispatcher.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if stats.Claimed != 1 || stats.Sent != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := f.queue.entry(t, 1).Status; got != storage.QueueStatusSent {
		t.Fatalf("entry status = %q, want sent", got)
	}
	if f.channel.sends != 1 {
		t.Fatalf("channel sent %d times, want exactly once", f.channel.sends)
	}
}

func TestDispatchTransientFailureRequeuesWithBackoff(t *testing.T) {
	channel := &fakeChannel{name: "test", errs: []error{errors.New("connection reset")}}
	f := newDispatcherFixture(t, channel, 10)
	mustEnqueue(t, f)

	before := time.Now().UTC()
	stats, err := f.dispatcher.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if stats.Requeued != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	entry := f.queue.entry(t, 1)
	if entry.Status != storage.QueueStatusPending {
		t.Fatalf("entry status = %q, want pending", entry.Status)
	}
	if entry.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", entry.RetryCount)
	}
	// retry 1 waits base*2 = 2 minutes
	if entry.NextRetryAt == nil || entry.NextRetryAt.Before(before.Add(2*time.Minute)) {
		t.Fatalf("next retry should respect backoff, got %v", entry.NextRetryAt)
	}
	if len(f.dlStore.inserted) != 0 {
		t.Fatal("transient failure with retries left must not dead letter")
	}
}

func TestDispatchExhaustedRetriesDeadLetters(t *testing.T) {
	channel := &fakeChannel{name: "test", errs: []error{errors.New("down")}}
	f := newDispatcherFixture(t, channel, 10)
	mustEnqueue(t, f)

	// Start the entry at the retry ceiling so the next failure exhausts it.
	f.queue.entries[0].RetryCount = 2

	stats, err := f.dispatcher.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if stats.Failed != 1 || stats.Requeued != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := f.queue.entry(t, 1).Status; got != storage.QueueStatusFailed {
		t.Fatalf("entry status = %q, want failed", got)
	}
	if len(f.dlStore.inserted) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(f.dlStore.inserted))
	}
	dl := f.dlStore.inserted[0]
	if dl.Stage != storage.DeadLetterStageDispatch {
		t.Fatalf("dead letter stage = %q, want dispatch", dl.Stage)
	}
	if dl.ErrorClass != string(resilience.ClassExhausted) {
		t.Fatalf("error class = %q, want exhausted", dl.ErrorClass)
	}
}

func TestDispatchPermanentFailureDeadLettersImmediately(t *testing.T) {
	channel := &fakeChannel{name: "test", errs: []error{resilience.Permanent(errors.New("invalid chat id"))}}
	f := newDispatcherFixture(t, channel, 10)
	mustEnqueue(t, f)

	stats, err := f.dispatcher.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if stats.Failed != 1 || stats.Requeued != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(f.dlStore.inserted) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(f.dlStore.inserted))
	}
	dl := f.dlStore.inserted[0]
	if dl.ErrorClass != string(resilience.ClassPermanent) {
		t.Fatalf("error class = %q, want permanent", dl.ErrorClass)
	}
	if dl.NextRetryAt != nil {
		t.Fatal("permanent dead letters must never auto-retry")
	}
}

func TestDispatchRateLimitParksEntry(t *testing.T) {
	f := newDispatcherFixture(t, &fakeChannel{name: "test"}, 0)
	mustEnqueue(t, f)

	before := time.Now().UTC()
	stats, err := f.dispatcher.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if stats.RateLimited != 1 || stats.Sent != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	entry := f.queue.entry(t, 1)
	if entry.Status != storage.QueueStatusRateLimited {
		t.Fatalf("entry status = %q, want rate_limited", entry.Status)
	}
	if entry.NextRetryAt == nil || entry.NextRetryAt.Before(before.Add(time.Hour)) {
		t.Fatalf("parked entry should wake after the window, got %v", entry.NextRetryAt)
	}
	if f.channel.sends != 0 {
		t.Fatal("no send should happen when the window is exhausted")
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	f := newDispatcherFixture(t, &fakeChannel{name: "test"}, 10)

	if err := f.queue.EnqueueNotification(context.Background(), 1, "alert-1", 82); err != nil {
		t.Fatal(err)
	}
	if err := f.queue.EnqueueNotification(context.Background(), 2, "alert-1", 95); err != nil {
		t.Fatal(err)
	}

	entry, err := f.queue.ClaimNextNotification(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if entry.Priority != 95 {
		t.Fatalf("highest priority should be claimed first, got %f", entry.Priority)
	}
}

func TestSendAnyOrderedFailover(t *testing.T) {
	primary := &fakeChannel{name: "telegram", errs: []error{errors.New("timeout")}}
	secondary := &fakeChannel{name: "amqp"}

	d := &Dispatcher{channels: []Channel{primary, secondary}, logger: zerolog.Nop()}

	if err := d.sendAny(context.Background(), Message{Title: "t"}); err != nil {
		t.Fatalf("failover should succeed: %v", err)
	}
	if primary.sends != 1 || secondary.sends != 1 {
		t.Fatalf("expected one attempt each, got %d and %d", primary.sends, secondary.sends)
	}
}

func TestSendAnyAllPermanent(t *testing.T) {
	primary := &fakeChannel{name: "telegram", errs: []error{resilience.Permanent(errors.New("bad token"))}}
	d := &Dispatcher{channels: []Channel{primary}, logger: zerolog.Nop()}

	err := d.sendAny(context.Background(), Message{Title: "t"})
	if resilience.Classify(err) != resilience.ClassPermanent {
		t.Fatalf("all-permanent failure should classify permanent, got %v", err)
	}
}

func TestSendAnyNoChannels(t *testing.T) {
	d := &Dispatcher{logger: zerolog.Nop()}
	err := d.sendAny(context.Background(), Message{Title: "t"})
	if err == nil || resilience.Classify(err) != resilience.ClassPermanent {
		t.Fatalf("no channels should be a permanent failure, got %v", err)
	}
}

func TestDispatchPayloadLoadFailureRequeuesWithBackoff(t *testing.T) {
	f := newDispatcherFixture(t, &fakeChannel{name: "test"}, 10)
	mustEnqueue(t, f)
	f.evaluations.err = errors.New("connection refused")

	before := time.Now().UTC()
	stats, err := f.dispatcher.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if stats.Requeued != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	entry := f.queue.entry(t, 1)
	if entry.Status != storage.QueueStatusPending {
		t.Fatalf("entry status = %q, want pending", entry.Status)
	}
	if entry.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", entry.RetryCount)
	}
	if entry.NextRetryAt == nil || entry.NextRetryAt.Before(before.Add(2*time.Minute)) {
		t.Fatalf("next retry should respect backoff, got %v", entry.NextRetryAt)
	}
	if len(f.dlStore.inserted) != 0 {
		t.Fatal("a store blip must not dead letter the entry")
	}
	if f.channel.sends != 0 {
		t.Fatal("nothing should be sent when the payload fails to load")
	}
}

func TestDispatchMissingEvaluationFailsPermanently(t *testing.T) {
	f := newDispatcherFixture(t, &fakeChannel{name: "test"}, 10)
	mustEnqueue(t, f)
	f.evaluations.byID = map[int64]storage.Evaluation{}

	stats, err := f.dispatcher.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if stats.Failed != 1 || stats.Requeued != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := f.queue.entry(t, 1).Status; got != storage.QueueStatusFailed {
		t.Fatalf("entry status = %q, want failed", got)
	}
	if len(f.dlStore.inserted) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(f.dlStore.inserted))
	}
	if f.dlStore.inserted[0].ErrorClass != string(resilience.ClassPermanent) {
		t.Fatalf("error class = %q, want permanent", f.dlStore.inserted[0].ErrorClass)
	}
}

func TestRedeliverMarksEntrySent(t *testing.T) {
	f := newDispatcherFixture(t, &fakeChannel{name: "test"}, 10)
	mustEnqueue(t, f)
	if err := f.queue.MarkNotificationFailed(context.Background(), 1, "gave up"); err != nil {
		t.Fatal(err)
	}

	payload := deadletter.DispatchPayload{QueueEntryID: 1, EvaluationID: 1, AlertID: "alert-1"}
	if err := f.dispatcher.Redeliver(context.Background(), payload); err != nil {
		t.Fatalf("redeliver failed: %v", err)
	}
	if got := f.queue.entry(t, 1).Status; got != storage.QueueStatusSent {
		t.Fatalf("redelivered entry status = %q, want sent", got)
	}
	if f.channel.sends != 1 {
		t.Fatalf("expected one send, got %d", f.channel.sends)
	}
}

func TestRedeliverLoadFailureKeepsWindowSlot(t *testing.T) {
	f := newDispatcherFixture(t, &fakeChannel{name: "test"}, 1)
	f.evaluations.err = errors.New("connection refused")

	payload := deadletter.DispatchPayload{QueueEntryID: 1, EvaluationID: 1, AlertID: "alert-1"}
	if err := f.dispatcher.Redeliver(context.Background(), payload); err == nil {
		t.Fatal("redeliver should surface the load failure")
	}
	if f.reserver.used != 0 {
		t.Fatalf("load failure must not consume a window slot, used %d", f.reserver.used)
	}
	if f.channel.sends != 0 {
		t.Fatal("nothing should be sent when the payload fails to load")
	}
}

func TestRedeliverWindowExhausted(t *testing.T) {
	f := newDispatcherFixture(t, &fakeChannel{name: "test"}, 0)

	payload := deadletter.DispatchPayload{QueueEntryID: 1, EvaluationID: 1, AlertID: "alert-1"}
	err := f.dispatcher.Redeliver(context.Background(), payload)
	if !errors.Is(err, ratelimit.ErrCapacityExhausted) {
		t.Fatalf("expected capacity sentinel, got %v", err)
	}
	if f.channel.sends != 0 {
		t.Fatal("no send should happen past the window ceiling")
	}
}

func mustEnqueue(t *testing.T, f *dispatcherFixture) {
	t.Helper()
	eval := storage.Evaluation{ID: 1, AlertID: "alert-1", ConsensusScore: 87, Recommendation: "strong_buy"}
	if _, err := f.dispatcher.Enqueue(context.Background(), eval); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
}
