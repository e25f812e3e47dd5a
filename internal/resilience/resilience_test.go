package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestClassifyDefaultsToTransient(t *testing.T) {
	if got := Classify(errors.New("connection reset")); got != ClassTransient {
		t.Fatalf("unmarked error should be transient, got %s", got)
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded should be retryable")
	}
}

func TestClassifyPermanent(t *testing.T) {
	err := Permanent(errors.New("401 unauthorized"))
	if got := Classify(err); got != ClassPermanent {
		t.Fatalf("marked error should be permanent, got %s", got)
	}
	if IsRetryable(err) {
		t.Fatal("permanent error must not be retryable")
	}
}

func TestPermanentPreservesWrapping(t *testing.T) {
	inner := errors.New("bad chat id")
	err := fmt.Errorf("send message: %w", Permanent(inner))

	if !errors.Is(err, ErrPermanent) {
		t.Fatal("wrapped permanent marker should survive fmt.Errorf")
	}
	if !errors.Is(err, inner) {
		t.Fatal("original error should remain reachable")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must return nil")
	}
}

func TestBackoffDelays(t *testing.T) {
	p := NewBackoffPolicy(time.Minute, 30*time.Minute)

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{5, 30 * time.Minute}, // capped
		{20, 30 * time.Minute},
		{-1, time.Minute},
	}

	for _, tc := range cases {
		if got := p.Delay(tc.retry); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
}

func TestBackoffNextRetryAt(t *testing.T) {
	p := NewBackoffPolicy(time.Minute, time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := p.NextRetryAt(now, 2); !got.Equal(now.Add(4 * time.Minute)) {
		t.Fatalf("NextRetryAt = %s, want %s", got, now.Add(4*time.Minute))
	}
}

func TestBackoffFallbacks(t *testing.T) {
	p := NewBackoffPolicy(0, 0)
	if p.Base != time.Minute || p.Cap != 30*time.Minute {
		t.Fatalf("unexpected fallbacks: %+v", p)
	}
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(BreakerOptions{Name: "test", MaxFailures: 3, Cooldown: time.Hour}, zerolog.Nop())
	fail := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), fail); err == nil {
			t.Fatal("failing call should return its error")
		}
	}

	if b.State() != BreakerOpen {
		t.Fatalf("breaker should be open after 3 failures, got %s", b.State())
	}
	if err := b.Execute(context.Background(), fail); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("open breaker should reject without calling, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerOptions{Name: "test", MaxFailures: 2, Cooldown: time.Hour}, zerolog.Nop())
	fail := func(ctx context.Context) error { return errors.New("boom") }
	ok := func(ctx context.Context) error { return nil }

	_ = b.Execute(context.Background(), fail)
	_ = b.Execute(context.Background(), ok)
	_ = b.Execute(context.Background(), fail)

	if b.State() != BreakerClosed {
		t.Fatalf("interleaved success should keep breaker closed, got %s", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(BreakerOptions{Name: "test", MaxFailures: 1, Cooldown: 10 * time.Millisecond, HalfOpenSuccesses: 2}, zerolog.Nop())
	fail := func(ctx context.Context) error { return errors.New("boom") }
	ok := func(ctx context.Context) error { return nil }

	_ = b.Execute(context.Background(), fail)
	if b.State() != BreakerOpen {
		t.Fatalf("breaker should be open, got %s", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	if err := b.Execute(context.Background(), ok); err != nil {
		t.Fatalf("probe after cooldown should be allowed: %v", err)
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("one success of two should leave breaker half-open, got %s", b.State())
	}

	if err := b.Execute(context.Background(), ok); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("breaker should close after required successes, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerOptions{Name: "test", MaxFailures: 1, Cooldown: 10 * time.Millisecond}, zerolog.Nop())
	fail := func(ctx context.Context) error { return errors.New("boom") }

	_ = b.Execute(context.Background(), fail)
	time.Sleep(20 * time.Millisecond)
	_ = b.Execute(context.Background(), fail)

	if b.State() != BreakerOpen {
		t.Fatalf("half-open failure should reopen, got %s", b.State())
	}
}
