package resilience

import "time"

// BackoffPolicy computes exponential retry delays. One policy object serves
// both the dispatch and dead letter boundaries so retry pacing is uniform
// instead of scattered per call site.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// NewBackoffPolicy constructs a policy with sane fallbacks.
func NewBackoffPolicy(base, cap time.Duration) BackoffPolicy {
	if base <= 0 {
		base = time.Minute
	}
	if cap <= 0 {
		cap = 30 * time.Minute
	}
	return BackoffPolicy{Base: base, Cap: cap}
}

// Delay returns base * 2^retry, capped. retry is the count of attempts
// already made, so the first retry waits one base interval.
func (p BackoffPolicy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := p.Base
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// NextRetryAt returns the absolute due time for the given retry count.
func (p BackoffPolicy) NextRetryAt(now time.Time, retry int) time.Time {
	return now.Add(p.Delay(retry))
}
