package catalog

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// busyRetryPolicy is exponential backoff with jitter and bounded attempts,
// targeting SQLite's "database is locked" contention. The core never
// retries a fetch inline (spec §7: "retry eligibility is expressed
// declaratively via bucket classification"), but a single catalog
// connection shared between a concurrent fetcher and serialized recorder
// writes is a genuine contention point this spec's single-writer discipline
// (spec §5) does not eliminate entirely, since reads (snapshot) and writes
// (recorder) can still overlap within a cycle.
type busyRetryPolicy struct {
	maxRetries  int
	baseBackoff time.Duration
}

var defaultBusyRetry = busyRetryPolicy{
	maxRetries:  5,
	baseBackoff: 20 * time.Millisecond,
}

// withBusyRetry runs fn, retrying with exponential backoff and jitter while
// fn's error indicates SQLite lock contention.
func withBusyRetry(ctx context.Context, policy busyRetryPolicy, fn func() error) error {
	var err error
	for attempt := 0; attempt <= policy.maxRetries; attempt++ {
		err = fn()
		if err == nil || !isBusyError(err) {
			return err
		}
		if attempt == policy.maxRetries {
			break
		}
		wait := jitterBackoff(policy.baseBackoff * time.Duration(1<<uint(attempt)))
		if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// jitterBackoff adds ±25% jitter.
func jitterBackoff(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	frac := float64(d) * 0.25
	delta := time.Duration(rand.Int63n(int64(frac*2+1))) - time.Duration(frac)
	result := d + delta
	if result < 0 {
		return 0
	}
	return result
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
