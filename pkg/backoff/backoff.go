// Package backoff is the single retry-with-backoff utility every network
// call in this repository routes through. The source system grew three
// slightly different retry loops in the preflight, the fetcher and the
// rate limiter; consolidating them here keeps the retryable-error policy
// in one place.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Policy describes a retry schedule: up to Attempts tries with delays
// starting at Base and doubling until Max.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultPolicy matches the upstream APIs we talk to: three tries, one
// second base, eight second cap.
var DefaultPolicy = Policy{Attempts: 3, Base: time.Second, Max: 8 * time.Second}

// StatusError reports a non-2xx upstream response. Keeping the code on the
// error lets the retryable predicate decide without string matching.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// RetryAfterError wraps a 429 whose response carried a Retry-After value.
// The server-provided delay takes precedence over the computed backoff.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// Retryable reports whether an error is worth another attempt: HTTP 429
// and 5xx responses plus transient transport failures retry; everything
// else, including context cancellation, surfaces immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// Delay computes the wait before the given attempt (0-based): Base doubled
// attempt times, capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Do runs op until it succeeds, exhausts the attempt budget, or hits a
// non-retryable error. A Retry-After carried by the error overrides the
// computed delay. Cancellation during a wait returns ctx.Err() so callers
// can tell "gave up" from "was told to stop".
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var last error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op(ctx)
		if last == nil {
			return nil
		}
		if !Retryable(last) || attempt == p.Attempts-1 {
			return last
		}
		delay := p.Delay(attempt)
		var ra *RetryAfterError
		if errors.As(last, &ra) && ra.After > 0 {
			delay = ra.After
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return last
}
