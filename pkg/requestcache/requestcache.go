// Package requestcache keeps short-lived upstream answers in memory and
// coalesces concurrent requests for the same key into a single upstream
// call. Rapid viewport changes hammer the same normalized bounding box;
// without coalescing every map jitter would translate into a duplicate
// network request.
package requestcache

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL keeps entries fresh long enough to cover a user panning back
// and forth without re-fetching, short enough that gauge data never goes
// noticeably stale.
const DefaultTTL = 5 * time.Minute

var (
	// ErrStopped reports that the cache goroutine has exited; callers fall
	// back to calling the loader directly if they see it.
	ErrStopped  = errors.New("request cache stopped")
	errNoLoader = errors.New("no loader provided")
)

// Loader produces the value for a key on a cache miss.
type Loader[V any] func(context.Context) (V, error)

// request models one lookup sent into the owner goroutine.
type request[V any] struct {
	ctx    context.Context
	key    string
	loader Loader[V]
	reply  chan response[V]
}

type response[V any] struct {
	value V
	err   error
}

// entry is a cached value with its store time. Expiry is lazy: stale
// entries are treated as absent when touched, never actively evicted.
type entry[V any] struct {
	value    V
	storedAt time.Time
}

// flightDone carries a finished loader result back into the loop.
type flightDone[V any] struct {
	key   string
	value V
	err   error
}

// Cache is a TTL cache plus in-flight request coalescing. A single
// goroutine owns the store and the flight table, so there are no mutexes;
// loaders run in their own goroutines so a slow upstream never blocks
// lookups for other keys.
type Cache[V any] struct {
	ttl      time.Duration
	requests chan request[V]
	quit     chan struct{}
	now      func() time.Time
}

// New starts the cache goroutine. A non-positive ttl falls back to
// DefaultTTL. The clock is injectable for tests.
func New[V any](ttl time.Duration) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache[V]{
		ttl:      ttl,
		requests: make(chan request[V]),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go c.loop()
	return c
}

// Close stops the cache goroutine. Safe to call multiple times.
func (c *Cache[V]) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
}

// Get returns the cached value for key, joins an in-flight load for it, or
// starts the loader. Failures are never cached, so the next caller retries
// cleanly.
func (c *Cache[V]) Get(ctx context.Context, key string, loader Loader[V]) (V, error) {
	var zero V
	if c == nil {
		if loader == nil {
			return zero, errNoLoader
		}
		return loader(ctx)
	}
	req := request[V]{ctx: ctx, key: key, loader: loader, reply: make(chan response[V], 1)}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.quit:
		return zero, ErrStopped
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.quit:
		return zero, ErrStopped
	case resp := <-req.reply:
		return resp.value, resp.err
	}
}

// loop owns the store and the table of in-flight loads. Reply channels are
// buffered so a caller that gave up on its context never wedges the loop.
func (c *Cache[V]) loop() {
	store := make(map[string]entry[V])
	flights := make(map[string][]request[V])
	done := make(chan flightDone[V])

	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			if e, ok := store[req.key]; ok && c.now().Sub(e.storedAt) < c.ttl {
				req.reply <- response[V]{value: e.value}
				continue
			}
			if waiters, ok := flights[req.key]; ok {
				// A load for this key is already running; join it
				// instead of issuing a duplicate upstream call.
				flights[req.key] = append(waiters, req)
				continue
			}
			if req.loader == nil {
				req.reply <- response[V]{err: errNoLoader}
				continue
			}
			flights[req.key] = []request[V]{req}
			c.launch(req, done)
		case fin := <-done:
			waiters := flights[fin.key]
			delete(flights, fin.key)
			if fin.err == nil {
				store[fin.key] = entry[V]{value: fin.value, storedAt: c.now()}
				for _, w := range waiters {
					w.reply <- response[V]{value: fin.value}
				}
				continue
			}
			if errors.Is(fin.err, context.Canceled) || errors.Is(fin.err, context.DeadlineExceeded) {
				// The flight ran on its first caller's context and that
				// caller walked away. A joiner whose own context is still
				// live cancelled nothing; handing it the cancellation
				// would disguise a superseded load as a failure. Restart
				// the load for the live joiners instead.
				var live []request[V]
				for _, w := range waiters {
					if w.ctx.Err() == nil {
						live = append(live, w)
					} else {
						w.reply <- response[V]{err: fin.err}
					}
				}
				if len(live) > 0 {
					flights[fin.key] = live
					c.launch(live[0], done)
				}
				continue
			}
			for _, w := range waiters {
				w.reply <- response[V]{err: fin.err}
			}
		}
	}
}

// launch runs one flight's loader on the leading caller's context.
func (c *Cache[V]) launch(req request[V], done chan flightDone[V]) {
	go func() {
		value, err := req.loader(req.ctx)
		select {
		case done <- flightDone[V]{key: req.key, value: value, err: err}:
		case <-c.quit:
		}
	}()
}
