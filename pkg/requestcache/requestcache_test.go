package requestcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetCachesWithinTTL(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Close()

	var calls int32
	loader := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.Get(context.Background(), "k", loader)
		if err != nil || got != "value" {
			t.Fatalf("get %d: got %q err %v", i, got, err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected a single upstream call, got %d", n)
	}
}

func TestConcurrentGetsCoalesceIntoOneCall(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Close()

	var calls int32
	release := make(chan struct{})
	loader := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 7, nil
	}

	const waiters = 5
	var wg sync.WaitGroup
	results := make([]int, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "bbox", loader)
		}(i)
	}

	// Give every waiter time to join the flight before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("coalescing failed: %d upstream calls", n)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil || results[i] != 7 {
			t.Fatalf("waiter %d: got %d err %v", i, results[i], errs[i])
		}
	}
}

func TestFailureIsNotCached(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Close()

	boom := errors.New("upstream down")
	var calls int32
	loader := func(context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "", boom
		}
		return "ok", nil
	}

	if _, err := c.Get(context.Background(), "k", loader); !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
	got, err := c.Get(context.Background(), "k", loader)
	if err != nil || got != "ok" {
		t.Fatalf("retry after failure: got %q err %v", got, err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 calls, got %d", n)
	}
}

func TestEntriesExpireLazily(t *testing.T) {
	c := New[string](10 * time.Millisecond)
	defer c.Close()

	var calls int32
	loader := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}

	if _, err := c.Get(context.Background(), "k", loader); err != nil {
		t.Fatal(err)
	}
	time.Sleep(25 * time.Millisecond)
	if _, err := c.Get(context.Background(), "k", loader); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected expired entry to reload, got %d calls", n)
	}
}

func TestDistinctKeysDoNotShareFlights(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Close()

	var calls int32
	loader := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}

	if _, err := c.Get(context.Background(), "a", loader); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background(), "b", loader); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected one call per key, got %d", n)
	}
}

func TestGetAfterClose(t *testing.T) {
	c := New[string](time.Minute)
	c.Close()
	c.Close() // idempotent

	_, err := c.Get(context.Background(), "k", func(context.Context) (string, error) {
		return "v", nil
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestJoinerOutlivesFirstCallerCancel(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Close()

	var calls int32
	loader := func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// First flight hangs until its caller gives up.
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "fresh", nil
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	aDone := make(chan error, 1)
	go func() {
		_, err := c.Get(ctxA, "bbox", loader)
		aDone <- err
	}()

	// Wait for A's flight to be running before B joins it.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first flight never started")
		}
		time.Sleep(time.Millisecond)
	}

	bDone := make(chan struct{})
	var bVal string
	var bErr error
	go func() {
		defer close(bDone)
		bVal, bErr = c.Get(context.Background(), "bbox", loader)
	}()

	// B must join A's flight, not start a second one.
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("joiner started a duplicate flight, %d calls", n)
	}

	cancelA()
	select {
	case <-bDone:
	case <-time.After(2 * time.Second):
		t.Fatal("joiner never got an answer")
	}

	// A cancelled its own context; that is its result. B did not, so the
	// load must have been rerun for it.
	if err := <-aDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller: got %v, want context.Canceled", err)
	}
	if bErr != nil || bVal != "fresh" {
		t.Fatalf("joiner with a live context got %q / %v, want a fresh value", bVal, bErr)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected exactly one restarted flight, %d calls", n)
	}
}
