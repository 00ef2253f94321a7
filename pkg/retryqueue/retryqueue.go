// Package retryqueue executes arbitrary async operations under a global
// requests-per-minute budget with retry and exponential backoff. It is
// the sole gatekeeper for how fast the system talks to the upstream API:
// preflight counts and page fetches all pass through one queue, so a
// burst of viewport changes can never translate into a burst of requests.
//
// The scheduler is a single goroutine that owns all queue state and
// coordinates via channels, no mutexes.
package retryqueue

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"riverwatch-gauge-map/pkg/backoff"
)

// ErrStopped reports that the queue has been closed while an operation was
// still queued or retrying.
var ErrStopped = errors.New("retry queue stopped")

// Op is one attemptable unit of work. The queue calls it once per attempt
// with the submitter's context.
type Op func(context.Context) error

// opState tracks where an operation is in its lifecycle. It exists for
// logging; the scheduler's behaviour is driven by the channels.
type opState int

const (
	stateQueued opState = iota
	stateRunning
	stateRetrying
	stateSucceeded
	stateFailed
)

func (s opState) String() string {
	switch s {
	case stateQueued:
		return "queued"
	case stateRunning:
		return "running"
	case stateRetrying:
		return "retrying"
	case stateSucceeded:
		return "succeeded"
	default:
		return "failed"
	}
}

// task is one submitted operation flowing through the scheduler.
type task struct {
	ctx      context.Context
	op       Op
	priority int
	seq      uint64
	attempt  int
	state    opState
	reply    chan error
}

// attemptDone carries an attempt result back into the scheduler loop.
type attemptDone struct {
	t   *task
	err error
}

// Config tunes the queue. Zero values fall back to defaults sized for the
// public USGS endpoints.
type Config struct {
	BudgetPerWindow int           // attempts allowed per rolling window
	Window          time.Duration // rolling window, default one minute
	Retry           backoff.Policy
	Logf            func(string, ...any)
}

// Queue schedules operations by priority under the rolling attempt budget.
type Queue struct {
	cfg         Config
	submissions chan *task
	done        chan attemptDone
	quit        chan struct{}
	now         func() time.Time
}

// New starts the scheduler goroutine.
func New(cfg Config) *Queue {
	if cfg.BudgetPerWindow <= 0 {
		cfg.BudgetPerWindow = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = backoff.DefaultPolicy
	}
	q := &Queue{
		cfg:         cfg,
		submissions: make(chan *task),
		done:        make(chan attemptDone),
		quit:        make(chan struct{}),
		now:         time.Now,
	}
	go q.loop()
	return q
}

// Close stops the scheduler. Idempotent. Operations still queued receive
// ErrStopped through their submitters' Execute calls.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	select {
	case <-q.quit:
		return
	default:
	}
	close(q.quit)
}

// Execute submits op and blocks until it succeeds, fails for good, or the
// context is cancelled. Higher priority drains first; equal priorities run
// in submission order. A nil queue runs the operation directly so callers
// can disable rate limiting in tests.
func (q *Queue) Execute(ctx context.Context, priority int, op Op) error {
	if q == nil {
		return op(ctx)
	}
	t := &task{ctx: ctx, op: op, priority: priority, reply: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.quit:
		return ErrStopped
	case q.submissions <- t:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.quit:
		return ErrStopped
	case err := <-t.reply:
		return err
	}
}

// loop owns the pending heap and the rolling attempt log. Attempts launch
// in their own goroutines; only bookkeeping happens here so the scheduler
// can keep admitting work while operations run.
func (q *Queue) loop() {
	pending := &taskHeap{}
	heap.Init(pending)
	var seq uint64
	var attempts []time.Time // rolling window of attempt start times

	var budgetTimer *time.Timer
	var budgetC <-chan time.Time

	logf := q.cfg.Logf

	// prune drops attempt records that left the rolling window.
	prune := func(now time.Time) {
		cutoff := now.Add(-q.cfg.Window)
		i := 0
		for i < len(attempts) && !attempts[i].After(cutoff) {
			i++
		}
		attempts = attempts[i:]
	}

	// dispatch launches as many pending tasks as the budget allows and
	// arms a wake-up timer when the budget is exhausted.
	dispatch := func() {
		now := q.now()
		prune(now)
		for pending.Len() > 0 && len(attempts) < q.cfg.BudgetPerWindow {
			t := heap.Pop(pending).(*task)
			if err := t.ctx.Err(); err != nil {
				t.reply <- err
				continue
			}
			t.state = stateRunning
			attempts = append(attempts, q.now())
			go func(t *task) {
				err := t.op(t.ctx)
				select {
				case q.done <- attemptDone{t: t, err: err}:
				case <-q.quit:
				}
			}(t)
		}
		if pending.Len() > 0 && len(attempts) >= q.cfg.BudgetPerWindow {
			wake := attempts[0].Add(q.cfg.Window).Sub(q.now())
			if wake < time.Millisecond {
				wake = time.Millisecond
			}
			if budgetTimer == nil {
				budgetTimer = time.NewTimer(wake)
			} else {
				if !budgetTimer.Stop() {
					select {
					case <-budgetTimer.C:
					default:
					}
				}
				budgetTimer.Reset(wake)
			}
			budgetC = budgetTimer.C
		} else {
			budgetC = nil
		}
	}

	for {
		select {
		case <-q.quit:
			if budgetTimer != nil {
				budgetTimer.Stop()
			}
			return
		case t := <-q.submissions:
			t.seq = seq
			seq++
			t.state = stateQueued
			heap.Push(pending, t)
			dispatch()
		case fin := <-q.done:
			t := fin.t
			switch {
			case fin.err == nil:
				t.state = stateSucceeded
				t.reply <- nil
			case t.ctx.Err() != nil:
				// Cancelled mid-attempt; hand the context error back so
				// the caller sees cancellation, not a retryable failure.
				t.reply <- t.ctx.Err()
			case backoff.Retryable(fin.err) && t.attempt < q.cfg.Retry.Attempts-1:
				t.state = stateRetrying
				delay := q.cfg.Retry.Delay(t.attempt)
				var ra *backoff.RetryAfterError
				if errors.As(fin.err, &ra) && ra.After > 0 {
					delay = ra.After
				}
				t.attempt++
				if logf != nil {
					logf("retryqueue: attempt %d failed (%v), retrying in %s", t.attempt, fin.err, delay)
				}
				go q.requeueAfter(t, delay)
			default:
				t.state = stateFailed
				t.reply <- fin.err
			}
			dispatch()
		case <-budgetC:
			dispatch()
		}
	}
}

// requeueAfter waits out the backoff delay and resubmits the task. The
// wait happens off the scheduler goroutine so other work keeps flowing.
func (q *Queue) requeueAfter(t *task, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		t.reply <- t.ctx.Err()
	case <-q.quit:
	case <-timer.C:
		select {
		case q.submissions <- t:
		case <-t.ctx.Done():
			t.reply <- t.ctx.Err()
		case <-q.quit:
		}
	}
}

// ==========================
// Priority heap of tasks
// ==========================

// taskHeap orders by priority descending, then submission sequence
// ascending so equal priorities stay FIFO.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
