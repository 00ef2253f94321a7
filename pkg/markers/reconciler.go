package markers

import (
	"context"
	"errors"
	"time"

	"riverwatch-gauge-map/pkg/gauges"
)

// ==========================
// Marker reconciliation loop
// ==========================

const (
	// defaultBatchSize bounds how many upserts apply per frame so a
	// viewport with thousands of gauges never blocks rendering in one
	// synchronous pass.
	defaultBatchSize = 150
	// defaultFrameInterval approximates an animation frame.
	defaultFrameInterval = 25 * time.Millisecond
	// densitySampleCap bounds the heatmap sample handed to the sink.
	densitySampleCap = 1000
)

// ErrStopped reports that the reconciler has been closed.
var ErrStopped = errors.New("marker reconciler stopped")

// Config tunes a Reconciler. Frames is injectable so tests can drive
// batching deterministically; when nil a ticker at FrameInterval is used.
type Config struct {
	BatchSize     int
	FrameInterval time.Duration
	Frames        <-chan time.Time
	// OnSelect is invoked when a live marker is clicked. Clicks on ids
	// that are no longer rendered are swallowed.
	OnSelect func(id string)
	Logf     func(string, ...any)
}

// Stats is a snapshot of the reconciler's state, mostly for handlers and
// tests.
type Stats struct {
	Live          int
	PendingUpsert int
	DensityActive bool
}

type command struct {
	kind     cmdKind
	stations []gauges.Station
	selectID string
	reply    chan Stats // for snapshot/flush
}

type cmdKind int

const (
	cmdReconcile cmdKind = iota
	cmdDensity
	cmdSelect
	cmdSnapshot
	cmdFlush
)

type pendingUpsert struct {
	id    string
	state MarkerState
}

// Reconciler owns the id→marker mapping for one map instance. A single
// goroutine holds the state and applies changes in frame-sized batches;
// callers talk to it through channels only. It is explicit per-instance
// state (construct one per map at setup, Close it on teardown) so
// multiple independent maps can coexist in one process.
type Reconciler struct {
	sink     Sink
	cfg      Config
	commands chan command
	quit     chan struct{}
}

// New starts the reconciliation goroutine against the given sink.
func New(sink Sink, cfg Config) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = defaultFrameInterval
	}
	r := &Reconciler{
		sink:     sink,
		cfg:      cfg,
		commands: make(chan command),
		quit:     make(chan struct{}),
	}
	go r.loop()
	return r
}

// Close stops the loop and clears the sink. Idempotent.
func (r *Reconciler) Close() {
	if r == nil {
		return
	}
	select {
	case <-r.quit:
		return
	default:
	}
	close(r.quit)
}

// Reconcile declares the desired marker set. Removals apply immediately;
// creations and updates drain in batches across subsequent frames. Calling
// it again with the same set after convergence is a no-op, and a newer
// call supersedes whatever an older one had still pending.
func (r *Reconciler) Reconcile(ctx context.Context, stations []gauges.Station) error {
	return r.send(ctx, command{kind: cmdReconcile, stations: stations})
}

// RenderDensity switches the instance to heatmap mode: all discrete
// markers are cleared and a bounded sample of the given stations becomes
// the density overlay, replacing any previous overlay.
func (r *Reconciler) RenderDensity(ctx context.Context, stations []gauges.Station) error {
	return r.send(ctx, command{kind: cmdDensity, stations: stations})
}

// Select reports a click on a marker. The selection callback fires only
// when the id is currently live, so late clicks on removed markers are
// dropped.
func (r *Reconciler) Select(ctx context.Context, id string) error {
	return r.send(ctx, command{kind: cmdSelect, selectID: id})
}

// Snapshot returns current counters.
func (r *Reconciler) Snapshot(ctx context.Context) (Stats, error) {
	return r.ask(ctx, command{kind: cmdSnapshot})
}

// Flush blocks until every pending upsert has been applied. Tests and the
// pipeline use it to observe convergence.
func (r *Reconciler) Flush(ctx context.Context) (Stats, error) {
	return r.ask(ctx, command{kind: cmdFlush})
}

func (r *Reconciler) send(ctx context.Context, cmd command) error {
	if r == nil {
		return ErrStopped
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.quit:
		return ErrStopped
	case r.commands <- cmd:
		return nil
	}
}

func (r *Reconciler) ask(ctx context.Context, cmd command) (Stats, error) {
	cmd.reply = make(chan Stats, 1)
	if err := r.send(ctx, cmd); err != nil {
		return Stats{}, err
	}
	select {
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-r.quit:
		return Stats{}, ErrStopped
	case s := <-cmd.reply:
		return s, nil
	}
}

// loop owns the applied-marker map, the pending upsert queue and the
// density flag. Frames only matter while upserts are pending; the frame
// channel is ignored otherwise.
func (r *Reconciler) loop() {
	applied := make(map[string]MarkerState)
	var pending []pendingUpsert
	densityActive := false
	var flushWaiters []chan Stats

	frames := r.cfg.Frames
	var ticker *time.Ticker
	if frames == nil {
		ticker = time.NewTicker(r.cfg.FrameInterval)
		defer ticker.Stop()
		frames = ticker.C
	}

	stats := func() Stats {
		return Stats{Live: len(applied), PendingUpsert: len(pending), DensityActive: densityActive}
	}

	applyBatch := func() {
		n := r.cfg.BatchSize
		if n > len(pending) {
			n = len(pending)
		}
		for _, up := range pending[:n] {
			if prev, ok := applied[up.id]; ok && equalState(prev, up.state) {
				continue
			}
			r.sink.UpsertMarker(up.id, up.state)
			applied[up.id] = up.state
		}
		pending = pending[n:]
		if len(pending) == 0 {
			for _, w := range flushWaiters {
				w <- stats()
			}
			flushWaiters = nil
		}
	}

	for {
		// Only listen for frames while there is work for them.
		var frameC <-chan time.Time
		if len(pending) > 0 {
			frameC = frames
		}

		select {
		case <-r.quit:
			r.sink.Clear()
			for _, w := range flushWaiters {
				w <- Stats{}
			}
			return

		case <-frameC:
			applyBatch()

		case cmd := <-r.commands:
			switch cmd.kind {
			case cmdReconcile:
				if densityActive {
					// Control returns to discrete markers: the overlay
					// goes away before any marker is drawn.
					r.sink.ClearDensity()
					densityActive = false
				}
				target := make(map[string]MarkerState, len(cmd.stations))
				for _, st := range cmd.stations {
					target[st.ID] = StateFor(st)
				}
				// Removals are cheap and applied at once.
				for id := range applied {
					if _, keep := target[id]; !keep {
						r.sink.RemoveMarker(id)
						delete(applied, id)
					}
				}
				// Upserts replace whatever a superseded reconcile still
				// had queued. Order follows the input so pages appear in
				// arrival order.
				pending = pending[:0]
				for _, st := range cmd.stations {
					state := target[st.ID]
					if prev, ok := applied[st.ID]; ok && equalState(prev, state) {
						continue
					}
					pending = append(pending, pendingUpsert{id: st.ID, state: state})
				}
				if len(pending) > 0 {
					// First batch applies immediately; the rest ride the
					// frame channel.
					applyBatch()
				} else {
					for _, w := range flushWaiters {
						w <- stats()
					}
					flushWaiters = nil
				}

			case cmdDensity:
				for id := range applied {
					r.sink.RemoveMarker(id)
					delete(applied, id)
				}
				pending = pending[:0]
				r.sink.SetDensity(sampleDensity(cmd.stations, densitySampleCap))
				densityActive = true
				for _, w := range flushWaiters {
					w <- stats()
				}
				flushWaiters = nil

			case cmdSelect:
				if _, live := applied[cmd.selectID]; live && r.cfg.OnSelect != nil {
					r.cfg.OnSelect(cmd.selectID)
				}

			case cmdSnapshot:
				cmd.reply <- stats()

			case cmdFlush:
				if len(pending) == 0 {
					cmd.reply <- stats()
				} else {
					flushWaiters = append(flushWaiters, cmd.reply)
				}
			}
		}
	}
}

// sampleDensity reduces a station set to at most cap weighted points.
// Sampling is a strided pick, deterministic for a given input, so tests
// and repeated renders agree.
func sampleDensity(stations []gauges.Station, limit int) []DensityPoint {
	if len(stations) == 0 {
		return nil
	}
	stride := 1
	if len(stations) > limit {
		stride = (len(stations) + limit - 1) / limit
	}
	points := make([]DensityPoint, 0, limit)
	for i := 0; i < len(stations) && len(points) < limit; i += stride {
		st := stations[i]
		weight := 0.5
		if rank := st.Level.Rank(); rank > 0 {
			weight = float64(rank) / 4
		}
		points = append(points, DensityPoint{Lon: st.Lon, Lat: st.Lat, Weight: weight})
	}
	return points
}
