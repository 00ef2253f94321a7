// Package pipeline turns viewport settle events into rendered map state:
// debounce, preflight count, then either a paginated marker load or the
// density fallback. One Controller owns the whole flow for one map
// instance (its caches, its sequence numbers, its in-flight load) so
// several independent maps can run side by side and tests get a fresh
// world each time.
//
// The ordering rule the rest of the design leans on: only the latest
// load's results may touch marker state. A superseded load is cancelled,
// and even if it limps home later its outcome is dropped by sequence
// check before anything is applied.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"riverwatch-gauge-map/pkg/gauges"
	"riverwatch-gauge-map/pkg/geo"
	"riverwatch-gauge-map/pkg/markers"
	"riverwatch-gauge-map/pkg/requestcache"
	"riverwatch-gauge-map/pkg/retryqueue"
	"riverwatch-gauge-map/pkg/usgs"
)

// Mode is what the map is currently showing for the active viewport.
type Mode string

const (
	// ModeIdle means no viewport has settled yet.
	ModeIdle Mode = "idle"
	// ModeLoading means a load pipeline is running.
	ModeLoading Mode = "loading"
	// ModeMarkers means discrete markers are rendered.
	ModeMarkers Mode = "markers"
	// ModeDensity means the heatmap fallback is rendered.
	ModeDensity Mode = "density"
	// ModeCountUnavailable means the preflight failed: the count is
	// UNKNOWN and nothing is rendered. This is deliberately distinct from
	// an empty viewport; unknown never masquerades as zero.
	ModeCountUnavailable Mode = "count-unavailable"
	// ModeFailed means the fetch failed after the preflight succeeded;
	// whatever pages streamed in before the failure remain rendered.
	ModeFailed Mode = "failed"
)

// Source is the slice of the feature service the pipeline needs. The
// usgs.Client satisfies it; tests substitute fakes.
type Source interface {
	PreflightCount(ctx context.Context, bbox geo.BBox, threshold int, filter string) (usgs.PreflightResult, error)
	FetchFeatures(ctx context.Context, bbox geo.BBox, opts usgs.FetchOptions) (<-chan usgs.PageResult, <-chan error)
}

// Store is the slice of the persistence layer the pipeline needs: each
// successful load hands its station set over so the map can serve
// last-known data when the upstream is down. *database.Database
// satisfies it.
type Store interface {
	UpsertStations(ctx context.Context, stations []gauges.Station, fetchedAt time.Time) error
}

// Status is an observable snapshot of the controller.
type Status struct {
	Mode     Mode     `json:"mode"`
	Viewport geo.BBox `json:"viewport"`
	Stations int      `json:"stations"`
	Total    *int     `json:"total,omitempty"`
	Err      string   `json:"error,omitempty"`
	Seq      uint64   `json:"seq"`
}

// Config tunes a Controller. Zero values get sensible defaults.
type Config struct {
	Threshold int           // marker threshold, default 1000
	Debounce  time.Duration // trailing-edge quiet period, default 400ms
	GridRes   float64       // cache-key grid, default geo.DefaultGridResolution
	PageLimit int           // items per fetch page
	Filter    string        // optional server-side site-type filter
	CacheTTL  time.Duration

	// Queue rate-limits page fetches. Optional; nil means unthrottled.
	Queue *retryqueue.Queue

	// Store persists each successful load's stations. Optional; nil
	// disables the last-known cache.
	Store Store

	// PreflightCache and FeatureCache may be shared across controllers so
	// several map instances over the same data coalesce their upstream
	// calls. When nil the controller builds private ones and owns their
	// lifecycle.
	PreflightCache *requestcache.Cache[usgs.PreflightResult]
	FeatureCache   *requestcache.Cache[[]gauges.Location]

	Logf func(string, ...any)
}

// Controller runs the load pipeline for one map instance. All state lives
// in the loop goroutine; the public methods only pass messages.
type Controller struct {
	source     Source
	reconciler *markers.Reconciler
	cfg        Config

	preflights  *requestcache.Cache[usgs.PreflightResult]
	features    *requestcache.Cache[[]gauges.Location]
	ownedCaches bool

	settles  chan geo.BBox
	statusCh chan chan Status
	quit     chan struct{}
}

// loadOutcome travels from a load goroutine back to the loop.
type loadOutcome struct {
	seq      uint64
	status   Status
	canceled bool
}

// New starts a controller. The reconciler is owned by the caller (it is
// bound to the map's sink); the controller only drives it.
func New(source Source, reconciler *markers.Reconciler, cfg Config) *Controller {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1000
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 400 * time.Millisecond
	}
	if cfg.GridRes <= 0 {
		cfg.GridRes = geo.DefaultGridResolution
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 500
	}
	c := &Controller{
		source:     source,
		reconciler: reconciler,
		cfg:        cfg,
		settles:    make(chan geo.BBox),
		statusCh:   make(chan chan Status),
		quit:       make(chan struct{}),
	}
	c.preflights = cfg.PreflightCache
	c.features = cfg.FeatureCache
	if c.preflights == nil || c.features == nil {
		c.ownedCaches = true
		if c.preflights == nil {
			c.preflights = requestcache.New[usgs.PreflightResult](cfg.CacheTTL)
		}
		if c.features == nil {
			c.features = requestcache.New[[]gauges.Location](cfg.CacheTTL)
		}
	}
	go c.loop()
	return c
}

// Close cancels any in-flight load and stops the loop. Private caches are
// closed too; shared ones are left to their owner. Idempotent.
func (c *Controller) Close() {
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

// ViewportSettled feeds one settle event into the debouncer. Invalid
// boxes are rejected up front so the pipeline never keys a cache on
// garbage.
func (c *Controller) ViewportSettled(ctx context.Context, bbox geo.BBox) error {
	if !bbox.Valid() {
		return fmt.Errorf("invalid viewport %v", bbox)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return fmt.Errorf("controller closed")
	case c.settles <- bbox:
		return nil
	}
}

// Snapshot returns the current status.
func (c *Controller) Snapshot(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case <-c.quit:
		return Status{}, fmt.Errorf("controller closed")
	case c.statusCh <- reply:
	}
	select {
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case s := <-reply:
		return s, nil
	}
}

// loop owns the debounce timer, the load sequence and the status. The
// trailing-edge debounce keeps re-arming while settles stream in; only a
// quiet period fires a load.
func (c *Controller) loop() {
	status := Status{Mode: ModeIdle}
	var pendingBBox geo.BBox
	havePending := false

	var debounce *time.Timer
	var debounceC <-chan time.Time

	var seq uint64
	var activeCancel context.CancelFunc
	outcomes := make(chan loadOutcome)

	armDebounce := func() {
		if debounce == nil {
			debounce = time.NewTimer(c.cfg.Debounce)
			debounceC = debounce.C
			return
		}
		if !debounce.Stop() {
			select {
			case <-debounce.C:
			default:
			}
		}
		debounce.Reset(c.cfg.Debounce)
	}

	defer func() {
		if activeCancel != nil {
			activeCancel()
		}
		if debounce != nil {
			debounce.Stop()
		}
		if c.ownedCaches {
			c.preflights.Close()
			c.features.Close()
		}
	}()

	for {
		select {
		case <-c.quit:
			return

		case bbox := <-c.settles:
			pendingBBox = bbox
			havePending = true
			armDebounce()

		case <-debounceC:
			if !havePending {
				continue
			}
			havePending = false
			snapped := geo.SnapToGrid(pendingBBox, c.cfg.GridRes)

			// A stale in-flight load must die before its replacement
			// starts: at most one active pipeline per map instance.
			if activeCancel != nil {
				activeCancel()
			}
			seq++
			ctx, cancel := context.WithCancel(context.Background())
			activeCancel = cancel
			status.Mode = ModeLoading
			status.Viewport = snapped
			status.Seq = seq
			go c.runLoad(ctx, seq, snapped, outcomes)

		case out := <-outcomes:
			if out.seq != seq {
				// A superseded load finished late. Its results were
				// computed for a viewport nobody is looking at any more;
				// drop them on the floor.
				if c.cfg.Logf != nil {
					c.cfg.Logf("pipeline: discarding stale load %d (current %d)", out.seq, seq)
				}
				continue
			}
			if out.canceled {
				continue
			}
			status = out.status

		case reply := <-c.statusCh:
			reply <- status
		}
	}
}

// runLoad executes one full load for a snapped viewport: preflight, then
// either the density fallback or the paginated marker fetch. It reports
// exactly one outcome.
func (c *Controller) runLoad(ctx context.Context, seq uint64, bbox geo.BBox, outcomes chan<- loadOutcome) {
	status := c.load(ctx, bbox)
	status.Viewport = bbox
	status.Seq = seq
	out := loadOutcome{seq: seq, status: status, canceled: ctx.Err() != nil}
	select {
	case outcomes <- out:
	case <-c.quit:
	}
}

func (c *Controller) load(ctx context.Context, bbox geo.BBox) Status {
	key := geo.CacheKey(bbox, c.cfg.Threshold, c.cfg.Filter)

	pre, err := c.preflights.Get(ctx, "preflight:"+key, func(ctx context.Context) (usgs.PreflightResult, error) {
		return c.source.PreflightCount(ctx, bbox, c.cfg.Threshold, c.cfg.Filter)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Status{}
		}
		// Count unknown. The one thing this state must never do is look
		// like a confirmed-empty viewport, so nothing is rendered at all:
		// no markers, no density overlay.
		if c.cfg.Logf != nil {
			c.cfg.Logf("pipeline: preflight failed for %s: %v", bbox, err)
		}
		return Status{Mode: ModeCountUnavailable, Err: err.Error()}
	}

	if pre.Exceeds {
		return c.loadDensity(ctx, bbox)
	}
	return c.loadMarkers(ctx, bbox, pre.Total)
}

// loadDensity fetches a bounded sample and renders the heatmap fallback.
func (c *Controller) loadDensity(ctx context.Context, bbox geo.BBox) Status {
	sampleKey := geo.CacheKey(bbox, 1000, c.cfg.Filter) + ":sample"
	sample, err := c.features.Get(ctx, sampleKey, func(ctx context.Context) ([]gauges.Location, error) {
		pages, errCh := c.source.FetchFeatures(ctx, bbox, usgs.FetchOptions{
			PageLimit: 1000,
			MaxPages:  1,
			Filter:    c.cfg.Filter,
			Queue:     c.cfg.Queue,
		})
		var locs []gauges.Location
		for page := range pages {
			locs = append(locs, page.Locations...)
		}
		if err := <-errCh; err != nil {
			return nil, err
		}
		// A cancelled fetch ends with closed channels and no error; the
		// partial sample must not be cached as if it were complete.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return locs, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Status{}
		}
		return Status{Mode: ModeCountUnavailable, Err: fmt.Sprintf("density sample: %v", err)}
	}
	stations := locationsToStations(sample)
	if err := c.reconciler.RenderDensity(ctx, stations); err != nil {
		return Status{}
	}
	c.persist(ctx, stations)
	return Status{Mode: ModeDensity, Stations: len(sample)}
}

// loadMarkers streams pages into the reconciler progressively: each page
// extends the accumulated target set and triggers a reconcile, so the map
// fills in while later pages are still in flight. The full set lands in
// the feature cache for the next visit to this viewport.
func (c *Controller) loadMarkers(ctx context.Context, bbox geo.BBox, total *int) Status {
	key := geo.CacheKey(bbox, c.cfg.PageLimit, c.cfg.Filter)
	all, err := c.features.Get(ctx, key, func(ctx context.Context) ([]gauges.Location, error) {
		pages, errCh := c.source.FetchFeatures(ctx, bbox, usgs.FetchOptions{
			PageLimit: c.cfg.PageLimit,
			Filter:    c.cfg.Filter,
			Queue:     c.cfg.Queue,
		})
		var accumulated []gauges.Location
		for page := range pages {
			accumulated = append(accumulated, page.Locations...)
			if err := c.reconciler.Reconcile(ctx, locationsToStations(accumulated)); err != nil {
				break
			}
		}
		if err := <-errCh; err != nil {
			return accumulated, err
		}
		if err := ctx.Err(); err != nil {
			return accumulated, err
		}
		return accumulated, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Status{}
		}
		// Pages already streamed stay rendered; the load itself is
		// failed, never disguised as "zero matches".
		return Status{Mode: ModeFailed, Stations: len(all), Err: err.Error()}
	}

	// Cache hits skip the progressive path entirely, so reconcile the
	// final set unconditionally; on the streaming path this is the
	// idempotent no-op convergence call.
	stations := locationsToStations(all)
	if err := c.reconciler.Reconcile(ctx, stations); err != nil {
		return Status{}
	}
	c.persist(ctx, stations)
	st := Status{Mode: ModeMarkers, Stations: len(all), Total: total}
	if total == nil {
		n := len(all)
		st.Total = &n
	}
	return st
}

// persist writes a load's stations to the last-known cache. The write is
// best effort: serving the map never waits on it and a failure only logs.
func (c *Controller) persist(ctx context.Context, stations []gauges.Station) {
	if c.cfg.Store == nil || len(stations) == 0 {
		return
	}
	if err := c.cfg.Store.UpsertStations(ctx, stations, time.Now()); err != nil && c.cfg.Logf != nil {
		c.cfg.Logf("pipeline: station cache write failed: %v", err)
	}
}

// locationsToStations lifts bare locations into unenriched stations; the
// reading poller upgrades levels later.
func locationsToStations(locs []gauges.Location) []gauges.Station {
	out := make([]gauges.Station, 0, len(locs))
	for _, loc := range locs {
		out = append(out, gauges.Station{Location: loc, Level: gauges.LevelUnknown})
	}
	return out
}
