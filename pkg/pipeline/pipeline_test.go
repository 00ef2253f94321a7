package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"riverwatch-gauge-map/pkg/backoff"
	"riverwatch-gauge-map/pkg/gauges"
	"riverwatch-gauge-map/pkg/geo"
	"riverwatch-gauge-map/pkg/markers"
	"riverwatch-gauge-map/pkg/requestcache"
	"riverwatch-gauge-map/pkg/usgs"
)

// memSink is an in-memory rendering target for pipeline tests.
type memSink struct {
	mu      sync.Mutex
	markers map[string]markers.MarkerState
	density []markers.DensityPoint
}

func newMemSink() *memSink {
	return &memSink{markers: make(map[string]markers.MarkerState)}
}

func (s *memSink) UpsertMarker(id string, st markers.MarkerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[id] = st
}

func (s *memSink) RemoveMarker(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, id)
}

func (s *memSink) SetDensity(points []markers.DensityPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.density = points
}

func (s *memSink) ClearDensity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.density = nil
}

func (s *memSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = make(map[string]markers.MarkerState)
	s.density = nil
}

func (s *memSink) counts() (markerCount, densityCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markers), len(s.density)
}

func (s *memSink) hasMarker(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markers[id]
	return ok
}

// fakeSource scripts the upstream service and counts calls.
type fakeSource struct {
	mu          sync.Mutex
	preflightN  int
	fetchN      int
	preflightFn func(bbox geo.BBox) (usgs.PreflightResult, error)
	pagesFn     func(ctx context.Context, bbox geo.BBox) ([][]gauges.Location, error)
}

func (f *fakeSource) calls() (preflights, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.preflightN, f.fetchN
}

func (f *fakeSource) PreflightCount(ctx context.Context, bbox geo.BBox, threshold int, filter string) (usgs.PreflightResult, error) {
	f.mu.Lock()
	f.preflightN++
	f.mu.Unlock()
	return f.preflightFn(bbox)
}

func (f *fakeSource) FetchFeatures(ctx context.Context, bbox geo.BBox, opts usgs.FetchOptions) (<-chan usgs.PageResult, <-chan error) {
	f.mu.Lock()
	f.fetchN++
	f.mu.Unlock()
	pages := make(chan usgs.PageResult)
	errCh := make(chan error, 1)
	go func() {
		defer close(pages)
		defer close(errCh)
		batches, err := f.pagesFn(ctx, bbox)
		if err != nil {
			if ctx.Err() == nil {
				errCh <- err
			}
			return
		}
		for i, locs := range batches {
			select {
			case pages <- usgs.PageResult{Index: i, Locations: locs, Fetched: len(locs)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return pages, errCh
}

func total(n int) usgs.PreflightResult {
	return usgs.PreflightResult{Total: &n}
}

func locs(prefix string, base geo.BBox, n int) []gauges.Location {
	out := make([]gauges.Location, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, gauges.Location{
			ID:       fmt.Sprintf("%s-%03d", prefix, i),
			Name:     prefix,
			Lon:      base.MinLon + 0.001*float64(i),
			Lat:      base.MinLat + 0.001,
			SiteType: gauges.SiteStream,
		})
	}
	return out
}

func newController(t *testing.T, src Source, cfg Config) (*Controller, *memSink) {
	t.Helper()
	sink := newMemSink()
	rec := markers.New(sink, markers.Config{BatchSize: 10000})
	if cfg.Debounce == 0 {
		cfg.Debounce = 10 * time.Millisecond
	}
	ctl := New(src, rec, cfg)
	t.Cleanup(func() {
		ctl.Close()
		rec.Close()
	})
	return ctl, sink
}

func waitMode(t *testing.T, c *Controller, mode Mode) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last Status
	for time.Now().Before(deadline) {
		st, err := c.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if st.Mode == mode {
			return st
		}
		last = st
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("mode never reached %q, last status %+v", mode, last)
	return Status{}
}

// memStore records station upserts for persistence assertions.
type memStore struct {
	mu       sync.Mutex
	upserts  int
	stations map[string]gauges.Station
}

func newMemStore() *memStore {
	return &memStore{stations: make(map[string]gauges.Station)}
}

func (s *memStore) UpsertStations(_ context.Context, stations []gauges.Station, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	for _, st := range stations {
		s.stations[st.ID] = st
	}
	return nil
}

func (s *memStore) stored() (upserts, stations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts, len(s.stations)
}

func (s *memStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stations[id]
	return ok
}

func TestDebounceCollapsesBurstsIntoOneLoad(t *testing.T) {
	box := geo.BBox{MinLon: -105.3, MinLat: 39.9, MaxLon: -105.1, MaxLat: 40.1}
	src := &fakeSource{
		preflightFn: func(geo.BBox) (usgs.PreflightResult, error) { return total(3), nil },
		pagesFn: func(_ context.Context, b geo.BBox) ([][]gauges.Location, error) {
			return [][]gauges.Location{locs("burst", b, 3)}, nil
		},
	}
	ctl, _ := newController(t, src, Config{Debounce: 40 * time.Millisecond})

	// A pan gesture: a burst of settles, each slightly different. Only the
	// last survives the quiet period.
	for i := 0; i < 5; i++ {
		jittered := box
		jittered.MinLon += float64(i) * 1e-5
		if err := ctl.ViewportSettled(context.Background(), jittered); err != nil {
			t.Fatal(err)
		}
	}
	st := waitMode(t, ctl, ModeMarkers)

	preflights, fetches := src.calls()
	if preflights != 1 || fetches != 1 {
		t.Fatalf("burst leaked upstream: %d preflights, %d fetches", preflights, fetches)
	}
	final := box
	final.MinLon += 4 * 1e-5
	if want := geo.SnapToGrid(final, geo.DefaultGridResolution); st.Viewport != want {
		t.Fatalf("loaded viewport %v, want snapped %v", st.Viewport, want)
	}
}

func TestPreflightFailureIsCountUnavailable(t *testing.T) {
	src := &fakeSource{
		preflightFn: func(geo.BBox) (usgs.PreflightResult, error) {
			return usgs.PreflightResult{}, &backoff.StatusError{Code: 503, Body: "unavailable"}
		},
		pagesFn: func(_ context.Context, b geo.BBox) ([][]gauges.Location, error) {
			return nil, nil
		},
	}
	ctl, sink := newController(t, src, Config{})

	box := geo.BBox{MinLon: -105.3, MinLat: 39.9, MaxLon: -105.1, MaxLat: 40.1}
	if err := ctl.ViewportSettled(context.Background(), box); err != nil {
		t.Fatal(err)
	}
	st := waitMode(t, ctl, ModeCountUnavailable)

	if st.Err == "" {
		t.Fatal("count-unavailable status should carry the error")
	}
	if st.Total != nil {
		t.Fatalf("unknown count must not report a total, got %d", *st.Total)
	}
	mk, dn := sink.counts()
	if mk != 0 || dn != 0 {
		t.Fatalf("nothing may render when the count is unknown: %d markers, %d density points", mk, dn)
	}
	if _, fetches := src.calls(); fetches != 0 {
		t.Fatalf("fetch ran despite failed preflight: %d", fetches)
	}
}

func TestUnderThresholdStreamsMarkers(t *testing.T) {
	box := geo.BBox{MinLon: -105.3, MinLat: 39.9, MaxLon: -105.1, MaxLat: 40.1}
	src := &fakeSource{
		preflightFn: func(geo.BBox) (usgs.PreflightResult, error) { return total(5), nil },
		pagesFn: func(_ context.Context, b geo.BBox) ([][]gauges.Location, error) {
			all := locs("page", b, 5)
			return [][]gauges.Location{all[:3], all[3:]}, nil
		},
	}
	ctl, sink := newController(t, src, Config{})

	if err := ctl.ViewportSettled(context.Background(), box); err != nil {
		t.Fatal(err)
	}
	st := waitMode(t, ctl, ModeMarkers)

	if st.Stations != 5 {
		t.Fatalf("stations = %d, want 5", st.Stations)
	}
	if st.Total == nil || *st.Total != 5 {
		t.Fatalf("total not carried through: %+v", st.Total)
	}
	mk, dn := sink.counts()
	if mk != 5 || dn != 0 {
		t.Fatalf("sink: %d markers, %d density points", mk, dn)
	}
}

func TestOverThresholdRendersDensity(t *testing.T) {
	box := geo.BBox{MinLon: -110, MinLat: 35, MaxLon: -100, MaxLat: 45}
	src := &fakeSource{
		preflightFn: func(geo.BBox) (usgs.PreflightResult, error) {
			return usgs.PreflightResult{Exceeds: true}, nil
		},
		pagesFn: func(_ context.Context, b geo.BBox) ([][]gauges.Location, error) {
			return [][]gauges.Location{locs("dense", b, 50)}, nil
		},
	}
	ctl, sink := newController(t, src, Config{Threshold: 10})

	if err := ctl.ViewportSettled(context.Background(), box); err != nil {
		t.Fatal(err)
	}
	st := waitMode(t, ctl, ModeDensity)

	if st.Total != nil {
		t.Fatalf("over-threshold load should not claim a total, got %d", *st.Total)
	}
	mk, dn := sink.counts()
	if mk != 0 {
		t.Fatalf("density mode rendered %d discrete markers", mk)
	}
	if dn != 50 {
		t.Fatalf("density overlay holds %d points, want 50", dn)
	}
}

func TestSupersededLoadIsDiscarded(t *testing.T) {
	slowBox := geo.BBox{MinLon: -120.5, MinLat: 38.5, MaxLon: -120.0, MaxLat: 39.0}
	fastBox := geo.BBox{MinLon: -105.3, MinLat: 39.9, MaxLon: -105.1, MaxLat: 40.1}
	src := &fakeSource{
		preflightFn: func(geo.BBox) (usgs.PreflightResult, error) { return total(2), nil },
	}
	src.pagesFn = func(ctx context.Context, b geo.BBox) ([][]gauges.Location, error) {
		if b.MinLon < -110 {
			// The stale viewport's fetch hangs until it is cancelled.
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return [][]gauges.Location{locs("fresh", b, 2)}, nil
	}
	ctl, sink := newController(t, src, Config{})

	if err := ctl.ViewportSettled(context.Background(), slowBox); err != nil {
		t.Fatal(err)
	}
	// Wait for the slow load to actually start before superseding it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, fetches := src.calls(); fetches >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first load never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := ctl.ViewportSettled(context.Background(), fastBox); err != nil {
		t.Fatal(err)
	}
	st := waitMode(t, ctl, ModeMarkers)

	if want := geo.SnapToGrid(fastBox, geo.DefaultGridResolution); st.Viewport != want {
		t.Fatalf("final viewport %v, want %v", st.Viewport, want)
	}
	if !sink.hasMarker("fresh-000") || !sink.hasMarker("fresh-001") {
		t.Fatal("superseding load's markers missing")
	}
	if mk, _ := sink.counts(); mk != 2 {
		t.Fatalf("stale load leaked markers: %d live", mk)
	}
}

func TestSharedCachesCoalesceAcrossInstances(t *testing.T) {
	box := geo.BBox{MinLon: -105.3, MinLat: 39.9, MaxLon: -105.1, MaxLat: 40.1}
	src := &fakeSource{
		preflightFn: func(geo.BBox) (usgs.PreflightResult, error) {
			time.Sleep(50 * time.Millisecond)
			return total(4), nil
		},
		pagesFn: func(_ context.Context, b geo.BBox) ([][]gauges.Location, error) {
			return [][]gauges.Location{locs("shared", b, 4)}, nil
		},
	}

	preCache := requestcache.New[usgs.PreflightResult](0)
	featCache := requestcache.New[[]gauges.Location](0)
	defer preCache.Close()
	defer featCache.Close()

	cfg := Config{PreflightCache: preCache, FeatureCache: featCache}
	ctlA, sinkA := newController(t, src, cfg)
	ctlB, sinkB := newController(t, src, cfg)

	if err := ctlA.ViewportSettled(context.Background(), box); err != nil {
		t.Fatal(err)
	}
	if err := ctlB.ViewportSettled(context.Background(), box); err != nil {
		t.Fatal(err)
	}
	waitMode(t, ctlA, ModeMarkers)
	waitMode(t, ctlB, ModeMarkers)

	preflights, fetches := src.calls()
	if preflights != 1 {
		t.Fatalf("same viewport hit upstream %d times for preflight", preflights)
	}
	if fetches != 1 {
		t.Fatalf("same viewport hit upstream %d times for fetch", fetches)
	}
	if mk, _ := sinkA.counts(); mk != 4 {
		t.Fatalf("instance A rendered %d markers", mk)
	}
	if mk, _ := sinkB.counts(); mk != 4 {
		t.Fatalf("instance B rendered %d markers", mk)
	}
}

func TestConfirmedEmptyIsNotCountUnavailable(t *testing.T) {
	src := &fakeSource{
		preflightFn: func(geo.BBox) (usgs.PreflightResult, error) { return total(0), nil },
		pagesFn: func(_ context.Context, b geo.BBox) ([][]gauges.Location, error) {
			return nil, nil
		},
	}
	ctl, sink := newController(t, src, Config{})

	box := geo.BBox{MinLon: 10.0, MinLat: 50.0, MaxLon: 10.2, MaxLat: 50.2}
	if err := ctl.ViewportSettled(context.Background(), box); err != nil {
		t.Fatal(err)
	}
	st := waitMode(t, ctl, ModeMarkers)

	if st.Stations != 0 || st.Err != "" {
		t.Fatalf("confirmed-empty viewport mishandled: %+v", st)
	}
	if st.Total == nil || *st.Total != 0 {
		t.Fatal("confirmed-empty should report a total of zero")
	}
	if mk, _ := sink.counts(); mk != 0 {
		t.Fatalf("%d markers in an empty viewport", mk)
	}
}

func TestFetchFailureKeepsStreamedPages(t *testing.T) {
	box := geo.BBox{MinLon: -105.3, MinLat: 39.9, MaxLon: -105.1, MaxLat: 40.1}
	src := &fakeSource{
		preflightFn: func(geo.BBox) (usgs.PreflightResult, error) { return total(6), nil },
	}
	src.pagesFn = func(_ context.Context, b geo.BBox) ([][]gauges.Location, error) {
		return nil, &backoff.StatusError{Code: 500, Body: "boom"}
	}
	ctl, _ := newController(t, src, Config{})

	if err := ctl.ViewportSettled(context.Background(), box); err != nil {
		t.Fatal(err)
	}
	st := waitMode(t, ctl, ModeFailed)

	if st.Err == "" {
		t.Fatal("failed load should carry the error")
	}
	if st.Total != nil {
		t.Fatal("failed load must not pretend to know the rendered total")
	}
}

func TestMarkerLoadPersistsStations(t *testing.T) {
	box := geo.BBox{MinLon: -105.3, MinLat: 39.9, MaxLon: -105.1, MaxLat: 40.1}
	src := &fakeSource{
		preflightFn: func(geo.BBox) (usgs.PreflightResult, error) { return total(3), nil },
		pagesFn: func(_ context.Context, b geo.BBox) ([][]gauges.Location, error) {
			return [][]gauges.Location{locs("persist", b, 3)}, nil
		},
	}
	store := newMemStore()
	ctl, _ := newController(t, src, Config{Store: store})

	if err := ctl.ViewportSettled(context.Background(), box); err != nil {
		t.Fatal(err)
	}
	waitMode(t, ctl, ModeMarkers)

	// By the time the status reports markers, the load's stations must
	// already sit in the last-known cache.
	upserts, stations := store.stored()
	if upserts == 0 {
		t.Fatal("successful load never reached the store")
	}
	if stations != 3 {
		t.Fatalf("store holds %d stations, want 3", stations)
	}
	if !store.has("persist-000") || !store.has("persist-002") {
		t.Fatal("loaded station IDs missing from the store")
	}
}

func TestDensityLoadPersistsSample(t *testing.T) {
	box := geo.BBox{MinLon: -110, MinLat: 35, MaxLon: -100, MaxLat: 45}
	src := &fakeSource{
		preflightFn: func(geo.BBox) (usgs.PreflightResult, error) {
			return usgs.PreflightResult{Exceeds: true}, nil
		},
		pagesFn: func(_ context.Context, b geo.BBox) ([][]gauges.Location, error) {
			return [][]gauges.Location{locs("sample", b, 20)}, nil
		},
	}
	store := newMemStore()
	ctl, _ := newController(t, src, Config{Threshold: 10, Store: store})

	if err := ctl.ViewportSettled(context.Background(), box); err != nil {
		t.Fatal(err)
	}
	waitMode(t, ctl, ModeDensity)

	if _, stations := store.stored(); stations != 20 {
		t.Fatalf("density sample left %d stations in the store, want 20", stations)
	}
}

func TestInvalidViewportRejected(t *testing.T) {
	src := &fakeSource{
		preflightFn: func(geo.BBox) (usgs.PreflightResult, error) { return total(0), nil },
		pagesFn: func(_ context.Context, b geo.BBox) ([][]gauges.Location, error) {
			return nil, nil
		},
	}
	ctl, _ := newController(t, src, Config{})

	bad := geo.BBox{MinLon: -100, MinLat: 40, MaxLon: -105, MaxLat: 41}
	if err := ctl.ViewportSettled(context.Background(), bad); err == nil {
		t.Fatal("inverted bbox accepted")
	}
	if preflights, _ := src.calls(); preflights != 0 {
		t.Fatalf("invalid viewport reached upstream: %d calls", preflights)
	}
}
