package enrichment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"riverwatch-gauge-map/pkg/database"
	"riverwatch-gauge-map/pkg/usgs"
)

type fakeStore struct {
	mu       sync.Mutex
	ids      []string
	updates  map[string]float64
	readings []database.ReadingRow
}

func (s *fakeStore) StationIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...), nil
}

func (s *fakeStore) UpdateStationReading(ctx context.Context, siteID string, height float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = make(map[string]float64)
	}
	s.updates[siteID] = height
	return nil
}

func (s *fakeStore) InsertReadings(ctx context.Context, rows []database.ReadingRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, rows...)
	return nil
}

func (s *fakeStore) height(siteID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.updates[siteID]
	return h, ok
}

type fakeSource struct {
	mu       sync.Mutex
	calls    int
	failures int
	readings map[string]usgs.Reading
}

func (s *fakeSource) FetchLatestReadings(ctx context.Context, siteIDs []string) (map[string]usgs.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("upstream down")
	}
	out := make(map[string]usgs.Reading)
	for _, id := range siteIDs {
		if r, ok := s.readings[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPollerRefreshesStations(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	store := &fakeStore{ids: []string{"01646500", "01647000"}}
	source := &fakeSource{readings: map[string]usgs.Reading{
		"01646500": {SiteID: "01646500", Height: 6.2, At: now},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Start(ctx, Config{Source: source, Store: store, Interval: time.Hour, Logf: t.Logf})

	waitFor(t, "station update", func() bool {
		_, ok := store.height("01646500")
		return ok
	})

	if h, _ := store.height("01646500"); h != 6.2 {
		t.Fatalf("height %v, want 6.2", h)
	}
	if _, ok := store.height("01647000"); ok {
		t.Fatal("site without a reading must not be updated")
	}

	store.mu.Lock()
	rows := append([]database.ReadingRow(nil), store.readings...)
	store.mu.Unlock()
	if len(rows) != 1 || rows[0].SiteID != "01646500" || rows[0].Height != 6.2 {
		t.Fatalf("history rows %+v", rows)
	}
}

func TestPollerSurvivesFetchFailure(t *testing.T) {
	now := time.Now()
	store := &fakeStore{ids: []string{"01646500"}}
	source := &fakeSource{
		failures: 1,
		readings: map[string]usgs.Reading{"01646500": {SiteID: "01646500", Height: 3.1, At: now}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Start(ctx, Config{Source: source, Store: store, Interval: 5 * time.Millisecond, Logf: t.Logf})

	waitFor(t, "recovery after a failed cycle", func() bool {
		_, ok := store.height("01646500")
		return ok
	})
	if source.callCount() < 2 {
		t.Fatalf("expected a retry cycle, got %d calls", source.callCount())
	}
}

func TestPollerStopsOnCancel(t *testing.T) {
	store := &fakeStore{ids: []string{"01646500"}}
	source := &fakeSource{readings: map[string]usgs.Reading{}}

	ctx, cancel := context.WithCancel(context.Background())
	Start(ctx, Config{Source: source, Store: store, Interval: time.Millisecond, Logf: t.Logf})

	waitFor(t, "first cycle", func() bool { return source.callCount() >= 1 })
	cancel()
	time.Sleep(20 * time.Millisecond)
	settled := source.callCount()
	time.Sleep(30 * time.Millisecond)
	if source.callCount() != settled {
		t.Fatal("poller kept cycling after cancel")
	}
}
