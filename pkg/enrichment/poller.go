// Package enrichment keeps cached stations' latest gauge heights fresh.
// A background poller walks the station cache on a timer, asks the
// instantaneous-values service for the newest reading per site and folds
// the answers back into the cache and the readings history.
package enrichment

import (
	"context"
	"fmt"
	"time"

	"riverwatch-gauge-map/pkg/database"
	"riverwatch-gauge-map/pkg/logger"
	"riverwatch-gauge-map/pkg/usgs"
)

// defaultInterval paces cycles well inside the upstream's comfort zone;
// gauge heights rarely change faster than this anyway.
const defaultInterval = 15 * time.Minute

// Source yields the newest reading per site. *usgs.Client satisfies it.
type Source interface {
	FetchLatestReadings(ctx context.Context, siteIDs []string) (map[string]usgs.Reading, error)
}

// Store is the slice of the database the poller needs.
type Store interface {
	StationIDs(ctx context.Context) ([]string, error)
	UpdateStationReading(ctx context.Context, siteID string, height float64, at time.Time) error
	InsertReadings(ctx context.Context, readings []database.ReadingRow) error
}

type Config struct {
	Source   Source
	Store    Store
	Interval time.Duration
	Logf     func(string, ...any)
}

// Start runs the poller until ctx is cancelled. A failed cycle logs its
// whole trace and waits for the next tick; the poller itself never gives
// up. Each cycle's chatter is buffered so a healthy poll costs one log
// line.
func Start(ctx context.Context, cfg Config) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	buf := logger.New(cfg.Logf)

	go func() {
		defer buf.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for n := 1; ; n++ {
			runCycle(ctx, cfg, buf, n)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func runCycle(ctx context.Context, cfg Config, buf *logger.Buffer, n int) {
	id := fmt.Sprintf("enrich-%d", n)
	buf.Begin(id)
	start := time.Now()

	ids, err := cfg.Store.StationIDs(ctx)
	if err != nil {
		buf.FlushError(id, fmt.Errorf("list stations: %w", err))
		return
	}
	if len(ids) == 0 {
		buf.Success(id, "no cached stations yet")
		return
	}
	buf.Append(id, fmt.Sprintf("refreshing %d stations", len(ids)))

	readings, err := cfg.Source.FetchLatestReadings(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			buf.Success(id, "shutting down")
			return
		}
		buf.FlushError(id, fmt.Errorf("fetch readings: %w", err))
		return
	}

	rows := make([]database.ReadingRow, 0, len(readings))
	updated := 0
	for site, r := range readings {
		if err := cfg.Store.UpdateStationReading(ctx, site, r.Height, r.At); err != nil {
			buf.Append(id, fmt.Sprintf("station %s: %v", site, err))
			continue
		}
		updated++
		rows = append(rows, database.ReadingRow{SiteID: site, Height: r.Height, At: r.At})
	}
	if err := cfg.Store.InsertReadings(ctx, rows); err != nil {
		buf.FlushError(id, fmt.Errorf("store history: %w", err))
		return
	}
	buf.Success(id, fmt.Sprintf("%d/%d stations refreshed in %s",
		updated, len(ids), time.Since(start).Round(time.Millisecond)))
}
