package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"riverwatch-gauge-map/pkg/gauges"
	"riverwatch-gauge-map/pkg/geo"
)

// =======================
// Station cache persistence
// =======================

// CachedStation is a station snapshot together with when it was fetched,
// so handlers can tell the browser how stale a served record is.
type CachedStation struct {
	gauges.Station
	FetchedAt time.Time `json:"fetchedAt"`
}

// UpsertStations stores the given snapshots, updating rows that already
// exist. The update-then-insert dance is portable across all three
// drivers; ON CONFLICT upserts are not.
func (db *Database) UpsertStations(ctx context.Context, stations []gauges.Station, fetchedAt time.Time) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if len(stations) == 0 {
		return nil
	}

	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stations upsert: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	update := fmt.Sprintf(`UPDATE stations
SET name=%s, lon=%s, lat=%s, site_type=%s, latest_height=%s, level=%s, updated_at=%s, fetched_at=%s
WHERE id=%s`,
		db.placeholder(1), db.placeholder(2), db.placeholder(3), db.placeholder(4),
		db.placeholder(5), db.placeholder(6), db.placeholder(7), db.placeholder(8), db.placeholder(9))
	insert := fmt.Sprintf(`INSERT INTO stations (id, name, lon, lat, site_type, latest_height, level, updated_at, fetched_at)
VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		db.placeholder(1), db.placeholder(2), db.placeholder(3), db.placeholder(4),
		db.placeholder(5), db.placeholder(6), db.placeholder(7), db.placeholder(8), db.placeholder(9))

	for _, st := range stations {
		if strings.TrimSpace(st.ID) == "" {
			continue
		}
		var height sql.NullFloat64
		if st.LatestHeight != nil {
			height = sql.NullFloat64{Float64: *st.LatestHeight, Valid: true}
		}
		var updatedAt int64
		if !st.LastUpdated.IsZero() {
			updatedAt = st.LastUpdated.Unix()
		}

		res, err := tx.ExecContext(ctx, update,
			st.Name, st.Lon, st.Lat, string(st.SiteType), height, string(st.Level), updatedAt, fetchedAt.Unix(), st.ID)
		if err != nil {
			return fmt.Errorf("update station %s: %w", st.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, insert,
			st.ID, st.Name, st.Lon, st.Lat, string(st.SiteType), height, string(st.Level), updatedAt, fetchedAt.Unix()); err != nil {
			if isUniqueConstraintError(err) {
				continue
			}
			return fmt.Errorf("insert station %s: %w", st.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stations upsert: %w", err)
	}
	return nil
}

// StreamStationsByBounds streams cached stations row by row through a
// channel. It avoids loading large result sets into memory and stops when
// the context is done.
func (db *Database) StreamStationsByBounds(ctx context.Context, bbox geo.BBox) (<-chan CachedStation, <-chan error) {
	out := make(chan CachedStation)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		query := fmt.Sprintf(`SELECT id, name, lon, lat, site_type, latest_height, level, updated_at, fetched_at
FROM stations
WHERE lat BETWEEN %s AND %s AND lon BETWEEN %s AND %s`,
			db.placeholder(1), db.placeholder(2), db.placeholder(3), db.placeholder(4))

		rows, err := db.DB.QueryContext(ctx, query, bbox.MinLat, bbox.MaxLat, bbox.MinLon, bbox.MaxLon)
		if err != nil {
			errCh <- fmt.Errorf("query stations: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				st        CachedStation
				siteType  string
				level     string
				height    sql.NullFloat64
				updatedAt int64
				fetchedAt int64
			)
			if err := rows.Scan(&st.ID, &st.Name, &st.Lon, &st.Lat, &siteType, &height, &level, &updatedAt, &fetchedAt); err != nil {
				errCh <- fmt.Errorf("scan station: %w", err)
				return
			}
			st.SiteType = gauges.SiteType(siteType)
			st.Level = gauges.Level(level)
			if st.Level == "" {
				st.Level = gauges.LevelUnknown
			}
			if height.Valid {
				h := height.Float64
				st.LatestHeight = &h
			}
			if updatedAt > 0 {
				st.LastUpdated = time.Unix(updatedAt, 0).UTC()
			}
			st.FetchedAt = time.Unix(fetchedAt, 0).UTC()

			select {
			case out <- st:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("iterate stations: %w", err)
		}
	}()

	return out, errCh
}

// UpdateStationReading refreshes one cached station's latest height and
// derived level without touching its location columns. Missing rows are
// not an error; the station cache may have been trimmed between the id
// walk and the readings fetch.
func (db *Database) UpdateStationReading(ctx context.Context, siteID string, height float64, at time.Time) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	query := fmt.Sprintf(`UPDATE stations SET latest_height=%s, level=%s, updated_at=%s WHERE id=%s`,
		db.placeholder(1), db.placeholder(2), db.placeholder(3), db.placeholder(4))
	if _, err := db.DB.ExecContext(ctx, query, height, string(gauges.LevelFor(height)), at.Unix(), siteID); err != nil {
		return fmt.Errorf("update reading %s: %w", siteID, err)
	}
	return nil
}

// StationIDs returns every cached site id. The enrichment poller walks
// this list to refresh latest heights.
func (db *Database) StationIDs(ctx context.Context) ([]string, error) {
	if db == nil || db.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	rows, err := db.DB.QueryContext(ctx, `SELECT id FROM stations`)
	if err != nil {
		return nil, fmt.Errorf("query station ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan station id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =================
// Reading history
// =================

// ReadingRow is one gauge-height observation kept for the history chart.
type ReadingRow struct {
	SiteID string    `json:"siteId"`
	Height float64   `json:"height"`
	At     time.Time `json:"at"`
}

// InsertReadings appends observations, silently skipping duplicates so the
// poller can re-deliver overlapping windows.
func (db *Database) InsertReadings(ctx context.Context, readings []ReadingRow) error {
	if db == nil || db.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if len(readings) == 0 {
		return nil
	}

	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin readings insert: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	insert := fmt.Sprintf(`INSERT INTO readings (site_id, height, measured_at) VALUES (%s,%s,%s)`,
		db.placeholder(1), db.placeholder(2), db.placeholder(3))

	for _, r := range readings {
		if strings.TrimSpace(r.SiteID) == "" || r.At.IsZero() {
			continue
		}
		if _, err := tx.ExecContext(ctx, insert, r.SiteID, r.Height, r.At.Unix()); err != nil {
			if isUniqueConstraintError(err) {
				continue
			}
			return fmt.Errorf("insert reading %s: %w", r.SiteID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit readings insert: %w", err)
	}
	return nil
}

// ReadingsForStation returns a station's history newest first, bounded by
// since and limit so the chart panel never pulls unbounded rows.
func (db *Database) ReadingsForStation(ctx context.Context, siteID string, since time.Time, limit int) ([]ReadingRow, error) {
	if db == nil || db.DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 500
	}

	query := fmt.Sprintf(`SELECT site_id, height, measured_at
FROM readings
WHERE site_id = %s AND measured_at >= %s
ORDER BY measured_at DESC
LIMIT %d`, db.placeholder(1), db.placeholder(2), limit)

	rows, err := db.DB.QueryContext(ctx, query, siteID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []ReadingRow
	for rows.Next() {
		var (
			r  ReadingRow
			at int64
		)
		if err := rows.Scan(&r.SiteID, &r.Height, &at); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.At = time.Unix(at, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
