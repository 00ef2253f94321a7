// Package database persists the last known station snapshots, their
// reading history and share-link codes. The map keeps working from this
// cache when the upstream is down; data served that way is marked stale,
// never passed off as fresh.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

// Database wraps the SQL connection together with the normalized driver
// name so query builders can pick placeholder syntax declaratively.
type Database struct {
	DB     *sql.DB
	Driver string
}

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType    string // driver name: "sqlite", "genji" or "pgx"
	DBPath    string // file path for embedded drivers
	DBConn    string // raw DSN for network drivers
	DBHost    string // PostgreSQL host
	DBPort    int    // PostgreSQL port
	DBUser    string
	DBPass    string
	DBName    string
	PGSSLMode string
	Port      int // server port, used in default database file naming
}

// normalizeDBType trims and lowercases driver names so the switch blocks
// below never miss a driver because a caller passed mixed case.
func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// NewDatabase opens the database and configures connection pooling.
// Embedded drivers (sqlite, genji) are forced into single-connection mode
// so there is never concurrent access to the underlying file.
func NewDatabase(config Config) (*Database, error) {
	driverName := normalizeDBType(config.DBType)
	var (
		dsn           string
		applyPragmas  bool
		driverForOpen = driverName
	)

	switch driverName {
	case "sqlite":
		applyPragmas = true
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("riverwatch-%d.sqlite", config.Port)
		}
	case "genji":
		// Genji manages its own transaction and caching strategy, so no
		// SQLite pragma tuning.
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("riverwatch-%d.genji", config.Port)
		}
	case "pgx":
		if strings.TrimSpace(config.DBConn) != "" {
			dsn = config.DBConn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				config.DBUser, config.DBPass, config.DBHost, config.DBPort, config.DBName, config.PGSSLMode)
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DBType)
	}

	db, err := sql.Open(driverForOpen, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch driverName {
	case "sqlite", "genji":
		// One physical connection, never recycled; no concurrent
		// statements reach the file layer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if applyPragmas {
			tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tuneSQLiteConnection(tuneCtx, db, log.Printf); err != nil {
				log.Printf("sqlite tuning skipped: %v", err)
			}
			cancel()
		}
	case "pgx":
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	// Cheap liveness probe with timeout so startup never hangs on a dead
	// database.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
	}

	log.Printf("Using database driver: %s with DSN: %s", driverName, dsn)

	return &Database{DB: db, Driver: driverName}, nil
}

// Close releases the underlying connection pool.
func (db *Database) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// tuneSQLiteConnection applies WAL/synchronous/busy pragmas. The steps run
// through a small channel pipeline so the work happens outside the caller
// goroutine, following "Don't communicate by sharing memory; share memory
// by communicating".
func tuneSQLiteConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("SQLite tuning %s -> %s", step.label, mode)
				continue
			}

			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
			logf("SQLite tuning %s applied", step.label)
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			jobs <- step
		}
	}()

	return <-errs
}

// InitSchema creates the required tables synchronously so the server can
// accept traffic immediately after startup.
func (db *Database) InitSchema() error {
	var schema string

	switch db.Driver {
	case "pgx":
		schema = `
CREATE TABLE IF NOT EXISTS stations (
  id            TEXT PRIMARY KEY,
  name          TEXT,
  lon           DOUBLE PRECISION,
  lat           DOUBLE PRECISION,
  site_type     TEXT,
  latest_height DOUBLE PRECISION,
  level         TEXT,
  updated_at    BIGINT,
  fetched_at    BIGINT
);
CREATE INDEX IF NOT EXISTS idx_stations_bounds ON stations (lat, lon);

CREATE TABLE IF NOT EXISTS readings (
  site_id     TEXT NOT NULL,
  height      DOUBLE PRECISION NOT NULL,
  measured_at BIGINT NOT NULL,
  CONSTRAINT readings_unique UNIQUE (site_id, measured_at)
);
CREATE INDEX IF NOT EXISTS idx_readings_site_time ON readings (site_id, measured_at);

CREATE TABLE IF NOT EXISTS short_links (
  id         BIGSERIAL PRIMARY KEY,
  code       TEXT UNIQUE NOT NULL,
  target     TEXT UNIQUE NOT NULL,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_short_links_target_lookup ON short_links (target);
`

	default:
		// SQLite / Genji: portable subset, unique keys as indexes.
		schema = `
CREATE TABLE IF NOT EXISTS stations (
  id            TEXT PRIMARY KEY,
  name          TEXT,
  lon           REAL,
  lat           REAL,
  site_type     TEXT,
  latest_height REAL,
  level         TEXT,
  updated_at    BIGINT,
  fetched_at    BIGINT
);
CREATE INDEX IF NOT EXISTS idx_stations_bounds ON stations (lat, lon);

CREATE TABLE IF NOT EXISTS readings (
  site_id     TEXT NOT NULL,
  height      REAL NOT NULL,
  measured_at BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_readings_unique ON readings (site_id, measured_at);
CREATE INDEX IF NOT EXISTS idx_readings_site_time ON readings (site_id, measured_at);

CREATE TABLE IF NOT EXISTS short_links (
  id         INTEGER PRIMARY KEY,
  code       TEXT NOT NULL UNIQUE,
  target     TEXT NOT NULL UNIQUE,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_short_links_target_lookup ON short_links (target);
`
	}

	// Genji and some sqlite builds dislike multi-statement Exec, so the
	// schema runs statement by statement.
	for _, raw := range strings.Split(schema, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.DB.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// placeholder returns the n-th positional placeholder in the driver's
// syntax.
func (db *Database) placeholder(n int) string {
	if db.Driver == "pgx" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// isUniqueConstraintError normalizes driver-specific duplicate errors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "already exists")
}
