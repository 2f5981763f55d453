package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/licensemap/licensemap/internal/model"
)

// SQLiteStore implements Store on modernc.org/sqlite. The default
// backend for single-node runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS geocode_cache (
	address_key  TEXT PRIMARY KEY,
	latitude     REAL NOT NULL DEFAULT 0,
	longitude    REAL NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	source       TEXT,
	last_updated DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS locations (
	address_key    TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	address_clean  TEXT NOT NULL,
	unit           TEXT,
	city_clean     TEXT NOT NULL,
	state          TEXT NOT NULL,
	zip_clean      TEXT,
	address_type   TEXT NOT NULL,
	total_licenses INTEGER NOT NULL,
	counts         TEXT NOT NULL,
	latitude       REAL,
	longitude      REAL,
	updated_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_geocode_cache_status ON geocode_cache(status);
CREATE INDEX IF NOT EXISTS idx_locations_state ON locations(state);
CREATE INDEX IF NOT EXISTS idx_locations_type ON locations(address_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Lookup(ctx context.Context, key string) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address_key, latitude, longitude, status, source, last_updated
		 FROM geocode_cache WHERE address_key = ?`,
		key,
	)

	var e model.CacheEntry
	var source sql.NullString
	err := row.Scan(&e.Key, &e.Latitude, &e.Longitude, &e.Status, &source, &e.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lookup")
	}
	e.Source = source.String
	return &e, nil
}

// sqliteUpsert only overwrites a resolved row with another resolved row;
// pending and failed writes never clobber a good coordinate.
const sqliteUpsert = `
INSERT INTO geocode_cache (address_key, latitude, longitude, status, source, last_updated)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (address_key) DO UPDATE SET
	latitude = excluded.latitude,
	longitude = excluded.longitude,
	status = excluded.status,
	source = excluded.source,
	last_updated = excluded.last_updated
WHERE geocode_cache.status <> 'resolved' OR excluded.status = 'resolved'`

func (s *SQLiteStore) Upsert(ctx context.Context, entry model.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, sqliteUpsert,
		entry.Key, entry.Latitude, entry.Longitude, string(entry.Status),
		nullIfEmpty(entry.Source), upsertTime(entry),
	)
	return eris.Wrapf(err, "sqlite: upsert %s", entry.Key)
}

func (s *SQLiteStore) UpsertBatch(ctx context.Context, entries []model.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert batch")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close()

	for _, entry := range entries {
		_, err := stmt.ExecContext(ctx,
			entry.Key, entry.Latitude, entry.Longitude, string(entry.Status),
			nullIfEmpty(entry.Source), upsertTime(entry),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert batch %s", entry.Key)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert batch")
}

func (s *SQLiteStore) Resolved(ctx context.Context, keys []string) (map[string]model.CacheEntry, error) {
	out := make(map[string]model.CacheEntry)
	if len(keys) == 0 {
		return out, nil
	}

	// SQLite caps bound parameters; chunk the IN clause.
	const chunkSize = 500
	for start := 0; start < len(keys); start += chunkSize {
		end := start + chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT address_key, latitude, longitude, status, source, last_updated
			 FROM geocode_cache
			 WHERE status = 'resolved' AND address_key IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: resolved query")
		}
		for rows.Next() {
			var e model.CacheEntry
			var source sql.NullString
			if err := rows.Scan(&e.Key, &e.Latitude, &e.Longitude, &e.Status, &source, &e.LastUpdated); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "sqlite: scan resolved")
			}
			e.Source = source.String
			out[e.Key] = e
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "sqlite: iterate resolved")
		}
	}
	return out, nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (map[model.GeocodeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM geocode_cache GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: counts")
	}
	defer rows.Close()

	out := make(map[model.GeocodeStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan counts")
		}
		out[model.GeocodeStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate counts")
}

func (s *SQLiteStore) DeleteFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM geocode_cache WHERE status = 'failed'`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete failed")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) SaveLocations(ctx context.Context, runID string, locs []*model.LocationAggregate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save locations")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO locations (address_key, run_id, address_clean, unit, city_clean, state,
			zip_clean, address_type, total_licenses, counts, latitude, longitude, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address_key) DO UPDATE SET
			run_id = excluded.run_id,
			address_clean = excluded.address_clean,
			unit = excluded.unit,
			city_clean = excluded.city_clean,
			state = excluded.state,
			zip_clean = excluded.zip_clean,
			address_type = excluded.address_type,
			total_licenses = excluded.total_licenses,
			counts = excluded.counts,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			updated_at = excluded.updated_at`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare save locations")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, loc := range locs {
		countsJSON, err := json.Marshal(loc.Counts)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal counts %s", loc.Key)
		}
		_, err = stmt.ExecContext(ctx,
			loc.Key, runID, loc.Address, nullIfEmpty(loc.Unit), loc.City, loc.State,
			nullIfEmpty(loc.Zip), string(loc.AddressType), loc.TotalLicenses,
			string(countsJSON), loc.Latitude, loc.Longitude, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save location %s", loc.Key)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save locations")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func upsertTime(entry model.CacheEntry) time.Time {
	if entry.LastUpdated.IsZero() {
		return time.Now().UTC()
	}
	return entry.LastUpdated
}
