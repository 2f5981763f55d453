package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/licensemap/licensemap/internal/model"
)

// PgxPool is the subset of pgxpool.Pool the store uses. Narrowed so
// tests can substitute pgxmock.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store on a pgx connection pool. Per-key
// atomic upserts make it safe under concurrent pipeline runs.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgres connects to the database at the given URL.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool (or mock).
func NewPostgresFromPool(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS geocode_cache (
	address_key  TEXT PRIMARY KEY,
	latitude     DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude    DOUBLE PRECISION NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	source       TEXT,
	last_updated TIMESTAMPTZ NOT NULL
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
	counts         JSONB NOT NULL,
	latitude       DOUBLE PRECISION,
	longitude      DOUBLE PRECISION,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_geocode_cache_status ON geocode_cache(status);
CREATE INDEX IF NOT EXISTS idx_locations_state ON locations(state);
CREATE INDEX IF NOT EXISTS idx_locations_type ON locations(address_type);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Lookup(ctx context.Context, key string) (*model.CacheEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT address_key, latitude, longitude, status, source, last_updated
		 FROM geocode_cache WHERE address_key = $1`,
		key,
	)

	var e model.CacheEntry
	var source *string
	err := row.Scan(&e.Key, &e.Latitude, &e.Longitude, &e.Status, &source, &e.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lookup")
	}
	if source != nil {
		e.Source = *source
	}
	return &e, nil
}

// postgresUpsert mirrors the SQLite guard: resolved rows are only ever
// replaced by resolved rows.
const postgresUpsert = `
INSERT INTO geocode_cache (address_key, latitude, longitude, status, source, last_updated)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (address_key) DO UPDATE SET
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	status = EXCLUDED.status,
	source = EXCLUDED.source,
	last_updated = EXCLUDED.last_updated
WHERE geocode_cache.status <> 'resolved' OR EXCLUDED.status = 'resolved'`

func (s *PostgresStore) Upsert(ctx context.Context, entry model.CacheEntry) error {
	_, err := s.pool.Exec(ctx, postgresUpsert,
		entry.Key, entry.Latitude, entry.Longitude, string(entry.Status),
		nullIfEmpty(entry.Source), upsertTime(entry),
	)
	return eris.Wrapf(err, "postgres: upsert %s", entry.Key)
}

func (s *PostgresStore) UpsertBatch(ctx context.Context, entries []model.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert batch")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, entry := range entries {
		_, err := tx.Exec(ctx, postgresUpsert,
			entry.Key, entry.Latitude, entry.Longitude, string(entry.Status),
			nullIfEmpty(entry.Source), upsertTime(entry),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert batch %s", entry.Key)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert batch")
}

func (s *PostgresStore) Resolved(ctx context.Context, keys []string) (map[string]model.CacheEntry, error) {
	out := make(map[string]model.CacheEntry)
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT address_key, latitude, longitude, status, source, last_updated
		 FROM geocode_cache
		 WHERE status = 'resolved' AND address_key = ANY($1)`,
		keys,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: resolved query")
	}
	defer rows.Close()

	for rows.Next() {
		var e model.CacheEntry
		var source *string
		if err := rows.Scan(&e.Key, &e.Latitude, &e.Longitude, &e.Status, &source, &e.LastUpdated); err != nil {
			return nil, eris.Wrap(err, "postgres: scan resolved")
		}
		if source != nil {
			e.Source = *source
		}
		out[e.Key] = e
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate resolved")
}

func (s *PostgresStore) Counts(ctx context.Context) (map[model.GeocodeStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM geocode_cache GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: counts")
	}
	defer rows.Close()

	out := make(map[model.GeocodeStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan counts")
		}
		out[model.GeocodeStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate counts")
}

func (s *PostgresStore) DeleteFailed(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM geocode_cache WHERE status = 'failed'`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete failed")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SaveLocations(ctx context.Context, runID string, locs []*model.LocationAggregate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save locations")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, loc := range locs {
		countsJSON, err := json.Marshal(loc.Counts)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal counts %s", loc.Key)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO locations (address_key, run_id, address_clean, unit, city_clean, state,
				zip_clean, address_type, total_licenses, counts, latitude, longitude, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (address_key) DO UPDATE SET
				run_id = EXCLUDED.run_id,
				address_clean = EXCLUDED.address_clean,
				unit = EXCLUDED.unit,
				city_clean = EXCLUDED.city_clean,
				state = EXCLUDED.state,
				zip_clean = EXCLUDED.zip_clean,
				address_type = EXCLUDED.address_type,
				total_licenses = EXCLUDED.total_licenses,
				counts = EXCLUDED.counts,
				latitude = EXCLUDED.latitude,
				longitude = EXCLUDED.longitude,
				updated_at = EXCLUDED.updated_at`,
			loc.Key, runID, loc.Address, nullIfEmpty(loc.Unit), loc.City, loc.State,
			nullIfEmpty(loc.Zip), string(loc.AddressType), loc.TotalLicenses,
			countsJSON, loc.Latitude, loc.Longitude, now,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: save location %s", loc.Key)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit save locations")
}
