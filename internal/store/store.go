// Package store persists the geocode cache and finalized location
// aggregates. The cache is the system's only long-lived state: it is
// what makes geocoding incremental across runs.
package store

import (
	"context"

	"github.com/licensemap/licensemap/internal/model"
)

// Store is the persistence contract for the pipeline. Upsert semantics
// are monotonic: a resolved entry is never downgraded by a later pending
// or failed write for the same key.
type Store interface {
	// Lookup returns the cache entry for a key, or nil when absent.
	Lookup(ctx context.Context, key string) (*model.CacheEntry, error)

	// Upsert writes one cache entry, subject to the monotonicity rule.
	Upsert(ctx context.Context, entry model.CacheEntry) error

	// UpsertBatch writes a batch of entries atomically. Used by the
	// checkpoint coordinator after each worker batch completes.
	UpsertBatch(ctx context.Context, entries []model.CacheEntry) error

	// Resolved returns the subset of keys that already have resolved
	// entries, with their coordinates. The caller submits only the
	// difference to the geocoding router.
	Resolved(ctx context.Context, keys []string) (map[string]model.CacheEntry, error)

	// Counts returns cache entry counts by status.
	Counts(ctx context.Context) (map[model.GeocodeStatus]int, error)

	// DeleteFailed removes failed entries so a later run re-attempts them.
	DeleteFailed(ctx context.Context) (int, error)

	// SaveLocations replaces the finalized aggregates for a run.
	SaveLocations(ctx context.Context, runID string, locs []*model.LocationAggregate) error

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	Close() error
}
