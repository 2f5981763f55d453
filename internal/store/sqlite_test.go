package store

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/licensemap/licensemap/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func entry(key string, status model.GeocodeStatus, lat, lon float64) model.CacheEntry {
	return model.CacheEntry{
		Key:       key,
		Latitude:  lat,
		Longitude: lon,
		Status:    status,
		Source:    "census",
	}
}

func TestSQLite_LookupAbsent(t *testing.T) {
	st := newTestStore(t)
	got, err := st.Lookup(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_UpsertAndLookup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, entry("k1", model.StatusResolved, 25.76, -80.19)))

	got, err := st.Lookup(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusResolved, got.Status)
	assert.InDelta(t, 25.76, got.Latitude, 1e-9)
	assert.InDelta(t, -80.19, got.Longitude, 1e-9)
	assert.Equal(t, "census", got.Source)
	assert.False(t, got.LastUpdated.IsZero())
}

func TestSQLite_ResolvedNeverDowngraded(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, entry("k1", model.StatusResolved, 25.76, -80.19)))
	require.NoError(t, st.Upsert(ctx, entry("k1", model.StatusFailed, 0, 0)))

	got, err := st.Lookup(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusResolved, got.Status)
	assert.InDelta(t, 25.76, got.Latitude, 1e-9)
}

func TestSQLite_ResolvedOverwritesResolved(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, entry("k1", model.StatusResolved, 25.76, -80.19)))
	require.NoError(t, st.Upsert(ctx, entry("k1", model.StatusResolved, 27.95, -82.46)))

	got, err := st.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.InDelta(t, 27.95, got.Latitude, 1e-9)
}

func TestSQLite_FailedUpgradesToResolved(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, entry("k1", model.StatusFailed, 0, 0)))
	require.NoError(t, st.Upsert(ctx, entry("k1", model.StatusResolved, 25.76, -80.19)))

	got, err := st.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, got.Status)
}

func TestSQLite_ResolvedDiff(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertBatch(ctx, []model.CacheEntry{
		entry("hit", model.StatusResolved, 25.76, -80.19),
		entry("failed", model.StatusFailed, 0, 0),
	}))

	resolved, err := st.Resolved(ctx, []string{"hit", "failed", "miss"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Contains(t, resolved, "hit")
}

func TestSQLite_ResolvedEmptyKeys(t *testing.T) {
	st := newTestStore(t)
	resolved, err := st.Resolved(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestSQLite_ResolvedChunksLargeKeySets(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var entries []model.CacheEntry
	var keys []string
	for i := 0; i < 1200; i++ {
		key := "key-" + strconv.Itoa(i)
		entries = append(entries, entry(key, model.StatusResolved, 28.0, -81.0))
		keys = append(keys, key)
	}
	require.NoError(t, st.UpsertBatch(ctx, entries))

	resolved, err := st.Resolved(ctx, keys)
	require.NoError(t, err)
	assert.Len(t, resolved, 1200)
}

func TestSQLite_CountsAndDeleteFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertBatch(ctx, []model.CacheEntry{
		entry("r1", model.StatusResolved, 25.0, -80.0),
		entry("r2", model.StatusResolved, 26.0, -80.5),
		entry("f1", model.StatusFailed, 0, 0),
	}))

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StatusResolved])
	assert.Equal(t, 1, counts[model.StatusFailed])

	deleted, err := st.DeleteFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	counts, err = st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[model.StatusFailed])
}

func TestSQLite_SaveLocations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	lat, lon := 25.76, -80.19
	locs := []*model.LocationAggregate{
		{
			Key:           "123 MAIN STREET|SUITE 400|MIAMI|FL|33101",
			Address:       "123 MAIN STREET",
			Unit:          "SUITE 400",
			City:          "MIAMI",
			State:         "FL",
			Zip:           "33101",
			AddressType:   model.TypeCommercial,
			TotalLicenses: 3,
			Counts:        map[model.Category]int{model.CategorySalon: 1, model.CategoryBarber: 2},
			Latitude:      &lat,
			Longitude:     &lon,
		},
	}
	require.NoError(t, st.SaveLocations(ctx, "run-1", locs))

	// Re-save under a new run; the row is replaced, not duplicated.
	locs[0].TotalLicenses = 4
	require.NoError(t, st.SaveLocations(ctx, "run-2", locs))

	var n, total int
	row := st.db.QueryRow(`SELECT COUNT(*), MAX(total_licenses) FROM locations`)
	require.NoError(t, row.Scan(&n, &total))
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, total)
}
