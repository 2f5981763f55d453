package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/licensemap/licensemap/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresFromPool(mock), mock
}

func TestPostgres_Migrate(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS geocode_cache").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, st.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LookupHit(t *testing.T) {
	st, mock := newMockStore(t)

	now := time.Now().UTC()
	source := "census"
	mock.ExpectQuery("SELECT address_key, latitude, longitude, status, source, last_updated").
		WithArgs("k1").
		WillReturnRows(pgxmock.NewRows(
			[]string{"address_key", "latitude", "longitude", "status", "source", "last_updated"}).
			AddRow("k1", 25.76, -80.19, model.StatusResolved, &source, now))

	got, err := st.Lookup(context.Background(), "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusResolved, got.Status)
	assert.Equal(t, "census", got.Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LookupAbsent(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT address_key, latitude, longitude, status, source, last_updated").
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows(
			[]string{"address_key", "latitude", "longitude", "status", "source", "last_updated"}))

	got, err := st.Lookup(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Upsert(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO geocode_cache").
		WithArgs("k1", 25.76, -80.19, "resolved", "census", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := st.Upsert(context.Background(), model.CacheEntry{
		Key: "k1", Latitude: 25.76, Longitude: -80.19,
		Status: model.StatusResolved, Source: "census",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertBatchTransactional(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO geocode_cache").
		WithArgs("k1", 25.0, -80.0, "resolved", "census", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO geocode_cache").
		WithArgs("k2", 0.0, 0.0, "failed", "census", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := st.UpsertBatch(context.Background(), []model.CacheEntry{
		{Key: "k1", Latitude: 25.0, Longitude: -80.0, Status: model.StatusResolved, Source: "census"},
		{Key: "k2", Status: model.StatusFailed, Source: "census"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertBatchRollsBackOnError(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO geocode_cache").
		WithArgs("k1", 25.0, -80.0, "resolved", "census", pgxmock.AnyArg()).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := st.UpsertBatch(context.Background(), []model.CacheEntry{
		{Key: "k1", Latitude: 25.0, Longitude: -80.0, Status: model.StatusResolved, Source: "census"},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Resolved(t *testing.T) {
	st, mock := newMockStore(t)

	now := time.Now().UTC()
	source := "census"
	mock.ExpectQuery("WHERE status = 'resolved' AND address_key = ANY").
		WithArgs([]string{"hit", "miss"}).
		WillReturnRows(pgxmock.NewRows(
			[]string{"address_key", "latitude", "longitude", "status", "source", "last_updated"}).
			AddRow("hit", 25.76, -80.19, model.StatusResolved, &source, now))

	resolved, err := st.Resolved(context.Background(), []string{"hit", "miss"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Contains(t, resolved, "hit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CountsAndDeleteFailed(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("resolved", 10).
			AddRow("failed", 3))

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, counts[model.StatusResolved])
	assert.Equal(t, 3, counts[model.StatusFailed])

	mock.ExpectExec("DELETE FROM geocode_cache WHERE status = 'failed'").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	deleted, err := st.DeleteFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
