package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/licensemap/licensemap/internal/classify"
	"github.com/licensemap/licensemap/internal/model"
	"github.com/licensemap/licensemap/internal/resilience"
	"github.com/licensemap/licensemap/internal/store"
	"github.com/licensemap/licensemap/pkg/geocode"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// stubProvider returns canned results keyed by street line. The first
// flaky calls fail with a transient error before it starts answering.
type stubProvider struct {
	name   string
	batch  int
	calls  atomic.Int32
	coords map[string][2]float64 // street -> lat, lon
	err    error
	flaky  int
}

func (s *stubProvider) Name() string      { return s.name }
func (s *stubProvider) MaxBatchSize() int { return s.batch }

func (s *stubProvider) Geocode(ctx context.Context, addr geocode.AddressInput) (*geocode.Result, error) {
	results, err := s.BatchGeocode(ctx, []geocode.AddressInput{addr})
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

func (s *stubProvider) BatchGeocode(_ context.Context, addrs []geocode.AddressInput) ([]geocode.Result, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if int(n) <= s.flaky {
		return nil, resilience.Transient(errors.New("provider briefly down"), 503)
	}
	results := make([]geocode.Result, len(addrs))
	for i, addr := range addrs {
		results[i] = geocode.Result{ID: addr.ID, Source: s.name}
		if c, ok := s.coords[addr.Street]; ok {
			results[i].Latitude = c[0]
			results[i].Longitude = c[1]
			results[i].Matched = true
		}
	}
	return results, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testRecords() []model.RawRecord {
	return []model.RawRecord{
		{Street: "123 Main St, Suite 400", City: "Miami", State: "FL", Zip: "33101", Category: model.CategorySalon},
		{Street: "123 MAIN STREET STE 400", City: "MIAMI", State: "FL", Zip: "33101-4747", Category: model.CategoryBarber},
		{Street: "9 Elm Dr", City: "Tampa", State: "FL", Zip: "33601", Category: model.CategoryCosmetologist},
		{Street: "PO BOX 552", City: "Tampa", State: "FL", Zip: "33601", Category: model.CategoryOwner},
		{Street: "1", City: "Tampa", State: "FL", Zip: "33601", Category: model.CategoryOwner},
	}
}

func testCoords() map[string][2]float64 {
	return map[string][2]float64{
		"123 MAIN STREET SUITE 400": {25.7617, -80.1918},
		"9 ELM DRIVE":               {27.9506, -82.4572},
	}
}

func TestRun_FullPipeline(t *testing.T) {
	st := newTestStore(t)
	bulk := &stubProvider{name: "census", batch: 5000, coords: testCoords()}
	eng := New(st, bulk, nil, Config{Retry: resilience.Policy{MaxAttempts: 1}})

	result, err := eng.Run(context.Background(), testRecords())
	require.NoError(t, err)

	s := result.Summary
	assert.Equal(t, 5, s.InputRecords)
	assert.Equal(t, 3, s.Accepted)
	assert.Equal(t, 1, s.Rejected[model.RejectPOBox])
	assert.Equal(t, 1, s.Rejected[model.RejectUnparsable])
	assert.Equal(t, 2, s.Locations)
	assert.Equal(t, 0, s.CacheHits)
	assert.Equal(t, 2, s.Submitted)
	assert.Equal(t, 2, s.Resolved)
	assert.Equal(t, 0, s.Failed)
	assert.Equal(t, string(LaneBulk), s.Lane)

	require.Len(t, result.Locations, 2)
	main := result.Locations[0]
	assert.Equal(t, "123 MAIN STREET|SUITE 400|MIAMI|FL|33101", main.Key)
	assert.Equal(t, 2, main.TotalLicenses)
	assert.Equal(t, model.TypeCommercial, main.AddressType)
	require.NotNil(t, main.Latitude)
	assert.InDelta(t, 25.7617, *main.Latitude, 1e-6)

	elm := result.Locations[1]
	assert.Equal(t, model.TypeResidential, elm.AddressType)
	require.NotNil(t, elm.Latitude)
}

func TestRun_SecondRunHitsCache(t *testing.T) {
	st := newTestStore(t)
	bulk := &stubProvider{name: "census", batch: 5000, coords: testCoords()}
	eng := New(st, bulk, nil, Config{Retry: resilience.Policy{MaxAttempts: 1}})
	ctx := context.Background()

	_, err := eng.Run(ctx, testRecords())
	require.NoError(t, err)
	firstCalls := bulk.calls.Load()

	result, err := eng.Run(ctx, testRecords())
	require.NoError(t, err)

	s := result.Summary
	assert.Equal(t, 2, s.CacheHits)
	assert.Equal(t, 0, s.Submitted)
	assert.Equal(t, 0, s.ProviderCalls)
	assert.Equal(t, firstCalls, bulk.calls.Load())

	// Cached coordinates still attach.
	require.NotNil(t, result.Locations[0].Latitude)
	assert.InDelta(t, 25.7617, *result.Locations[0].Latitude, 1e-6)
}

func TestRun_FastLaneWhenSmallAndAvailable(t *testing.T) {
	st := newTestStore(t)
	bulk := &stubProvider{name: "census", batch: 5000, coords: testCoords()}
	fast := &stubProvider{name: "mapbox", batch: 200, coords: testCoords()}
	eng := New(st, bulk, fast, Config{Retry: resilience.Policy{MaxAttempts: 1}})

	result, err := eng.Run(context.Background(), testRecords())
	require.NoError(t, err)

	assert.Equal(t, string(LaneFast), result.Summary.Lane)
	assert.Equal(t, int32(0), bulk.calls.Load())
	assert.Positive(t, fast.calls.Load())
}

func TestRun_BulkLaneWhenPendingExceedsLimit(t *testing.T) {
	st := newTestStore(t)
	bulk := &stubProvider{name: "census", batch: 5000}
	fast := &stubProvider{name: "mapbox", batch: 200}
	eng := New(st, bulk, fast, Config{FastLaneLimit: 1, Retry: resilience.Policy{MaxAttempts: 1}})

	result, err := eng.Run(context.Background(), testRecords())
	require.NoError(t, err)

	assert.Equal(t, string(LaneBulk), result.Summary.Lane)
	assert.Equal(t, int32(0), fast.calls.Load())
}

func TestRun_OutOfBoundsIsFailedNotResolved(t *testing.T) {
	st := newTestStore(t)
	// Atlanta coordinates for a Florida address.
	bulk := &stubProvider{name: "census", batch: 5000, coords: map[string][2]float64{
		"9 ELM DRIVE": {33.7490, -84.3880},
	}}
	eng := New(st, bulk, nil, Config{Retry: resilience.Policy{MaxAttempts: 1}})

	result, err := eng.Run(context.Background(), []model.RawRecord{
		{Street: "9 Elm Dr", City: "Tampa", State: "FL", Zip: "33601", Category: model.CategoryBarber},
	})
	require.NoError(t, err)

	s := result.Summary
	assert.Equal(t, 0, s.Resolved)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.OutOfBounds)
	assert.Nil(t, result.Locations[0].Latitude)

	entry, err := st.Lookup(context.Background(), result.Locations[0].Key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.StatusFailed, entry.Status)
}

func TestRun_ProviderFailureDegradesToFailedEntries(t *testing.T) {
	st := newTestStore(t)
	bulk := &stubProvider{name: "census", batch: 5000, err: errors.New("provider down")}
	eng := New(st, bulk, nil, Config{Retry: resilience.Policy{MaxAttempts: 1}})

	result, err := eng.Run(context.Background(), testRecords())
	require.NoError(t, err)

	s := result.Summary
	assert.Equal(t, 2, s.Submitted)
	assert.Equal(t, 0, s.Resolved)
	assert.Equal(t, 2, s.Failed)

	// Failed entries checkpointed: visible in the cache.
	counts, err := st.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StatusFailed])
}

func TestRun_FailedEntriesRetriedNextRun(t *testing.T) {
	st := newTestStore(t)
	bulk := &stubProvider{name: "census", batch: 5000, err: errors.New("provider down")}
	eng := New(st, bulk, nil, Config{Retry: resilience.Policy{MaxAttempts: 1}})
	ctx := context.Background()

	_, err := eng.Run(ctx, testRecords())
	require.NoError(t, err)

	// Provider recovers; failed keys are not cache hits, so they are
	// resubmitted and upgraded to resolved.
	bulk.err = nil
	bulk.coords = testCoords()

	result, err := eng.Run(ctx, testRecords())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Summary.CacheHits)
	assert.Equal(t, 2, result.Summary.Resolved)
}

func TestRun_ProviderCallsCountRetries(t *testing.T) {
	st := newTestStore(t)
	bulk := &stubProvider{name: "census", batch: 5000, coords: testCoords(), flaky: 1}
	eng := New(st, bulk, nil, Config{
		Retry: resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})

	result, err := eng.Run(context.Background(), testRecords())
	require.NoError(t, err)

	// One failed attempt plus the successful retry.
	assert.Equal(t, int32(2), bulk.calls.Load())
	assert.Equal(t, 2, result.Summary.ProviderCalls)
	assert.Equal(t, 2, result.Summary.Resolved)
}

func TestNew_ClassifyDefaultsPerField(t *testing.T) {
	st := newTestStore(t)
	eng := New(st, &stubProvider{name: "census", batch: 5000}, nil, Config{
		Classify: classify.Policy{CommercialKeywords: []string{"ARCADE"}},
	})

	// Caller-supplied keywords survive; the unset fields take defaults.
	assert.Equal(t, []string{"ARCADE"}, eng.cfg.Classify.CommercialKeywords)
	assert.Equal(t, classify.DefaultPolicy().ResidentialMarkers, eng.cfg.Classify.ResidentialMarkers)
	assert.Equal(t, classify.DefaultPolicy().DensityThreshold, eng.cfg.Classify.DensityThreshold)
}

// failingStore wraps a Store and fails every UpsertBatch.
type failingStore struct {
	store.Store
}

func (f *failingStore) UpsertBatch(ctx context.Context, entries []model.CacheEntry) error {
	return errors.New("disk full")
}

func TestRun_CheckpointFailureIsFatal(t *testing.T) {
	st := &failingStore{Store: newTestStore(t)}
	bulk := &stubProvider{name: "census", batch: 5000, coords: testCoords()}
	eng := New(st, bulk, nil, Config{Retry: resilience.Policy{MaxAttempts: 1}})

	_, err := eng.Run(context.Background(), testRecords())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint")
}

func TestRun_CanceledContext(t *testing.T) {
	st := newTestStore(t)
	bulk := &stubProvider{name: "census", batch: 1, coords: testCoords()}
	eng := New(st, bulk, nil, Config{Workers: 1, Retry: resilience.Policy{MaxAttempts: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Run(ctx, testRecords())
	require.Error(t, err)
}
