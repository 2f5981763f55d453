// Package engine orchestrates the address resolution pipeline: normalize
// raw records, aggregate per location, classify, then resolve missing
// coordinates through a hybrid, checkpointed geocoding pool.
package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/licensemap/licensemap/internal/aggregate"
	"github.com/licensemap/licensemap/internal/bounds"
	"github.com/licensemap/licensemap/internal/classify"
	"github.com/licensemap/licensemap/internal/model"
	"github.com/licensemap/licensemap/internal/normalize"
	"github.com/licensemap/licensemap/internal/resilience"
	"github.com/licensemap/licensemap/internal/store"
	"github.com/licensemap/licensemap/pkg/geocode"
)

// Config tunes the engine.
type Config struct {
	// Workers bounds concurrent in-flight provider batches.
	Workers int

	// FastLaneLimit is the largest pending set the fast lane accepts.
	FastLaneLimit int

	// Retry applies per batch around provider calls.
	Retry resilience.Policy

	// Classify is the classification policy.
	Classify classify.Policy
}

// Engine runs the pipeline. The bulk provider is required; the fast
// provider is optional and enables the fast lane when present.
type Engine struct {
	store store.Store
	bulk  geocode.Provider
	fast  geocode.Provider
	cfg   Config
}

// New creates an Engine. A nil fast provider disables the fast lane.
func New(st store.Store, bulk, fast geocode.Provider, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.FastLaneLimit <= 0 {
		cfg.FastLaneLimit = 3000
	}
	def := classify.DefaultPolicy()
	if len(cfg.Classify.CommercialKeywords) == 0 {
		cfg.Classify.CommercialKeywords = def.CommercialKeywords
	}
	if len(cfg.Classify.ResidentialMarkers) == 0 {
		cfg.Classify.ResidentialMarkers = def.ResidentialMarkers
	}
	if cfg.Classify.DensityThreshold <= 0 {
		cfg.Classify.DensityThreshold = def.DensityThreshold
	}
	return &Engine{store: st, bulk: bulk, fast: fast, cfg: cfg}
}

// RunResult is the finalized output of one pipeline run.
type RunResult struct {
	RunID     string
	Locations []*model.LocationAggregate
	Summary   model.RunSummary
}

// pendingAddr is one cache-miss location queued for geocoding.
type pendingAddr struct {
	key   string
	state string
	input geocode.AddressInput
}

// batchOutcome is one worker batch's result set, folded in by the
// coordinator after the pool drains. Workers share nothing else.
type batchOutcome struct {
	entries     []model.CacheEntry
	calls       int
	outOfBounds int
}

// Run executes the full pipeline over a batch of raw records and returns
// the classified, geocoded locations plus a per-run accounting summary.
// Persistence failures abort the run; input rejections and geocode
// failures are counted, never fatal.
func (e *Engine) Run(ctx context.Context, records []model.RawRecord) (*RunResult, error) {
	runID := uuid.New().String()
	summary := model.RunSummary{
		RunID:        runID,
		InputRecords: len(records),
		Rejected:     make(map[model.RejectReason]int),
		StartedAt:    time.Now().UTC(),
	}

	// Normalize and aggregate. Single-threaded: cheap and CPU-bound at
	// this volume, and order independence is guaranteed by the
	// aggregator rather than by careful sequencing.
	agg := aggregate.New()
	for _, rec := range records {
		addr, reason := normalize.Normalize(rec)
		if reason != "" {
			summary.Rejected[reason]++
			zap.L().Debug("record rejected",
				zap.String("reason", string(reason)),
				zap.String("street", rec.Street),
			)
			continue
		}
		agg.Add(addr, rec.Category)
		summary.Accepted++
	}

	locs := agg.Locations()
	e.cfg.Classify.Apply(locs)
	summary.Locations = len(locs)

	// Incremental geocoding: only keys without a resolved cache entry
	// are submitted to the router.
	keys := make([]string, len(locs))
	for i, loc := range locs {
		keys[i] = loc.Key
	}
	resolved, err := e.store.Resolved(ctx, keys)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load resolved keys")
	}
	summary.CacheHits = len(resolved)

	var misses []pendingAddr
	for _, loc := range locs {
		if _, ok := resolved[loc.Key]; ok {
			continue
		}
		street := loc.Address
		if loc.Unit != "" {
			street += " " + loc.Unit
		}
		misses = append(misses, pendingAddr{
			key:   loc.Key,
			state: loc.State,
			input: geocode.AddressInput{Street: street, City: loc.City, State: loc.State, Zip: loc.Zip},
		})
	}
	summary.Submitted = len(misses)

	if len(misses) > 0 {
		fresh, err := e.dispatch(ctx, misses, &summary)
		if err != nil {
			return nil, err
		}
		for k, v := range fresh {
			resolved[k] = v
		}
	}

	// Attach coordinates.
	for _, loc := range locs {
		if entry, ok := resolved[loc.Key]; ok && entry.Status == model.StatusResolved {
			lat, lon := entry.Latitude, entry.Longitude
			loc.Latitude = &lat
			loc.Longitude = &lon
		}
	}

	if err := e.store.SaveLocations(ctx, runID, locs); err != nil {
		return nil, eris.Wrap(err, "engine: save locations")
	}

	summary.CompletedAt = time.Now().UTC()
	zap.L().Info("run complete",
		zap.String("run_id", runID),
		zap.Int("locations", summary.Locations),
		zap.Int("cache_hits", summary.CacheHits),
		zap.Int("submitted", summary.Submitted),
		zap.Int("resolved", summary.Resolved),
		zap.Int("failed", summary.Failed),
		zap.String("lane", summary.Lane),
	)

	return &RunResult{RunID: runID, Locations: locs, Summary: summary}, nil
}

// dispatch routes the cache-miss set through the chosen lane's worker
// pool and checkpoints every batch before folding results. Returns the
// resolved entries produced by this run.
func (e *Engine) dispatch(ctx context.Context, misses []pendingAddr, summary *model.RunSummary) (map[string]model.CacheEntry, error) {
	lane := ChooseLane(len(misses), e.cfg.FastLaneLimit, e.fast != nil)
	provider := e.bulk
	if lane == LaneFast {
		provider = e.fast
	}
	summary.Lane = string(lane)

	batches := partition(misses, provider.MaxBatchSize())
	outcomes := make([]batchOutcome, len(batches))

	zap.L().Info("dispatching geocode batches",
		zap.String("lane", string(lane)),
		zap.String("provider", provider.Name()),
		zap.Int("pending", len(misses)),
		zap.Int("batches", len(batches)),
		zap.Int("workers", e.cfg.Workers),
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, batch := range batches {
		g.Go(func() error {
			// Cancellation stops new dispatches; batches already past
			// this check run to completion or time out on their own.
			if err := gCtx.Err(); err != nil {
				return err
			}
			outcome := e.geocodeBatch(gCtx, provider, batch)

			// Checkpoint before anything else: an interruption after
			// this point costs at most one batch of re-work.
			if err := e.store.UpsertBatch(gCtx, outcome.entries); err != nil {
				return eris.Wrap(err, "engine: checkpoint batch")
			}
			outcomes[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fresh := make(map[string]model.CacheEntry)
	for _, outcome := range outcomes {
		summary.ProviderCalls += outcome.calls
		summary.OutOfBounds += outcome.outOfBounds
		for _, entry := range outcome.entries {
			switch entry.Status {
			case model.StatusResolved:
				summary.Resolved++
				fresh[entry.Key] = entry
			case model.StatusFailed:
				summary.Failed++
			}
		}
	}
	return fresh, nil
}

// geocodeBatch resolves one batch with retries and validates every
// returned coordinate against its state's bounding box. Provider errors
// degrade to failed entries; they never abort the run.
func (e *Engine) geocodeBatch(ctx context.Context, provider geocode.Provider, batch []pendingAddr) batchOutcome {
	inputs := make([]geocode.AddressInput, len(batch))
	for i, p := range batch {
		inputs[i] = p.input
		inputs[i].ID = strconv.Itoa(i)
	}

	// Each retry is another provider call; the hook keeps the count,
	// including attempts that ultimately fail.
	calls := 1
	retry := e.cfg.Retry
	onRetry := retry.OnRetry
	if onRetry == nil {
		onRetry = resilience.LogRetries("geocode batch")
	}
	retry.OnRetry = func(attempt int, err error) {
		calls++
		onRetry(attempt, err)
	}
	results, err := resilience.RetryVal(ctx, retry, func(ctx context.Context) ([]geocode.Result, error) {
		return provider.BatchGeocode(ctx, inputs)
	})

	now := time.Now().UTC()
	outcome := batchOutcome{entries: make([]model.CacheEntry, len(batch)), calls: calls}
	entries := outcome.entries
	if err != nil {
		zap.L().Warn("geocode batch failed",
			zap.String("provider", provider.Name()),
			zap.Int("size", len(batch)),
			zap.Error(err),
		)
		for i, p := range batch {
			entries[i] = model.CacheEntry{Key: p.key, Status: model.StatusFailed, Source: provider.Name(), LastUpdated: now}
		}
		return outcome
	}

	for i, p := range batch {
		entries[i] = model.CacheEntry{Key: p.key, Status: model.StatusFailed, Source: provider.Name(), LastUpdated: now}
		if i >= len(results) || !results[i].Matched {
			continue
		}
		r := results[i]
		if !bounds.Contains(p.state, r.Latitude, r.Longitude) {
			// Out-of-state coordinate: a mailing address or a geocoder
			// mismatch. Failed, never silently accepted.
			outcome.outOfBounds++
			zap.L().Debug("coordinate outside state bounds",
				zap.String("key", p.key),
				zap.String("state", p.state),
				zap.Float64("lat", r.Latitude),
				zap.Float64("lon", r.Longitude),
			)
			continue
		}
		entries[i] = model.CacheEntry{
			Key:         p.key,
			Latitude:    r.Latitude,
			Longitude:   r.Longitude,
			Status:      model.StatusResolved,
			Source:      r.Source,
			LastUpdated: now,
		}
	}
	return outcome
}
