package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/licensemap/licensemap/internal/engine"
	"github.com/licensemap/licensemap/internal/ingest"
	"github.com/licensemap/licensemap/pkg/geocode"
)

var (
	runCSV    string
	runOutput string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the resolution pipeline over a license-record CSV",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		records, skipped, err := ingest.ParseRecordsCSV(runCSV)
		if err != nil {
			return eris.Wrap(err, "run: parse csv")
		}
		zap.L().Info("parsed records",
			zap.Int("records", len(records)),
			zap.Int("skipped", skipped),
		)

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "run: migrate store")
		}

		bulk := geocode.NewCensusProvider(
			geocode.WithCensusRateLimit(cfg.Geocode.CensusRPS),
		)

		// The fast lane needs a Mapbox token; without one the router
		// sends everything through the bulk lane.
		var fast geocode.Provider
		if cfg.Geocode.MapboxToken != "" {
			fast = geocode.NewMapboxProvider(cfg.Geocode.MapboxToken,
				geocode.WithMapboxRateLimit(cfg.Geocode.MapboxRPS),
			)
		}

		eng := engine.New(st, bulk, fast, engine.Config{
			Workers:       cfg.Geocode.Workers,
			FastLaneLimit: cfg.Geocode.FastLaneLimit,
			Retry:         cfg.Geocode.RetryPolicy(),
			Classify:      cfg.Classify.Policy(),
		})

		result, err := eng.Run(ctx, records)
		if err != nil {
			return eris.Wrap(err, "run: pipeline")
		}

		zap.L().Info("run complete",
			zap.String("run_id", result.RunID),
			zap.Int("locations", len(result.Locations)),
			zap.Int("cache_hits", result.Summary.CacheHits),
			zap.Int("resolved", result.Summary.Resolved),
			zap.Int("failed", result.Summary.Failed),
		)

		out := os.Stdout
		if runOutput != "" {
			f, err := os.Create(runOutput)
			if err != nil {
				return eris.Wrap(err, "run: create output file")
			}
			defer f.Close()
			out = f
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Summary)
	},
}

func init() {
	runCmd.Flags().StringVar(&runCSV, "csv", "", "license-record CSV path (required)")
	runCmd.Flags().StringVar(&runOutput, "output", "", "write run summary JSON to file instead of stdout")
	_ = runCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(runCmd)
}
