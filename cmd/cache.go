package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/licensemap/licensemap/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the geocode cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache entry counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "cache: migrate store")
		}

		counts, err := st.Counts(ctx)
		if err != nil {
			return eris.Wrap(err, "cache: counts")
		}

		total := 0
		for _, status := range []model.GeocodeStatus{model.StatusResolved, model.StatusFailed} {
			fmt.Printf("%-10s %d\n", status, counts[status])
			total += counts[status]
		}
		fmt.Printf("%-10s %d\n", "total", total)
		return nil
	},
}

var cacheClearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Delete failed cache entries so the next run retries them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "cache: migrate store")
		}

		deleted, err := st.DeleteFailed(ctx)
		if err != nil {
			return eris.Wrap(err, "cache: clear failed")
		}

		fmt.Printf("deleted %d failed entries\n", deleted)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheClearFailedCmd)
	rootCmd.AddCommand(cacheCmd)
}
