package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rerollkit/packtrack/internal/query"
)

var (
	statsWindow int
	lbMetric    string
	lbLimit     int
	expDays     int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Query fleet statistics",
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

var statsUserCmd = &cobra.Command{
	Use:   "user <worker-id>",
	Short: "Per-worker statistics over the window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return exitf(exitConfig, "bad worker id %q: %w", args[0], err)
		}
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()

		stats, err := app.Query.UserStatsFor(ctx, id, statsWindow)
		if err != nil {
			return exitf(exitStorage, "user stats: %w", err)
		}
		return printJSON(cmd, stats)
	},
}

var statsServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Fleet-wide statistics over the window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()

		stats, err := app.Query.ServerStatsFor(ctx, statsWindow)
		if err != nil {
			return exitf(exitStorage, "server stats: %w", err)
		}
		return printJSON(cmd, stats)
	},
}

var statsLeaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Rank workers by a metric",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()

		entries, err := app.Query.Leaderboard(ctx, query.Metric(lbMetric), statsWindow, lbLimit)
		if err != nil {
			return exitf(exitConfig, "leaderboard: %w", err)
		}
		return printJSON(cmd, entries)
	},
}

var statsExpiringCmd = &cobra.Command{
	Use:   "expiring",
	Short: "God packs expiring within the horizon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()

		gps, err := app.Query.Expiring(ctx, expDays)
		if err != nil {
			return exitf(exitStorage, "expiring: %w", err)
		}
		return printJSON(cmd, gps)
	},
}

var statsGPCmd = &cobra.Command{
	Use:   "gp <id>",
	Short: "Verification summary for one god pack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return exitf(exitConfig, "bad god pack id %q: %w", args[0], err)
		}
		ctx := cmd.Context()
		app, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = app.Shutdown(ctx) }()

		summary, err := app.Query.GPSummaryFor(ctx, id)
		if err != nil {
			return exitf(exitStorage, "gp summary: %w", err)
		}
		return printJSON(cmd, summary)
	},
}

func init() {
	statsCmd.PersistentFlags().IntVar(&statsWindow, "window", 7, "window in days")
	statsLeaderboardCmd.Flags().StringVar(&lbMetric, "metric", string(query.MetricEfficiency),
		"ranking metric: efficiency, total_packs, runtime, consistency")
	statsLeaderboardCmd.Flags().IntVar(&lbLimit, "limit", 10, "max entries")
	statsExpiringCmd.Flags().IntVar(&expDays, "days", 2, "horizon in days")
	statsCmd.AddCommand(statsUserCmd, statsServerCmd, statsLeaderboardCmd, statsExpiringCmd, statsGPCmd)
}
