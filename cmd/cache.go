package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/cache"
	"github.com/JakeFAU/site-insight-crawler/internal/metrics"
	"github.com/JakeFAU/site-insight-crawler/internal/server"
)

// newCacheCmd groups the cache maintenance subcommands.
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the content cache",
	}
	cmd.AddCommand(newCacheStatsCmd(), newCachePurgeCmd(), newCacheClearCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(cmd, func(ctx context.Context, rt *runtime, c *cache.Cache) error {
				window := days
				if window <= 0 {
					window = rt.cfg.Cache.StatsWindowDays
				}
				stats, err := c.Stats(ctx, window)
				if err != nil {
					return fmt.Errorf("load stats: %w", err)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "window in days (0 uses cache.stats_window_days)")
	return cmd
}

func newCachePurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(cmd, func(ctx context.Context, _ *runtime, c *cache.Cache) error {
				removed, err := c.PurgeExpired(ctx)
				if err != nil {
					return err
				}
				metrics.ObserveCachePurge(removed)
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", removed)
				return nil
			})
		},
	}
}

func newCacheClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cache entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear the cache without --yes")
			}
			return withCache(cmd, func(ctx context.Context, _ *runtime, c *cache.Cache) error {
				if err := c.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing the cache")
	return cmd
}

func withCache(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime, c *cache.Cache) error) error {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	c, err := server.OpenCache(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			rt.logger.Warn("close cache failed", zap.Error(cerr))
		}
	}()
	return fn(ctx, rt, c)
}
