package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insight-crawler/internal/crawler"
	"github.com/JakeFAU/site-insight-crawler/internal/jobs"
	"github.com/JakeFAU/site-insight-crawler/internal/server"
)

const pollInterval = 500 * time.Millisecond

type crawlFlags struct {
	maxPages int
	noCache  bool
	noAI     bool
	format   string
	email    string
}

// newCrawlCmd creates the 'crawl' subcommand. It runs one job in process and
// streams its progress to stdout.
func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl a site once and write its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args[0], flags)
		},
	}
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "page budget (0 uses the configured default)")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "ignore cached pages and analyses")
	cmd.Flags().BoolVar(&flags.noAI, "no-ai", false, "skip content analysis")
	cmd.Flags().StringVar(&flags.format, "format", "xlsx", "report format: xlsx, csv or both")
	cmd.Flags().StringVar(&flags.email, "notify-email", "", "address carried on the completion notice")
	return cmd
}

func runCrawl(cmd *cobra.Command, seed string, flags crawlFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			rt.logger.Warn("close application failed", zap.Error(cerr))
		}
	}()
	if err := app.Start(ctx); err != nil {
		return err
	}

	snap, err := app.Manager().Submit(ctx, crawler.JobOptions{
		SeedURL:      seed,
		MaxPages:     flags.maxPages,
		UseCache:     !flags.noCache,
		UseAI:        !flags.noAI,
		OutputFormat: crawler.OutputFormat(flags.format),
		NotifyEmail:  flags.email,
	})
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}

	final, err := followJob(ctx, app.Manager(), snap.JobID, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(final); err != nil {
		return fmt.Errorf("print result: %w", err)
	}
	if final.Status == crawler.StateFailed {
		return fmt.Errorf("job %s failed: %s", final.JobID, final.Message)
	}
	return nil
}

// followJob prints each snapshot until the job is terminal. A dropped
// subscription falls back to polling.
func followJob(ctx context.Context, manager *jobs.Manager, jobID string, out io.Writer) (crawler.Snapshot, error) {
	sub, err := manager.Subscribe(jobID)
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

live:
	for {
		select {
		case <-ctx.Done():
			return crawler.Snapshot{}, ctx.Err()
		case snap, ok := <-sub.C:
			if !ok {
				break live
			}
			printProgress(out, snap)
			if snap.Status.Terminal() {
				return snap, nil
			}
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return crawler.Snapshot{}, ctx.Err()
		case <-ticker.C:
			snap, err := manager.Get(jobID)
			if err != nil {
				return crawler.Snapshot{}, fmt.Errorf("poll job: %w", err)
			}
			printProgress(out, snap)
			if snap.Status.Terminal() {
				return snap, nil
			}
		}
	}
}

func printProgress(out io.Writer, snap crawler.Snapshot) {
	fmt.Fprintf(out, "[%s] %d/%d %s\n", snap.Status, snap.Progress, snap.Total, snap.Message)
}
