package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aserikov/newsdedup/internal/orchestrator"
	"github.com/aserikov/newsdedup/internal/pipeline"
)

func newCrawlCmd() *cobra.Command {
	var (
		startDate string
		endDate   string
		links     []string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a crawl to completion",
		Long: `Expands the given date range through the archive listing pages, crawls
every discovered article link, and blocks until the run completes. Explicit
links may be supplied instead of, or in addition to, a date range.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd.Context(), orchestrator.StartRequest{
				SeedLinks: links,
				StartDate: startDate,
				EndDate:   endDate,
			})
		},
	}
	cmd.Flags().StringVar(&startDate, "start-date", "", "first archive date to crawl (dd.mm.yyyy)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "archive date to stop before (dd.mm.yyyy)")
	cmd.Flags().StringSliceVar(&links, "link", nil, "explicit article link to crawl (repeatable)")
	return cmd
}

func runCrawlCommand(ctx context.Context, req orchestrator.StartRequest) error {
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	logger := a.Logger()

	runID, err := a.Orchestrator().Start(ctx, req)
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}
	logger.Info("crawl started", zap.String("run_id", runID))

	if err := a.Orchestrator().Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("crawl interrupted, draining workers")
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if serr := a.Orchestrator().Stop(stopCtx); serr != nil {
				logger.Warn("worker drain timed out", zap.Error(serr))
			}
			return nil
		}
		return fmt.Errorf("wait for crawl: %w", err)
	}

	status := a.Orchestrator().Status()
	logger.Info("crawl finished",
		zap.String("state", string(status.State)),
		zap.Int64("processed", status.ProcessedCount),
		zap.Int64("inserted", status.InsertedCount),
		zap.Int64("skipped", status.SkippedCount),
		zap.Int64("updated", status.UpdatedCount),
		zap.Int64("failed", status.FailedCount),
	)
	if status.State == pipeline.RunFailed {
		return fmt.Errorf("crawl failed: %s", status.LastError)
	}
	return nil
}
