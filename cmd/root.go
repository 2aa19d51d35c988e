// Package cmd defines the CLI commands for the newsdedup executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aserikov/newsdedup/internal/app"
	"github.com/aserikov/newsdedup/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "newsdedup",
		Short: "News article ingestion and deduplication service",
		Long: `newsdedup crawls the inform.kz news archive, deduplicates articles by
link and content fingerprint, and serves similarity search over the stored
corpus.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (YAML)")
	cmd.AddCommand(newServeCmd(), newCrawlCmd(), newReindexCmd())
	return cmd
}

// Execute runs the CLI with signal-aware cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildApp loads configuration and assembles the service container.
func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize services: %w", err)
	}
	return a, nil
}
