package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the similarity index from the store",
		Long: `Streams every stored article and rebuilds the TF-IDF vector space from
scratch, recomputing all document frequencies. Useful after bulk imports or
administrative deletes.`,
		RunE: runReindexCommand,
	}
}

func runReindexCommand(cmd *cobra.Command, _ []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if err := a.RebuildIndex(cmd.Context()); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	stats := a.Index().Stats()
	a.Logger().Info("reindex complete",
		zap.Int("documents", stats.Documents),
		zap.Int("terms", stats.Terms),
	)
	return nil
}
