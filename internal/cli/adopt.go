package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var adoptCmd = &cobra.Command{
	Use:   "adopt",
	Short: "Move batches whose marking never completed on to staging",
	Long: `Finds batches still in MarkingDocuments, collects the retry markers that point at
them and advances them to Staging. The service does this on every start.`,
	Args: cobra.NoArgs,
	Run:  runAdopt,
}

func init() {
	rootCmd.AddCommand(adoptCmd)
}

func runAdopt(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc := openService(ctx)
	defer func() {
		_ = svc.Close()
	}()

	n, err := svc.Documents().AdoptOrphanedBatches(ctx)
	if err != nil {
		slog.Error("Adoption failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Adopted %d batches\n", n)
}
