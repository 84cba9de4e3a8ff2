package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every retry batch and its state",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc := openService(ctx)
	defer func() {
		_ = svc.Close()
	}()

	batches, err := svc.Batches().List(ctx)
	if err != nil {
		slog.Error("Failed to list batches", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "BATCH\tSTATUS\tSTARTED\tMESSAGES\tCONTEXT")

	for _, b := range batches {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			b.ID, b.Status, b.Started.Format(time.RFC3339), b.InitialBatchSize, b.Context)
	}
	_ = w.Flush()
}
