package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var forceReclassify bool

var reclassifyCmd = &cobra.Command{
	Use:   "reclassify",
	Short: "Recompute failure groups for every unresolved message",
	Long: `Runs the classifier taxonomy over every unresolved failed message and stores the
resulting groups. The pass runs once per store unless --force is given.`,
	Args: cobra.NoArgs,
	Run:  runReclassify,
}

func init() {
	reclassifyCmd.Flags().BoolVar(&forceReclassify, "force", false, "run even if reclassification already completed")
	rootCmd.AddCommand(reclassifyCmd)
}

func runReclassify(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := openService(ctx)
	defer func() {
		_ = svc.Close()
	}()

	n, err := svc.Reclassifier().ReclassifyFailedMessages(ctx, forceReclassify)
	if err != nil {
		slog.Error("Reclassification failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Reclassified %d messages\n", n)
}
