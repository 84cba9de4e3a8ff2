package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <message-id>...",
	Short: "Mark retried messages as resolved and drop their retry markers",
	Args:  cobra.MinimumNArgs(1),
	Run:   runResolve,
}

var purgeStagingCmd = &cobra.Command{
	Use:   "purge-staging",
	Short: "Discard messages left at the staging address by an aborted forward",
	Long: `Consumes the staging address until it stays quiet for the configured staging
inactivity and drops every message. Only useful with a shared transport (redis, sqs)
and while the service is stopped.`,
	Args: cobra.NoArgs,
	Run:  runPurgeStaging,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(purgeStagingCmd)
}

func runResolve(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc := openService(ctx)
	defer func() {
		_ = svc.Close()
	}()

	failed := 0
	for _, id := range args {
		if err := svc.Documents().MarkResolved(ctx, id); err != nil {
			slog.Error("Failed to resolve message", "id", id, "error", err)
			failed++
			continue
		}
		fmt.Printf("Resolved %s\n", id)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func runPurgeStaging(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc := openService(ctx)
	defer func() {
		_ = svc.Close()
	}()

	n, err := svc.PurgeStaging(ctx)
	if err != nil {
		slog.Error("Purge failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Discarded %d staged messages\n", n)
}
