package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Ask the running service to retry failed messages",
}

var retryGroupCmd = &cobra.Command{
	Use:   "group [group_id]",
	Short: "Retry every unresolved message in a failure group",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendRetry(func(ctx context.Context, sender retrySender) error {
			return sender.RetryGroup(ctx, args[0])
		})
		fmt.Printf("Retry requested for group %s\n", args[0])
	},
}

var retryMessagesCmd = &cobra.Command{
	Use:   "messages [message_id...]",
	Short: "Retry the listed failed messages",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendRetry(func(ctx context.Context, sender retrySender) error {
			return sender.RetryMessages(ctx, args)
		})
		fmt.Printf("Retry requested for %d messages\n", len(args))
	},
}

func init() {
	retryCmd.AddCommand(retryGroupCmd, retryMessagesCmd)
	rootCmd.AddCommand(retryCmd)
}

type retrySender interface {
	RetryGroup(ctx context.Context, groupID string) error
	RetryMessages(ctx context.Context, ids []string) error
}

func sendRetry(send func(ctx context.Context, s retrySender) error) {
	ctx := context.Background()
	svc := openService(ctx)
	defer func() {
		_ = svc.Close()
	}()

	if svc.Config().Transport.Kind == "memory" {
		slog.Warn("Memory transport cannot reach a running service; the command is lost on exit")
	}

	if err := send(ctx, svc.Commands()); err != nil {
		slog.Error("Failed to send retry command", "error", err)
		os.Exit(1)
	}
}
