package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/recoverd/internal/control"
	"github.com/vietddude/recoverd/internal/core/config"
)

var (
	cfgPath         string
	isDebug         bool
	shutdownTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "recoverd",
	Short: "Failure classification and retry service",
	Long: `recoverd groups failed messages into actionable clusters and retries them in bulk
with crash-safe batch orchestration.`,
	Run: runService,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "how long to wait for in-flight batches on shutdown")
}

// loadConfig reads .env and the config file and sets up logging.
// Exits the process when the config is unusable.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

// openService builds the service from the loaded config. Callers must Close it.
func openService(ctx context.Context) *control.Service {
	svc, err := control.NewService(ctx, loadConfig())
	if err != nil {
		slog.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}
	return svc
}

func runService(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := openService(ctx)
	if err := svc.Start(ctx); err != nil {
		slog.Error("Failed to start service", "error", err)
		_ = svc.Close()
		os.Exit(1)
	}
	slog.Info("recoverd started", "config", cfgPath, "transport", svc.Config().Transport.Kind)

	<-ctx.Done()
	stop()
	slog.Info("Shutting down", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("recoverd stopped")
}
