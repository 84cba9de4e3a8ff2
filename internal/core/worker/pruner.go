package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/recoverd/internal/infra/storage"
)

// PrunerConfig holds the retention policy for finished batches.
type PrunerConfig struct {
	Interval  time.Duration // how often to prune (default: 1h)
	Retention time.Duration // how long Done batches are kept; 0 = forever
}

// Pruner deletes Done retry batches past their retention.
type Pruner struct {
	cfg     PrunerConfig
	batches storage.RetryBatchRepository
	log     *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(cfg PrunerConfig, batches storage.RetryBatchRepository) *Pruner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Pruner{
		cfg:     cfg,
		batches: batches,
		log:     slog.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.cfg.Retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune deletes Done batches started before now minus the retention and
// returns how many were removed.
func (p *Pruner) Prune(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-p.cfg.Retention)
	n, err := p.batches.DeleteDone(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune done batches", "error", err)
		return 0
	}
	if n > 0 {
		p.log.Info("Pruned done batches", "count", n, "cutoff", cutoff)
	}
	return n
}
