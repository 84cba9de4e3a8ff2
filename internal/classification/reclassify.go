package classification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
	"github.com/vietddude/recoverd/internal/metrics"
)

// ReclassifierConfig holds reclassification settings.
type ReclassifierConfig struct {
	BatchSize   int `yaml:"batch_size"`
	Parallelism int `yaml:"parallelism"`
}

// DefaultReclassifierConfig returns the default batch size and parallelism.
func DefaultReclassifierConfig() ReclassifierConfig {
	return ReclassifierConfig{
		BatchSize:   1000,
		Parallelism: 8,
	}
}

// Reclassifier recomputes group membership for every unresolved failure.
type Reclassifier struct {
	failures storage.FailedMessageRepository
	settings storage.SettingsRepository
	taxonomy Taxonomy
	cfg      ReclassifierConfig
	log      *slog.Logger
}

// NewReclassifier creates a reclassifier.
func NewReclassifier(
	failures storage.FailedMessageRepository,
	settings storage.SettingsRepository,
	taxonomy Taxonomy,
	cfg ReclassifierConfig,
	log *slog.Logger,
) *Reclassifier {
	def := DefaultReclassifierConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reclassifier{
		failures: failures,
		settings: settings,
		taxonomy: taxonomy,
		cfg:      cfg,
		log:      log.With("component", "reclassifier"),
	}
}

// ReclassifyFailedMessages classifies every unresolved failure and stores its
// groups. Unless force is set it runs at most once per store. Cancelling ctx
// stops the pass between batches; the batch in flight is always completed.
// It returns the number of messages updated.
func (r *Reclassifier) ReclassifyFailedMessages(ctx context.Context, force bool) (int, error) {
	if !force {
		s, err := r.settings.GetReclassifySettings(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to read reclassify settings: %w", err)
		}
		if s.ReclassificationDone {
			r.log.Debug("Reclassification already done, skipping")
			return 0, nil
		}
	}

	start := time.Now()
	cursor, err := r.failures.Stream(ctx, storage.FailedMessageQuery{
		Status: domain.FailedMessageStatusUnresolved,
	}, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to open failed message stream: %w", err)
	}
	defer func() {
		_ = cursor.Close()
	}()

	var (
		total     int
		streamErr error
		batch     = make([]*domain.FailedMessage, 0, r.cfg.BatchSize)
	)

	for {
		msg, err := cursor.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				streamErr = err
			}
			break
		}

		batch = append(batch, msg)
		if len(batch) < r.cfg.BatchSize {
			continue
		}

		total += r.processBatch(ctx, batch)
		batch = batch[:0]

		if ctx.Err() != nil {
			r.log.Info("Reclassification aborted", "reclassified", total)
			break
		}
	}

	if len(batch) > 0 {
		total += r.processBatch(ctx, batch)
	}

	if streamErr != nil {
		return total, fmt.Errorf("failed to stream failed messages: %w", streamErr)
	}

	// Settings are persisted even when the pass was aborted.
	done := &domain.ReclassifyErrorSettings{
		ID:                   domain.ReclassifyErrorSettingsID,
		ReclassificationDone: true,
	}
	if err := r.settings.SaveReclassifySettings(context.WithoutCancel(ctx), done); err != nil {
		return total, fmt.Errorf("failed to save reclassify settings: %w", err)
	}

	r.log.Info("Reclassification finished",
		"reclassified", total,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return total, nil
}

// processBatch classifies and updates one batch with bounded parallelism.
func (r *Reclassifier) processBatch(ctx context.Context, batch []*domain.FailedMessage) int {
	// In-flight updates must not be cut short by cancellation.
	updateCtx := context.WithoutCancel(ctx)

	var updated atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Parallelism)

	for _, msg := range batch {
		groups := r.taxonomy.Classify(DetailsFrom(msg))
		id, version := msg.ID, msg.Version

		g.Go(func() error {
			err := r.failures.SetFailureGroups(updateCtx, id, version, groups)
			switch {
			case errors.Is(err, storage.ErrConcurrencyConflict):
				metrics.ReclassifyConflicts.Inc()
				r.log.Debug("Message modified concurrently, leaving for next pass", "id", id)
			case err != nil:
				r.log.Warn("Failed to reclassify message", "id", id, "error", err)
			default:
				updated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(updated.Load())
	metrics.ReclassifiedMessages.Add(float64(n))
	return n
}
