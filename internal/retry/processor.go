package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/vietddude/recoverd/internal/core/batch"
	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
	"github.com/vietddude/recoverd/internal/metrics"
)

// ProcessorConfig holds configuration for the retry processor.
type ProcessorConfig struct {
	Interval       time.Duration `yaml:"interval"`        // Tick period (default: 30s)
	OrphanTimeout  time.Duration `yaml:"orphan_timeout"`  // Marking deadline before promotion (default: 5m)
	ForwardTimeout time.Duration `yaml:"forward_timeout"` // Max time to drain staging (default: 2m)
	LockTTL        time.Duration `yaml:"lock_ttl"`        // Processor lock lease (default: 2x ForwardTimeout)
}

// DefaultProcessorConfig returns default processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Interval:       30 * time.Second,
		OrphanTimeout:  5 * time.Minute,
		ForwardTimeout: 2 * time.Minute,
		LockTTL:        4 * time.Minute,
	}
}

// Stager copies the messages of a batch to the staging address.
type Stager interface {
	Stage(ctx context.Context, b *domain.RetryBatch) (int, error)
}

// Forwarder drains the staging address back to the original endpoints.
type Forwarder interface {
	Forward(ctx context.Context, b *domain.RetryBatch) (int, error)
}

// Locker serializes ticks across processor instances sharing a store.
type Locker interface {
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
}

// lockRefresher is implemented by lockers whose locks can be extended while
// a long tick is still working.
type lockRefresher interface {
	RefreshLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
}

const processorLockName = "retry-processor"

// Processor advances batches from Staging to Done and reconciles batches
// stuck in MarkingDocuments.
type Processor struct {
	cfg       ProcessorConfig
	batches   batch.Manager
	stager    Stager
	forwarder Forwarder
	locker    Locker
	owner     string
	log       *slog.Logger

	mu sync.Mutex // one tick at a time
}

// NewProcessor creates a retry processor. locker may be nil.
func NewProcessor(
	cfg ProcessorConfig,
	batches batch.Manager,
	stager Stager,
	forwarder Forwarder,
	locker Locker,
	owner string,
) *Processor {
	def := DefaultProcessorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = def.OrphanTimeout
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = def.ForwardTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.ForwardTimeout
	}

	return &Processor{
		cfg:       cfg,
		batches:   batches,
		stager:    stager,
		forwarder: forwarder,
		locker:    locker,
		owner:     owner,
		log:       slog.Default().With("component", "retry-processor"),
	}
}

// Run ticks until ctx is cancelled. A tick in progress finishes its current step.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("Starting retry processor", "interval", p.cfg.Interval)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("Retry processor tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			p.log.Info("Retry processor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick forwards or stages batches one at a time until none is left, then
// promotes batches whose marking never completed.
func (p *Processor) Tick(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.locker != nil {
		ok, err := p.locker.AcquireLock(ctx, processorLockName, p.owner, p.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire processor lock: %w", err)
		}
		if !ok {
			p.log.Debug("Another processor holds the lock")
			return nil
		}
		defer func() {
			if err := p.locker.ReleaseLock(context.WithoutCancel(ctx), processorLockName, p.owner); err != nil {
				p.log.Warn("Failed to release processor lock", "error", err)
			}
		}()
	}

	start := time.Now()
	defer func() {
		metrics.ProcessorTickDuration.Observe(time.Since(start).Seconds())
	}()

	var stepErr error
	for ctx.Err() == nil {
		worked, err := p.step(ctx)
		if err != nil {
			// A stuck batch must not block promotion of stale ones
			p.log.Warn("Batch step failed, ending drain", "error", err)
			stepErr = err
			break
		}
		if !worked {
			break
		}
		if !p.keepLock(ctx) {
			return nil
		}
	}

	if ctx.Err() != nil {
		return multierr.Append(stepErr, ctx.Err())
	}
	return multierr.Append(stepErr, p.UpdateOldBatches(ctx))
}

// keepLock extends the processor lock after a step. It reports false when
// the lock was lost and the tick must stop.
func (p *Processor) keepLock(ctx context.Context) bool {
	r, ok := p.locker.(lockRefresher)
	if !ok {
		return true
	}
	held, err := r.RefreshLock(ctx, processorLockName, p.owner, p.cfg.LockTTL)
	if err != nil {
		p.log.Warn("Failed to refresh processor lock", "error", err)
		return true
	}
	if !held {
		p.log.Warn("Processor lock lost, ending tick early")
	}
	return held
}

// step advances at most one batch. Forwarding takes priority over Staging.
func (p *Processor) step(ctx context.Context) (bool, error) {
	all, err := p.batches.List(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load batches: %w", err)
	}
	recordBatchCounts(all)

	if b := firstIn(all, domain.RetryBatchStatusForwarding); b != nil {
		return true, p.forward(ctx, b)
	}
	if b := firstIn(all, domain.RetryBatchStatusStaging); b != nil {
		return true, p.stage(ctx, b)
	}
	return false, nil
}

func (p *Processor) stage(ctx context.Context, b *domain.RetryBatch) error {
	n, err := p.stager.Stage(ctx, b)
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", b.ID, err)
	}
	p.log.Info("Batch staged", "batch", b.ID, "messages", n)

	return p.advance(ctx, b, domain.RetryBatchStatusStaging, domain.RetryBatchStatusForwarding, "staged")
}

func (p *Processor) forward(ctx context.Context, b *domain.RetryBatch) error {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.ForwardTimeout)
	defer cancel()

	n, err := p.forwarder.Forward(fctx, b)
	if err != nil {
		return fmt.Errorf("failed to forward %s: %w", b.ID, err)
	}
	p.log.Info("Batch forwarded", "batch", b.ID, "messages", n)

	return p.advance(ctx, b, domain.RetryBatchStatusForwarding, domain.RetryBatchStatusDone, "forwarded")
}

// advance persists a transition. Losing the race to another instance is not an error.
func (p *Processor) advance(ctx context.Context, b *domain.RetryBatch, from, to domain.RetryBatchStatus, reason string) error {
	err := p.batches.SetState(ctx, b.ID, from, to, nil, reason)
	if errors.Is(err, storage.ErrConcurrencyConflict) {
		metrics.BatchTransitionConflicts.WithLabelValues(string(to)).Inc()
		p.log.Warn("Batch advanced concurrently", "batch", b.ID, "from", from, "to", to)
		return nil
	}
	return err
}

// UpdateOldBatches promotes batches stuck in MarkingDocuments past the orphan timeout.
func (p *Processor) UpdateOldBatches(ctx context.Context) error {
	ids, err := p.batches.PromoteStale(ctx, p.cfg.OrphanTimeout)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		p.log.Warn("Promoted batches with unconfirmed marking", "count", len(ids), "batches", ids)
	}
	return nil
}

func firstIn(all []*domain.RetryBatch, status domain.RetryBatchStatus) *domain.RetryBatch {
	for _, b := range all {
		if b.Status == status {
			return b
		}
	}
	return nil
}

func recordBatchCounts(all []*domain.RetryBatch) {
	counts := make(map[domain.RetryBatchStatus]int, len(domain.RetryBatchStatuses))
	for _, b := range all {
		counts[b.Status]++
	}
	for _, s := range domain.RetryBatchStatuses {
		metrics.Batches.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
