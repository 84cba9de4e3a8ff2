package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
	"github.com/vietddude/recoverd/internal/metrics"
)

// Manager handles retry batch operations with state machine enforcement.
type Manager interface {
	// Get retrieves a batch by id.
	Get(ctx context.Context, id string) (*domain.RetryBatch, error)

	// List retrieves every batch, oldest first.
	List(ctx context.Context) ([]*domain.RetryBatch, error)

	// Create persists a new batch in MarkingDocuments.
	Create(ctx context.Context, uniqueID string, opts CreateOptions) (*domain.RetryBatch, error)

	// SetState moves a batch from one state to its successor (validates transition).
	SetState(ctx context.Context, id string, from, to State, failureRetries []string, reason string) error

	// PromoteStale force-moves MarkingDocuments batches older than age to Staging.
	PromoteStale(ctx context.Context, age time.Duration) ([]string, error)

	// History returns recent transitions, oldest first.
	History() []Transition

	// SetStateChangeCallback registers callback for state changes.
	SetStateChangeCallback(fn func(t Transition))
}

// CreateOptions carries optional batch metadata.
type CreateOptions struct {
	RequestID      string
	RetrySessionID string
	Context        string
}

// DefaultManager implements Manager with state machine enforcement.
type DefaultManager struct {
	repo          storage.RetryBatchRepository
	mu            sync.RWMutex
	stateCallback func(Transition)
	history       *HistoryCollector
	log           *slog.Logger
}

// NewManager creates a batch manager backed by repo.
func NewManager(repo storage.RetryBatchRepository) *DefaultManager {
	return &DefaultManager{
		repo:    repo,
		history: NewHistoryCollector(100),
		log:     slog.Default().With("component", "batch"),
	}
}

// Get retrieves a batch by id.
func (m *DefaultManager) Get(ctx context.Context, id string) (*domain.RetryBatch, error) {
	return m.repo.Get(ctx, id)
}

// List retrieves every batch.
func (m *DefaultManager) List(ctx context.Context) ([]*domain.RetryBatch, error) {
	return m.repo.GetAll(ctx)
}

// Create persists a new batch in MarkingDocuments.
func (m *DefaultManager) Create(
	ctx context.Context,
	uniqueID string,
	opts CreateOptions,
) (*domain.RetryBatch, error) {
	b := &domain.RetryBatch{
		ID:             domain.RetryBatchID(uniqueID),
		Started:        time.Now().UTC(),
		Status:         domain.RetryBatchStatusMarkingDocuments,
		RequestID:      opts.RequestID,
		RetrySessionID: opts.RetrySessionID,
		Context:        opts.Context,
	}

	if err := m.repo.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	metrics.BatchesCreated.Inc()
	return b, nil
}

// SetState transitions a batch to a new state.
func (m *DefaultManager) SetState(
	ctx context.Context,
	id string,
	from, to State,
	failureRetries []string,
	reason string,
) error {
	// Validate transition
	if !CanTransition(from, to) {
		return fmt.Errorf(
			"%w: cannot transition from %s to %s",
			ErrInvalidTransition,
			from,
			to,
		)
	}

	if err := m.repo.Transition(ctx, id, from, to, failureRetries); err != nil {
		return fmt.Errorf("failed to update state of %s: %w", id, err)
	}

	m.record(NewTransition(id, from, to, reason))
	return nil
}

// PromoteStale moves batches stuck in MarkingDocuments for longer than age.
func (m *DefaultManager) PromoteStale(ctx context.Context, age time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-age)
	ids, err := m.repo.PromoteStale(ctx, cutoff, storage.ConsistencyEventual)
	if err != nil {
		return nil, fmt.Errorf("failed to promote stale batches: %w", err)
	}

	for _, id := range ids {
		m.record(NewTransition(
			id,
			domain.RetryBatchStatusMarkingDocuments,
			domain.RetryBatchStatusStaging,
			fmt.Sprintf("marking not confirmed within %s", age),
		))
	}
	return ids, nil
}

// History returns recent transitions.
func (m *DefaultManager) History() []Transition {
	return m.history.Recent()
}

// SetStateChangeCallback registers a callback for state changes.
func (m *DefaultManager) SetStateChangeCallback(fn func(t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}

func (m *DefaultManager) record(t Transition) {
	m.history.Record(t)
	metrics.BatchTransitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	m.log.Debug("Batch transitioned", "batch", t.BatchID, "from", t.From, "to", t.To, "reason", t.Reason)

	m.mu.RLock()
	cb := m.stateCallback
	m.mu.RUnlock()
	if cb != nil {
		cb(t)
	}
}
