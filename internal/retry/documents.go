// Package retry drives bulk retries of failed messages through their batch lifecycle.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/recoverd/internal/core/batch"
	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
)

// DocumentManager owns the per-message retry markers and recovers batches
// abandoned by a crashed process.
type DocumentManager struct {
	batches  batch.Manager
	repo     storage.RetryBatchRepository
	markers  storage.FailureRetryRepository
	failures storage.FailedMessageRepository
	log      *slog.Logger
}

// NewDocumentManager creates a document manager.
func NewDocumentManager(
	batches batch.Manager,
	repo storage.RetryBatchRepository,
	markers storage.FailureRetryRepository,
	failures storage.FailedMessageRepository,
) *DocumentManager {
	return &DocumentManager{
		batches:  batches,
		repo:     repo,
		markers:  markers,
		failures: failures,
		log:      slog.Default().With("component", "retry-documents"),
	}
}

func newMarker(batchID, uniqueMessageID string) *domain.MessageFailureRetry {
	return &domain.MessageFailureRetry{
		ID:               domain.MessageFailureRetryID(uniqueMessageID),
		RetryBatchID:     batchID,
		FailureMessageID: uniqueMessageID,
	}
}

// MakeFailureRetryDocument points the message's marker at batchID.
func (d *DocumentManager) MakeFailureRetryDocument(ctx context.Context, batchID, uniqueMessageID string) error {
	if err := d.markers.Upsert(ctx, newMarker(batchID, uniqueMessageID)); err != nil {
		return fmt.Errorf("failed to write marker for %s: %w", uniqueMessageID, err)
	}
	return nil
}

// MakeFailureRetryDocuments writes markers for every message and returns their ids.
func (d *DocumentManager) MakeFailureRetryDocuments(
	ctx context.Context,
	batchID string,
	uniqueMessageIDs []string,
) ([]string, error) {
	markers := make([]*domain.MessageFailureRetry, len(uniqueMessageIDs))
	ids := make([]string, len(uniqueMessageIDs))
	for i, id := range uniqueMessageIDs {
		markers[i] = newMarker(batchID, id)
		ids[i] = markers[i].ID
	}

	if err := d.markers.UpsertMany(ctx, markers); err != nil {
		return nil, fmt.Errorf("failed to write markers for %s: %w", batchID, err)
	}
	return ids, nil
}

// RemoveFailureRetryDocument deletes the message's marker.
func (d *DocumentManager) RemoveFailureRetryDocument(ctx context.Context, uniqueMessageID string) error {
	return d.markers.Delete(ctx, domain.MessageFailureRetryID(uniqueMessageID))
}

// MarkResolved records that a retried message was processed successfully.
func (d *DocumentManager) MarkResolved(ctx context.Context, uniqueMessageID string) error {
	if err := d.failures.SetStatus(ctx, uniqueMessageID, domain.FailedMessageStatusResolved); err != nil {
		return fmt.Errorf("failed to resolve %s: %w", uniqueMessageID, err)
	}
	return d.RemoveFailureRetryDocument(ctx, uniqueMessageID)
}

// AdoptOrphanedBatches moves every batch still in MarkingDocuments to Staging
// with the markers that reached the store. Batches another instance moved
// first are skipped. Returns how many batches were adopted.
func (d *DocumentManager) AdoptOrphanedBatches(ctx context.Context) (int, error) {
	orphans, err := d.repo.ListByStatus(ctx, domain.RetryBatchStatusMarkingDocuments, storage.ConsistencyEventual)
	if err != nil {
		return 0, fmt.Errorf("failed to list orphaned batches: %w", err)
	}

	adopted := 0
	for _, b := range orphans {
		if ctx.Err() != nil {
			return adopted, ctx.Err()
		}

		markers, err := d.markers.ListByBatch(ctx, b.ID, storage.ConsistencyEventual)
		if err != nil {
			d.log.Error("Failed to list markers of orphaned batch", "batch", b.ID, "error", err)
			continue
		}

		ids := make([]string, len(markers))
		for i, m := range markers {
			ids[i] = m.ID
		}

		err = d.batches.SetState(
			ctx,
			b.ID,
			domain.RetryBatchStatusMarkingDocuments,
			domain.RetryBatchStatusStaging,
			ids,
			"adopted after restart",
		)
		if errors.Is(err, storage.ErrConcurrencyConflict) {
			d.log.Info("Orphaned batch already advanced", "batch", b.ID)
			continue
		}
		if err != nil {
			d.log.Error("Failed to adopt batch", "batch", b.ID, "error", err)
			continue
		}

		d.log.Info("Adopted orphaned batch", "batch", b.ID, "messages", len(ids))
		adopted++
	}

	return adopted, nil
}
