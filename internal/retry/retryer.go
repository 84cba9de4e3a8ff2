package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vietddude/recoverd/internal/core/batch"
	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
	"github.com/vietddude/recoverd/internal/metrics"
)

// ErrEmptySelection is returned for retry requests that can match nothing.
var ErrEmptySelection = errors.New("retry selects no messages")

// Retryer starts retry batches. Marking runs in the background; a crash
// before it completes leaves the batch in MarkingDocuments for adoption or
// timeout promotion.
type Retryer struct {
	batches  batch.Manager
	failures storage.FailedMessageRepository
	docs     *DocumentManager
	log      *slog.Logger

	wg sync.WaitGroup
}

// NewRetryer creates a retryer.
func NewRetryer(
	batches batch.Manager,
	failures storage.FailedMessageRepository,
	docs *DocumentManager,
) *Retryer {
	return &Retryer{
		batches:  batches,
		failures: failures,
		docs:     docs,
		log:      slog.Default().With("component", "retryer"),
	}
}

// StartRetryForIndex creates a batch for every unresolved, unmarked message
// matching selector narrowed by extra, and returns the batch id once the
// batch is persisted.
func (r *Retryer) StartRetryForIndex(
	ctx context.Context,
	selector storage.FailedMessageQuery,
	extra *storage.FailedMessageQuery,
) (string, error) {
	return r.start(ctx, selector.Narrow(extra), batch.CreateOptions{})
}

// RetryGroup retries every unresolved message in a failure group.
func (r *Retryer) RetryGroup(ctx context.Context, groupID string) (string, error) {
	if groupID == "" {
		return "", ErrEmptySelection
	}
	q := storage.FailedMessageQuery{GroupIDs: []string{groupID}}
	return r.start(ctx, q, batch.CreateOptions{Context: "group " + groupID})
}

// RetryMessages retries the listed messages that are still unresolved.
func (r *Retryer) RetryMessages(ctx context.Context, ids []string) (string, error) {
	if len(ids) == 0 {
		return "", ErrEmptySelection
	}
	q := storage.FailedMessageQuery{MessageIDs: ids}
	return r.start(ctx, q, batch.CreateOptions{Context: fmt.Sprintf("%d messages", len(ids))})
}

func (r *Retryer) start(ctx context.Context, q storage.FailedMessageQuery, opts batch.CreateOptions) (string, error) {
	opts.RequestID = uuid.NewString()
	b, err := r.batches.Create(ctx, uuid.NewString(), opts)
	if err != nil {
		return "", err
	}

	predicate := q.Narrow(&storage.FailedMessageQuery{
		Status:   domain.FailedMessageStatusUnresolved,
		Unmarked: true,
	})

	r.log.Info("Retry batch created", "batch", b.ID, "context", opts.Context)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.mark(context.WithoutCancel(ctx), b.ID, predicate)
	}()

	return b.ID, nil
}

// mark flags the selected messages and confirms the batch. Any failure
// leaves the batch in MarkingDocuments.
func (r *Retryer) mark(ctx context.Context, batchID string, predicate storage.FailedMessageQuery) {
	ids, err := r.failures.MarkForRetry(ctx, predicate, batchID, storage.ConsistencyEventual)
	if err != nil {
		r.log.Error("Failed to mark messages for retry", "batch", batchID, "error", err)
		return
	}
	metrics.MessagesMarked.Add(float64(len(ids)))

	markerIDs, err := r.docs.MakeFailureRetryDocuments(ctx, batchID, ids)
	if err != nil {
		r.log.Error("Failed to write retry markers", "batch", batchID, "error", err)
		return
	}

	err = r.batches.SetState(
		ctx,
		batchID,
		domain.RetryBatchStatusMarkingDocuments,
		domain.RetryBatchStatusStaging,
		markerIDs,
		"marking complete",
	)
	if errors.Is(err, storage.ErrConcurrencyConflict) {
		r.log.Info("Batch advanced before marking completed", "batch", batchID)
		return
	}
	if err != nil {
		r.log.Error("Failed to confirm retry batch", "batch", batchID, "error", err)
		return
	}

	r.log.Info("Retry batch marked", "batch", batchID, "messages", len(ids))
}

// Wait blocks until every in-flight marking has finished.
func (r *Retryer) Wait() {
	r.wg.Wait()
}
