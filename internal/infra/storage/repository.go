package storage

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/vietddude/recoverd/internal/core/domain"
)

var (
	// ErrNotFound is returned when a document doesn't exist
	ErrNotFound = errors.New("document not found")

	// ErrConcurrencyConflict is returned when a conditional write lost against a concurrent one
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Consistency selects whether a query may run against a stale index.
type Consistency int

const (
	// ConsistencyStrict waits for indexes to catch up with the latest writes.
	ConsistencyStrict Consistency = iota
	// ConsistencyEventual tolerates a stale index in exchange for availability.
	ConsistencyEventual
)

func (c Consistency) String() string {
	if c == ConsistencyEventual {
		return "eventual"
	}
	return "strict"
}

// FailedMessageQuery selects failed messages. Zero-valued fields do not filter.
type FailedMessageQuery struct {
	Status domain.FailedMessageStatus
	// GroupIDs requires membership in every listed group.
	GroupIDs []string
	// MessageIDs restricts to the listed ids. nil means any id; a non-nil
	// empty slice matches nothing.
	MessageIDs []string
	// Unmarked restricts to messages not yet tagged by a retry batch.
	Unmarked bool
	// RetryID restricts to messages tagged by the given retry batch.
	RetryID string
}

// Matches reports whether m satisfies the query.
func (q FailedMessageQuery) Matches(m *domain.FailedMessage) bool {
	if q.Status != "" && m.Status != q.Status {
		return false
	}
	if q.Unmarked && m.RetryID != "" {
		return false
	}
	if q.RetryID != "" && m.RetryID != q.RetryID {
		return false
	}
	if q.MessageIDs != nil && !slices.Contains(q.MessageIDs, m.ID) {
		return false
	}
	for _, g := range q.GroupIDs {
		if !m.InGroup(g) {
			return false
		}
	}
	return true
}

// Narrow returns the conjunction of q and extra. Status from extra wins when set.
func (q FailedMessageQuery) Narrow(extra *FailedMessageQuery) FailedMessageQuery {
	if extra == nil {
		return q
	}
	out := q
	out.GroupIDs = append(slices.Clone(q.GroupIDs), extra.GroupIDs...)
	if extra.Status != "" {
		out.Status = extra.Status
	}
	out.Unmarked = q.Unmarked || extra.Unmarked
	if extra.RetryID != "" {
		out.RetryID = extra.RetryID
	}
	switch {
	case q.MessageIDs == nil:
		out.MessageIDs = slices.Clone(extra.MessageIDs)
	case extra.MessageIDs != nil:
		ids := make([]string, 0)
		for _, id := range q.MessageIDs {
			if slices.Contains(extra.MessageIDs, id) {
				ids = append(ids, id)
			}
		}
		out.MessageIDs = ids
	}
	return out
}

// FailedMessageCursor streams query results page by page.
type FailedMessageCursor interface {
	// Next returns the next message, or io.EOF once the result set is exhausted
	Next(ctx context.Context) (*domain.FailedMessage, error)

	// Close releases the cursor
	Close() error
}

// FailedMessageRepository handles failed message documents
type FailedMessageRepository interface {
	// Get retrieves a failed message by its unique message id
	Get(ctx context.Context, id string) (*domain.FailedMessage, error)

	// Save inserts or replaces a failed message and bumps its version
	Save(ctx context.Context, msg *domain.FailedMessage) error

	// SetFailureGroups replaces the group memberships if the stored version
	// still equals expectedVersion, otherwise returns ErrConcurrencyConflict
	SetFailureGroups(
		ctx context.Context,
		id string,
		expectedVersion int64,
		groups []domain.FailureGroup,
	) error

	// SetStatus updates the message status
	SetStatus(ctx context.Context, id string, status domain.FailedMessageStatus) error

	// Query returns every message matching q
	Query(ctx context.Context, q FailedMessageQuery, c Consistency) ([]*domain.FailedMessage, error)

	// Stream opens a cursor over every message matching q
	Stream(ctx context.Context, q FailedMessageQuery, pageSize int) (FailedMessageCursor, error)

	// MarkForRetry flags every matching message as RetryIssued for batchID in a
	// single conditional bulk update and returns the ids it flagged
	MarkForRetry(
		ctx context.Context,
		q FailedMessageQuery,
		batchID string,
		c Consistency,
	) ([]string, error)
}

// RetryBatchRepository handles retry batch documents
type RetryBatchRepository interface {
	// Create stores a new batch; ErrConcurrencyConflict if the id is taken
	Create(ctx context.Context, batch *domain.RetryBatch) error

	// Get retrieves a batch by id
	Get(ctx context.Context, id string) (*domain.RetryBatch, error)

	// GetAll retrieves every batch
	GetAll(ctx context.Context) ([]*domain.RetryBatch, error)

	// ListByStatus retrieves batches currently in status
	ListByStatus(
		ctx context.Context,
		status domain.RetryBatchStatus,
		c Consistency,
	) ([]*domain.RetryBatch, error)

	// Transition moves a batch from one status to the next as a compare-and-set.
	// A nil failureRetries leaves the stored list untouched; otherwise
	// InitialBatchSize becomes its length. Returns
	// ErrConcurrencyConflict when the batch is no longer in from.
	Transition(
		ctx context.Context,
		id string,
		from, to domain.RetryBatchStatus,
		failureRetries []string,
	) error

	// PromoteStale moves every MarkingDocuments batch started before the cutoff
	// to Staging and returns the promoted ids
	PromoteStale(ctx context.Context, startedBefore time.Time, c Consistency) ([]string, error)

	// DeleteDone removes Done batches started before the cutoff
	DeleteDone(ctx context.Context, startedBefore time.Time) (int, error)
}

// FailureRetryRepository handles MessageFailureRetry markers
type FailureRetryRepository interface {
	// Upsert creates or overwrites the marker at its deterministic id
	Upsert(ctx context.Context, marker *domain.MessageFailureRetry) error

	// UpsertMany upserts a set of markers in one round trip
	UpsertMany(ctx context.Context, markers []*domain.MessageFailureRetry) error

	// Get retrieves a marker by id
	Get(ctx context.Context, id string) (*domain.MessageFailureRetry, error)

	// Delete removes a marker; deleting a missing marker is not an error
	Delete(ctx context.Context, id string) error

	// ListByBatch retrieves every marker pointing at batchID
	ListByBatch(
		ctx context.Context,
		batchID string,
		c Consistency,
	) ([]*domain.MessageFailureRetry, error)
}

// SettingsRepository handles singleton settings documents
type SettingsRepository interface {
	// GetReclassifySettings returns the stored settings, or defaults if none exist
	GetReclassifySettings(ctx context.Context) (*domain.ReclassifyErrorSettings, error)

	// SaveReclassifySettings stores the settings
	SaveReclassifySettings(ctx context.Context, s *domain.ReclassifyErrorSettings) error
}
