package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
)

const batchColumns = `id, status, started, failure_retries, retry_session_id, request_id, context, initial_batch_size, version`

type batchRow struct {
	ID               string         `db:"id"`
	Status           string         `db:"status"`
	Started          time.Time      `db:"started"`
	FailureRetries   pq.StringArray `db:"failure_retries"`
	RetrySessionID   string         `db:"retry_session_id"`
	RequestID        string         `db:"request_id"`
	Context          string         `db:"context"`
	InitialBatchSize int            `db:"initial_batch_size"`
	Version          int64          `db:"version"`
}

func (r batchRow) toDomain() *domain.RetryBatch {
	return &domain.RetryBatch{
		ID:               r.ID,
		Status:           domain.RetryBatchStatus(r.Status),
		Started:          r.Started,
		FailureRetries:   []string(r.FailureRetries),
		RetrySessionID:   r.RetrySessionID,
		RequestID:        r.RequestID,
		Context:          r.Context,
		InitialBatchSize: r.InitialBatchSize,
		Version:          r.Version,
	}
}

// RetryBatchRepo implements storage.RetryBatchRepository using PostgreSQL.
type RetryBatchRepo struct {
	db *DB
}

// NewRetryBatchRepo creates a new PostgreSQL retry batch repository.
func NewRetryBatchRepo(db *DB) *RetryBatchRepo {
	return &RetryBatchRepo{db: db}
}

// Create stores a new batch.
func (r *RetryBatchRepo) Create(ctx context.Context, b *domain.RetryBatch) error {
	query := `
		INSERT INTO retry_batches (id, status, started, failure_retries, retry_session_id, request_id, context, initial_batch_size, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := r.db.ExecContext(
		ctx,
		query,
		b.ID,
		string(b.Status),
		b.Started,
		pq.Array(nonNil(b.FailureRetries)),
		b.RetrySessionID,
		b.RequestID,
		b.Context,
		b.InitialBatchSize,
	)
	if err != nil {
		return fmt.Errorf("failed to create retry batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("retry batch %s already exists: %w", b.ID, storage.ErrConcurrencyConflict)
	}
	b.Version = 1
	return nil
}

// Get retrieves a batch by id.
func (r *RetryBatchRepo) Get(ctx context.Context, id string) (*domain.RetryBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM retry_batches WHERE id = $1`

	var row batchRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("retry batch %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retry batch: %w", err)
	}
	return row.toDomain(), nil
}

// GetAll retrieves every batch, oldest first.
func (r *RetryBatchRepo) GetAll(ctx context.Context) ([]*domain.RetryBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM retry_batches ORDER BY started, id`

	var rows []batchRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list retry batches: %w", err)
	}
	return toBatches(rows), nil
}

// ListByStatus retrieves batches in status, oldest first.
func (r *RetryBatchRepo) ListByStatus(
	ctx context.Context,
	status domain.RetryBatchStatus,
	c storage.Consistency,
) ([]*domain.RetryBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM retry_batches WHERE status = $1 ORDER BY started, id`

	var rows []batchRow
	if err := r.db.SelectContext(ctx, &rows, query, string(status)); err != nil {
		return nil, fmt.Errorf("failed to list retry batches: %w", err)
	}
	return toBatches(rows), nil
}

// Transition moves a batch from one status to another as a compare-and-set.
func (r *RetryBatchRepo) Transition(
	ctx context.Context,
	id string,
	from, to domain.RetryBatchStatus,
	failureRetries []string,
) error {
	query := `
		UPDATE retry_batches
		SET status = $3,
			failure_retries = COALESCE($4::text[], failure_retries),
			initial_batch_size = COALESCE(cardinality($4::text[]), initial_batch_size),
			version = version + 1
		WHERE id = $1 AND status = $2
	`
	// A nil slice binds as NULL and keeps the stored list and size
	var retries any
	if failureRetries != nil {
		retries = pq.Array(failureRetries)
	}

	res, err := r.db.ExecContext(ctx, query, id, string(from), string(to), retries)
	if err != nil {
		return fmt.Errorf("failed to transition retry batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("retry batch %s is %s, expected %s: %w",
		id, current.Status, from, storage.ErrConcurrencyConflict)
}

// PromoteStale moves MarkingDocuments batches started before the cutoff to Staging.
func (r *RetryBatchRepo) PromoteStale(
	ctx context.Context,
	startedBefore time.Time,
	c storage.Consistency,
) ([]string, error) {
	query := `
		UPDATE retry_batches
		SET status = $2, version = version + 1
		WHERE status = $1 AND started < $3
		RETURNING id
	`
	var ids []string
	err := r.db.SelectContext(
		ctx,
		&ids,
		query,
		string(domain.RetryBatchStatusMarkingDocuments),
		string(domain.RetryBatchStatusStaging),
		startedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to promote stale batches: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// DeleteDone removes Done batches started before the cutoff.
func (r *RetryBatchRepo) DeleteDone(ctx context.Context, startedBefore time.Time) (int, error) {
	query := `DELETE FROM retry_batches WHERE status = $1 AND started < $2`

	res, err := r.db.ExecContext(ctx, query, string(domain.RetryBatchStatusDone), startedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete done batches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func toBatches(rows []batchRow) []*domain.RetryBatch {
	out := make([]*domain.RetryBatch, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out
}
