package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
)

// FailureRetryRepo implements storage.FailureRetryRepository using PostgreSQL.
type FailureRetryRepo struct {
	db *DB
}

// NewFailureRetryRepo creates a new PostgreSQL marker repository.
func NewFailureRetryRepo(db *DB) *FailureRetryRepo {
	return &FailureRetryRepo{db: db}
}

// Upsert creates or overwrites a marker.
func (r *FailureRetryRepo) Upsert(ctx context.Context, m *domain.MessageFailureRetry) error {
	query := `
		INSERT INTO failure_retries (id, retry_batch_id, failure_message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			retry_batch_id = EXCLUDED.retry_batch_id,
			failure_message_id = EXCLUDED.failure_message_id
	`
	if _, err := r.db.ExecContext(ctx, query, m.ID, m.RetryBatchID, m.FailureMessageID); err != nil {
		return fmt.Errorf("failed to upsert failure retry: %w", err)
	}
	return nil
}

// UpsertMany upserts all markers in one transaction.
func (r *FailureRetryRepo) UpsertMany(ctx context.Context, markers []*domain.MessageFailureRetry) error {
	if len(markers) == 0 {
		return nil
	}

	uow, err := r.db.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.SaveFailureRetries(ctx, markers); err != nil {
		return err
	}
	return uow.Commit()
}

// Get retrieves a marker by id.
func (r *FailureRetryRepo) Get(ctx context.Context, id string) (*domain.MessageFailureRetry, error) {
	query := `SELECT id, retry_batch_id, failure_message_id FROM failure_retries WHERE id = $1`

	var m domain.MessageFailureRetry
	err := r.db.GetContext(ctx, &m, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failure retry %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failure retry: %w", err)
	}
	return &m, nil
}

// Delete removes a marker.
func (r *FailureRetryRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM failure_retries WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete failure retry: %w", err)
	}
	return nil
}

// ListByBatch retrieves every marker pointing at batchID.
func (r *FailureRetryRepo) ListByBatch(
	ctx context.Context,
	batchID string,
	c storage.Consistency,
) ([]*domain.MessageFailureRetry, error) {
	query := `SELECT id, retry_batch_id, failure_message_id FROM failure_retries WHERE retry_batch_id = $1 ORDER BY id`

	var markers []*domain.MessageFailureRetry
	if err := r.db.SelectContext(ctx, &markers, query, batchID); err != nil {
		return nil, fmt.Errorf("failed to list failure retries: %w", err)
	}
	return markers, nil
}
