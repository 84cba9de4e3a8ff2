package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/metrics"
)

// UnitOfWork bundles persistence operations into a single database transaction.
type UnitOfWork struct {
	tx *sqlx.Tx
}

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{tx: tx}, nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	return err
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}

// SaveFailureRetries upserts markers using a multi-row INSERT.
func (u *UnitOfWork) SaveFailureRetries(ctx context.Context, markers []*domain.MessageFailureRetry) error {
	if len(markers) == 0 {
		return nil
	}

	ids := make([]string, len(markers))
	batchIDs := make([]string, len(markers))
	messageIDs := make([]string, len(markers))
	for i, m := range markers {
		ids[i] = m.ID
		batchIDs[i] = m.RetryBatchID
		messageIDs[i] = m.FailureMessageID
	}

	// Record batch size metric
	metrics.DBBatchSize.WithLabelValues("save_failure_retries").Observe(float64(len(markers)))

	query := `
		INSERT INTO failure_retries (id, retry_batch_id, failure_message_id)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[])
		ON CONFLICT (id) DO UPDATE SET
			retry_batch_id = EXCLUDED.retry_batch_id,
			failure_message_id = EXCLUDED.failure_message_id
	`
	_, err := u.tx.ExecContext(ctx, query, pq.Array(ids), pq.Array(batchIDs), pq.Array(messageIDs))
	if err != nil {
		return fmt.Errorf("failed to save failure retries: %w", err)
	}
	return nil
}
