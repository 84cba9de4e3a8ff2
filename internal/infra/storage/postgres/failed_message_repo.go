package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
	"github.com/vietddude/recoverd/internal/metrics"
)

const messageColumns = `id, status, retry_id, failure_groups, processing_attempts, version, last_modified`

type messageRow struct {
	ID                 string    `db:"id"`
	Status             string    `db:"status"`
	RetryID            string    `db:"retry_id"`
	FailureGroups      []byte    `db:"failure_groups"`
	ProcessingAttempts []byte    `db:"processing_attempts"`
	Version            int64     `db:"version"`
	LastModified       time.Time `db:"last_modified"`
}

func (r messageRow) toDomain() (*domain.FailedMessage, error) {
	m := &domain.FailedMessage{
		ID:           r.ID,
		Status:       domain.FailedMessageStatus(r.Status),
		RetryID:      r.RetryID,
		Version:      r.Version,
		LastModified: r.LastModified,
	}
	if err := json.Unmarshal(r.FailureGroups, &m.FailureGroups); err != nil {
		return nil, fmt.Errorf("failed to decode failure groups of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.ProcessingAttempts, &m.ProcessingAttempts); err != nil {
		return nil, fmt.Errorf("failed to decode processing attempts of %s: %w", r.ID, err)
	}
	return m, nil
}

// FailedMessageRepo implements storage.FailedMessageRepository using PostgreSQL.
type FailedMessageRepo struct {
	db *DB
}

// NewFailedMessageRepo creates a new PostgreSQL failed message repository.
func NewFailedMessageRepo(db *DB) *FailedMessageRepo {
	return &FailedMessageRepo{db: db}
}

// Get retrieves a failed message by id.
func (r *FailedMessageRepo) Get(ctx context.Context, id string) (*domain.FailedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM failed_messages WHERE id = $1`

	var row messageRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed message %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed message: %w", err)
	}
	return row.toDomain()
}

// Save inserts or replaces a failed message and bumps its version.
func (r *FailedMessageRepo) Save(ctx context.Context, msg *domain.FailedMessage) error {
	groups, err := json.Marshal(nonNil(msg.FailureGroups))
	if err != nil {
		return fmt.Errorf("failed to encode failure groups: %w", err)
	}
	attempts, err := json.Marshal(nonNil(msg.ProcessingAttempts))
	if err != nil {
		return fmt.Errorf("failed to encode processing attempts: %w", err)
	}

	query := `
		INSERT INTO failed_messages (id, status, retry_id, group_ids, failure_groups, processing_attempts, version, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, 1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_id = EXCLUDED.retry_id,
			group_ids = EXCLUDED.group_ids,
			failure_groups = EXCLUDED.failure_groups,
			processing_attempts = EXCLUDED.processing_attempts,
			version = failed_messages.version + 1,
			last_modified = NOW()
		RETURNING version
	`

	var version int64
	err = r.db.QueryRowxContext(
		ctx,
		query,
		msg.ID,
		string(msg.Status),
		msg.RetryID,
		pq.Array(nonNil(msg.GroupIDs())),
		groups,
		attempts,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to save failed message: %w", err)
	}
	msg.Version = version
	return nil
}

// SetFailureGroups replaces group memberships at the expected version.
func (r *FailedMessageRepo) SetFailureGroups(
	ctx context.Context,
	id string,
	expectedVersion int64,
	groups []domain.FailureGroup,
) error {
	data, err := json.Marshal(nonNil(groups))
	if err != nil {
		return fmt.Errorf("failed to encode failure groups: %w", err)
	}
	ids := make([]string, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}

	query := `
		UPDATE failed_messages
		SET failure_groups = $3, group_ids = $4, version = version + 1, last_modified = NOW()
		WHERE id = $1 AND version = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, expectedVersion, data, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to set failure groups: %w", err)
	}
	return r.checkVersioned(ctx, res, id)
}

// SetStatus updates the message status.
func (r *FailedMessageRepo) SetStatus(ctx context.Context, id string, status domain.FailedMessageStatus) error {
	query := `
		UPDATE failed_messages
		SET status = $2, version = version + 1, last_modified = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("failed message %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// checkVersioned turns a zero-row conditional update into NotFound or Conflict.
func (r *FailedMessageRepo) checkVersioned(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	err = r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM failed_messages WHERE id = $1)`, id)
	if err != nil {
		return fmt.Errorf("failed to check failed message: %w", err)
	}
	if !exists {
		return fmt.Errorf("failed message %s: %w", id, storage.ErrNotFound)
	}
	return fmt.Errorf("failed message %s changed concurrently: %w", id, storage.ErrConcurrencyConflict)
}

// Query returns every message matching q. Reads are always current, so the
// consistency hint is ignored.
func (r *FailedMessageRepo) Query(
	ctx context.Context,
	q storage.FailedMessageQuery,
	c storage.Consistency,
) ([]*domain.FailedMessage, error) {
	where, args := buildWhere(q, nil)
	query := `SELECT ` + messageColumns + ` FROM failed_messages` + where + ` ORDER BY id`

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query failed messages: %w", err)
	}
	return toMessages(rows)
}

// Stream opens a keyset-paginated cursor over every message matching q.
func (r *FailedMessageRepo) Stream(
	ctx context.Context,
	q storage.FailedMessageQuery,
	pageSize int,
) (storage.FailedMessageCursor, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &messageCursor{repo: r, query: q, pageSize: pageSize}, nil
}

// MarkForRetry flags every matching message for batchID in one UPDATE.
func (r *FailedMessageRepo) MarkForRetry(
	ctx context.Context,
	q storage.FailedMessageQuery,
	batchID string,
	c storage.Consistency,
) ([]string, error) {
	where, args := buildWhere(q, []any{batchID, string(domain.FailedMessageStatusRetryIssued)})
	query := `UPDATE failed_messages SET status = $2, retry_id = $1, version = version + 1, last_modified = NOW()` +
		where + ` RETURNING id`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to mark messages for retry: %w", err)
	}
	metrics.DBBatchSize.WithLabelValues("mark_for_retry").Observe(float64(len(ids)))
	slices.Sort(ids)
	return ids, nil
}

// buildWhere renders q as a WHERE clause whose placeholders continue after args.
func buildWhere(q storage.FailedMessageQuery, args []any) (string, []any) {
	var conds []string
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	if q.Unmarked {
		conds = append(conds, "retry_id = ''")
	}
	if q.RetryID != "" {
		add("retry_id = $%d", q.RetryID)
	}
	if q.MessageIDs != nil {
		add("id = ANY($%d::text[])", pq.Array(nonNil(q.MessageIDs)))
	}
	if len(q.GroupIDs) > 0 {
		add("group_ids @> $%d::text[]", pq.Array(q.GroupIDs))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func toMessages(rows []messageRow) ([]*domain.FailedMessage, error) {
	out := make([]*domain.FailedMessage, 0, len(rows))
	for _, row := range rows {
		m, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// messageCursor pages through results ordered by id.
type messageCursor struct {
	repo     *FailedMessageRepo
	query    storage.FailedMessageQuery
	pageSize int

	lastID string
	buf    []*domain.FailedMessage
	done   bool
	closed bool
}

func (c *messageCursor) Next(ctx context.Context) (*domain.FailedMessage, error) {
	if c.closed {
		return nil, io.EOF
	}
	if len(c.buf) == 0 && !c.done {
		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
	}
	if len(c.buf) == 0 {
		return nil, io.EOF
	}
	m := c.buf[0]
	c.buf = c.buf[1:]
	return m, nil
}

func (c *messageCursor) fetch(ctx context.Context) error {
	where, args := buildWhere(c.query, nil)
	args = append(args, c.lastID, c.pageSize)
	keyset := fmt.Sprintf("id > $%d", len(args)-1)
	if where == "" {
		where = " WHERE " + keyset
	} else {
		where += " AND " + keyset
	}
	query := `SELECT ` + messageColumns + ` FROM failed_messages` + where +
		fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))

	var rows []messageRow
	if err := c.repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return fmt.Errorf("failed to fetch page: %w", err)
	}
	page, err := toMessages(rows)
	if err != nil {
		return err
	}

	if len(page) < c.pageSize {
		c.done = true
	}
	if len(page) > 0 {
		c.lastID = page[len(page)-1].ID
	}
	c.buf = page
	return nil
}

func (c *messageCursor) Close() error {
	c.closed = true
	c.buf = nil
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
