package postgres

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
)

func setupTestDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewDBFromSQL(sqlDB), mock
}

var messageCols = []string{"id", "status", "retry_id", "failure_groups", "processing_attempts", "version", "last_modified"}

var batchCols = []string{
	"id", "status", "started", "failure_retries", "retry_session_id",
	"request_id", "context", "initial_batch_size", "version",
}

func TestFailedMessageRepo_Get(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewFailedMessageRepo(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM failed_messages WHERE id = $1")).
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows(messageCols).AddRow(
			"msg-1", "unresolved", "",
			[]byte(`[{"id":"g1","title":"System.Exception","type":"Exception Type and Stack Trace"}]`),
			[]byte(`[{"message_id":"msg-1","headers":{"a":"b"},"body":null,"attempted_at":"2024-01-01T00:00:00Z"}]`),
			int64(3), now,
		))

	m, err := repo.Get(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.FailedMessageStatusUnresolved, m.Status)
	assert.Equal(t, int64(3), m.Version)
	assert.True(t, m.InGroup("g1"))
	require.Len(t, m.ProcessingAttempts, 1)
	assert.Equal(t, "b", m.ProcessingAttempts[0].Headers["a"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailedMessageRepo_GetNotFound(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewFailedMessageRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM failed_messages WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(messageCols))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailedMessageRepo_SaveReturnsVersion(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewFailedMessageRepo(db)

	msg := &domain.FailedMessage{
		ID:     "msg-1",
		Status: domain.FailedMessageStatusUnresolved,
		FailureGroups: []domain.FailureGroup{
			{ID: "g1", Title: "t", Type: "x"},
		},
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO failed_messages")).
		WithArgs("msg-1", "unresolved", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))

	require.NoError(t, repo.Save(context.Background(), msg))
	assert.Equal(t, int64(2), msg.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailedMessageRepo_SetFailureGroups(t *testing.T) {
	groups := []domain.FailureGroup{{ID: "g1", Title: "t", Type: "x"}}

	tests := []struct {
		name      string
		affected  int64
		exists    bool
		expectErr error
	}{
		{name: "updated", affected: 1},
		{name: "version moved", affected: 0, exists: true, expectErr: storage.ErrConcurrencyConflict},
		{name: "missing", affected: 0, exists: false, expectErr: storage.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupTestDB(t)
			repo := NewFailedMessageRepo(db)

			mock.ExpectExec(regexp.QuoteMeta("UPDATE failed_messages")).
				WithArgs("msg-1", int64(4), sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			if tt.affected == 0 {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
					WithArgs("msg-1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))
			}

			err := repo.SetFailureGroups(context.Background(), "msg-1", 4, groups)
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFailedMessageRepo_SetStatusNotFound(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewFailedMessageRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE failed_messages")).
		WithArgs("msg-1", "resolved").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetStatus(context.Background(), "msg-1", domain.FailedMessageStatusResolved)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFailedMessageRepo_MarkForRetry(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewFailedMessageRepo(db)

	q := storage.FailedMessageQuery{
		Status:   domain.FailedMessageStatusUnresolved,
		GroupIDs: []string{"g1"},
		Unmarked: true,
	}

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE failed_messages SET status = $2, retry_id = $1")).
		WithArgs("RetryBatches/b1", "retry_issued", "unresolved", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("msg-2").AddRow("msg-1"))

	ids, err := repo.MarkForRetry(context.Background(), q, "RetryBatches/b1", storage.ConsistencyEventual)
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-1", "msg-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildWhere(t *testing.T) {
	tests := []struct {
		name      string
		q         storage.FailedMessageQuery
		prior     []any
		wantWhere string
		wantArgs  int
	}{
		{name: "empty", wantWhere: "", wantArgs: 0},
		{
			name:      "status and unmarked",
			q:         storage.FailedMessageQuery{Status: domain.FailedMessageStatusUnresolved, Unmarked: true},
			wantWhere: " WHERE status = $1 AND retry_id = ''",
			wantArgs:  1,
		},
		{
			name:      "placeholders continue after prior args",
			q:         storage.FailedMessageQuery{MessageIDs: []string{}, GroupIDs: []string{"g"}},
			prior:     []any{"batch", "status"},
			wantWhere: " WHERE id = ANY($3::text[]) AND group_ids @> $4::text[]",
			wantArgs:  4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := buildWhere(tt.q, tt.prior)
			assert.Equal(t, tt.wantWhere, where)
			assert.Len(t, args, tt.wantArgs)
		})
	}
}

func TestFailedMessageRepo_StreamPages(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewFailedMessageRepo(db)
	now := time.Now()

	row := func(id string) []driver.Value {
		return []driver.Value{id, "unresolved", "", []byte(`[]`), []byte(`[]`), int64(1), now}
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM failed_messages WHERE status = $1 AND id > $2 ORDER BY id LIMIT $3")).
		WithArgs("unresolved", "", 2).
		WillReturnRows(sqlmock.NewRows(messageCols).AddRow(row("a")...).AddRow(row("b")...))
	mock.ExpectQuery(regexp.QuoteMeta("FROM failed_messages WHERE status = $1 AND id > $2 ORDER BY id LIMIT $3")).
		WithArgs("unresolved", "b", 2).
		WillReturnRows(sqlmock.NewRows(messageCols).AddRow(row("c")...))

	ctx := context.Background()
	cur, err := repo.Stream(ctx, storage.FailedMessageQuery{Status: domain.FailedMessageStatusUnresolved}, 2)
	require.NoError(t, err)
	defer cur.Close()

	var ids []string
	for {
		m, err := cur.Next(ctx)
		if err != nil {
			break
		}
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryBatchRepo_CreateConflict(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewRetryBatchRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO retry_batches")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Create(context.Background(), &domain.RetryBatch{
		ID:      "RetryBatches/b1",
		Status:  domain.RetryBatchStatusMarkingDocuments,
		Started: time.Now(),
	})
	assert.ErrorIs(t, err, storage.ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryBatchRepo_Transition(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewRetryBatchRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE retry_batches")).
		WithArgs("RetryBatches/b1", "marking_documents", "staging", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Transition(context.Background(), "RetryBatches/b1",
		domain.RetryBatchStatusMarkingDocuments, domain.RetryBatchStatusStaging,
		[]string{"MessageFailureRetries/m1"})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryBatchRepo_TransitionConflict(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewRetryBatchRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE retry_batches")).
		WithArgs("RetryBatches/b1", "staging", "forwarding", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM retry_batches WHERE id = $1")).
		WithArgs("RetryBatches/b1").
		WillReturnRows(sqlmock.NewRows(batchCols).AddRow(
			"RetryBatches/b1", "forwarding", time.Now(), "{}", "", "", "", 0, int64(3),
		))

	err := repo.Transition(context.Background(), "RetryBatches/b1",
		domain.RetryBatchStatusStaging, domain.RetryBatchStatusForwarding, nil)
	assert.ErrorIs(t, err, storage.ErrConcurrencyConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryBatchRepo_ListByStatus(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewRetryBatchRepo(db)
	started := time.Now().Add(-time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("FROM retry_batches WHERE status = $1")).
		WithArgs("staging").
		WillReturnRows(sqlmock.NewRows(batchCols).AddRow(
			"RetryBatches/b1", "staging", started, "{MessageFailureRetries/a,MessageFailureRetries/b}",
			"session", "req", "group g1", 2, int64(2),
		))

	batches, err := repo.ListByStatus(context.Background(), domain.RetryBatchStatusStaging, storage.ConsistencyStrict)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"MessageFailureRetries/a", "MessageFailureRetries/b"}, batches[0].FailureRetries)
	assert.Equal(t, 2, batches[0].InitialBatchSize)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryBatchRepo_PromoteStaleAndDeleteDone(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewRetryBatchRepo(db)
	cutoff := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE retry_batches")).
		WithArgs("marking_documents", "staging", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("RetryBatches/b2").AddRow("RetryBatches/b1"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM retry_batches")).
		WithArgs("done", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	ids, err := repo.PromoteStale(context.Background(), cutoff, storage.ConsistencyEventual)
	require.NoError(t, err)
	assert.Equal(t, []string{"RetryBatches/b1", "RetryBatches/b2"}, ids)

	n, err := repo.DeleteDone(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailureRetryRepo_UpsertManyUsesTransaction(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewFailureRetryRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO failure_retries")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := repo.UpsertMany(context.Background(), []*domain.MessageFailureRetry{
		{ID: "MessageFailureRetries/a", RetryBatchID: "RetryBatches/b1", FailureMessageID: "a"},
		{ID: "MessageFailureRetries/b", RetryBatchID: "RetryBatches/b1", FailureMessageID: "b"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailureRetryRepo_UpsertManyRollsBack(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewFailureRetryRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO failure_retries")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := repo.UpsertMany(context.Background(), []*domain.MessageFailureRetry{
		{ID: "MessageFailureRetries/a", RetryBatchID: "RetryBatches/b1", FailureMessageID: "a"},
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailureRetryRepo_ListByBatch(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewFailureRetryRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM failure_retries WHERE retry_batch_id = $1")).
		WithArgs("RetryBatches/b1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "retry_batch_id", "failure_message_id"}).
			AddRow("MessageFailureRetries/a", "RetryBatches/b1", "a"))

	markers, err := repo.ListByBatch(context.Background(), "RetryBatches/b1", storage.ConsistencyEventual)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, "a", markers[0].FailureMessageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsRepo_DefaultsWhenMissing(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewSettingsRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM settings")).
		WithArgs(domain.ReclassifyErrorSettingsID).
		WillReturnRows(sqlmock.NewRows([]string{"document"}))

	s, err := repo.GetReclassifySettings(context.Background())
	require.NoError(t, err)
	assert.False(t, s.ReclassificationDone)
	assert.Equal(t, domain.ReclassifyErrorSettingsID, s.ID)
}

func TestSettingsRepo_RoundTrip(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewSettingsRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings")).
		WithArgs(domain.ReclassifyErrorSettingsID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM settings")).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).
			AddRow([]byte(`{"id":"ReclassifyErrorSettings/1","reclassification_done":true}`)))

	ctx := context.Background()
	require.NoError(t, repo.SaveReclassifySettings(ctx, &domain.ReclassifyErrorSettings{ReclassificationDone: true}))

	s, err := repo.GetReclassifySettings(ctx)
	require.NoError(t, err)
	assert.True(t, s.ReclassificationDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}
