package memory

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
)

// MemoryStorage keeps every document in process memory. Consistency hints are
// accepted and ignored: reads always observe the latest write.
type MemoryStorage struct {
	messages map[string]*domain.FailedMessage
	batches  map[string]*domain.RetryBatch
	markers  map[string]*domain.MessageFailureRetry
	settings *domain.ReclassifyErrorSettings
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string]*domain.FailedMessage),
		batches:  make(map[string]*domain.RetryBatch),
		markers:  make(map[string]*domain.MessageFailureRetry),
	}
}

// -----------------------------------------------------------------------------
// Failed Message Repository
// -----------------------------------------------------------------------------

type FailedMessageRepo struct {
	store *MemoryStorage
}

func NewFailedMessageRepo(store *MemoryStorage) *FailedMessageRepo {
	return &FailedMessageRepo{store: store}
}

func (r *FailedMessageRepo) Get(ctx context.Context, id string) (*domain.FailedMessage, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	m, ok := r.store.messages[id]
	if !ok {
		return nil, fmt.Errorf("failed message %s: %w", id, storage.ErrNotFound)
	}
	return m.Clone(), nil
}

func (r *FailedMessageRepo) Save(ctx context.Context, msg *domain.FailedMessage) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := msg.Clone()
	if prev, ok := r.store.messages[msg.ID]; ok {
		c.Version = prev.Version + 1
	} else {
		c.Version = 1
	}
	c.LastModified = time.Now()
	r.store.messages[msg.ID] = c
	msg.Version = c.Version
	return nil
}

func (r *FailedMessageRepo) SetFailureGroups(
	ctx context.Context,
	id string,
	expectedVersion int64,
	groups []domain.FailureGroup,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.messages[id]
	if !ok {
		return fmt.Errorf("failed message %s: %w", id, storage.ErrNotFound)
	}
	if m.Version != expectedVersion {
		return fmt.Errorf("failed message %s at version %d, expected %d: %w",
			id, m.Version, expectedVersion, storage.ErrConcurrencyConflict)
	}
	m.FailureGroups = slices.Clone(groups)
	m.Version++
	m.LastModified = time.Now()
	return nil
}

func (r *FailedMessageRepo) SetStatus(ctx context.Context, id string, status domain.FailedMessageStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	m, ok := r.store.messages[id]
	if !ok {
		return fmt.Errorf("failed message %s: %w", id, storage.ErrNotFound)
	}
	m.Status = status
	m.Version++
	m.LastModified = time.Now()
	return nil
}

func (r *FailedMessageRepo) Query(
	ctx context.Context,
	q storage.FailedMessageQuery,
	c storage.Consistency,
) ([]*domain.FailedMessage, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.FailedMessage
	for _, m := range r.store.messages {
		if q.Matches(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *FailedMessageRepo) Stream(
	ctx context.Context,
	q storage.FailedMessageQuery,
	pageSize int,
) (storage.FailedMessageCursor, error) {
	if pageSize <= 0 {
		pageSize = 128
	}
	return &messageCursor{repo: r, query: q, pageSize: pageSize}, nil
}

func (r *FailedMessageRepo) MarkForRetry(
	ctx context.Context,
	q storage.FailedMessageQuery,
	batchID string,
	c storage.Consistency,
) ([]string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var marked []string
	now := time.Now()
	for _, m := range r.store.messages {
		if !q.Matches(m) {
			continue
		}
		m.Status = domain.FailedMessageStatusRetryIssued
		m.RetryID = batchID
		m.Version++
		m.LastModified = now
		marked = append(marked, m.ID)
	}
	sort.Strings(marked)
	return marked, nil
}

// messageCursor pages through the store by id so that writes made while
// streaming never invalidate it.
type messageCursor struct {
	repo     *FailedMessageRepo
	query    storage.FailedMessageQuery
	pageSize int
	page     []*domain.FailedMessage
	lastID   string
	done     bool
}

func (c *messageCursor) Next(ctx context.Context) (*domain.FailedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.page) == 0 && !c.done {
		c.fetch()
	}
	if len(c.page) == 0 {
		return nil, io.EOF
	}
	m := c.page[0]
	c.page = c.page[1:]
	return m, nil
}

func (c *messageCursor) fetch() {
	c.repo.store.mu.RLock()
	defer c.repo.store.mu.RUnlock()
	var ids []string
	for id, m := range c.repo.store.messages {
		if id > c.lastID && c.query.Matches(m) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) <= c.pageSize {
		c.done = true
	} else {
		ids = ids[:c.pageSize]
	}
	for _, id := range ids {
		c.page = append(c.page, c.repo.store.messages[id].Clone())
	}
	if len(ids) > 0 {
		c.lastID = ids[len(ids)-1]
	}
}

func (c *messageCursor) Close() error {
	c.page = nil
	c.done = true
	return nil
}

// -----------------------------------------------------------------------------
// Retry Batch Repository
// -----------------------------------------------------------------------------

type RetryBatchRepo struct {
	store *MemoryStorage
}

func NewRetryBatchRepo(store *MemoryStorage) *RetryBatchRepo {
	return &RetryBatchRepo{store: store}
}

func (r *RetryBatchRepo) Create(ctx context.Context, b *domain.RetryBatch) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.batches[b.ID]; ok {
		return fmt.Errorf("retry batch %s exists: %w", b.ID, storage.ErrConcurrencyConflict)
	}
	c := b.Clone()
	c.Version = 1
	r.store.batches[b.ID] = c
	return nil
}

func (r *RetryBatchRepo) Get(ctx context.Context, id string) (*domain.RetryBatch, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	b, ok := r.store.batches[id]
	if !ok {
		return nil, fmt.Errorf("retry batch %s: %w", id, storage.ErrNotFound)
	}
	return b.Clone(), nil
}

func (r *RetryBatchRepo) GetAll(ctx context.Context) ([]*domain.RetryBatch, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.RetryBatch, 0, len(r.store.batches))
	for _, b := range r.store.batches {
		out = append(out, b.Clone())
	}
	sortBatches(out)
	return out, nil
}

func (r *RetryBatchRepo) ListByStatus(
	ctx context.Context,
	status domain.RetryBatchStatus,
	c storage.Consistency,
) ([]*domain.RetryBatch, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.RetryBatch
	for _, b := range r.store.batches {
		if b.Status == status {
			out = append(out, b.Clone())
		}
	}
	sortBatches(out)
	return out, nil
}

func (r *RetryBatchRepo) Transition(
	ctx context.Context,
	id string,
	from, to domain.RetryBatchStatus,
	failureRetries []string,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	b, ok := r.store.batches[id]
	if !ok {
		return fmt.Errorf("retry batch %s: %w", id, storage.ErrNotFound)
	}
	if b.Status != from {
		return fmt.Errorf("retry batch %s is %s, not %s: %w", id, b.Status, from, storage.ErrConcurrencyConflict)
	}
	b.Status = to
	if failureRetries != nil {
		b.FailureRetries = slices.Clone(failureRetries)
		b.InitialBatchSize = len(failureRetries)
	}
	b.Version++
	return nil
}

func (r *RetryBatchRepo) PromoteStale(
	ctx context.Context,
	startedBefore time.Time,
	c storage.Consistency,
) ([]string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var promoted []string
	for _, b := range r.store.batches {
		if b.Status == domain.RetryBatchStatusMarkingDocuments && b.Started.Before(startedBefore) {
			b.Status = domain.RetryBatchStatusStaging
			b.Version++
			promoted = append(promoted, b.ID)
		}
	}
	sort.Strings(promoted)
	return promoted, nil
}

func (r *RetryBatchRepo) DeleteDone(ctx context.Context, startedBefore time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n := 0
	for id, b := range r.store.batches {
		if b.Status == domain.RetryBatchStatusDone && b.Started.Before(startedBefore) {
			delete(r.store.batches, id)
			n++
		}
	}
	return n, nil
}

func sortBatches(bs []*domain.RetryBatch) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Started.Equal(bs[j].Started) {
			return bs[i].ID < bs[j].ID
		}
		return bs[i].Started.Before(bs[j].Started)
	})
}

// -----------------------------------------------------------------------------
// Failure Retry Repository
// -----------------------------------------------------------------------------

type FailureRetryRepo struct {
	store *MemoryStorage
}

func NewFailureRetryRepo(store *MemoryStorage) *FailureRetryRepo {
	return &FailureRetryRepo{store: store}
}

func (r *FailureRetryRepo) Upsert(ctx context.Context, marker *domain.MessageFailureRetry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *marker
	r.store.markers[marker.ID] = &c
	return nil
}

func (r *FailureRetryRepo) UpsertMany(ctx context.Context, markers []*domain.MessageFailureRetry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, m := range markers {
		c := *m
		r.store.markers[m.ID] = &c
	}
	return nil
}

func (r *FailureRetryRepo) Get(ctx context.Context, id string) (*domain.MessageFailureRetry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	m, ok := r.store.markers[id]
	if !ok {
		return nil, fmt.Errorf("failure retry %s: %w", id, storage.ErrNotFound)
	}
	c := *m
	return &c, nil
}

func (r *FailureRetryRepo) Delete(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.markers, id)
	return nil
}

func (r *FailureRetryRepo) ListByBatch(
	ctx context.Context,
	batchID string,
	c storage.Consistency,
) ([]*domain.MessageFailureRetry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.MessageFailureRetry
	for _, m := range r.store.markers {
		if m.RetryBatchID == batchID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Settings Repository
// -----------------------------------------------------------------------------

type SettingsRepo struct {
	store *MemoryStorage
}

func NewSettingsRepo(store *MemoryStorage) *SettingsRepo {
	return &SettingsRepo{store: store}
}

func (r *SettingsRepo) GetReclassifySettings(ctx context.Context) (*domain.ReclassifyErrorSettings, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if r.store.settings == nil {
		return &domain.ReclassifyErrorSettings{ID: domain.ReclassifyErrorSettingsID}, nil
	}
	c := *r.store.settings
	return &c, nil
}

func (r *SettingsRepo) SaveReclassifySettings(ctx context.Context, s *domain.ReclassifyErrorSettings) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *s
	c.ID = domain.ReclassifyErrorSettingsID
	r.store.settings = &c
	return nil
}
