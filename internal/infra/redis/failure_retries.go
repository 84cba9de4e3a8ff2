package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
)

// FailureRetryRepo implements storage.FailureRetryRepository using Redis.
// Each marker is a JSON value; a per-batch set indexes markers by batch.
type FailureRetryRepo struct {
	rdb *redis.Client
}

// NewFailureRetryRepo creates a new Redis-backed marker repository.
func NewFailureRetryRepo(client *Client) *FailureRetryRepo {
	return &FailureRetryRepo{rdb: client.rdb}
}

// Key helpers
func markerKey(id string) string {
	return fmt.Sprintf("failure_retry:%s", id)
}

func batchMarkersKey(batchID string) string {
	return fmt.Sprintf("retry_batch_markers:%s", batchID)
}

// Upsert writes the marker and moves it to its batch index.
func (r *FailureRetryRepo) Upsert(ctx context.Context, m *domain.MessageFailureRetry) error {
	return r.UpsertMany(ctx, []*domain.MessageFailureRetry{m})
}

// UpsertMany writes all markers in one transaction.
func (r *FailureRetryRepo) UpsertMany(ctx context.Context, markers []*domain.MessageFailureRetry) error {
	if len(markers) == 0 {
		return nil
	}

	previous, err := r.load(ctx, markerIDs(markers))
	if err != nil {
		return err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range markers {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to marshal marker: %w", err)
			}
			if prev, ok := previous[m.ID]; ok && prev.RetryBatchID != m.RetryBatchID {
				pipe.SRem(ctx, batchMarkersKey(prev.RetryBatchID), m.ID)
			}
			pipe.Set(ctx, markerKey(m.ID), data, 0)
			pipe.SAdd(ctx, batchMarkersKey(m.RetryBatchID), m.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert markers: %w", err)
	}
	return nil
}

// Get retrieves a marker by id.
func (r *FailureRetryRepo) Get(ctx context.Context, id string) (*domain.MessageFailureRetry, error) {
	data, err := r.rdb.Get(ctx, markerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failure retry %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}

	var m domain.MessageFailureRetry
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal marker: %w", err)
	}
	return &m, nil
}

// Delete removes a marker and its index entry.
func (r *FailureRetryRepo) Delete(ctx context.Context, id string) error {
	m, err := r.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, markerKey(id))
		pipe.SRem(ctx, batchMarkersKey(m.RetryBatchID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete marker: %w", err)
	}
	return nil
}

// ListByBatch retrieves every marker indexed under batchID. Redis reads are
// always current, so the consistency hint is ignored.
func (r *FailureRetryRepo) ListByBatch(
	ctx context.Context,
	batchID string,
	c storage.Consistency,
) ([]*domain.MessageFailureRetry, error) {
	ids, err := r.rdb.SMembers(ctx, batchMarkersKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers failed: %w", err)
	}
	sort.Strings(ids)

	found, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.MessageFailureRetry, 0, len(found))
	for _, id := range ids {
		m, ok := found[id]
		if !ok || m.RetryBatchID != batchID {
			// Index entry outlived its marker
			r.rdb.SRem(ctx, batchMarkersKey(batchID), id)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *FailureRetryRepo) load(ctx context.Context, ids []string) (map[string]*domain.MessageFailureRetry, error) {
	out := make(map[string]*domain.MessageFailureRetry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = markerKey(id)
	}

	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m domain.MessageFailureRetry
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal marker %s: %w", ids[i], err)
		}
		out[m.ID] = &m
	}
	return out, nil
}

func markerIDs(markers []*domain.MessageFailureRetry) []string {
	ids := make([]string, len(markers))
	for i, m := range markers {
		ids[i] = m.ID
	}
	return ids
}
