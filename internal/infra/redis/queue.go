package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func queueKey(address string) string {
	return fmt.Sprintf("queue:%s", address)
}

// Push appends a payload to the queue for address.
func (c *Client) Push(ctx context.Context, address string, payload []byte) error {
	if err := c.rdb.LPush(ctx, queueKey(address), payload).Err(); err != nil {
		return fmt.Errorf("lpush failed: %w", err)
	}
	return nil
}

// Pop removes the oldest payload, waiting up to timeout for one to arrive.
func (c *Client) Pop(ctx context.Context, address string, timeout time.Duration) ([]byte, bool, error) {
	res, err := c.rdb.BRPop(ctx, timeout, queueKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("brpop failed: %w", err)
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected brpop reply: %v", res)
	}
	return []byte(res[1]), true, nil
}

// QueueLen returns the number of payloads waiting at address.
func (c *Client) QueueLen(ctx context.Context, address string) (int64, error) {
	return c.rdb.LLen(ctx, queueKey(address)).Result()
}
