package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/metrics"
	"github.com/vietddude/recoverd/internal/staging"
)

const redisPollTimeout = time.Second

// Queue is the list API the Redis transport needs.
type Queue interface {
	Push(ctx context.Context, address string, payload []byte) error
	Pop(ctx context.Context, address string, timeout time.Duration) ([]byte, bool, error)
}

// RedisTransport moves envelopes through Redis lists, one list per address.
type RedisTransport struct {
	queue       Queue
	codec       *Codec
	local       string
	maxAttempts int
	log         *slog.Logger
}

// NewRedisTransport creates a transport backed by queue.
func NewRedisTransport(queue Queue, codec *Codec, local string, maxAttempts int) *RedisTransport {
	return &RedisTransport{
		queue:       queue,
		codec:       codec,
		local:       local,
		maxAttempts: maxAttempts,
		log:         slog.Default().With("component", "transport", "kind", "redis"),
	}
}

func (t *RedisTransport) LocalAddress() string {
	return t.local
}

func (t *RedisTransport) SendLocal(ctx context.Context, msg *domain.TransportMessage) error {
	return t.Deliver(ctx, msg, t.local)
}

func (t *RedisTransport) Deliver(ctx context.Context, msg *domain.TransportMessage, address string) error {
	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := t.queue.Push(ctx, address, data); err != nil {
		return err
	}
	metrics.TransportMessages.WithLabelValues("redis", "send").Inc()
	return nil
}

func (t *RedisTransport) Receiver(address string) staging.Receiver {
	return &redisReceiver{transport: t, address: address}
}

// Close is a no-op; the Redis client is owned by the caller.
func (t *RedisTransport) Close() error {
	return nil
}

type redisReceiver struct {
	transport *RedisTransport
	address   string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *redisReceiver) Start(ctx context.Context, handle staging.HandlerFunc) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.poll(loopCtx, handle)
	}()
	return nil
}

func (r *redisReceiver) poll(ctx context.Context, handle staging.HandlerFunc) {
	t := r.transport
	for ctx.Err() == nil {
		data, ok, err := t.queue.Pop(ctx, r.address, redisPollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			t.log.Error("Failed to pop message", "address", r.address, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(redisPollTimeout):
			}
			continue
		}
		if !ok {
			continue
		}

		metrics.TransportMessages.WithLabelValues("redis", "receive").Inc()
		msg, err := t.codec.Decode(data)
		if err != nil {
			t.log.Error("Discarding invalid envelope", "address", r.address, "error", err)
			continue
		}

		err = handle(ctx, msg)
		switch {
		case err == nil:
		case rejectedWhilePaused(err):
			waitPaused(ctx)
			r.requeue(msg)
		default:
			r.retry(msg, err)
		}
	}
}

func (r *redisReceiver) retry(msg *domain.TransportMessage, err error) {
	t := r.transport
	if !nextAttempt(msg, t.maxAttempts) {
		t.log.Error("Dropping message after repeated failures",
			"id", msg.ID, "address", r.address, "error", err)
		return
	}
	r.requeue(msg)
}

func (r *redisReceiver) requeue(msg *domain.TransportMessage) {
	t := r.transport
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Deliver(ctx, msg, r.address); err != nil {
		t.log.Error("Failed to requeue message", "id", msg.ID, "address", r.address, "error", err)
	}
}

func (r *redisReceiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
