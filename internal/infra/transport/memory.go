package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/metrics"
	"github.com/vietddude/recoverd/internal/staging"
)

const memoryQueueSize = 4096

// MemoryTransport keeps one buffered channel per address. Messages do not
// survive a restart.
type MemoryTransport struct {
	local       string
	maxAttempts int
	log         *slog.Logger

	mu     sync.Mutex
	queues map[string]chan *domain.TransportMessage
}

// NewMemoryTransport creates an in-process transport whose own input is local.
func NewMemoryTransport(local string, maxAttempts int) *MemoryTransport {
	return &MemoryTransport{
		local:       local,
		maxAttempts: maxAttempts,
		log:         slog.Default().With("component", "transport", "kind", "memory"),
		queues:      make(map[string]chan *domain.TransportMessage),
	}
}

func (t *MemoryTransport) queue(address string) chan *domain.TransportMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[address]
	if !ok {
		q = make(chan *domain.TransportMessage, memoryQueueSize)
		t.queues[address] = q
	}
	return q
}

func (t *MemoryTransport) LocalAddress() string {
	return t.local
}

func (t *MemoryTransport) SendLocal(ctx context.Context, msg *domain.TransportMessage) error {
	return t.Deliver(ctx, msg, t.local)
}

func (t *MemoryTransport) Deliver(ctx context.Context, msg *domain.TransportMessage, address string) error {
	copied := domain.NewTransportMessage(msg.ID, msg.Headers, msg.Body)
	select {
	case t.queue(address) <- copied:
		metrics.TransportMessages.WithLabelValues("memory", "send").Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of messages waiting at address.
func (t *MemoryTransport) Len(address string) int {
	return len(t.queue(address))
}

func (t *MemoryTransport) Receiver(address string) staging.Receiver {
	return &memoryReceiver{transport: t, address: address}
}

func (t *MemoryTransport) Close() error {
	return nil
}

type memoryReceiver struct {
	transport *MemoryTransport
	address   string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *memoryReceiver) Start(ctx context.Context, handle staging.HandlerFunc) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	q := r.transport.queue(r.address)
	go func() {
		defer close(done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case msg := <-q:
				metrics.TransportMessages.WithLabelValues("memory", "receive").Inc()
				err := handle(loopCtx, msg)
				switch {
				case err == nil:
				case rejectedWhilePaused(err):
					waitPaused(loopCtx)
					r.requeue(msg)
				default:
					r.retry(msg, err)
				}
			}
		}
	}()
	return nil
}

func (r *memoryReceiver) retry(msg *domain.TransportMessage, err error) {
	if !nextAttempt(msg, r.transport.maxAttempts) {
		r.transport.log.Error("Dropping message after repeated failures",
			"id", msg.ID, "address", r.address, "error", err)
		return
	}
	r.requeue(msg)
}

func (r *memoryReceiver) requeue(msg *domain.TransportMessage) {
	select {
	case r.transport.queue(r.address) <- msg:
	default:
		r.transport.log.Error("Queue full, dropping message", "id", msg.ID, "address", r.address)
	}
}

func (r *memoryReceiver) Stop(ctx context.Context) error {
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
