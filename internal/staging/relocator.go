package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/metrics"
)

// ErrMissingTargetAddress is returned for staged messages with no target address header.
var ErrMissingTargetAddress = errors.New("message has no target address")

// Deliverer sends a message to an arbitrary address.
type Deliverer interface {
	Deliver(ctx context.Context, msg *domain.TransportMessage, address string) error
}

// SendBackRelocator returns each staged message to the address recorded in
// its target address header.
type SendBackRelocator struct {
	dispatcher Deliverer
	log        *slog.Logger
}

// NewSendBackRelocator creates a relocator that delivers through dispatcher.
func NewSendBackRelocator(dispatcher Deliverer, log *slog.Logger) *SendBackRelocator {
	if log == nil {
		log = slog.Default()
	}
	return &SendBackRelocator{
		dispatcher: dispatcher,
		log:        log.With("component", "relocator"),
	}
}

// HandleMessage strips the target address and delivery bookkeeping headers
// and delivers the message to the target address.
func (r *SendBackRelocator) HandleMessage(ctx context.Context, msg *domain.TransportMessage) error {
	address, ok := msg.Header(domain.HeaderTargetEndpointAddress)
	if !ok || address == "" {
		metrics.MessagesRelocated.WithLabelValues("send_back", "rejected").Inc()
		return fmt.Errorf("%w: %s", ErrMissingTargetAddress, msg.ID)
	}

	out := domain.NewTransportMessage(msg.ID, msg.Headers, msg.Body)
	out.RemoveHeader(domain.HeaderTargetEndpointAddress)
	out.RemoveHeader(domain.HeaderDeliveryAttempts)

	if err := r.dispatcher.Deliver(ctx, out, address); err != nil {
		metrics.MessagesRelocated.WithLabelValues("send_back", "failed").Inc()
		return fmt.Errorf("failed to deliver %s to %s: %w", msg.ID, address, err)
	}

	metrics.MessagesRelocated.WithLabelValues("send_back", "delivered").Inc()
	r.log.Debug("Message returned to sender", "id", msg.ID, "address", address)
	return nil
}

// NoopRelocator discards every message.
type NoopRelocator struct{}

func (NoopRelocator) HandleMessage(ctx context.Context, msg *domain.TransportMessage) error {
	metrics.MessagesRelocated.WithLabelValues("noop", "discarded").Inc()
	return nil
}
