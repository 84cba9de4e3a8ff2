// Package staging drains a staging queue until it goes quiet, relocating each
// message as it arrives.
package staging

import (
	"context"
	"sync"

	"github.com/vietddude/recoverd/internal/core/domain"
)

// HandlerFunc processes one inbound message. A non-nil error hands the
// message back to the transport for redelivery.
type HandlerFunc func(ctx context.Context, msg *domain.TransportMessage) error

// Receiver delivers messages from one input address to a handler, one at a time.
type Receiver interface {
	// Start begins delivery in the background and returns immediately.
	Start(ctx context.Context, handle HandlerFunc) error

	// Stop ends delivery and waits for the in-flight message to finish.
	Stop(ctx context.Context) error
}

// MessageHandler is the per-message hook a relocator implements.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *domain.TransportMessage) error
}

// stopOnce decorates a Receiver so that Stop reaches the underlying receiver
// exactly once, no matter how many parties ask for it.
type stopOnce struct {
	Receiver
	once sync.Once
	err  error
}

// StopOnce wraps r so that repeated Stop calls are harmless.
func StopOnce(r Receiver) Receiver {
	return &stopOnce{Receiver: r}
}

func (s *stopOnce) Stop(ctx context.Context) error {
	s.once.Do(func() {
		s.err = s.Receiver.Stop(ctx)
	})
	return s.err
}
