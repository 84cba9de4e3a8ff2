package retry

import (
	"context"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/staging"
)

// DequeuerForwarder drains the staging address with a send-back dequeuer
// until it stays quiet.
type DequeuerForwarder struct {
	dequeuer *staging.Dequeuer
}

// NewDequeuerForwarder creates a forwarder around dequeuer.
func NewDequeuerForwarder(dequeuer *staging.Dequeuer) *DequeuerForwarder {
	return &DequeuerForwarder{dequeuer: dequeuer}
}

// Forward returns how many messages were relocated during the drain. A drain
// cut short by ctx is an error and leaves the batch in Forwarding.
func (f *DequeuerForwarder) Forward(ctx context.Context, b *domain.RetryBatch) (int, error) {
	before := f.dequeuer.Handled()
	err := f.dequeuer.Run(ctx)
	return int(f.dequeuer.Handled() - before), err
}

// Stop interrupts a drain in progress.
func (f *DequeuerForwarder) Stop(ctx context.Context) error {
	return f.dequeuer.Stop(ctx)
}
