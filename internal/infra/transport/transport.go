// Package transport moves TransportMessages between addresses.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/staging"
)

// HeaderDeliveryAttempts counts failed deliveries of a message to a handler.
const HeaderDeliveryAttempts = domain.HeaderDeliveryAttempts

// pausedBackoff is how long a receiver holds a message its paused handler
// rejected before handing it back to the queue.
const pausedBackoff = 100 * time.Millisecond

// DefaultMaxDeliveryAttempts is how often a failing message is redelivered before it is dropped.
const DefaultMaxDeliveryAttempts = 5

// Dispatcher sends messages.
type Dispatcher interface {
	// SendLocal delivers to the owning process's own input address.
	SendLocal(ctx context.Context, msg *domain.TransportMessage) error

	// Deliver sends to an arbitrary address.
	Deliver(ctx context.Context, msg *domain.TransportMessage, address string) error
}

// Transport is a dispatcher that can also receive from its addresses.
type Transport interface {
	Dispatcher

	// Receiver returns a restartable receiver bound to address.
	Receiver(address string) staging.Receiver

	// LocalAddress is the owning process's input address.
	LocalAddress() string

	Close() error
}

// Config selects and configures a transport.
type Config struct {
	Kind         string `yaml:"kind"` // memory, redis, sqs
	LocalAddress string `yaml:"local_address"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	MaxAttempts  int    `yaml:"max_attempts"`
	WaitSeconds  int32  `yaml:"wait_seconds"`
}

// StagingAddress returns the staging sub-address of an input address.
func StagingAddress(local string) string {
	return local + ".staging"
}

// nextAttempt bumps the delivery attempt header and reports whether the
// message may be redelivered.
func nextAttempt(msg *domain.TransportMessage, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxDeliveryAttempts
	}
	n := 0
	if v, ok := msg.Header(HeaderDeliveryAttempts); ok {
		n, _ = strconv.Atoi(v)
	}
	n++
	msg.SetHeader(HeaderDeliveryAttempts, strconv.Itoa(n))
	return n < maxAttempts
}

// rejectedWhilePaused reports whether the handler turned the message away
// because it is paused. Such a rejection is not a failed attempt.
func rejectedWhilePaused(err error) bool {
	return errors.Is(err, staging.ErrPaused)
}

// waitPaused blocks for pausedBackoff or until ctx is done.
func waitPaused(ctx context.Context) {
	t := time.NewTimer(pausedBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func unknownKind(kind string) error {
	return fmt.Errorf("unknown transport kind %q", kind)
}
