package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/recoverd/internal/core/domain"
)

// DefaultInactivity is how long the staging queue must stay quiet before a drain ends.
const DefaultInactivity = 5 * time.Second

var (
	// ErrPaused is returned for messages delivered while the dequeuer is paused.
	ErrPaused = errors.New("dequeuer paused")

	// ErrAlreadyRunning is returned when Run is called on a running dequeuer.
	ErrAlreadyRunning = errors.New("dequeuer already running")
)

// Dequeuer consumes an address until no message has arrived for the
// inactivity window, then stops its receiver.
type Dequeuer struct {
	receiver   Receiver
	hook       MessageHandler
	inactivity time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	running bool
	current Receiver
	timer   *time.Timer
	window  time.Duration
	fire    func()

	paused  atomic.Bool
	handled atomic.Int64
}

// NewDequeuer creates a dequeuer that passes every message to hook.
func NewDequeuer(receiver Receiver, hook MessageHandler, inactivity time.Duration, log *slog.Logger) *Dequeuer {
	if inactivity <= 0 {
		inactivity = DefaultInactivity
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dequeuer{
		receiver:   receiver,
		hook:       hook,
		inactivity: inactivity,
		log:        log.With("component", "dequeuer"),
	}
}

// NewNoopDequeuer creates a dequeuer that discards everything it receives.
func NewNoopDequeuer(receiver Receiver, inactivity time.Duration, log *slog.Logger) *Dequeuer {
	return NewDequeuer(receiver, NoopRelocator{}, inactivity, log)
}

// Handle passes msg to the hook and restarts the inactivity window.
func (d *Dequeuer) Handle(ctx context.Context, msg *domain.TransportMessage) error {
	if d.paused.Load() {
		return ErrPaused
	}
	defer d.resetTimer()

	if err := d.hook.HandleMessage(ctx, msg); err != nil {
		return err
	}
	d.handled.Add(1)
	return nil
}

// Run drains until the queue has been quiet for the inactivity window.
func (d *Dequeuer) Run(ctx context.Context) error {
	return d.Drain(ctx, d.inactivity)
}

// Drain starts the receiver and blocks until no message has arrived for
// quiet, ctx is done, or Stop is called. The receiver is stopped before
// Drain returns. Reaching quiet is a normal completion and returns nil.
func (d *Dequeuer) Drain(ctx context.Context, quiet time.Duration) error {
	if quiet <= 0 {
		quiet = d.inactivity
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	done := make(chan struct{})
	var once sync.Once
	fire := func() { once.Do(func() { close(done) }) }

	recv := StopOnce(d.receiver)
	d.running = true
	d.current = recv
	d.window = quiet
	d.fire = fire
	d.timer = time.AfterFunc(quiet, fire)
	d.mu.Unlock()

	defer d.finish()

	if err := recv.Start(ctx, d.Handle); err != nil {
		return fmt.Errorf("failed to start receiver: %w", err)
	}

	var runErr error
	select {
	case <-done:
		d.log.Debug("Queue quiet, stopping receiver", "quiet", quiet, "handled", d.handled.Load())
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	if err := recv.Stop(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to stop receiver: %w", err)
	}
	return runErr
}

// Pause rejects deliveries back to the transport until Resume.
func (d *Dequeuer) Pause() {
	d.paused.Store(true)
}

// Resume undoes Pause.
func (d *Dequeuer) Resume() {
	d.paused.Store(false)
}

// Stop ends the current run early. Safe to call at any time, any number of times.
func (d *Dequeuer) Stop(ctx context.Context) error {
	d.mu.Lock()
	recv, fire := d.current, d.fire
	d.mu.Unlock()

	if fire != nil {
		fire()
	}
	if recv != nil {
		return recv.Stop(ctx)
	}
	return nil
}

// Handled returns how many messages the hook has accepted.
func (d *Dequeuer) Handled() int64 {
	return d.handled.Load()
}

func (d *Dequeuer) resetTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Reset(d.window)
	}
}

func (d *Dequeuer) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.running = false
	d.current = nil
	d.timer = nil
	d.fire = nil
}
