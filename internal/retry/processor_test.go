package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/recoverd/internal/core/batch"
	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
	"github.com/vietddude/recoverd/internal/infra/storage/memory"
	"github.com/vietddude/recoverd/internal/infra/transport"
	"github.com/vietddude/recoverd/internal/staging"
)

const localAddress = "recoverd"

type pipeline struct {
	*fixture
	transport *transport.MemoryTransport
	stager    *TransportStager
	forwarder *DequeuerForwarder
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	f := newFixture(t)
	tr := transport.NewMemoryTransport(localAddress, 0)
	stagingAddr := transport.StagingAddress(localAddress)
	return &pipeline{
		fixture:   f,
		transport: tr,
		stager:    NewTransportStager(f.markers, f.failures, tr, stagingAddr),
		forwarder: NewDequeuerForwarder(staging.NewDequeuer(
			tr.Receiver(stagingAddr),
			staging.NewSendBackRelocator(tr, nil),
			50*time.Millisecond,
			nil,
		)),
	}
}

func (p *pipeline) processor(manager batch.Manager, locker Locker) *Processor {
	return NewProcessor(ProcessorConfig{
		Interval:       time.Hour,
		OrphanTimeout:  5 * time.Minute,
		ForwardTimeout: 5 * time.Second,
	}, manager, p.stager, p.forwarder, locker, "test")
}

// drain pulls everything waiting at address.
func (p *pipeline) drain(t *testing.T, address string) []*domain.TransportMessage {
	t.Helper()
	var out []*domain.TransportMessage
	got := make(chan *domain.TransportMessage, 64)
	recv := p.transport.Receiver(address)
	require.NoError(t, recv.Start(context.Background(), func(ctx context.Context, msg *domain.TransportMessage) error {
		got <- msg
		return nil
	}))
	defer recv.Stop(context.Background())

	for {
		select {
		case msg := <-got:
			out = append(out, msg)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

// stolenBatches lets another instance win every transition: the move is
// applied, then reported as lost.
type stolenBatches struct {
	*memory.RetryBatchRepo
}

func (s stolenBatches) Transition(ctx context.Context, id string, from, to domain.RetryBatchStatus, failureRetries []string) error {
	if err := s.RetryBatchRepo.Transition(ctx, id, from, to, failureRetries); err != nil {
		return err
	}
	return fmt.Errorf("moved by another instance: %w", storage.ErrConcurrencyConflict)
}

type fakeLocker struct {
	held     bool
	err      error
	acquired int
	released int
}

func (l *fakeLocker) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.acquired++
	return true, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, name, owner string) error {
	l.released++
	return nil
}

// refreshingLocker loses its lock after the given number of refreshes.
type refreshingLocker struct {
	fakeLocker
	refreshes int
	keepFor   int
}

func (l *refreshingLocker) RefreshLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	l.refreshes++
	return l.refreshes <= l.keepFor, nil
}

type countingStager struct {
	calls int
}

func (s *countingStager) Stage(ctx context.Context, b *domain.RetryBatch) (int, error) {
	s.calls++
	return 0, nil
}

type failingStager struct {
	err error
}

func (s failingStager) Stage(ctx context.Context, b *domain.RetryBatch) (int, error) {
	return 0, s.err
}

func TestProcessor_StageFailureStillPromotesStaleBatches(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, p.batches.Create(ctx, &domain.RetryBatch{
		ID:      domain.RetryBatchID("staging"),
		Started: now,
		Status:  domain.RetryBatchStatusStaging,
	}))
	require.NoError(t, p.batches.Create(ctx, &domain.RetryBatch{
		ID:      domain.RetryBatchID("stale"),
		Started: now.Add(-time.Hour),
		Status:  domain.RetryBatchStatusMarkingDocuments,
	}))

	stageErr := errors.New("staging queue unavailable")
	proc := NewProcessor(ProcessorConfig{ForwardTimeout: 5 * time.Second},
		p.manager, failingStager{err: stageErr}, p.forwarder, nil, "test")

	err := proc.Tick(ctx)
	assert.ErrorIs(t, err, stageErr)
	assert.Equal(t, domain.RetryBatchStatusStaging, p.batch(t, domain.RetryBatchID("staging")).Status)
	assert.Equal(t, domain.RetryBatchStatusStaging, p.batch(t, domain.RetryBatchID("stale")).Status)
}

func TestProcessor_TickDeliversBatchToOriginalEndpoint(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	for i := range 3 {
		p.seed(t, fmt.Sprintf("msg-%d", i), domain.FailedMessageStatusUnresolved, testGroup)
	}
	batchID, err := p.retryer.RetryGroup(ctx, testGroup)
	require.NoError(t, err)
	p.retryer.Wait()

	require.NoError(t, p.processor(p.manager, nil).Tick(ctx))

	assert.Equal(t, domain.RetryBatchStatusDone, p.batch(t, batchID).Status)
	assert.Zero(t, p.transport.Len(transport.StagingAddress(localAddress)))

	delivered := p.drain(t, "Orders")
	require.Len(t, delivered, 3)
	ids := make([]string, 0, len(delivered))
	for _, msg := range delivered {
		ids = append(ids, msg.Headers[domain.HeaderRetryUniqueMessageID])
		assert.Equal(t, batchID, msg.Headers[domain.HeaderRetryBatchID])
		_, hasTarget := msg.Header(domain.HeaderTargetEndpointAddress)
		assert.False(t, hasTarget)
	}
	assert.ElementsMatch(t, []string{"msg-0", "msg-1", "msg-2"}, ids)

	history := p.manager.History()
	require.Len(t, history, 3)
	assert.Equal(t, domain.RetryBatchStatusDone, history[2].To)
}

func TestProcessor_TickIsIdleWithoutBatches(t *testing.T) {
	p := newPipeline(t)
	stager := &countingStager{}
	proc := NewProcessor(ProcessorConfig{}, p.manager, stager, p.forwarder, nil, "test")

	require.NoError(t, proc.Tick(context.Background()))
	assert.Zero(t, stager.calls)
}

func TestProcessor_ConflictIsSkipped(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.seed(t, "msg-1", domain.FailedMessageStatusUnresolved, testGroup)
	batchID, err := p.retryer.RetryGroup(ctx, testGroup)
	require.NoError(t, err)
	p.retryer.Wait()

	stolen := batch.NewManager(stolenBatches{p.batches})
	require.NoError(t, p.processor(stolen, nil).Tick(ctx))

	assert.Equal(t, domain.RetryBatchStatusDone, p.batch(t, batchID).Status)
	assert.Empty(t, stolen.History())
}

func TestProcessor_SkipsTickWhenLockHeldElsewhere(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.seed(t, "msg-1", domain.FailedMessageStatusUnresolved, testGroup)
	batchID, err := p.retryer.RetryGroup(ctx, testGroup)
	require.NoError(t, err)
	p.retryer.Wait()

	locker := &fakeLocker{held: true}
	require.NoError(t, p.processor(p.manager, locker).Tick(ctx))
	assert.Equal(t, domain.RetryBatchStatusStaging, p.batch(t, batchID).Status)
	assert.Zero(t, locker.released)

	locker.held = false
	require.NoError(t, p.processor(p.manager, locker).Tick(ctx))
	assert.Equal(t, domain.RetryBatchStatusDone, p.batch(t, batchID).Status)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
}

func TestProcessor_LostLockEndsTick(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.seed(t, "msg-1", domain.FailedMessageStatusUnresolved, testGroup)
	batchID, err := p.retryer.RetryGroup(ctx, testGroup)
	require.NoError(t, err)
	p.retryer.Wait()

	// Lock is lost right after the staging step
	locker := &refreshingLocker{}
	require.NoError(t, p.processor(p.manager, locker).Tick(ctx))
	assert.Equal(t, domain.RetryBatchStatusForwarding, p.batch(t, batchID).Status)
	assert.Equal(t, 1, locker.refreshes)
	assert.Equal(t, 1, locker.released)

	locker = &refreshingLocker{keepFor: 10}
	require.NoError(t, p.processor(p.manager, locker).Tick(ctx))
	assert.Equal(t, domain.RetryBatchStatusDone, p.batch(t, batchID).Status)
}

func TestProcessor_LockError(t *testing.T) {
	p := newPipeline(t)
	locker := &fakeLocker{err: errors.New("redis down")}
	err := p.processor(p.manager, locker).Tick(context.Background())
	assert.ErrorContains(t, err, "redis down")
}

func TestProcessor_UpdateOldBatches(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, p.batches.Create(ctx, &domain.RetryBatch{
		ID:      domain.RetryBatchID("old"),
		Started: now.Add(-10 * time.Minute),
		Status:  domain.RetryBatchStatusMarkingDocuments,
	}))
	require.NoError(t, p.batches.Create(ctx, &domain.RetryBatch{
		ID:      domain.RetryBatchID("young"),
		Started: now.Add(-time.Minute),
		Status:  domain.RetryBatchStatusMarkingDocuments,
	}))

	require.NoError(t, p.processor(p.manager, nil).UpdateOldBatches(ctx))

	assert.Equal(t, domain.RetryBatchStatusStaging, p.batch(t, domain.RetryBatchID("old")).Status)
	assert.Equal(t, domain.RetryBatchStatusMarkingDocuments, p.batch(t, domain.RetryBatchID("young")).Status)
}

func TestProcessor_ForwardTimeoutLeavesBatchForwarding(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.batches.Create(ctx, &domain.RetryBatch{
		ID:      domain.RetryBatchID("slow"),
		Started: time.Now().UTC(),
		Status:  domain.RetryBatchStatusForwarding,
	}))

	slow := NewDequeuerForwarder(staging.NewDequeuer(
		p.transport.Receiver(transport.StagingAddress(localAddress)),
		staging.NoopRelocator{},
		time.Minute,
		nil,
	))
	proc := NewProcessor(ProcessorConfig{ForwardTimeout: 50 * time.Millisecond}, p.manager, p.stager, slow, nil, "test")

	err := proc.Tick(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.RetryBatchStatusForwarding, p.batch(t, domain.RetryBatchID("slow")).Status)
}

func TestProcessor_ForwardTimeoutStillPromotesStaleBatches(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, p.batches.Create(ctx, &domain.RetryBatch{
		ID:      domain.RetryBatchID("slow"),
		Started: now,
		Status:  domain.RetryBatchStatusForwarding,
	}))
	require.NoError(t, p.batches.Create(ctx, &domain.RetryBatch{
		ID:      domain.RetryBatchID("stale"),
		Started: now.Add(-time.Hour),
		Status:  domain.RetryBatchStatusMarkingDocuments,
	}))

	slow := NewDequeuerForwarder(staging.NewDequeuer(
		p.transport.Receiver(transport.StagingAddress(localAddress)),
		staging.NoopRelocator{},
		time.Minute,
		nil,
	))
	proc := NewProcessor(ProcessorConfig{ForwardTimeout: 50 * time.Millisecond}, p.manager, p.stager, slow, nil, "test")

	assert.ErrorIs(t, proc.Tick(ctx), context.DeadlineExceeded)
	assert.Equal(t, domain.RetryBatchStatusStaging, p.batch(t, domain.RetryBatchID("stale")).Status)
}

func TestTransportStager_FallsBackToTaggedMessages(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.seed(t, "msg-1", domain.FailedMessageStatusUnresolved, testGroup)
	p.seed(t, "msg-2", domain.FailedMessageStatusUnresolved, testGroup)

	b := &domain.RetryBatch{
		ID:      domain.RetryBatchID("promoted"),
		Started: time.Now().UTC(),
		Status:  domain.RetryBatchStatusStaging,
	}
	_, err := p.failures.MarkForRetry(ctx, storage.FailedMessageQuery{MessageIDs: []string{"msg-1"}}, b.ID, storage.ConsistencyStrict)
	require.NoError(t, err)

	n, err := p.stager.Stage(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	staged := p.drain(t, transport.StagingAddress(localAddress))
	require.Len(t, staged, 1)
	assert.Equal(t, "native-msg-1", staged[0].ID)
	assert.Equal(t, "Orders", staged[0].Headers[domain.HeaderTargetEndpointAddress])
	assert.Equal(t, "Orders", staged[0].Headers[domain.HeaderProcessingEndpoint])
}

func TestTransportStager_SkipsMessagesNoLongerOwned(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.seed(t, "owned", domain.FailedMessageStatusUnresolved, testGroup)
	p.seed(t, "resolved", domain.FailedMessageStatusUnresolved, testGroup)
	p.seed(t, "moved", domain.FailedMessageStatusUnresolved, testGroup)
	p.seed(t, "no-address", domain.FailedMessageStatusUnresolved, testGroup)

	noAddress, err := p.failures.Get(ctx, "no-address")
	require.NoError(t, err)
	noAddress.ProcessingAttempts[0].FailureDetails.AddressOfFailingEndpoint = ""
	require.NoError(t, p.failures.Save(ctx, noAddress))

	batchID, err := p.retryer.RetryGroup(ctx, testGroup)
	require.NoError(t, err)
	p.retryer.Wait()

	require.NoError(t, p.docs.MarkResolved(ctx, "resolved"))
	require.NoError(t, p.docs.MakeFailureRetryDocument(ctx, domain.RetryBatchID("newer"), "moved"))

	n, err := p.stager.Stage(ctx, p.batch(t, batchID))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	staged := p.drain(t, transport.StagingAddress(localAddress))
	require.Len(t, staged, 1)
	assert.Equal(t, "owned", staged[0].Headers[domain.HeaderRetryUniqueMessageID])
}

func TestCommands_RoundTrip(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	p.seed(t, "a", domain.FailedMessageStatusUnresolved, testGroup)
	p.seed(t, "b", domain.FailedMessageStatusUnresolved)

	sender := NewCommandSender(p.transport)
	require.NoError(t, sender.RetryGroup(ctx, testGroup))
	require.NoError(t, sender.RetryMessages(ctx, []string{"b"}))

	handler := NewCommandHandler(p.retryer)
	for _, msg := range p.drain(t, localAddress) {
		require.NoError(t, handler.HandleMessage(ctx, msg))
	}
	p.retryer.Wait()

	all, err := p.manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, id := range []string{"a", "b"} {
		m, err := p.failures.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.FailedMessageStatusRetryIssued, m.Status)
	}
}

func TestCommandHandler_Rejects(t *testing.T) {
	p := newPipeline(t)
	handler := NewCommandHandler(p.retryer)
	ctx := context.Background()

	unknown := domain.NewTransportMessage("1", map[string]string{HeaderCommandType: "Explode"}, []byte(`{}`))
	assert.ErrorIs(t, handler.HandleMessage(ctx, unknown), ErrUnknownCommand)

	missing := domain.NewTransportMessage("2", nil, []byte(`{}`))
	assert.ErrorIs(t, handler.HandleMessage(ctx, missing), ErrUnknownCommand)

	garbled := domain.NewTransportMessage("3", map[string]string{HeaderCommandType: CommandTypeRetryAllInGroup}, []byte(`{`))
	assert.ErrorContains(t, handler.HandleMessage(ctx, garbled), "failed to decode")

	empty := domain.NewTransportMessage("4", map[string]string{HeaderCommandType: CommandTypeRetryMessagesByID}, []byte(`{"message_ids":[]}`))
	assert.NoError(t, handler.HandleMessage(ctx, empty))
}
