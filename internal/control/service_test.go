package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/recoverd/internal/core/batch"
	"github.com/vietddude/recoverd/internal/core/config"
	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/transport"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(`
retries:
  interval: 50ms
  forward_timeout: 5s
  staging_inactivity: 50ms
`))
	require.NoError(t, err)
	cfg.Server.Port = 0 // Random port
	return cfg
}

func seedFailure(t *testing.T, s *Service, id, group string) {
	t.Helper()
	require.NoError(t, s.Failures().Save(context.Background(), &domain.FailedMessage{
		ID:            id,
		Status:        domain.FailedMessageStatusUnresolved,
		FailureGroups: []domain.FailureGroup{{ID: group, Title: group, Type: "test"}},
		ProcessingAttempts: []domain.ProcessingAttempt{{
			MessageID: "native-" + id,
			Body:      []byte(`{}`),
			FailureDetails: &domain.FailureDetails{
				AddressOfFailingEndpoint: "Orders",
				TimeOfFailure:            time.Now(),
			},
		}},
	}))
}

func TestService_Lifecycle(t *testing.T) {
	s, err := NewService(context.Background(), testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	assert.NoError(t, s.Stop(stopCtx))
}

func TestService_RetryCommandFlowsToEndpoint(t *testing.T) {
	s, err := NewService(context.Background(), testConfig(t))
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		seedFailure(t, s, id, "group-1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		assert.NoError(t, s.Stop(stopCtx))
	}()

	require.NoError(t, s.Commands().RetryGroup(ctx, "group-1"))

	tr := s.transport.(*transport.MemoryTransport)
	require.Eventually(t, func() bool {
		all, err := s.Batches().List(ctx)
		return err == nil && len(all) == 1 && all[0].Status == domain.RetryBatchStatusDone
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3, tr.Len("Orders"))

	for _, id := range []string{"a", "b", "c"} {
		m, err := s.Failures().Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.FailedMessageStatusRetryIssued, m.Status)
	}
}

func TestService_StartAdoptsOrphans(t *testing.T) {
	s, err := NewService(context.Background(), testConfig(t))
	require.NoError(t, err)
	ctx := context.Background()

	b, err := s.Batches().Create(ctx, "orphan", batch.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Documents().MakeFailureRetryDocument(ctx, b.ID, "a"))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, s.Start(runCtx))

	got, err := s.Batches().Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Ordinal() >= domain.RetryBatchStatusStaging.Ordinal())

	stopCtx, stopCancel := context.WithTimeout(ctx, 5*time.Second)
	defer stopCancel()
	assert.NoError(t, s.Stop(stopCtx))
}

func TestNewService_RejectsUnknownTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.Kind = "carrier-pigeon"
	_, err := NewService(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown transport kind")
}

func TestService_PurgeStaging(t *testing.T) {
	svc, err := NewService(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	staging := transport.StagingAddress(svc.Config().Transport.LocalAddress)
	for _, id := range []string{"a", "b"} {
		msg := domain.NewTransportMessage(id, map[string]string{domain.HeaderTargetEndpointAddress: "Orders"}, nil)
		require.NoError(t, svc.transport.Deliver(ctx, msg, staging))
	}

	n, err := svc.PurgeStaging(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mem, ok := svc.transport.(*transport.MemoryTransport)
	require.True(t, ok)
	assert.Zero(t, mem.Len(staging))
	assert.Zero(t, mem.Len("Orders"))
}
