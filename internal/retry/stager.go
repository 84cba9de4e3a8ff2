package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/infra/storage"
	"github.com/vietddude/recoverd/internal/metrics"
	"github.com/vietddude/recoverd/internal/staging"
)

// TransportStager rebuilds each message of a batch from its last processing
// attempt and delivers it to the staging address.
type TransportStager struct {
	markers    storage.FailureRetryRepository
	failures   storage.FailedMessageRepository
	dispatcher staging.Deliverer
	address    string
	log        *slog.Logger
}

// NewTransportStager creates a stager delivering to address.
func NewTransportStager(
	markers storage.FailureRetryRepository,
	failures storage.FailedMessageRepository,
	dispatcher staging.Deliverer,
	address string,
) *TransportStager {
	return &TransportStager{
		markers:    markers,
		failures:   failures,
		dispatcher: dispatcher,
		address:    address,
		log:        slog.Default().With("component", "stager"),
	}
}

// Stage delivers every message still owned by b and returns how many were staged.
// A batch promoted before its markers were recorded is staged from the
// messages tagged with its id.
func (s *TransportStager) Stage(ctx context.Context, b *domain.RetryBatch) (int, error) {
	msgs, err := s.load(ctx, b)
	if err != nil {
		return 0, err
	}

	staged := 0
	for _, m := range msgs {
		out, ok := s.build(b, m)
		if !ok {
			metrics.MessagesStaged.WithLabelValues("skipped").Inc()
			continue
		}
		if err := s.dispatcher.Deliver(ctx, out, s.address); err != nil {
			metrics.MessagesStaged.WithLabelValues("failed").Inc()
			return staged, fmt.Errorf("failed to stage %s: %w", m.ID, err)
		}
		metrics.MessagesStaged.WithLabelValues("staged").Inc()
		staged++
	}
	return staged, nil
}

func (s *TransportStager) load(ctx context.Context, b *domain.RetryBatch) ([]*domain.FailedMessage, error) {
	if len(b.FailureRetries) == 0 {
		return s.tagged(ctx, b.ID)
	}

	msgs := make([]*domain.FailedMessage, 0, len(b.FailureRetries))
	for _, id := range b.FailureRetries {
		marker, err := s.markers.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			// Resolved since marking
			continue
		}
		if err != nil {
			return nil, err
		}
		if marker.RetryBatchID != b.ID {
			// A newer batch owns the message
			continue
		}

		m, err := s.failures.Get(ctx, marker.FailureMessageID)
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("Marker points at missing message", "marker", id, "batch", b.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *TransportStager) tagged(ctx context.Context, batchID string) ([]*domain.FailedMessage, error) {
	cur, err := s.failures.Stream(ctx, storage.FailedMessageQuery{
		Status:  domain.FailedMessageStatusRetryIssued,
		RetryID: batchID,
	}, 500)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var msgs []*domain.FailedMessage
	for {
		m, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			return msgs, nil
		}
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
}

func (s *TransportStager) build(b *domain.RetryBatch, m *domain.FailedMessage) (*domain.TransportMessage, bool) {
	if m.Status != domain.FailedMessageStatusRetryIssued || m.RetryID != b.ID {
		return nil, false
	}

	attempt := m.LastAttempt()
	if attempt == nil || attempt.FailureDetails == nil || attempt.FailureDetails.AddressOfFailingEndpoint == "" {
		s.log.Warn("Message has no failing endpoint address", "message", m.ID, "batch", b.ID)
		return nil, false
	}

	id := attempt.MessageID
	if id == "" {
		id = m.ID
	}

	out := domain.NewTransportMessage(id, attempt.Headers, attempt.Body)
	out.SetHeader(domain.HeaderTargetEndpointAddress, attempt.FailureDetails.AddressOfFailingEndpoint)
	out.SetHeader(domain.HeaderRetryUniqueMessageID, m.ID)
	out.SetHeader(domain.HeaderRetryBatchID, b.ID)
	return out, true
}
