package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/metrics"
	"github.com/vietddude/recoverd/internal/staging"
)

const (
	// sqsMaxMessages is the batch size of one ReceiveMessage call.
	sqsMaxMessages = 10
	// sqsDefaultWaitSeconds enables long polling.
	sqsDefaultWaitSeconds = 10
	sqsDeleteTimeout      = 5 * time.Second
	sqsRetryDelay         = 2 * time.Second
)

// SQSClient defines the SQS operations the transport needs.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// SQSTransport maps each address to an SQS queue. Addresses are either
// queue URLs or queue names resolved through GetQueueUrl.
type SQSTransport struct {
	client      SQSClient
	codec       *Codec
	local       string
	maxAttempts int
	waitSeconds int32
	log         *slog.Logger

	mu   sync.Mutex
	urls map[string]string
}

// NewSQSTransport creates a transport on top of client.
func NewSQSTransport(client SQSClient, codec *Codec, local string, maxAttempts int, waitSeconds int32) *SQSTransport {
	if waitSeconds <= 0 {
		waitSeconds = sqsDefaultWaitSeconds
	}
	return &SQSTransport{
		client:      client,
		codec:       codec,
		local:       local,
		maxAttempts: maxAttempts,
		waitSeconds: waitSeconds,
		log:         slog.Default().With("component", "transport", "kind", "sqs"),
		urls:        make(map[string]string),
	}
}

func (t *SQSTransport) queueURL(ctx context.Context, address string) (string, error) {
	if strings.HasPrefix(address, "https://") || strings.HasPrefix(address, "http://") {
		return address, nil
	}

	t.mu.Lock()
	url, ok := t.urls[address]
	t.mu.Unlock()
	if ok {
		return url, nil
	}

	out, err := t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(address)})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue %s: %w", address, err)
	}
	url = aws.ToString(out.QueueUrl)

	t.mu.Lock()
	t.urls[address] = url
	t.mu.Unlock()
	return url, nil
}

func (t *SQSTransport) LocalAddress() string {
	return t.local
}

func (t *SQSTransport) SendLocal(ctx context.Context, msg *domain.TransportMessage) error {
	return t.Deliver(ctx, msg, t.local)
}

func (t *SQSTransport) Deliver(ctx context.Context, msg *domain.TransportMessage, address string) error {
	url, err := t.queueURL(ctx, address)
	if err != nil {
		return err
	}
	data, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	_, err = t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(data)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message %s: %w", msg.ID, err)
	}
	metrics.TransportMessages.WithLabelValues("sqs", "send").Inc()
	return nil
}

func (t *SQSTransport) Receiver(address string) staging.Receiver {
	return &sqsReceiver{transport: t, address: address}
}

func (t *SQSTransport) Close() error {
	return nil
}

type sqsReceiver struct {
	transport *SQSTransport
	address   string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *sqsReceiver) Start(ctx context.Context, handle staging.HandlerFunc) error {
	url, err := r.transport.queueURL(ctx, r.address)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.poll(loopCtx, url, handle)
	}()
	return nil
}

func (r *sqsReceiver) poll(ctx context.Context, url string, handle staging.HandlerFunc) {
	t := r.transport
	for ctx.Err() == nil {
		output, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(url),
			MaxNumberOfMessages: sqsMaxMessages,
			WaitTimeSeconds:     t.waitSeconds,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			t.log.Error("Failed to receive messages", "queue", url, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sqsRetryDelay):
			}
			continue
		}

		for _, m := range output.Messages {
			r.process(ctx, url, m, handle)
		}
	}
}

// process hands one message to the handler. Successful and undecodable
// messages are deleted; failed ones reappear after the visibility timeout
// until the receive count reaches the attempt limit.
func (r *sqsReceiver) process(ctx context.Context, url string, m types.Message, handle staging.HandlerFunc) {
	t := r.transport
	metrics.TransportMessages.WithLabelValues("sqs", "receive").Inc()

	if m.Body == nil {
		t.log.Error("Received message with empty body", "queue", url)
		r.delete(url, m)
		return
	}

	msg, err := t.codec.Decode([]byte(*m.Body))
	if err != nil {
		t.log.Error("Discarding invalid envelope", "queue", url, "error", err)
		r.delete(url, m)
		return
	}

	if err := handle(ctx, msg); err != nil {
		if rejectedWhilePaused(err) {
			r.requeue(ctx, url, m, msg)
			return
		}
		if receiveCount(m) >= t.attemptLimit() {
			t.log.Error("Dropping message after repeated failures", "id", msg.ID, "queue", url, "error", err)
			r.delete(url, m)
			return
		}
		t.log.Warn("Message handling failed, leaving for redelivery", "id", msg.ID, "queue", url, "error", err)
		return
	}

	r.delete(url, m)
}

// requeue sends a fresh copy of a message rejected while paused and deletes
// the original, so the pause does not use up its receive count.
func (r *sqsReceiver) requeue(ctx context.Context, url string, m types.Message, msg *domain.TransportMessage) {
	waitPaused(ctx)

	sendCtx, cancel := context.WithTimeout(context.Background(), sqsDeleteTimeout)
	defer cancel()
	if err := r.transport.Deliver(sendCtx, msg, url); err != nil {
		r.transport.log.Warn("Failed to requeue paused message, leaving for redelivery",
			"id", msg.ID, "queue", url, "error", err)
		return
	}
	r.delete(url, m)
}

func (r *sqsReceiver) delete(url string, m types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sqsDeleteTimeout)
	defer cancel()

	_, err := r.transport.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		r.transport.log.Error("Failed to delete message", "queue", url, "error", err)
	}
}

func (r *sqsReceiver) Stop(ctx context.Context) error {
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

func (t *SQSTransport) attemptLimit() int {
	if t.maxAttempts <= 0 {
		return DefaultMaxDeliveryAttempts
	}
	return t.maxAttempts
}

func receiveCount(m types.Message) int {
	v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 1
	}
	return n
}
