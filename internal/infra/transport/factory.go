package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// New builds the transport selected by cfg.Kind. queue is required for the
// redis kind and ignored otherwise.
func New(ctx context.Context, cfg Config, queue Queue) (Transport, error) {
	if cfg.LocalAddress == "" {
		return nil, errors.New("transport local_address is required")
	}

	switch cfg.Kind {
	case "", "memory":
		return NewMemoryTransport(cfg.LocalAddress, cfg.MaxAttempts), nil

	case "redis":
		if queue == nil {
			return nil, errors.New("redis transport requires a redis client")
		}
		codec, err := NewCodec()
		if err != nil {
			return nil, err
		}
		return NewRedisTransport(queue, codec, cfg.LocalAddress, cfg.MaxAttempts), nil

	case "sqs":
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
		codec, err := NewCodec()
		if err != nil {
			return nil, err
		}
		return NewSQSTransport(client, codec, cfg.LocalAddress, cfg.MaxAttempts, cfg.WaitSeconds), nil

	default:
		return nil, unknownKind(cfg.Kind)
	}
}
