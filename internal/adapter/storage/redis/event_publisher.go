package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"custodial-ledger/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
)

// defaultStreamMaxLen bounds the stream; consumers needing full history read the journal.
const defaultStreamMaxLen = 100_000

// StreamPublisher implements ports.EventPublisher with Redis Streams (XADD).
type StreamPublisher struct {
	client *goredis.Client
	stream string
	maxLen int64
}

// NewStreamPublisher creates a publisher appending to stream.
func NewStreamPublisher(client *goredis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{
		client: client,
		stream: stream,
		maxLen: defaultStreamMaxLen,
	}
}

// Publish appends the event to the stream. The full event is carried as JSON
// next to a few flat fields for consumers that filter without decoding.
func (p *StreamPublisher) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"seq":       event.Sequence,
			"type":      string(event.Type),
			"principal": string(event.Principal),
			"payload":   payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", p.stream, err)
	}
	return nil
}

// Name returns the publisher name.
func (p *StreamPublisher) Name() string {
	return "redis-stream"
}
