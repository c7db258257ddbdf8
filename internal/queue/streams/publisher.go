package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// envelopeField is the single hash field each stream entry carries.
const envelopeField = "envelope"

// Publisher appends envelopes to Redis Streams.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishOption adjusts a single XADD.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox trims the stream to roughly maxLen entries on append.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// Publish stamps missing envelope fields, validates it, and appends it to
// the stream. The returned id is the Redis entry id.
func (p *Publisher) Publish(ctx context.Context, stream string, env Envelope, opts ...PublishOption) (string, error) {
	if stream == "" {
		return "", errors.New("stream name is required")
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{envelopeField: raw},
	}
	for _, opt := range opts {
		opt(args)
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("append to %q: %w", stream, err)
	}
	return id, nil
}

// PublishTask envelopes a task event and appends it to the task stream.
func (p *Publisher) PublishTask(ctx context.Context, stream string, task TaskEvent, opts ...PublishOption) (string, error) {
	return p.wrap(ctx, stream, EventTaskEnqueued, task.CorrelationID, task, opts...)
}

// PublishArchive envelopes a finished-plan event and appends it to the
// archive stream.
func (p *Publisher) PublishArchive(ctx context.Context, stream string, evt ArchiveEvent, opts ...PublishOption) (string, error) {
	return p.wrap(ctx, stream, EventPlanFinalized, evt.CorrelationID, evt, opts...)
}

func (p *Publisher) wrap(ctx context.Context, stream, eventType, correlationID string, payload interface{}, opts ...PublishOption) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return p.Publish(ctx, stream, Envelope{
		EventType:     eventType,
		CorrelationID: correlationID,
		Data:          data,
	}, opts...)
}
