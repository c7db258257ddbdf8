package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one decoded stream entry. ID is the Redis entry id and must be
// passed back to Ack once the entry has been handled.
type Message struct {
	ID       string
	Envelope Envelope
}

// Consumer reads task envelopes off a stream on behalf of a consumer group.
// Entries that cannot be decoded are acked immediately so a poison message
// never wedges the group.
type Consumer struct {
	client *redis.Client
	group  string
	name   string
}

func NewConsumer(client *redis.Client, group, name string) *Consumer {
	return &Consumer{client: client, group: group, name: name}
}

// ConsumerOption tweaks a single Read call.
type ConsumerOption func(*redis.XReadGroupArgs)

// WithBlock makes Read wait up to d for new entries instead of returning
// immediately.
func WithBlock(d time.Duration) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if d > 0 {
			args.Block = d
		}
	}
}

// WithCount limits how many entries one Read may return.
func WithCount(n int64) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if n > 0 {
			args.Count = n
		}
	}
}

// EnsureGroup creates the consumer group at the stream tail, creating the
// stream itself if needed. Calling it for an existing group is a no-op.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return errors.New("stream and group must be provided")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %q on %q: %w", group, stream, err)
	}
	return nil
}

// Read fetches undelivered entries for this consumer. A nil slice with a nil
// error means the read timed out with nothing new.
func (c *Consumer) Read(ctx context.Context, stream string, opts ...ConsumerOption) ([]Message, error) {
	if err := c.ready(stream); err != nil {
		return nil, err
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
	}
	for _, opt := range opts {
		opt(args)
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %q as %s/%s: %w", stream, c.group, c.name, err)
	}
	return c.collect(ctx, stream, res), nil
}

// Ack marks the given entries as fully processed.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack on %q: %w", stream, err)
	}
	return nil
}

// AutoClaim steals entries that another consumer left pending for longer
// than minIdle. Pass the returned cursor back as start to keep scanning.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if err := c.ready(stream); err != nil {
		return nil, "", err
	}
	args := &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
	}
	if count > 0 {
		args.Count = count
	}
	entries, cursor, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("autoclaim on %q: %w", stream, err)
	}
	out := make([]Message, 0, len(entries))
	for _, entry := range entries {
		if msg, ok := c.decode(ctx, stream, entry); ok {
			out = append(out, msg)
		}
	}
	return out, cursor, nil
}

func (c *Consumer) ready(stream string) error {
	if stream == "" {
		return errors.New("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return errors.New("consumer group and name must be configured")
	}
	return nil
}

func (c *Consumer) collect(ctx context.Context, stream string, res []redis.XStream) []Message {
	var out []Message
	for _, st := range res {
		for _, entry := range st.Messages {
			if msg, ok := c.decode(ctx, stream, entry); ok {
				out = append(out, msg)
			}
		}
	}
	return out
}

func (c *Consumer) decode(ctx context.Context, stream string, entry redis.XMessage) (Message, bool) {
	payload, ok := entryPayload(entry)
	if !ok {
		c.discard(ctx, stream, entry.ID)
		return Message{}, false
	}
	env, err := UnmarshalEnvelope(payload)
	if err != nil {
		c.discard(ctx, stream, entry.ID)
		return Message{}, false
	}
	return Message{ID: entry.ID, Envelope: env}, true
}

// discard acks without handling, dropping the broken entry from the PEL.
func (c *Consumer) discard(ctx context.Context, stream, id string) {
	_ = c.client.XAck(ctx, stream, c.group, id).Err()
}

func entryPayload(entry redis.XMessage) ([]byte, bool) {
	raw, ok := entry.Values[envelopeField]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	default:
		data, err := json.Marshal(v)
		return data, err == nil
	}
}
