package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"orderflow/internal/reliability"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPipelineClient is the minimal client surface used by RedisStreamPublisher.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// NewRedisPipelineClient adapts a go-redis client to RedisPipelineClient.
func NewRedisPipelineClient(client *redis.Client) RedisPipelineClient {
	return redisClientAdapter{client: client}
}

type redisClientAdapter struct {
	client *redis.Client
}

func (a redisClientAdapter) Pipeline() RedisPipeliner {
	return a.client.Pipeline()
}

// RedisStreamPublisher appends messages to a stream and keeps a per-order hash of the
// last event seen, for quick status lookups outside the service.
type RedisStreamPublisher struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// NewRedisStreamPublisher constructs a Redis Streams publisher.
func NewRedisStreamPublisher(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = "order_events"
	}
	return &RedisStreamPublisher{
		client:    client,
		stream:    stream,
		keyPrefix: "order:last_event:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Publish writes the last-event hash and appends to the stream in one pipeline.
func (r *RedisStreamPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	occurred := msg.OccurredOn.UTC().Format(time.RFC3339Nano)
	pipe := r.client.Pipeline()

	if msg.Key != "" {
		key := r.keyPrefix + msg.Key
		pipe.HSet(ctx, key, map[string]any{
			"event_type":  msg.Type,
			"message_id":  msg.ID,
			"occurred_on": occurred,
		})
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
	}

	values := map[string]any{
		"id":          msg.ID,
		"type":        msg.Type,
		"key":         msg.Key,
		"payload":     string(msg.Payload),
		"occurred_on": occurred,
	}
	for k, v := range msg.Headers {
		values["h:"+k] = v
	}
	args := &redis.XAddArgs{Stream: r.stream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}

// RedisStreamConsumer reads a stream through a consumer group and acknowledges
// entries only after their handlers succeed. Unacknowledged entries stay pending.
type RedisStreamConsumer struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	block      time.Duration
	retryDelay time.Duration
	count      int64
	router     *Router
	log        *zap.Logger
}

// NewRedisStreamConsumer constructs a consumer. A negative block polls without blocking.
func NewRedisStreamConsumer(client *redis.Client, stream, group, consumer string, block time.Duration, log *zap.Logger) *RedisStreamConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	if stream == "" {
		stream = "order_events"
	}
	return &RedisStreamConsumer{
		client:     client,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		block:      block,
		retryDelay: 200 * time.Millisecond,
		count:      16,
		router:     NewRouter(),
		log:        log,
	}
}

func (c *RedisStreamConsumer) Subscribe(eventType string, h Handler) {
	c.router.Subscribe(eventType, h)
}

// EnsureGroup creates the consumer group (and stream) if missing.
func (c *RedisStreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s: %w", c.group, err)
	}
	return nil
}

func (c *RedisStreamConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	// Entries left pending by a previous run are redelivered first.
	start := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, failed, err := c.poll(ctx, start)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch {
		case failed:
			start = "0"
			if err := reliability.SleepWithContext(ctx, c.retryDelay); err != nil {
				return nil
			}
		case start == "0" && n == 0:
			start = ">"
		case n == 0 && c.block < 0:
			if err := reliability.SleepWithContext(ctx, c.retryDelay); err != nil {
				return nil
			}
		}
	}
}

// poll reads one batch starting at start ("0" for pending entries, ">" for new ones).
// It reports how many entries it saw and whether a handler failed.
func (c *RedisStreamConsumer) poll(ctx context.Context, start string) (int, bool, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, start},
		Count:    c.count,
		Block:    c.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("xreadgroup: %w", err)
	}

	seen := 0
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			seen++
			msg := messageFromStream(entry)
			if err := c.router.Dispatch(ctx, msg); err != nil {
				c.log.Warn("redis stream handler failed, leaving entry pending",
					zap.String("entry_id", entry.ID), zap.String("event", msg.Type), zap.Error(err))
				// Stop here so later entries of the same order are not handled first.
				return seen, true, nil
			}
			if err := c.client.XAck(ctx, c.stream, c.group, entry.ID).Err(); err != nil {
				return seen, false, fmt.Errorf("xack %s: %w", entry.ID, err)
			}
		}
	}
	return seen, false, nil
}

func messageFromStream(entry redis.XMessage) Message {
	msg := Message{Headers: make(map[string]string)}
	for k, v := range entry.Values {
		s, _ := v.(string)
		switch k {
		case "id":
			msg.ID = s
		case "type":
			msg.Type = s
		case "key":
			msg.Key = s
		case "payload":
			msg.Payload = []byte(s)
		case "occurred_on":
			msg.OccurredOn, _ = time.Parse(time.RFC3339Nano, s)
		default:
			if name, ok := strings.CutPrefix(k, "h:"); ok {
				msg.Headers[name] = s
			}
		}
	}
	return msg
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
