package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/reliability"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	headerMessageID = "message_id"
	headerEventType = "event_type"
)

// KafkaWriter is the subset of *kafka.Writer used by KafkaPublisher.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReader is the subset of *kafka.Reader used by KafkaConsumer.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer that partitions by message key, so every event of one
// order lands on the same partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaReader builds a consumer-group reader with manual commits.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// KafkaPublisher writes messages keyed by correlation id.
type KafkaPublisher struct {
	writer KafkaWriter
}

// NewKafkaPublisher constructs a KafkaPublisher.
func NewKafkaPublisher(writer KafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	headers := []kafka.Header{
		{Key: headerMessageID, Value: []byte(msg.ID)},
		{Key: headerEventType, Value: []byte(msg.Type)},
	}
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Time:    msg.OccurredOn,
		Headers: headers,
	})
}

// Close releases the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads one partition stream at a time and commits only after handlers succeed.
// A message whose handlers keep failing stops the consumer uncommitted; the group redelivers it.
type KafkaConsumer struct {
	reader KafkaReader
	router *Router
	retry  reliability.RetryPolicy
	log    *zap.Logger
}

// NewKafkaConsumer constructs a KafkaConsumer. retry bounds in-place handler retries.
func NewKafkaConsumer(reader KafkaReader, retry reliability.RetryPolicy, log *zap.Logger) *KafkaConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaConsumer{
		reader: reader,
		router: NewRouter(),
		retry:  retry,
		log:    log,
	}
}

func (c *KafkaConsumer) Subscribe(eventType string, h Handler) {
	c.router.Subscribe(eventType, h)
}

func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := messageFromKafka(km)
		err = c.retry.Do(ctx, func() error {
			return c.router.Dispatch(ctx, msg)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			c.log.Error("kafka handler failed, leaving offset uncommitted",
				zap.String("message_id", msg.ID), zap.String("event", msg.Type), zap.Error(err))
			return err
		}
		if err := c.reader.CommitMessages(ctx, km); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func messageFromKafka(km kafka.Message) Message {
	msg := Message{
		Key:        string(km.Key),
		Payload:    km.Value,
		OccurredOn: km.Time,
		Headers:    make(map[string]string, len(km.Headers)),
	}
	for _, h := range km.Headers {
		switch h.Key {
		case headerMessageID:
			msg.ID = string(h.Value)
		case headerEventType:
			msg.Type = string(h.Value)
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
