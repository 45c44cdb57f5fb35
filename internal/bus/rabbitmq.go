package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPChannel is the subset of *amqp.Channel used by the RabbitMQ publisher and consumer.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// DialRabbit connects to RabbitMQ, retrying with a linear backoff.
func DialRabbit(ctx context.Context, url string, attempts int, backoff time.Duration, log *zap.Logger) (*amqp.Connection, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Warn("rabbitmq dial failed", zap.Int("attempt", i), zap.Error(err))
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i) * backoff):
		}
	}
	return nil, fmt.Errorf("dial rabbitmq: %w", lastErr)
}

// RabbitPublisher publishes messages to a durable topic exchange, routed by event type.
type RabbitPublisher struct {
	ch       AMQPChannel
	exchange string
}

// NewRabbitPublisher declares the exchange and returns a publisher.
func NewRabbitPublisher(ch AMQPChannel, exchange string) (*RabbitPublisher, error) {
	if exchange == "" {
		return nil, errors.New("rabbitmq exchange is required")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &RabbitPublisher{ch: ch, exchange: exchange}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return p.ch.PublishWithContext(ctx, p.exchange, msg.Type, false, false, amqp.Publishing{
		MessageId:     msg.ID,
		Type:          msg.Type,
		CorrelationId: msg.Key,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     msg.OccurredOn,
		Headers:       headers,
		Body:          msg.Payload,
	})
}

// RabbitConsumer binds a durable queue to the exchange for every subscribed type.
// Prefetch 1 keeps deliveries sequential, which preserves per-order ordering.
type RabbitConsumer struct {
	ch       AMQPChannel
	exchange string
	queue    string
	router   *Router
	log      *zap.Logger
}

// NewRabbitConsumer constructs a consumer reading from queue.
func NewRabbitConsumer(ch AMQPChannel, exchange, queue string, log *zap.Logger) *RabbitConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &RabbitConsumer{
		ch:       ch,
		exchange: exchange,
		queue:    queue,
		router:   NewRouter(),
		log:      log,
	}
}

func (c *RabbitConsumer) Subscribe(eventType string, h Handler) {
	c.router.Subscribe(eventType, h)
}

// Run declares the topology and consumes until ctx ends. Handler failures are nacked with requeue.
func (c *RabbitConsumer) Run(ctx context.Context) error {
	if _, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	for _, eventType := range c.router.Types() {
		if err := c.ch.QueueBind(c.queue, eventType, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", eventType, err)
		}
	}
	if err := c.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *RabbitConsumer) handle(ctx context.Context, d amqp.Delivery) {
	msg := messageFromDelivery(d)
	if err := c.router.Dispatch(ctx, msg); err != nil {
		c.log.Warn("rabbitmq handler failed, requeueing",
			zap.String("message_id", msg.ID), zap.String("event", msg.Type), zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.log.Error("rabbitmq nack failed", zap.Error(nackErr))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.log.Error("rabbitmq ack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func messageFromDelivery(d amqp.Delivery) Message {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	msgType := d.Type
	if msgType == "" {
		msgType = d.RoutingKey
	}
	return Message{
		ID:         d.MessageId,
		Type:       msgType,
		Key:        d.CorrelationId,
		Payload:    d.Body,
		OccurredOn: d.Timestamp,
		Headers:    headers,
	}
}
