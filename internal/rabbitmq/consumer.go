package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages. Deliveries from one queue are
// handled one at a time, in the order the broker sent them.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer consumes queues on dedicated channels
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	autoAck       bool
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*Subscription
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 50,
		autoAck:       true,
		logger:        slog.Default(),
		active:        make(map[string]*Subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is an active consumer on one queue
type Subscription struct {
	Queue       string
	ConsumerTag string

	channel *amqp.Channel
	cancel  context.CancelFunc
	done    chan struct{}
}

// Done is closed once the subscription stops delivering, either because it was
// cancelled or because its channel or connection closed
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe starts consuming queue. Replaces an existing subscription on the
// same queue.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) (*Subscription, error) {
	conn, err := c.manager.Connection()
	if err != nil {
		return nil, &ConsumerError{Queue: queue, Op: "subscribe", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ConsumerError{Queue: queue, Op: "open channel", Err: err}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, &ConsumerError{Queue: queue, Op: "set qos", Err: err}
	}

	tag := "asyncop-" + uuid.New().String()
	deliveries, err := ch.Consume(
		queue,
		tag,
		c.autoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, &ConsumerError{Queue: queue, Op: "consume", Err: err}
	}

	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		Queue:       queue,
		ConsumerTag: tag,
		channel:     ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	previous := c.active[queue]
	c.active[queue] = sub
	c.mu.Unlock()

	if previous != nil {
		c.stop(previous)
	}

	go c.processMessages(consumerCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	return sub, nil
}

func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.mu.Lock()
		if c.active[sub.Queue] == sub {
			delete(c.active, sub.Queue)
		}
		c.mu.Unlock()

		if !sub.channel.IsClosed() {
			sub.channel.Close()
		}
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.Queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.Queue)
				return
			}

			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", sub.Queue,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
		if c.autoAck {
			return
		}
		if err != nil {
			if nackErr := delivery.Nack(false, false); nackErr != nil {
				c.logger.Error("failed to nack message", "error", nackErr, "originalError", err)
			}
			return
		}
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
	}()

	return handler(ctx, delivery)
}

// Unsubscribe stops consuming queue. It does not wait for the handler
// currently running to return.
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.active[queue]
	if ok {
		delete(c.active, queue)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, queue)
	}

	c.stop(sub)
	return nil
}

// Close stops every subscription
func (c *Consumer) Close() error {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.active))
	for _, sub := range c.active {
		subs = append(subs, sub)
	}
	c.active = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		c.stop(sub)
	}
	return nil
}

// ActiveQueues returns the queues with a live subscription
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for queue := range c.active {
		queues = append(queues, queue)
	}
	return queues
}

func (c *Consumer) stop(sub *Subscription) {
	if !sub.channel.IsClosed() {
		if err := sub.channel.Cancel(sub.ConsumerTag, false); err != nil {
			c.logger.Debug("failed to cancel consumer", "queue", sub.Queue, "error", err)
		}
	}
	sub.cancel()
}
