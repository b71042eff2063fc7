// Package redis provides a messaging.EventBus on Redis pub/sub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/asyncop-go/contracts"
	"github.com/glimte/asyncop-go/internal/reliability"
	"github.com/glimte/asyncop-go/messaging"
)

// DefaultChannelPrefix namespaces bus topics among other Redis channels
const DefaultChannelPrefix = "asyncop:"

// ErrSubscribeTimeout is returned by Listen when Redis does not confirm a
// subscription in time
var ErrSubscribeTimeout = errors.New("redis: subscribe not confirmed")

// EventBus implements messaging.EventBus on Redis pub/sub. One PubSub connection
// carries every subscription of the bus. A reader goroutine takes messages off
// the connection and hands them to a DeliveryQueue, so handlers run in the order
// Redis delivered the messages.
type EventBus struct {
	client     redis.UniversalClient
	ownsClient bool
	pubsub     *redis.PubSub
	router     *messaging.Router
	queue      *messaging.DeliveryQueue
	logger     *slog.Logger

	prefix           string
	emitPolicy       reliability.RetryPolicy
	subscribeTimeout time.Duration

	// subMu serializes SUBSCRIBE/UNSUBSCRIBE so Listen returns only once its
	// topic is confirmed, even when another Listen on the same topic is in flight.
	subMu sync.Mutex

	waitMu  sync.Mutex
	waiters map[string][]chan struct{}

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// EventBusConfig holds configuration for the bus
type EventBusConfig struct {
	Logger           *slog.Logger
	ChannelPrefix    string
	EmitPolicy       reliability.RetryPolicy
	SubscribeTimeout time.Duration
}

// EventBusOption configures the bus
type EventBusOption func(*EventBusConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(cfg *EventBusConfig) {
		cfg.Logger = logger
	}
}

// WithChannelPrefix sets the prefix prepended to topics to form channel names
func WithChannelPrefix(prefix string) EventBusOption {
	return func(cfg *EventBusConfig) {
		cfg.ChannelPrefix = prefix
	}
}

// WithEmitRetry sets the retry policy for PUBLISH
func WithEmitRetry(policy reliability.RetryPolicy) EventBusOption {
	return func(cfg *EventBusConfig) {
		cfg.EmitPolicy = policy
	}
}

// WithSubscribeTimeout bounds how long Listen waits for Redis to confirm a
// subscription
func WithSubscribeTimeout(timeout time.Duration) EventBusOption {
	return func(cfg *EventBusConfig) {
		cfg.SubscribeTimeout = timeout
	}
}

func defaultConfig() *EventBusConfig {
	return &EventBusConfig{
		Logger:           slog.Default(),
		ChannelPrefix:    DefaultChannelPrefix,
		EmitPolicy:       reliability.DefaultEmitPolicy(),
		SubscribeTimeout: 5 * time.Second,
	}
}

// NewEventBus creates a client from opts, pings the server and starts the bus.
// Close closes the client.
func NewEventBus(opts *redis.Options, options ...EventBusOption) (*EventBus, error) {
	if opts == nil {
		return nil, errors.New("redis: options are nil")
	}

	client := redis.NewClient(opts)

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	b := newEventBus(client, options...)
	b.ownsClient = true
	return b, nil
}

// NewEventBusFromClient starts a bus on an existing client. Close leaves the
// client open.
func NewEventBusFromClient(client redis.UniversalClient, options ...EventBusOption) (*EventBus, error) {
	if client == nil {
		return nil, errors.New("redis: client is nil")
	}
	return newEventBus(client, options...), nil
}

func newEventBus(client redis.UniversalClient, options ...EventBusOption) *EventBus {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(cfg)
	}

	router := messaging.NewRouter(cfg.Logger)
	b := &EventBus{
		client:           client,
		pubsub:           client.Subscribe(context.Background()),
		router:           router,
		queue:            messaging.NewDeliveryQueue(router, cfg.Logger),
		logger:           cfg.Logger,
		prefix:           cfg.ChannelPrefix,
		emitPolicy:       cfg.EmitPolicy,
		subscribeTimeout: cfg.SubscribeTimeout,
		waiters:          make(map[string][]chan struct{}),
		done:             make(chan struct{}),
	}

	go b.read(b.pubsub.ChannelWithSubscriptions(redis.WithChannelSize(1000)))

	return b
}

// Listen implements messaging.EventBus. For a topic with no handlers yet it sends
// SUBSCRIBE and returns once Redis has confirmed it.
func (b *EventBus) Listen(ctx context.Context, topic string, handler messaging.EventHandler) (messaging.Unlisten, error) {
	if b.isClosed() {
		return nil, &messaging.BusError{Op: "listen", Topic: topic, Err: messaging.ErrBusClosed}
	}
	if err := ctx.Err(); err != nil {
		return nil, &messaging.BusError{Op: "listen", Topic: topic, Err: err}
	}

	b.subMu.Lock()
	id, first := b.router.Add(topic, handler)
	if first {
		if err := b.subscribe(ctx, b.channel(topic)); err != nil {
			b.router.Remove(topic, id)
			b.subMu.Unlock()
			return nil, &messaging.BusError{Op: "listen", Topic: topic, Err: err}
		}
	}
	b.subMu.Unlock()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = b.unlisten(topic, id)
		})
		return err
	}, nil
}

func (b *EventBus) subscribe(ctx context.Context, channel string) error {
	confirmed := make(chan struct{})
	b.waitMu.Lock()
	b.waiters[channel] = append(b.waiters[channel], confirmed)
	b.waitMu.Unlock()

	err := b.pubsub.Subscribe(ctx, channel)
	if err == nil {
		timer := time.NewTimer(b.subscribeTimeout)
		defer timer.Stop()

		select {
		case <-confirmed:
			return nil
		case <-ctx.Done():
			err = ctx.Err()
		case <-timer.C:
			err = ErrSubscribeTimeout
		case <-b.done:
			err = messaging.ErrBusClosed
		}
	}

	b.dropWaiter(channel, confirmed)
	if unsubErr := b.pubsub.Unsubscribe(context.Background(), channel); unsubErr != nil {
		b.logger.Debug("failed to undo subscription", "channel", channel, "error", unsubErr)
	}
	return err
}

func (b *EventBus) unlisten(topic string, id uint64) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	removed, last := b.router.Remove(topic, id)
	if !removed || !last || b.isClosed() {
		return nil
	}

	if err := b.pubsub.Unsubscribe(context.Background(), b.channel(topic)); err != nil {
		return &messaging.BusError{Op: "unlisten", Topic: topic, Err: err}
	}
	return nil
}

// Emit implements messaging.EventBus. PUBLISH returns after Redis has handed the
// message to current subscribers, so sequential emits arrive in order.
func (b *EventBus) Emit(ctx context.Context, topic string, payload any) error {
	if b.isClosed() {
		return &messaging.BusError{Op: "emit", Topic: topic, Err: messaging.ErrBusClosed}
	}

	env, err := contracts.NewEnvelope(topic, payload)
	if err != nil {
		return &messaging.BusError{Op: "emit", Topic: topic, Err: err}
	}

	body, err := env.Marshal()
	if err != nil {
		return &messaging.BusError{Op: "emit", Topic: topic, Err: err}
	}

	channel := b.channel(topic)
	err = reliability.Retry(ctx, b.emitPolicy, func() error {
		if b.isClosed() {
			return reliability.Permanent(messaging.ErrBusClosed)
		}
		return b.client.Publish(ctx, channel, body).Err()
	})
	if err != nil {
		return &messaging.BusError{Op: "emit", Topic: topic, Err: err}
	}
	return nil
}

// Close closes the subscription connection, delivers events already received
// and closes the client if the bus created it. It must not be called from
// inside a handler.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	var errs []error
	if err := b.pubsub.Close(); err != nil {
		errs = append(errs, err)
	}
	b.queue.Close()

	if b.ownsClient {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping checks the server round trip
func (b *EventBus) Ping(ctx context.Context) error {
	if b.isClosed() {
		return messaging.ErrBusClosed
	}
	return b.client.Ping(ctx).Err()
}

// Topics returns the topics with active subscriptions
func (b *EventBus) Topics() []string {
	return b.router.Topics()
}

func (b *EventBus) read(messages <-chan interface{}) {
	for msg := range messages {
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				b.confirm(m.Channel)
			}

		case *redis.Message:
			env, err := contracts.UnmarshalEnvelope([]byte(m.Payload))
			if err != nil {
				b.logger.Warn("dropped undecodable event", "channel", m.Channel, "error", err)
				continue
			}
			if !b.queue.Push(env) {
				return
			}
		}
	}
}

func (b *EventBus) confirm(channel string) {
	b.waitMu.Lock()
	waiters := b.waiters[channel]
	delete(b.waiters, channel)
	b.waitMu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

func (b *EventBus) dropWaiter(channel string, confirmed chan struct{}) {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()

	waiters := b.waiters[channel]
	for i, w := range waiters {
		if w == confirmed {
			waiters = append(waiters[:i:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(b.waiters, channel)
		return
	}
	b.waiters[channel] = waiters
}

func (b *EventBus) channel(topic string) string {
	return b.prefix + topic
}

func (b *EventBus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
