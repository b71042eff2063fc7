package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/asyncop-go/contracts"
	"github.com/glimte/asyncop-go/internal/rabbitmq"
	"github.com/glimte/asyncop-go/internal/reliability"
	"github.com/glimte/asyncop-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the exchange used when none is configured
const DefaultExchange = "asyncop.events"

// EventBus implements messaging.EventBus on a RabbitMQ exchange. Every bus owns
// one private queue; listening on a topic binds that queue to the exchange with
// the topic as routing key. A single consumer reads the queue, so events reach
// handlers in the order the broker confirmed them.
type EventBus struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	router    *messaging.Router
	breaker   *reliability.CircuitBreaker
	exchange  string
	logger    *slog.Logger

	// bindMu serializes binding changes so Listen returns only once its topic
	// is bound, even when another Listen on the same topic is in flight.
	bindMu sync.Mutex
	queue  string

	mu     sync.RWMutex
	closed bool
}

// EventBusConfig holds configuration for the bus
type EventBusConfig struct {
	Exchange          string
	Logger            *slog.Logger
	CircuitBreaker    *reliability.CircuitBreaker
	Prefetch          int
	MaxChannels       int
	ConfirmTimeout    time.Duration
	ConnectionOptions []rabbitmq.ConnectionOption
}

// EventBusOption configures the bus
type EventBusOption func(*EventBusConfig)

// WithExchange sets the exchange name
func WithExchange(name string) EventBusOption {
	return func(cfg *EventBusConfig) {
		cfg.Exchange = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(cfg *EventBusConfig) {
		cfg.Logger = logger
	}
}

// WithCircuitBreaker guards Emit with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) EventBusOption {
	return func(cfg *EventBusConfig) {
		cfg.CircuitBreaker = cb
	}
}

// WithPrefetch sets the consumer prefetch count
func WithPrefetch(count int) EventBusOption {
	return func(cfg *EventBusConfig) {
		cfg.Prefetch = count
	}
}

// WithMaxChannels limits the pooled publishing channels
func WithMaxChannels(n int) EventBusOption {
	return func(cfg *EventBusConfig) {
		cfg.MaxChannels = n
	}
}

// WithConfirmTimeout sets how long Emit waits for the broker's confirm
func WithConfirmTimeout(timeout time.Duration) EventBusOption {
	return func(cfg *EventBusConfig) {
		cfg.ConfirmTimeout = timeout
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) EventBusOption {
	return func(cfg *EventBusConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

func defaultConfig() *EventBusConfig {
	return &EventBusConfig{
		Exchange:       DefaultExchange,
		Logger:         slog.Default(),
		Prefetch:       100,
		MaxChannels:    10,
		ConfirmTimeout: 5 * time.Second,
	}
}

// NewEventBus connects to url, declares the exchange and the bus queue and
// starts consuming
func NewEventBus(url string, options ...EventBusOption) (*EventBus, error) {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("%w: exchange name is empty", rabbitmq.ErrInvalidConfiguration)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	ctx := context.Background()
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(cfg.MaxChannels),
		rabbitmq.WithConfirmMode(true),
	)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	b := &EventBus{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout)),
		consumer: rabbitmq.NewConsumer(manager,
			rabbitmq.WithPrefetchCount(cfg.Prefetch),
			rabbitmq.WithAutoAck(true),
			rabbitmq.WithConsumerLogger(cfg.Logger),
		),
		topology: rabbitmq.NewTopologyManager(pool),
		router:   messaging.NewRouter(cfg.Logger),
		breaker:  cfg.CircuitBreaker,
		exchange: cfg.Exchange,
		logger:   cfg.Logger,
	}

	b.bindMu.Lock()
	err = b.setup(ctx)
	b.bindMu.Unlock()
	if err != nil {
		pool.Close()
		manager.Close()
		return nil, err
	}

	manager.OnReconnect(b.restore)

	return b, nil
}

// setup declares the exchange and a fresh queue, binds every routed topic and
// starts the consumer. Callers hold bindMu.
func (b *EventBus) setup(ctx context.Context) error {
	if err := b.topology.DeclareExchange(ctx, rabbitmq.EventExchange(b.exchange)); err != nil {
		return err
	}

	q, err := b.topology.DeclareQueue(ctx, rabbitmq.EventQueue())
	if err != nil {
		return err
	}
	b.queue = q.Name

	for _, topic := range b.router.Topics() {
		if err := b.bind(ctx, topic); err != nil {
			return err
		}
	}

	if _, err := b.consumer.Subscribe(ctx, b.queue, b.deliver); err != nil {
		return err
	}

	b.logger.Debug("event bus ready", "exchange", b.exchange, "queue", b.queue)
	return nil
}

// restore rebuilds the queue after the connection came back. Exclusive queues
// are deleted with their connection, so events emitted while the bus was
// disconnected are lost.
func (b *EventBus) restore() {
	if b.isClosed() {
		return
	}

	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := reliability.Retry(ctx, reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 5), func() error {
		return b.setup(ctx)
	})
	if err != nil {
		b.logger.Error("failed to restore event bus after reconnect",
			"exchange", b.exchange,
			"error", err,
		)
		return
	}

	b.logger.Info("event bus restored after reconnect",
		"queue", b.queue,
		"topics", len(b.router.Topics()),
	)
}

// Listen implements messaging.EventBus. The topic is bound on the broker before
// Listen returns.
func (b *EventBus) Listen(ctx context.Context, topic string, handler messaging.EventHandler) (messaging.Unlisten, error) {
	if b.isClosed() {
		return nil, &messaging.BusError{Op: "listen", Topic: topic, Err: messaging.ErrBusClosed}
	}
	if err := ctx.Err(); err != nil {
		return nil, &messaging.BusError{Op: "listen", Topic: topic, Err: err}
	}

	b.bindMu.Lock()
	id, first := b.router.Add(topic, handler)
	if first {
		if err := b.bind(ctx, topic); err != nil {
			b.router.Remove(topic, id)
			b.bindMu.Unlock()
			return nil, &messaging.BusError{Op: "listen", Topic: topic, Err: err}
		}
	}
	b.bindMu.Unlock()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = b.unlisten(topic, id)
		})
		return err
	}, nil
}

func (b *EventBus) unlisten(topic string, id uint64) error {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	removed, last := b.router.Remove(topic, id)
	if !removed || !last || b.isClosed() {
		return nil
	}

	if err := b.topology.UnbindQueue(context.Background(), b.binding(topic)); err != nil {
		return &messaging.BusError{Op: "unlisten", Topic: topic, Err: err}
	}
	return nil
}

// Emit implements messaging.EventBus. It returns once the broker has confirmed
// the event.
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

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    env.ID,
		Timestamp:    env.Timestamp,
		Type:         topic,
		Body:         body,
	}

	publish := func() error {
		return b.publisher.Publish(ctx, b.exchange, topic, msg)
	}
	if b.breaker != nil {
		err = b.breaker.Execute(ctx, publish)
	} else {
		err = publish()
	}
	if err != nil {
		return &messaging.BusError{Op: "emit", Topic: topic, Err: err}
	}
	return nil
}

// Close stops consuming and closes the connection. Pending handlers are not
// waited for.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if err := b.consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := b.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Queue returns the name of the bus queue
func (b *EventBus) Queue() string {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	return b.queue
}

// Exchange returns the exchange name
func (b *EventBus) Exchange() string {
	return b.exchange
}

// IsConnected reports whether the broker connection is up
func (b *EventBus) IsConnected() bool {
	return b.manager.IsConnected()
}

// Ping reports whether the broker connection is up
func (b *EventBus) Ping(_ context.Context) error {
	if b.isClosed() {
		return messaging.ErrBusClosed
	}
	_, err := b.manager.Connection()
	return err
}

func (b *EventBus) bind(ctx context.Context, topic string) error {
	return b.topology.BindQueue(ctx, b.binding(topic))
}

func (b *EventBus) binding(topic string) rabbitmq.Binding {
	return rabbitmq.Binding{
		Queue:      b.queue,
		Exchange:   b.exchange,
		RoutingKey: topic,
	}
}

func (b *EventBus) deliver(ctx context.Context, delivery amqp.Delivery) error {
	env, err := contracts.UnmarshalEnvelope(delivery.Body)
	if err != nil {
		return err
	}

	if b.router.Dispatch(ctx, env) == 0 {
		b.logger.Debug("dropped event without listeners", "topic", env.Topic)
	}
	return nil
}

func (b *EventBus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
