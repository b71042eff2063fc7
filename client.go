// Package asyncop wires an event bus, a bridge and a command server into a
// single client.
//
// A client can invoke operations through the bridge and host commands on the
// same bus:
//
//	client, err := asyncop.NewMemoryClient()
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	client.Handle("count", countCommand)
//	call, err := asyncop.Invoke(ctx, client, asyncop.Local[Args, string, contracts.Progress](client, "count"), args, onProgress)
package asyncop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/asyncop-go/bridge"
	"github.com/glimte/asyncop-go/commands"
	"github.com/glimte/asyncop-go/interceptors"
	"github.com/glimte/asyncop-go/internal/config"
	"github.com/glimte/asyncop-go/messaging"
	rabbitmqTransport "github.com/glimte/asyncop-go/transports/rabbitmq"
	redisTransport "github.com/glimte/asyncop-go/transports/redis"
)

// Client provides the main entry point for asyncop
type Client struct {
	bus           messaging.EventBus
	bridge        *bridge.Bridge
	server        *commands.Server
	logger        *slog.Logger
	invokeTimeout time.Duration
	ownsBus       bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger          *slog.Logger
	metrics         messaging.MetricsCollector
	cancelledSignal bool
	emitTimeout     time.Duration
	invokeTimeout   time.Duration
	interceptors    *interceptors.Chain
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the collector shared by the bridge and the command server
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithCancelledSignal makes hosted commands report honoured cancellations on
// the cancelled topic
func WithCancelledSignal(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.cancelledSignal = enabled
	}
}

// WithEmitTimeout bounds the time spent publishing a single event
func WithEmitTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.emitTimeout = timeout
	}
}

// WithInvokeTimeout bounds how long Remote operations wait for the immediate
// reply. Zero waits until the invoking context is done.
func WithInvokeTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.invokeTimeout = timeout
	}
}

// WithInterceptors runs hosted commands through chain
func WithInterceptors(chain *interceptors.Chain) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = chain
	}
}

// NewClient creates a client on top of bus. The bus stays owned by the caller.
func NewClient(bus messaging.EventBus, options ...ClientOption) (*Client, error) {
	return newClient(bus, false, options...)
}

// NewMemoryClient creates a client on a fresh in-process bus
func NewMemoryClient(options ...ClientOption) (*Client, error) {
	cfg := applyOptions(options)
	bus := messaging.NewMemoryBus(messaging.WithMemoryBusLogger(cfg.logger))
	return newClient(bus, true, options...)
}

// NewRabbitMQClient connects to the broker at url and creates a client on its
// event exchange
func NewRabbitMQClient(url string, options ...ClientOption) (*Client, error) {
	return NewRabbitMQClientWithOptions(url, nil, options...)
}

// NewRabbitMQClientWithOptions is NewRabbitMQClient with bus options
func NewRabbitMQClientWithOptions(url string, busOptions []rabbitmqTransport.EventBusOption, options ...ClientOption) (*Client, error) {
	cfg := applyOptions(options)
	busOptions = append([]rabbitmqTransport.EventBusOption{rabbitmqTransport.WithLogger(cfg.logger)}, busOptions...)

	bus, err := rabbitmqTransport.NewEventBus(url, busOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create rabbitmq bus: %w", err)
	}
	return newClient(bus, true, options...)
}

// NewRedisClient connects to the Redis server at addr and creates a client on
// its pub/sub channels
func NewRedisClient(addr string, options ...ClientOption) (*Client, error) {
	return NewRedisClientWithOptions(&redis.Options{Addr: addr}, nil, options...)
}

// NewRedisClientWithOptions is NewRedisClient with full connection and bus options
func NewRedisClientWithOptions(opts *redis.Options, busOptions []redisTransport.EventBusOption, options ...ClientOption) (*Client, error) {
	cfg := applyOptions(options)
	busOptions = append([]redisTransport.EventBusOption{redisTransport.WithLogger(cfg.logger)}, busOptions...)

	bus, err := redisTransport.NewEventBus(opts, busOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis bus: %w", err)
	}
	return newClient(bus, true, options...)
}

// NewClientFromConfig creates a client on the transport selected by cfg.
// Options passed here override the values taken from cfg.
func NewClientFromConfig(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options = append([]ClientOption{
		WithCancelledSignal(cfg.Commands.CancelledSignal),
		WithEmitTimeout(cfg.Commands.EmitTimeout),
		WithInvokeTimeout(cfg.Commands.InvokeTimeout),
	}, options...)

	switch cfg.Transport {
	case config.TransportRabbitMQ:
		return NewRabbitMQClientWithOptions(cfg.AMQP.URL,
			[]rabbitmqTransport.EventBusOption{rabbitmqTransport.WithExchange(cfg.AMQP.Exchange)},
			options...)
	case config.TransportRedis:
		var busOptions []redisTransport.EventBusOption
		if cfg.Redis.ChannelPrefix != "" {
			busOptions = append(busOptions, redisTransport.WithChannelPrefix(cfg.Redis.ChannelPrefix))
		}
		return NewRedisClientWithOptions(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, busOptions, options...)
	default:
		return NewMemoryClient(options...)
	}
}

func applyOptions(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:        slog.Default(),
		metrics:       &messaging.NoOpMetricsCollector{},
		emitTimeout:   10 * time.Second,
		invokeTimeout: 10 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.metrics == nil {
		cfg.metrics = &messaging.NoOpMetricsCollector{}
	}
	return cfg
}

func newClient(bus messaging.EventBus, ownsBus bool, options ...ClientOption) (*Client, error) {
	if bus == nil {
		return nil, bridge.ErrNilBus
	}
	cfg := applyOptions(options)

	b, err := bridge.NewBridge(bus,
		bridge.WithLogger(cfg.logger),
		bridge.WithMetrics(cfg.metrics),
		bridge.WithEmitTimeout(cfg.emitTimeout),
	)
	if err != nil {
		return nil, err
	}

	server, err := commands.NewServer(bus,
		commands.WithLogger(cfg.logger),
		commands.WithMetrics(cfg.metrics),
		commands.WithEmitTimeout(cfg.emitTimeout),
		commands.WithCancelledSignal(cfg.cancelledSignal),
		commands.WithInterceptors(cfg.interceptors),
	)
	if err != nil {
		return nil, err
	}

	return &Client{
		bus:           bus,
		bridge:        b,
		server:        server,
		logger:        cfg.logger,
		invokeTimeout: cfg.invokeTimeout,
		ownsBus:       ownsBus,
	}, nil
}

// Bus returns the underlying event bus
func (c *Client) Bus() messaging.EventBus {
	return c.bus
}

// Bridge returns the bridge used by Invoke
func (c *Client) Bridge() *bridge.Bridge {
	return c.bridge
}

// Server returns the command server hosting this client's commands
func (c *Client) Server() *commands.Server {
	return c.server
}

// Handle registers a long-running command
func (c *Client) Handle(name string, fn commands.AsyncFunc) error {
	return c.server.Handle(name, fn)
}

// HandleSync registers a command answering within the invoking call
func (c *Client) HandleSync(name string, fn commands.SyncFunc) error {
	return c.server.HandleSync(name, fn)
}

// Serve answers remote invocations until ctx is done or the client is closed
func (c *Client) Serve(ctx context.Context) error {
	return c.server.Serve(ctx)
}

// Close stops the command server and, when the client created it, the bus
func (c *Client) Close() error {
	err := c.server.Close()
	if c.ownsBus {
		if busErr := c.bus.Close(); busErr != nil && err == nil {
			err = busErr
		}
	}
	return err
}

// Local returns an operation invoking command name hosted by this client
func Local[A, R, P any](c *Client, name string) bridge.Operation[A, R, P] {
	return commands.LocalOperation[A, R, P](c.server, name)
}

// Remote returns an operation invoking command name on whichever process serves
// it on the client's bus
func Remote[A, R, P any](c *Client, name string) bridge.Operation[A, R, P] {
	return commands.RemoteOperation[A, R, P](c.bus, name, c.invokeTimeout)
}

// Invoke runs op through the client's bridge
func Invoke[A, R, P any](ctx context.Context, c *Client, op bridge.Operation[A, R, P], args A, onProgress func(P)) (*bridge.Call[R], error) {
	return bridge.Invoke(ctx, c.bridge, op, args, onProgress)
}

// Call invokes op and waits for its outcome
func Call[A, R, P any](ctx context.Context, c *Client, op bridge.Operation[A, R, P], args A, onProgress func(P)) (bridge.Outcome[R], error) {
	call, err := Invoke(ctx, c, op, args, onProgress)
	if err != nil {
		return bridge.Outcome[R]{}, err
	}

	outcome, err := call.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		call.Cancel()
	}
	return outcome, err
}

