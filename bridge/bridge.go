package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/asyncop-go/contracts"
	"github.com/glimte/asyncop-go/messaging"
)

var (
	// ErrNilBus is returned when a bridge is built without an event bus
	ErrNilBus = errors.New("bridge: event bus cannot be nil")

	// ErrNilOperation is returned when Invoke is given a nil operation
	ErrNilOperation = errors.New("bridge: operation cannot be nil")

	// ErrMalformedEvent settles a call whose terminal event could not be decoded
	ErrMalformedEvent = errors.New("bridge: malformed terminal event")
)

// Operation issues a remote operation for channel and returns its immediate reply.
// Events for the call are expected on the topics derived from channel.
type Operation[A, R, P any] func(ctx context.Context, channel string, args A) (contracts.Immediate[R, P], error)

// Bridge invokes operations over an event bus
type Bridge struct {
	bus         messaging.EventBus
	logger      *slog.Logger
	metrics     messaging.MetricsCollector
	newChannel  func() string
	emitTimeout time.Duration
}

// BridgeOption configures the bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	Logger           *slog.Logger
	Metrics          messaging.MetricsCollector
	ChannelGenerator func() string
	EmitTimeout      time.Duration
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) BridgeOption {
	return func(c *BridgeConfig) {
		c.Metrics = metrics
	}
}

// WithChannelIDGenerator replaces NewChannelID. Generated ids must be unique
// among concurrently pending calls on the bus.
func WithChannelIDGenerator(gen func() string) BridgeOption {
	return func(c *BridgeConfig) {
		c.ChannelGenerator = gen
	}
}

// WithEmitTimeout bounds how long a cancellation request may take to publish
func WithEmitTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.EmitTimeout = timeout
	}
}

// NewBridge creates a bridge on top of bus
func NewBridge(bus messaging.EventBus, opts ...BridgeOption) (*Bridge, error) {
	if bus == nil {
		return nil, ErrNilBus
	}

	config := &BridgeConfig{
		EmitTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = &messaging.NoOpMetricsCollector{}
	}
	if config.ChannelGenerator == nil {
		config.ChannelGenerator = NewChannelID
	}
	if config.EmitTimeout <= 0 {
		config.EmitTimeout = 5 * time.Second
	}

	return &Bridge{
		bus:         bus,
		logger:      config.Logger.With("component", "bridge"),
		metrics:     config.Metrics,
		newChannel:  config.ChannelGenerator,
		emitTimeout: config.EmitTimeout,
	}, nil
}

// Bus returns the event bus the bridge listens on
func (b *Bridge) Bus() messaging.EventBus {
	return b.bus
}

// Invoke runs op on a fresh channel and returns a call that settles with the
// operation's outcome.
//
// The progress, finished and cancelled listeners are registered before op is
// issued. If op returns an error the listeners are removed and the error is
// returned unchanged; no call is created. A Result reply settles the call at
// once. A Started reply leaves it pending until a terminal event arrives. An
// UnusedProgress reply delivers its progress to onProgress and then waits like
// Started.
//
// onProgress may be nil. Calls to it are serialised and never happen after the
// call has settled.
func Invoke[A, R, P any](ctx context.Context, b *Bridge, op Operation[A, R, P], args A, onProgress func(P)) (*Call[R], error) {
	if b == nil {
		return nil, ErrNilBus
	}
	if op == nil {
		return nil, ErrNilOperation
	}

	channel := b.newChannel()
	call := newCall[R](b, channel)

	deliver := func(p P) {
		call.deliverProgress(func() {
			if onProgress != nil {
				onProgress(p)
			}
		})
	}

	listeners := []struct {
		topic   string
		handler messaging.EventHandler
	}{
		{contracts.ProgressTopic(channel), func(ctx context.Context, env *contracts.Envelope) error {
			var p P
			if err := env.Decode(&p); err != nil {
				return fmt.Errorf("failed to decode progress: %w", err)
			}
			deliver(p)
			return nil
		}},
		{contracts.FinishedTopic(channel), func(ctx context.Context, env *contracts.Envelope) error {
			return call.handleFinished(env)
		}},
		{contracts.CancelledTopic(channel), func(ctx context.Context, env *contracts.Envelope) error {
			call.settle(Outcome[R]{Cancelled: true}, nil, messaging.OutcomeCancelled)
			return nil
		}},
	}

	for _, l := range listeners {
		unlisten, err := b.bus.Listen(ctx, l.topic, l.handler)
		if err != nil {
			call.abort()
			return nil, fmt.Errorf("failed to listen on %s: %w", l.topic, err)
		}
		call.track(unlisten)
	}

	call.begin()
	b.logger.Debug("invoking operation", "channel", channel)

	imm, err := op(ctx, channel, args)
	if err != nil {
		call.abort()
		b.metrics.RecordCallSettled(messaging.OutcomeInvokeError, time.Since(call.started))
		return nil, err
	}

	switch imm.Type {
	case contracts.ImmediateResult:
		call.settle(Outcome[R]{Value: imm.Value}, nil, messaging.OutcomeSuccess)
	case contracts.ImmediateStarted:
	case contracts.ImmediateUnusedProgress:
		deliver(imm.Progress)
	default:
		call.abort()
		b.metrics.RecordCallSettled(messaging.OutcomeInvokeError, time.Since(call.started))
		return nil, fmt.Errorf("%w: %q", contracts.ErrUnknownImmediate, imm.Type)
	}

	return call, nil
}
