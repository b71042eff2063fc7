package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/asyncop-go/contracts"
)

// MemoryBus is an in-process EventBus. Emit queues the event and returns; a single
// dispatcher goroutine delivers queued events in FIFO order.
type MemoryBus struct {
	router *Router
	logger *slog.Logger
	queue  *DeliveryQueue

	mu     sync.Mutex
	closed bool
}

// MemoryBusOption configures the MemoryBus
type MemoryBusOption func(*MemoryBus)

// WithMemoryBusLogger sets the logger
func WithMemoryBusLogger(logger *slog.Logger) MemoryBusOption {
	return func(b *MemoryBus) {
		b.logger = logger
	}
}

// NewMemoryBus creates a running in-process bus
func NewMemoryBus(options ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	b.router = NewRouter(b.logger)
	b.queue = NewDeliveryQueue(b.router, b.logger)

	return b
}

// Listen implements EventBus
func (b *MemoryBus) Listen(ctx context.Context, topic string, handler EventHandler) (Unlisten, error) {
	if err := ctx.Err(); err != nil {
		return nil, &BusError{Op: "listen", Topic: topic, Err: err}
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, &BusError{Op: "listen", Topic: topic, Err: ErrBusClosed}
	}

	id, _ := b.router.Add(topic, handler)

	var once sync.Once
	return func() error {
		once.Do(func() {
			b.router.Remove(topic, id)
		})
		return nil
	}, nil
}

// Emit implements EventBus
func (b *MemoryBus) Emit(ctx context.Context, topic string, payload any) error {
	if err := ctx.Err(); err != nil {
		return &BusError{Op: "emit", Topic: topic, Err: err}
	}

	env, err := contracts.NewEnvelope(topic, payload)
	if err != nil {
		return &BusError{Op: "emit", Topic: topic, Err: err}
	}

	if !b.queue.Push(env) {
		return &BusError{Op: "emit", Topic: topic, Err: ErrBusClosed}
	}
	return nil
}

// Close stops accepting events, delivers what is already queued and stops the
// dispatcher. It must not be called from inside a handler.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.queue.Close()
	return nil
}

// ListenerCount returns the number of active subscriptions
func (b *MemoryBus) ListenerCount() int {
	return b.router.Len()
}

// Topics returns the topics with active subscriptions
func (b *MemoryBus) Topics() []string {
	return b.router.Topics()
}
